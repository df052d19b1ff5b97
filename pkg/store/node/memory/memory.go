// Package memory provides an in-memory node.Store implementation.
//
// It is designed for tests, development and ephemeral deployments. All state
// lives behind a single store-wide mutex, which trivially gives the same
// atomicity guarantees (name index and quota counters updated together with
// the document) that the badger backend achieves with transactions.
package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arborfs/arbor/pkg/store/node"
)

const defaultPageSize = 100

// Store is an in-memory node store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	// nodes holds the documents keyed by id.
	nodes map[uuid.UUID]*node.Node

	// names is the uniqueness index: nameKey(parent, fold) -> node id,
	// maintained only for non-deleted nodes.
	names map[string]uuid.UUID

	// usage and quotas are per-owner byte counters.
	usage  map[string]uint64
	quotas map[string]uint64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		nodes:  make(map[uuid.UUID]*node.Node),
		names:  make(map[string]uuid.UUID),
		usage:  make(map[string]uint64),
		quotas: make(map[string]uint64),
	}
}

// nameKey builds the uniqueness index key. Root-level nodes (parent is
// uuid.Nil) are namespaced per owner: every tenant has its own root
// namespace, so the same name may exist at the root of two tenants.
func nameKey(parent uuid.UUID, owner, fold string) string {
	if parent == uuid.Nil {
		return "root/" + owner + "/" + fold
	}
	return parent.String() + "/" + fold
}

// Get returns a deep copy of the node with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, node.ErrNotFound)
	}
	return n.Clone(), nil
}

// Insert stores a new node, reserving its sibling name atomically.
func (s *Store) Insert(ctx context.Context, n *node.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("node %s already exists", n.ID)
	}

	key := nameKey(n.Parent, n.Owner, node.Fold(n.Name))
	if n.Alive() {
		if _, taken := s.names[key]; taken {
			return fmt.Errorf("%q under %s: %w", n.Name, n.Parent, node.ErrNameTaken)
		}
		s.names[key] = n.ID
	}
	s.nodes[n.ID] = n.Clone()
	return nil
}

// Update persists the record and reconciles the name index.
func (s *Store) Update(ctx context.Context, n *node.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.nodes[n.ID]
	if !ok {
		return fmt.Errorf("node %s: %w", n.ID, node.ErrNotFound)
	}

	oldKey := nameKey(old.Parent, old.Owner, node.Fold(old.Name))
	newKey := nameKey(n.Parent, n.Owner, node.Fold(n.Name))

	if n.Alive() && (newKey != oldKey || !old.Alive()) {
		if holder, taken := s.names[newKey]; taken && holder != n.ID {
			return fmt.Errorf("%q under %s: %w", n.Name, n.Parent, node.ErrNameTaken)
		}
	}

	if old.Alive() {
		delete(s.names, oldKey)
	}
	if n.Alive() {
		s.names[newKey] = n.ID
	}
	s.nodes[n.ID] = n.Clone()
	return nil
}

// Remove permanently deletes the record.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, node.ErrNotFound)
	}
	if n.Alive() {
		delete(s.names, nameKey(n.Parent, n.Owner, node.Fold(n.Name)))
	}
	delete(s.nodes, id)
	return nil
}

// Child resolves a sibling name probe.
func (s *Store) Child(ctx context.Context, parent uuid.UUID, name string, mode node.DeletedMode, owner string) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fold := node.Fold(name)

	// Fast path through the uniqueness index for alive nodes. Root-level
	// index keys are owner-scoped, so the path needs a concrete owner there.
	if mode == node.ExcludeDeleted && (parent != uuid.Nil || owner != "") {
		if id, ok := s.names[nameKey(parent, owner, fold)]; ok {
			n := s.nodes[id]
			if owner == "" || n.Owner == owner {
				return n.Clone(), nil
			}
		}
		return nil, fmt.Errorf("%q under %s: %w", name, parent, node.ErrNotFound)
	}

	for _, n := range s.nodes {
		if n.Parent != parent || node.Fold(n.Name) != fold {
			continue
		}
		if !mode.Accepts(n) {
			continue
		}
		if owner != "" && n.Owner != owner {
			continue
		}
		return n.Clone(), nil
	}
	return nil, fmt.Errorf("%q under %s: %w", name, parent, node.ErrNotFound)
}

// sortKey orders listings by folded name with the id as a tiebreaker
// (deleted siblings may share a folded name).
func sortKey(n *node.Node) string {
	return node.Fold(n.Name) + "\x00" + n.ID.String()
}

func encodeCursor(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: %v", node.ErrInvalidCursor, err)
	}
	return string(raw), nil
}

// page assembles one page out of pre-filtered, unsorted candidates.
func page(candidates []*node.Node, cursor string, limit int) (*node.Page, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	sort.Slice(candidates, func(i, j int) bool {
		return sortKey(candidates[i]) < sortKey(candidates[j])
	})

	out := &node.Page{}
	for _, n := range candidates {
		key := sortKey(n)
		if after != "" && key <= after {
			continue
		}
		if len(out.Nodes) == limit {
			out.NextCursor = encodeCursor(sortKey(out.Nodes[len(out.Nodes)-1]))
			out.HasMore = true
			return out, nil
		}
		out.Nodes = append(out.Nodes, n.Clone())
	}
	return out, nil
}

// Children returns one page of children of a parent.
func (s *Store) Children(ctx context.Context, q node.ChildQuery) (*node.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*node.Node
	for _, n := range s.nodes {
		if n.Parent != q.Parent || !q.Mode.Accepts(n) {
			continue
		}
		if q.Owner != "" && n.Owner != q.Owner {
			continue
		}
		candidates = append(candidates, n)
	}
	return page(candidates, q.Cursor, q.Limit)
}

// Query returns one page of filter-matched nodes owned by owner.
func (s *Store) Query(ctx context.Context, owner string, f *node.Filter, cursor string, limit int) (*node.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*node.Node
	for _, n := range s.nodes {
		if !n.Alive() || n.Owner != owner {
			continue
		}
		if !f.Matches(n) {
			continue
		}
		candidates = append(candidates, n)
	}
	return page(candidates, cursor, limit)
}

// UpdateSubtreeShare rewrites share membership below root.
func (s *Store) UpdateSubtreeShare(ctx context.Context, root uuid.UUID, share uuid.UUID, newOwner string) ([]*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	children := make(map[uuid.UUID][]*node.Node)
	for _, n := range s.nodes {
		children[n.Parent] = append(children[n.Parent], n)
	}

	var updated []*node.Node
	stack := []uuid.UUID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[id] {
			if share != uuid.Nil {
				child.Shared = node.ShareState{MemberOf: share}
			} else {
				child.Shared = node.ShareState{}
				if newOwner != "" {
					child.Owner = newOwner
				}
			}
			updated = append(updated, child.Clone())
			if child.Kind == node.KindCollection {
				stack = append(stack, child.ID)
			}
		}
	}
	return updated, nil
}

// ExpiredDestroy returns ids of nodes with an elapsed self-destruct stamp.
func (s *Store) ExpiredDestroy(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []uuid.UUID
	for id, n := range s.nodes {
		if n.DestroyElapsed(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// AddUsage applies a usage delta with ceiling enforcement.
func (s *Store) AddUsage(ctx context.Context, owner string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.usage[owner]
	var next uint64
	if delta >= 0 {
		next = current + uint64(delta)
		if limit := s.quotas[owner]; limit > 0 && next > limit {
			return fmt.Errorf("owner %s: %d+%d exceeds %d: %w",
				owner, current, delta, limit, node.ErrQuotaExceeded)
		}
	} else {
		dec := uint64(-delta)
		if dec > current {
			next = 0
		} else {
			next = current - dec
		}
	}
	s.usage[owner] = next
	return nil
}

// Usage returns the owner's usage counter.
func (s *Store) Usage(ctx context.Context, owner string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[owner], nil
}

// SetQuota sets the owner's ceiling.
func (s *Store) SetQuota(ctx context.Context, owner string, limit uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit == 0 {
		delete(s.quotas, owner)
	} else {
		s.quotas[owner] = limit
	}
	return nil
}

// Quota returns the owner's ceiling.
func (s *Store) Quota(ctx context.Context, owner string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotas[owner], nil
}

// Healthcheck always succeeds for the in-memory store.
func (s *Store) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var _ node.Store = (*Store)(nil)
