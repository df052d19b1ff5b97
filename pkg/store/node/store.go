// Package node defines the document store contract for tree nodes.
//
// The store is a single document database with per-document atomic updates.
// Backends must additionally guarantee two cross-document invariants inside
// one atomic unit, because the engine's operations are check-then-write
// sequences that would otherwise race:
//
//   - sibling-name uniqueness: Insert and Update maintain a unique index on
//     (parent, Fold(name)) over non-deleted nodes and fail with ErrNameTaken
//     when violated
//   - quota accounting: AddUsage applies the delta and enforces the owner's
//     ceiling in a single conditional update, never compute-then-set
package node

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound indicates the requested node does not exist.
	ErrNotFound = errors.New("node not found")

	// ErrNameTaken indicates a non-deleted sibling already uses the name.
	ErrNameTaken = errors.New("sibling name already taken")

	// ErrQuotaExceeded indicates the owner's usage ceiling would be crossed.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidCursor indicates a malformed or stale pagination cursor.
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// Fold normalizes a name for uniqueness comparison: NFC normalization
// followed by simple case folding. Two names are "the same" when their folds
// are equal.
func Fold(name string) string {
	return strings.ToLower(norm.NFC.String(name))
}

// containsFold reports whether s contains substr under Fold comparison.
func containsFold(s, substr string) bool {
	return strings.Contains(Fold(s), Fold(substr))
}

// DeletedMode selects which soft-delete states a listing or probe sees.
type DeletedMode int

const (
	// ExcludeDeleted sees only alive nodes.
	ExcludeDeleted DeletedMode = iota

	// OnlyDeleted sees only soft-deleted nodes.
	OnlyDeleted

	// IncludeDeleted sees both.
	IncludeDeleted
)

// accepts reports whether a node's delete state passes the mode.
func (m DeletedMode) accepts(n *Node) bool {
	switch m {
	case OnlyDeleted:
		return !n.Alive()
	case IncludeDeleted:
		return true
	default:
		return n.Alive()
	}
}

// Accepts reports whether the node's delete state passes the mode.
func (m DeletedMode) Accepts(n *Node) bool { return m.accepts(n) }

// ChildQuery selects one page of children of a parent collection.
type ChildQuery struct {
	// Parent is the collection id; uuid.Nil lists root-level nodes.
	Parent uuid.UUID

	// Mode filters by soft-delete state.
	Mode DeletedMode

	// Owner, when non-empty, restricts the listing to nodes owned by this
	// user. The engine drops the filter for special (shared/reference)
	// collections so all share participants see the same namespace.
	Owner string

	// Cursor resumes a previous page; empty starts from the beginning.
	// Cursors are opaque to callers.
	Cursor string

	// Limit caps the page size; 0 uses the backend default.
	Limit int
}

// Page is one page of nodes with a continuation cursor.
//
// Invariant: HasMore == (NextCursor != "").
type Page struct {
	// Nodes are the page entries ordered by folded name.
	Nodes []*Node

	// NextCursor resumes after the last entry; empty when done.
	NextCursor string

	// HasMore is a convenience flag equal to NextCursor != "".
	HasMore bool
}

// Store is the node document store.
//
// All methods are safe for concurrent use. Returned nodes are deep copies;
// mutating them does not change stored state until Update is called.
type Store interface {
	// Get returns the node with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Node, error)

	// Insert stores a new node and reserves its sibling name in the same
	// atomic unit. Fails with ErrNameTaken when a non-deleted sibling with
	// the same folded name exists under the same parent.
	Insert(ctx context.Context, n *Node) error

	// Update persists the full record and reconciles the name index when
	// name, parent or delete state changed. Fails with ErrNameTaken when the
	// new position collides and ErrNotFound when the node vanished.
	Update(ctx context.Context, n *Node) error

	// Remove permanently deletes the record and its index entries.
	Remove(ctx context.Context, id uuid.UUID) error

	// Child returns the child of parent whose folded name equals
	// Fold(name) and whose delete state passes mode, honoring the optional
	// owner filter. Returns ErrNotFound when no such child exists.
	Child(ctx context.Context, parent uuid.UUID, name string, mode DeletedMode, owner string) (*Node, error)

	// Children returns one page of children.
	Children(ctx context.Context, q ChildQuery) (*Page, error)

	// Query returns one page of nodes owned by owner matching the filter
	// predicate, ordered by folded name. Used for virtual collection views.
	Query(ctx context.Context, owner string, f *Filter, cursor string, limit int) (*Page, error)

	// UpdateSubtreeShare rewrites share membership on every descendant of
	// root (the root itself is not touched). With share != uuid.Nil each
	// descendant becomes a member of that share; with share == uuid.Nil
	// membership is cleared and ownership is reassigned to newOwner.
	// Returns the updated descendants so the caller can maintain blob
	// share-exposure references.
	UpdateSubtreeShare(ctx context.Context, root uuid.UUID, share uuid.UUID, newOwner string) ([]*Node, error)

	// ExpiredDestroy returns ids of nodes whose self-destruct timestamp is
	// at or before now. Used by the garbage collector.
	ExpiredDestroy(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// AddUsage atomically applies a signed byte delta to the owner's usage
	// counter, enforcing the owner's quota ceiling (if set) in the same
	// update. Fails with ErrQuotaExceeded without applying the delta.
	// Negative usage clamps to zero.
	AddUsage(ctx context.Context, owner string, delta int64) error

	// Usage returns the owner's current usage in bytes.
	Usage(ctx context.Context, owner string) (uint64, error)

	// SetQuota sets the owner's usage ceiling in bytes; 0 removes it.
	SetQuota(ctx context.Context, owner string, limit uint64) error

	// Quota returns the owner's ceiling, 0 when unlimited.
	Quota(ctx context.Context, owner string) (uint64, error)

	// Healthcheck verifies the store can serve requests.
	Healthcheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
