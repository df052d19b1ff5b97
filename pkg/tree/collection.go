package tree

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/internal/metrics"
	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/node"
)

var validate = validator.New()

// Attributes are the caller-settable fields of a new node.
type Attributes struct {
	// Meta seeds the restricted meta attribute map.
	Meta map[node.MetaKey]string

	// ReadOnly creates the node write-protected.
	ReadOnly bool

	// Destroy schedules a self-destruct.
	Destroy *time.Time

	// Filter turns a new collection into a virtual view. Ignored for files.
	Filter *node.Filter

	// Created and Changed override the timestamps (sync clients replay the
	// client-side mtime). Zero values use the server clock.
	Created *time.Time
	Changed *time.Time
}

// apply copies the attributes onto a freshly built node.
func (a *Attributes) apply(n *node.Node) error {
	if a == nil {
		return nil
	}
	for key, value := range a.Meta {
		if !node.ValidMetaKey(key) {
			return errf(CodeInvalidArgument, n.Name, "unknown meta attribute %q", key)
		}
		if n.Meta == nil {
			n.Meta = make(map[node.MetaKey]string)
		}
		n.Meta[key] = value
	}
	n.ReadOnly = a.ReadOnly
	if a.Destroy != nil {
		d := *a.Destroy
		n.Destroy = &d
	}
	if a.Filter != nil && n.Kind == node.KindCollection {
		f := *a.Filter
		n.Filter = &f
	}
	if a.Created != nil {
		n.Created = *a.Created
	}
	if a.Changed != nil {
		n.Changed = *a.Changed
	}
	return nil
}

// Cursor phases of a child listing. Virtual collections append a second,
// query-defined pass after the ordinary children are exhausted.
const (
	cursorChildren = "c|"
	cursorFilter   = "f|"
)

// Children returns one page of the collection's children.
//
// For shared collections the owner filter is dropped so reference holders
// see the same child set as the owner. A collection carrying a filter
// predicate appends a second pass of globally matching nodes scoped to the
// acting user. Children the acting user cannot read, and children that fail
// to resolve, are skipped with a log line rather than aborting the listing.
func (fs *Filesystem) Children(ctx context.Context, collectionID uuid.UUID, mode node.DeletedMode, filter *node.Filter, cursor string, limit int, user *acl.User) (*node.Page, error) {
	col, err := fs.loadCollection(ctx, collectionID, user)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = fs.limits.PageSize
	}

	// A reference mount lists the mounted share root's children. Access was
	// already resolved through the reference subject during load.
	if col.IsReference() {
		target, err := fs.nodes.Get(ctx, col.Reference)
		if err != nil {
			return nil, mapStoreErr(err, col.Name)
		}
		col = target
	}

	phase, inner := cursorChildren, ""
	switch {
	case cursor == "":
	case strings.HasPrefix(cursor, cursorChildren):
		inner = cursor[len(cursorChildren):]
	case strings.HasPrefix(cursor, cursorFilter):
		phase, inner = cursorFilter, cursor[len(cursorFilter):]
	default:
		return nil, errf(CodeInvalidArgument, col.Name, "invalid pagination cursor")
	}

	if phase == cursorChildren {
		page, err := fs.nodes.Children(ctx, node.ChildQuery{
			Parent: col.ID,
			Mode:   mode,
			Owner:  childOwnerFilter(col, user),
			Cursor: inner,
			Limit:  limit,
		})
		if err != nil {
			return nil, mapStoreErr(err, col.Name)
		}
		out := &node.Page{Nodes: fs.visibleNodes(ctx, page.Nodes, filter, user)}
		switch {
		case page.HasMore:
			out.NextCursor = cursorChildren + page.NextCursor
			out.HasMore = true
		case col.Filter != nil:
			out.NextCursor = cursorFilter
			out.HasMore = true
		}
		return out, nil
	}

	// Filter phase: the dynamic view layered on top of ordinary children.
	page, err := fs.nodes.Query(ctx, userID(user), col.Filter, inner, limit)
	if err != nil {
		return nil, mapStoreErr(err, col.Name)
	}
	matched := make([]*node.Node, 0, len(page.Nodes))
	for _, n := range page.Nodes {
		// Direct children already appeared in the first phase; the view
		// collection can match its own predicate and must not list itself.
		if n.Parent == col.ID || n.ID == col.ID || !mode.Accepts(n) {
			continue
		}
		matched = append(matched, n)
	}
	out := &node.Page{Nodes: fs.visibleNodes(ctx, matched, filter, user)}
	if page.HasMore {
		out.NextCursor = cursorFilter + page.NextCursor
		out.HasMore = true
	}
	return out, nil
}

// visibleNodes drops entries the acting user cannot read and applies the
// optional listing filter. Unreadable or corrupt entries are logged and
// skipped so one dead reference does not abort the whole listing.
func (fs *Filesystem) visibleNodes(ctx context.Context, nodes []*node.Node, filter *node.Filter, user *acl.User) []*node.Node {
	out := make([]*node.Node, 0, len(nodes))
	for _, n := range nodes {
		if filter != nil && !filter.Matches(n) {
			continue
		}
		allowed, err := fs.rights.Allowed(ctx, subjectOf(n), acl.Read, user)
		if err != nil {
			log.Warn().Str("node_id", n.ID.String()).Err(err).
				Msg("skipping unresolvable child in listing")
			continue
		}
		if !allowed {
			continue
		}
		out = append(out, n)
	}
	return out
}

// CreateCollection creates a directory node under parent.
//
// The new node inherits the parent's effective share so children of a share
// automatically become share members. Merge policy on an existing collection
// reuses it as the target.
func (fs *Filesystem) CreateCollection(ctx context.Context, parentID uuid.UUID, name string, attrs *Attributes, policy ConflictPolicy, user *acl.User) (n *node.Node, err error) {
	defer func() { metrics.ObserveOp("create_collection", err) }()

	parent, err := fs.loadCollection(ctx, parentID, user)
	if err != nil {
		return nil, err
	}
	if err := fs.requireWritableParent(ctx, parent, user); err != nil {
		return nil, err
	}

	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	finalName, mergeTarget, err := fs.resolveConflict(ctx, parent, name, policy, user)
	if err != nil {
		return nil, err
	}
	if mergeTarget != nil {
		if mergeTarget.Kind != node.KindCollection {
			return nil, errf(CodeConflict, name, "a file with this name already exists")
		}
		return mergeTarget, nil
	}

	ts := now()
	n = &node.Node{
		ID:      uuid.New(),
		Kind:    node.KindCollection,
		Name:    finalName,
		Owner:   actingOwner(user, parent),
		Parent:  parent.ID,
		Shared:  node.ShareState{MemberOf: parent.EffectiveShare()},
		Mime:    node.CollectionMime,
		Created: ts,
		Changed: ts,
	}
	if err := attrs.apply(n); err != nil {
		return nil, err
	}

	ev := &EventContext{Event: PreCreateCollection, Node: n, User: user, Token: uuid.New(), Root: true}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return nil, err
	}
	if err := fs.nodes.Insert(ctx, n); err != nil {
		return nil, mapStoreErr(err, finalName)
	}
	ev.Event = PostCreateCollection
	fs.hub.notify(ctx, ev)

	log.Debug().Str("node_id", n.ID.String()).Str("name", n.Name).
		Str("owner", n.Owner).Msg("collection created")
	return n, nil
}

// CreateFile creates a file node under parent, optionally storing initial
// content.
//
// Merge policy on an existing file delegates to Put, overwriting its content
// in place. A quota failure while storing the initial content rolls back the
// just-inserted record.
func (fs *Filesystem) CreateFile(ctx context.Context, parentID uuid.UUID, name string, content io.Reader, attrs *Attributes, policy ConflictPolicy, user *acl.User) (n *node.Node, err error) {
	defer func() { metrics.ObserveOp("create_file", err) }()

	parent, err := fs.loadCollection(ctx, parentID, user)
	if err != nil {
		return nil, err
	}
	if err := fs.requireWritableParent(ctx, parent, user); err != nil {
		return nil, err
	}

	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	finalName, mergeTarget, err := fs.resolveConflict(ctx, parent, name, policy, user)
	if err != nil {
		return nil, err
	}
	if mergeTarget != nil {
		if mergeTarget.Kind != node.KindFile {
			return nil, errf(CodeConflict, name, "a collection with this name already exists")
		}
		if content != nil {
			if _, err := fs.putContent(ctx, mergeTarget, content, "", user); err != nil {
				return nil, err
			}
		}
		return mergeTarget, nil
	}

	ts := now()
	n = &node.Node{
		ID:      uuid.New(),
		Kind:    node.KindFile,
		Name:    finalName,
		Owner:   actingOwner(user, parent),
		Parent:  parent.ID,
		Shared:  node.ShareState{MemberOf: parent.EffectiveShare()},
		Hash:    node.EmptyHash,
		Created: ts,
		Changed: ts,
	}
	if err := attrs.apply(n); err != nil {
		return nil, err
	}

	ev := &EventContext{Event: PreCreateFile, Node: n, User: user, Token: uuid.New(), Root: true}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return nil, err
	}
	if err := fs.nodes.Insert(ctx, n); err != nil {
		return nil, mapStoreErr(err, finalName)
	}

	if content != nil {
		if _, err := fs.putContent(ctx, n, content, "", user); err != nil {
			// Compensating delete: never leave a record whose content failed.
			if rerr := fs.nodes.Remove(ctx, n.ID); rerr != nil {
				log.Warn().Str("node_id", n.ID.String()).Err(rerr).
					Msg("failed to roll back file record after content error")
			}
			return nil, err
		}
	}

	ev.Event = PostCreateFile
	fs.hub.notify(ctx, ev)

	log.Debug().Str("node_id", n.ID.String()).Str("name", n.Name).
		Str("owner", n.Owner).Msg("file created")
	return n, nil
}

// Share turns the collection into a share root with the given rule list.
//
// Rejected for reference nodes, nodes already inside a share, and subtrees
// that already contain another share root. The share id is propagated onto
// every descendant and each descendant file's blob gains a share-exposure
// reference.
func (fs *Filesystem) Share(ctx context.Context, collectionID uuid.UUID, rules []acl.Rule, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("share", err) }()

	col, err := fs.loadCollection(ctx, collectionID, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, col, acl.Manage, user); err != nil {
		return err
	}
	if col.IsReference() {
		return errf(CodeConflict, col.Name, "cannot share a reference node")
	}
	if !col.Shared.None() {
		return errf(CodeConflict, col.Name, "collection is already part of a share")
	}
	for _, rule := range rules {
		if err := validate.Struct(rule); err != nil {
			return errf(CodeInvalidArgument, col.Name, "invalid acl rule: %v", err)
		}
	}

	// Invariant: a shared subtree may not contain another share root.
	err = fs.walkSubtree(ctx, col.ID, node.IncludeDeleted, func(n *node.Node) error {
		if n.Shared.Root {
			return errf(CodeConflict, n.Name, "subtree already contains a share")
		}
		return nil
	})
	if err != nil {
		return err
	}

	col.Shared = node.ShareState{Root: true}
	col.ACL = append([]acl.Rule(nil), rules...)
	col.Changed = now()
	if err := fs.nodes.Update(ctx, col); err != nil {
		return mapStoreErr(err, col.Name)
	}

	descendants, err := fs.nodes.UpdateSubtreeShare(ctx, col.ID, col.ID, "")
	if err != nil {
		return err
	}
	for _, n := range descendants {
		if n.Kind != node.KindFile || n.Blob == "" {
			continue
		}
		if err := fs.blobs.AddShareRef(ctx, blobID(n.Blob), n.ID, col.ID); err != nil {
			log.Warn().Str("node_id", n.ID.String()).Err(err).
				Msg("failed to register share exposure on blob")
		}
	}

	log.Info().Str("node_id", col.ID.String()).Int("rules", len(rules)).
		Int("descendants", len(descendants)).Msg("collection shared")
	return nil
}

// Unshare reverses Share: clears the ACL, reassigns ownership of every
// descendant to the acting user, clears the propagated share id and removes
// the share-exposure references from affected blobs.
func (fs *Filesystem) Unshare(ctx context.Context, collectionID uuid.UUID, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("unshare", err) }()

	col, err := fs.loadCollection(ctx, collectionID, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, col, acl.Manage, user); err != nil {
		return err
	}
	if !col.Shared.Root {
		return errf(CodeConflict, col.Name, "collection is not a share root")
	}

	newOwner := userID(user)
	if newOwner == "" {
		newOwner = col.Owner
	}

	descendants, err := fs.nodes.UpdateSubtreeShare(ctx, col.ID, uuid.Nil, newOwner)
	if err != nil {
		return err
	}
	for _, n := range descendants {
		if n.Kind != node.KindFile || n.Blob == "" {
			continue
		}
		if err := fs.blobs.RemoveShareRef(ctx, blobID(n.Blob), n.ID, col.ID); err != nil {
			log.Warn().Str("node_id", n.ID.String()).Err(err).
				Msg("failed to remove share exposure from blob")
		}
	}

	col.Shared = node.ShareState{}
	col.ACL = nil
	col.Owner = newOwner
	col.Changed = now()
	if err := fs.nodes.Update(ctx, col); err != nil {
		return mapStoreErr(err, col.Name)
	}

	log.Info().Str("node_id", col.ID.String()).Str("owner", newOwner).
		Int("descendants", len(descendants)).Msg("collection unshared")
	return nil
}

// Mount creates a reference node: a pointer in the acting user's own tree
// that mounts a foreign share root by id. Reference nodes never carry
// content or an ACL; every access resolves through the mounted share.
func (fs *Filesystem) Mount(ctx context.Context, parentID uuid.UUID, name string, shareRootID uuid.UUID, user *acl.User) (n *node.Node, err error) {
	defer func() { metrics.ObserveOp("mount", err) }()

	parent, err := fs.loadCollection(ctx, parentID, user)
	if err != nil {
		return nil, err
	}
	if err := fs.requireWritableParent(ctx, parent, user); err != nil {
		return nil, err
	}
	if parent.EffectiveShare() != uuid.Nil {
		return nil, errf(CodeConflict, parent.Name, "cannot mount a share inside a share")
	}

	target, err := fs.nodes.Get(ctx, shareRootID)
	if err != nil {
		return nil, mapStoreErr(err, name)
	}
	if !target.Shared.Root || !target.Alive() {
		return nil, errf(CodeConflict, target.Name, "target is not an active share")
	}
	allowed, err := fs.rights.Allowed(ctx, acl.Subject{Owner: userID(user), Reference: shareRootID}, acl.Read, user)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errf(CodeForbidden, target.Name, "share does not grant read access")
	}

	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	ts := now()
	n = &node.Node{
		ID:        uuid.New(),
		Kind:      node.KindCollection,
		Name:      name,
		Owner:     userID(user),
		Parent:    parent.ID,
		Reference: shareRootID,
		Mime:      node.CollectionMime,
		Created:   ts,
		Changed:   ts,
	}
	if err := fs.nodes.Insert(ctx, n); err != nil {
		return nil, mapStoreErr(err, name)
	}
	return n, nil
}

// walkSubtree visits every descendant of root depth-first, paginating
// through the store. The root itself is not visited. fn errors abort the
// walk.
func (fs *Filesystem) walkSubtree(ctx context.Context, root uuid.UUID, mode node.DeletedMode, fn func(*node.Node) error) error {
	stack := []uuid.UUID{root}
	for len(stack) > 0 {
		parent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cursor := ""
		for {
			page, err := fs.nodes.Children(ctx, node.ChildQuery{
				Parent: parent,
				Mode:   mode,
				Cursor: cursor,
				Limit:  fs.limits.PageSize,
			})
			if err != nil {
				return err
			}
			for _, n := range page.Nodes {
				if err := fn(n); err != nil {
					return err
				}
				if n.Kind == node.KindCollection {
					stack = append(stack, n.ID)
				}
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
	}
	return nil
}
