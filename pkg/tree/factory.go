package tree

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/node"
)

// load reconstructs a node from its stored record and runs the access check
// every read path goes through:
//
//   - an elapsed self-destruct force-deletes the node and raises Conflict
//     instead of returning it
//   - the acting user must hold at least read privilege
//
// uuid.Nil resolves to the acting user's virtual root collection.
func (fs *Filesystem) load(ctx context.Context, id uuid.UUID, user *acl.User) (*node.Node, error) {
	if id == uuid.Nil {
		return fs.virtualRoot(user), nil
	}

	n, err := fs.nodes.Get(ctx, id)
	if errors.Is(err, node.ErrNotFound) {
		return nil, errf(CodeNotFound, "", "node %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if n.DestroyElapsed(now()) {
		if err := fs.forceDelete(ctx, n, nil, uuid.New(), true); err != nil {
			log.Warn().Str("node_id", n.ID.String()).Err(err).
				Msg("failed to purge self-destructed node")
		}
		return nil, errf(CodeConflict, n.Name, "node self-destructed")
	}

	allowed, err := fs.rights.Allowed(ctx, subjectOf(n), acl.Read, user)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errf(CodeForbidden, n.Name, "read access denied")
	}
	return n, nil
}

// loadCollection loads a node and requires it to be a collection.
func (fs *Filesystem) loadCollection(ctx context.Context, id uuid.UUID, user *acl.User) (*node.Node, error) {
	n, err := fs.load(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if n.Kind != node.KindCollection {
		return nil, errf(CodeInvalidArgument, n.Name, "node is not a collection")
	}
	return n, nil
}

// loadFile loads a node and requires it to be a file.
func (fs *Filesystem) loadFile(ctx context.Context, id uuid.UUID, user *acl.User) (*node.Node, error) {
	n, err := fs.load(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if n.Kind != node.KindFile {
		return nil, errf(CodeInvalidArgument, n.Name, "node is not a file")
	}
	return n, nil
}

// virtualRoot is the synthetic top-level collection of a tenant. It is never
// persisted; root-level nodes simply have Parent == uuid.Nil.
func (fs *Filesystem) virtualRoot(user *acl.User) *node.Node {
	return &node.Node{
		ID:    uuid.Nil,
		Kind:  node.KindCollection,
		Owner: userID(user),
		Mime:  node.CollectionMime,
	}
}

// Node loads a node with the standard access check. This is the lookup
// entry point for request controllers.
func (fs *Filesystem) Node(ctx context.Context, id uuid.UUID, user *acl.User) (*node.Node, error) {
	return fs.load(ctx, id, user)
}

// require checks that user holds the given privilege on n.
func (fs *Filesystem) require(ctx context.Context, n *node.Node, p acl.Privilege, user *acl.User) error {
	allowed, err := fs.rights.Allowed(ctx, subjectOf(n), p, user)
	if err != nil {
		return err
	}
	if !allowed {
		return errf(CodeForbidden, n.Name, "%s access denied", p)
	}
	return nil
}

// requireWritableParent checks that a collection can receive new or moved
// children: write privilege, alive, not readonly, a real collection.
//
// A WritePlus grant also passes: the inbox privilege lets members drop new
// nodes into the collection even though the collection itself is owned by
// someone else. The nodes they create are their own, so later edits resolve
// through the regular WritePlus owner check.
func (fs *Filesystem) requireWritableParent(ctx context.Context, parent *node.Node, user *acl.User) error {
	if parent.Kind != node.KindCollection {
		return errf(CodeInvalidArgument, parent.Name, "parent is not a collection")
	}
	if !parent.Alive() {
		return errf(CodeConflict, parent.Name, "parent collection is deleted")
	}
	if parent.ReadOnly {
		return errf(CodeReadOnly, parent.Name, "parent collection is readonly")
	}
	err := fs.require(ctx, parent, acl.Write, user)
	if err != nil && IsCode(err, CodeForbidden) {
		granted, perr := fs.rights.Privilege(ctx, subjectOf(parent), user)
		if perr == nil && granted == acl.WritePlus {
			return nil
		}
	}
	return err
}

// childOwnerFilter returns the owner restriction for namespace probes under
// parent. Special (shared or reference) collections drop the filter so all
// share participants see one consistent namespace; plain collections are
// scoped to the acting user's own nodes.
func childOwnerFilter(parent *node.Node, user *acl.User) string {
	if parent.Special() {
		return ""
	}
	if parent.ID == uuid.Nil {
		return userID(user)
	}
	return parent.Owner
}

// ChildExists probes the parent's namespace for a child with the given name.
func (fs *Filesystem) ChildExists(ctx context.Context, parentID uuid.UUID, name string, mode node.DeletedMode, user *acl.User) (bool, error) {
	parent, err := fs.loadCollection(ctx, parentID, user)
	if err != nil {
		return false, err
	}
	return fs.childExists(ctx, parent, name, mode, user)
}

func (fs *Filesystem) childExists(ctx context.Context, parent *node.Node, name string, mode node.DeletedMode, user *acl.User) (bool, error) {
	_, err := fs.nodes.Child(ctx, parent.ID, name, mode, childOwnerFilter(parent, user))
	if errors.Is(err, node.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// resolveConflict applies the conflict policy for placing name under parent.
//
// It returns the final name to use and, for Merge, the existing node to
// merge into (nil otherwise). NoAction fails with Conflict when the name is
// taken; Rename probes suffixed candidates until a free one is found.
func (fs *Filesystem) resolveConflict(ctx context.Context, parent *node.Node, name string, policy ConflictPolicy, user *acl.User) (string, *node.Node, error) {
	existing, err := fs.nodes.Child(ctx, parent.ID, name, node.ExcludeDeleted, childOwnerFilter(parent, user))
	if errors.Is(err, node.ErrNotFound) {
		return name, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	switch policy {
	case Rename:
		for range [8]struct{}{} {
			candidate := renameCandidate(name)
			taken, err := fs.childExists(ctx, parent, candidate, node.ExcludeDeleted, user)
			if err != nil {
				return "", nil, err
			}
			if !taken {
				return candidate, nil, nil
			}
		}
		return "", nil, errf(CodeConflict, name, "could not find a free name")
	case Merge:
		return name, existing, nil
	default:
		return "", nil, errf(CodeConflict, name, "name already exists")
	}
}

// mapStoreErr translates sentinel store errors raised by a late write into
// engine errors. Insert/Update can still collide after resolveConflict when
// a concurrent request won the name.
func mapStoreErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, node.ErrNameTaken):
		return errf(CodeConflict, path, "name already exists")
	case errors.Is(err, node.ErrQuotaExceeded):
		return errf(CodeInsufficientStorage, path, "quota exceeded")
	case errors.Is(err, node.ErrNotFound):
		return errf(CodeNotFound, path, "node not found")
	default:
		return err
	}
}
