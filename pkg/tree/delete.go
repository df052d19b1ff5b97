package tree

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/internal/metrics"
	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/node"
)

// Delete removes a node.
//
// The default path is a soft delete: the node (and, for collections, every
// descendant) is stamped with one shared deletion timestamp and stays
// restorable. force bypasses the trash and permanently removes records and
// blob references. Junk-named nodes (OS artifacts, editor scratch files) are
// always force-deleted.
//
// Deleting a share root requires manage privilege; everything else requires
// write. Readonly is enforced on the deletion root only: a readonly
// descendant is stamped or removed together with the rest of the subtree, so
// deleting a collection never half-succeeds and an undelete restores the
// whole cohort.
func (fs *Filesystem) Delete(ctx context.Context, id uuid.UUID, force bool, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("delete", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		return errf(CodeInvalidArgument, "", "cannot delete the root collection")
	}

	required := acl.Write
	if n.Shared.Root {
		required = acl.Manage
	}
	if err := fs.require(ctx, n, required, user); err != nil {
		return err
	}
	if n.ReadOnly {
		return errf(CodeReadOnly, n.Name, "node is readonly")
	}

	if IsJunkName(n.Name) {
		force = true
	}

	token := uuid.New()
	if force {
		return fs.forceDelete(ctx, n, user, token, true)
	}
	if !n.Alive() {
		return errf(CodeConflict, n.Name, "node is already deleted")
	}
	return fs.softDelete(ctx, n, user, token, true, now())
}

// deleteEvents returns the pre/post event pair for the node kind.
func deleteEvents(n *node.Node) (Event, Event) {
	if n.Kind == node.KindCollection {
		return PreDeleteCollection, PostDeleteCollection
	}
	return PreDeleteFile, PostDeleteFile
}

// forceDelete permanently removes the node, cascading depth-first through
// collections. File blobs are dereferenced for every history entry; usage
// accounting is reduced by the current content size.
func (fs *Filesystem) forceDelete(ctx context.Context, n *node.Node, user *acl.User, token uuid.UUID, root bool) error {
	pre, post := deleteEvents(n)
	ev := &EventContext{Event: pre, Node: n, User: user, Token: token, Root: root}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return err
	}

	if n.Kind == node.KindCollection {
		// Children vanish as we delete them, so restart the first page until
		// the collection is empty.
		for {
			page, err := fs.nodes.Children(ctx, node.ChildQuery{
				Parent: n.ID,
				Mode:   node.IncludeDeleted,
				Limit:  fs.limits.PageSize,
			})
			if err != nil {
				return err
			}
			if len(page.Nodes) == 0 {
				break
			}
			for _, child := range page.Nodes {
				if err := fs.forceDelete(ctx, child, user, token, false); err != nil {
					return err
				}
			}
		}
	} else {
		fs.releaseFileBlobs(ctx, n)
		if n.Size > 0 {
			fs.compensateUsage(ctx, n.Owner, int64(n.Size))
		}
	}

	if err := fs.nodes.Remove(ctx, n.ID); err != nil && !errors.Is(err, node.ErrNotFound) {
		return mapStoreErr(err, n.Name)
	}

	ev.Event = post
	fs.hub.notify(ctx, ev)

	log.Debug().Str("node_id", n.ID.String()).Str("name", n.Name).
		Msg("node force-deleted")
	return nil
}

// releaseFileBlobs drops the file's owner reference on every blob its
// history touches, plus any share-exposure references.
func (fs *Filesystem) releaseFileBlobs(ctx context.Context, f *node.Node) {
	seen := make(map[string]bool)
	release := func(ref string) {
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		if share := f.EffectiveShare(); share != uuid.Nil {
			if err := fs.blobs.RemoveShareRef(ctx, blobID(ref), f.ID, share); err != nil {
				log.Warn().Str("blob", ref).Err(err).
					Msg("failed to remove share exposure during delete")
			}
		}
		if err := fs.blobs.Release(ctx, blobID(ref), f.ID); err != nil {
			log.Warn().Str("blob", ref).Err(err).
				Msg("failed to release blob during delete")
		}
	}
	release(f.Blob)
	for _, v := range f.History {
		release(v.Blob)
	}
}

// softDelete stamps the node and its alive descendants with the shared
// deletion timestamp ts. Files record a delete history entry so the trash
// transition is visible in their version log. Descendants are stamped
// regardless of their readonly flag; readonly gates only direct operations
// on the node itself.
func (fs *Filesystem) softDelete(ctx context.Context, n *node.Node, user *acl.User, token uuid.UUID, root bool, ts time.Time) error {
	pre, post := deleteEvents(n)
	ev := &EventContext{Event: pre, Node: n, User: user, Token: token, Root: root}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return err
	}

	stamp := ts
	n.Deleted = &stamp
	n.Changed = ts
	if n.Kind == node.KindFile {
		n.Version++
		n.History = append(n.History, node.Version{
			Version: n.Version,
			Changed: ts,
			User:    userID(user),
			Type:    node.VersionDelete,
			Blob:    n.Blob,
			Hash:    n.Hash,
			Size:    n.Size,
			Mime:    n.Mime,
		})
		fs.pruneHistory(ctx, n)
	}
	if err := fs.nodes.Update(ctx, n); err != nil {
		return mapStoreErr(err, n.Name)
	}

	if n.Kind == node.KindCollection {
		// Alive children drop out of the listing as they are stamped, so
		// restart the first page until none are left.
		for {
			page, err := fs.nodes.Children(ctx, node.ChildQuery{
				Parent: n.ID,
				Mode:   node.ExcludeDeleted,
				Limit:  fs.limits.PageSize,
			})
			if err != nil {
				return err
			}
			if len(page.Nodes) == 0 {
				break
			}
			for _, child := range page.Nodes {
				if err := fs.softDelete(ctx, child, user, token, false, ts); err != nil {
					return err
				}
			}
		}
	}

	ev.Event = post
	fs.hub.notify(ctx, ev)
	return nil
}

// Undelete restores a soft-deleted node, cascading to the descendants that
// were deleted in the same operation (they share the deletion timestamp).
//
// Fails when the parent is itself deleted. A name collision with an alive
// sibling applies the conflict policy; Merge degrades to Rename because the
// restored subtree cannot be merged into a live one in place.
func (fs *Filesystem) Undelete(ctx context.Context, id uuid.UUID, policy ConflictPolicy, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("undelete", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, n, acl.Write, user); err != nil {
		return err
	}
	if n.Alive() {
		return errf(CodeConflict, n.Name, "node is not deleted")
	}

	parent := fs.virtualRoot(user)
	if n.Parent != uuid.Nil {
		parent, err = fs.nodes.Get(ctx, n.Parent)
		if errors.Is(err, node.ErrNotFound) {
			return errf(CodeConflict, n.Name, "parent collection no longer exists")
		}
		if err != nil {
			return err
		}
		if !parent.Alive() {
			return errf(CodeConflict, n.Name, "parent collection is deleted")
		}
	}

	// Resolve a collision with an alive sibling that took the name while
	// this node sat in the trash.
	taken, err := fs.childExists(ctx, parent, n.Name, node.ExcludeDeleted, user)
	if err != nil {
		return err
	}
	if taken {
		switch policy {
		case Rename, Merge:
			name := ""
			for range [8]struct{}{} {
				candidate := renameCandidate(n.Name)
				used, err := fs.childExists(ctx, parent, candidate, node.ExcludeDeleted, user)
				if err != nil {
					return err
				}
				if !used {
					name = candidate
					break
				}
			}
			if name == "" {
				return errf(CodeConflict, n.Name, "could not find a free name")
			}
			n.Name = name
		default:
			return errf(CodeConflict, n.Name, "name already exists")
		}
	}

	ts := *n.Deleted
	return fs.restoreDeleted(ctx, n, user, ts)
}

// restoreDeleted clears the delete stamp on n and on every descendant whose
// stamp equals ts (the cohort deleted together with n).
func (fs *Filesystem) restoreDeleted(ctx context.Context, n *node.Node, user *acl.User, ts time.Time) error {
	n.Deleted = nil
	n.Changed = now()
	if n.Kind == node.KindFile {
		n.Version++
		n.History = append(n.History, node.Version{
			Version: n.Version,
			Changed: n.Changed,
			User:    userID(user),
			Type:    node.VersionUndelete,
			Blob:    n.Blob,
			Hash:    n.Hash,
			Size:    n.Size,
			Mime:    n.Mime,
		})
		fs.pruneHistory(ctx, n)
	}
	if err := fs.nodes.Update(ctx, n); err != nil {
		return mapStoreErr(err, n.Name)
	}

	if n.Kind != node.KindCollection {
		return nil
	}
	for {
		restoredAny := false
		cursor := ""
		for {
			page, err := fs.nodes.Children(ctx, node.ChildQuery{
				Parent: n.ID,
				Mode:   node.OnlyDeleted,
				Cursor: cursor,
				Limit:  fs.limits.PageSize,
			})
			if err != nil {
				return err
			}
			for _, child := range page.Nodes {
				if child.Deleted == nil || !child.Deleted.Equal(ts) {
					continue
				}
				if err := fs.restoreDeleted(ctx, child, user, ts); err != nil {
					return err
				}
				restoredAny = true
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
		// Restored children left the OnlyDeleted listing mid-pagination;
		// rescan until a full pass restores nothing.
		if !restoredAny {
			return nil
		}
	}
}
