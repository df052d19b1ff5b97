package tree

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/internal/metrics"
	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/blob"
	"github.com/arborfs/arbor/pkg/store/node"
)

// Rename changes a node's name in place.
func (fs *Filesystem) Rename(ctx context.Context, id uuid.UUID, newName string, user *acl.User) (n *node.Node, err error) {
	defer func() { metrics.ObserveOp("rename", err) }()

	n, err = fs.load(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if n.ID == uuid.Nil {
		return nil, errf(CodeInvalidArgument, "", "cannot rename the root collection")
	}
	if n.ReadOnly {
		return nil, errf(CodeReadOnly, n.Name, "node is readonly")
	}
	if !n.IsReference() {
		if err := fs.require(ctx, n, acl.Write, user); err != nil {
			return nil, err
		}
	}

	newName = NormalizeName(newName)
	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	if newName == n.Name {
		return n, nil
	}

	n.Name = newName
	n.Changed = now()
	if err := fs.nodes.Update(ctx, n); err != nil {
		return nil, mapStoreErr(err, newName)
	}
	return n, nil
}

// Move reparents a node under a new collection.
//
// Moves that would change the node's share context (out of a share, into a
// share, or between shares) are realized as copy plus force-delete of the
// source: shared content may be jointly referenced, and an in-place reparent
// would silently change ownership semantics for the other share members.
func (fs *Filesystem) Move(ctx context.Context, id, destParentID uuid.UUID, policy ConflictPolicy, user *acl.User) (moved *node.Node, err error) {
	defer func() { metrics.ObserveOp("move", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if n.ID == uuid.Nil {
		return nil, errf(CodeInvalidArgument, "", "cannot move the root collection")
	}
	if n.ReadOnly {
		return nil, errf(CodeReadOnly, n.Name, "node is readonly")
	}
	if !n.IsReference() {
		if err := fs.require(ctx, n, acl.Write, user); err != nil {
			return nil, err
		}
	}

	dest, err := fs.loadCollection(ctx, destParentID, user)
	if err != nil {
		return nil, err
	}
	if dest.ID == n.Parent {
		return nil, errf(CodeConflict, n.Name, "node is already there")
	}
	if dest.ID == n.ID {
		return nil, errf(CodeConflict, n.Name, "cannot move a node into itself")
	}
	inside, err := fs.isDescendant(ctx, n.ID, dest)
	if err != nil {
		return nil, err
	}
	if inside {
		return nil, errf(CodeConflict, n.Name, "cannot move a node into its own subtree")
	}
	if err := fs.requireWritableParent(ctx, dest, user); err != nil {
		return nil, err
	}

	// A shared subtree may not end up nested inside another share.
	if dest.EffectiveShare() != uuid.Nil {
		if n.Shared.Root {
			return nil, errf(CodeConflict, n.Name, "cannot move a share into another share")
		}
		if n.Kind == node.KindCollection {
			nested, err := fs.subtreeContainsShareRoot(ctx, n.ID)
			if err != nil {
				return nil, err
			}
			if nested {
				return nil, errf(CodeConflict, n.Name, "subtree contains a share")
			}
		}
	}

	// Crossing a share boundary: copy, then permanently remove the source.
	if n.EffectiveShare() != dest.EffectiveShare() {
		copied, err := fs.copyNode(ctx, n, dest, policy, user, uuid.New(), true)
		if err != nil {
			return nil, err
		}
		if err := fs.forceDelete(ctx, n, user, uuid.New(), true); err != nil {
			return nil, err
		}
		log.Debug().Str("node_id", n.ID.String()).Str("copy_id", copied.ID.String()).
			Msg("cross-share move realized as copy and delete")
		return copied, nil
	}

	finalName, mergeTarget, err := fs.resolveConflict(ctx, dest, n.Name, policy, user)
	if err != nil {
		return nil, err
	}
	if mergeTarget != nil {
		merged, err := fs.mergeInto(ctx, n, mergeTarget, user, uuid.New())
		if err != nil {
			return nil, err
		}
		if err := fs.forceDelete(ctx, n, user, uuid.New(), true); err != nil {
			return nil, err
		}
		return merged, nil
	}

	n.Name = finalName
	n.Parent = dest.ID
	n.Changed = now()
	if err := fs.nodes.Update(ctx, n); err != nil {
		return nil, mapStoreErr(err, finalName)
	}
	return n, nil
}

// Copy duplicates a node under a new parent and returns the copy. File
// content is copied by reference (the blob gains a reference entry, bytes
// are not duplicated); collections copy recursively.
func (fs *Filesystem) Copy(ctx context.Context, id, destParentID uuid.UUID, policy ConflictPolicy, user *acl.User) (copied *node.Node, err error) {
	defer func() { metrics.ObserveOp("copy", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if n.ID == uuid.Nil {
		return nil, errf(CodeInvalidArgument, "", "cannot copy the root collection")
	}
	dest, err := fs.loadCollection(ctx, destParentID, user)
	if err != nil {
		return nil, err
	}
	if dest.ID == n.ID {
		return nil, errf(CodeConflict, n.Name, "cannot copy a node into itself")
	}
	inside, err := fs.isDescendant(ctx, n.ID, dest)
	if err != nil {
		return nil, err
	}
	if inside {
		return nil, errf(CodeConflict, n.Name, "cannot copy a node into its own subtree")
	}
	if err := fs.requireWritableParent(ctx, dest, user); err != nil {
		return nil, err
	}
	return fs.copyNode(ctx, n, dest, policy, user, uuid.New(), true)
}

// copyEvents returns the pre/post event pair for the node kind.
func copyEvents(n *node.Node) (Event, Event) {
	if n.Kind == node.KindCollection {
		return PreCopyCollection, PostCopyCollection
	}
	return PreCopyFile, PostCopyFile
}

// copyNode creates a copy of src under dest. It never mutates src. Merge
// collisions overwrite a destination file's content in place and reuse a
// destination collection as the recursion target.
func (fs *Filesystem) copyNode(ctx context.Context, src, dest *node.Node, policy ConflictPolicy, user *acl.User, token uuid.UUID, root bool) (*node.Node, error) {
	finalName, mergeTarget, err := fs.resolveConflict(ctx, dest, src.Name, policy, user)
	if err != nil {
		return nil, err
	}
	if mergeTarget != nil {
		if mergeTarget.Kind != src.Kind {
			return nil, errf(CodeConflict, src.Name, "existing node has a different kind")
		}
		if src.Kind == node.KindFile {
			return fs.mergeFileContent(ctx, src, mergeTarget, user, token, root)
		}
		// Merge into an existing collection: recurse with the target as the
		// new destination.
		return mergeTarget, fs.copyChildren(ctx, src, mergeTarget, user, token)
	}

	pre, post := copyEvents(src)
	ev := &EventContext{Event: pre, Node: src, User: user, Token: token, Root: root}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return nil, err
	}

	ts := now()
	copied := &node.Node{
		ID:      uuid.New(),
		Kind:    src.Kind,
		Name:    finalName,
		Owner:   actingOwner(user, dest),
		Parent:  dest.ID,
		Shared:  node.ShareState{MemberOf: dest.EffectiveShare()},
		Created: ts,
		Changed: ts,
	}
	for k, v := range src.Meta {
		if copied.Meta == nil {
			copied.Meta = make(map[node.MetaKey]string, len(src.Meta))
		}
		copied.Meta[k] = v
	}

	if src.Kind == node.KindFile {
		copied.Hash = src.Hash
		copied.Size = src.Size
		copied.Mime = src.Mime
		copied.Blob = src.Blob
		if src.Blob != "" {
			copied.Version = 1
			copied.History = []node.Version{{
				Version: 1,
				Changed: ts,
				User:    userID(user),
				Type:    node.VersionCreate,
				Blob:    src.Blob,
				Hash:    src.Hash,
				Size:    src.Size,
				Mime:    src.Mime,
			}}
		}
	} else {
		copied.Mime = node.CollectionMime
		if src.Filter != nil {
			f := *src.Filter
			copied.Filter = &f
		}
	}

	if src.Kind == node.KindFile && src.Size > 0 {
		if err := fs.nodes.AddUsage(ctx, copied.Owner, int64(src.Size)); err != nil {
			return nil, mapStoreErr(err, finalName)
		}
	}
	if err := fs.nodes.Insert(ctx, copied); err != nil {
		if src.Kind == node.KindFile && src.Size > 0 {
			fs.compensateUsage(ctx, copied.Owner, int64(src.Size))
		}
		return nil, mapStoreErr(err, finalName)
	}
	if copied.Blob != "" {
		if err := fs.blobs.AddRef(ctx, blobID(copied.Blob), blob.Ref{Node: copied.ID, Owner: copied.Owner}); err != nil {
			log.Warn().Str("blob", copied.Blob).Err(err).
				Msg("failed to attach blob reference to copy")
		}
		if share := copied.EffectiveShare(); share != uuid.Nil {
			if err := fs.blobs.AddShareRef(ctx, blobID(copied.Blob), copied.ID, share); err != nil {
				log.Warn().Str("blob", copied.Blob).Err(err).
					Msg("failed to register share exposure on copy")
			}
		}
	}

	if src.Kind == node.KindCollection {
		if err := fs.copyChildren(ctx, src, copied, user, token); err != nil {
			return nil, err
		}
	}

	ev.Event = post
	ev.Node = copied
	fs.hub.notify(ctx, ev)
	return copied, nil
}

// copyChildren recursively copies src's alive children into dest.
func (fs *Filesystem) copyChildren(ctx context.Context, src, dest *node.Node, user *acl.User, token uuid.UUID) error {
	cursor := ""
	for {
		page, err := fs.nodes.Children(ctx, node.ChildQuery{
			Parent: src.ID,
			Mode:   node.ExcludeDeleted,
			Cursor: cursor,
			Limit:  fs.limits.PageSize,
		})
		if err != nil {
			return err
		}
		for _, child := range page.Nodes {
			if _, err := fs.copyNode(ctx, child, dest, Merge, user, token, false); err != nil {
				return err
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return nil
}

// mergeInto merges src into an existing target of the same kind, as invoked
// by Move with the Merge policy.
func (fs *Filesystem) mergeInto(ctx context.Context, src, target *node.Node, user *acl.User, token uuid.UUID) (*node.Node, error) {
	if target.Kind != src.Kind {
		return nil, errf(CodeConflict, src.Name, "existing node has a different kind")
	}
	if src.Kind == node.KindFile {
		return fs.mergeFileContent(ctx, src, target, user, token, true)
	}
	return target, fs.copyChildren(ctx, src, target, user, token)
}

// mergeFileContent overwrites target's content with src's current blob.
// Identical content is a no-op. The blob gains target's reference; bytes are
// never copied.
func (fs *Filesystem) mergeFileContent(ctx context.Context, src, target *node.Node, user *acl.User, token uuid.UUID, root bool) (*node.Node, error) {
	if err := fs.require(ctx, target, acl.Write, user); err != nil {
		return nil, err
	}
	if target.ReadOnly {
		return nil, errf(CodeReadOnly, target.Name, "file is readonly")
	}
	if src.Hash == target.Hash {
		return target, nil
	}

	ev := &EventContext{Event: PrePutFile, Node: target, User: user, Token: token, Root: root}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return nil, err
	}

	delta := int64(src.Size) - int64(target.Size)
	if err := fs.nodes.AddUsage(ctx, target.Owner, delta); err != nil {
		return nil, mapStoreErr(err, target.Name)
	}
	priorRef := src.Blob == "" || stillReferenced(target, src.Blob)
	if src.Blob != "" {
		if err := fs.blobs.AddRef(ctx, blobID(src.Blob), blob.Ref{Node: target.ID, Owner: target.Owner}); err != nil {
			fs.compensateUsage(ctx, target.Owner, delta)
			return nil, err
		}
		if share := target.EffectiveShare(); share != uuid.Nil {
			if err := fs.blobs.AddShareRef(ctx, blobID(src.Blob), target.ID, share); err != nil {
				log.Warn().Str("blob", src.Blob).Err(err).
					Msg("failed to register share exposure on merge")
			}
		}
	}

	target.Version++
	target.History = append(target.History, node.Version{
		Version: target.Version,
		Changed: now(),
		User:    userID(user),
		Type:    node.VersionEdit,
		Blob:    src.Blob,
		Hash:    src.Hash,
		Size:    src.Size,
		Mime:    src.Mime,
	})
	target.Hash = src.Hash
	target.Size = src.Size
	target.Mime = src.Mime
	target.Blob = src.Blob
	target.Changed = now()
	fs.pruneHistory(ctx, target)

	if err := fs.nodes.Update(ctx, target); err != nil {
		fs.compensateUsage(ctx, target.Owner, delta)
		if !priorRef {
			if rerr := fs.blobs.Release(ctx, blobID(src.Blob), target.ID); rerr != nil {
				log.Warn().Str("blob", src.Blob).Err(rerr).
					Msg("failed to release blob after merge error")
			}
		}
		return nil, mapStoreErr(err, target.Name)
	}

	ev.Event = PostPutFile
	fs.hub.notify(ctx, ev)
	return target, nil
}

// isDescendant reports whether candidate sits inside the subtree rooted at
// ancestorID, walking candidate's parent chain up to the root.
func (fs *Filesystem) isDescendant(ctx context.Context, ancestorID uuid.UUID, candidate *node.Node) (bool, error) {
	seen := make(map[uuid.UUID]bool)
	current := candidate
	for current.Parent != uuid.Nil {
		if current.Parent == ancestorID {
			return true, nil
		}
		if seen[current.Parent] {
			return false, errf(CodeConflict, candidate.Name, "parent chain contains a cycle")
		}
		seen[current.Parent] = true

		next, err := fs.nodes.Get(ctx, current.Parent)
		if err != nil {
			return false, mapStoreErr(err, candidate.Name)
		}
		current = next
	}
	return false, nil
}

// subtreeContainsShareRoot reports whether any descendant of root is itself
// a share root.
func (fs *Filesystem) subtreeContainsShareRoot(ctx context.Context, root uuid.UUID) (bool, error) {
	found := false
	err := fs.walkSubtree(ctx, root, node.IncludeDeleted, func(n *node.Node) error {
		if n.Shared.Root {
			found = true
			return errf(CodeConflict, n.Name, "share root found")
		}
		return nil
	})
	if found {
		return true, nil
	}
	return false, err
}
