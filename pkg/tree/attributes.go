package tree

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arborfs/arbor/internal/metrics"
	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/node"
)

// Lock takes or refreshes the advisory lock on a node.
//
// The lock is client-opt-in (WebDAV style) and does not serialize engine
// internal mutation; it only keeps a second client from taking a different
// lock identifier. Taking the lock with the identifier it already holds
// refreshes the TTL.
func (fs *Filesystem) Lock(ctx context.Context, id uuid.UUID, lockID string, ttl time.Duration, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("lock", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, n, acl.Write, user); err != nil {
		return err
	}
	if lockID == "" {
		return errf(CodeInvalidArgument, n.Name, "lock identifier must not be empty")
	}
	if ttl <= 0 {
		return errf(CodeInvalidArgument, n.Name, "lock ttl must be positive")
	}

	ts := now()
	if n.Lock.Live(ts) && n.Lock.ID != lockID {
		return errf(CodeConflict, n.Name, "node is locked")
	}
	n.Lock = &node.Lock{ID: lockID, Owner: userID(user), Expires: ts.Add(ttl)}
	return mapStoreErr(fs.nodes.Update(ctx, n), n.Name)
}

// Unlock releases the advisory lock.
func (fs *Filesystem) Unlock(ctx context.Context, id uuid.UUID, lockID string, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("unlock", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if !n.Lock.Live(now()) {
		return errf(CodeNotLocked, n.Name, "node is not locked")
	}
	if user != nil && n.Lock.Owner != user.ID {
		return errf(CodeForbidden, n.Name, "lock is held by another user")
	}
	if n.Lock.ID != lockID {
		return errf(CodeLockIDMismatch, n.Name, "lock identifier does not match")
	}
	n.Lock = nil
	return mapStoreErr(fs.nodes.Update(ctx, n), n.Name)
}

// SetMetaAttribute sets one meta attribute; an empty value unsets it.
func (fs *Filesystem) SetMetaAttribute(ctx context.Context, id uuid.UUID, key node.MetaKey, value string, user *acl.User) error {
	if value == "" {
		return fs.SaveAttributes(ctx, id, nil, []node.MetaKey{key}, user)
	}
	return fs.SaveAttributes(ctx, id, map[node.MetaKey]string{key: value}, nil, user)
}

// SaveAttributes persists the named meta attributes, setting and unsetting
// only what is listed. References may save attributes without write
// privilege on the mounted share: the attributes live on the mount itself.
func (fs *Filesystem) SaveAttributes(ctx context.Context, id uuid.UUID, set map[node.MetaKey]string, unset []node.MetaKey, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("save_attributes", err) }()

	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if !n.IsReference() {
		if err := fs.require(ctx, n, acl.Write, user); err != nil {
			return err
		}
	}
	for key := range set {
		if !node.ValidMetaKey(key) {
			return errf(CodeInvalidArgument, n.Name, "unknown meta attribute %q", key)
		}
	}
	for _, key := range unset {
		if !node.ValidMetaKey(key) {
			return errf(CodeInvalidArgument, n.Name, "unknown meta attribute %q", key)
		}
	}

	ev := &EventContext{Event: PreSaveAttributes, Node: n, User: user, Token: uuid.New(), Root: true}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return err
	}

	for key, value := range set {
		if n.Meta == nil {
			n.Meta = make(map[node.MetaKey]string)
		}
		n.Meta[key] = value
	}
	for _, key := range unset {
		delete(n.Meta, key)
	}
	n.Changed = now()
	if err := fs.nodes.Update(ctx, n); err != nil {
		return mapStoreErr(err, n.Name)
	}

	ev.Event = PostSaveAttributes
	fs.hub.notify(ctx, ev)
	return nil
}

// SetReadOnly toggles the node's write protection.
func (fs *Filesystem) SetReadOnly(ctx context.Context, id uuid.UUID, readonly bool, user *acl.User) error {
	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, n, acl.Manage, user); err != nil {
		return err
	}
	n.ReadOnly = readonly
	n.Changed = now()
	return mapStoreErr(fs.nodes.Update(ctx, n), n.Name)
}

// SetDestroy schedules (or clears, with a nil timestamp) the node's
// self-destruct.
func (fs *Filesystem) SetDestroy(ctx context.Context, id uuid.UUID, at *time.Time, user *acl.User) error {
	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, n, acl.Manage, user); err != nil {
		return err
	}
	if at != nil {
		d := *at
		n.Destroy = &d
	} else {
		n.Destroy = nil
	}
	n.Changed = now()
	return mapStoreErr(fs.nodes.Update(ctx, n), n.Name)
}

// CreateShareLink attaches a public-link configuration to the node and
// returns it. Serving the link over HTTP is the caller's concern.
func (fs *Filesystem) CreateShareLink(ctx context.Context, id uuid.UUID, passwordHash string, expires time.Time, user *acl.User) (*node.ShareLink, error) {
	n, err := fs.load(ctx, id, user)
	if err != nil {
		return nil, err
	}
	if err := fs.require(ctx, n, acl.Manage, user); err != nil {
		return nil, err
	}

	link := &node.ShareLink{
		Token:        uuid.NewString(),
		PasswordHash: passwordHash,
		Expires:      expires,
	}
	n.ShareLink = link
	n.Changed = now()
	if err := fs.nodes.Update(ctx, n); err != nil {
		return nil, mapStoreErr(err, n.Name)
	}
	out := *link
	return &out, nil
}

// RevokeShareLink removes the node's public-link configuration.
func (fs *Filesystem) RevokeShareLink(ctx context.Context, id uuid.UUID, user *acl.User) error {
	n, err := fs.load(ctx, id, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, n, acl.Manage, user); err != nil {
		return err
	}
	n.ShareLink = nil
	n.Changed = now()
	return mapStoreErr(fs.nodes.Update(ctx, n), n.Name)
}

// CheckShareLink validates a public-link token against the node and returns
// the node with system rights on success. An expired link fails with
// Forbidden, a missing or mismatched token with NotFound.
func (fs *Filesystem) CheckShareLink(ctx context.Context, id uuid.UUID, token string) (*node.Node, error) {
	n, err := fs.load(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if n.ShareLink == nil || n.ShareLink.Token != token {
		return nil, errf(CodeNotFound, n.Name, "no such share link")
	}
	if n.ShareLink.Expired(now()) {
		return nil, errf(CodeForbidden, n.Name, "share link expired")
	}
	return n, nil
}
