// Package tree implements the storage engine core: a multi-tenant hierarchy
// of collections and files over a node document store and a deduplicated
// blob store, with per-node access control, sharing, soft-delete, versioned
// content and lifecycle events.
//
// All navigation is by node id through the store; the engine never holds
// object pointers between nodes. Every operation takes a context and the
// acting *acl.User; a nil user runs with system rights.
package tree

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/blob"
	"github.com/arborfs/arbor/pkg/store/node"
)

// Defaults applied by New when a limit is zero.
const (
	DefaultHistoryMax = 10
	DefaultPageSize   = 100
)

// Limits bounds resource usage of the engine.
type Limits struct {
	// HistoryMax caps the per-file version history length. Exceeding entries
	// are pruned oldest-first, releasing their blobs.
	HistoryMax int

	// MaxUploadSize caps a single content upload in bytes, 0 for unlimited.
	MaxUploadSize int64

	// PageSize is the default child-listing page size.
	PageSize int
}

// UserDirectory resolves user ids to display names for history listings.
// Lives in an external directory service.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Filesystem is the storage engine. It combines the node store, the blob
// store, the ACL resolver and the lifecycle event hub.
type Filesystem struct {
	nodes  node.Store
	blobs  *blob.Store
	rights *acl.Resolver
	hub    *Hub
	users  UserDirectory
	limits Limits
}

// Options configures a Filesystem.
type Options struct {
	// Nodes is the node document store. Required.
	Nodes node.Store

	// Blobs is the content blob store. Required.
	Blobs *blob.Store

	// Groups expands user group membership for ACL rules. Optional.
	Groups acl.GroupResolver

	// Hub receives lifecycle events. Optional; a fresh hub is created when
	// nil.
	Hub *Hub

	// Users resolves display names in history listings. Optional.
	Users UserDirectory

	// Limits bounds resource usage; zero fields get defaults.
	Limits Limits
}

// New creates the engine. Share roots for ACL resolution are looked up in
// the node store itself.
func New(opts Options) *Filesystem {
	limits := opts.Limits
	if limits.HistoryMax <= 0 {
		limits.HistoryMax = DefaultHistoryMax
	}
	if limits.PageSize <= 0 {
		limits.PageSize = DefaultPageSize
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Filesystem{
		nodes:  opts.Nodes,
		blobs:  opts.Blobs,
		rights: acl.NewResolver(&shareSource{nodes: opts.Nodes}, opts.Groups),
		hub:    hub,
		users:  opts.Users,
		limits: limits,
	}
}

// Hub returns the lifecycle event hub for subscriber registration.
func (fs *Filesystem) Hub() *Hub { return fs.hub }

// shareSource resolves share roots for the ACL resolver out of the node
// store. A vanished or unshared root resolves inactive, not as an error.
type shareSource struct {
	nodes node.Store
}

func (s *shareSource) ShareRoot(ctx context.Context, id uuid.UUID) (*acl.ShareRoot, error) {
	n, err := s.nodes.Get(ctx, id)
	if errors.Is(err, node.ErrNotFound) {
		return &acl.ShareRoot{ID: id, Active: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &acl.ShareRoot{
		ID:     n.ID,
		Owner:  n.Owner,
		Rules:  n.ACL,
		Active: n.Shared.Root && n.Alive(),
	}, nil
}

// subjectOf maps a node to the ACL subject shape.
func subjectOf(n *node.Node) acl.Subject {
	return acl.Subject{
		Owner:       n.Owner,
		ShareRootID: n.EffectiveShare(),
		Reference:   n.Reference,
	}
}

// userID returns the acting user id, empty for system calls.
func userID(user *acl.User) string {
	if user == nil {
		return ""
	}
	return user.ID
}

// actingOwner returns the owner to assign to nodes created by user, falling
// back to the parent's owner for system calls.
func actingOwner(user *acl.User, parent *node.Node) string {
	if user != nil {
		return user.ID
	}
	return parent.Owner
}

// Usage returns the owner's current storage usage in bytes.
func (fs *Filesystem) Usage(ctx context.Context, owner string) (uint64, error) {
	return fs.nodes.Usage(ctx, owner)
}

// SetQuota sets the owner's storage ceiling in bytes; 0 removes it.
func (fs *Filesystem) SetQuota(ctx context.Context, owner string, limit uint64) error {
	return fs.nodes.SetQuota(ctx, owner, limit)
}

// Quota returns the owner's storage ceiling, 0 when unlimited.
func (fs *Filesystem) Quota(ctx context.Context, owner string) (uint64, error) {
	return fs.nodes.Quota(ctx, owner)
}

// Healthcheck verifies both stores can serve requests.
func (fs *Filesystem) Healthcheck(ctx context.Context) error {
	if err := fs.nodes.Healthcheck(ctx); err != nil {
		return err
	}
	return fs.blobs.Healthcheck(ctx)
}

// now is the engine clock, swappable in tests.
var now = func() time.Time { return time.Now().UTC() }
