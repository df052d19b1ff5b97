package node

import (
	"time"

	"github.com/google/uuid"

	"github.com/arborfs/arbor/pkg/acl"
)

// Kind distinguishes the two node kinds stored in the tree. Collections and
// files share one record shape with kind-specific payload fields; there is no
// separate class hierarchy.
type Kind int

const (
	// KindCollection is a directory node.
	KindCollection Kind = iota

	// KindFile is a versioned content node.
	KindFile
)

// String returns "collection" or "file".
func (k Kind) String() string {
	if k == KindCollection {
		return "collection"
	}
	return "file"
}

// CollectionMime is the fixed mime type reported for collections.
const CollectionMime = "inode/directory"

// EmptyHash is the sentinel content hash of a file without content.
const EmptyHash = ""

// MetaKey is a meta attribute name. Only the fixed set below is persisted.
type MetaKey string

const (
	MetaDescription MetaKey = "description"
	MetaColor       MetaKey = "color"
	MetaAuthor      MetaKey = "author"
	MetaMail        MetaKey = "mail"
	MetaLicense     MetaKey = "license"
	MetaCopyright   MetaKey = "copyright"
	MetaTags        MetaKey = "tags"
	MetaCoordinate  MetaKey = "coordinate"
)

// ValidMetaKey reports whether key belongs to the allowed attribute set.
func ValidMetaKey(key MetaKey) bool {
	switch key {
	case MetaDescription, MetaColor, MetaAuthor, MetaMail,
		MetaLicense, MetaCopyright, MetaTags, MetaCoordinate:
		return true
	}
	return false
}

// ShareState is the tri-state sharing marker of a node:
//   - zero value: not shared
//   - Root=true: this node is a share root and its ACL applies to the subtree
//   - MemberOf set: this node belongs to the share rooted at MemberOf
type ShareState struct {
	// Root marks this node as a share root.
	Root bool `json:"root,omitempty"`

	// MemberOf is the id of the governing share root, uuid.Nil if none.
	MemberOf uuid.UUID `json:"member_of,omitempty"`
}

// None reports whether the node is outside any share.
func (s ShareState) None() bool { return !s.Root && s.MemberOf == uuid.Nil }

// ShareLink is an optional public-link configuration attached to a node.
// Serving the link over HTTP is the caller's concern; the engine only
// persists and validates it.
type ShareLink struct {
	// Token is the random URL token identifying the link.
	Token string `json:"token"`

	// PasswordHash is an optional bcrypt/argon hash guarding the link.
	PasswordHash string `json:"password_hash,omitempty"`

	// Expires is an optional expiration; a zero time never expires.
	Expires time.Time `json:"expires,omitempty"`
}

// Expired reports whether the link has an expiration in the past.
func (l *ShareLink) Expired(now time.Time) bool {
	return l != nil && !l.Expires.IsZero() && l.Expires.Before(now)
}

// Lock is an advisory, TTL-bound lock (WebDAV style). It does not serialize
// engine-internal mutation; it only keeps a second client from taking the
// same lock.
type Lock struct {
	// ID is the client-chosen lock identifier.
	ID string `json:"id"`

	// Owner is the user id holding the lock.
	Owner string `json:"owner"`

	// Expires is the instant the lock stops being live.
	Expires time.Time `json:"expires"`
}

// Live reports whether the lock exists and has not expired.
func (l *Lock) Live(now time.Time) bool {
	return l != nil && l.Expires.After(now)
}

// VersionType classifies how a history entry was produced.
type VersionType string

const (
	VersionCreate   VersionType = "create"
	VersionEdit     VersionType = "edit"
	VersionRestore  VersionType = "restore"
	VersionDelete   VersionType = "delete"
	VersionUndelete VersionType = "undelete"
)

// Version is one entry of a file's history. Version numbers strictly
// increase; the file's current blob reference always equals the newest
// entry's blob reference.
type Version struct {
	// Version is the monotonically increasing version number.
	Version int `json:"version"`

	// Changed is the instant the version was produced.
	Changed time.Time `json:"changed"`

	// User is the id of the user who produced the version.
	User string `json:"user"`

	// Type records how the version came to be.
	Type VersionType `json:"type"`

	// Blob references the content payload, empty for empty content.
	Blob string `json:"blob,omitempty"`

	// Hash is the content checksum at this version.
	Hash string `json:"hash,omitempty"`

	// Size is the content size in bytes at this version.
	Size uint64 `json:"size"`

	// Mime is the detected or supplied mime type at this version.
	Mime string `json:"mime,omitempty"`

	// OriginVersion is set on restore entries and names the version whose
	// content was restored.
	OriginVersion int `json:"origin_version,omitempty"`
}

// Filter is a persisted query predicate turning a collection into a virtual,
// dynamically computed view. Matching nodes (scoped to the acting user) are
// appended to the collection's ordinary children.
type Filter struct {
	// Kind restricts matches to one node kind when non-nil.
	Kind *Kind `json:"kind,omitempty"`

	// Mimes restricts matches to the given mime types.
	Mimes []string `json:"mimes,omitempty"`

	// NameContains matches case-insensitively on a name substring.
	NameContains string `json:"name_contains,omitempty"`

	// Tags requires all listed tags to be present in the node's tags meta
	// attribute (comma separated).
	Tags []string `json:"tags,omitempty"`
}

// Node is the stored document shared by collections and files.
//
// Parent/child navigation always goes through the store by id; records never
// hold object pointers to other nodes.
type Node struct {
	// ID is the globally unique node id. uuid.Nil only for the virtual root.
	ID uuid.UUID `json:"id"`

	// Kind is the node kind (collection or file).
	Kind Kind `json:"kind"`

	// Name is the NFC-normalized display name, unique case-insensitively
	// among non-deleted siblings.
	Name string `json:"name"`

	// Owner is the owning user id.
	Owner string `json:"owner"`

	// Parent is the parent collection id, uuid.Nil for root-level nodes.
	Parent uuid.UUID `json:"parent"`

	// Meta holds the restricted meta attribute map.
	Meta map[MetaKey]string `json:"meta,omitempty"`

	// Deleted is the soft-delete timestamp, nil while the node is alive.
	Deleted *time.Time `json:"deleted,omitempty"`

	// Destroy is the self-destruct timestamp. Once elapsed the node is
	// force-deleted on next access.
	Destroy *time.Time `json:"destroy,omitempty"`

	// ReadOnly blocks rename, move, delete and content mutation.
	ReadOnly bool `json:"readonly,omitempty"`

	// Shared is the tri-state share marker.
	Shared ShareState `json:"shared,omitempty"`

	// Reference points at the mounted share root when this node is a
	// non-owner's mount of a foreign share. Reference nodes never carry
	// content or an ACL of their own.
	Reference uuid.UUID `json:"reference,omitempty"`

	// ACL is the rule list, meaningful only while Shared.Root is true.
	ACL []acl.Rule `json:"acl,omitempty"`

	// ShareLink is the optional public-link configuration.
	ShareLink *ShareLink `json:"sharelink,omitempty"`

	// Lock is the optional advisory lock.
	Lock *Lock `json:"lock,omitempty"`

	// Created is the creation timestamp.
	Created time.Time `json:"created"`

	// Changed is the last modification timestamp.
	Changed time.Time `json:"changed"`

	// Filter is the optional virtual-view predicate (collections only).
	Filter *Filter `json:"filter,omitempty"`

	// Hash is the current content checksum (files only).
	Hash string `json:"hash,omitempty"`

	// Version is the current version number (files only, monotonic, >= 0).
	Version int `json:"version,omitempty"`

	// Size is the current content size in bytes (files only).
	Size uint64 `json:"size,omitempty"`

	// Mime is the current mime type (files only; collections report
	// CollectionMime).
	Mime string `json:"mime,omitempty"`

	// Blob is the current content payload reference (files only).
	Blob string `json:"blob,omitempty"`

	// History is the ordered version history, oldest first (files only).
	History []Version `json:"history,omitempty"`
}

// Alive reports whether the node is not soft-deleted.
func (n *Node) Alive() bool { return n.Deleted == nil }

// EffectiveShare returns the id of the share this node belongs to: its own id
// for share roots, the root id for members, uuid.Nil outside any share.
func (n *Node) EffectiveShare() uuid.UUID {
	if n.Shared.Root {
		return n.ID
	}
	return n.Shared.MemberOf
}

// IsReference reports whether the node is a mount of a foreign share.
func (n *Node) IsReference() bool { return n.Reference != uuid.Nil }

// Special reports whether the node participates in share indirection
// (share root, share member, or reference). Special nodes drop the owner
// filter when probing the child namespace so every share participant sees a
// consistent view.
func (n *Node) Special() bool { return !n.Shared.None() || n.IsReference() }

// DestroyElapsed reports whether the self-destruct timestamp has passed.
func (n *Node) DestroyElapsed(now time.Time) bool {
	return n.Destroy != nil && !n.Destroy.After(now)
}

// Clone returns a deep copy of the node. Stores return clones so callers can
// mutate freely before saving.
func (n *Node) Clone() *Node {
	c := *n
	if n.Meta != nil {
		c.Meta = make(map[MetaKey]string, len(n.Meta))
		for k, v := range n.Meta {
			c.Meta[k] = v
		}
	}
	if n.Deleted != nil {
		d := *n.Deleted
		c.Deleted = &d
	}
	if n.Destroy != nil {
		d := *n.Destroy
		c.Destroy = &d
	}
	if n.ACL != nil {
		c.ACL = append([]acl.Rule(nil), n.ACL...)
	}
	if n.ShareLink != nil {
		l := *n.ShareLink
		c.ShareLink = &l
	}
	if n.Lock != nil {
		l := *n.Lock
		c.Lock = &l
	}
	if n.Filter != nil {
		f := *n.Filter
		if n.Filter.Kind != nil {
			k := *n.Filter.Kind
			f.Kind = &k
		}
		f.Mimes = append([]string(nil), n.Filter.Mimes...)
		f.Tags = append([]string(nil), n.Filter.Tags...)
		c.Filter = &f
	}
	if n.History != nil {
		c.History = append([]Version(nil), n.History...)
	}
	return &c
}

// Matches reports whether the node satisfies the filter predicate.
func (f *Filter) Matches(n *Node) bool {
	if f == nil {
		return false
	}
	if f.Kind != nil && n.Kind != *f.Kind {
		return false
	}
	if len(f.Mimes) > 0 {
		found := false
		for _, m := range f.Mimes {
			if n.Mime == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NameContains != "" && !containsFold(n.Name, f.NameContains) {
		return false
	}
	if len(f.Tags) > 0 {
		tags := n.Meta[MetaTags]
		for _, tag := range f.Tags {
			if !containsFold(tags, tag) {
				return false
			}
		}
	}
	return true
}
