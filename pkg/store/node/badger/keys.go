package badger

import (
	"github.com/google/uuid"
)

// Database Key Namespace Design
// =============================
//
// BadgerDB is a key-value store, so different record types live under
// prefixed namespaces. The layout keeps point lookups O(1) and turns
// directory listings into ordered range scans:
//
// Data Type            Prefix  Key Format                       Value
// =========================================================================
// Node Document        "n:"    n:<uuid>                         Node (JSON)
// Name Index           "i:"    i:<parent>/<fold>                node id (bytes)
//   (root level)               i:root/<owner>/<fold>
// Child List           "c:"    c:<parent>/<fold>\x00<uuid>      node id (bytes)
// Usage Counter        "u:"    u:<owner>                        uint64 (binary)
// Quota Ceiling        "q:"    q:<owner>                        uint64 (binary)
//
// The name index only holds non-deleted nodes and is what enforces
// case-insensitive sibling uniqueness: it is written in the same transaction
// as the node document, so two racing creates cannot both succeed. Root-level
// nodes (parent uuid.Nil) are indexed per owner, because every tenant has its
// own root namespace.
//
// The child list holds every child (deleted included) ordered by folded name,
// which makes paginated listings a prefix scan resumable at an opaque cursor.
const (
	prefixNode  = "n:"
	prefixIndex = "i:"
	prefixChild = "c:"
	prefixUsage = "u:"
	prefixQuota = "q:"
)

// nodeKey returns the document key for a node id.
func nodeKey(id uuid.UUID) []byte {
	return []byte(prefixNode + id.String())
}

// indexKey returns the uniqueness index key for (parent, folded name).
// Root-level entries are namespaced per owner.
func indexKey(parent uuid.UUID, owner, fold string) []byte {
	if parent == uuid.Nil {
		return []byte(prefixIndex + "root/" + owner + "/" + fold)
	}
	return []byte(prefixIndex + parent.String() + "/" + fold)
}

// childPrefix returns the scan prefix listing all children of a parent.
func childPrefix(parent uuid.UUID) []byte {
	return []byte(prefixChild + parent.String() + "/")
}

// childKey returns the child-list key for one child. The id suffix keeps
// keys unique when deleted siblings share a folded name.
func childKey(parent uuid.UUID, fold string, id uuid.UUID) []byte {
	return []byte(prefixChild + parent.String() + "/" + fold + "\x00" + id.String())
}

// usageKey returns the usage counter key for an owner.
func usageKey(owner string) []byte {
	return []byte(prefixUsage + owner)
}

// quotaKey returns the quota ceiling key for an owner.
func quotaKey(owner string) []byte {
	return []byte(prefixQuota + owner)
}
