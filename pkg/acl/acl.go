// Package acl resolves access privileges over nodes of the storage tree.
//
// Access decisions depend on three kinds of indirection:
//   - share roots carry an explicit rule list that governs their whole subtree
//   - share members inherit the rules of their share root
//   - reference nodes mount a foreign share root by id and resolve through it
//
// The resolver itself is storage-agnostic: callers supply a ShareResolver to
// look up share roots and a GroupResolver to expand a user's group membership.
// Both lookups are external collaborators (directory service, node store).
package acl

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Privilege is an access level ordered by weight. Higher weight grants
// strictly more than lower weight, with one exception: WritePlus only grants
// write access on nodes the acting user owns (an "inbox" style privilege).
type Privilege int

const (
	// Deny grants nothing. Also the default when no rule matches.
	Deny Privilege = iota

	// Read grants read-only access.
	Read

	// Write grants read and write access but not deletion of the share itself.
	Write

	// WritePlus grants write access restricted to nodes owned by the acting
	// user. Non-owners holding WritePlus can read but not modify.
	WritePlus

	// ReadWrite grants full read and write access including delete.
	ReadWrite

	// Manage grants everything, including changing the rule list.
	Manage
)

// String returns the wire name of the privilege as stored in rule documents.
func (p Privilege) String() string {
	switch p {
	case Deny:
		return "deny"
	case Read:
		return "read"
	case Write:
		return "write"
	case WritePlus:
		return "write+"
	case ReadWrite:
		return "read-write"
	case Manage:
		return "manage"
	default:
		return "unknown"
	}
}

// ParsePrivilege converts a stored rule privilege name back to a Privilege.
func ParsePrivilege(s string) (Privilege, error) {
	switch s {
	case "deny":
		return Deny, nil
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "write+":
		return WritePlus, nil
	case "read-write":
		return ReadWrite, nil
	case "manage":
		return Manage, nil
	default:
		return Deny, fmt.Errorf("unknown privilege %q", s)
	}
}

// RuleType distinguishes user rules from group rules.
type RuleType string

const (
	// RuleUser matches a single user id.
	RuleUser RuleType = "user"

	// RuleGroup matches every member of a group.
	RuleGroup RuleType = "group"
)

// Rule is one entry of a share root's access control list.
type Rule struct {
	// Type selects whether ID names a user or a group.
	Type RuleType `json:"type" validate:"required,oneof=user group"`

	// ID is the user or group identifier the rule applies to.
	ID string `json:"id" validate:"required"`

	// Privilege is the access level granted (or denied) by this rule.
	Privilege Privilege `json:"privilege" validate:"gte=0,lte=5"`
}

// User identifies the acting user of an operation. A nil *User means the
// operation runs on behalf of the system and bypasses all checks.
type User struct {
	// ID is the unique user identifier.
	ID string

	// Username is informational only and never used for matching.
	Username string
}

// ShareRoot is the resolver's view of a share root node. It carries just
// enough state to make an access decision without importing the tree model.
type ShareRoot struct {
	// ID is the share root's node id.
	ID uuid.UUID

	// Owner is the user id owning the share root.
	Owner string

	// Rules is the access control list, meaningful only while Active.
	Rules []Rule

	// Active reports whether the node is still a share root. A share that was
	// unshared or deleted resolves with Active=false and denies everyone but
	// the owner.
	Active bool
}

// Subject describes the node an access decision is requested for.
//
// Exactly one of the following shapes applies:
//   - plain node: ShareRootID == uuid.Nil and Reference == uuid.Nil
//   - share root or member: ShareRootID set to the governing share root id
//   - reference: Reference set to the mounted share root id
type Subject struct {
	// Owner is the node's owning user id.
	Owner string

	// ShareRootID is the id of the share root governing this node, or
	// uuid.Nil when the node is not part of a share. For a share root this is
	// its own id.
	ShareRootID uuid.UUID

	// Reference is the mounted share root id when the node is a reference
	// placed in a non-owner's tree, uuid.Nil otherwise.
	Reference uuid.UUID
}

// ShareResolver looks up share roots by node id.
type ShareResolver interface {
	// ShareRoot returns the share root with the given id. Implementations
	// return Active=false (not an error) when the node exists but is no
	// longer shared, and an error only when the lookup itself fails.
	ShareRoot(ctx context.Context, id uuid.UUID) (*ShareRoot, error)
}

// GroupResolver expands a user id to the ids of all groups the user belongs
// to. Group membership lives in an external directory.
type GroupResolver interface {
	GroupsOf(ctx context.Context, userID string) ([]string, error)
}

// NoGroups is a GroupResolver for deployments without group support.
type NoGroups struct{}

// GroupsOf always returns no groups.
func (NoGroups) GroupsOf(context.Context, string) ([]string, error) { return nil, nil }

// Resolver computes effective privileges.
//
// Deny semantics: the resolver takes the maximum weight among all rules
// matching the user directly or via any group. An explicit deny rule only
// wins when no higher-weight rule also matches; there is no short-circuit on
// the first matching deny.
type Resolver struct {
	shares ShareResolver
	groups GroupResolver
}

// NewResolver creates a resolver. A nil groups resolver disables group rules.
func NewResolver(shares ShareResolver, groups GroupResolver) *Resolver {
	if groups == nil {
		groups = NoGroups{}
	}
	return &Resolver{shares: shares, groups: groups}
}

// Privilege returns the effective privilege of user on the subject node.
//
// Resolution order mirrors the weight model:
//  1. nil user (system call) gets Manage unconditionally.
//  2. Share members resolve through their share root: the share owner gets
//     Manage, everyone else the weighted maximum of matching rules.
//  3. References resolve through the mounted share when the acting user is
//     the reference's owner; a vanished or unshared target denies.
//  4. Plain nodes grant Manage to their owner and Deny to everyone else.
func (r *Resolver) Privilege(ctx context.Context, subject Subject, user *User) (Privilege, error) {
	if user == nil {
		return Manage, nil
	}

	if subject.ShareRootID != uuid.Nil {
		return r.resolveShare(ctx, subject.ShareRootID, user)
	}

	if subject.Reference != uuid.Nil && user.ID == subject.Owner {
		return r.resolveShare(ctx, subject.Reference, user)
	}

	if user.ID != subject.Owner {
		return Deny, nil
	}
	return Manage, nil
}

// Allowed reports whether user holds at least the required privilege on the
// subject node. The WritePlus exception is applied here: a WritePlus grant
// only satisfies write-level requirements on nodes the user owns.
func (r *Resolver) Allowed(ctx context.Context, subject Subject, required Privilege, user *User) (bool, error) {
	granted, err := r.Privilege(ctx, subject, user)
	if err != nil {
		return false, err
	}
	if granted == WritePlus && user != nil {
		if subject.Owner == user.ID {
			granted = ReadWrite
		} else {
			granted = Read
		}
	}
	return granted >= required, nil
}

// resolveShare computes the weighted-maximum privilege of user against the
// share root with the given id.
func (r *Resolver) resolveShare(ctx context.Context, shareID uuid.UUID, user *User) (Privilege, error) {
	root, err := r.shares.ShareRoot(ctx, shareID)
	if err != nil {
		return Deny, fmt.Errorf("resolve share root %s: %w", shareID, err)
	}
	if root == nil || !root.Active {
		return Deny, nil
	}
	if user.ID == root.Owner {
		return Manage, nil
	}

	groups, err := r.groups.GroupsOf(ctx, user.ID)
	if err != nil {
		return Deny, fmt.Errorf("resolve groups of %s: %w", user.ID, err)
	}
	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}

	best := Deny
	matched := false
	for _, rule := range root.Rules {
		switch rule.Type {
		case RuleUser:
			if rule.ID != user.ID {
				continue
			}
		case RuleGroup:
			if !member[rule.ID] {
				continue
			}
		default:
			continue
		}
		matched = true
		if rule.Privilege > best {
			best = rule.Privilege
		}
	}
	if !matched {
		return Deny, nil
	}
	return best, nil
}
