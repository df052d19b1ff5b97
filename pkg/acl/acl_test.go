package acl

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeShares resolves share roots from a fixed map.
type fakeShares struct {
	roots map[uuid.UUID]*ShareRoot
}

func (f *fakeShares) ShareRoot(_ context.Context, id uuid.UUID) (*ShareRoot, error) {
	return f.roots[id], nil
}

// fakeGroups resolves group membership from a fixed map.
type fakeGroups struct {
	membership map[string][]string
}

func (f *fakeGroups) GroupsOf(_ context.Context, userID string) ([]string, error) {
	return f.membership[userID], nil
}

func newTestResolver(root *ShareRoot, membership map[string][]string) *Resolver {
	shares := &fakeShares{roots: map[uuid.UUID]*ShareRoot{}}
	if root != nil {
		shares.roots[root.ID] = root
	}
	return NewResolver(shares, &fakeGroups{membership: membership})
}

func TestSystemCallGrantsManage(t *testing.T) {
	r := newTestResolver(nil, nil)

	priv, err := r.Privilege(context.Background(), Subject{Owner: "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Manage, priv)
}

func TestPlainNodeOwnerSemantics(t *testing.T) {
	r := newTestResolver(nil, nil)
	subject := Subject{Owner: "alice"}

	priv, err := r.Privilege(context.Background(), subject, &User{ID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, Manage, priv)

	priv, err = r.Privilege(context.Background(), subject, &User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, Deny, priv)
}

func TestShareMemberResolution(t *testing.T) {
	shareID := uuid.New()
	root := &ShareRoot{
		ID:     shareID,
		Owner:  "alice",
		Active: true,
		Rules: []Rule{
			{Type: RuleUser, ID: "bob", Privilege: Read},
			{Type: RuleGroup, ID: "staff", Privilege: Write},
		},
	}
	r := newTestResolver(root, map[string][]string{"carol": {"staff"}})
	subject := Subject{Owner: "alice", ShareRootID: shareID}

	tests := []struct {
		name string
		user string
		want Privilege
	}{
		{name: "share owner gets manage", user: "alice", want: Manage},
		{name: "direct user rule", user: "bob", want: Read},
		{name: "group rule", user: "carol", want: Write},
		{name: "stranger gets deny", user: "mallory", want: Deny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priv, err := r.Privilege(context.Background(), subject, &User{ID: tt.user})
			require.NoError(t, err)
			assert.Equal(t, tt.want, priv)
		})
	}
}

// A user in two groups with read and write rules receives the maximum weight,
// never deny.
func TestGroupRulesTakeMaximumWeight(t *testing.T) {
	shareID := uuid.New()
	root := &ShareRoot{
		ID:     shareID,
		Owner:  "alice",
		Active: true,
		Rules: []Rule{
			{Type: RuleGroup, ID: "readers", Privilege: Read},
			{Type: RuleGroup, ID: "writers", Privilege: Write},
		},
	}
	r := newTestResolver(root, map[string][]string{"bob": {"readers", "writers"}})

	priv, err := r.Privilege(context.Background(), Subject{Owner: "alice", ShareRootID: shareID}, &User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, Write, priv)
}

// An explicit deny rule only wins when no higher-weight rule also matches.
func TestDenyIsWeightedNotShortCircuit(t *testing.T) {
	shareID := uuid.New()

	t.Run("group deny loses against user grant", func(t *testing.T) {
		root := &ShareRoot{
			ID:     shareID,
			Owner:  "alice",
			Active: true,
			Rules: []Rule{
				{Type: RuleGroup, ID: "banned", Privilege: Deny},
				{Type: RuleUser, ID: "bob", Privilege: ReadWrite},
			},
		}
		r := newTestResolver(root, map[string][]string{"bob": {"banned"}})

		priv, err := r.Privilege(context.Background(), Subject{Owner: "alice", ShareRootID: shareID}, &User{ID: "bob"})
		require.NoError(t, err)
		assert.Equal(t, ReadWrite, priv)
	})

	t.Run("user deny loses against group grant", func(t *testing.T) {
		root := &ShareRoot{
			ID:     shareID,
			Owner:  "alice",
			Active: true,
			Rules: []Rule{
				{Type: RuleUser, ID: "bob", Privilege: Deny},
				{Type: RuleGroup, ID: "staff", Privilege: Read},
			},
		}
		r := newTestResolver(root, map[string][]string{"bob": {"staff"}})

		priv, err := r.Privilege(context.Background(), Subject{Owner: "alice", ShareRootID: shareID}, &User{ID: "bob"})
		require.NoError(t, err)
		assert.Equal(t, Read, priv)
	})

	t.Run("lone deny rule denies", func(t *testing.T) {
		root := &ShareRoot{
			ID:     shareID,
			Owner:  "alice",
			Active: true,
			Rules:  []Rule{{Type: RuleUser, ID: "bob", Privilege: Deny}},
		}
		r := newTestResolver(root, nil)

		priv, err := r.Privilege(context.Background(), Subject{Owner: "alice", ShareRootID: shareID}, &User{ID: "bob"})
		require.NoError(t, err)
		assert.Equal(t, Deny, priv)
	})
}

func TestReferenceResolvesThroughTarget(t *testing.T) {
	shareID := uuid.New()
	root := &ShareRoot{
		ID:     shareID,
		Owner:  "alice",
		Active: true,
		Rules:  []Rule{{Type: RuleUser, ID: "bob", Privilege: ReadWrite}},
	}
	r := newTestResolver(root, nil)

	// bob mounted alice's share; the reference node is owned by bob.
	subject := Subject{Owner: "bob", Reference: shareID}

	priv, err := r.Privilege(context.Background(), subject, &User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, priv)

	// Someone else asking through bob's reference is not the reference owner.
	priv, err = r.Privilege(context.Background(), subject, &User{ID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, Deny, priv)
}

func TestReferenceToUnsharedTargetDenies(t *testing.T) {
	shareID := uuid.New()
	root := &ShareRoot{ID: shareID, Owner: "alice", Active: false}
	r := newTestResolver(root, nil)

	priv, err := r.Privilege(context.Background(), Subject{Owner: "bob", Reference: shareID}, &User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, Deny, priv)

	// A vanished target behaves the same way.
	priv, err = r.Privilege(context.Background(), Subject{Owner: "bob", Reference: uuid.New()}, &User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, Deny, priv)
}

func TestWritePlusOnlyGrantsWriteToNodeOwner(t *testing.T) {
	shareID := uuid.New()
	root := &ShareRoot{
		ID:     shareID,
		Owner:  "alice",
		Active: true,
		Rules:  []Rule{{Type: RuleUser, ID: "bob", Privilege: WritePlus}},
	}
	r := newTestResolver(root, nil)

	// bob owns this node inside the share: write allowed.
	ok, err := r.Allowed(context.Background(), Subject{Owner: "bob", ShareRootID: shareID}, Write, &User{ID: "bob"})
	require.NoError(t, err)
	assert.True(t, ok)

	// The node belongs to someone else: read only.
	ok, err = r.Allowed(context.Background(), Subject{Owner: "alice", ShareRootID: shareID}, Write, &User{ID: "bob"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Allowed(context.Background(), Subject{Owner: "alice", ShareRootID: shareID}, Read, &User{ID: "bob"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParsePrivilegeRoundTrip(t *testing.T) {
	for _, p := range []Privilege{Deny, Read, Write, WritePlus, ReadWrite, Manage} {
		parsed, err := ParsePrivilege(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParsePrivilege("root")
	assert.Error(t, err)
}
