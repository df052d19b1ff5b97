// Package testing provides a conformance test suite for node.Store
// implementations. Every backend runs the same suite so behavior stays
// identical across memory and badger.
package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/pkg/store/node"
)

// StoreTestSuite runs the node.Store conformance tests.
type StoreTestSuite struct {
	// NewStore returns a fresh, empty store for each test.
	NewStore func(t *testing.T) node.Store
}

// Run executes every conformance test.
func (s *StoreTestSuite) Run(t *testing.T) {
	t.Run("InsertAndGet", s.testInsertAndGet)
	t.Run("SiblingNameUniqueness", s.testSiblingNameUniqueness)
	t.Run("RootNamespacePerOwner", s.testRootNamespacePerOwner)
	t.Run("SoftDeleteFreesName", s.testSoftDeleteFreesName)
	t.Run("UpdateReconcilesIndex", s.testUpdateReconcilesIndex)
	t.Run("UpdateOwnerChangeAtRoot", s.testUpdateOwnerChangeAtRoot)
	t.Run("ChildProbe", s.testChildProbe)
	t.Run("ChildrenPagination", s.testChildrenPagination)
	t.Run("QueryFilter", s.testQueryFilter)
	t.Run("SubtreeShareUpdate", s.testSubtreeShareUpdate)
	t.Run("Quota", s.testQuota)
	t.Run("ExpiredDestroy", s.testExpiredDestroy)
	t.Run("Remove", s.testRemove)
}

func newNode(parent uuid.UUID, name, owner string, kind node.Kind) *node.Node {
	now := time.Now().UTC()
	return &node.Node{
		ID:      uuid.New(),
		Kind:    kind,
		Name:    name,
		Owner:   owner,
		Parent:  parent,
		Created: now,
		Changed: now,
	}
}

func (s *StoreTestSuite) testInsertAndGet(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	n := newNode(uuid.Nil, "docs", "alice", node.KindCollection)
	require.NoError(t, store.Insert(ctx, n))

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Name, got.Name)
	assert.Equal(t, n.Owner, got.Owner)

	// Returned nodes are copies; mutating them must not leak into the store.
	got.Name = "mutated"
	again, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", again.Name)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, node.ErrNotFound)
}

func (s *StoreTestSuite) testSiblingNameUniqueness(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	parent := uuid.New()

	require.NoError(t, store.Insert(ctx, newNode(parent, "Report.txt", "alice", node.KindFile)))

	// Same folded name, different case.
	err := store.Insert(ctx, newNode(parent, "report.TXT", "alice", node.KindFile))
	assert.ErrorIs(t, err, node.ErrNameTaken)

	// Same name under a different parent is fine.
	require.NoError(t, store.Insert(ctx, newNode(uuid.New(), "Report.txt", "alice", node.KindFile)))
}

func (s *StoreTestSuite) testRootNamespacePerOwner(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	// Root-level names are unique per tenant, not globally.
	require.NoError(t, store.Insert(ctx, newNode(uuid.Nil, "Documents", "alice", node.KindCollection)))
	require.NoError(t, store.Insert(ctx, newNode(uuid.Nil, "Documents", "bob", node.KindCollection)))

	err := store.Insert(ctx, newNode(uuid.Nil, "documents", "alice", node.KindCollection))
	assert.ErrorIs(t, err, node.ErrNameTaken)

	// The owner-scoped probe sees only the tenant's own root children.
	got, err := store.Child(ctx, uuid.Nil, "documents", node.ExcludeDeleted, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Owner)
}

func (s *StoreTestSuite) testSoftDeleteFreesName(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	parent := uuid.New()

	first := newNode(parent, "draft.md", "alice", node.KindFile)
	require.NoError(t, store.Insert(ctx, first))

	deleted := time.Now().UTC()
	first.Deleted = &deleted
	require.NoError(t, store.Update(ctx, first))

	// The name is free for a new sibling now.
	second := newNode(parent, "draft.md", "alice", node.KindFile)
	require.NoError(t, store.Insert(ctx, second))

	// Undeleting the first must collide again.
	first.Deleted = nil
	assert.ErrorIs(t, store.Update(ctx, first), node.ErrNameTaken)
}

func (s *StoreTestSuite) testUpdateReconcilesIndex(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	parent := uuid.New()

	a := newNode(parent, "a.txt", "alice", node.KindFile)
	b := newNode(parent, "b.txt", "alice", node.KindFile)
	require.NoError(t, store.Insert(ctx, a))
	require.NoError(t, store.Insert(ctx, b))

	// Renaming onto an occupied name fails.
	a.Name = "B.TXT"
	assert.ErrorIs(t, store.Update(ctx, a), node.ErrNameTaken)

	// Renaming to a free name succeeds and frees the old one.
	a.Name = "c.txt"
	require.NoError(t, store.Update(ctx, a))
	require.NoError(t, store.Insert(ctx, newNode(parent, "a.txt", "alice", node.KindFile)))

	// Case-only rename of the same node is allowed.
	b.Name = "B.txt"
	require.NoError(t, store.Update(ctx, b))
}

func (s *StoreTestSuite) testUpdateOwnerChangeAtRoot(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	mine := newNode(uuid.Nil, "team", "alice", node.KindCollection)
	theirs := newNode(uuid.Nil, "team", "bob", node.KindCollection)
	require.NoError(t, store.Insert(ctx, mine))
	require.NoError(t, store.Insert(ctx, theirs))

	// Root index keys are owner-scoped, so handing the node to an owner who
	// already holds the name must collide even though parent and name are
	// unchanged.
	mine.Owner = "bob"
	assert.ErrorIs(t, store.Update(ctx, mine), node.ErrNameTaken)

	// The failed handover left both namespaces intact.
	got, err := store.Child(ctx, uuid.Nil, "team", node.ExcludeDeleted, "alice")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)
	got, err = store.Child(ctx, uuid.Nil, "team", node.ExcludeDeleted, "bob")
	require.NoError(t, err)
	assert.Equal(t, theirs.ID, got.ID)

	// Handover to a free namespace moves the index entry with the node.
	mine.Owner = "carol"
	require.NoError(t, store.Update(ctx, mine))
	got, err = store.Child(ctx, uuid.Nil, "team", node.ExcludeDeleted, "carol")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)
	_, err = store.Child(ctx, uuid.Nil, "team", node.ExcludeDeleted, "alice")
	assert.ErrorIs(t, err, node.ErrNotFound)
	require.NoError(t, store.Insert(ctx, newNode(uuid.Nil, "team", "alice", node.KindCollection)))
}

func (s *StoreTestSuite) testChildProbe(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	parent := uuid.New()

	alive := newNode(parent, "alive.txt", "alice", node.KindFile)
	require.NoError(t, store.Insert(ctx, alive))

	gone := newNode(parent, "gone.txt", "bob", node.KindFile)
	require.NoError(t, store.Insert(ctx, gone))
	when := time.Now().UTC()
	gone.Deleted = &when
	require.NoError(t, store.Update(ctx, gone))

	got, err := store.Child(ctx, parent, "ALIVE.txt", node.ExcludeDeleted, "")
	require.NoError(t, err)
	assert.Equal(t, alive.ID, got.ID)

	_, err = store.Child(ctx, parent, "gone.txt", node.ExcludeDeleted, "")
	assert.ErrorIs(t, err, node.ErrNotFound)

	got, err = store.Child(ctx, parent, "gone.txt", node.OnlyDeleted, "")
	require.NoError(t, err)
	assert.Equal(t, gone.ID, got.ID)

	// Owner filter.
	_, err = store.Child(ctx, parent, "alive.txt", node.ExcludeDeleted, "bob")
	assert.ErrorIs(t, err, node.ErrNotFound)
}

func (s *StoreTestSuite) testChildrenPagination(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	parent := uuid.New()

	const total = 25
	for i := 0; i < total; i++ {
		n := newNode(parent, fmt.Sprintf("file-%02d.txt", i), "alice", node.KindFile)
		require.NoError(t, store.Insert(ctx, n))
	}

	var names []string
	cursor := ""
	pages := 0
	for {
		page, err := store.Children(ctx, node.ChildQuery{
			Parent: parent,
			Mode:   node.ExcludeDeleted,
			Cursor: cursor,
			Limit:  10,
		})
		require.NoError(t, err)
		assert.Equal(t, page.HasMore, page.NextCursor != "")
		for _, n := range page.Nodes {
			names = append(names, n.Name)
		}
		pages++
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, names, total)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i], "listing must be ordered")
	}

	_, err := store.Children(ctx, node.ChildQuery{Parent: parent, Cursor: "!!not-base64!!"})
	assert.ErrorIs(t, err, node.ErrInvalidCursor)
}

func (s *StoreTestSuite) testQueryFilter(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	img := newNode(uuid.New(), "photo.jpg", "alice", node.KindFile)
	img.Mime = "image/jpeg"
	require.NoError(t, store.Insert(ctx, img))

	doc := newNode(uuid.New(), "notes.txt", "alice", node.KindFile)
	doc.Mime = "text/plain"
	require.NoError(t, store.Insert(ctx, doc))

	foreign := newNode(uuid.New(), "other.jpg", "bob", node.KindFile)
	foreign.Mime = "image/jpeg"
	require.NoError(t, store.Insert(ctx, foreign))

	page, err := store.Query(ctx, "alice", &node.Filter{Mimes: []string{"image/jpeg"}}, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, img.ID, page.Nodes[0].ID)
}

func (s *StoreTestSuite) testSubtreeShareUpdate(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	root := newNode(uuid.Nil, "team", "alice", node.KindCollection)
	require.NoError(t, store.Insert(ctx, root))
	sub := newNode(root.ID, "sub", "alice", node.KindCollection)
	require.NoError(t, store.Insert(ctx, sub))
	leaf := newNode(sub.ID, "leaf.txt", "alice", node.KindFile)
	require.NoError(t, store.Insert(ctx, leaf))

	shareID := root.ID
	updated, err := store.UpdateSubtreeShare(ctx, root.ID, shareID, "")
	require.NoError(t, err)
	assert.Len(t, updated, 2)

	got, err := store.Get(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, shareID, got.Shared.MemberOf)

	// Clearing reassigns ownership.
	updated, err = store.UpdateSubtreeShare(ctx, root.ID, uuid.Nil, "bob")
	require.NoError(t, err)
	assert.Len(t, updated, 2)

	got, err = store.Get(ctx, leaf.ID)
	require.NoError(t, err)
	assert.True(t, got.Shared.None())
	assert.Equal(t, "bob", got.Owner)
}

func (s *StoreTestSuite) testQuota(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetQuota(ctx, "alice", 100))
	require.NoError(t, store.AddUsage(ctx, "alice", 80))

	err := store.AddUsage(ctx, "alice", 30)
	assert.ErrorIs(t, err, node.ErrQuotaExceeded)

	// The failed delta must not have been applied.
	usage, err := store.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(80), usage)

	// Negative usage clamps to zero.
	require.NoError(t, store.AddUsage(ctx, "alice", -200))
	usage, err = store.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), usage)

	// Removing the ceiling lifts the limit.
	require.NoError(t, store.SetQuota(ctx, "alice", 0))
	require.NoError(t, store.AddUsage(ctx, "alice", 1<<30))
}

func (s *StoreTestSuite) testExpiredDestroy(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	doomed := newNode(uuid.Nil, "doomed.txt", "alice", node.KindFile)
	doomed.Destroy = &past
	require.NoError(t, store.Insert(ctx, doomed))

	safe := newNode(uuid.Nil, "safe.txt", "alice", node.KindFile)
	safe.Destroy = &future
	require.NoError(t, store.Insert(ctx, safe))

	expired, err := store.ExpiredDestroy(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, doomed.ID, expired[0])
}

func (s *StoreTestSuite) testRemove(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	parent := uuid.New()

	n := newNode(parent, "victim.txt", "alice", node.KindFile)
	require.NoError(t, store.Insert(ctx, n))
	require.NoError(t, store.Remove(ctx, n.ID))

	_, err := store.Get(ctx, n.ID)
	assert.ErrorIs(t, err, node.ErrNotFound)

	// The name is free again.
	require.NoError(t, store.Insert(ctx, newNode(parent, "victim.txt", "alice", node.KindFile)))

	assert.ErrorIs(t, store.Remove(ctx, uuid.New()), node.ErrNotFound)
}
