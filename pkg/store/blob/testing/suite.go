// Package testing provides a conformance test suite for blob store
// index/payload backend combinations. Every combination runs the same suite
// so the reference-counting semantics stay identical across backends.
package testing

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/pkg/store/blob"
)

// StoreTestSuite runs the blob store conformance tests.
type StoreTestSuite struct {
	// NewStore returns a fresh, empty blob store for each test.
	NewStore func(t *testing.T) *blob.Store
}

// Run executes every conformance test.
func (s *StoreTestSuite) Run(t *testing.T) {
	t.Run("StoreAndOpen", s.testStoreAndOpen)
	t.Run("Dedup", s.testDedup)
	t.Run("ReleaseKeepsSharedPayload", s.testReleaseKeepsSharedPayload)
	t.Run("ShareRefsKeepPayloadAlive", s.testShareRefsKeepPayloadAlive)
	t.Run("ReleaseIsIdempotent", s.testReleaseIsIdempotent)
	t.Run("Orphans", s.testOrphans)
}

func storeContent(t *testing.T, s *blob.Store, content string, ref blob.Ref) (blob.ID, bool) {
	t.Helper()
	hash, size, err := blob.HashReader(strings.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, uint64(len(content)), size)

	id, deduped, err := s.Store(context.Background(), hash, strings.NewReader(content), ref)
	require.NoError(t, err)
	return id, deduped
}

func readBlob(t *testing.T, s *blob.Store, id blob.ID) string {
	t.Helper()
	rc, err := s.Open(context.Background(), id)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func (s *StoreTestSuite) testStoreAndOpen(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	ref := blob.Ref{Node: uuid.New(), Owner: "alice"}
	id, deduped := storeContent(t, store, "hello world", ref)
	assert.False(t, deduped)
	assert.Equal(t, "hello world", readBlob(t, store, id))

	rec, err := store.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(len("hello world")), rec.Size)
	require.Len(t, rec.Refs, 1)
	assert.Equal(t, ref, rec.Refs[0])

	_, err = store.Open(ctx, blob.ID("deadbeef"))
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)
}

func (s *StoreTestSuite) testDedup(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	first := blob.Ref{Node: uuid.New(), Owner: "alice"}
	second := blob.Ref{Node: uuid.New(), Owner: "bob"}

	id1, deduped := storeContent(t, store, "same bytes", first)
	assert.False(t, deduped)

	id2, deduped := storeContent(t, store, "same bytes", second)
	assert.True(t, deduped)
	assert.Equal(t, id1, id2)

	rec, err := store.Stat(ctx, id1)
	require.NoError(t, err)
	assert.Len(t, rec.Refs, 2)

	// Re-storing for an already referencing node does not duplicate the ref.
	_, deduped = storeContent(t, store, "same bytes", first)
	assert.True(t, deduped)
	rec, err = store.Stat(ctx, id1)
	require.NoError(t, err)
	assert.Len(t, rec.Refs, 2)
}

func (s *StoreTestSuite) testReleaseKeepsSharedPayload(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	first := blob.Ref{Node: uuid.New(), Owner: "alice"}
	second := blob.Ref{Node: uuid.New(), Owner: "bob"}
	id, _ := storeContent(t, store, "keep me", first)
	_, _ = storeContent(t, store, "keep me", second)

	// Dropping one of two references keeps the payload.
	require.NoError(t, store.Release(ctx, id, first.Node))
	assert.Equal(t, "keep me", readBlob(t, store, id))

	// Dropping the last one purges record and payload.
	require.NoError(t, store.Release(ctx, id, second.Node))
	_, err := store.Stat(ctx, id)
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)
}

func (s *StoreTestSuite) testShareRefsKeepPayloadAlive(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	ref := blob.Ref{Node: uuid.New(), Owner: "alice"}
	id, _ := storeContent(t, store, "shared bytes", ref)

	shareID := uuid.New()
	require.NoError(t, store.AddShareRef(ctx, id, ref.Node, shareID))

	// The owner reference is gone but the share exposure pins the blob.
	require.NoError(t, store.Release(ctx, id, ref.Node))
	assert.Equal(t, "shared bytes", readBlob(t, store, id))

	// Removing the last share reference purges it.
	require.NoError(t, store.RemoveShareRef(ctx, id, ref.Node, shareID))
	_, err := store.Stat(ctx, id)
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)
}

func (s *StoreTestSuite) testReleaseIsIdempotent(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	ref := blob.Ref{Node: uuid.New(), Owner: "alice"}
	id, _ := storeContent(t, store, "once", ref)

	require.NoError(t, store.Release(ctx, id, ref.Node))
	require.NoError(t, store.Release(ctx, id, ref.Node))
	require.NoError(t, store.RemoveShareRef(ctx, id, ref.Node, uuid.New()))
}

func (s *StoreTestSuite) testOrphans(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	ref := blob.Ref{Node: uuid.New(), Owner: "alice"}
	id, _ := storeContent(t, store, "healthy", ref)

	orphans, err := store.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
	assert.NotContains(t, orphans, id)
}
