package gc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/pkg/store/blob"
	blobmemory "github.com/arborfs/arbor/pkg/store/blob/memory"
	"github.com/arborfs/arbor/pkg/store/node"
	nodememory "github.com/arborfs/arbor/pkg/store/node/memory"
	"github.com/arborfs/arbor/pkg/tree"
)

type fixture struct {
	fs    *tree.Filesystem
	nodes node.Store
	blobs *blob.Store
	index blob.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	index := blobmemory.NewIndex()
	blobs := blob.NewStore(index, blobmemory.NewPayloads())
	nodes := nodememory.NewStore()
	fs := tree.New(tree.Options{Nodes: nodes, Blobs: blobs})
	return &fixture{fs: fs, nodes: nodes, blobs: blobs, index: index}
}

// plantOrphan writes a blob record with empty reference lists straight into
// the index, as a crash between release and purge would leave it.
func plantOrphan(t *testing.T, index blob.Index) blob.ID {
	t.Helper()
	id := blob.ID("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, index.Put(context.Background(), &blob.Blob{ID: id, Size: 3}))
	return id
}

func TestCollectSweepsOrphansAndExpiredNodes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	orphan := plantOrphan(t, fx.index)

	f, err := fx.fs.CreateFile(ctx, uuid.Nil, "ephemeral.txt", strings.NewReader("short lived"), nil, tree.NoAction, nil)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, fx.fs.SetDestroy(ctx, f.ID, &past, nil))

	c := NewCollector(fx.fs, fx.nodes, fx.blobs, Config{Enabled: true})
	stats, err := c.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.OrphanedBlobs)
	assert.Equal(t, uint64(1), stats.PurgedBlobs)
	assert.Equal(t, uint64(1), stats.ExpiredNodes)
	assert.Equal(t, uint64(1), stats.PurgedNodes)
	assert.Equal(t, uint64(0), stats.Failed)

	_, err = fx.blobs.Stat(ctx, orphan)
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)
	_, err = fx.nodes.Get(ctx, f.ID)
	assert.ErrorIs(t, err, node.ErrNotFound)

	// The purged file's content blob went with it.
	_, err = fx.blobs.Stat(ctx, blob.ID(f.Blob))
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)
}

func TestCollectDryRunRemovesNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	orphan := plantOrphan(t, fx.index)

	f, err := fx.fs.CreateFile(ctx, uuid.Nil, "kept.txt", nil, nil, tree.NoAction, nil)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, fx.fs.SetDestroy(ctx, f.ID, &past, nil))

	c := NewCollector(fx.fs, fx.nodes, fx.blobs, Config{Enabled: true, DryRun: true})
	stats, err := c.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.OrphanedBlobs)
	assert.Equal(t, uint64(0), stats.PurgedBlobs)
	assert.Equal(t, uint64(1), stats.ExpiredNodes)
	assert.Equal(t, uint64(0), stats.PurgedNodes)

	_, err = fx.blobs.Stat(ctx, orphan)
	assert.NoError(t, err)
	_, err = fx.nodes.Get(ctx, f.ID)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t)

	c := NewCollector(fx.fs, fx.nodes, fx.blobs, Config{Enabled: true, Interval: time.Hour})
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestStopWithoutStartReturns(t *testing.T) {
	fx := newFixture(t)
	c := NewCollector(fx.fs, fx.nodes, fx.blobs, Config{Enabled: true})

	// Stop before Start has no worker to wait for and must not block.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestStopDisabledIsNoop(t *testing.T) {
	fx := newFixture(t)
	c := NewCollector(fx.fs, fx.nodes, fx.blobs, Config{Enabled: false})
	c.Start()
	require.NoError(t, c.Stop(context.Background()))
}
