package tree

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/blob"
	blobmemory "github.com/arborfs/arbor/pkg/store/blob/memory"
	"github.com/arborfs/arbor/pkg/store/node"
	nodememory "github.com/arborfs/arbor/pkg/store/node/memory"
)

var (
	alice = &acl.User{ID: "alice", Username: "Alice"}
	bob   = &acl.User{ID: "bob", Username: "Bob"}
)

func newTestFS(t *testing.T, limits Limits) *Filesystem {
	t.Helper()
	return New(Options{
		Nodes:  nodememory.NewStore(),
		Blobs:  blob.NewStore(blobmemory.NewIndex(), blobmemory.NewPayloads()),
		Limits: limits,
	})
}

func mkdir(t *testing.T, fs *Filesystem, parent uuid.UUID, name string, user *acl.User) *node.Node {
	t.Helper()
	col, err := fs.CreateCollection(context.Background(), parent, name, nil, NoAction, user)
	require.NoError(t, err)
	return col
}

func mkfile(t *testing.T, fs *Filesystem, parent uuid.UUID, name, content string, user *acl.User) *node.Node {
	t.Helper()
	var r io.Reader
	if content != "" {
		r = strings.NewReader(content)
	}
	f, err := fs.CreateFile(context.Background(), parent, name, r, nil, NoAction, user)
	require.NoError(t, err)
	return f
}

func readFile(t *testing.T, fs *Filesystem, id uuid.UUID, user *acl.User) string {
	t.Helper()
	rc, err := fs.Open(context.Background(), id, user)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCreateCollectionAndFile(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	docs := mkdir(t, fs, uuid.Nil, "Documents", alice)
	assert.Equal(t, node.KindCollection, docs.Kind)
	assert.Equal(t, node.CollectionMime, docs.Mime)
	assert.Equal(t, "alice", docs.Owner)

	f := mkfile(t, fs, docs.ID, "notes.txt", "hello arbor", alice)
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, uint64(len("hello arbor")), f.Size)
	assert.Contains(t, f.Mime, "text/plain")
	assert.Equal(t, "hello arbor", readFile(t, fs, f.ID, alice))

	// Another tenant may use the same names at the root.
	other := mkdir(t, fs, uuid.Nil, "Documents", bob)
	assert.NotEqual(t, docs.ID, other.ID)

	// Invalid names are rejected.
	_, err := fs.CreateFile(ctx, docs.ID, "bad/name.txt", nil, nil, NoAction, alice)
	assert.True(t, IsCode(err, CodeInvalidArgument))
	_, err = fs.CreateFile(ctx, docs.ID, strings.Repeat("x", 300), nil, nil, NoAction, alice)
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestConflictPolicies(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	dir := mkdir(t, fs, uuid.Nil, "inbox", alice)
	first := mkfile(t, fs, dir.ID, "name.txt", "original", alice)

	// NoAction fails.
	_, err := fs.CreateFile(ctx, dir.ID, "name.txt", strings.NewReader("x"), nil, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict))

	// Rename creates a coexisting sibling with a distinct name.
	renamed, err := fs.CreateFile(ctx, dir.ID, "name.txt", strings.NewReader("second"), nil, Rename, alice)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, renamed.ID)
	assert.NotEqual(t, "name.txt", renamed.Name)
	assert.True(t, strings.HasSuffix(renamed.Name, ".txt"))

	// Merge overwrites the existing node in place, no duplicate.
	merged, err := fs.CreateFile(ctx, dir.ID, "name.txt", strings.NewReader("merged"), nil, Merge, alice)
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, 2, merged.Version)
	assert.Equal(t, "merged", readFile(t, fs, first.ID, alice))
}

func TestPutIsIdempotent(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "same.txt", "identical bytes", alice)
	require.Equal(t, 1, f.Version)

	v, err := fs.Put(ctx, f.ID, strings.NewReader("identical bytes"), "", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = fs.Put(ctx, f.ID, strings.NewReader("different bytes"), "", alice)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestContentDedup(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	a := mkfile(t, fs, uuid.Nil, "a.bin", "shared payload", alice)
	b := mkfile(t, fs, uuid.Nil, "b.bin", "shared payload", alice)
	require.Equal(t, a.Blob, b.Blob)

	rec, err := fs.blobs.Stat(ctx, blobID(a.Blob))
	require.NoError(t, err)
	assert.Len(t, rec.Refs, 2)

	// Deleting one file leaves the blob intact.
	require.NoError(t, fs.Delete(ctx, a.ID, true, alice))
	rec, err = fs.blobs.Stat(ctx, blobID(b.Blob))
	require.NoError(t, err)
	assert.Len(t, rec.Refs, 1)
	assert.Equal(t, "shared payload", readFile(t, fs, b.ID, alice))

	// Deleting both removes it.
	require.NoError(t, fs.Delete(ctx, b.ID, true, alice))
	_, err = fs.blobs.Stat(ctx, blobID(b.Blob))
	assert.ErrorIs(t, err, blob.ErrBlobNotFound)
}

func TestMoveRejectsCycles(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	a := mkdir(t, fs, uuid.Nil, "a", alice)
	b := mkdir(t, fs, a.ID, "b", alice)
	c := mkdir(t, fs, b.ID, "c", alice)

	_, err := fs.Move(ctx, a.ID, a.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict))

	_, err = fs.Move(ctx, a.ID, c.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict), "moving into own descendant must fail")

	// Moving to the current parent is a no-op conflict.
	_, err = fs.Move(ctx, b.ID, a.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict))

	// A legal move still works.
	moved, err := fs.Move(ctx, c.ID, uuid.Nil, NoAction, alice)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, moved.Parent)
}

func TestMovePolicies(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	src := mkdir(t, fs, uuid.Nil, "src", alice)
	dst := mkdir(t, fs, uuid.Nil, "dst", alice)
	f := mkfile(t, fs, src.ID, "doc.txt", "from src", alice)
	existing := mkfile(t, fs, dst.ID, "doc.txt", "in dst", alice)

	_, err := fs.Move(ctx, f.ID, dst.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict))

	// Merge overwrites the destination and removes the source.
	merged, err := fs.Move(ctx, f.ID, dst.ID, Merge, alice)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, merged.ID)
	assert.Equal(t, "from src", readFile(t, fs, existing.ID, alice))
	_, err = fs.Node(ctx, f.ID, alice)
	assert.True(t, IsCode(err, CodeNotFound))

	// Rename places the moved node under a fresh name.
	g := mkfile(t, fs, src.ID, "doc.txt", "again", alice)
	moved, err := fs.Move(ctx, g.ID, dst.ID, Rename, alice)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, moved.Parent)
	assert.NotEqual(t, "doc.txt", moved.Name)
}

func TestSoftDeleteRoundTrip(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	dir := mkdir(t, fs, uuid.Nil, "project", alice)
	f := mkfile(t, fs, dir.ID, "readme.md", "content survives the trash", alice)

	require.NoError(t, fs.Delete(ctx, dir.ID, false, alice))

	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.False(t, got.Alive(), "descendants are stamped with the parent")

	// The names are free again.
	fresh := mkdir(t, fs, uuid.Nil, "project", alice)
	require.NoError(t, fs.Delete(ctx, fresh.ID, true, alice))

	require.NoError(t, fs.Undelete(ctx, dir.ID, NoAction, alice))

	got, err = fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.True(t, got.Alive())
	assert.Equal(t, "readme.md", got.Name)
	assert.Equal(t, "content survives the trash", readFile(t, fs, f.ID, alice))

	// Force delete is permanent.
	require.NoError(t, fs.Delete(ctx, dir.ID, true, alice))
	err = fs.Undelete(ctx, dir.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestUndeleteNameCollision(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "draft.md", "v1", alice)
	require.NoError(t, fs.Delete(ctx, f.ID, false, alice))
	mkfile(t, fs, uuid.Nil, "draft.md", "usurper", alice)

	err := fs.Undelete(ctx, f.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict))

	require.NoError(t, fs.Undelete(ctx, f.ID, Rename, alice))
	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.True(t, got.Alive())
	assert.NotEqual(t, "draft.md", got.Name)
}

func TestRestoreNeverRewinds(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "versioned.txt", "one", alice)
	_, err := fs.Put(ctx, f.ID, strings.NewReader("two"), "", alice)
	require.NoError(t, err)
	_, err = fs.Put(ctx, f.ID, strings.NewReader("three"), "", alice)
	require.NoError(t, err)

	require.NoError(t, fs.Restore(ctx, f.ID, 1, alice))

	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Version, "restore produces a new version")
	assert.Equal(t, "one", readFile(t, fs, f.ID, alice))

	last := got.History[len(got.History)-1]
	assert.Equal(t, node.VersionRestore, last.Type)
	assert.Equal(t, 1, last.OriginVersion)
	assert.Equal(t, got.History[0].Hash, last.Hash)

	// Restoring the current version is a no-op conflict.
	err = fs.Restore(ctx, f.ID, 4, alice)
	assert.True(t, IsCode(err, CodeConflict))
	// A version that never existed is NotFound.
	err = fs.Restore(ctx, f.ID, 99, alice)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestHistoryPruneReleasesBlobs(t *testing.T) {
	fs := newTestFS(t, Limits{HistoryMax: 2})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "log.txt", "first payload", alice)
	firstBlob := f.Blob
	_, err := fs.Put(ctx, f.ID, strings.NewReader("second payload"), "", alice)
	require.NoError(t, err)
	_, err = fs.Put(ctx, f.ID, strings.NewReader("third payload"), "", alice)
	require.NoError(t, err)

	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)

	_, err = fs.blobs.Stat(ctx, blobID(firstBlob))
	assert.ErrorIs(t, err, blob.ErrBlobNotFound, "pruned version's blob is released")
}

func TestSharePropagationAndAccess(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	team := mkdir(t, fs, uuid.Nil, "team", alice)
	sub := mkdir(t, fs, team.ID, "assets", alice)
	f := mkfile(t, fs, sub.ID, "logo.png", "pngbytes", alice)

	// Before sharing, bob sees nothing.
	_, err := fs.Node(ctx, f.ID, bob)
	assert.True(t, IsCode(err, CodeForbidden))

	rules := []acl.Rule{{Type: acl.RuleUser, ID: "bob", Privilege: acl.Read}}
	require.NoError(t, fs.Share(ctx, team.ID, rules, alice))

	// Every descendant became a member of the share.
	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, team.ID, got.Shared.MemberOf)

	// Bob can now read but not write.
	assert.Equal(t, "pngbytes", readFile(t, fs, f.ID, bob))
	_, err = fs.Put(ctx, f.ID, strings.NewReader("overwrite"), "", bob)
	assert.True(t, IsCode(err, CodeForbidden))

	page, err := fs.Children(ctx, team.ID, node.ExcludeDeleted, nil, "", 0, bob)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, sub.ID, page.Nodes[0].ID)

	// The blob carries a share-exposure reference.
	rec, err := fs.blobs.Stat(ctx, blobID(f.Blob))
	require.NoError(t, err)
	require.Len(t, rec.ShareRefs, 1)
	assert.Equal(t, team.ID, rec.ShareRefs[0].Share)

	// Nested shares are rejected.
	err = fs.Share(ctx, sub.ID, rules, alice)
	assert.True(t, IsCode(err, CodeConflict))

	require.NoError(t, fs.Unshare(ctx, team.ID, alice))
	got, err = fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.True(t, got.Shared.None())
	assert.Equal(t, "alice", got.Owner)
	_, err = fs.Node(ctx, f.ID, bob)
	assert.True(t, IsCode(err, CodeForbidden))

	rec, err = fs.blobs.Stat(ctx, blobID(f.Blob))
	require.NoError(t, err)
	assert.Empty(t, rec.ShareRefs)
}

func TestWritePlusIsInboxStyle(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	inbox := mkdir(t, fs, uuid.Nil, "dropbox", alice)
	hers := mkfile(t, fs, inbox.ID, "rules.txt", "owned by alice", alice)

	rules := []acl.Rule{{Type: acl.RuleUser, ID: "bob", Privilege: acl.WritePlus}}
	require.NoError(t, fs.Share(ctx, inbox.ID, rules, alice))

	// Bob can drop a new file into the inbox.
	dropped, err := fs.CreateFile(ctx, inbox.ID, "upload.dat", strings.NewReader("from bob"), nil, NoAction, bob)
	require.NoError(t, err)
	assert.Equal(t, "bob", dropped.Owner)

	// And keep editing his own file.
	_, err = fs.Put(ctx, dropped.ID, strings.NewReader("edited by bob"), "", bob)
	require.NoError(t, err)

	// But alice's file is overwrite-protected for him.
	_, err = fs.Put(ctx, hers.ID, strings.NewReader("hijack"), "", bob)
	assert.True(t, IsCode(err, CodeForbidden))
}

func TestCrossShareMoveIsCopyDelete(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	team := mkdir(t, fs, uuid.Nil, "team", alice)
	require.NoError(t, fs.Share(ctx, team.ID, []acl.Rule{{Type: acl.RuleUser, ID: "bob", Privilege: acl.ReadWrite}}, alice))
	f := mkfile(t, fs, team.ID, "spec.md", "jointly referenced", alice)
	private := mkdir(t, fs, uuid.Nil, "private", alice)

	moved, err := fs.Move(ctx, f.ID, private.ID, NoAction, alice)
	require.NoError(t, err)
	assert.NotEqual(t, f.ID, moved.ID, "crossing a share boundary makes a new node")
	assert.Equal(t, private.ID, moved.Parent)
	assert.True(t, moved.Shared.None())
	assert.Equal(t, "jointly referenced", readFile(t, fs, moved.ID, alice))

	_, err = fs.Node(ctx, f.ID, alice)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestMountedReference(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	team := mkdir(t, fs, uuid.Nil, "team", alice)
	mkfile(t, fs, team.ID, "notes.txt", "visible through the mount", alice)
	require.NoError(t, fs.Share(ctx, team.ID, []acl.Rule{{Type: acl.RuleUser, ID: "bob", Privilege: acl.Read}}, alice))

	mount, err := fs.Mount(ctx, uuid.Nil, "alices-team", team.ID, bob)
	require.NoError(t, err)
	assert.True(t, mount.IsReference())

	page, err := fs.Children(ctx, mount.ID, node.ExcludeDeleted, nil, "", 0, bob)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, "notes.txt", page.Nodes[0].Name)

	// Mounting a share that grants nothing is rejected.
	other := mkdir(t, fs, uuid.Nil, "locked", alice)
	require.NoError(t, fs.Share(ctx, other.ID, []acl.Rule{{Type: acl.RuleUser, ID: "carol", Privilege: acl.Read}}, alice))
	_, err = fs.Mount(ctx, uuid.Nil, "no-access", other.ID, bob)
	assert.True(t, IsCode(err, CodeForbidden))
}

func TestJunkFilesBypassTrash(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	junk := mkfile(t, fs, uuid.Nil, ".DS_Store", "finder noise", alice)
	require.NoError(t, fs.Delete(ctx, junk.ID, false, alice))

	_, err := fs.Node(ctx, junk.ID, alice)
	assert.True(t, IsCode(err, CodeNotFound), "junk files are force-deleted even without force")
}

func TestAdvisoryLock(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "locked.txt", "", alice)

	err := fs.Unlock(ctx, f.ID, "token-1", alice)
	assert.True(t, IsCode(err, CodeNotLocked))

	require.NoError(t, fs.Lock(ctx, f.ID, "token-1", time.Minute, alice))

	// A different identifier cannot take the live lock.
	err = fs.Lock(ctx, f.ID, "token-2", time.Minute, alice)
	assert.True(t, IsCode(err, CodeConflict))

	// Refreshing with the same identifier is allowed.
	require.NoError(t, fs.Lock(ctx, f.ID, "token-1", time.Minute, alice))

	err = fs.Unlock(ctx, f.ID, "wrong-token", alice)
	assert.True(t, IsCode(err, CodeLockIDMismatch))

	require.NoError(t, fs.Unlock(ctx, f.ID, "token-1", alice))
	err = fs.Unlock(ctx, f.ID, "token-1", alice)
	assert.True(t, IsCode(err, CodeNotLocked))
}

func TestMetaAttributes(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "tagged.txt", "", alice)

	require.NoError(t, fs.SetMetaAttribute(ctx, f.ID, node.MetaDescription, "quarterly report", alice))
	err := fs.SetMetaAttribute(ctx, f.ID, node.MetaKey("bogus"), "x", alice)
	assert.True(t, IsCode(err, CodeInvalidArgument))

	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "quarterly report", got.Meta[node.MetaDescription])

	require.NoError(t, fs.SetMetaAttribute(ctx, f.ID, node.MetaDescription, "", alice))
	got, err = fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.NotContains(t, got.Meta, node.MetaDescription)
}

func TestQuotaEnforcement(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	require.NoError(t, fs.SetQuota(ctx, "alice", 10))

	dir := mkdir(t, fs, uuid.Nil, "limited", alice)
	_, err := fs.CreateFile(ctx, dir.ID, "big.bin", strings.NewReader("way more than ten bytes"), nil, NoAction, alice)
	assert.True(t, IsCode(err, CodeInsufficientStorage))

	// The failed create rolled the record back.
	exists, err := fs.ChildExists(ctx, dir.ID, "big.bin", node.IncludeDeleted, alice)
	require.NoError(t, err)
	assert.False(t, exists)

	f := mkfile(t, fs, dir.ID, "ok.bin", "tiny", alice)
	usage, err := fs.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), usage)

	// Force delete returns the bytes.
	require.NoError(t, fs.Delete(ctx, f.ID, true, alice))
	usage, err = fs.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), usage)
}

func TestUploadSizeLimit(t *testing.T) {
	fs := newTestFS(t, Limits{MaxUploadSize: 8})
	ctx := context.Background()

	_, err := fs.CreateFile(ctx, uuid.Nil, "too-big.bin", strings.NewReader("0123456789"), nil, NoAction, alice)
	assert.True(t, IsCode(err, CodeInsufficientStorage))
}

func TestSelfDestructResolvedOnAccess(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "ephemeral.txt", "", alice)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, fs.SetDestroy(ctx, f.ID, &past, alice))

	_, err := fs.Node(ctx, f.ID, alice)
	assert.True(t, IsCode(err, CodeConflict), "elapsed destroy raises conflict, not not-found")

	_, err = fs.Node(ctx, f.ID, alice)
	assert.True(t, IsCode(err, CodeNotFound), "the record is gone afterwards")
}

func TestLifecycleEvents(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	var seen []Event
	fs.Hub().Subscribe(PostCreateFile, func(ctx context.Context, ev *EventContext) error {
		seen = append(seen, ev.Event)
		return nil
	})
	veto := errors.New("scanner rejected the upload")
	fs.Hub().Subscribe(PrePutFile, func(ctx context.Context, ev *EventContext) error {
		if ev.Node.Name == "virus.exe" {
			return veto
		}
		return nil
	})

	f := mkfile(t, fs, uuid.Nil, "clean.txt", "fine", alice)
	assert.Equal(t, []Event{PostCreateFile}, seen)
	assert.Equal(t, 1, f.Version)

	_, err := fs.CreateFile(ctx, uuid.Nil, "virus.exe", strings.NewReader("payload"), nil, NoAction, alice)
	assert.ErrorIs(t, err, veto)

	// The vetoed create was rolled back entirely.
	exists, err := fs.ChildExists(ctx, uuid.Nil, "virus.exe", node.IncludeDeleted, alice)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecursiveDeleteEventTokens(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	dir := mkdir(t, fs, uuid.Nil, "nested", alice)
	mkfile(t, fs, dir.ID, "one.txt", "", alice)
	mkfile(t, fs, dir.ID, "two.txt", "", alice)

	type emission struct {
		token uuid.UUID
		root  bool
	}
	var emissions []emission
	record := func(ctx context.Context, ev *EventContext) error {
		emissions = append(emissions, emission{token: ev.Token, root: ev.Root})
		return nil
	}
	fs.Hub().Subscribe(PostDeleteCollection, record)
	fs.Hub().Subscribe(PostDeleteFile, record)

	require.NoError(t, fs.Delete(ctx, dir.ID, false, alice))

	require.Len(t, emissions, 3)
	roots := 0
	for _, e := range emissions {
		assert.Equal(t, emissions[0].token, e.token, "cascade shares one recursion token")
		if e.root {
			roots++
		}
	}
	assert.Equal(t, 1, roots, "exactly one outermost emission")
}

func TestVirtualCollectionFilter(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	images := mkfile(t, fs, uuid.Nil, "photo.txt", "not actually a photo", alice)
	filter := &node.Filter{NameContains: "photo"}
	view, err := fs.CreateCollection(ctx, uuid.Nil, "all-photos", &Attributes{Filter: filter}, NoAction, alice)
	require.NoError(t, err)

	// First page: ordinary children (none), continuation into the view.
	page, err := fs.Children(ctx, view.ID, node.ExcludeDeleted, nil, "", 0, alice)
	require.NoError(t, err)
	assert.Empty(t, page.Nodes)
	require.True(t, page.HasMore)

	page, err = fs.Children(ctx, view.ID, node.ExcludeDeleted, nil, page.NextCursor, 0, alice)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, images.ID, page.Nodes[0].ID)
	assert.False(t, page.HasMore)
}

func TestCopyCollectionRecursive(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	src := mkdir(t, fs, uuid.Nil, "tree", alice)
	sub := mkdir(t, fs, src.ID, "branch", alice)
	leaf := mkfile(t, fs, sub.ID, "leaf.txt", "copied by reference", alice)
	dst := mkdir(t, fs, uuid.Nil, "backup", alice)

	copied, err := fs.Copy(ctx, src.ID, dst.ID, NoAction, alice)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, copied.ID)

	page, err := fs.Children(ctx, copied.ID, node.ExcludeDeleted, nil, "", 0, alice)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)

	leafPage, err := fs.Children(ctx, page.Nodes[0].ID, node.ExcludeDeleted, nil, "", 0, alice)
	require.NoError(t, err)
	require.Len(t, leafPage.Nodes, 1)
	copiedLeaf := leafPage.Nodes[0]
	assert.Equal(t, "leaf.txt", copiedLeaf.Name)
	assert.Equal(t, "copied by reference", readFile(t, fs, copiedLeaf.ID, alice))

	// One blob, two references: copies never duplicate bytes.
	rec, err := fs.blobs.Stat(ctx, blobID(leaf.Blob))
	require.NoError(t, err)
	assert.Len(t, rec.Refs, 2)

	// Copying into the own subtree is rejected.
	_, err = fs.Copy(ctx, src.ID, sub.ID, NoAction, alice)
	assert.True(t, IsCode(err, CodeConflict))
}

func TestShareLinks(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "public.txt", "linked", alice)

	link, err := fs.CreateShareLink(ctx, f.ID, "", time.Time{}, alice)
	require.NoError(t, err)
	require.NotEmpty(t, link.Token)

	got, err := fs.CheckShareLink(ctx, f.ID, link.Token)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)

	_, err = fs.CheckShareLink(ctx, f.ID, "wrong")
	assert.True(t, IsCode(err, CodeNotFound))

	expired, err := fs.CreateShareLink(ctx, f.ID, "", time.Now().UTC().Add(-time.Hour), alice)
	require.NoError(t, err)
	_, err = fs.CheckShareLink(ctx, f.ID, expired.Token)
	assert.True(t, IsCode(err, CodeForbidden))

	require.NoError(t, fs.RevokeShareLink(ctx, f.ID, alice))
	_, err = fs.CheckShareLink(ctx, f.ID, link.Token)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestReadOnlyBlocksMutation(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "frozen.txt", "immutable", alice)
	require.NoError(t, fs.SetReadOnly(ctx, f.ID, true, alice))

	_, err := fs.Put(ctx, f.ID, strings.NewReader("thaw"), "", alice)
	assert.True(t, IsCode(err, CodeReadOnly))
	_, err = fs.Rename(ctx, f.ID, "thawed.txt", alice)
	assert.True(t, IsCode(err, CodeReadOnly))
	err = fs.Delete(ctx, f.ID, false, alice)
	assert.True(t, IsCode(err, CodeReadOnly))

	require.NoError(t, fs.SetReadOnly(ctx, f.ID, false, alice))
	_, err = fs.Put(ctx, f.ID, strings.NewReader("thawed"), "", alice)
	require.NoError(t, err)
}

func TestDeleteCascadesOverReadonlyChildren(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	dir := mkdir(t, fs, uuid.Nil, "archive", alice)
	f := mkfile(t, fs, dir.ID, "sealed.txt", "keep", alice)
	require.NoError(t, fs.SetReadOnly(ctx, f.ID, true, alice))

	// The readonly file refuses direct deletion.
	err := fs.Delete(ctx, f.ID, false, alice)
	assert.True(t, IsCode(err, CodeReadOnly))

	// Deleting the parent stamps the whole subtree, readonly children
	// included, so the trash holds a complete cohort.
	require.NoError(t, fs.Delete(ctx, dir.ID, false, alice))
	got, err := fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.False(t, got.Alive())

	// Undelete brings it back untouched.
	require.NoError(t, fs.Undelete(ctx, dir.ID, NoAction, alice))
	got, err = fs.Node(ctx, f.ID, alice)
	require.NoError(t, err)
	assert.True(t, got.Alive())
	assert.True(t, got.ReadOnly)
	assert.Equal(t, "keep", readFile(t, fs, f.ID, alice))
}

// flakyNodes wraps a node store and fails a number of Update calls on demand.
type flakyNodes struct {
	node.Store
	failUpdates int
}

func (s *flakyNodes) Update(ctx context.Context, n *node.Node) error {
	if s.failUpdates > 0 {
		s.failUpdates--
		return errors.New("store unavailable")
	}
	return s.Store.Update(ctx, n)
}

func TestFailedWriteReleasesDedupedRef(t *testing.T) {
	flaky := &flakyNodes{Store: nodememory.NewStore()}
	fs := New(Options{
		Nodes: flaky,
		Blobs: blob.NewStore(blobmemory.NewIndex(), blobmemory.NewPayloads()),
	})
	ctx := context.Background()

	a := mkfile(t, fs, uuid.Nil, "a.bin", "shared bytes", alice)
	b := mkfile(t, fs, uuid.Nil, "b.bin", "other", alice)

	flaky.failUpdates = 1
	_, err := fs.Put(ctx, b.ID, strings.NewReader("shared bytes"), "", alice)
	require.Error(t, err)

	// The dedup reference attached during the failed write was rolled back:
	// only a.bin still pins the blob, and the usage delta was compensated.
	rec, err := fs.blobs.Stat(ctx, blobID(a.Blob))
	require.NoError(t, err)
	require.Len(t, rec.Refs, 1)
	assert.Equal(t, a.ID, rec.Refs[0].Node)

	usage, err := fs.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(len("shared bytes")+len("other")), usage)

	// b.bin is untouched and writable once the store recovers.
	assert.Equal(t, "other", readFile(t, fs, b.ID, alice))
	_, err = fs.Put(ctx, b.ID, strings.NewReader("shared bytes"), "", alice)
	require.NoError(t, err)
}

func TestHistoryDisplayNames(t *testing.T) {
	fs := newTestFS(t, Limits{})
	fs.users = directoryStub{"alice": "Alice Lidell"}
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "named.txt", "v1", alice)
	entries, err := fs.History(ctx, f.ID, alice)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Alice Lidell", entries[0].DisplayName)
	assert.Equal(t, node.VersionCreate, entries[0].Type)
}

type directoryStub map[string]string

func (d directoryStub) DisplayName(_ context.Context, id string) (string, error) {
	if name, ok := d[id]; ok {
		return name, nil
	}
	return id, nil
}

func TestOpenEmptyFile(t *testing.T) {
	fs := newTestFS(t, Limits{})
	f := mkfile(t, fs, uuid.Nil, "empty.txt", "", alice)
	assert.Equal(t, node.EmptyHash, f.Hash)
	assert.Equal(t, 0, f.Version)
	assert.Equal(t, "", readFile(t, fs, f.ID, alice))
}

func TestChildrenPaginationThroughEngine(t *testing.T) {
	fs := newTestFS(t, Limits{PageSize: 4})
	ctx := context.Background()

	dir := mkdir(t, fs, uuid.Nil, "many", alice)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		mkfile(t, fs, dir.ID, name+".txt", "", alice)
	}

	var names []string
	cursor := ""
	for {
		page, err := fs.Children(ctx, dir.ID, node.ExcludeDeleted, nil, cursor, 0, alice)
		require.NoError(t, err)
		for _, n := range page.Nodes {
			names = append(names, n.Name)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, names, 9)
	assert.IsIncreasing(t, names)
}

func TestSystemUserBypassesACL(t *testing.T) {
	fs := newTestFS(t, Limits{})
	ctx := context.Background()

	f := mkfile(t, fs, uuid.Nil, "private.txt", "secret", alice)

	// System (nil user) reads and writes anything.
	assert.Equal(t, "secret", readFile(t, fs, f.ID, nil))
	_, err := fs.Put(ctx, f.ID, bytes.NewReader([]byte("rotated")), "", nil)
	require.NoError(t, err)
}
