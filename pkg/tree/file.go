package tree

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/internal/metrics"
	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/blob"
	"github.com/arborfs/arbor/pkg/store/node"
)

func blobID(s string) blob.ID { return blob.ID(s) }

// Put replaces the file's content with the bytes read from content.
//
// Returns the resulting version number. Byte-identical content (same hash)
// short-circuits and returns the unchanged current version: uploads are
// idempotent. mime overrides content sniffing when non-empty.
func (fs *Filesystem) Put(ctx context.Context, fileID uuid.UUID, content io.Reader, mime string, user *acl.User) (version int, err error) {
	defer func() { metrics.ObserveOp("put", err) }()

	f, err := fs.loadFile(ctx, fileID, user)
	if err != nil {
		return 0, err
	}
	return fs.putContent(ctx, f, content, mime, user)
}

// putContent is the shared write path behind Put, CreateFile and file merge.
// f must already be loaded; it is mutated to the new current state.
func (fs *Filesystem) putContent(ctx context.Context, f *node.Node, content io.Reader, mime string, user *acl.User) (int, error) {
	if err := fs.require(ctx, f, acl.Write, user); err != nil {
		return 0, err
	}
	if f.ReadOnly {
		return 0, errf(CodeReadOnly, f.Name, "file is readonly")
	}
	if !f.Alive() {
		return 0, errf(CodeConflict, f.Name, "file is deleted")
	}

	data, err := fs.readUpload(content, f.Name)
	if err != nil {
		return 0, err
	}
	hash, _, err := blob.HashReader(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}

	// Idempotence: identical bytes leave the version untouched and the
	// upload is discarded.
	if hash == f.Hash {
		return f.Version, nil
	}

	ev := &EventContext{Event: PrePutFile, Node: f, User: user, Token: uuid.New(), Root: true}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return 0, err
	}

	delta := int64(len(data)) - int64(f.Size)
	if err := fs.nodes.AddUsage(ctx, f.Owner, delta); err != nil {
		return 0, mapStoreErr(err, f.Name)
	}

	id, deduped, err := fs.blobs.Store(ctx, hash, bytes.NewReader(data), blob.Ref{Node: f.ID, Owner: f.Owner})
	if err != nil {
		fs.compensateUsage(ctx, f.Owner, delta)
		return 0, err
	}
	if deduped {
		metrics.DedupHits.Inc()
	} else {
		metrics.BytesStored.Add(float64(len(data)))
	}
	if share := f.EffectiveShare(); share != uuid.Nil {
		if err := fs.blobs.AddShareRef(ctx, id, f.ID, share); err != nil {
			log.Warn().Str("node_id", f.ID.String()).Err(err).
				Msg("failed to register share exposure on blob")
		}
	}

	// Whether the file referenced this blob before the write (a restore-style
	// overwrite with a historical blob). If it did, the reference predates
	// this call and must survive a rollback.
	priorRef := stillReferenced(f, string(id))

	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	vtype := node.VersionEdit
	if f.Version == 0 && f.Hash == node.EmptyHash {
		vtype = node.VersionCreate
	}

	f.Version++
	f.History = append(f.History, node.Version{
		Version: f.Version,
		Changed: now(),
		User:    userID(user),
		Type:    vtype,
		Blob:    string(id),
		Hash:    hash,
		Size:    uint64(len(data)),
		Mime:    mime,
	})
	f.Hash = hash
	f.Size = uint64(len(data))
	f.Mime = mime
	f.Blob = string(id)
	f.Changed = now()
	fs.pruneHistory(ctx, f)

	if err := fs.nodes.Update(ctx, f); err != nil {
		fs.compensateUsage(ctx, f.Owner, delta)
		if !priorRef {
			if rerr := fs.blobs.Release(ctx, id, f.ID); rerr != nil {
				log.Warn().Str("blob", string(id)).Err(rerr).
					Msg("failed to release blob after write error")
			}
		}
		return 0, mapStoreErr(err, f.Name)
	}

	ev.Event = PostPutFile
	fs.hub.notify(ctx, ev)

	log.Debug().Str("node_id", f.ID.String()).Int("version", f.Version).
		Uint64("size", f.Size).Bool("deduped", deduped).Msg("file content written")
	return f.Version, nil
}

// readUpload consumes the upload stream, enforcing the size limit.
func (fs *Filesystem) readUpload(content io.Reader, name string) ([]byte, error) {
	if content == nil {
		return nil, nil
	}
	r := content
	if max := fs.limits.MaxUploadSize; max > 0 {
		r = io.LimitReader(content, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if max := fs.limits.MaxUploadSize; max > 0 && int64(len(data)) > max {
		return nil, errf(CodeInsufficientStorage, name, "upload exceeds %d bytes", max)
	}
	return data, nil
}

// compensateUsage undoes a usage delta after a failed write.
func (fs *Filesystem) compensateUsage(ctx context.Context, owner string, delta int64) {
	if err := fs.nodes.AddUsage(ctx, owner, -delta); err != nil {
		log.Warn().Str("owner", owner).Int64("delta", delta).Err(err).
			Msg("failed to compensate usage counter")
	}
}

// pruneHistory trims the oldest history entries above the configured
// maximum, releasing their blobs unless the blob is still referenced by a
// remaining entry or the current content.
func (fs *Filesystem) pruneHistory(ctx context.Context, f *node.Node) {
	for len(f.History) > fs.limits.HistoryMax {
		oldest := f.History[0]
		f.History = f.History[1:]
		if oldest.Blob == "" || stillReferenced(f, oldest.Blob) {
			continue
		}
		if err := fs.blobs.Release(ctx, blobID(oldest.Blob), f.ID); err != nil {
			log.Warn().Str("node_id", f.ID.String()).Str("blob", oldest.Blob).
				Err(err).Msg("failed to release pruned history blob")
		}
	}
}

// stillReferenced reports whether the file's current content or any
// remaining history entry still uses the blob.
func stillReferenced(f *node.Node, blobRef string) bool {
	if f.Blob == blobRef {
		return true
	}
	for _, v := range f.History {
		if v.Blob == blobRef {
			return true
		}
	}
	return false
}

// Open returns a reader over the file's current content. Empty files return
// an empty reader.
func (fs *Filesystem) Open(ctx context.Context, fileID uuid.UUID, user *acl.User) (io.ReadCloser, error) {
	f, err := fs.loadFile(ctx, fileID, user)
	if err != nil {
		return nil, err
	}
	if f.Blob == "" {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rc, err := fs.blobs.Open(ctx, blobID(f.Blob))
	if errors.Is(err, blob.ErrBlobNotFound) || errors.Is(err, blob.ErrPayloadMissing) {
		return nil, errf(CodeNotFound, f.Name, "content blob missing")
	}
	return rc, err
}

// Restore makes a historical version the current content again.
//
// Version numbers never move backward: restoring produces a new version of
// type restore referencing the old blob. The file is marked undeleted.
func (fs *Filesystem) Restore(ctx context.Context, fileID uuid.UUID, version int, user *acl.User) (err error) {
	defer func() { metrics.ObserveOp("restore", err) }()

	f, err := fs.loadFile(ctx, fileID, user)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, f, acl.Write, user); err != nil {
		return err
	}
	if f.ReadOnly {
		return errf(CodeReadOnly, f.Name, "file is readonly")
	}
	if version == f.Version {
		return errf(CodeConflict, f.Name, "version %d is already current", version)
	}

	var entry *node.Version
	for i := range f.History {
		if f.History[i].Version == version {
			entry = &f.History[i]
			break
		}
	}
	if entry == nil {
		return errf(CodeNotFound, f.Name, "version %d not in history", version)
	}
	if entry.Blob != "" {
		if _, err := fs.blobs.Stat(ctx, blobID(entry.Blob)); err != nil {
			if errors.Is(err, blob.ErrBlobNotFound) {
				return errf(CodeNotFound, f.Name, "blob of version %d no longer exists", version)
			}
			return err
		}
	}

	ev := &EventContext{Event: PreRestoreFile, Node: f, User: user, Token: uuid.New(), Root: true}
	if err := fs.hub.publish(ctx, ev); err != nil {
		return err
	}

	delta := int64(entry.Size) - int64(f.Size)
	if err := fs.nodes.AddUsage(ctx, f.Owner, delta); err != nil {
		return mapStoreErr(err, f.Name)
	}

	restored := *entry
	f.Version++
	f.History = append(f.History, node.Version{
		Version:       f.Version,
		Changed:       now(),
		User:          userID(user),
		Type:          node.VersionRestore,
		Blob:          restored.Blob,
		Hash:          restored.Hash,
		Size:          restored.Size,
		Mime:          restored.Mime,
		OriginVersion: version,
	})
	f.Hash = restored.Hash
	f.Size = restored.Size
	f.Mime = restored.Mime
	f.Blob = restored.Blob
	f.Deleted = nil
	f.Changed = now()
	fs.pruneHistory(ctx, f)

	if err := fs.nodes.Update(ctx, f); err != nil {
		fs.compensateUsage(ctx, f.Owner, delta)
		return mapStoreErr(err, f.Name)
	}

	ev.Event = PostRestoreFile
	fs.hub.notify(ctx, ev)

	log.Debug().Str("node_id", f.ID.String()).Int("version", f.Version).
		Int("origin", version).Msg("file version restored")
	return nil
}

// HistoryEntry is one version record with the producing user resolved to a
// display name.
type HistoryEntry struct {
	node.Version

	// DisplayName is the resolved name of the producing user, falling back
	// to the raw user id when no directory is configured.
	DisplayName string
}

// History returns the file's version history, oldest first.
func (fs *Filesystem) History(ctx context.Context, fileID uuid.UUID, user *acl.User) ([]HistoryEntry, error) {
	f, err := fs.loadFile(ctx, fileID, user)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	entries := make([]HistoryEntry, 0, len(f.History))
	for _, v := range f.History {
		display, ok := names[v.User]
		if !ok {
			display = v.User
			if fs.users != nil && v.User != "" {
				resolved, err := fs.users.DisplayName(ctx, v.User)
				if err != nil {
					log.Debug().Str("user", v.User).Err(err).
						Msg("could not resolve display name")
				} else {
					display = resolved
				}
			}
			names[v.User] = display
		}
		entries = append(entries, HistoryEntry{Version: v, DisplayName: display})
	}
	return entries, nil
}
