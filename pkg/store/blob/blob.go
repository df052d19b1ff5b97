// Package blob implements the content-addressable blob store with reference
// counting.
//
// A blob is keyed by its content hash. Deduplication falls out of the key
// choice: storing bytes that already exist attaches another reference to the
// existing blob instead of writing the payload again. Each blob tracks two
// independent reference lists:
//
//   - owner references {node, owner}: one per node whose history uses the blob
//   - share-exposure references {node, share}: one per (node, share) pair that
//     makes the blob reachable through a share
//
// The payload is physically removed only when both lists are empty.
//
// The store separates the blob records (Index) from the raw bytes (Payloads)
// so the same reference-counting logic runs over any byte backend (memory,
// S3). Record mutations are serialized by a store-level mutex; the engine is
// a single-process embedded store, so this gives the required atomicity
// without distributed coordination.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBlobNotFound indicates no blob with the given id exists.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrPayloadMissing indicates the record exists but its bytes are gone.
	// This points at a corrupted or partially collected store.
	ErrPayloadMissing = errors.New("blob payload missing")
)

// ID identifies a blob. It is the hex sha256 of the content.
type ID string

// HashReader consumes r to the end and returns the hex sha256 of its bytes
// together with the byte count.
func HashReader(r io.Reader) (string, uint64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), uint64(n), nil
}

// Ref is one owner reference: a node whose content (current or historical)
// is this blob.
type Ref struct {
	// Node is the referencing node id.
	Node uuid.UUID `json:"node"`

	// Owner is the user owning the referencing node.
	Owner string `json:"owner"`
}

// ShareRef is one share-exposure reference: a node inside a share whose
// content is this blob.
type ShareRef struct {
	// Node is the referencing node id.
	Node uuid.UUID `json:"node"`

	// Share is the share root id exposing the blob.
	Share uuid.UUID `json:"share"`
}

// Blob is one stored blob record.
type Blob struct {
	// ID is the blob id (hex content hash).
	ID ID `json:"id"`

	// Size is the payload size in bytes.
	Size uint64 `json:"size"`

	// Refs is the owner reference list, deduplicated by node id.
	Refs []Ref `json:"refs"`

	// ShareRefs is the share-exposure list, deduplicated by (node, share).
	ShareRefs []ShareRef `json:"share_refs,omitempty"`

	// Created is the instant the payload was first stored.
	Created time.Time `json:"created"`
}

// unreferenced reports whether both reference lists are empty.
func (b *Blob) unreferenced() bool {
	return len(b.Refs) == 0 && len(b.ShareRefs) == 0
}

// Index persists blob records. Implementations need not be atomic across
// records; the Store serializes record mutations itself.
type Index interface {
	// Get returns the record for id, or ErrBlobNotFound.
	Get(ctx context.Context, id ID) (*Blob, error)

	// Put creates or replaces the record.
	Put(ctx context.Context, b *Blob) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id ID) error

	// List returns the ids of all records.
	List(ctx context.Context) ([]ID, error)

	// Healthcheck verifies the index can serve requests.
	Healthcheck(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Payloads stores raw blob bytes keyed by blob id.
type Payloads interface {
	// Put writes the payload for id, replacing any previous bytes.
	Put(ctx context.Context, id ID, r io.Reader) (int64, error)

	// Open returns a reader over the payload, or ErrPayloadMissing.
	Open(ctx context.Context, id ID) (io.ReadCloser, error)

	// Delete removes the payload. Deleting absent bytes is not an error.
	Delete(ctx context.Context, id ID) error

	// Healthcheck verifies the backend is reachable.
	Healthcheck(ctx context.Context) error
}

// Store is the reference-counting blob store.
type Store struct {
	mu       sync.Mutex
	index    Index
	payloads Payloads
}

// NewStore combines an index and a payload backend into a blob store.
func NewStore(index Index, payloads Payloads) *Store {
	return &Store{index: index, payloads: payloads}
}

// Store writes content under its hash and attaches an owner reference.
//
// When a blob with this hash already exists the bytes in r are NOT consumed:
// the existing blob gains ref (deduplicated by node id) and deduped=true is
// returned. Callers must not assume r has been read.
func (s *Store) Store(ctx context.Context, hash string, r io.Reader, ref Ref) (ID, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	id := ID(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.index.Get(ctx, id)
	switch {
	case err == nil:
		if !hasRef(existing.Refs, ref.Node) {
			existing.Refs = append(existing.Refs, ref)
			if err := s.index.Put(ctx, existing); err != nil {
				return "", false, fmt.Errorf("attach reference to blob %s: %w", id, err)
			}
		}
		return id, true, nil
	case errors.Is(err, ErrBlobNotFound):
		// fall through to first write
	default:
		return "", false, err
	}

	written, err := s.payloads.Put(ctx, id, r)
	if err != nil {
		return "", false, fmt.Errorf("store payload %s: %w", id, err)
	}

	rec := &Blob{
		ID:      id,
		Size:    uint64(written),
		Refs:    []Ref{ref},
		Created: time.Now().UTC(),
	}
	if err := s.index.Put(ctx, rec); err != nil {
		// Roll the payload back so no unrecorded bytes linger.
		if derr := s.payloads.Delete(ctx, id); derr != nil {
			log.Warn().Str("blob", string(id)).Err(derr).
				Msg("failed to roll back payload after index error")
		}
		return "", false, fmt.Errorf("record blob %s: %w", id, err)
	}
	return id, false, nil
}

// Open returns a reader over the blob payload.
func (s *Store) Open(ctx context.Context, id ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.index.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.payloads.Open(ctx, id)
}

// Stat returns the blob record.
func (s *Store) Stat(ctx context.Context, id ID) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.index.Get(ctx, id)
}

// AddRef attaches an owner reference, deduplicated by node id.
func (s *Store) AddRef(ctx context.Context, id ID, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return err
	}
	if hasRef(rec.Refs, ref.Node) {
		return nil
	}
	rec.Refs = append(rec.Refs, ref)
	return s.index.Put(ctx, rec)
}

// Release removes the node's owner reference and purges the blob when both
// reference lists are empty. Releasing an absent reference is not an error.
func (s *Store) Release(ctx context.Context, id ID, nodeID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.index.Get(ctx, id)
	if errors.Is(err, ErrBlobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	kept := rec.Refs[:0]
	for _, r := range rec.Refs {
		if r.Node != nodeID {
			kept = append(kept, r)
		}
	}
	rec.Refs = kept
	return s.persistOrPurge(ctx, rec)
}

// AddShareRef attaches a share-exposure reference, deduplicated by
// (node, share).
func (s *Store) AddShareRef(ctx context.Context, id ID, nodeID, shareID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range rec.ShareRefs {
		if r.Node == nodeID && r.Share == shareID {
			return nil
		}
	}
	rec.ShareRefs = append(rec.ShareRefs, ShareRef{Node: nodeID, Share: shareID})
	return s.index.Put(ctx, rec)
}

// RemoveShareRef removes a share-exposure reference and purges the blob when
// both reference lists are empty.
func (s *Store) RemoveShareRef(ctx context.Context, id ID, nodeID, shareID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.index.Get(ctx, id)
	if errors.Is(err, ErrBlobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	kept := rec.ShareRefs[:0]
	for _, r := range rec.ShareRefs {
		if r.Node != nodeID || r.Share != shareID {
			kept = append(kept, r)
		}
	}
	rec.ShareRefs = kept
	return s.persistOrPurge(ctx, rec)
}

// persistOrPurge writes the record back, or deletes record and payload when
// nothing references the blob any more. Callers hold s.mu.
func (s *Store) persistOrPurge(ctx context.Context, rec *Blob) error {
	if !rec.unreferenced() {
		return s.index.Put(ctx, rec)
	}
	if err := s.index.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete blob record %s: %w", rec.ID, err)
	}
	if err := s.payloads.Delete(ctx, rec.ID); err != nil {
		// The record is gone; the orphaned payload will be swept by GC.
		log.Warn().Str("blob", string(rec.ID)).Err(err).
			Msg("failed to delete blob payload, leaving for garbage collection")
	}
	log.Debug().Str("blob", string(rec.ID)).Msg("blob purged")
	return nil
}

// Orphans returns ids of blobs whose reference lists are both empty. Such
// records can only be left behind by a crash between release and purge.
func (s *Store) Orphans(ctx context.Context) ([]ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, err := s.index.List(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []ID
	for _, id := range ids {
		rec, err := s.index.Get(ctx, id)
		if errors.Is(err, ErrBlobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.unreferenced() {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// Purge force-deletes a blob record and payload regardless of references.
// Used by garbage collection on orphans only.
func (s *Store) Purge(ctx context.Context, id ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Delete(ctx, id); err != nil {
		return err
	}
	return s.payloads.Delete(ctx, id)
}

// Healthcheck verifies index and payload backend.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := s.index.Healthcheck(ctx); err != nil {
		return fmt.Errorf("blob index: %w", err)
	}
	if err := s.payloads.Healthcheck(ctx); err != nil {
		return fmt.Errorf("blob payloads: %w", err)
	}
	return nil
}

// Close releases index resources.
func (s *Store) Close() error {
	return s.index.Close()
}

func hasRef(refs []Ref, nodeID uuid.UUID) bool {
	for _, r := range refs {
		if r.Node == nodeID {
			return true
		}
	}
	return false
}
