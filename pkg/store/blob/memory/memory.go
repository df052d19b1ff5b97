// Package memory provides in-memory blob index and payload backends.
//
// Used for tests and ephemeral deployments. Everything is lost on restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/arborfs/arbor/pkg/store/blob"
)

// Index is an in-memory blob.Index.
type Index struct {
	mu   sync.RWMutex
	recs map[blob.ID]*blob.Blob
}

// NewIndex returns an empty in-memory index.
func NewIndex() *Index {
	return &Index{recs: make(map[blob.ID]*blob.Blob)}
}

// Get returns the record for id.
func (i *Index) Get(ctx context.Context, id blob.ID) (*blob.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	rec, ok := i.recs[id]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, blob.ErrBlobNotFound)
	}
	return cloneRecord(rec), nil
}

// Put creates or replaces the record.
func (i *Index) Put(ctx context.Context, b *blob.Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.recs[b.ID] = cloneRecord(b)
	return nil
}

// Delete removes the record.
func (i *Index) Delete(ctx context.Context, id blob.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.recs, id)
	return nil
}

// List returns all record ids.
func (i *Index) List(ctx context.Context) ([]blob.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	ids := make([]blob.ID, 0, len(i.recs))
	for id := range i.recs {
		ids = append(ids, id)
	}
	return ids, nil
}

// Healthcheck always succeeds.
func (i *Index) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (i *Index) Close() error {
	return nil
}

func cloneRecord(b *blob.Blob) *blob.Blob {
	c := *b
	c.Refs = append([]blob.Ref(nil), b.Refs...)
	c.ShareRefs = append([]blob.ShareRef(nil), b.ShareRefs...)
	return &c
}

// Payloads is an in-memory blob.Payloads.
type Payloads struct {
	mu    sync.RWMutex
	bytes map[blob.ID][]byte
}

// NewPayloads returns an empty in-memory payload backend.
func NewPayloads() *Payloads {
	return &Payloads{bytes: make(map[blob.ID][]byte)}
}

// Put stores the payload for id.
func (p *Payloads) Put(ctx context.Context, id blob.ID, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.bytes[id] = data
	return int64(len(data)), nil
}

// Open returns a reader over the payload.
func (p *Payloads) Open(ctx context.Context, id blob.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.bytes[id]
	if !ok {
		return nil, fmt.Errorf("payload %s: %w", id, blob.ErrPayloadMissing)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the payload.
func (p *Payloads) Delete(ctx context.Context, id blob.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.bytes, id)
	return nil
}

// Healthcheck always succeeds.
func (p *Payloads) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}
