// Package badger implements a badger-backed blob.Index.
//
// Records are stored as JSON documents under the "b:" prefix, one key per
// blob id. The index holds only the small reference-counting records; the
// payload bytes live in a separate blob.Payloads backend.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/pkg/store/blob"
)

var keyPrefix = []byte("b:")

func recordKey(id blob.ID) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

// Options configures the badger blob index.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool
}

// Index is a badger-backed blob.Index.
type Index struct {
	db *badger.DB
}

// Open opens or creates the index database.
func Open(opts Options) (*Index, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open blob index at %s: %w", opts.Path, err)
	}
	log.Debug().Str("path", opts.Path).Bool("in_memory", opts.InMemory).
		Msg("blob index opened")
	return &Index{db: db}, nil
}

// NewIndex wraps an already open badger database.
func NewIndex(db *badger.DB) *Index {
	return &Index{db: db}
}

// Get returns the record for id.
func (i *Index) Get(ctx context.Context, id blob.ID) (*blob.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *blob.Blob
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("blob %s: %w", id, blob.ErrBlobNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &blob.Blob{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put creates or replaces the record.
func (i *Index) Put(ctx context.Context, b *blob.Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode blob %s: %w", b.ID, err)
	}
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(b.ID), data)
	})
}

// Delete removes the record.
func (i *Index) Delete(ctx context.Context, id blob.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
}

// List returns all record ids.
func (i *Index) List(ctx context.Context) ([]blob.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []blob.ID
	err := i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, blob.ID(key[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Healthcheck verifies the database is open.
func (i *Index) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i.db.IsClosed() {
		return errors.New("blob index database is closed")
	}
	return nil
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}
