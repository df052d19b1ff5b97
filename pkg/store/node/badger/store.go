// Package badger provides a persistent node.Store backed by BadgerDB.
//
// Every mutating method runs inside one badger transaction, so the node
// document, its name-index entry and its child-list entry commit or fail
// together. That single property is what closes the create/create and
// rename/rename races the engine's check-then-write call pattern would
// otherwise be exposed to.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/pkg/store/node"
)

// Options configures the badger-backed node store.
type Options struct {
	// Path is the database directory.
	Path string

	// InMemory runs badger without disk persistence (tests only).
	InMemory bool

	// PageSize is the default listing page size when queries pass 0.
	PageSize int
}

// Store is a persistent node store backed by BadgerDB. Safe for concurrent
// use; badger provides SSI transactions internally.
type Store struct {
	db       *badger.DB
	pageSize int
}

// Open opens (or creates) the database at opts.Path.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	log.Debug().Str("path", opts.Path).Bool("in_memory", opts.InMemory).
		Msg("node store opened")

	return &Store{db: db, pageSize: pageSize}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthcheck verifies the database accepts reads.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("node store: database is closed")
	}
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

// getNode reads and decodes one node inside a transaction.
func getNode(txn *badger.Txn, id uuid.UUID) (*node.Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %s: %w", id, node.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read node %s: %w", id, err)
	}
	var n *node.Node
	err = item.Value(func(val []byte) error {
		n, err = decodeNode(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Get returns the node with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var n *node.Node
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getNode(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Insert stores a new node and reserves its sibling name in one transaction.
func (s *Store) Insert(ctx context.Context, n *node.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fold := node.Fold(n.Name)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(n.ID)); err == nil {
			return fmt.Errorf("node %s already exists", n.ID)
		}

		if n.Alive() {
			if _, err := txn.Get(indexKey(n.Parent, n.Owner, fold)); err == nil {
				return fmt.Errorf("%q under %s: %w", n.Name, n.Parent, node.ErrNameTaken)
			}
			if err := txn.Set(indexKey(n.Parent, n.Owner, fold), []byte(n.ID.String())); err != nil {
				return fmt.Errorf("write name index: %w", err)
			}
		}

		raw, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(n.ID), raw); err != nil {
			return fmt.Errorf("write node %s: %w", n.ID, err)
		}
		if err := txn.Set(childKey(n.Parent, fold, n.ID), []byte(n.ID.String())); err != nil {
			return fmt.Errorf("write child entry: %w", err)
		}
		return nil
	})
}

// Update persists the record and reconciles index and child-list entries.
func (s *Store) Update(ctx context.Context, n *node.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	newFold := node.Fold(n.Name)
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getNode(txn, n.ID)
		if err != nil {
			return err
		}
		oldFold := node.Fold(old.Name)

		// The index key carries the owner at root level, so an owner change
		// moves namespaces even when parent and name are untouched. Compare
		// full keys, not just parent and fold.
		oldIdx := indexKey(old.Parent, old.Owner, oldFold)
		newIdx := indexKey(n.Parent, n.Owner, newFold)
		indexMoved := !bytes.Equal(oldIdx, newIdx)
		childMoved := old.Parent != n.Parent || oldFold != newFold

		if n.Alive() && (indexMoved || !old.Alive()) {
			if item, err := txn.Get(newIdx); err == nil {
				var holder string
				_ = item.Value(func(val []byte) error { holder = string(val); return nil })
				if holder != n.ID.String() {
					return fmt.Errorf("%q under %s: %w", n.Name, n.Parent, node.ErrNameTaken)
				}
			}
		}

		if old.Alive() {
			if err := txn.Delete(oldIdx); err != nil {
				return fmt.Errorf("drop name index: %w", err)
			}
		}
		if childMoved {
			if err := txn.Delete(childKey(old.Parent, oldFold, n.ID)); err != nil {
				return fmt.Errorf("drop child entry: %w", err)
			}
		}
		if n.Alive() {
			if err := txn.Set(newIdx, []byte(n.ID.String())); err != nil {
				return fmt.Errorf("write name index: %w", err)
			}
		}
		if err := txn.Set(childKey(n.Parent, newFold, n.ID), []byte(n.ID.String())); err != nil {
			return fmt.Errorf("write child entry: %w", err)
		}

		raw, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(n.ID), raw); err != nil {
			return fmt.Errorf("write node %s: %w", n.ID, err)
		}
		return nil
	})
}

// Remove permanently deletes the record and its index entries.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		n, err := getNode(txn, id)
		if err != nil {
			return err
		}
		fold := node.Fold(n.Name)

		if n.Alive() {
			if err := txn.Delete(indexKey(n.Parent, n.Owner, fold)); err != nil {
				return fmt.Errorf("drop name index: %w", err)
			}
		}
		if err := txn.Delete(childKey(n.Parent, fold, id)); err != nil {
			return fmt.Errorf("drop child entry: %w", err)
		}
		if err := txn.Delete(nodeKey(id)); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
		return nil
	})
}

var _ node.Store = (*Store)(nil)
