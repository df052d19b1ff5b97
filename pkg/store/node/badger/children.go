package badger

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/arborfs/arbor/pkg/store/node"
)

// Listings scan the child-list namespace, which badger keeps ordered by key.
// A cursor is the base64 of the last visited child-list key, so resuming is a
// seek past that key. Cursors stay valid across mutations: a renamed entry
// simply appears (or not) at its new position.

func encodeCursor(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

func decodeCursor(cursor string) ([]byte, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", node.ErrInvalidCursor, err)
	}
	return raw, nil
}

// Child resolves a sibling name probe.
func (s *Store) Child(ctx context.Context, parent uuid.UUID, name string, mode node.DeletedMode, owner string) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fold := node.Fold(name)
	var found *node.Node
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(string(childPrefix(parent)) + fold + "\x00")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var id uuid.UUID
			err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = uuid.Parse(string(val))
				return err
			})
			if err != nil {
				return err
			}
			n, err := getNode(txn, id)
			if err != nil {
				return err
			}
			if !mode.Accepts(n) {
				continue
			}
			if owner != "" && n.Owner != owner {
				continue
			}
			found = n
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%q under %s: %w", name, parent, node.ErrNotFound)
	}
	return found, nil
}

// Children returns one page of children of a parent.
func (s *Store) Children(ctx context.Context, q node.ChildQuery) (*node.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	after, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.pageSize
	}

	out := &node.Page{}
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = childPrefix(q.Parent)
		it := txn.NewIterator(opts)
		defer it.Close()

		var lastKey []byte
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if after != nil && bytes.Compare(key, after) <= 0 {
				continue
			}

			var id uuid.UUID
			err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = uuid.Parse(string(val))
				return err
			})
			if err != nil {
				return err
			}
			n, err := getNode(txn, id)
			if err != nil {
				return err
			}
			if !q.Mode.Accepts(n) {
				continue
			}
			if q.Owner != "" && n.Owner != q.Owner {
				continue
			}

			if len(out.Nodes) == limit {
				out.NextCursor = encodeCursor(lastKey)
				out.HasMore = true
				return nil
			}
			out.Nodes = append(out.Nodes, n)
			lastKey = key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Query scans all node documents for filter matches owned by owner. This is
// a full scan; virtual collections are expected to be rare and small-ish.
func (s *Store) Query(ctx context.Context, owner string, f *node.Filter, cursor string, limit int) (*node.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.pageSize
	}

	out := &node.Page{}
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixNode)
		it := txn.NewIterator(opts)
		defer it.Close()

		var lastKey []byte
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if after != nil && bytes.Compare(key, after) <= 0 {
				continue
			}

			var n *node.Node
			err := it.Item().Value(func(val []byte) error {
				var err error
				n, err = decodeNode(val)
				return err
			})
			if err != nil {
				return err
			}
			if !n.Alive() || n.Owner != owner || !f.Matches(n) {
				continue
			}

			if len(out.Nodes) == limit {
				out.NextCursor = encodeCursor(lastKey)
				out.HasMore = true
				return nil
			}
			out.Nodes = append(out.Nodes, n)
			lastKey = key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSubtreeShare rewrites share membership on every descendant of root.
// Each descendant is updated in its own transaction: the engine tolerates
// per-document atomicity here (spec of the backing database), and huge
// subtrees would blow a single badger transaction anyway.
func (s *Store) UpdateSubtreeShare(ctx context.Context, root uuid.UUID, share uuid.UUID, newOwner string) ([]*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated []*node.Node
	queue := []uuid.UUID{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		cursor := ""
		for {
			page, err := s.Children(ctx, node.ChildQuery{
				Parent: parent,
				Mode:   node.IncludeDeleted,
				Cursor: cursor,
			})
			if err != nil {
				return nil, err
			}
			for _, child := range page.Nodes {
				if share != uuid.Nil {
					child.Shared = node.ShareState{MemberOf: share}
				} else {
					child.Shared = node.ShareState{}
					if newOwner != "" {
						child.Owner = newOwner
					}
				}
				if err := s.Update(ctx, child); err != nil {
					return nil, fmt.Errorf("update share membership of %s: %w", child.ID, err)
				}
				updated = append(updated, child)
				if child.Kind == node.KindCollection {
					queue = append(queue, child.ID)
				}
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
	}
	return updated, nil
}

// ExpiredDestroy scans for nodes with an elapsed self-destruct stamp.
func (s *Store) ExpiredDestroy(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var expired []uuid.UUID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixNode)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var n *node.Node
			err := it.Item().Value(func(val []byte) error {
				var err error
				n, err = decodeNode(val)
				return err
			})
			if err != nil {
				return err
			}
			if n.DestroyElapsed(now) {
				expired = append(expired, n.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
