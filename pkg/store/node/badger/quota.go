package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/arborfs/arbor/pkg/store/node"
)

// Quota counters are read, compared against the ceiling and rewritten inside
// one transaction. Badger's SSI aborts one of two racing updates, so the
// counter can never be pushed past the ceiling by concurrent writers.

// readCounter returns the counter at key, 0 when absent.
func readCounter(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		var err error
		v, err = decodeCounter(val)
		return err
	})
	return v, err
}

// AddUsage applies a usage delta with ceiling enforcement.
func (s *Store) AddUsage(ctx context.Context, owner string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, usageKey(owner))
		if err != nil {
			return fmt.Errorf("read usage of %s: %w", owner, err)
		}

		var next uint64
		if delta >= 0 {
			next = current + uint64(delta)
			limit, err := readCounter(txn, quotaKey(owner))
			if err != nil {
				return fmt.Errorf("read quota of %s: %w", owner, err)
			}
			if limit > 0 && next > limit {
				return fmt.Errorf("owner %s: %d+%d exceeds %d: %w",
					owner, current, delta, limit, node.ErrQuotaExceeded)
			}
		} else {
			dec := uint64(-delta)
			if dec > current {
				next = 0
			} else {
				next = current - dec
			}
		}
		return txn.Set(usageKey(owner), encodeCounter(next))
	})
}

// Usage returns the owner's usage counter.
func (s *Store) Usage(ctx context.Context, owner string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var v uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readCounter(txn, usageKey(owner))
		return err
	})
	return v, err
}

// SetQuota sets the owner's ceiling; 0 removes it.
func (s *Store) SetQuota(ctx context.Context, owner string, limit uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if limit == 0 {
			return txn.Delete(quotaKey(owner))
		}
		return txn.Set(quotaKey(owner), encodeCounter(limit))
	})
}

// Quota returns the owner's ceiling, 0 when unlimited.
func (s *Store) Quota(ctx context.Context, owner string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var v uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readCounter(txn, quotaKey(owner))
		return err
	})
	return v, err
}
