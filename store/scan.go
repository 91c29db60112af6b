package store

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// scanJSON iterates every row under a prefix on a consistent snapshot.
// Stages scan their whole backlog on each wakeup (level-triggered), so
// a lost notification can never strand work.
func scanJSON[T any](s *Store, pfx byte, fn func(*T) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	it, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: []byte{pfx},
		UpperBound: []byte{pfx + 1},
	})
	if err != nil {
		return errors.Wrap(err, "store: scan")
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		rec := new(T)
		if err := json.Unmarshal(it.Value(), rec); err != nil {
			return errors.Wrap(err, "store: scan decode")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
