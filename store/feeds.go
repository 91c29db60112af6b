package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

func (s *Store) GetFeed(id uint64) (*Feed, error) {
	feed := &Feed{}
	if err := s.getJSON(idKey(pfxFeed, id), feed); err != nil {
		return nil, err
	}
	return feed, nil
}

func (s *Store) FeedByCapability(cap []byte) (*Feed, error) {
	id, err := s.getID(hashKey(pfxFeedCap, cap))
	if err != nil {
		return nil, err
	}
	return s.GetFeed(id)
}

func (s *Store) PutFeed(b *pebble.Batch, feed *Feed) error {
	if err := setJSON(b, idKey(pfxFeed, feed.ID), feed); err != nil {
		return err
	}
	if len(feed.Capability) > 0 {
		return b.Set(hashKey(pfxFeedCap, feed.Capability), idValue(feed.ID), nil)
	}
	return nil
}

// FindOrCreateFeedByCapability is the race-safe insert-or-find both
// decode paths hit when two devices address the same deterministic
// capability concurrently. Exactly one feed row survives.
func (s *Store) FindOrCreateFeedByCapability(ftype FeedType, cap []byte, members []uint64) (*Feed, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	feed, err := s.FeedByCapability(cap)
	if err == nil {
		return feed, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	feed = &Feed{
		ID:         s.nextID(pfxFeed),
		Type:       ftype,
		Capability: append([]byte(nil), cap...),
	}
	b := s.Batch()
	defer b.Close()
	if err := s.PutFeed(b, feed); err != nil {
		return nil, false, err
	}
	for _, m := range members {
		if err := b.Set(MKey(feed.ID, m), []byte{1}, nil); err != nil {
			return nil, false, errors.Wrap(err, "store: add member")
		}
	}
	return feed, true, s.Commit(b)
}

func (s *Store) AddMember(b *pebble.Batch, feed, identity uint64) error {
	return b.Set(MKey(feed, identity), []byte{1}, nil)
}

func (s *Store) IsMember(feed, identity uint64) (bool, error) {
	_, closer, err := s.db.Get(MKey(feed, identity))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "store: member get")
	}
	_ = closer.Close()
	return true, nil
}

// Members returns the feed's member identities, blocked ones excluded.
func (s *Store) Members(feed uint64) ([]*Identity, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: idKey(pfxMember, feed),
		UpperBound: idKey(pfxMember, feed+1),
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: members")
	}
	defer it.Close()

	var members []*Identity
	for it.First(); it.Valid(); it.Next() {
		identID := binary.BigEndian.Uint64(it.Key()[9:])
		ident, err := s.GetIdentity(identID)
		if err != nil {
			return nil, err
		}
		if ident.Blocked {
			continue
		}
		members = append(members, ident)
	}
	return members, nil
}

// DeleteFeed removes the feed row, its capability index and its whole
// membership. ONE_TIME_USE feeds go through here right after delivery.
func (s *Store) DeleteFeed(b *pebble.Batch, feed *Feed) error {
	if err := b.Delete(idKey(pfxFeed, feed.ID), nil); err != nil {
		return err
	}
	if len(feed.Capability) > 0 {
		if err := b.Delete(hashKey(pfxFeedCap, feed.Capability), nil); err != nil {
			return err
		}
	}
	return b.DeleteRange(idKey(pfxMember, feed.ID), idKey(pfxMember, feed.ID+1), nil)
}
