// Package store is the durable single source of truth for identities,
// keys, feeds, objects and encoded messages. Every multi-row mutation
// goes through one pebble batch so a crash mid-stage never leaves a
// half-applied state visible to another stage.
package store

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/Mobisocial/Musubi-Android-sub001/utils"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Key prefixes. All row keys are a single prefix letter followed by a
// big-endian id or a content hash.
//
//	I id        identity
//	J hash      identity id by hashed principal
//	K id.k.f    user key by (identity, kind, frame)
//	C id.f      pending claim
//	F id        feed
//	G cap       feed id by capability
//	M fid.iid   feed membership
//	O id        object
//	U hash      object id by universal hash
//	P hash.id   object parked under a parent hash
//	E id        encoded message
//	A appid     application record
const (
	pfxIdentity  = 'I'
	pfxIdentHash = 'J'
	pfxUserKey   = 'K'
	pfxClaim     = 'C'
	pfxFeed      = 'F'
	pfxFeedCap   = 'G'
	pfxMember    = 'M'
	pfxObject    = 'O'
	pfxObjHash   = 'U'
	pfxParked    = 'P'
	pfxEncoded   = 'E'
	pfxApp       = 'A'
)

func idKey(pfx byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{pfx}, id)
}

func hashKey(pfx byte, hash []byte) []byte {
	return append([]byte{pfx}, hash...)
}

func KKey(identity uint64, kind KeyKind, frame uint64) []byte {
	key := binary.BigEndian.AppendUint64([]byte{pfxUserKey}, identity)
	key = append(key, byte(kind))
	return binary.BigEndian.AppendUint64(key, frame)
}

func CKey(identity, frame uint64) []byte {
	key := binary.BigEndian.AppendUint64([]byte{pfxClaim}, identity)
	return binary.BigEndian.AppendUint64(key, frame)
}

func MKey(feed, identity uint64) []byte {
	key := binary.BigEndian.AppendUint64([]byte{pfxMember}, feed)
	return binary.BigEndian.AppendUint64(key, identity)
}

func PKey(parent []byte, object uint64) []byte {
	key := append([]byte{pfxParked}, parent...)
	return binary.BigEndian.AppendUint64(key, object)
}

type Store struct {
	db  *pebble.DB
	dir string
	log utils.Logger
	wo  *pebble.WriteOptions

	// serializes read-modify-write sequences (insert-or-find etc)
	lock sync.Mutex

	seq map[byte]*atomic.Uint64
}

func Open(dir string, log utils.Logger, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}

	s := &Store{
		db:  db,
		dir: dir,
		log: log,
		wo:  &pebble.WriteOptions{Sync: true},
		seq: make(map[byte]*atomic.Uint64),
	}
	for _, pfx := range []byte{pfxIdentity, pfxFeed, pfxObject, pfxEncoded} {
		last, err := s.lastID(pfx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		ctr := &atomic.Uint64{}
		ctr.Store(last)
		s.seq[pfx] = ctr
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *pebble.DB {
	return s.db
}

func (s *Store) lastID(pfx byte) (uint64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{pfx},
		UpperBound: []byte{pfx + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: seq scan")
	}
	defer it.Close()
	if !it.Last() || len(it.Key()) != 9 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Key()[1:]), nil
}

func (s *Store) nextID(pfx byte) uint64 {
	return s.seq[pfx].Add(1)
}

// Batch opens an indexed write batch; all multi-row mutations commit
// through exactly one of these.
func (s *Store) Batch() *pebble.Batch {
	return s.db.NewIndexedBatch()
}

func (s *Store) Commit(b *pebble.Batch) error {
	return errors.Wrap(b.Commit(s.wo), "store: commit")
}

func (s *Store) getJSON(key []byte, out any) error {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "store: get")
	}
	defer closer.Close()
	return errors.Wrap(json.Unmarshal(val, out), "store: decode")
}

func setJSON(b *pebble.Batch, key []byte, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "store: encode")
	}
	return b.Set(key, raw, nil)
}

func (s *Store) getID(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: get")
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.New("store: bad index value")
	}
	return binary.BigEndian.Uint64(val), nil
}

func idValue(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}
