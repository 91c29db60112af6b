package store

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

func (s *Store) GetObject(id uint64) (*Object, error) {
	obj := &Object{}
	if err := s.getJSON(idKey(pfxObject, id), obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *Store) ObjectByUniversalHash(hash []byte) (*Object, error) {
	id, err := s.getID(hashKey(pfxObjHash, hash))
	if err != nil {
		return nil, err
	}
	return s.GetObject(id)
}

// NewObjectID allocates an object id; the row only becomes visible once
// the caller's batch commits.
func (s *Store) NewObjectID() uint64 {
	return s.nextID(pfxObject)
}

func (s *Store) PutObject(b *pebble.Batch, obj *Object) error {
	if err := setJSON(b, idKey(pfxObject, obj.ID), obj); err != nil {
		return err
	}
	if len(obj.UniversalHash) > 0 {
		return b.Set(hashKey(pfxObjHash, obj.UniversalHash), idValue(obj.ID), nil)
	}
	return nil
}

// DeleteObject is logical: the row keeps its universal hash index so
// later duplicates still hit it.
func (s *Store) DeleteObject(b *pebble.Batch, obj *Object) error {
	obj.Deleted = true
	obj.Processed = true
	return setJSON(b, idKey(pfxObject, obj.ID), obj)
}

// ScanUnencoded lists outbound objects that have no wire encoding yet.
func (s *Store) ScanUnencoded() ([]*Object, error) {
	var out []*Object
	err := scanJSON(s, pfxObject, func(obj *Object) error {
		if obj.Outbound && obj.EncodedID == 0 && !obj.Deleted {
			out = append(out, obj)
		}
		return nil
	})
	return out, err
}

// ScanFinalizable lists objects with an encoded link that the finalizer
// has not consumed. Parked objects wait for their parent instead.
func (s *Store) ScanFinalizable() ([]*Object, error) {
	var out []*Object
	err := scanJSON(s, pfxObject, func(obj *Object) error {
		if obj.EncodedID != 0 && !obj.Processed && !obj.Deleted && !obj.Parked {
			out = append(out, obj)
		}
		return nil
	})
	return out, err
}

func (s *Store) NewEncodedID() uint64 {
	return s.nextID(pfxEncoded)
}

func (s *Store) GetEncoded(id uint64) (*EncodedMessage, error) {
	enc := &EncodedMessage{}
	if err := s.getJSON(idKey(pfxEncoded, id), enc); err != nil {
		return nil, err
	}
	return enc, nil
}

func (s *Store) PutEncoded(b *pebble.Batch, enc *EncodedMessage) error {
	return setJSON(b, idKey(pfxEncoded, enc.ID), enc)
}

// DeleteEncoded is physical: discarded wire messages are gone for good.
func (s *Store) DeleteEncoded(b *pebble.Batch, id uint64) error {
	return b.Delete(idKey(pfxEncoded, id), nil)
}

func (s *Store) MarkEncodedProcessed(b *pebble.Batch, id uint64) error {
	enc, err := s.GetEncoded(id)
	if err != nil {
		return err
	}
	enc.Processed = true
	enc.ProcessedAt = time.Now().UnixMilli()
	return s.PutEncoded(b, enc)
}

// ScanUnprocessedEncoded lists encoded messages of one direction that
// still need transport (outbound) or decoding (inbound).
func (s *Store) ScanUnprocessedEncoded(outbound bool) ([]*EncodedMessage, error) {
	var out []*EncodedMessage
	err := scanJSON(s, pfxEncoded, func(enc *EncodedMessage) error {
		if enc.Outbound == outbound && !enc.Processed {
			out = append(out, enc)
		}
		return nil
	})
	return out, err
}

// ParkObject shelves an object under its missing parent's universal
// hash; it replays when the parent is finalized.
func (s *Store) ParkObject(b *pebble.Batch, parent []byte, obj *Object) error {
	obj.Parked = true
	if err := s.PutObject(b, obj); err != nil {
		return err
	}
	return b.Set(PKey(parent, obj.ID), []byte{1}, nil)
}

// UnparkChildren releases every object parked under the given parent
// hash and returns their ids.
func (s *Store) UnparkChildren(b *pebble.Batch, parent []byte) ([]uint64, error) {
	lower := hashKey(pfxParked, parent)
	upper := append(append([]byte(nil), lower...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "store: unpark")
	}
	defer it.Close()

	var ids []uint64
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		id := binary.BigEndian.Uint64(key[len(key)-8:])
		obj, err := s.GetObject(id)
		if err != nil {
			return nil, err
		}
		obj.Parked = false
		if err := s.PutObject(b, obj); err != nil {
			return nil, err
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
