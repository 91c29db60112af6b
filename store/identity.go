package store

import (
	"github.com/cockroachdb/pebble"

	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

func (s *Store) GetIdentity(id uint64) (*Identity, error) {
	ident := &Identity{}
	if err := s.getJSON(idKey(pfxIdentity, id), ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *Store) IdentityByHash(hash []byte) (*Identity, error) {
	id, err := s.getID(hashKey(pfxIdentHash, hash))
	if err != nil {
		return nil, err
	}
	return s.GetIdentity(id)
}

func (s *Store) PutIdentity(b *pebble.Batch, ident *Identity) error {
	if err := setJSON(b, idKey(pfxIdentity, ident.ID), ident); err != nil {
		return err
	}
	return b.Set(hashKey(pfxIdentHash, ident.Hashed), idValue(ident.ID), nil)
}

// EnsureIdentity finds an identity row by principal hash, creating it
// on first contact.
func (s *Store) EnsureIdentity(hash []byte) (*Identity, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	ident, err := s.IdentityByHash(hash)
	if err == nil {
		return ident, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	ident = &Identity{
		ID:        s.nextID(pfxIdentity),
		Hashed:    append([]byte(nil), hash...),
		ShortHash: wire.ShortHash(hash),
	}
	b := s.Batch()
	defer b.Close()
	if err := s.PutIdentity(b, ident); err != nil {
		return nil, err
	}
	return ident, s.Commit(b)
}

// OwnedIdentities lists identities claimed on this device.
func (s *Store) OwnedIdentities() ([]*Identity, error) {
	var owned []*Identity
	err := scanJSON(s, pfxIdentity, func(ident *Identity) error {
		if ident.Owned {
			owned = append(owned, ident)
		}
		return nil
	})
	return owned, err
}

func (s *Store) GetUserKey(identity uint64, kind KeyKind, frame uint64) (*UserKey, error) {
	key := &UserKey{}
	if err := s.getJSON(KKey(identity, kind, frame), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) PutUserKey(b *pebble.Batch, key *UserKey) error {
	return setJSON(b, KKey(key.Identity, key.Kind, key.Frame), key)
}

// HasBothKeys reports whether encryption and signature keys are present
// for the frame; the claim sub-flow completes once they are.
func (s *Store) HasBothKeys(identity, frame uint64) bool {
	_, errE := s.GetUserKey(identity, KeyEncryption, frame)
	_, errS := s.GetUserKey(identity, KeySignature, frame)
	return errE == nil && errS == nil
}

func (s *Store) GetClaim(identity, frame uint64) (*PendingClaim, error) {
	claim := &PendingClaim{}
	if err := s.getJSON(CKey(identity, frame), claim); err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *Store) PutClaim(b *pebble.Batch, claim *PendingClaim) error {
	return setJSON(b, CKey(claim.Identity, claim.Frame), claim)
}

func (s *Store) DeleteClaim(b *pebble.Batch, identity, frame uint64) error {
	return b.Delete(CKey(identity, frame), nil)
}

func (s *Store) GetApp(id string) (*App, error) {
	app := &App{}
	if err := s.getJSON(hashKey(pfxApp, []byte(id)), app); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *Store) PutApp(b *pebble.Batch, app *App) error {
	return setJSON(b, hashKey(pfxApp, []byte(app.ID)), app)
}
