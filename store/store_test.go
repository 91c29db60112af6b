package store

import (
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

func newTestStore(t *testing.T) *Store {
	s, err := Open(t.TempDir(), utils.NewDefaultLogger(slog.LevelError), &pebble.Options{})
	assert.Nil(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIdentityRoundtrip(t *testing.T) {
	s := newTestStore(t)

	hash := wire.IdentityHash(byte(AuthEmail), "alice@example.com")
	ident := &Identity{
		ID:        s.nextID(pfxIdentity),
		Principal: "alice@example.com",
		Authority: AuthEmail,
		Hashed:    hash,
		ShortHash: wire.ShortHash(hash),
		Owned:     true,
	}
	b := s.Batch()
	assert.Nil(t, s.PutIdentity(b, ident))
	assert.Nil(t, s.Commit(b))
	_ = b.Close()

	got, err := s.GetIdentity(ident.ID)
	assert.Nil(t, err)
	assert.Equal(t, ident, got)

	byHash, err := s.IdentityByHash(hash)
	assert.Nil(t, err)
	assert.Equal(t, ident.ID, byHash.ID)

	owned, err := s.OwnedIdentities()
	assert.Nil(t, err)
	assert.Equal(t, 1, len(owned))

	_, err = s.GetIdentity(999)
	assert.Equal(t, ErrNotFound, err)
}

func TestEnsureIdentityIdempotent(t *testing.T) {
	s := newTestStore(t)

	hash := wire.IdentityHash(byte(AuthEmail), "bob@example.com")
	first, err := s.EnsureIdentity(hash)
	assert.Nil(t, err)
	second, err := s.EnsureIdentity(hash)
	assert.Nil(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, wire.ShortHash(hash), first.ShortHash)
}

func TestUserKeysAndClaims(t *testing.T) {
	s := newTestStore(t)

	b := s.Batch()
	assert.Nil(t, s.PutUserKey(b, &UserKey{Identity: 1, Kind: KeyEncryption, Frame: 689, Raw: []byte("enc")}))
	assert.Nil(t, s.Commit(b))
	_ = b.Close()

	key, err := s.GetUserKey(1, KeyEncryption, 689)
	assert.Nil(t, err)
	assert.Equal(t, []byte("enc"), key.Raw)

	_, err = s.GetUserKey(1, KeySignature, 689)
	assert.Equal(t, ErrNotFound, err)
	assert.False(t, s.HasBothKeys(1, 689))

	b = s.Batch()
	assert.Nil(t, s.PutUserKey(b, &UserKey{Identity: 1, Kind: KeySignature, Frame: 689, Raw: []byte("sig")}))
	assert.Nil(t, s.PutClaim(b, &PendingClaim{Identity: 1, Frame: 689, RequestID: "r1"}))
	assert.Nil(t, s.Commit(b))
	_ = b.Close()
	assert.True(t, s.HasBothKeys(1, 689))

	claim, err := s.GetClaim(1, 689)
	assert.Nil(t, err)
	assert.Equal(t, "r1", claim.RequestID)

	b = s.Batch()
	assert.Nil(t, s.DeleteClaim(b, 1, 689))
	assert.Nil(t, s.Commit(b))
	_ = b.Close()
	_, err = s.GetClaim(1, 689)
	assert.Equal(t, ErrNotFound, err)
}

func TestSequencesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	log := utils.NewDefaultLogger(slog.LevelError)

	s, err := Open(dir, log, &pebble.Options{})
	assert.Nil(t, err)
	id1 := s.NewObjectID()
	b := s.Batch()
	assert.Nil(t, s.PutObject(b, &Object{ID: id1, Feed: 1, Sender: 1, App: "a", Type: "text"}))
	assert.Nil(t, s.Commit(b))
	_ = b.Close()
	assert.Nil(t, s.Close())

	s, err = Open(dir, log, &pebble.Options{})
	assert.Nil(t, err)
	defer s.Close()
	assert.Equal(t, id1+1, s.NewObjectID())
}
