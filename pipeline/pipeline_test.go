package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/Mobisocial/Musubi-Android-sub001/ibe"
	"github.com/Mobisocial/Musubi-Android-sub001/keys"
	"github.com/Mobisocial/Musubi-Android-sub001/store"
	"github.com/Mobisocial/Musubi-Android-sub001/utils"
	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

const testApp = "musubi.chat"

var master = []byte("test-authority-master-secret")

type offlineAuthority struct{}

func (offlineAuthority) EncryptionKey(context.Context, []byte, uint64) ([]byte, error) {
	return nil, keys.ErrRetryable
}
func (offlineAuthority) SignatureKey(context.Context, []byte, uint64) ([]byte, error) {
	return nil, keys.ErrRetryable
}
func (offlineAuthority) InitiateClaim(context.Context, []byte, []byte, string) error {
	return keys.ErrRetryable
}

type testEnv struct {
	t     *testing.T
	store *store.Store
	hub   *utils.Hub
	codec *ibe.Codec
	coord *keys.Coordinator
	frame uint64
}

func newTestEnv(t *testing.T) *testEnv {
	log := utils.NewDefaultLogger(slog.LevelError)
	st, err := store.Open(t.TempDir(), log, &pebble.Options{})
	assert.Nil(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := utils.NewHub()
	env := &testEnv{
		t:     t,
		store: st,
		hub:   hub,
		codec: ibe.NewCodec(),
		coord: keys.NewCoordinator(log, st, offlineAuthority{}, hub),
		frame: ibe.FrameAt(time.Now()),
	}

	b := st.Batch()
	assert.Nil(t, st.PutApp(b, &store.App{ID: testApp, Name: "Musubi Chat"}))
	assert.Nil(t, st.Commit(b))
	_ = b.Close()
	return env
}

// newIdentity creates an identity with derived key material for the
// current frame. Owned rows get private keys, others public.
func (e *testEnv) newIdentity(principal string, owned bool) *store.Identity {
	hash := wire.IdentityHash(byte(store.AuthEmail), principal)
	ident, err := e.store.EnsureIdentity(hash)
	assert.Nil(e.t, err)
	ident.Principal = principal
	ident.Authority = store.AuthEmail
	ident.Owned = owned

	encPub, encPriv, err := ibe.DeriveEncryptionKeys(master, hash, e.frame)
	assert.Nil(e.t, err)
	sigPub, sigPriv := ibe.DeriveSignatureKeys(master, hash, e.frame)

	enc, sig := encPub, sigPub
	if owned {
		enc, sig = encPriv, sigPriv
	}
	b := e.store.Batch()
	assert.Nil(e.t, e.store.PutIdentity(b, ident))
	assert.Nil(e.t, e.store.PutUserKey(b, &store.UserKey{Identity: ident.ID, Kind: store.KeyEncryption, Frame: e.frame, Raw: enc}))
	assert.Nil(e.t, e.store.PutUserKey(b, &store.UserKey{Identity: ident.ID, Kind: store.KeySignature, Frame: e.frame, Raw: sig}))
	assert.Nil(e.t, e.store.Commit(b))
	_ = b.Close()
	return ident
}

func (e *testEnv) fixedFeed(members ...*store.Identity) *store.Feed {
	hashes := make([][]byte, len(members))
	ids := make([]uint64, len(members))
	for i, m := range members {
		hashes[i] = m.Hashed
		ids[i] = m.ID
	}
	feed, _, err := e.store.FindOrCreateFeedByCapability(store.FeedFixed, wire.CapabilityHash(hashes), ids)
	assert.Nil(e.t, err)
	return feed
}

func (e *testEnv) insertObject(obj *store.Object) *store.Object {
	if obj.ID == 0 {
		obj.ID = e.store.NewObjectID()
	}
	if obj.App == "" {
		obj.App = testApp
	}
	if obj.Timestamp == 0 {
		obj.Timestamp = time.Now().UnixMilli()
	}
	b := e.store.Batch()
	assert.Nil(e.t, e.store.PutObject(b, obj))
	assert.Nil(e.t, e.store.Commit(b))
	_ = b.Close()
	return obj
}

func (e *testEnv) insertEncoded(raw []byte) *store.EncodedMessage {
	enc := &store.EncodedMessage{ID: e.store.NewEncodedID(), Raw: raw}
	b := e.store.Batch()
	assert.Nil(e.t, e.store.PutEncoded(b, enc))
	assert.Nil(e.t, e.store.Commit(b))
	_ = b.Close()
	return enc
}

// seal builds an inbound wire message as the given sender's device
// would, using derived keys rather than stored rows. wrapTo overrides
// the wrap targets for blind envelopes.
func (e *testEnv) seal(sender *store.Identity, device uint64, env *wire.Envelope, wrapTo ...[]byte) []byte {
	if len(wrapTo) == 0 {
		wrapTo = env.Recipients
	}
	_, sigPriv := ibe.DeriveSignatureKeys(master, sender.Hashed, e.frame)
	recips := make([]ibe.Recipient, 0, len(wrapTo))
	for _, hash := range wrapTo {
		pub, _, err := ibe.DeriveEncryptionKeys(master, hash, e.frame)
		assert.Nil(e.t, err)
		recips = append(recips, ibe.Recipient{Hash: hash, PubKey: pub})
	}
	raw, err := e.codec.Seal(env, sender.Hashed, device, e.frame, sigPriv, recips)
	assert.Nil(e.t, err)
	return raw
}
