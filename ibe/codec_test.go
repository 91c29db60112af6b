package ibe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

var master = []byte("test-authority-master-secret")

type party struct {
	hash    []byte
	encPub  []byte
	encPriv []byte
	sigPub  []byte
	sigPriv []byte
}

func newParty(t *testing.T, principal string, frame uint64) *party {
	p := &party{hash: wire.IdentityHash(1, principal)}
	var err error
	p.encPub, p.encPriv, err = DeriveEncryptionKeys(master, p.hash, frame)
	assert.Nil(t, err)
	p.sigPub, p.sigPriv = DeriveSignatureKeys(master, p.hash, frame)
	return p
}

func testEnvelope(capability []byte, recips [][]byte) *wire.Envelope {
	return &wire.Envelope{
		App:        "musubi.chat",
		FeedType:   1,
		Capability: capability,
		Timestamp:  time.Now().UnixMilli(),
		Type:       "text",
		JSON:       []byte(`{"body":"hi"}`),
		Recipients: recips,
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	frame := FrameAt(time.Now())
	alice := newParty(t, "alice@example.com", frame)
	bob := newParty(t, "bob@example.com", frame)

	env := testEnvelope(wire.CapabilityHash([][]byte{alice.hash, bob.hash}),
		[][]byte{alice.hash, bob.hash})

	c := NewCodec()
	raw, err := c.Seal(env, alice.hash, 7, frame, alice.sigPriv, []Recipient{
		{ID: 1, Hash: alice.hash, PubKey: alice.encPub},
		{ID: 2, Hash: bob.hash, PubKey: bob.encPub},
	})
	assert.Nil(t, err)

	f, err := wire.ParseFrame(raw)
	assert.Nil(t, err)
	assert.Equal(t, alice.hash, f.Sender)
	assert.Equal(t, uint64(7), f.Device)
	assert.Equal(t, frame, f.KeyFrame)
	assert.Equal(t, 2, len(f.Wraps))

	idx, err := FindWrap(f, [][]byte{bob.hash})
	assert.Nil(t, err)
	opened, err := c.Open(f, idx, bob.encPriv, alice.sigPub)
	assert.Nil(t, err)
	assert.Equal(t, env.App, opened.App)
	assert.Equal(t, env.JSON, opened.JSON)
	assert.Equal(t, env.Recipients, opened.Recipients)
	assert.Equal(t, env.Hash(), opened.MessageHash)
}

func TestFindWrapNotAddressed(t *testing.T) {
	frame := FrameAt(time.Now())
	alice := newParty(t, "alice@example.com", frame)
	carol := newParty(t, "carol@example.com", frame)

	env := testEnvelope(nil, nil)
	c := NewCodec()
	raw, err := c.Seal(env, alice.hash, 1, frame, alice.sigPriv,
		[]Recipient{{ID: 1, Hash: alice.hash, PubKey: alice.encPub}})
	assert.Nil(t, err)

	f, err := wire.ParseFrame(raw)
	assert.Nil(t, err)
	_, err = FindWrap(f, [][]byte{carol.hash})
	assert.Equal(t, ErrNoWrap, err)
}

func TestOpenRejectsForgedSignature(t *testing.T) {
	frame := FrameAt(time.Now())
	alice := newParty(t, "alice@example.com", frame)
	bob := newParty(t, "bob@example.com", frame)
	mallory := newParty(t, "mallory@example.com", frame)

	env := testEnvelope(nil, nil)
	c := NewCodec()
	raw, err := c.Seal(env, alice.hash, 1, frame, mallory.sigPriv,
		[]Recipient{{ID: 2, Hash: bob.hash, PubKey: bob.encPub}})
	assert.Nil(t, err)

	f, err := wire.ParseFrame(raw)
	assert.Nil(t, err)
	// verifying against alice's key must fail: mallory signed
	_, err = c.Open(f, 0, bob.encPriv, alice.sigPub)
	assert.Equal(t, ErrBadSignature, err)
}

func TestOpenRejectsWrongDecryptionKey(t *testing.T) {
	frame := FrameAt(time.Now())
	alice := newParty(t, "alice@example.com", frame)
	bob := newParty(t, "bob@example.com", frame)
	carol := newParty(t, "carol@example.com", frame)

	env := testEnvelope(nil, nil)
	c := NewCodec()
	raw, err := c.Seal(env, alice.hash, 1, frame, alice.sigPriv,
		[]Recipient{{ID: 2, Hash: bob.hash, PubKey: bob.encPub}})
	assert.Nil(t, err)

	f, err := wire.ParseFrame(raw)
	assert.Nil(t, err)
	_, err = c.Open(f, 0, carol.encPriv, alice.sigPub)
	assert.Equal(t, ErrDecrypt, err)
}

func TestSealRejectsBadKeys(t *testing.T) {
	c := NewCodec()
	env := testEnvelope(nil, nil)
	_, err := c.Seal(env, []byte("x"), 1, 0, []byte("short"), nil)
	assert.Equal(t, ErrBadKey, err)
}

func TestFrameAt(t *testing.T) {
	now := time.Now()
	assert.Equal(t, FrameAt(now), FrameAt(now.Add(time.Minute)))
	assert.Equal(t, FrameAt(now)+1, FrameAt(now.Add(FrameLength)))
}
