// Package ibe seals and opens message envelopes under the
// identity-based key material handed out by the identity authority.
// Public keys are derivable from an identity plus a temporal frame, so
// no certificate exchange ever happens; this package only consumes the
// resulting raw key bytes.
package ibe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/hkdf"

	"github.com/Mobisocial/Musubi-Android-sub001/wire"
)

var (
	ErrNoWrap       = errors.New("ibe: no key wrap addressed to us")
	ErrBadSignature = errors.New("ibe: signature check failed")
	ErrDecrypt      = errors.New("ibe: decrypt failed")
	ErrBadKey       = errors.New("ibe: malformed key material")
)

// FrameLength scopes which key material is valid at a point in time.
const FrameLength = 30 * 24 * time.Hour

func FrameAt(t time.Time) uint64 {
	return uint64(t.Unix() / int64(FrameLength/time.Second))
}

var sealInfo = []byte("musubi-wrap-v1")

type Recipient struct {
	ID     uint64
	Hash   []byte
	PubKey []byte
}

type Codec struct {
	kem  hpke.KEM
	kdf  hpke.KDF
	aead hpke.AEAD
}

func NewCodec() *Codec {
	return &Codec{
		kem:  hpke.KEM_X25519_HKDF_SHA256,
		kdf:  hpke.KDF_HKDF_SHA256,
		aead: hpke.AEAD_AES128GCM,
	}
}

func (c *Codec) suite() hpke.Suite {
	return hpke.NewSuite(c.kem, c.kdf, c.aead)
}

func bodyKey(payloadKey []byte, frame uint64) ([]byte, error) {
	info := append([]byte("musubi-body-v1."), byte(frame), byte(frame>>8), byte(frame>>16), byte(frame>>24))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, payloadKey, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal renders, encrypts and signs an envelope: a fresh payload key
// encrypts the body once, then gets HPKE-wrapped per recipient.
func (c *Codec) Seal(env *wire.Envelope, sender []byte, device, frame uint64, sigPriv []byte, recips []Recipient) ([]byte, error) {
	if len(sigPriv) != ed25519.PrivateKeySize {
		return nil, ErrBadKey
	}
	body := env.Render()

	payloadKey := make([]byte, 32)
	if _, err := rand.Read(payloadKey); err != nil {
		return nil, err
	}
	aesKey, err := bodyKey(payloadKey, frame)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, body, nil)

	suite := c.suite()
	wraps := make([]wire.Wrap, 0, len(recips))
	for _, r := range recips {
		pub, err := c.kem.Scheme().UnmarshalBinaryPublicKey(r.PubKey)
		if err != nil {
			return nil, ErrBadKey
		}
		snd, err := suite.NewSender(pub, sealInfo)
		if err != nil {
			return nil, err
		}
		enc, sealer, err := snd.Setup(rand.Reader)
		if err != nil {
			return nil, err
		}
		wrapped, err := sealer.Seal(payloadKey, r.Hash)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, wire.Wrap{Recipient: r.Hash, Enc: enc, Key: wrapped})
	}

	digest := sha256.Sum256(body)
	sig := ed25519.Sign(ed25519.PrivateKey(sigPriv), digest[:])

	f := &wire.Frame{
		Sender:   sender,
		Device:   device,
		KeyFrame: frame,
		Wraps:    wraps,
		Nonce:    nonce,
		Body:     ct,
		Sig:      sig,
	}
	return f.Render(), nil
}

// FindWrap locates the wrap addressed to one of the given identity
// hashes. Returns ErrNoWrap if the message was not for us.
func FindWrap(f *wire.Frame, owned [][]byte) (int, error) {
	for i, w := range f.Wraps {
		for _, h := range owned {
			if string(w.Recipient) == string(h) {
				return i, nil
			}
		}
	}
	return 0, ErrNoWrap
}

// Open unwraps the payload key, decrypts the body and authenticates the
// sender's signature.
func (c *Codec) Open(f *wire.Frame, wrap int, encPriv, sigPub []byte) (*wire.Envelope, error) {
	if wrap < 0 || wrap >= len(f.Wraps) {
		return nil, ErrNoWrap
	}
	if len(sigPub) != ed25519.PublicKeySize {
		return nil, ErrBadKey
	}

	priv, err := c.kem.Scheme().UnmarshalBinaryPrivateKey(encPriv)
	if err != nil {
		return nil, ErrBadKey
	}
	suite := c.suite()
	rcv, err := suite.NewReceiver(priv, sealInfo)
	if err != nil {
		return nil, err
	}
	opener, err := rcv.Setup(f.Wraps[wrap].Enc)
	if err != nil {
		return nil, ErrDecrypt
	}
	payloadKey, err := opener.Open(f.Wraps[wrap].Key, f.Wraps[wrap].Recipient)
	if err != nil {
		return nil, ErrDecrypt
	}

	aesKey, err := bodyKey(payloadKey, f.KeyFrame)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	body, err := gcm.Open(nil, f.Nonce, f.Body, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	digest := sha256.Sum256(body)
	if !ed25519.Verify(ed25519.PublicKey(sigPub), digest[:], f.Sig) {
		return nil, ErrBadSignature
	}

	return wire.ParseEnvelope(body)
}
