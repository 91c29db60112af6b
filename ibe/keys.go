package ibe

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/cloudflare/circl/hpke"
)

// DeriveEncryptionKeys deterministically derives an X25519 key pair
// from a master secret, an identity hash and a temporal frame. This is
// the authority-side derivation: identical inputs yield identical keys
// on every call, which is what makes the scheme identity-based.
func DeriveEncryptionKeys(master, identity []byte, frame uint64) (pub, priv []byte, err error) {
	seed := deriveSeed(master, identity, frame, 'e')
	pk, sk := hpke.KEM_X25519_HKDF_SHA256.Scheme().DeriveKeyPair(seed)
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// DeriveSignatureKeys derives an ed25519 key pair the same way.
func DeriveSignatureKeys(master, identity []byte, frame uint64) (pub, priv []byte) {
	seed := deriveSeed(master, identity, frame, 's')
	sk := ed25519.NewKeyFromSeed(seed)
	return []byte(sk.Public().(ed25519.PublicKey)), []byte(sk)
}

// EncryptionPublic recovers the public half from an owned private key.
// Key rows for owned identities hold private material; everyone else's
// rows hold the public key directly.
func EncryptionPublic(priv []byte) ([]byte, error) {
	sk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, ErrBadKey
	}
	return sk.Public().MarshalBinary()
}

// SignaturePublic normalizes stored signature key material to the
// public key: owned rows hold the 64-byte private key, others the
// 32-byte public key.
func SignaturePublic(raw []byte) ([]byte, error) {
	switch len(raw) {
	case ed25519.PublicKeySize:
		return raw, nil
	case ed25519.PrivateKeySize:
		return []byte(ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)), nil
	}
	return nil, ErrBadKey
}

func deriveSeed(master, identity []byte, frame uint64, kind byte) []byte {
	h := sha256.New()
	h.Write(master)
	h.Write([]byte{0, kind, 0})
	h.Write(identity)
	h.Write([]byte{
		byte(frame), byte(frame >> 8), byte(frame >> 16), byte(frame >> 24),
		byte(frame >> 32), byte(frame >> 40), byte(frame >> 48), byte(frame >> 56),
	})
	return h.Sum(nil)
}
