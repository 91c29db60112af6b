package transport

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
)

// Broker names are derived from content hashes, base64-url-encoded
// under a fixed namespace token, so any two devices compute identical
// topology without coordination.
const namespace = "musubi."

func encode(hash []byte) string {
	return base64.RawURLEncoding.EncodeToString(hash)
}

// DeviceQueue names this device's inbound queue. The salt keeps the raw
// device identifier out of broker metadata.
func DeviceQueue(salt []byte, device uint64) string {
	h := sha256.New()
	h.Write(salt)
	h.Write(binary.BigEndian.AppendUint64(nil, device))
	return namespace + "dev." + encode(h.Sum(nil))
}

// IdentityExchange is the fanout exchange every message for an identity
// flows through.
func IdentityExchange(identityHash []byte) string {
	return namespace + "ident." + encode(identityHash)
}

// GroupExchange is the per-recipient-set exchange outbound messages are
// published to; setHash is the deterministic recipient-set hash.
func GroupExchange(setHash []byte) string {
	return namespace + "grp." + encode(setHash)
}

// HoldingQueue accumulates messages sent to an identity before it was
// claimed on any device.
func HoldingQueue(identityHash []byte) string {
	return namespace + "hold." + encode(identityHash)
}
