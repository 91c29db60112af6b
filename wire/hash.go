package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash"
)

const HashLen = sha256.Size

// CapabilityHash derives the deterministic address of a FIXED feed from
// its member identity hashes. Order-independent: both devices of a pair
// must land on the same feed row.
func CapabilityHash(members [][]byte) []byte {
	sorted := make([][]byte, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	h := sha256.New()
	for _, m := range sorted {
		h.Write(m)
	}
	return h.Sum(nil)
}

// UniversalHash fingerprints one logical message across every device
// that ever sees it. It is the dedup and idempotence key of the whole
// pipeline.
func UniversalHash(sender []byte, device uint64, msgHash []byte) []byte {
	h := sha256.New()
	h.Write(sender)
	var dev [8]byte
	binary.BigEndian.PutUint64(dev[:], device)
	h.Write(dev[:])
	h.Write(msgHash)
	return h.Sum(nil)
}

// ShortHash compresses a universal hash into the 64-bit form kept on
// object rows. shortHash(universalHash) == storedShortHash must hold
// for every processed object.
func ShortHash(universal []byte) uint64 {
	return xxhash.Sum64(universal)
}

// IdentityHash hashes a principal string for addressing. The authority
// byte is mixed in so an email and a phone number never collide.
func IdentityHash(authority byte, principal string) []byte {
	h := sha256.New()
	h.Write([]byte{authority})
	h.Write([]byte(principal))
	return h.Sum(nil)
}
