package store

import "encoding/json"

type Authority byte

const (
	AuthEmail Authority = iota + 1
	AuthPhone
	AuthSocial
	AuthLocal
)

type KeyKind byte

const (
	KeySignature KeyKind = iota + 1
	KeyEncryption
)

func (k KeyKind) String() string {
	switch k {
	case KeySignature:
		return "signature"
	case KeyEncryption:
		return "encryption"
	}
	return "unknown"
}

type FeedType byte

const (
	FeedFixed FeedType = iota + 1
	FeedExpanding
	FeedAsymmetric
	FeedOneTimeUse
)

// Identity rows are created on first contact and never destroyed, only
// flagged blocked.
type Identity struct {
	ID          uint64    `json:"id"`
	Principal   string    `json:"principal,omitempty"`
	Authority   Authority `json:"authority"`
	Hashed      []byte    `json:"hashed"`
	ShortHash   uint64    `json:"short_hash"`
	Owned       bool      `json:"owned,omitempty"`
	Whitelisted bool      `json:"whitelisted,omitempty"`
	Blocked     bool      `json:"blocked,omitempty"`
	Name        string    `json:"name,omitempty"`
	Thumbnail   []byte    `json:"thumbnail,omitempty"`
	SentVersion uint64    `json:"sent_version,omitempty"`
	RecvVersion uint64    `json:"recv_version,omitempty"`
}

// UserKey is immutable once inserted; looked up by (identity, kind, frame).
// Rows for owned identities hold private key material, everyone else's
// hold the public key.
type UserKey struct {
	Identity uint64  `json:"identity"`
	Kind     KeyKind `json:"kind"`
	Frame    uint64  `json:"frame"`
	Raw      []byte  `json:"raw"`
}

type PendingClaim struct {
	Identity  uint64 `json:"identity"`
	Frame     uint64 `json:"frame"`
	RequestID string `json:"request_id"`
	Notified  bool   `json:"notified,omitempty"`
}

type Feed struct {
	ID         uint64   `json:"id"`
	Type       FeedType `json:"type"`
	Capability []byte   `json:"capability,omitempty"`
	Accepted   bool     `json:"accepted,omitempty"`
	Latest     uint64   `json:"latest,omitempty"`
	Unread     int      `json:"unread,omitempty"`
}

type Object struct {
	ID            uint64          `json:"id"`
	Feed          uint64          `json:"feed"`
	Sender        uint64          `json:"sender"`
	Device        uint64          `json:"device"`
	App           string          `json:"app"`
	Timestamp     int64           `json:"timestamp"`
	Type          string          `json:"type"`
	JSON          json.RawMessage `json:"json,omitempty"`
	Raw           []byte          `json:"raw,omitempty"`
	UniversalHash []byte          `json:"universal_hash,omitempty"`
	ShortHash     uint64          `json:"short_hash,omitempty"`
	EncodedID     uint64          `json:"encoded_id,omitempty"`
	Parent        uint64          `json:"parent,omitempty"`
	Outbound      bool            `json:"outbound,omitempty"`
	Processed     bool            `json:"processed,omitempty"`
	Renderable    bool            `json:"renderable,omitempty"`
	Deleted       bool            `json:"deleted,omitempty"`
	Parked        bool            `json:"parked,omitempty"`
}

type EncodedMessage struct {
	ID          uint64 `json:"id"`
	Raw         []byte `json:"raw"`
	Outbound    bool   `json:"outbound,omitempty"`
	Processed   bool   `json:"processed,omitempty"`
	ProcessedAt int64  `json:"processed_at,omitempty"`
}

type App struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
