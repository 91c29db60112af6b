package wire

import (
	"crypto/sha256"
)

// Envelope is the plaintext message payload, visible only after the
// sealed frame is opened. Field order in Render is fixed: the message
// hash covers everything up to and excluding the 'H' record.
//
// Records: A app, F feed type, C capability, T timestamp, Y type tag,
// J json, R raw, K int key, S string key, I recipient hash, H hash.
type Envelope struct {
	App         string
	FeedType    byte
	Capability  []byte
	Timestamp   int64
	Type        string
	JSON        []byte
	Raw         []byte
	IntKeys     []uint64
	StrKeys     []string
	Recipients  [][]byte
	MessageHash []byte
}

func (e *Envelope) renderCore() []byte {
	buf := Append(nil, 'A', []byte(e.App))
	buf = Append(buf, 'F', []byte{e.FeedType})
	if len(e.Capability) > 0 {
		buf = Append(buf, 'C', e.Capability)
	}
	buf = AppendUint(buf, 'T', uint64(e.Timestamp))
	buf = Append(buf, 'Y', []byte(e.Type))
	buf = Append(buf, 'J', e.JSON)
	if len(e.Raw) > 0 {
		buf = Append(buf, 'R', e.Raw)
	}
	for _, k := range e.IntKeys {
		buf = AppendUint(buf, 'K', k)
	}
	for _, s := range e.StrKeys {
		buf = Append(buf, 'S', []byte(s))
	}
	for _, r := range e.Recipients {
		buf = Append(buf, 'I', r)
	}
	return buf
}

// Hash computes the message hash over the core records.
func (e *Envelope) Hash() []byte {
	sum := sha256.Sum256(e.renderCore())
	return sum[:]
}

func (e *Envelope) Render() []byte {
	core := e.renderCore()
	if len(e.MessageHash) == 0 {
		e.MessageHash = e.Hash()
	}
	return Append(core, 'H', e.MessageHash)
}

func ParseEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		lit, body, rest, err := Probe(data)
		if err != nil {
			return nil, err
		}
		switch lit {
		case 'A':
			e.App = string(body)
		case 'F':
			if len(body) != 1 {
				return nil, ErrBadRecord
			}
			e.FeedType = body[0]
		case 'C':
			e.Capability = body
		case 'T':
			v, err := Uint(body)
			if err != nil {
				return nil, err
			}
			e.Timestamp = int64(v)
		case 'Y':
			e.Type = string(body)
		case 'J':
			e.JSON = body
		case 'R':
			e.Raw = body
		case 'K':
			v, err := Uint(body)
			if err != nil {
				return nil, err
			}
			e.IntKeys = append(e.IntKeys, v)
		case 'S':
			e.StrKeys = append(e.StrKeys, string(body))
		case 'I':
			e.Recipients = append(e.Recipients, body)
		case 'H':
			e.MessageHash = body
		}
		data = rest
	}
	if e.App == "" || e.FeedType == 0 || e.Type == "" {
		return nil, ErrBadRecord
	}
	return e, nil
}
