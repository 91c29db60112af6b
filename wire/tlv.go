// Package wire frames the plaintext message envelope and the sealed
// outer message as TLV records: one literal byte 'A'-'Z', a uvarint
// body length, then the body. Unknown literals are skipped on parse so
// the format can grow fields without breaking old readers.
package wire

import (
	"encoding/binary"
	"errors"
)

var (
	ErrBadRecord  = errors.New("bad TLV record format")
	ErrIncomplete = errors.New("incomplete data")
)

func Append(buf []byte, lit byte, body []byte) []byte {
	buf = append(buf, lit)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...)
}

func Record(lit byte, body []byte) []byte {
	return Append(nil, lit, body)
}

func AppendUint(buf []byte, lit byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return Append(buf, lit, tmp[:n])
}

// Probe reads one record off the front of data.
func Probe(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = data[0]
	if lit < 'A' || lit > 'Z' {
		return 0, nil, nil, ErrBadRecord
	}
	blen, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, nil, ErrBadRecord
	}
	hdr := 1 + n
	if uint64(len(data)-hdr) < blen {
		return 0, nil, nil, ErrIncomplete
	}
	body = data[hdr : hdr+int(blen)]
	rest = data[hdr+int(blen):]
	return lit, body, rest, nil
}

// Take expects the next record to carry the given literal.
func Take(lit byte, data []byte) (body, rest []byte, err error) {
	l, body, rest, err := Probe(data)
	if err != nil {
		return nil, nil, err
	}
	if l != lit {
		return nil, nil, ErrBadRecord
	}
	return body, rest, nil
}

// TakeOpt consumes the next record only if it carries the given literal.
func TakeOpt(lit byte, data []byte) (body, rest []byte, ok bool) {
	l, body, rest, err := Probe(data)
	if err != nil || l != lit {
		return nil, data, false
	}
	return body, rest, true
}

func Uint(body []byte) (uint64, error) {
	v, n := binary.Uvarint(body)
	if n <= 0 || n != len(body) {
		return 0, ErrBadRecord
	}
	return v, nil
}
