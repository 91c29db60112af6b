package wire

// Frame is the sealed outer message as it travels through the broker.
// Everything here is readable without key material; the envelope inside
// Body is not.
//
// Records: X sender hash, D device, M temporal frame, W key wrap
// (nested I recipient hash, E kem encapsulation, C wrapped key),
// N nonce, B body ciphertext, G signature.
type Frame struct {
	Sender   []byte
	Device   uint64
	KeyFrame uint64
	Wraps    []Wrap
	Nonce    []byte
	Body     []byte
	Sig      []byte
}

type Wrap struct {
	Recipient []byte
	Enc       []byte
	Key       []byte
}

func (w *Wrap) render() []byte {
	buf := Append(nil, 'I', w.Recipient)
	buf = Append(buf, 'E', w.Enc)
	return Append(buf, 'C', w.Key)
}

func parseWrap(data []byte) (w Wrap, err error) {
	if w.Recipient, data, err = Take('I', data); err != nil {
		return
	}
	if w.Enc, data, err = Take('E', data); err != nil {
		return
	}
	w.Key, _, err = Take('C', data)
	return
}

func (f *Frame) Render() []byte {
	buf := Append(nil, 'X', f.Sender)
	buf = AppendUint(buf, 'D', f.Device)
	buf = AppendUint(buf, 'M', f.KeyFrame)
	for _, w := range f.Wraps {
		buf = Append(buf, 'W', w.render())
	}
	buf = Append(buf, 'N', f.Nonce)
	buf = Append(buf, 'B', f.Body)
	return Append(buf, 'G', f.Sig)
}

func ParseFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		lit, body, rest, err := Probe(data)
		if err != nil {
			return nil, err
		}
		switch lit {
		case 'X':
			f.Sender = body
		case 'D':
			v, err := Uint(body)
			if err != nil {
				return nil, err
			}
			f.Device = v
		case 'M':
			v, err := Uint(body)
			if err != nil {
				return nil, err
			}
			f.KeyFrame = v
		case 'W':
			w, err := parseWrap(body)
			if err != nil {
				return nil, err
			}
			f.Wraps = append(f.Wraps, w)
		case 'N':
			f.Nonce = body
		case 'B':
			f.Body = body
		case 'G':
			f.Sig = body
		}
		data = rest
	}
	if len(f.Sender) == 0 || len(f.Body) == 0 || len(f.Sig) == 0 {
		return nil, ErrBadRecord
	}
	return f, nil
}

// RecipientHashes peels the wrap targets off a sealed frame without any
// key material. The transport derives group exchange names from these.
func RecipientHashes(data []byte) ([][]byte, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}
	hashes := make([][]byte, 0, len(f.Wraps))
	for _, w := range f.Wraps {
		hashes = append(hashes, w.Recipient)
	}
	return hashes, nil
}
