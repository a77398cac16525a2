// Package keybag decodes an iOS backup's BackupKeyBag TLV stream and
// derives the class keys it protects from a user passphrase.
package keybag

import (
	"encoding/binary"
	"fmt"
)

// Class is one protection-class entry in a KeyBag.
type Class struct {
	UUID [16]byte
	Clas uint32
	Wrap uint32
	Ktyp uint32
	Wpky []byte
}

// KeyBag is the decoded form of Manifest.plist's BackupKeyBag field.
type KeyBag struct {
	Vers, Ktype uint32
	UUID        [16]byte
	Hmck        []byte
	Wrap        uint32
	Salt        []byte
	Iter        uint32
	Dpwt, Dpic  uint32
	Dpsl        []byte
	Classes     []Class
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) atBoundary() bool { return r.pos == len(r.buf) }

// record reads one <4-byte tag><4-byte big-endian length><payload> record
// and checks the tag against want.
func (r *reader) record(want string) ([]byte, error) {
	if len(r.buf)-r.pos < 8 {
		return nil, fmt.Errorf("keybag: truncated stream, expected tag %s", want)
	}
	tag := string(r.buf[r.pos : r.pos+4])
	length := binary.BigEndian.Uint32(r.buf[r.pos+4 : r.pos+8])
	r.pos += 8
	if tag != want {
		return nil, fmt.Errorf("keybag: expected tag %s, got %s", want, tag)
	}
	if uint32(len(r.buf)-r.pos) < length {
		return nil, fmt.Errorf("keybag: truncated payload for tag %s", tag)
	}
	payload := r.buf[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return payload, nil
}

func (r *reader) u32(want string) (uint32, error) {
	payload, err := r.record(want)
	if err != nil {
		return 0, err
	}
	if len(payload) != 4 {
		return 0, fmt.Errorf("keybag: tag %s has length %d, want 4", want, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

func (r *reader) uuid(want string) ([16]byte, error) {
	var out [16]byte
	payload, err := r.record(want)
	if err != nil {
		return out, err
	}
	if len(payload) != 16 {
		return out, fmt.Errorf("keybag: tag %s has length %d, want 16", want, len(payload))
	}
	copy(out[:], payload)
	return out, nil
}

// Parse decodes a BackupKeyBag TLV stream into a KeyBag.
func Parse(raw []byte) (*KeyBag, error) {
	r := &reader{buf: raw}
	kb := &KeyBag{}

	var err error
	if kb.Vers, err = r.u32("VERS"); err != nil {
		return nil, err
	}
	if kb.Ktype, err = r.u32("TYPE"); err != nil {
		return nil, err
	}
	if kb.UUID, err = r.uuid("UUID"); err != nil {
		return nil, err
	}
	if kb.Hmck, err = r.record("HMCK"); err != nil {
		return nil, err
	}
	if kb.Wrap, err = r.u32("WRAP"); err != nil {
		return nil, err
	}
	if kb.Salt, err = r.record("SALT"); err != nil {
		return nil, err
	}
	if kb.Iter, err = r.u32("ITER"); err != nil {
		return nil, err
	}
	if kb.Dpwt, err = r.u32("DPWT"); err != nil {
		return nil, err
	}
	if kb.Dpic, err = r.u32("DPIC"); err != nil {
		return nil, err
	}
	if kb.Dpsl, err = r.record("DPSL"); err != nil {
		return nil, err
	}

	for !r.atBoundary() {
		var c Class
		if c.UUID, err = r.uuid("UUID"); err != nil {
			return nil, err
		}
		if c.Clas, err = r.u32("CLAS"); err != nil {
			return nil, err
		}
		if c.Wrap, err = r.u32("WRAP"); err != nil {
			return nil, err
		}
		if c.Ktyp, err = r.u32("KTYP"); err != nil {
			return nil, err
		}
		if c.Wpky, err = r.record("WPKY"); err != nil {
			return nil, err
		}
		kb.Classes = append(kb.Classes, c)
	}

	return kb, nil
}
