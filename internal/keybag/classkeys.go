package keybag

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrIncorrectPassphrase is returned by DeriveClassKeys as soon as the
// AES key-wrap integrity check fails on any attempted class-key unwrap,
// which in practice means the passphrase is wrong.
var ErrIncorrectPassphrase = errors.New("keybag: incorrect passphrase")

// ClassKeyMap maps a protection-class id to its unwrapped 256-bit class
// key. It is populated once at startup and read-only thereafter.
type ClassKeyMap map[uint32][]byte

// DeriveClassKeys runs the two-round PBKDF2 KEK derivation and unwraps
// every class key whose Wrap bit 0x2 is set.
func (kb *KeyBag) DeriveClassKeys(passphrase []byte) (ClassKeyMap, error) {
	round1 := pbkdf2.Key(passphrase, kb.Dpsl, int(kb.Dpic), 32, sha256.New)
	kek := pbkdf2.Key(round1, kb.Salt, int(kb.Iter), 32, sha1.New)

	out := make(ClassKeyMap)
	for _, c := range kb.Classes {
		if c.Wrap&0x2 != 0x2 {
			continue
		}
		key, err := UnwrapKey(kek, c.Wpky)
		if err != nil {
			if errors.Is(err, ErrIntegrity) {
				return nil, ErrIncorrectPassphrase
			}
			return nil, fmt.Errorf("keybag: unwrap class %d key: %w", c.Clas, err)
		}
		out[c.Clas] = key
	}
	return out, nil
}

// Unwrap unwraps a per-file or manifest-database key blob whose first
// four bytes (little-endian) name the protection class that wraps it.
func (m ClassKeyMap) Unwrap(blob []byte) ([]byte, error) {
	if len(blob) < 5 {
		return nil, errors.New("keybag: wrapped key blob too short")
	}
	classID := binary.LittleEndian.Uint32(blob[:4])
	kek, ok := m[classID]
	if !ok {
		return nil, fmt.Errorf("keybag: no class key for class %d", classID)
	}
	key, err := UnwrapKey(kek, blob[4:])
	if err != nil {
		return nil, fmt.Errorf("keybag: unwrap key for class %d: %w", classID, err)
	}
	return key, nil
}
