package keybag

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// ErrIntegrity reports that an RFC 3394 key-unwrap failed its integrity
// check — the wrapped blob was unwrapped with the wrong key.
var ErrIntegrity = errors.New("keybag: AES key-wrap integrity check failed")

var defaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrapKey wraps a plaintext key (a multiple of 8 bytes, at least 16) under
// kek per RFC 3394.
func WrapKey(kek, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := range r {
		copy(r[i][:], plaintext[i*8:i*8+8])
	}

	var a [8]byte
	copy(a[:], defaultIV[:])

	var buf [16]byte
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf[:], buf[:])
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range a {
				a[k] = buf[k] ^ tb[k]
			}
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[:8], a[:])
	for i := range r {
		copy(out[8+i*8:], r[i][:])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey. It returns ErrIntegrity if the wrapped blob
// does not authenticate under kek — the caller's usual signal of a wrong
// key-encryption-key (e.g. a wrong passphrase upstream).
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, errors.New("keybag: wrapped key has invalid length")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	n := len(wrapped)/8 - 1
	r := make([][8]byte, n)
	for i := range r {
		copy(r[i][:], wrapped[8+i*8:8+i*8+8])
	}

	var a [8]byte
	copy(a[:], wrapped[:8])

	var buf [16]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var ax [8]byte
			for k := range a {
				ax[k] = a[k] ^ tb[k]
			}
			copy(buf[:8], ax[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf[:], buf[:])
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], defaultIV[:]) != 1 {
		return nil, ErrIntegrity
	}

	out := make([]byte, n*8)
	for i := range r {
		copy(out[i*8:], r[i][:])
	}
	return out, nil
}
