// Package cbcreader implements a seekable random-access reader over an
// AES-256-CBC ciphertext file, retaining chaining state so a monotonic
// forward read pattern never re-decrypts its prefix.
package cbcreader

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

// Source is anything that can return ciphertext bytes at an absolute
// offset — satisfied by *os.File and by go-sqlite3's vfs.File.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
}

// State is the CBC continuation state for one open ciphertext stream.
// Decrypt (and CheckPadding, which calls it) holds an internal mutex for
// the duration of the call, so concurrent calls on one State are
// serialised rather than interleaved.
type State struct {
	mu   sync.Mutex
	key  [32]byte
	dec  cipher.BlockMode
	next uint64 // valid only once dec != nil
	ivc  *ivCache
}

// NewState creates a CBC reader state for key, identified by id for the
// purposes of the optional IV-position cache (distinct ids never share
// cache entries).
func NewState(key [32]byte, id string) *State {
	return &State{key: key, ivc: newIVCache(id, 2)}
}

// Decrypt decrypts len(buf) plaintext bytes starting at logical offset
// off into buf. off and len(buf) may be arbitrary non-negative values;
// the caller is responsible for ensuring off+len(buf) does not exceed the
// ciphertext length of src.
func (s *State) Decrypt(src Source, buf []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrypt(src, buf, off)
}

func (s *State) decrypt(src Source, buf []byte, off int64) error {
	n := int64(len(buf))
	if n == 0 {
		return nil
	}

	if head := off % 16; head != 0 {
		toWrite := 16 - head
		var aligned [16]byte
		if err := s.decrypt(src, aligned[:], off-head); err != nil {
			return err
		}
		copy(buf, aligned[head:])
		if n > toWrite {
			return s.decrypt(src, buf[toWrite:], off+toWrite)
		}
		return nil
	}

	tailLen := n % 16
	middleLen := n - tailLen

	if middleLen > 0 {
		middle := buf[:middleLen]
		if _, err := src.ReadAt(middle, off); err != nil {
			return fmt.Errorf("cbcreader: read ciphertext at %d: %w", off, err)
		}
		if err := s.reseedIfNeeded(src, off); err != nil {
			return err
		}
		s.dec.CryptBlocks(middle, middle)
		s.next = uint64(off + middleLen)
	}

	if tailLen > 0 {
		var aligned [16]byte
		if err := s.decrypt(src, aligned[:], off+middleLen); err != nil {
			return err
		}
		copy(buf[middleLen:], aligned[:tailLen])
	}

	return nil
}

func (s *State) reseedIfNeeded(src Source, off int64) error {
	if s.dec != nil && s.next == uint64(off) {
		return nil
	}

	var iv [16]byte
	if off != 0 {
		if cached, ok := s.ivc.get(off); ok {
			iv = cached
		} else {
			if _, err := src.ReadAt(iv[:], off-16); err != nil {
				return fmt.Errorf("cbcreader: read IV at %d: %w", off-16, err)
			}
			s.ivc.put(off, iv)
		}
	}

	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return err
	}
	s.dec = cipher.NewCBCDecrypter(block, iv[:])
	s.next = uint64(off)
	return nil
}

// CheckPadding validates PKCS#5 padding on the final 16-byte block of a
// ciphertext of length ciphertextLen, which must be a positive multiple
// of 16.
func (s *State) CheckPadding(src Source, ciphertextLen int64) (bool, error) {
	if ciphertextLen < 16 || ciphertextLen%16 != 0 {
		return false, fmt.Errorf("cbcreader: ciphertext length %d is not a positive multiple of 16", ciphertextLen)
	}

	var block [16]byte
	if err := s.Decrypt(src, block[:], ciphertextLen-16); err != nil {
		return false, err
	}

	p := block[15]
	if p < 1 || p > 16 {
		return false, nil
	}
	for _, b := range block[16-int(p):] {
		if b != p {
			return false, nil
		}
	}
	return true, nil
}
