package cbcreader

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// ivCache is the small optional cache of ciphertext-block IVs keyed by
// aligned offset, described in spec.md §9: it lets a non-monotonic but
// repeatedly-revisited offset (the common "backward scan" case) avoid a
// re-read of the 16 preceding ciphertext bytes. Sized at 2 entries per
// stream, matching the design note's suggested "LRU of 2".
//
// Keyed by offset; the hash XORs a hash of id (the underlying Source's
// identity) with a hash of the offset, since one process may hold many
// ivCache instances — mirrors
// the keying style of the teacher's own tinylfu caches in
// internal/spinner, which hash a struct combining a file identity and
// an offset.
type ivCache struct {
	id string
	c  *tinylfu.T[int64, [16]byte]
}

func newIVCache(id string, size int) *ivCache {
	prefix := xxhash.Sum64String(id)
	hash := func(off int64) uint64 {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(off))
		return prefix ^ xxhash.Sum64(b[:])
	}
	return &ivCache{id: id, c: tinylfu.New[int64, [16]byte](size, size*10, hash)}
}

func (c *ivCache) get(off int64) ([16]byte, bool) {
	return c.c.Get(off)
}

func (c *ivCache) put(off int64, iv [16]byte) {
	c.c.Add(off, iv)
}
