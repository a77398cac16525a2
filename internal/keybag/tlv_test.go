package keybag

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildKeyBag encodes a minimal but well-formed BackupKeyBag TLV stream
// for use as test fixture data, mirroring the tag order Parse requires.
func buildKeyBag(t *testing.T, classes int) []byte {
	t.Helper()
	var buf bytes.Buffer

	u32 := func(tag string, v uint32) {
		buf.WriteString(tag)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 4)
		buf.Write(lenBuf[:])
		var valBuf [4]byte
		binary.BigEndian.PutUint32(valBuf[:], v)
		buf.Write(valBuf[:])
	}
	raw := func(tag string, v []byte) {
		buf.WriteString(tag)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}

	uuid := bytes.Repeat([]byte{0xAB}, 16)
	u32("VERS", 2)
	u32("TYPE", 0)
	raw("UUID", uuid)
	raw("HMCK", bytes.Repeat([]byte{0x01}, 20))
	u32("WRAP", 3)
	raw("SALT", bytes.Repeat([]byte{0x02}, 20))
	u32("ITER", 10000)
	u32("DPWT", 0)
	u32("DPIC", 100000)
	raw("DPSL", bytes.Repeat([]byte{0x03}, 20))

	for i := 0; i < classes; i++ {
		raw("UUID", uuid)
		u32("CLAS", uint32(i+1))
		u32("WRAP", 2)
		u32("KTYP", 0)
		raw("WPKY", bytes.Repeat([]byte{byte(i)}, 40))
	}

	return buf.Bytes()
}

func TestParseRoundTrip(t *testing.T) {
	raw := buildKeyBag(t, 3)
	kb, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if kb.Vers != 2 || kb.Wrap != 3 || kb.Iter != 10000 || kb.Dpic != 100000 {
		t.Errorf("unexpected scalar fields: %+v", kb)
	}
	if len(kb.Classes) != 3 {
		t.Fatalf("got %d classes, want 3", len(kb.Classes))
	}
	for i, c := range kb.Classes {
		if c.Clas != uint32(i+1) {
			t.Errorf("class[%d].Clas = %d, want %d", i, c.Clas, i+1)
		}
		if c.Wrap != 2 {
			t.Errorf("class[%d].Wrap = %d, want 2", i, c.Wrap)
		}
	}
}

func TestParseNoClasses(t *testing.T) {
	raw := buildKeyBag(t, 0)
	kb, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(kb.Classes) != 0 {
		t.Errorf("got %d classes, want 0", len(kb.Classes))
	}
}

func TestParseWrongTagOrder(t *testing.T) {
	raw := buildKeyBag(t, 0)
	// Corrupt the second record's tag (TYPE -> XYPE) to simulate an
	// out-of-order or malformed stream.
	corrupt := append([]byte(nil), raw...)
	copy(corrupt[12:16], "XYPE")

	if _, err := Parse(corrupt); err == nil {
		t.Fatal("Parse accepted a stream with a corrupted tag")
	}
}

func TestParseTruncatedStream(t *testing.T) {
	raw := buildKeyBag(t, 1)
	truncated := raw[:len(raw)-5]

	if _, err := Parse(truncated); err == nil {
		t.Fatal("Parse accepted a truncated stream")
	}
}

func TestDeriveClassKeysSkipsUnwrappedBit(t *testing.T) {
	var buf bytes.Buffer
	u32 := func(tag string, v uint32) {
		buf.WriteString(tag)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 4)
		buf.Write(lenBuf[:])
		var valBuf [4]byte
		binary.BigEndian.PutUint32(valBuf[:], v)
		buf.Write(valBuf[:])
	}
	raw := func(tag string, v []byte) {
		buf.WriteString(tag)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	uuid := bytes.Repeat([]byte{0xAB}, 16)
	u32("VERS", 2)
	u32("TYPE", 0)
	raw("UUID", uuid)
	raw("HMCK", bytes.Repeat([]byte{0x01}, 20))
	u32("WRAP", 3)
	raw("SALT", bytes.Repeat([]byte{0x02}, 20))
	u32("ITER", 2)
	u32("DPWT", 0)
	u32("DPIC", 2)
	raw("DPSL", bytes.Repeat([]byte{0x03}, 20))
	// A class entry without bit 0x2 set must be skipped, not attempted.
	raw("UUID", uuid)
	u32("CLAS", 99)
	u32("WRAP", 1)
	u32("KTYP", 0)
	raw("WPKY", bytes.Repeat([]byte{0x00}, 24))

	kb, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	keys, err := kb.DeriveClassKeys([]byte("passphrase"))
	if err != nil {
		t.Fatalf("DeriveClassKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no class keys (WRAP bit 0x2 unset), got %d", len(keys))
	}
}
