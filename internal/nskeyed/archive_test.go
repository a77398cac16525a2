package nskeyed

import (
	"bytes"
	"testing"

	"howett.net/plist"
)

// buildArchive assembles a minimal NSKeyedArchiver-format binary plist
// whose root object is an MBFile record, with extraFields merged into
// the MBFile dictionary before encoding.
func buildArchive(t *testing.T, extraFields map[string]any) []byte {
	t.Helper()

	mbfile := map[string]any{
		"$class":           plist.UID(2),
		"Size":             uint64(6),
		"Birth":            uint64(1700000000),
		"LastModified":     uint64(1700000001),
		"LastStatusChange": uint64(1700000002),
		"Flags":            uint64(1),
		"UserID":           int64(501),
		"GroupID":          int64(501),
		"RelativePath":     "Library/Preferences/x.plist",
	}
	for k, v := range extraFields {
		mbfile[k] = v
	}

	classDict := map[string]any{
		"$classname": "MBFile",
		"$classes":   []any{"MBFile", "NSObject"},
	}

	envelope := map[string]any{
		"$version":  uint64(100000),
		"$archiver": "NSKeyedArchiver",
		"$top": map[string]any{
			"root": plist.UID(1),
		},
		"$objects": []any{
			"$null",
			mbfile,
			classDict,
		},
	}

	data, err := plist.Marshal(envelope, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("plist.Marshal: %v", err)
	}
	return data
}

func TestDecodeMBFile(t *testing.T) {
	data := buildArchive(t, nil)

	mb, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if mb.Size != 6 {
		t.Errorf("Size = %d, want 6", mb.Size)
	}
	if mb.RelativePath != "Library/Preferences/x.plist" {
		t.Errorf("RelativePath = %q", mb.RelativePath)
	}
	if mb.UserID != 501 || mb.GroupID != 501 {
		t.Errorf("UserID/GroupID = %d/%d, want 501/501", mb.UserID, mb.GroupID)
	}
}

func TestDecodeMBFileWithDigestAndKey(t *testing.T) {
	digest := bytes.Repeat([]byte{0xAA}, 20)
	key := append([]byte{1, 0, 0, 0}, bytes.Repeat([]byte{0xBB}, 40)...)

	data := buildArchive(t, map[string]any{
		"Digest":        digest,
		"EncryptionKey": key,
		"Target":        "../elsewhere",
	})

	mb, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(mb.Digest, digest) {
		t.Errorf("Digest = %x, want %x", mb.Digest, digest)
	}
	if !bytes.Equal(mb.EncryptionKey, key) {
		t.Errorf("EncryptionKey = %x, want %x", mb.EncryptionKey, key)
	}
	if mb.Target != "../elsewhere" {
		t.Errorf("Target = %q", mb.Target)
	}
}

func TestDecodeMBFileWithExtendedAttributes(t *testing.T) {
	xattrBlob, err := plist.Marshal(map[string]any{
		"com.apple.quarantine": []byte{1, 2, 3, 4},
	}, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("plist.Marshal xattrs: %v", err)
	}

	data := buildArchive(t, map[string]any{
		"ExtendedAttributes": xattrBlob,
	})

	mb, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	raw, ok := mb.ExtendedAttributes["com.apple.quarantine"]
	if !ok {
		t.Fatal("com.apple.quarantine attribute missing")
	}
	val, ok := raw.([]byte)
	if !ok {
		t.Fatalf("attribute value type = %T, want []byte", raw)
	}
	if !bytes.Equal(val, []byte{1, 2, 3, 4}) {
		t.Errorf("attribute value = %v, want [1 2 3 4]", val)
	}
}

func TestDecodeMBFileWithNonDataExtendedAttribute(t *testing.T) {
	xattrBlob, err := plist.Marshal(map[string]any{
		"com.example.weird": uint64(42),
	}, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("plist.Marshal xattrs: %v", err)
	}

	data := buildArchive(t, map[string]any{
		"ExtendedAttributes": xattrBlob,
	})

	mb, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	raw, ok := mb.ExtendedAttributes["com.example.weird"]
	if !ok {
		t.Fatal("com.example.weird attribute missing")
	}
	if _, ok := raw.([]byte); ok {
		t.Fatal("non-data attribute decoded as []byte")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	envelope := map[string]any{
		"$version":  uint64(1),
		"$archiver": "NSKeyedArchiver",
		"$top":      map[string]any{"root": plist.UID(1)},
		"$objects":  []any{"$null", map[string]any{}},
	}
	data, err := plist.Marshal(envelope, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("plist.Marshal: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted a mismatched $version")
	}
}

func TestDecodeRejectsUnknownMBFileField(t *testing.T) {
	data := buildArchive(t, map[string]any{
		"SomeFutureField": "unexpected",
	})
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted an MBFile dictionary with an unrecognized field")
	}
}

func TestDecodeRejectsUnknownEnvelopeField(t *testing.T) {
	mbfile := map[string]any{
		"$class":           plist.UID(2),
		"Size":             uint64(6),
		"Birth":            uint64(1),
		"LastModified":     uint64(1),
		"LastStatusChange": uint64(1),
		"Flags":            uint64(1),
		"UserID":           int64(0),
		"GroupID":          int64(0),
		"RelativePath":     "a",
	}
	classDict := map[string]any{
		"$classname": "MBFile",
		"$classes":   []any{"MBFile", "NSObject"},
	}
	envelope := map[string]any{
		"$version":    uint64(100000),
		"$archiver":   "NSKeyedArchiver",
		"$top":        map[string]any{"root": plist.UID(1)},
		"$objects":    []any{"$null", mbfile, classDict},
		"$extraField": "unexpected",
	}
	data, err := plist.Marshal(envelope, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("plist.Marshal: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted an envelope with an unrecognized top-level field")
	}
}

func TestDecodeRejectsWrongClass(t *testing.T) {
	mbfile := map[string]any{
		"$class": plist.UID(2),
	}
	classDict := map[string]any{
		"$classname": "SomeOtherClass",
		"$classes":   []any{"SomeOtherClass", "NSObject"},
	}
	envelope := map[string]any{
		"$version":  uint64(100000),
		"$archiver": "NSKeyedArchiver",
		"$top":      map[string]any{"root": plist.UID(1)},
		"$objects":  []any{"$null", mbfile, classDict},
	}
	data, err := plist.Marshal(envelope, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("plist.Marshal: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted an object whose $classname does not match MBFile")
	}
}
