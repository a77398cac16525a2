package keybag

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// TestWrapKeyRFC3394Vector checks WrapKey against the 128-bit test vector
// from RFC 3394 §4.1, confirming the hand-rolled implementation matches
// the standard rather than just being internally consistent.
func TestWrapKeyRFC3394Vector(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	plaintext := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	want := mustHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	got, err := WrapKey(kek, plaintext)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("WrapKey(%x, %x) = %x, want %x", kek, plaintext, got, want)
	}

	back, err := UnwrapKey(kek, got)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Errorf("UnwrapKey(WrapKey(p)) = %x, want %x", back, plaintext)
	}
}

func TestWrapUnwrapRoundTrip256(t *testing.T) {
	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i)
	}
	plaintext := make([]byte, 32)
	for i := range plaintext {
		plaintext[i] = byte(255 - i)
	}

	wrapped, err := WrapKey(kek, plaintext)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	if len(wrapped) != len(plaintext)+8 {
		t.Fatalf("wrapped length = %d, want %d", len(wrapped), len(plaintext)+8)
	}

	unwrapped, err := UnwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if !bytes.Equal(unwrapped, plaintext) {
		t.Errorf("round trip = %x, want %x", unwrapped, plaintext)
	}
}

func TestUnwrapKeyWrongKEKFails(t *testing.T) {
	kek := make([]byte, 32)
	wrongKEK := make([]byte, 32)
	wrongKEK[0] = 1
	plaintext := make([]byte, 16)

	wrapped, err := WrapKey(kek, plaintext)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}

	if _, err := UnwrapKey(wrongKEK, wrapped); err == nil {
		t.Fatal("UnwrapKey with wrong KEK unexpectedly succeeded")
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex literal %q: %v", s, err)
	}
	return b
}
