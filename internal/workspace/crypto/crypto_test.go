package crypto

import (
	"bytes"
	"testing"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := NewDefault()
	key, err := p.RandomBytes(KeyLengthBytes)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("hello workspace")

	ciphertext, nonce, err := p.Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	decrypted, err := p.Decrypt(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	p := NewDefault()
	key, _ := p.RandomBytes(KeyLengthBytes)
	ciphertext, nonce, err := p.Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[0] ^= 0xFF

	_, err = p.Decrypt(ciphertext, nonce, key)
	if workspace.Kind(err) != workspace.KindDecryptionFailed {
		t.Fatalf("expected KindDecryptionFailed, got %v", err)
	}
}

func TestDeriveKeyPBKDF2Deterministic(t *testing.T) {
	p := NewDefault()
	salt, _ := NewSalt()

	k1, err := p.DeriveKey("correct horse", salt, 1000, PBKDF2)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := p.DeriveKey("correct horse", salt, 1000, PBKDF2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("PBKDF2 derivation must be deterministic for identical inputs")
	}
	if len(k1) != KeyLengthBytes {
		t.Fatalf("expected %d byte key, got %d", KeyLengthBytes, len(k1))
	}
}

func TestDeriveKeyArgon2ID(t *testing.T) {
	p := NewDefault()
	salt, _ := NewSalt()

	key, err := p.DeriveKey("password", salt, 0, Argon2ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != KeyLengthBytes {
		t.Fatalf("expected %d byte key, got %d", KeyLengthBytes, len(key))
	}
}

func TestDeriveKeyUnsupportedAlgorithm(t *testing.T) {
	p := NewDefault()
	salt, _ := NewSalt()

	_, err := p.DeriveKey("password", salt, 1000, "scrypt")
	if workspace.Kind(err) != workspace.KindUnsupportedAlgorithm {
		t.Fatalf("expected KindUnsupportedAlgorithm, got %v", err)
	}
}

func TestSHA256HexIsStable(t *testing.T) {
	p := NewDefault()
	h1 := p.SHA256Hex([]byte("data"))
	h2 := p.SHA256Hex([]byte("data"))
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("expected stable 64-char hex digest, got %q and %q", h1, h2)
	}
}

func TestTimingSafeEqual(t *testing.T) {
	if !TimingSafeEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("expected equal byte slices to compare equal")
	}
	if TimingSafeEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("expected differing byte slices to compare unequal")
	}
	if TimingSafeEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("expected differing lengths to compare unequal")
	}
}
