/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypto implements the engine's cryptographic primitives:
// random byte generation, password-based key derivation, AES-256-GCM
// authenticated encryption, SHA-256 checksums, and constant-time
// comparison. Every component that needs cryptography depends on the
// Provider interface, not on these functions directly.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

// KDFAlgorithm names a supported key-derivation function.
type KDFAlgorithm string

const (
	PBKDF2  KDFAlgorithm = "pbkdf2-sha256"
	Argon2ID KDFAlgorithm = "argon2id"
)

// DefaultPBKDF2Iterations is the iteration count used when the caller
// does not request a lower (or higher) count. Iteration counts below
// this value are accepted but produce a WeakKDF warning in the Key
// Manager's ValidateUserKey.
const DefaultPBKDF2Iterations = 210_000

const (
	keyLengthBytes = 32 // 256-bit symmetric key
	saltLengthBytes = 32
	nonceLengthBytes = 12 // 96-bit GCM nonce
)

// Argon2Params tunes the Argon2id KDF. Used only when Algorithm is
// Argon2ID; ignored otherwise.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultArgon2Params returns conservative interactive-login defaults.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4}
}

// Provider is the crypto primitive contract described in spec §6. The
// Key Manager and Serializer depend on this interface, not on the
// package-level functions, so tests can substitute a fake.
type Provider interface {
	RandomBytes(n int) ([]byte, error)
	DeriveKey(password string, salt []byte, iterations int, alg KDFAlgorithm) ([]byte, error)
	Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error)
	Decrypt(ciphertext, nonce, key []byte) ([]byte, error)
	SHA256Hex(data []byte) string
}

// Default is the stdlib-backed Provider implementation.
type Default struct {
	Argon2 Argon2Params
}

// NewDefault returns a Default provider with standard Argon2 params.
func NewDefault() *Default {
	return &Default{Argon2: DefaultArgon2Params()}
}

var _ Provider = (*Default)(nil)

// RandomBytes returns n cryptographically-random bytes.
func (d *Default) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: generating random bytes: %w", err)
	}
	return b, nil
}

// DeriveKey derives a 256-bit symmetric key from password and salt.
func (d *Default) DeriveKey(password string, salt []byte, iterations int, alg KDFAlgorithm) ([]byte, error) {
	switch alg {
	case "", PBKDF2:
		if iterations <= 0 {
			iterations = DefaultPBKDF2Iterations
		}
		return pbkdf2.Key([]byte(password), salt, iterations, keyLengthBytes, sha256.New), nil
	case Argon2ID:
		p := d.Argon2
		if p.Time == 0 {
			p = DefaultArgon2Params()
		}
		return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, keyLengthBytes), nil
	default:
		return nil, workspace.NewError(workspace.KindUnsupportedAlgorithm, string(alg))
	}
}

// Encrypt seals plaintext under key with AES-256-GCM, returning the
// ciphertext (with the authentication tag appended, as Seal does) and a
// freshly generated 96-bit nonce.
func (d *Default) Encrypt(plaintext, key []byte) ([]byte, []byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, nonceLengthBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext under key and nonce. Returns DecryptionFailed
// on authentication-tag mismatch.
func (d *Default) Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindDecryptionFailed, err)
	}
	return plaintext, nil
}

// SHA256Hex returns the 64-character lowercase hex SHA-256 digest of data.
func (d *Default) SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TimingSafeEqual compares two byte slices in constant time.
func TimingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM mode: %w", err)
	}
	return gcm, nil
}

// NewSalt returns a fresh random salt of the standard length.
func NewSalt() ([]byte, error) {
	b := make([]byte, saltLengthBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return b, nil
}

// KeyLengthBytes is the symmetric key length used throughout the engine.
const KeyLengthBytes = keyLengthBytes
