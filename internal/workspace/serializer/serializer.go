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

// Package serializer validates, serializes, compresses, encrypts, and
// checksums workspace state, and reverses the pipeline on read. An
// instance is constructed per request and is not safe to share across
// concurrent requests — it holds the previous-state scratch used for
// incremental (delta) serialization.
package serializer

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
)

// DefaultMaxSessionSize is the default cap on a serialized state's size
// before compression/encryption.
const DefaultMaxSessionSize = 50 * 1024 * 1024

// Config tunes a Serializer instance. Fixed at construction.
type Config struct {
	MaxSessionSize     int64
	CompressionEnabled bool
	EncryptionEnabled  bool
	KDF                crypto.KDFAlgorithm
	KDFIterations      int
}

// DefaultConfig returns the engine's default serializer configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessionSize:     DefaultMaxSessionSize,
		CompressionEnabled: true,
		EncryptionEnabled:  true,
		KDF:                crypto.PBKDF2,
		KDFIterations:      crypto.DefaultPBKDF2Iterations,
	}
}

// Envelope is the on-disk payload shape described in spec §6, used when
// encryption is enabled.
type Envelope struct {
	Data      string `json:"data"`
	IV        string `json:"iv"`
	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
}

// Result is the reply of Serialize.
type Result struct {
	Data       []byte
	Checksum   string
	Size       int64
	Compressed bool
	Encrypted  bool
}

// deltaEnvelope is the diagnostic-only incremental encoding described in
// spec §4.2. It is never applied structurally; Deserialize always
// refuses a delta whose base does not match and otherwise returns the
// base state; the change tags are not returned.
type deltaEnvelope struct {
	Delta struct {
		PriorChecksum string   `json:"priorChecksum"`
		NewChecksum   string   `json:"newChecksum"`
		Changes       []string `json:"changes"`
	} `json:"_delta"`
	BaseState string `json:"_baseState"`
}

// Serializer implements spec §4.2. Construct one per request (or guard
// a shared instance with a mutex); previousState is instance-local.
type Serializer struct {
	cfg             Config
	provider        crypto.Provider
	previousState   *workspace.WorkspaceState
	previousChecksum string
}

// New constructs a Serializer with the given configuration and crypto
// provider.
func New(cfg Config, provider crypto.Provider) *Serializer {
	return &Serializer{cfg: cfg, provider: provider}
}

// Serialize runs the full pipeline: validate, canonically encode,
// optionally compress, optionally encrypt, checksum.
func (s *Serializer) Serialize(state *workspace.WorkspaceState, password string) (*Result, error) {
	if err := validateShape(state); err != nil {
		return nil, err
	}

	encoded, err := canonicalEncode(state)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
	}
	if int64(len(encoded)) > s.cfg.MaxSessionSize {
		return nil, workspace.NewError(workspace.KindStateTooLarge,
			fmt.Sprintf("serialized state is %d bytes, exceeds max %d", len(encoded), s.cfg.MaxSessionSize))
	}

	payload := encoded
	compressed := false
	if s.cfg.CompressionEnabled {
		payload, err = gzipCompress(payload)
		if err != nil {
			return nil, workspace.Wrap(workspace.KindStoreError, err)
		}
		compressed = true
	}

	encrypted := false
	if s.cfg.EncryptionEnabled && password != "" {
		env, err := s.encryptPayload(payload, password)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(env)
		if err != nil {
			return nil, workspace.Wrap(workspace.KindStoreError, err)
		}
		encrypted = true
	}

	checksum := s.provider.SHA256Hex(payload)
	return &Result{
		Data:       payload,
		Checksum:   checksum,
		Size:       int64(len(payload)),
		Compressed: compressed,
		Encrypted:  encrypted,
	}, nil
}

// SerializeIncremental implements spec §4.2's incremental path: if there
// is no usable previous state, it behaves like Serialize and refreshes
// the instance's previousState. Otherwise it emits a diagnostic delta
// envelope against the held previous state, which only a full payload
// replaces. The delta is never applied structurally on read — it is
// provided so callers can choose to store a smaller payload, at the
// cost of the round-trip returning the *base* state rather than the
// true new state; callers that need exact round-trips should call
// Serialize instead.
func (s *Serializer) SerializeIncremental(state *workspace.WorkspaceState, password string) (*Result, error) {
	if s.previousState == nil {
		result, err := s.Serialize(state, password)
		if err != nil {
			return nil, err
		}
		encoded, err := canonicalEncode(state)
		if err != nil {
			return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
		}
		s.previousState = state
		s.previousChecksum = s.provider.SHA256Hex(encoded)
		return result, nil
	}

	prevEncoded, err := canonicalEncode(s.previousState)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
	}
	if s.provider.SHA256Hex(prevEncoded) != s.previousChecksum {
		// Previous state no longer re-verifies; fall back to a full payload.
		result, err := s.Serialize(state, password)
		if err != nil {
			return nil, err
		}
		encoded, err := canonicalEncode(state)
		if err != nil {
			return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
		}
		s.previousState = state
		s.previousChecksum = s.provider.SHA256Hex(encoded)
		return result, nil
	}

	newEncoded, err := canonicalEncode(state)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
	}
	newChecksum := s.provider.SHA256Hex(newEncoded)

	var env deltaEnvelope
	env.Delta.PriorChecksum = s.previousChecksum
	env.Delta.NewChecksum = newChecksum
	env.Delta.Changes = diffTags(s.previousState, state)
	env.BaseState = s.previousChecksum

	data, err := json.Marshal(env)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}

	return &Result{
		Data:     data,
		Checksum: s.provider.SHA256Hex(data),
	}, nil
}

// Deserialize reverses Serialize: verify checksum, decrypt, decompress,
// parse, revive dates, validate shape.
func (s *Serializer) Deserialize(data []byte, checksum, password string) (*workspace.WorkspaceState, error) {
	if s.provider.SHA256Hex(data) != checksum {
		return nil, workspace.NewError(workspace.KindIntegrityFailed, "checksum mismatch")
	}

	if isDeltaEnvelope(data) {
		return s.deserializeDelta(data)
	}

	payload := data
	if s.cfg.EncryptionEnabled {
		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Algorithm != "" {
			if env.Algorithm != "AES-GCM" {
				return nil, workspace.NewError(workspace.KindUnsupportedAlgorithm, env.Algorithm)
			}
			decrypted, err := s.decryptEnvelope(env, password)
			if err != nil {
				return nil, err
			}
			payload = decrypted
		}
	}

	decompressed, err := maybeGunzip(payload)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
	}

	state, err := decodeAndRevive(decompressed)
	if err != nil {
		return nil, workspace.NewError(workspace.KindInvalidStateShape, err.Error())
	}
	if err := validateShape(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Serializer) deserializeDelta(data []byte) (*workspace.WorkspaceState, error) {
	var env deltaEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, workspace.NewError(workspace.KindInvalidStateShape, err.Error())
	}
	if s.previousState == nil || s.previousChecksum != env.BaseState {
		return nil, workspace.NewError(workspace.KindBaseStateMismatch,
			fmt.Sprintf("delta base %q does not match held previous state", env.BaseState))
	}
	return s.previousState, nil
}

func (s *Serializer) encryptPayload(payload []byte, password string) (*Envelope, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	key, err := s.provider.DeriveKey(password, salt, s.cfg.KDFIterations, s.cfg.KDF)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	ciphertext, nonce, err := s.provider.Encrypt(payload, key)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	return &Envelope{
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Algorithm: "AES-GCM",
	}, nil
}

func (s *Serializer) decryptEnvelope(env Envelope, password string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, workspace.NewError(workspace.KindDecryptionFailed, "invalid base64 data")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, workspace.NewError(workspace.KindDecryptionFailed, "invalid base64 iv")
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, workspace.NewError(workspace.KindDecryptionFailed, "invalid base64 salt")
	}
	key, err := s.provider.DeriveKey(password, salt, s.cfg.KDFIterations, s.cfg.KDF)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindDecryptionFailed, err)
	}
	return s.provider.Decrypt(ciphertext, nonce, key)
}

func isDeltaEnvelope(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, ok := probe["_delta"]
	return ok
}

func validateShape(state *workspace.WorkspaceState) error {
	if state == nil {
		return workspace.NewError(workspace.KindInvalidStateShape, "state is nil")
	}
	if state.Terminals == nil || state.BrowserTabs == nil || state.AIConversations == nil || state.OpenFiles == nil {
		return workspace.NewError(workspace.KindInvalidStateShape, "all four sequences must be present")
	}
	return nil
}

func canonicalEncode(state *workspace.WorkspaceState) ([]byte, error) {
	// encoding/json sorts map keys lexicographically and struct fields are
	// encoded in declaration order, so this already produces a stable
	// byte sequence for a logically-equal state.
	return json.Marshal(state)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decodeAndRevive(data []byte) (*workspace.WorkspaceState, error) {
	var state workspace.WorkspaceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// diffTags reports a coarse set of change tags between two states, used
// only to populate the diagnostic delta envelope.
func diffTags(prev, next *workspace.WorkspaceState) []string {
	var tags []string
	if len(prev.Terminals) != len(next.Terminals) {
		tags = append(tags, "terminals")
	}
	if len(prev.BrowserTabs) != len(next.BrowserTabs) {
		tags = append(tags, "browserTabs")
	}
	if len(prev.AIConversations) != len(next.AIConversations) {
		tags = append(tags, "aiConversations")
	}
	if len(prev.OpenFiles) != len(next.OpenFiles) {
		tags = append(tags, "openFiles")
	}
	return tags
}

// ReviveDate parses a wire date string per spec §6's date encoding. It
// is exposed for providers that carry dates through side channels
// outside WorkspaceState's own typed time.Time fields.
func ReviveDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
