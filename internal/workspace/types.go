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

// Package workspace holds the domain types and collaborator contracts
// shared by every component of the workspace persistence engine: the
// crypto primitives, the state serializer, the key manager, the session
// and checkpoint stores, the recovery engine, and the retention
// scheduler all operate on these types.
package workspace

import "time"

// Terminal is one captured terminal session inside a workspace state.
type Terminal struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	History   []string          `json:"history,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	IsActive  bool              `json:"isActive"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// BrowserTab is one captured browser tab. Its natural identifier is the
// composite (URL, Title).
type BrowserTab struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"isActive"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AIConversation is one captured AI conversation transcript. The engine
// treats its content as opaque; only the identifier and timestamps are
// inspected by recovery and merge logic.
type AIConversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []byte    `json:"messages,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OpenFile is one captured open file. Its natural identifier is Path.
type OpenFile struct {
	Path             string `json:"path"`
	Content          string `json:"content,omitempty"`
	CursorLine       int    `json:"cursorLine,omitempty"`
	CursorColumn     int    `json:"cursorColumn,omitempty"`
	HasUnsavedChanges bool  `json:"hasUnsavedChanges"`
}

// WorkspaceState is the full captured contents of one developer
// workspace at a moment in time. It is a value, not an entity: it has no
// identity of its own and is always held inside a Session or Checkpoint.
type WorkspaceState struct {
	Terminals       []Terminal        `json:"terminals"`
	BrowserTabs     []BrowserTab      `json:"browserTabs"`
	AIConversations []AIConversation  `json:"aiConversations"`
	OpenFiles       []OpenFile        `json:"openFiles"`
	WorkspaceConfig map[string]string `json:"workspaceConfig"`
	Metadata        map[string]string `json:"metadata"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionDraft    SessionStatus = "draft"
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionExpired  SessionStatus = "expired"
	SessionDeleted  SessionStatus = "deleted"
)

// Session is the current, mutable record of a workspace state for one
// user. At most one session per user may be active at a time.
type Session struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"userId"`
	WorkspaceID         string        `json:"workspaceId"`
	Name                string        `json:"name"`
	Status              SessionStatus `json:"status"`
	IsActive            bool          `json:"isActive"`
	Version             int64         `json:"version"`
	Payload             []byte        `json:"-"`
	StateChecksum       string        `json:"stateChecksum"`
	EncryptionAlgorithm string        `json:"encryptionAlgorithm"`
	Compression         string        `json:"compression"`
	Tags                []string      `json:"tags,omitempty"`
	LastSavedAt         time.Time     `json:"lastSavedAt"`
	ExpiresAt           time.Time     `json:"expiresAt"`
	CreatedAt           time.Time     `json:"createdAt"`
}

// IsExpired reports whether the session's expiry timestamp has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// IsExpired reports whether the key's expiry timestamp has passed.
func (k *UserEncryptionKey) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// CheckpointPriority ranks a checkpoint's importance for retention and
// listing purposes.
type CheckpointPriority string

const (
	PriorityLow    CheckpointPriority = "low"
	PriorityMedium CheckpointPriority = "medium"
	PriorityHigh   CheckpointPriority = "high"
)

// Checkpoint is an immutable, named snapshot of a workspace state
// created from a Session. Only its name, description, priority, tags,
// and metadata may be changed after creation.
type Checkpoint struct {
	ID               string             `json:"id"`
	SessionID        string             `json:"sessionId"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	Priority         CheckpointPriority `json:"priority"`
	Tags             []string           `json:"tags,omitempty"`
	IsAutoGenerated  bool               `json:"isAutoGenerated"`
	Payload          []byte             `json:"-"`
	StateChecksum    string             `json:"stateChecksum"`
	CompressedSize   int64              `json:"compressedSize"`
	UncompressedSize int64              `json:"uncompressedSize"`
	CreatedAt        time.Time          `json:"createdAt"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
}

// SessionMetadata is a derived projection of a Session, updated in the
// same transaction as the Session it projects. It is never the source
// of truth and must never be read to make authorization or invariant
// decisions.
type SessionMetadata struct {
	SessionID       string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	WorkspaceID     string    `json:"workspaceId"`
	SessionName     string    `json:"sessionName"`
	LastSavedAt     time.Time `json:"lastSavedAt"`
	CheckpointCount int64     `json:"checkpointCount"`
	TotalSize       int64     `json:"totalSize"`
	IsActive        bool      `json:"isActive"`
}

// UserEncryptionKey is a per-user master key record. The plaintext data
// encryption key never leaves the process that created it; only its
// wrapped (encrypted) form is persisted.
type UserEncryptionKey struct {
	KeyID               string            `json:"keyId"`
	UserID              string            `json:"userId"`
	KeyName             string            `json:"keyName"`
	EncryptedSessionKey []byte            `json:"-"`
	Salt                []byte            `json:"-"`
	IV                  []byte             `json:"-"`
	Algorithm           string            `json:"algorithm"`
	Iterations          int               `json:"iterations"`
	IsActive            bool              `json:"isActive"`
	CreatedAt           time.Time         `json:"createdAt"`
	ExpiresAt           time.Time         `json:"expiresAt"`
	LastUsedAt          time.Time         `json:"lastUsedAt,omitempty"`
	DeactivatedAt       time.Time         `json:"deactivatedAt,omitempty"`
	DeactivatedReason   string            `json:"deactivatedReason,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Description         string            `json:"description,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// SessionConfig holds per-user tunables for the serializer and
// scheduler. Upserted at first session creation.
type SessionConfig struct {
	UserID              string `json:"userId"`
	AutoSaveInterval    int    `json:"autoSaveInterval"`
	RetentionDays       int    `json:"retentionDays"`
	CheckpointRetention int    `json:"checkpointRetention"`
	MaxSessionSize      int64  `json:"maxSessionSize"`
	CompressionEnabled  bool   `json:"compressionEnabled"`
	EncryptionEnabled   bool   `json:"encryptionEnabled"`
}

// DefaultSessionConfig returns the engine-wide defaults used when a user
// has no SessionConfig row yet.
func DefaultSessionConfig(userID string) SessionConfig {
	return SessionConfig{
		UserID:              userID,
		AutoSaveInterval:    60,
		RetentionDays:       30,
		CheckpointRetention: 90,
		MaxSessionSize:      50 * 1024 * 1024,
		CompressionEnabled:  true,
		EncryptionEnabled:   true,
	}
}
