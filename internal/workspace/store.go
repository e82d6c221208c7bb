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

package workspace

import (
	"context"
	"time"
)

// SortOrder controls ascending/descending ordering on paginated queries.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// CheckpointSortKey enumerates the fields GetCheckpoints can sort by.
type CheckpointSortKey string

const (
	SortByCreatedAt CheckpointSortKey = "createdAt"
	SortBySize      CheckpointSortKey = "size"
	SortByName      CheckpointSortKey = "name"
)

// SessionListFilter narrows ListSessions.
type SessionListFilter struct {
	UserID      string
	WorkspaceID string
	IsActive    *bool
	Page        int
	PageSize    int
}

// SessionPage is a page of sessions plus the total matching count.
type SessionPage struct {
	Sessions []*Session
	Total    int64
}

// CheckpointFilter narrows GetCheckpoints.
type CheckpointFilter struct {
	SessionID       string
	DateFrom        time.Time
	DateTo          time.Time
	Tags            []string
	IsAutoGenerated *bool
	Priority        CheckpointPriority
	SortKey         CheckpointSortKey
	Order           SortOrder
	Limit           int
	Offset          int
}

// CheckpointPage is a page of checkpoints plus pagination metadata.
type CheckpointPage struct {
	Checkpoints []*Checkpoint
	Total       int64
	HasMore     bool
}

// CheckpointPatch carries the mutable fields of UpdateCheckpoint.
type CheckpointPatch struct {
	Name        *string
	Description *string
	Priority    *CheckpointPriority
	Tags        []string
	Metadata    map[string]string
}

// BulkDeleteResult reports per-item outcomes for a batched delete.
type BulkDeleteResult struct {
	Deleted int
	Errors  map[string]error
}

// SessionStore is the durable store's Session/SessionMetadata/
// SessionConfig collection, matching spec §4.4 and §6.
type SessionStore interface {
	// CreateSession inserts a Session + SessionMetadata atomically, upserts
	// SessionConfig, and deactivates every other session owned by the same
	// user in the same transaction.
	CreateSession(ctx context.Context, s *Session, cfg SessionConfig) error
	// UpdateSession persists a new payload/checksum for sessionID, bumping
	// version. expectedVersion must match the stored version or the call
	// fails with KindVersionConflict.
	UpdateSession(ctx context.Context, sessionID string, expectedVersion int64, payload []byte, checksum, algorithm, compression string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) (*SessionPage, error)
	DeleteSession(ctx context.Context, sessionID string) error
	GetSessionConfig(ctx context.Context, userID string) (*SessionConfig, error)
	UpsertSessionConfig(ctx context.Context, cfg SessionConfig) error
	CountActiveSessions(ctx context.Context, userID string) (int64, error)
	// ExpiredAutoSaved and InactiveOlderThan return up to limit sessions
	// matching the expired auto-saved and inactive retention predicates
	// respectively, for the Scheduler.
	ExpiredAutoSaved(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
	InactiveOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
	DeleteSessionsBatch(ctx context.Context, ids []string) (spaceFreed int64, err error)
}

// CheckpointStore is the durable store's Checkpoint collection, matching
// spec §4.5 and §6.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, c *Checkpoint) error
	GetCheckpoints(ctx context.Context, filter CheckpointFilter) (*CheckpointPage, error)
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, id string, patch CheckpointPatch) (*Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, ids []string) (*BulkDeleteResult, error)
	CountForSession(ctx context.Context, sessionID string) (int64, error)
	RecountCheckpointCount(ctx context.Context, sessionID string) error
	GetCheckpointStatistics(ctx context.Context, sessionID string) (*CheckpointStatistics, error)
	OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Checkpoint, error)
}

// CheckpointStatistics is the reply shape of GetCheckpointStatistics.
type CheckpointStatistics struct {
	Count              int64
	TotalSize          int64
	AverageSize         float64
	Oldest             time.Time
	Newest             time.Time
	CountByPriority    map[CheckpointPriority]int64
	CountByTag         map[string]int64
	CompressionRatio   float64
}

// KeyStore is the durable store's UserEncryptionKey collection.
type KeyStore interface {
	CreateKey(ctx context.Context, k *UserEncryptionKey) error
	GetKey(ctx context.Context, userID, keyID string) (*UserEncryptionKey, error)
	FindKeyByName(ctx context.Context, userID, keyName string) (*UserEncryptionKey, error)
	CountActiveKeys(ctx context.Context, userID string) (int64, error)
	// RotateKey atomically creates newKey and soft-deactivates oldKeyID in
	// the same transaction.
	RotateKey(ctx context.Context, oldKeyID string, deactivatedReason string, newKey *UserEncryptionKey) error
	DeactivateKey(ctx context.Context, keyID, reason string) error
	DeleteKey(ctx context.Context, userID, keyID string) error
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
	ExpiredActiveKeys(ctx context.Context, now time.Time) ([]*UserEncryptionKey, error)
	ActiveKeysOlderThan(ctx context.Context, cutoff time.Time) ([]*UserEncryptionKey, error)
}

// Store aggregates every durable-store collection the engine depends
// on. Providers implement all three; tests may compose a memory-backed
// Store from independently simple pieces.
type Store interface {
	SessionStore
	CheckpointStore
	KeyStore
	Ping(ctx context.Context) error
	Close() error
}
