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

// Package sessionstore implements spec §4.4: the session lifecycle
// state machine, the one-active-session-per-user invariant, and the
// serialize/encrypt-on-write, decrypt/deserialize-on-read pipeline that
// sits between a caller's WorkspaceState and the durable
// workspace.SessionStore.
package sessionstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/serializer"
)

const (
	maxNameLength = 200
	minNameLength = 1
)

// validTransitions enumerates the session lifecycle edges permitted by
// spec §3. Any transition not listed here is rejected.
var validTransitions = map[workspace.SessionStatus][]workspace.SessionStatus{
	workspace.SessionDraft:    {workspace.SessionActive, workspace.SessionDeleted},
	workspace.SessionActive:   {workspace.SessionInactive, workspace.SessionExpired, workspace.SessionDeleted},
	workspace.SessionInactive: {workspace.SessionActive, workspace.SessionExpired, workspace.SessionDeleted},
	workspace.SessionExpired:  {workspace.SessionDeleted},
	workspace.SessionDeleted:  {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to workspace.SessionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// wrapStoreErr preserves a store-returned error's own Kind (e.g.
// KindVersionConflict, KindSessionNotFound) instead of masking it behind
// KindStoreError, which is reserved for genuinely unclassified
// infrastructure failures.
func wrapStoreErr(err error) error {
	if workspace.Kind(err) != "" {
		return err
	}
	return workspace.Wrap(workspace.KindStoreError, err)
}

// MetadataCache is the optional read-through acceleration path for
// session lookups, implemented by providers/rediscache.Provider. A nil
// Cache means every lookup goes straight to the durable store; this
// collaborator never holds data the Store doesn't already have
// committed, so its errors are swallowed rather than propagated to the
// caller.
type MetadataCache interface {
	GetActiveSessionID(ctx context.Context, userID string) (string, error)
	SetActiveSessionID(ctx context.Context, userID, sessionID string, ttl time.Duration) error
	InvalidateActiveSessionID(ctx context.Context, userID string) error
}

// Store implements the Session Store component against a durable
// workspace.SessionStore and a Serializer.
type Store struct {
	db    workspace.SessionStore
	ser   *serializer.Serializer
	cache MetadataCache
	now   func() time.Time
}

// New constructs a Store with no cache acceleration.
func New(db workspace.SessionStore, ser *serializer.Serializer) *Store {
	return &Store{db: db, ser: ser, now: time.Now}
}

// NewWithCache constructs a Store backed by an optional read-through
// cache for the one-active-session-per-user pointer.
func NewWithCache(db workspace.SessionStore, ser *serializer.Serializer, cache MetadataCache) *Store {
	return &Store{db: db, ser: ser, cache: cache, now: time.Now}
}

const activeSessionCacheTTL = 5 * time.Minute

// CreateSessionRequest groups CreateSession's parameters.
type CreateSessionRequest struct {
	UserID      string
	WorkspaceID string
	Name        string
	State       *workspace.WorkspaceState
	Password    string
	Tags        []string
}

// CreateSession implements spec §4.4's createSession: validates the
// name, serializes/encrypts the initial state, and persists a new
// draft-turned-active Session, deactivating any other session the user
// holds open in the same call.
func (s *Store) CreateSession(ctx context.Context, req CreateSessionRequest) (*workspace.Session, error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	result, err := s.ser.Serialize(req.State, req.Password)
	if err != nil {
		return nil, err
	}

	cfg, err := s.db.GetSessionConfig(ctx, req.UserID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if cfg == nil {
		defaults := workspace.DefaultSessionConfig(req.UserID)
		cfg = &defaults
	}

	now := s.now()
	session := &workspace.Session{
		ID:                  uuid.New().String(),
		UserID:              req.UserID,
		WorkspaceID:         req.WorkspaceID,
		Name:                req.Name,
		Status:              workspace.SessionActive,
		IsActive:            true,
		Version:             1,
		Payload:             result.Data,
		StateChecksum:       result.Checksum,
		EncryptionAlgorithm: encryptionLabel(result.Encrypted),
		Compression:         compressionLabel(result.Compressed),
		Tags:                req.Tags,
		LastSavedAt:         now,
		ExpiresAt:           now.Add(time.Duration(cfg.RetentionDays) * 24 * time.Hour),
		CreatedAt:           now,
	}

	if err := s.db.CreateSession(ctx, session, *cfg); err != nil {
		return nil, wrapStoreErr(err)
	}

	if s.cache != nil {
		if err := s.cache.SetActiveSessionID(ctx, req.UserID, session.ID, activeSessionCacheTTL); err != nil {
			// cache acceleration is best-effort: the store write already
			// succeeded and is the source of truth.
			_ = err
		}
	}
	return session, nil
}

// GetActiveSessionID returns the active session ID for userID,
// consulting the cache before falling back to a store-backed listing.
func (s *Store) GetActiveSessionID(ctx context.Context, userID string) (string, error) {
	if s.cache != nil {
		if id, err := s.cache.GetActiveSessionID(ctx, userID); err == nil && id != "" {
			return id, nil
		}
	}

	active := true
	page, err := s.db.ListSessions(ctx, workspace.SessionListFilter{UserID: userID, IsActive: &active, PageSize: 1})
	if err != nil {
		return "", wrapStoreErr(err)
	}
	if len(page.Sessions) == 0 {
		return "", nil
	}

	id := page.Sessions[0].ID
	if s.cache != nil {
		if err := s.cache.SetActiveSessionID(ctx, userID, id, activeSessionCacheTTL); err != nil {
			_ = err
		}
	}
	return id, nil
}

// UpdateSessionRequest groups UpdateSession's parameters.
type UpdateSessionRequest struct {
	SessionID       string
	ExpectedVersion int64
	State           *workspace.WorkspaceState
	Password        string
}

// UpdateSession implements spec §4.4's updateSession: re-serializes the
// state and performs an optimistic-concurrency write.
func (s *Store) UpdateSession(ctx context.Context, req UpdateSessionRequest) (*workspace.Session, error) {
	existing, err := s.db.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if existing == nil {
		return nil, workspace.NewError(workspace.KindSessionNotFound, req.SessionID)
	}
	if existing.Status == workspace.SessionDeleted {
		return nil, workspace.NewError(workspace.KindSessionNotFound, req.SessionID)
	}
	if existing.IsExpired(s.now()) {
		return nil, workspace.NewError(workspace.KindExpired, req.SessionID)
	}

	result, err := s.ser.Serialize(req.State, req.Password)
	if err != nil {
		return nil, err
	}

	updated, err := s.db.UpdateSession(ctx, req.SessionID, req.ExpectedVersion, result.Data, result.Checksum,
		encryptionLabel(result.Encrypted), compressionLabel(result.Compressed))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return updated, nil
}

// GetSessionResult pairs a Session record with its decoded state.
type GetSessionResult struct {
	Session *workspace.Session
	State   *workspace.WorkspaceState
}

// GetSession implements spec §4.4's getSession: fetches the record and
// decrypts/decodes its payload.
func (s *Store) GetSession(ctx context.Context, sessionID, password string) (*GetSessionResult, error) {
	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if session == nil || session.Status == workspace.SessionDeleted {
		return nil, workspace.NewError(workspace.KindSessionNotFound, sessionID)
	}
	if session.IsExpired(s.now()) {
		return nil, workspace.NewError(workspace.KindExpired, sessionID)
	}

	state, err := s.ser.Deserialize(session.Payload, session.StateChecksum, password)
	if err != nil {
		return nil, err
	}
	return &GetSessionResult{Session: session, State: state}, nil
}

// ListSessions implements spec §4.4's listSessions.
func (s *Store) ListSessions(ctx context.Context, filter workspace.SessionListFilter) (*workspace.SessionPage, error) {
	page, err := s.db.ListSessions(ctx, filter)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return page, nil
}

// DeleteSession implements spec §4.4's deleteSession: a soft transition
// to Deleted, never a hard row delete (that is the Scheduler's job on
// retention expiry).
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if session == nil {
		return workspace.NewError(workspace.KindSessionNotFound, sessionID)
	}
	if !CanTransition(session.Status, workspace.SessionDeleted) {
		return workspace.NewError(workspace.KindInvalidStateShape,
			"cannot delete a session in status "+string(session.Status))
	}
	if err := s.db.DeleteSession(ctx, sessionID); err != nil {
		return wrapStoreErr(err)
	}

	if s.cache != nil {
		if err := s.cache.InvalidateActiveSessionID(ctx, session.UserID); err != nil {
			_ = err
		}
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < minNameLength {
		return workspace.NewError(workspace.KindMissingName, "session name must not be blank")
	}
	if len(name) > maxNameLength {
		return workspace.NewError(workspace.KindNameTooLong, "session name exceeds 200 characters")
	}
	return nil
}

func encryptionLabel(encrypted bool) string {
	if encrypted {
		return "AES-GCM"
	}
	return "none"
}

func compressionLabel(compressed bool) string {
	if compressed {
		return "gzip"
	}
	return "none"
}
