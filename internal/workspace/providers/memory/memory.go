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

// Package memory implements workspace.Store entirely in-memory. It is
// thread-safe and suitable for tests and single-instance development use;
// it holds no data across process restarts.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

// Store implements workspace.Store using in-memory maps guarded by a
// single RWMutex.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*workspace.Session
	checkpoints map[string]*workspace.Checkpoint
	keys        map[string]*workspace.UserEncryptionKey
	configs     map[string]*workspace.SessionConfig
	closed      bool
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*workspace.Session),
		checkpoints: make(map[string]*workspace.Checkpoint),
		keys:        make(map[string]*workspace.UserEncryptionKey),
		configs:     make(map[string]*workspace.SessionConfig),
	}
}

var _ workspace.Store = (*Store)(nil)

// CreateSession inserts s, deactivating any other session the same
// user holds active, and upserts cfg.
func (s *Store) CreateSession(ctx context.Context, sess *workspace.Session, cfg workspace.SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}

	for _, other := range s.sessions {
		if other.UserID == sess.UserID && other.Status == workspace.SessionActive {
			other.Status = workspace.SessionInactive
			other.IsActive = false
		}
	}

	s.sessions[sess.ID] = copySession(sess)
	cfgCopy := cfg
	s.configs[cfg.UserID] = &cfgCopy
	return nil
}

// UpdateSession writes a new payload under optimistic concurrency control.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, expectedVersion int64, payload []byte, checksum, algorithm, compression string) (*workspace.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, workspace.NewError(workspace.KindSessionNotFound, sessionID)
	}
	if sess.Version != expectedVersion {
		return nil, workspace.NewError(workspace.KindVersionConflict, sessionID)
	}

	sess.Payload = append([]byte{}, payload...)
	sess.StateChecksum = checksum
	sess.EncryptionAlgorithm = algorithm
	sess.Compression = compression
	sess.Version++
	sess.LastSavedAt = time.Now()

	return copySession(sess), nil
}

// GetSession returns a copy of the session, or nil if not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*workspace.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

// ListSessions applies filter in-memory and paginates the result.
func (s *Store) ListSessions(ctx context.Context, filter workspace.SessionListFilter) (*workspace.SessionPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*workspace.Session
	for _, sess := range s.sessions {
		if filter.UserID != "" && sess.UserID != filter.UserID {
			continue
		}
		if filter.WorkspaceID != "" && sess.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.IsActive != nil && sess.IsActive != *filter.IsActive {
			continue
		}
		matched = append(matched, sess)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	page := matched
	if filter.PageSize > 0 {
		start := filter.Page * filter.PageSize
		if start > len(matched) {
			start = len(matched)
		}
		end := start + filter.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page = matched[start:end]
	}

	out := make([]*workspace.Session, len(page))
	for i, sess := range page {
		out[i] = copySession(sess)
	}
	return &workspace.SessionPage{Sessions: out, Total: total}, nil
}

// DeleteSession transitions sessionID's status to Deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return workspace.NewError(workspace.KindSessionNotFound, sessionID)
	}
	sess.Status = workspace.SessionDeleted
	sess.IsActive = false
	return nil
}

// GetSessionConfig returns a copy of userID's config, or nil if unset.
func (s *Store) GetSessionConfig(ctx context.Context, userID string) (*workspace.SessionConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[userID]
	if !ok {
		return nil, nil
	}
	clone := *cfg
	return &clone, nil
}

// UpsertSessionConfig replaces userID's config wholesale.
func (s *Store) UpsertSessionConfig(ctx context.Context, cfg workspace.SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cfg
	s.configs[cfg.UserID] = &clone
	return nil
}

// CountActiveSessions counts userID's sessions with IsActive set.
func (s *Store) CountActiveSessions(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive {
			n++
		}
	}
	return n, nil
}

// ExpiredAutoSaved returns sessions in the Expired status saved before cutoff.
func (s *Store) ExpiredAutoSaved(ctx context.Context, cutoff time.Time, limit int) ([]*workspace.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workspace.Session
	for _, sess := range s.sessions {
		if sess.Status == workspace.SessionExpired && sess.LastSavedAt.Before(cutoff) {
			out = append(out, copySession(sess))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// InactiveOlderThan returns sessions in the Inactive status saved before cutoff.
func (s *Store) InactiveOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*workspace.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workspace.Session
	for _, sess := range s.sessions {
		if sess.Status == workspace.SessionInactive && sess.LastSavedAt.Before(cutoff) {
			out = append(out, copySession(sess))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// DeleteSessionsBatch removes the given sessions and their checkpoints,
// returning the total payload bytes freed.
func (s *Store) DeleteSessionsBatch(ctx context.Context, ids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var freed int64
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok {
			freed += int64(len(sess.Payload))
			delete(s.sessions, id)
		}
		for cpID, cp := range s.checkpoints {
			if cp.SessionID == id {
				freed += cp.CompressedSize
				delete(s.checkpoints, cpID)
			}
		}
	}
	return freed, nil
}

// CreateCheckpoint inserts c.
func (s *Store) CreateCheckpoint(ctx context.Context, c *workspace.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *c
	s.checkpoints[c.ID] = &clone
	return nil
}

// GetCheckpoints applies filter in-memory and paginates the result.
func (s *Store) GetCheckpoints(ctx context.Context, filter workspace.CheckpointFilter) (*workspace.CheckpointPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*workspace.Checkpoint
	for _, cp := range s.checkpoints {
		if filter.SessionID != "" && cp.SessionID != filter.SessionID {
			continue
		}
		if filter.Priority != "" && cp.Priority != filter.Priority {
			continue
		}
		if filter.IsAutoGenerated != nil && cp.IsAutoGenerated != *filter.IsAutoGenerated {
			continue
		}
		if !filter.DateFrom.IsZero() && cp.CreatedAt.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && cp.CreatedAt.After(filter.DateTo) {
			continue
		}
		matched = append(matched, cp)
	}

	sortCheckpoints(matched, filter.SortKey, filter.Order)

	total := int64(len(matched))
	limit, offset := filter.Limit, filter.Offset
	page := matched
	if limit > 0 {
		if offset > len(matched) {
			offset = len(matched)
		}
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page = matched[offset:end]
	}

	out := make([]*workspace.Checkpoint, len(page))
	for i, cp := range page {
		clone := *cp
		out[i] = &clone
	}
	return &workspace.CheckpointPage{
		Checkpoints: out,
		Total:       total,
		HasMore:     int64(offset+len(page)) < total,
	}, nil
}

func sortCheckpoints(cps []*workspace.Checkpoint, key workspace.CheckpointSortKey, order workspace.SortOrder) {
	less := func(i, j int) bool {
		switch key {
		case workspace.SortBySize:
			return cps[i].CompressedSize < cps[j].CompressedSize
		case workspace.SortByName:
			return cps[i].Name < cps[j].Name
		default:
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
	}
	if order == workspace.Descending {
		base := less
		less = func(i, j int) bool { return base(j, i) }
	}
	sort.Slice(cps, less)
}

// GetCheckpoint returns a copy of the checkpoint, or nil if not found.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*workspace.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, nil
	}
	clone := *cp
	return &clone, nil
}

// UpdateCheckpoint applies patch's non-nil fields.
func (s *Store) UpdateCheckpoint(ctx context.Context, id string, patch workspace.CheckpointPatch) (*workspace.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, workspace.NewError(workspace.KindNotFound, id)
	}
	if patch.Name != nil {
		cp.Name = *patch.Name
	}
	if patch.Description != nil {
		cp.Description = *patch.Description
	}
	if patch.Priority != nil {
		cp.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		cp.Tags = patch.Tags
	}
	if patch.Metadata != nil {
		cp.Metadata = patch.Metadata
	}
	clone := *cp
	return &clone, nil
}

// DeleteCheckpoints removes every id that exists, tolerating missing ones.
func (s *Store) DeleteCheckpoints(ctx context.Context, ids []string) (*workspace.BulkDeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &workspace.BulkDeleteResult{Errors: map[string]error{}}
	for _, id := range ids {
		if _, ok := s.checkpoints[id]; !ok {
			result.Errors[id] = workspace.NewError(workspace.KindNotFound, id)
			continue
		}
		delete(s.checkpoints, id)
		result.Deleted++
	}
	return result, nil
}

// CountForSession counts checkpoints belonging to sessionID.
func (s *Store) CountForSession(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, cp := range s.checkpoints {
		if cp.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// RecountCheckpointCount is a no-op: this store computes counts live.
func (s *Store) RecountCheckpointCount(ctx context.Context, sessionID string) error {
	return ctx.Err()
}

// GetCheckpointStatistics aggregates statistics over sessionID's checkpoints.
func (s *Store) GetCheckpointStatistics(ctx context.Context, sessionID string) (*workspace.CheckpointStatistics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &workspace.CheckpointStatistics{
		CountByPriority: map[workspace.CheckpointPriority]int64{},
		CountByTag:      map[string]int64{},
	}
	var totalCompressed, totalUncompressed int64
	for _, cp := range s.checkpoints {
		if cp.SessionID != sessionID {
			continue
		}
		stats.Count++
		stats.TotalSize += cp.CompressedSize
		totalCompressed += cp.CompressedSize
		totalUncompressed += cp.UncompressedSize
		stats.CountByPriority[cp.Priority]++
		for _, tag := range cp.Tags {
			stats.CountByTag[tag]++
		}
		if stats.Oldest.IsZero() || cp.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = cp.CreatedAt
		}
		if cp.CreatedAt.After(stats.Newest) {
			stats.Newest = cp.CreatedAt
		}
	}
	if stats.Count > 0 {
		stats.AverageSize = float64(stats.TotalSize) / float64(stats.Count)
	}
	if totalUncompressed > 0 {
		stats.CompressionRatio = float64(totalCompressed) / float64(totalUncompressed)
	}
	return stats, nil
}

// OlderThan returns checkpoints created before cutoff.
func (s *Store) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*workspace.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workspace.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			clone := *cp
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// CreateKey inserts k.
func (s *Store) CreateKey(ctx context.Context, k *workspace.UserEncryptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *k
	s.keys[k.KeyID] = &clone
	return nil
}

// GetKey returns a copy of the key, or nil if not found or not owned by userID.
func (s *Store) GetKey(ctx context.Context, userID, keyID string) (*workspace.UserEncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[keyID]
	if !ok || k.UserID != userID {
		return nil, nil
	}
	clone := *k
	return &clone, nil
}

// FindKeyByName returns userID's active key named keyName, or nil.
func (s *Store) FindKeyByName(ctx context.Context, userID, keyName string) (*workspace.UserEncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if k.UserID == userID && k.KeyName == keyName && k.IsActive {
			clone := *k
			return &clone, nil
		}
	}
	return nil, nil
}

// CountActiveKeys counts userID's keys with IsActive set.
func (s *Store) CountActiveKeys(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, k := range s.keys {
		if k.UserID == userID && k.IsActive {
			n++
		}
	}
	return n, nil
}

// RotateKey atomically deactivates oldKeyID and inserts newKey.
func (s *Store) RotateKey(ctx context.Context, oldKeyID, reason string, newKey *workspace.UserEncryptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.keys[oldKeyID]; ok {
		old.IsActive = false
		old.DeactivatedAt = time.Now()
		old.DeactivatedReason = reason
	}
	clone := *newKey
	s.keys[newKey.KeyID] = &clone
	return nil
}

// DeactivateKey marks keyID inactive.
func (s *Store) DeactivateKey(ctx context.Context, keyID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return workspace.NewError(workspace.KindNotFound, keyID)
	}
	k.IsActive = false
	k.DeactivatedAt = time.Now()
	k.DeactivatedReason = reason
	return nil
}

// DeleteKey permanently removes keyID.
func (s *Store) DeleteKey(ctx context.Context, userID, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok || k.UserID != userID {
		return workspace.NewError(workspace.KindNotFound, keyID)
	}
	delete(s.keys, keyID)
	return nil
}

// TouchLastUsed stamps keyID's LastUsedAt.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[keyID]; ok {
		k.LastUsedAt = at
	}
	return nil
}

// ExpiredActiveKeys returns active keys whose ExpiresAt has passed now.
func (s *Store) ExpiredActiveKeys(ctx context.Context, now time.Time) ([]*workspace.UserEncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workspace.UserEncryptionKey
	for _, k := range s.keys {
		if k.IsActive && k.IsExpired(now) {
			clone := *k
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ActiveKeysOlderThan returns active keys created before cutoff.
func (s *Store) ActiveKeysOlderThan(ctx context.Context, cutoff time.Time) ([]*workspace.UserEncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workspace.UserEncryptionKey
	for _, k := range s.keys {
		if k.IsActive && k.CreatedAt.Before(cutoff) {
			clone := *k
			out = append(out, &clone)
		}
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases the store's contents.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.sessions = nil
	s.checkpoints = nil
	s.keys = nil
	s.configs = nil
	return nil
}

func copySession(sess *workspace.Session) *workspace.Session {
	clone := *sess
	clone.Payload = append([]byte{}, sess.Payload...)
	if len(sess.Tags) > 0 {
		clone.Tags = append([]string{}, sess.Tags...)
	}
	return &clone
}
