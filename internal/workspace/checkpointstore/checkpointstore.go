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

// Package checkpointstore implements spec §4.5: named, immutable
// snapshots of a session's state, restore-from-checkpoint, and the
// per-session checkpoint count cap.
package checkpointstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/serializer"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
	defaultMaxPerSession = 50
)

// Store implements the Checkpoint Store component against a durable
// workspace.CheckpointStore and a Serializer.
type Store struct {
	db            workspace.CheckpointStore
	sessions      workspace.SessionStore
	ser           *serializer.Serializer
	maxPerSession int
	now           func() time.Time
}

// New constructs a Store. maxPerSession <= 0 uses the engine default of 50.
func New(db workspace.CheckpointStore, sessions workspace.SessionStore, ser *serializer.Serializer, maxPerSession int) *Store {
	if maxPerSession <= 0 {
		maxPerSession = defaultMaxPerSession
	}
	return &Store{db: db, sessions: sessions, ser: ser, maxPerSession: maxPerSession, now: time.Now}
}

// wrapStoreErr preserves a store-returned error's own Kind (e.g.
// KindNotFound) instead of masking it behind KindStoreError, which is
// reserved for genuinely unclassified infrastructure failures.
func wrapStoreErr(err error) error {
	if workspace.Kind(err) != "" {
		return err
	}
	return workspace.Wrap(workspace.KindStoreError, err)
}

// CreateCheckpointRequest groups CreateCheckpoint's parameters.
type CreateCheckpointRequest struct {
	SessionID       string
	Name            string
	Description     string
	Priority        workspace.CheckpointPriority
	Tags            []string
	IsAutoGenerated bool
	Password        string
}

// CreateCheckpoint implements spec §4.5's createCheckpoint: validates
// name/description, enforces the per-session checkpoint cap, and
// serializes the session's current state into a new immutable
// Checkpoint.
func (s *Store) CreateCheckpoint(ctx context.Context, req CreateCheckpointRequest) (*workspace.Checkpoint, error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if len(req.Description) > maxDescriptionLength {
		return nil, workspace.NewError(workspace.KindDescriptionTooLong, "description exceeds 2000 characters")
	}

	session, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if session == nil || session.Status == workspace.SessionDeleted {
		return nil, workspace.NewError(workspace.KindSessionNotFound, req.SessionID)
	}

	count, err := s.db.CountForSession(ctx, req.SessionID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if count >= int64(s.maxPerSession) {
		return nil, workspace.NewError(workspace.KindCheckpointLimit,
			"session already holds the maximum number of checkpoints")
	}

	state, err := s.ser.Deserialize(session.Payload, session.StateChecksum, req.Password)
	if err != nil {
		return nil, err
	}
	result, err := s.ser.Serialize(state, req.Password)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = workspace.PriorityMedium
	}

	checkpoint := &workspace.Checkpoint{
		ID:               uuid.New().String(),
		SessionID:        req.SessionID,
		Name:             req.Name,
		Description:      req.Description,
		Priority:         priority,
		Tags:             req.Tags,
		IsAutoGenerated:  req.IsAutoGenerated,
		Payload:          result.Data,
		StateChecksum:    result.Checksum,
		CompressedSize:   result.Size,
		UncompressedSize: int64(len(session.Payload)),
		CreatedAt:        s.now(),
		Metadata:         map[string]string{},
	}

	if err := s.db.CreateCheckpoint(ctx, checkpoint); err != nil {
		return nil, wrapStoreErr(err)
	}
	return checkpoint, nil
}

// GetCheckpoints implements spec §4.5's getCheckpoints.
func (s *Store) GetCheckpoints(ctx context.Context, filter workspace.CheckpointFilter) (*workspace.CheckpointPage, error) {
	page, err := s.db.GetCheckpoints(ctx, filter)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return page, nil
}

// RestoreResult pairs a Checkpoint with its decoded state.
type RestoreResult struct {
	Checkpoint *workspace.Checkpoint
	State      *workspace.WorkspaceState
}

// RestoreFromCheckpoint implements spec §4.5's restoreFromCheckpoint:
// decrypts/decodes a checkpoint's payload for the caller to write back
// through the Session Store.
func (s *Store) RestoreFromCheckpoint(ctx context.Context, checkpointID, password string) (*RestoreResult, error) {
	checkpoint, err := s.db.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if checkpoint == nil {
		return nil, workspace.NewError(workspace.KindNotFound, checkpointID)
	}

	state, err := s.ser.Deserialize(checkpoint.Payload, checkpoint.StateChecksum, password)
	if err != nil {
		return nil, err
	}
	return &RestoreResult{Checkpoint: checkpoint, State: state}, nil
}

// UpdateCheckpoint implements spec §4.5's updateCheckpoint: only
// name/description/priority/tags/metadata may change; the payload is
// immutable.
func (s *Store) UpdateCheckpoint(ctx context.Context, id string, patch workspace.CheckpointPatch) (*workspace.Checkpoint, error) {
	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if patch.Description != nil && len(*patch.Description) > maxDescriptionLength {
		return nil, workspace.NewError(workspace.KindDescriptionTooLong, "description exceeds 2000 characters")
	}

	updated, err := s.db.UpdateCheckpoint(ctx, id, patch)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return updated, nil
}

// DeleteCheckpoints implements spec §4.5's deleteCheckpoints (bulk). It
// does not call RecountCheckpointCount for the affected sessions.
func (s *Store) DeleteCheckpoints(ctx context.Context, ids []string) (*workspace.BulkDeleteResult, error) {
	result, err := s.db.DeleteCheckpoints(ctx, ids)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return result, nil
}

// GetCheckpointStatistics implements spec §4.5's getCheckpointStatistics.
func (s *Store) GetCheckpointStatistics(ctx context.Context, sessionID string) (*workspace.CheckpointStatistics, error) {
	stats, err := s.db.GetCheckpointStatistics(ctx, sessionID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return stats, nil
}

func validateName(name string) error {
	if len(strings.TrimSpace(name)) < 1 {
		return workspace.NewError(workspace.KindMissingName, "checkpoint name must not be blank")
	}
	if len(name) > maxNameLength {
		return workspace.NewError(workspace.KindNameTooLong, "checkpoint name exceeds 200 characters")
	}
	return nil
}
