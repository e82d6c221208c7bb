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

// Package api is the thin HTTP collaborator in front of the Session
// Store, Checkpoint Store, Key Manager, and Recovery Engine: it decodes
// requests, calls the collaborator, and maps workspace.ErrorKind to an
// HTTP status, doing no business logic of its own.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/checkpointstore"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
	"github.com/cortexlane/workspace-engine/internal/workspace/keymanager"
	"github.com/cortexlane/workspace-engine/internal/workspace/recovery"
	"github.com/cortexlane/workspace-engine/internal/workspace/sessionstore"
)

const (
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
	headerPassword    = "X-Session-Password"

	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	// ErrMissingBody is returned when a write endpoint's request body is
	// absent or not valid JSON.
	ErrMissingBody = errors.New("request body is required")
	// ErrMissingPassword is returned when an endpoint that decrypts
	// state receives no X-Session-Password header.
	ErrMissingPassword = errors.New("X-Session-Password header is required")
)

// ErrorResponse is the JSON response body for a failed request.
type ErrorResponse struct {
	Error string          `json:"error"`
	Kind  workspace.ErrorKind `json:"kind,omitempty"`
}

// Handler wires HTTP routes onto the Session Store, Checkpoint Store,
// Key Manager, and Recovery Engine.
type Handler struct {
	sessions    *sessionstore.Store
	checkpoints *checkpointstore.Store
	keys        *keymanager.Manager
	crypto      *crypto.Default
	log         logr.Logger
}

// NewHandler constructs a Handler.
func NewHandler(sessions *sessionstore.Store, checkpoints *checkpointstore.Store, keys *keymanager.Manager, log logr.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		checkpoints: checkpoints,
		keys:        keys,
		crypto:      crypto.NewDefault(),
		log:         log.WithName("workspace-handler"),
	}
}

// RegisterRoutes registers every workspace API route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}", h.handleGetSession)
	mux.HandleFunc("PUT /api/v1/sessions/{sessionID}", h.handleUpdateSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionID}", h.handleDeleteSession)

	mux.HandleFunc("POST /api/v1/sessions/{sessionID}/checkpoints", h.handleCreateCheckpoint)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/checkpoints", h.handleListCheckpoints)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/checkpoints/stats", h.handleCheckpointStats)
	mux.HandleFunc("PATCH /api/v1/checkpoints/{checkpointID}", h.handleUpdateCheckpoint)
	mux.HandleFunc("POST /api/v1/checkpoints/{checkpointID}/restore", h.handleRestoreCheckpoint)
	mux.HandleFunc("POST /api/v1/sessions/{sessionID}/checkpoints:delete", h.handleDeleteCheckpoints)

	mux.HandleFunc("POST /api/v1/users/{userID}/keys", h.handleCreateKey)
	mux.HandleFunc("POST /api/v1/users/{userID}/keys/{keyID}/validate", h.handleValidateKey)
	mux.HandleFunc("POST /api/v1/users/{userID}/keys/{keyID}/rotate", h.handleRotateKey)
	mux.HandleFunc("DELETE /api/v1/users/{userID}/keys/{keyID}", h.handleDeleteKey)

	mux.HandleFunc("POST /api/v1/recovery/repair", h.handleRepairState)
	mux.HandleFunc("POST /api/v1/recovery/merge", h.handleMergeConflicts)
}

// --- Sessions ---

type createSessionBody struct {
	UserID      string                    `json:"userId"`
	WorkspaceID string                    `json:"workspaceId"`
	Name        string                    `json:"name"`
	Password    string                    `json:"password"`
	Tags        []string                  `json:"tags,omitempty"`
	State       *workspace.WorkspaceState `json:"state"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if !decodeBody(w, r, &body) {
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), sessionstore.CreateSessionRequest{
		UserID:      body.UserID,
		WorkspaceID: body.WorkspaceID,
		Name:        body.Name,
		State:       body.State,
		Password:    body.Password,
		Tags:        body.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(session)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workspace.SessionListFilter{
		UserID:      q.Get("userId"),
		WorkspaceID: q.Get("workspaceId"),
		Page:        parseIntParam(r, "page", 0),
		PageSize:    min(parseIntParam(r, "pageSize", defaultPageSize), maxPageSize),
	}
	if v := q.Get("isActive"); v != "" {
		active := v == "true"
		filter.IsActive = &active
	}

	page, err := h.sessions.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	password := r.Header.Get(headerPassword)
	if password == "" {
		writeError(w, ErrMissingPassword)
		return
	}

	result, err := h.sessions.GetSession(r.Context(), sessionID, password)
	if err != nil {
		if workspace.IsRecoverable(err) {
			h.log.Info("session read failed recoverably", "sessionID", sessionID, "kind", workspace.Kind(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type updateSessionBody struct {
	ExpectedVersion int64                     `json:"expectedVersion"`
	Password        string                    `json:"password"`
	State           *workspace.WorkspaceState `json:"state"`
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	var body updateSessionBody
	if !decodeBody(w, r, &body) {
		return
	}

	session, err := h.sessions.UpdateSession(r.Context(), sessionstore.UpdateSessionRequest{
		SessionID:       sessionID,
		ExpectedVersion: body.ExpectedVersion,
		State:           body.State,
		Password:        body.Password,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if err := h.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Checkpoints ---

type createCheckpointBody struct {
	Name            string                       `json:"name"`
	Description     string                       `json:"description,omitempty"`
	Priority        workspace.CheckpointPriority `json:"priority,omitempty"`
	Tags            []string                     `json:"tags,omitempty"`
	IsAutoGenerated bool                         `json:"isAutoGenerated,omitempty"`
	Password        string                       `json:"password"`
}

func (h *Handler) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	var body createCheckpointBody
	if !decodeBody(w, r, &body) {
		return
	}

	checkpoint, err := h.checkpoints.CreateCheckpoint(r.Context(), checkpointstore.CreateCheckpointRequest{
		SessionID:       sessionID,
		Name:            body.Name,
		Description:     body.Description,
		Priority:        body.Priority,
		Tags:            body.Tags,
		IsAutoGenerated: body.IsAutoGenerated,
		Password:        body.Password,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(checkpoint)
}

func (h *Handler) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	q := r.URL.Query()

	filter := workspace.CheckpointFilter{
		SessionID: sessionID,
		Priority:  workspace.CheckpointPriority(q.Get("priority")),
		SortKey:   workspace.CheckpointSortKey(q.Get("sortKey")),
		Order:     workspace.SortOrder(q.Get("order")),
		Limit:     min(parseIntParam(r, "limit", defaultPageSize), maxPageSize),
		Offset:    parseIntParam(r, "offset", 0),
	}

	page, err := h.checkpoints.GetCheckpoints(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

func (h *Handler) handleCheckpointStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	stats, err := h.checkpoints.GetCheckpointStatistics(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) handleUpdateCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.PathValue("checkpointID")
	var patch workspace.CheckpointPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	checkpoint, err := h.checkpoints.UpdateCheckpoint(r.Context(), checkpointID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, checkpoint)
}

func (h *Handler) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.PathValue("checkpointID")
	password := r.Header.Get(headerPassword)
	if password == "" {
		writeError(w, ErrMissingPassword)
		return
	}

	result, err := h.checkpoints.RestoreFromCheckpoint(r.Context(), checkpointID, password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type deleteCheckpointsBody struct {
	IDs []string `json:"ids"`
}

func (h *Handler) handleDeleteCheckpoints(w http.ResponseWriter, r *http.Request) {
	var body deleteCheckpointsBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.checkpoints.DeleteCheckpoints(r.Context(), body.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// --- Keys ---

type createKeyBody struct {
	KeyName       string   `json:"keyName"`
	Password      string   `json:"password"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ExpiresInDays int      `json:"expiresInDays,omitempty"`
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var body createKeyBody
	if !decodeBody(w, r, &body) {
		return
	}

	key, err := h.keys.CreateUserKey(r.Context(), keymanager.CreateUserKeyRequest{
		UserID:        userID,
		KeyName:       body.KeyName,
		Password:      body.Password,
		Description:   body.Description,
		Tags:          body.Tags,
		ExpiresInDays: body.ExpiresInDays,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(key)
}

type validateKeyBody struct {
	Password string `json:"password"`
}

func (h *Handler) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	userID, keyID := r.PathValue("userID"), r.PathValue("keyID")
	var body validateKeyBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.keys.ValidateUserKey(r.Context(), userID, keyID, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type rotateKeyBody struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	NewKeyName      string `json:"newKeyName,omitempty"`
	PreserveOldKey  bool   `json:"preserveOldKey,omitempty"`
	ForceRotation   bool   `json:"forceRotation,omitempty"`
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	userID, keyID := r.PathValue("userID"), r.PathValue("keyID")
	var body rotateKeyBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.keys.RotateUserKey(r.Context(), keymanager.RotateUserKeyRequest{
		UserID:          userID,
		KeyID:           keyID,
		CurrentPassword: body.CurrentPassword,
		NewPassword:     body.NewPassword,
		NewKeyName:      body.NewKeyName,
		PreserveOldKey:  body.PreserveOldKey,
		ForceRotation:   body.ForceRotation,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	userID, keyID := r.PathValue("userID"), r.PathValue("keyID")
	password := r.Header.Get(headerPassword)
	if password == "" {
		writeError(w, ErrMissingPassword)
		return
	}

	if err := h.keys.DeleteUserKey(r.Context(), userID, keyID, password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Recovery ---

type repairStateBody struct {
	CorruptedState json.RawMessage `json:"corruptedState"`
}

// handleRepairState runs the recovery pipeline over a client-submitted
// corrupted payload: structure validation, best-effort partial-state
// extraction, then repair. Recovery is stateless and never touches the
// store directly; the caller is responsible for writing the repaired
// state back through PUT /api/v1/sessions/{sessionID}.
func (h *Handler) handleRepairState(w http.ResponseWriter, r *http.Request) {
	var body repairStateBody
	if !decodeBody(w, r, &body) {
		return
	}

	report := recovery.ValidateBasicStructure(body.CorruptedState)
	if !report.CanRecover {
		writeJSON(w, report)
		return
	}

	partial := recovery.ExtractPartialState(body.CorruptedState)
	if partial == nil {
		writeError(w, workspace.NewError(workspace.KindUnrecoverableCorruption, "no recoverable state found in payload"))
		return
	}

	result, err := recovery.RepairWorkspaceState(partial, h.crypto.SHA256Hex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type mergeConflictsBody struct {
	Candidates []recovery.Candidate `json:"candidates"`
	Strategy   recovery.MergeStrategy `json:"strategy"`
}

func (h *Handler) handleMergeConflicts(w http.ResponseWriter, r *http.Request) {
	var body mergeConflictsBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := recovery.MergeConflicts(body.Candidates, body.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, ErrMissingBody)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, ErrMissingBody)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		_ = err
	}
}

// errorStatus maps a workspace.ErrorKind to its HTTP status code.
var errorStatus = map[workspace.ErrorKind]int{
	workspace.KindInvalidStateShape:      http.StatusBadRequest,
	workspace.KindStateTooLarge:          http.StatusRequestEntityTooLarge,
	workspace.KindMissingName:            http.StatusBadRequest,
	workspace.KindNameTooLong:            http.StatusBadRequest,
	workspace.KindDescriptionTooLong:     http.StatusBadRequest,
	workspace.KindInvalidSessionID:       http.StatusBadRequest,
	workspace.KindWeakPassword:           http.StatusBadRequest,
	workspace.KindKeyNameConflict:        http.StatusConflict,
	workspace.KindKeyLimitExceeded:       http.StatusConflict,
	workspace.KindRotationTooSoon:        http.StatusConflict,
	workspace.KindLastKey:                http.StatusConflict,
	workspace.KindMissingKey:             http.StatusBadRequest,
	workspace.KindIntegrityFailed:        http.StatusUnprocessableEntity,
	workspace.KindDecryptionFailed:       http.StatusUnprocessableEntity,
	workspace.KindUnsupportedAlgorithm:   http.StatusUnprocessableEntity,
	workspace.KindBaseStateMismatch:      http.StatusConflict,
	workspace.KindNotFound:               http.StatusNotFound,
	workspace.KindSessionNotFound:        http.StatusNotFound,
	workspace.KindExpired:                http.StatusGone,
	workspace.KindVersionConflict:        http.StatusConflict,
	workspace.KindCheckpointLimit:        http.StatusConflict,
	workspace.KindInvalidPassword:        http.StatusUnauthorized,
	workspace.KindStoreError:             http.StatusInternalServerError,
	workspace.KindDeadline:               http.StatusGatewayTimeout,
	workspace.KindNoCandidates:           http.StatusBadRequest,
	workspace.KindUnrecoverableCorruption: http.StatusUnprocessableEntity,
}

// writeError maps err to an HTTP status via its workspace.ErrorKind (or
// a handler-local sentinel) and writes a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := workspace.Kind(err)

	switch {
	case errors.Is(err, ErrMissingBody), errors.Is(err, ErrMissingPassword):
		status = http.StatusBadRequest
	case kind != "":
		if s, ok := errorStatus[kind]; ok {
			status = s
		}
	}

	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Kind: kind})
}
