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

// Package keymanager implements spec §4.3: generation, validation,
// rotation, and deletion of per-user master keys, built on envelope
// encryption over a password-derived wrapping key.
package keymanager

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
)

const (
	maxActiveKeysPerUser = 10
	minKeyNameLength      = 1
	maxKeyNameLength      = 100
	minRotationAge        = 30 * 24 * time.Hour
	defaultKeyExpiry      = 90 * 24 * time.Hour
	nearExpiryWindow      = 7 * 24 * time.Hour
	maxFailedValidations  = 5
	lockoutDuration       = 15 * time.Minute
)

// PasswordPolicy configures password acceptance rules.
type PasswordPolicy struct {
	MinLength             int
	RequireUppercase      bool
	RequireDigit          bool
	RequireSpecial        bool
	PreventCommonPasswords bool
	MaxFailedAttempts     int
	LockoutDuration       time.Duration
}

// DefaultPasswordPolicy returns the baseline password requirements.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:              12,
		RequireUppercase:       true,
		RequireDigit:           true,
		RequireSpecial:         true,
		PreventCommonPasswords: true,
		MaxFailedAttempts:      maxFailedValidations,
		LockoutDuration:        lockoutDuration,
	}
}

// Config tunes a Manager instance.
type Config struct {
	Policy        PasswordPolicy
	KDF           crypto.KDFAlgorithm
	KDFIterations int
}

// DefaultConfig returns the engine's default key manager configuration.
func DefaultConfig() Config {
	return Config{
		Policy:        DefaultPasswordPolicy(),
		KDF:           crypto.PBKDF2,
		KDFIterations: crypto.DefaultPBKDF2Iterations,
	}
}

// ValidationResult is the reply of ValidateUserKey.
type ValidationResult struct {
	IsValid     bool
	IsExpired   bool
	IsNearExpiry bool
	Strength    int
	Warnings    []string
	Errors      []string
}

// RotationResult is the reply of RotateUserKey.
type RotationResult struct {
	NewKey            *workspace.UserEncryptionKey
	OldKeyDeactivated bool
	MigrationRequired bool
}

// Manager implements spec §4.3 against a workspace.KeyStore.
type Manager struct {
	store    workspace.KeyStore
	provider crypto.Provider
	cfg      Config
	now      func() time.Time
}

// New constructs a Manager.
func New(store workspace.KeyStore, provider crypto.Provider, cfg Config) *Manager {
	return &Manager{store: store, provider: provider, cfg: cfg, now: time.Now}
}

// CreateUserKeyRequest groups CreateUserKey's optional parameters.
type CreateUserKeyRequest struct {
	UserID        string
	KeyName       string
	Password      string
	Description   string
	Tags          []string
	ExpiresInDays int
}

// CreateUserKey implements spec §4.3's createUserKey.
func (m *Manager) CreateUserKey(ctx context.Context, req CreateUserKeyRequest) (*workspace.UserEncryptionKey, error) {
	if err := validateKeyName(req.KeyName); err != nil {
		return nil, err
	}
	existing, err := m.store.FindKeyByName(ctx, req.UserID, req.KeyName)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	if existing != nil {
		return nil, workspace.NewError(workspace.KindKeyNameConflict, req.KeyName)
	}

	count, err := m.store.CountActiveKeys(ctx, req.UserID)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	if count >= maxActiveKeysPerUser {
		return nil, workspace.NewError(workspace.KindKeyLimitExceeded,
			"user already has the maximum number of active keys")
	}

	if reasons := CheckPassword(req.Password, m.cfg.Policy); len(reasons) > 0 {
		return nil, workspace.NewError(workspace.KindWeakPassword, strings.Join(reasons, "; "))
	}

	key, err := m.buildKey(req.UserID, req.KeyName, req.Password, req.Description, req.Tags, req.ExpiresInDays)
	if err != nil {
		return nil, err
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	return redacted(key), nil
}

func (m *Manager) buildKey(userID, keyName, password, description string, tags []string, expiresInDays int) (*workspace.UserEncryptionKey, error) {
	sessionKey, err := m.provider.RandomBytes(crypto.KeyLengthBytes)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	wrappingKey, err := m.provider.DeriveKey(password, salt, m.cfg.KDFIterations, m.cfg.KDF)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	encryptedSessionKey, iv, err := m.provider.Encrypt(sessionKey, wrappingKey)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}

	expiry := defaultKeyExpiry
	if expiresInDays > 0 {
		expiry = time.Duration(expiresInDays) * 24 * time.Hour
	}

	now := m.now()
	return &workspace.UserEncryptionKey{
		KeyID:               uuid.New().String(),
		UserID:              userID,
		KeyName:             keyName,
		EncryptedSessionKey: encryptedSessionKey,
		Salt:                salt,
		IV:                  iv,
		Algorithm:           string(m.cfg.KDF),
		Iterations:          m.cfg.KDFIterations,
		IsActive:            true,
		CreatedAt:           now,
		ExpiresAt:           now.Add(expiry),
		Tags:                tags,
		Description:         description,
		Metadata:            map[string]string{},
	}, nil
}

// ValidateUserKey implements spec §4.3's validateUserKey.
func (m *Manager) ValidateUserKey(ctx context.Context, userID, keyID, password string) (*ValidationResult, error) {
	key, err := m.store.GetKey(ctx, userID, keyID)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	if key == nil || !key.IsActive {
		return nil, workspace.NewError(workspace.KindNotFound, keyID)
	}

	result := &ValidationResult{Strength: ScorePassword(password)}
	now := m.now()
	result.IsExpired = key.IsExpired(now)
	result.IsNearExpiry = !result.IsExpired && key.ExpiresAt.Sub(now) <= nearExpiryWindow

	wrappingKey, err := m.provider.DeriveKey(password, key.Salt, key.Iterations, crypto.KDFAlgorithm(key.Algorithm))
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}
	if _, err := m.provider.Decrypt(key.EncryptedSessionKey, key.IV, wrappingKey); err != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, "password does not match this key")
		return result, nil
	}

	result.IsValid = true
	if key.Iterations < crypto.DefaultPBKDF2Iterations && key.Algorithm == string(crypto.PBKDF2) {
		result.Warnings = append(result.Warnings, "WeakKDF: iteration count below current recommendation")
	}
	if err := m.store.TouchLastUsed(ctx, keyID, now); err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	return result, nil
}

// RotateUserKeyRequest groups RotateUserKey's optional parameters.
type RotateUserKeyRequest struct {
	UserID          string
	KeyID           string
	CurrentPassword string
	NewPassword     string
	NewKeyName      string
	PreserveOldKey  bool
	ForceRotation   bool
}

// RotateUserKey implements spec §4.3's rotateUserKey.
func (m *Manager) RotateUserKey(ctx context.Context, req RotateUserKeyRequest) (*RotationResult, error) {
	valid, err := m.ValidateUserKey(ctx, req.UserID, req.KeyID, req.CurrentPassword)
	if err != nil {
		return nil, err
	}
	if !valid.IsValid {
		return nil, workspace.NewError(workspace.KindInvalidPassword, "current password does not match")
	}

	oldKey, err := m.store.GetKey(ctx, req.UserID, req.KeyID)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindStoreError, err)
	}
	age := m.now().Sub(oldKey.CreatedAt)
	if age < minRotationAge && !req.ForceRotation {
		return nil, workspace.NewError(workspace.KindRotationTooSoon,
			"key must be at least 30 days old before rotation")
	}

	if reasons := CheckPassword(req.NewPassword, m.cfg.Policy); len(reasons) > 0 {
		return nil, workspace.NewError(workspace.KindWeakPassword, strings.Join(reasons, "; "))
	}

	keyName := req.NewKeyName
	if keyName == "" {
		keyName = oldKey.KeyName + "-rotated-" + uuid.New().String()[:8]
	}
	newKey, err := m.buildKey(req.UserID, keyName, req.NewPassword, oldKey.Description, oldKey.Tags, 0)
	if err != nil {
		return nil, err
	}
	newKey.Metadata["rotatedFromKeyId"] = oldKey.KeyID

	deactivated := false
	if !req.PreserveOldKey {
		if err := m.store.RotateKey(ctx, oldKey.KeyID, "key_rotation", newKey); err != nil {
			return nil, workspace.Wrap(workspace.KindStoreError, err)
		}
		deactivated = true
	} else {
		if err := m.store.CreateKey(ctx, newKey); err != nil {
			return nil, workspace.Wrap(workspace.KindStoreError, err)
		}
	}

	return &RotationResult{
		NewKey:            redacted(newKey),
		OldKeyDeactivated: deactivated,
		MigrationRequired: true,
	}, nil
}

// DeleteUserKey implements spec §4.3's deleteUserKey.
func (m *Manager) DeleteUserKey(ctx context.Context, userID, keyID, password string) error {
	valid, err := m.ValidateUserKey(ctx, userID, keyID, password)
	if err != nil {
		return err
	}
	if !valid.IsValid {
		return workspace.NewError(workspace.KindInvalidPassword, "password does not match this key")
	}

	count, err := m.store.CountActiveKeys(ctx, userID)
	if err != nil {
		return workspace.Wrap(workspace.KindStoreError, err)
	}
	if count <= 1 {
		return workspace.NewError(workspace.KindLastKey, "cannot delete a user's only active key")
	}

	if err := m.store.DeleteKey(ctx, userID, keyID); err != nil {
		return workspace.Wrap(workspace.KindStoreError, err)
	}
	return nil
}

// CleanupExpiredKeys implements spec §4.3's cleanupExpiredKeys. It is
// idempotent and resumable: a key already deactivated will not be found
// by ExpiredActiveKeys on a subsequent run.
func (m *Manager) CleanupExpiredKeys(ctx context.Context) (int, error) {
	keys, err := m.store.ExpiredActiveKeys(ctx, m.now())
	if err != nil {
		return 0, workspace.Wrap(workspace.KindStoreError, err)
	}
	for _, k := range keys {
		if err := m.store.DeactivateKey(ctx, k.KeyID, "expired"); err != nil {
			return 0, workspace.Wrap(workspace.KindStoreError, err)
		}
	}
	return len(keys), nil
}

func redacted(k *workspace.UserEncryptionKey) *workspace.UserEncryptionKey {
	clone := *k
	clone.EncryptedSessionKey = nil
	clone.Salt = nil
	clone.IV = nil
	return &clone
}

func validateKeyName(name string) error {
	if len(strings.TrimSpace(name)) < minKeyNameLength {
		return workspace.NewError(workspace.KindMissingName, "keyName must not be blank")
	}
	if len(name) > maxKeyNameLength {
		return workspace.NewError(workspace.KindNameTooLong, "keyName exceeds 100 characters")
	}
	return nil
}

// CheckPassword validates password against policy, returning a list of
// human-readable reasons it was rejected (empty when accepted).
func CheckPassword(password string, policy PasswordPolicy) []string {
	var reasons []string
	if len(password) < policy.MinLength {
		reasons = append(reasons, "password must be at least 12 characters")
	}
	if len(password) > 128 {
		reasons = append(reasons, "password must be at most 128 characters")
	}
	var hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if policy.RequireUppercase && !hasUpper {
		reasons = append(reasons, "password must contain an uppercase letter")
	}
	if policy.RequireDigit && !hasDigit {
		reasons = append(reasons, "password must contain a digit")
	}
	if policy.RequireSpecial && !hasSpecial {
		reasons = append(reasons, "password must contain a special character")
	}
	if policy.PreventCommonPasswords && isCommonPassword(password) {
		reasons = append(reasons, "password is too common")
	}
	return reasons
}

// ScorePassword scores a password's strength 0 (weak) to 4 (strong)
// based on length and character-class diversity.
func ScorePassword(password string) int {
	classes := 0
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	for _, present := range []bool{hasUpper, hasLower, hasDigit, hasSpecial} {
		if present {
			classes++
		}
	}
	score := 0
	if len(password) >= 12 {
		score++
	}
	if len(password) >= 16 {
		score++
	}
	if classes >= 3 {
		score++
	}
	if classes >= 4 {
		score++
	}
	if score > 4 {
		score = 4
	}
	return score
}

var commonPasswords = map[string]bool{
	"password":    true,
	"password123": true,
	"12345678":    true,
	"qwerty123":   true,
	"letmein123":  true,
	"admin12345":  true,
}

func isCommonPassword(password string) bool {
	return commonPasswords[strings.ToLower(password)]
}
