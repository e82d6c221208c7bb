package keymanager

import (
	"context"
	"testing"
	"time"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
)

type fakeKeyStore struct {
	keys map[string]*workspace.UserEncryptionKey
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]*workspace.UserEncryptionKey{}}
}

func (f *fakeKeyStore) CreateKey(ctx context.Context, k *workspace.UserEncryptionKey) error {
	clone := *k
	f.keys[k.KeyID] = &clone
	return nil
}

func (f *fakeKeyStore) GetKey(ctx context.Context, userID, keyID string) (*workspace.UserEncryptionKey, error) {
	k, ok := f.keys[keyID]
	if !ok || k.UserID != userID {
		return nil, nil
	}
	clone := *k
	return &clone, nil
}

func (f *fakeKeyStore) FindKeyByName(ctx context.Context, userID, keyName string) (*workspace.UserEncryptionKey, error) {
	for _, k := range f.keys {
		if k.UserID == userID && k.KeyName == keyName && k.IsActive {
			clone := *k
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyStore) CountActiveKeys(ctx context.Context, userID string) (int64, error) {
	var n int64
	for _, k := range f.keys {
		if k.UserID == userID && k.IsActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeKeyStore) RotateKey(ctx context.Context, oldKeyID, reason string, newKey *workspace.UserEncryptionKey) error {
	if old, ok := f.keys[oldKeyID]; ok {
		old.IsActive = false
		old.DeactivatedReason = reason
	}
	clone := *newKey
	f.keys[newKey.KeyID] = &clone
	return nil
}

func (f *fakeKeyStore) DeactivateKey(ctx context.Context, keyID, reason string) error {
	if k, ok := f.keys[keyID]; ok {
		k.IsActive = false
		k.DeactivatedReason = reason
	}
	return nil
}

func (f *fakeKeyStore) DeleteKey(ctx context.Context, userID, keyID string) error {
	delete(f.keys, keyID)
	return nil
}

func (f *fakeKeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	if k, ok := f.keys[keyID]; ok {
		k.LastUsedAt = at
	}
	return nil
}

func (f *fakeKeyStore) ExpiredActiveKeys(ctx context.Context, now time.Time) ([]*workspace.UserEncryptionKey, error) {
	var out []*workspace.UserEncryptionKey
	for _, k := range f.keys {
		if k.IsActive && k.IsExpired(now) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeKeyStore) ActiveKeysOlderThan(ctx context.Context, cutoff time.Time) ([]*workspace.UserEncryptionKey, error) {
	var out []*workspace.UserEncryptionKey
	for _, k := range f.keys {
		if k.IsActive && k.CreatedAt.Before(cutoff) {
			out = append(out, k)
		}
	}
	return out, nil
}

const strongPassword = "Correct-Horse9!"

func newManager(store *fakeKeyStore) *Manager {
	return New(store, crypto.NewDefault(), DefaultConfig())
}

func TestCreateUserKey(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)

	key, err := m.CreateUserKey(context.Background(), CreateUserKeyRequest{
		UserID:   "u1",
		KeyName:  "laptop",
		Password: strongPassword,
	})
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}
	if key.KeyID == "" {
		t.Fatal("expected a generated key id")
	}
	if key.EncryptedSessionKey != nil || key.Salt != nil || key.IV != nil {
		t.Fatal("expected redacted key material on the returned key")
	}
}

func TestCreateUserKeyRejectsWeakPassword(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)

	_, err := m.CreateUserKey(context.Background(), CreateUserKeyRequest{
		UserID:   "u1",
		KeyName:  "laptop",
		Password: "weak",
	})
	if workspace.Kind(err) != workspace.KindWeakPassword {
		t.Fatalf("expected KindWeakPassword, got %v", err)
	}
}

func TestCreateUserKeyRejectsDuplicateName(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	if _, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword}); err != nil {
		t.Fatal(err)
	}
	_, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword})
	if workspace.Kind(err) != workspace.KindKeyNameConflict {
		t.Fatalf("expected KindKeyNameConflict, got %v", err)
	}
}

func TestCreateUserKeyEnforcesLimit(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	for i := 0; i < maxActiveKeysPerUser; i++ {
		name := string(rune('a' + i))
		if _, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: name, Password: strongPassword}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "one-too-many", Password: strongPassword})
	if workspace.Kind(err) != workspace.KindKeyLimitExceeded {
		t.Fatalf("expected KindKeyLimitExceeded, got %v", err)
	}
}

func TestValidateUserKey(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	created, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword})
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.ValidateUserKey(ctx, "u1", created.KeyID, strongPassword)
	if err != nil {
		t.Fatalf("ValidateUserKey: %v", err)
	}
	if !result.IsValid {
		t.Fatalf("expected valid, got errors %v", result.Errors)
	}

	wrong, err := m.ValidateUserKey(ctx, "u1", created.KeyID, "totally-wrong-password")
	if err != nil {
		t.Fatal(err)
	}
	if wrong.IsValid {
		t.Fatal("expected invalid for wrong password")
	}
}

func TestRotateUserKeyRequiresMinimumAge(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	created, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword})
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.RotateUserKey(ctx, RotateUserKeyRequest{
		UserID:          "u1",
		KeyID:           created.KeyID,
		CurrentPassword: strongPassword,
		NewPassword:     "Another-Horse7!",
	})
	if workspace.Kind(err) != workspace.KindRotationTooSoon {
		t.Fatalf("expected KindRotationTooSoon, got %v", err)
	}
}

func TestRotateUserKeyForced(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	created, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword})
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.RotateUserKey(ctx, RotateUserKeyRequest{
		UserID:          "u1",
		KeyID:           created.KeyID,
		CurrentPassword: strongPassword,
		NewPassword:     "Another-Horse7!",
		ForceRotation:   true,
	})
	if err != nil {
		t.Fatalf("RotateUserKey: %v", err)
	}
	if !result.OldKeyDeactivated {
		t.Fatal("expected old key deactivated")
	}
	if !result.MigrationRequired {
		t.Fatal("expected MigrationRequired true")
	}

	old, _ := store.GetKey(ctx, "u1", created.KeyID)
	if old.IsActive {
		t.Fatal("expected old key to be inactive in the store")
	}
}

func TestDeleteUserKeyRefusesLastKey(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	created, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword})
	if err != nil {
		t.Fatal(err)
	}

	err = m.DeleteUserKey(ctx, "u1", created.KeyID, strongPassword)
	if workspace.Kind(err) != workspace.KindLastKey {
		t.Fatalf("expected KindLastKey, got %v", err)
	}
}

func TestCleanupExpiredKeys(t *testing.T) {
	store := newFakeKeyStore()
	m := newManager(store)
	ctx := context.Background()

	created, err := m.CreateUserKey(ctx, CreateUserKeyRequest{UserID: "u1", KeyName: "laptop", Password: strongPassword})
	if err != nil {
		t.Fatal(err)
	}
	store.keys[created.KeyID].ExpiresAt = time.Now().Add(-time.Hour)

	n, err := m.CleanupExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredKeys: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 key cleaned up, got %d", n)
	}

	k, _ := store.GetKey(ctx, "u1", created.KeyID)
	if k.IsActive {
		t.Fatal("expected key to be deactivated after cleanup")
	}
}

func TestCheckPasswordReasons(t *testing.T) {
	reasons := CheckPassword("short", DefaultPasswordPolicy())
	if len(reasons) == 0 {
		t.Fatal("expected rejection reasons for a short password")
	}

	reasons = CheckPassword(strongPassword, DefaultPasswordPolicy())
	if len(reasons) != 0 {
		t.Fatalf("expected strong password to be accepted, got %v", reasons)
	}
}

func TestScorePassword(t *testing.T) {
	if ScorePassword("aaaaaaaa") >= ScorePassword(strongPassword) {
		t.Fatal("expected a longer, more diverse password to score higher")
	}
}
