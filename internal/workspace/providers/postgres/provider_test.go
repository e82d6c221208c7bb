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

package postgres

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

var testConnStr string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("workspace_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

// freshDB creates an isolated database, runs migrations, and returns a pool.
func freshDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())

	db, err := sql.Open("pgx", testConnStr)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	connStr := replaceDBName(testConnStr, dbName)

	mg, err := NewMigrator(connStr, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Close())

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		mainDB, err := sql.Open("pgx", testConnStr)
		if err == nil {
			_, _ = mainDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			_ = mainDB.Close()
		}
	})

	return pool
}

func replaceDBName(connStr, newDB string) string {
	qIdx := len(connStr)
	for i, c := range connStr {
		if c == '?' {
			qIdx = i
			break
		}
	}
	slashIdx := 0
	for i := qIdx - 1; i >= 0; i-- {
		if connStr[i] == '/' {
			slashIdx = i
			break
		}
	}
	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}

func newProvider(t *testing.T) *Provider {
	t.Helper()
	return NewFromPool(freshDB(t))
}

func makeSession(id, userID string, now time.Time) *workspace.Session {
	return &workspace.Session{
		ID:                  id,
		UserID:              userID,
		WorkspaceID:         "ws-1",
		Name:                "test session",
		Status:              workspace.SessionActive,
		IsActive:            true,
		Version:             1,
		Payload:             []byte("encrypted-payload"),
		StateChecksum:       "sha256:deadbeef",
		EncryptionAlgorithm: "AES-GCM",
		Compression:         "gzip",
		Tags:                []string{"tag1", "tag2"},
		LastSavedAt:         now,
		ExpiresAt:           now.Add(30 * 24 * time.Hour),
		CreatedAt:           now,
	}
}

func makeConfig(userID string) workspace.SessionConfig {
	cfg := workspace.DefaultSessionConfig(userID)
	return cfg
}

// --- Session CRUD -----------------------------------------------------------

func TestCreateGetSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", "user-1", now)
	require.NoError(t, p.CreateSession(ctx, s, makeConfig("user-1")))

	got, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.UserID, got.UserID)
	assert.Equal(t, s.WorkspaceID, got.WorkspaceID)
	assert.Equal(t, s.Status, got.Status)
	assert.True(t, got.IsActive)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, s.Payload, got.Payload)
	assert.Equal(t, s.Tags, got.Tags)
	assert.WithinDuration(t, s.ExpiresAt, got.ExpiresAt, time.Microsecond)
}

func TestCreateSessionDeactivatesPriorActive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a01", "user-1", now)
	require.NoError(t, p.CreateSession(ctx, first, makeConfig("user-1")))

	second := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a02", "user-1", now.Add(time.Second))
	require.NoError(t, p.CreateSession(ctx, second, makeConfig("user-1")))

	gotFirst, err := p.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, gotFirst.IsActive)

	gotSecond, err := p.GetSession(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, gotSecond.IsActive)

	n, err := p.CountActiveSessions(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetSessionNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	got, err := p.GetSession(context.Background(), "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateSessionVersionMatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", "user-1", now)
	require.NoError(t, p.CreateSession(ctx, s, makeConfig("user-1")))

	updated, err := p.UpdateSession(ctx, s.ID, 1, []byte("new-payload"), "sha256:newsum", "AES-GCM", "gzip")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, []byte("new-payload"), updated.Payload)
}

func TestUpdateSessionVersionConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", "user-1", now)
	require.NoError(t, p.CreateSession(ctx, s, makeConfig("user-1")))

	_, err := p.UpdateSession(ctx, s.ID, 99, []byte("x"), "sha256:x", "AES-GCM", "gzip")
	require.Error(t, err)
	assert.Equal(t, workspace.KindVersionConflict, workspace.Kind(err))
}

func TestUpdateSessionNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	_, err := p.UpdateSession(context.Background(), "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", 1, []byte("x"), "sha256:x", "AES-GCM", "gzip")
	require.Error(t, err)
	assert.Equal(t, workspace.KindSessionNotFound, workspace.Kind(err))
}

func TestDeleteSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", "user-1", now)
	require.NoError(t, p.CreateSession(ctx, s, makeConfig("user-1")))
	require.NoError(t, p.DeleteSession(ctx, s.ID))

	got, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.SessionDeleted, got.Status)
	assert.False(t, got.IsActive)
}

func TestDeleteSessionNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	err := p.DeleteSession(context.Background(), "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11")
	require.Error(t, err)
	assert.Equal(t, workspace.KindSessionNotFound, workspace.Kind(err))
}

// --- ListSessions ------------------------------------------------------------

func TestListSessionsFilterAndPaginate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		s := makeSession(fmt.Sprintf("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a0%d", i), "user-1", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, p.CreateSession(ctx, s, makeConfig("user-1")))
	}
	other := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a99", "user-2", now)
	require.NoError(t, p.CreateSession(ctx, other, makeConfig("user-2")))

	page, err := p.ListSessions(ctx, workspace.SessionListFilter{UserID: "user-1", PageSize: 2, Page: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Sessions, 2)
}

// --- Key rotation ------------------------------------------------------------

func makeKey(keyID, userID, name string, now time.Time) *workspace.UserEncryptionKey {
	return &workspace.UserEncryptionKey{
		KeyID:               keyID,
		UserID:              userID,
		KeyName:             name,
		EncryptedSessionKey: []byte("wrapped-key"),
		Salt:                []byte("salt"),
		IV:                  []byte("iv"),
		Algorithm:           "AES-256-GCM",
		Iterations:          310000,
		IsActive:            true,
		CreatedAt:           now,
	}
}

func TestRotateKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	oldKey := makeKey("k1", "user-1", "primary", now)
	require.NoError(t, p.CreateKey(ctx, oldKey))

	newKey := makeKey("k2", "user-1", "primary", now.Add(time.Second))
	require.NoError(t, p.RotateKey(ctx, oldKey.KeyID, "scheduled rotation", newKey))

	gotOld, err := p.GetKey(ctx, "user-1", oldKey.KeyID)
	require.NoError(t, err)
	assert.False(t, gotOld.IsActive)
	assert.Equal(t, "scheduled rotation", gotOld.DeactivatedReason)

	gotNew, err := p.GetKey(ctx, "user-1", newKey.KeyID)
	require.NoError(t, err)
	assert.True(t, gotNew.IsActive)

	n, err := p.CountActiveKeys(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// --- Checkpoints --------------------------------------------------------------

func makeCheckpoint(id, sessionID string, now time.Time) *workspace.Checkpoint {
	return &workspace.Checkpoint{
		ID:               id,
		SessionID:        sessionID,
		Name:             "checkpoint-1",
		Priority:         workspace.PriorityMedium,
		Payload:          []byte("checkpoint-payload"),
		StateChecksum:    "sha256:cp",
		CompressedSize:   18,
		UncompressedSize: 40,
		CreatedAt:        now,
		Metadata:         map[string]string{},
	}
}

func TestCheckpointCRUDAndCascadeDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := makeSession("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", "user-1", now)
	require.NoError(t, p.CreateSession(ctx, s, makeConfig("user-1")))

	cp := makeCheckpoint("c0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", s.ID, now)
	require.NoError(t, p.CreateCheckpoint(ctx, cp))

	got, err := p.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp.Name, got.Name)

	count, err := p.CountForSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Deleting the session cascades to its checkpoints.
	freed, err := p.DeleteSessionsBatch(ctx, []string{s.ID})
	require.NoError(t, err)
	assert.Greater(t, freed, int64(0))

	gone, err := p.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

// --- Infrastructure ---------------------------------------------------------

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	p := newProvider(t)
	assert.NoError(t, p.Ping(context.Background()))
}

func TestCloseOwnsPool(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool := freshDB(t)
	p := &Provider{pool: pool, ownsPool: true}
	assert.NoError(t, p.Close())

	err := pool.Ping(context.Background())
	assert.Error(t, err)
}

func TestCloseSharedPool(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool := freshDB(t)
	p := &Provider{pool: pool, ownsPool: false}
	assert.NoError(t, p.Close())
	assert.NoError(t, pool.Ping(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
	assert.Equal(t, 30*time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, time.Minute, cfg.HealthCheckPeriod)
	assert.Empty(t, cfg.ConnString)
	assert.Nil(t, cfg.TLS)
}
