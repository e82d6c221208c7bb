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

// Package postgres implements workspace.Store against PostgreSQL via
// pgx. It is the production durable store: the one-active-session-per-
// user invariant and atomic key rotation are both enforced here, inside
// a transaction, rather than by the orchestration layer above it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/pgutil"
)

var _ workspace.Store = (*Provider)(nil)

// Provider implements workspace.Store using PostgreSQL.
type Provider struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// New creates a Provider that owns the underlying connection pool. The
// pool is created from cfg and verified with a ping. Close shuts the
// pool down.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Provider{pool: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op: the
// caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool, ownsPool: false}
}

const sessionColumns = `id, user_id, workspace_id, name, status, is_active, version,
	payload, state_checksum, encryption_algorithm, compression, tags,
	last_saved_at, expires_at, created_at`

func scanSession(row pgx.Row) (*workspace.Session, error) {
	var s workspace.Session
	var tagsJSON []byte
	var expiresAt *time.Time

	err := row.Scan(
		&s.ID, &s.UserID, &s.WorkspaceID, &s.Name, &s.Status, &s.IsActive, &s.Version,
		&s.Payload, &s.StateChecksum, &s.EncryptionAlgorithm, &s.Compression, &tagsJSON,
		&s.LastSavedAt, &expiresAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}
	s.ExpiresAt = pgutil.TimeOrZero(expiresAt)
	s.Tags = pgutil.UnmarshalStringSlice(tagsJSON)
	return &s, nil
}

func scanSessionWithCount(row pgx.Row) (*workspace.Session, int64, error) {
	var s workspace.Session
	var tagsJSON []byte
	var expiresAt *time.Time
	var total int64

	err := row.Scan(
		&s.ID, &s.UserID, &s.WorkspaceID, &s.Name, &s.Status, &s.IsActive, &s.Version,
		&s.Payload, &s.StateChecksum, &s.EncryptionAlgorithm, &s.Compression, &tagsJSON,
		&s.LastSavedAt, &expiresAt, &s.CreatedAt, &total,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: scan session: %w", err)
	}
	s.ExpiresAt = pgutil.TimeOrZero(expiresAt)
	s.Tags = pgutil.UnmarshalStringSlice(tagsJSON)
	return &s, total, nil
}

const checkpointColumns = `id, session_id, name, description, priority, tags,
	is_auto_generated, payload, state_checksum, compressed_size,
	uncompressed_size, created_at, metadata`

func scanCheckpoint(row pgx.Row) (*workspace.Checkpoint, error) {
	var c workspace.Checkpoint
	var tagsJSON, metadataJSON []byte

	err := row.Scan(
		&c.ID, &c.SessionID, &c.Name, &c.Description, &c.Priority, &tagsJSON,
		&c.IsAutoGenerated, &c.Payload, &c.StateChecksum, &c.CompressedSize,
		&c.UncompressedSize, &c.CreatedAt, &metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
	}
	c.Tags = pgutil.UnmarshalStringSlice(tagsJSON)
	c.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	return &c, nil
}

func scanCheckpointWithCount(row pgx.Row) (*workspace.Checkpoint, int64, error) {
	var c workspace.Checkpoint
	var tagsJSON, metadataJSON []byte
	var total int64

	err := row.Scan(
		&c.ID, &c.SessionID, &c.Name, &c.Description, &c.Priority, &tagsJSON,
		&c.IsAutoGenerated, &c.Payload, &c.StateChecksum, &c.CompressedSize,
		&c.UncompressedSize, &c.CreatedAt, &metadataJSON, &total,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: scan checkpoint: %w", err)
	}
	c.Tags = pgutil.UnmarshalStringSlice(tagsJSON)
	c.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	return &c, total, nil
}

const keyColumns = `key_id, user_id, key_name, encrypted_session_key, salt, iv,
	algorithm, iterations, is_active, created_at, expires_at, last_used_at,
	deactivated_at, deactivated_reason, tags, description, metadata`

func scanKey(row pgx.Row) (*workspace.UserEncryptionKey, error) {
	var k workspace.UserEncryptionKey
	var tagsJSON, metadataJSON []byte
	var expiresAt, lastUsedAt, deactivatedAt *time.Time

	err := row.Scan(
		&k.KeyID, &k.UserID, &k.KeyName, &k.EncryptedSessionKey, &k.Salt, &k.IV,
		&k.Algorithm, &k.Iterations, &k.IsActive, &k.CreatedAt, &expiresAt, &lastUsedAt,
		&deactivatedAt, &k.DeactivatedReason, &tagsJSON, &k.Description, &metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: scan key: %w", err)
	}
	k.ExpiresAt = pgutil.TimeOrZero(expiresAt)
	k.LastUsedAt = pgutil.TimeOrZero(lastUsedAt)
	k.DeactivatedAt = pgutil.TimeOrZero(deactivatedAt)
	k.Tags = pgutil.UnmarshalStringSlice(tagsJSON)
	k.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	return &k, nil
}

func collectKeys(rows pgx.Rows) ([]*workspace.UserEncryptionKey, error) {
	defer rows.Close()
	var out []*workspace.UserEncryptionKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *Provider) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	return tx, nil
}

// --- SessionStore ------------------------------------------------------

func (p *Provider) CreateSession(ctx context.Context, s *workspace.Session, cfg workspace.SessionConfig) error {
	tx, err := p.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`, s.UserID,
	); err != nil {
		return fmt.Errorf("postgres: deactivate prior sessions: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO sessions (
		id, user_id, workspace_id, name, status, is_active, version,
		payload, state_checksum, encryption_algorithm, compression, tags,
		last_saved_at, expires_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		s.ID, s.UserID, s.WorkspaceID, s.Name, s.Status, s.IsActive, s.Version,
		s.Payload, s.StateChecksum, s.EncryptionAlgorithm, s.Compression,
		pgutil.MarshalStringSlice(s.Tags), s.LastSavedAt, pgutil.NullTime(s.ExpiresAt), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert session: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO session_configs (
		user_id, auto_save_interval, retention_days, checkpoint_retention,
		max_session_size, compression_enabled, encryption_enabled
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (user_id) DO UPDATE SET
		auto_save_interval = EXCLUDED.auto_save_interval,
		retention_days = EXCLUDED.retention_days,
		checkpoint_retention = EXCLUDED.checkpoint_retention,
		max_session_size = EXCLUDED.max_session_size,
		compression_enabled = EXCLUDED.compression_enabled,
		encryption_enabled = EXCLUDED.encryption_enabled`,
		cfg.UserID, cfg.AutoSaveInterval, cfg.RetentionDays, cfg.CheckpointRetention,
		cfg.MaxSessionSize, cfg.CompressionEnabled, cfg.EncryptionEnabled,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session config: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Provider) UpdateSession(ctx context.Context, sessionID string, expectedVersion int64, payload []byte, checksum, algorithm, compression string) (*workspace.Session, error) {
	row := p.pool.QueryRow(ctx, `UPDATE sessions SET
		payload = $3, state_checksum = $4, encryption_algorithm = $5,
		compression = $6, version = version + 1, last_saved_at = now()
	WHERE id = $1 AND version = $2
	RETURNING `+sessionColumns,
		sessionID, expectedVersion, payload, checksum, algorithm, compression,
	)

	updated, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		return updated, nil
	}

	exists, err := p.sessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, workspace.NewError(workspace.KindSessionNotFound, sessionID)
	}
	return nil, workspace.NewError(workspace.KindVersionConflict, sessionID)
}

func (p *Provider) sessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM sessions WHERE id=$1)", sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check session: %w", err)
	}
	return exists, nil
}

func (p *Provider) GetSession(ctx context.Context, sessionID string) (*workspace.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id=$1`
	return scanSession(p.pool.QueryRow(ctx, query, sessionID))
}

func (p *Provider) ListSessions(ctx context.Context, filter workspace.SessionListFilter) (*workspace.SessionPage, error) {
	var qb pgutil.QueryBuilder
	if filter.UserID != "" {
		qb.Add("user_id = $?", filter.UserID)
	}
	if filter.WorkspaceID != "" {
		qb.Add("workspace_id = $?", filter.WorkspaceID)
	}
	if filter.IsActive != nil {
		qb.Add("is_active = $?", *filter.IsActive)
	}

	limit, offset := filter.PageSize, filter.Page*filter.PageSize
	query := `SELECT ` + sessionColumns + `, count(*) OVER() FROM sessions WHERE 1=1` + qb.Where() +
		` ORDER BY created_at DESC`
	query = qb.AppendPagination(query, limit, offset)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*workspace.Session
	var total int64
	for rows.Next() {
		s, cnt, err := scanSessionWithCount(rows)
		if err != nil {
			return nil, err
		}
		total = cnt
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}

	return &workspace.SessionPage{
		Sessions: sessions,
		Total:    total,
	}, nil
}

func (p *Provider) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := p.pool.Exec(ctx, "UPDATE sessions SET status = $2, is_active = FALSE WHERE id = $1",
		sessionID, workspace.SessionDeleted)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if res.RowsAffected() == 0 {
		return workspace.NewError(workspace.KindSessionNotFound, sessionID)
	}
	return nil
}

func (p *Provider) GetSessionConfig(ctx context.Context, userID string) (*workspace.SessionConfig, error) {
	var cfg workspace.SessionConfig
	err := p.pool.QueryRow(ctx, `SELECT user_id, auto_save_interval, retention_days,
		checkpoint_retention, max_session_size, compression_enabled, encryption_enabled
		FROM session_configs WHERE user_id = $1`, userID,
	).Scan(&cfg.UserID, &cfg.AutoSaveInterval, &cfg.RetentionDays, &cfg.CheckpointRetention,
		&cfg.MaxSessionSize, &cfg.CompressionEnabled, &cfg.EncryptionEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get session config: %w", err)
	}
	return &cfg, nil
}

func (p *Provider) UpsertSessionConfig(ctx context.Context, cfg workspace.SessionConfig) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO session_configs (
		user_id, auto_save_interval, retention_days, checkpoint_retention,
		max_session_size, compression_enabled, encryption_enabled
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (user_id) DO UPDATE SET
		auto_save_interval = EXCLUDED.auto_save_interval,
		retention_days = EXCLUDED.retention_days,
		checkpoint_retention = EXCLUDED.checkpoint_retention,
		max_session_size = EXCLUDED.max_session_size,
		compression_enabled = EXCLUDED.compression_enabled,
		encryption_enabled = EXCLUDED.encryption_enabled`,
		cfg.UserID, cfg.AutoSaveInterval, cfg.RetentionDays, cfg.CheckpointRetention,
		cfg.MaxSessionSize, cfg.CompressionEnabled, cfg.EncryptionEnabled,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session config: %w", err)
	}
	return nil
}

func (p *Provider) CountActiveSessions(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, "SELECT count(*) FROM sessions WHERE user_id = $1 AND is_active", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active sessions: %w", err)
	}
	return n, nil
}

func (p *Provider) ExpiredAutoSaved(ctx context.Context, cutoff time.Time, limit int) ([]*workspace.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = $1 AND last_saved_at < $2 ORDER BY last_saved_at ASC LIMIT $3`
	rows, err := p.pool.Query(ctx, query, workspace.SessionExpired, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: expired auto-saved sessions: %w", err)
	}
	defer rows.Close()
	var out []*workspace.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Provider) InactiveOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*workspace.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = $1 AND last_saved_at < $2 ORDER BY last_saved_at ASC LIMIT $3`
	rows, err := p.pool.Query(ctx, query, workspace.SessionInactive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: inactive sessions: %w", err)
	}
	defer rows.Close()
	var out []*workspace.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Provider) DeleteSessionsBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := p.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var freed int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(SUM(octet_length(payload)), 0) +
		COALESCE((SELECT SUM(compressed_size) FROM checkpoints WHERE session_id = ANY($1)), 0)
		FROM sessions WHERE id = ANY($1)`, ids).Scan(&freed)
	if err != nil {
		return 0, fmt.Errorf("postgres: measure freed space: %w", err)
	}

	// checkpoints cascade via the FK's ON DELETE CASCADE.
	if _, err := tx.Exec(ctx, "DELETE FROM sessions WHERE id = ANY($1)", ids); err != nil {
		return 0, fmt.Errorf("postgres: delete sessions batch: %w", err)
	}

	return freed, tx.Commit(ctx)
}

// --- CheckpointStore -----------------------------------------------------

func (p *Provider) CreateCheckpoint(ctx context.Context, c *workspace.Checkpoint) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO checkpoints (
		id, session_id, name, description, priority, tags, is_auto_generated,
		payload, state_checksum, compressed_size, uncompressed_size, created_at, metadata
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.SessionID, c.Name, c.Description, c.Priority, pgutil.MarshalStringSlice(c.Tags),
		c.IsAutoGenerated, c.Payload, c.StateChecksum, c.CompressedSize, c.UncompressedSize,
		c.CreatedAt, pgutil.MarshalJSONB(c.Metadata),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert checkpoint: %w", err)
	}
	return nil
}

func (p *Provider) GetCheckpoints(ctx context.Context, filter workspace.CheckpointFilter) (*workspace.CheckpointPage, error) {
	var qb pgutil.QueryBuilder
	if filter.SessionID != "" {
		qb.Add("session_id = $?", filter.SessionID)
	}
	if filter.Priority != "" {
		qb.Add("priority = $?", filter.Priority)
	}
	if filter.IsAutoGenerated != nil {
		qb.Add("is_auto_generated = $?", *filter.IsAutoGenerated)
	}
	if !filter.DateFrom.IsZero() {
		qb.Add("created_at >= $?", filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		qb.Add("created_at <= $?", filter.DateTo)
	}
	if len(filter.Tags) > 0 {
		qb.Add("tags @> $?", pgutil.MarshalStringSlice(filter.Tags))
	}

	sortCol := "created_at"
	switch filter.SortKey {
	case workspace.SortBySize:
		sortCol = "compressed_size"
	case workspace.SortByName:
		sortCol = "name"
	}
	order := "DESC"
	if filter.Order == workspace.Ascending {
		order = "ASC"
	}

	query := `SELECT ` + checkpointColumns + `, count(*) OVER() FROM checkpoints WHERE 1=1` +
		qb.Where() + ` ORDER BY ` + sortCol + ` ` + order
	query = qb.AppendPagination(query, filter.Limit, filter.Offset)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*workspace.Checkpoint
	var total int64
	for rows.Next() {
		c, cnt, err := scanCheckpointWithCount(rows)
		if err != nil {
			return nil, err
		}
		total = cnt
		checkpoints = append(checkpoints, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate checkpoints: %w", err)
	}

	return &workspace.CheckpointPage{
		Checkpoints: checkpoints,
		Total:       total,
		HasMore:     int64(filter.Offset+len(checkpoints)) < total,
	}, nil
}

func (p *Provider) GetCheckpoint(ctx context.Context, id string) (*workspace.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE id = $1`
	return scanCheckpoint(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) UpdateCheckpoint(ctx context.Context, id string, patch workspace.CheckpointPatch) (*workspace.Checkpoint, error) {
	current, err := p.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, workspace.NewError(workspace.KindNotFound, id)
	}

	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		current.Tags = patch.Tags
	}
	if patch.Metadata != nil {
		current.Metadata = patch.Metadata
	}

	_, err = p.pool.Exec(ctx, `UPDATE checkpoints SET
		name = $2, description = $3, priority = $4, tags = $5, metadata = $6
		WHERE id = $1`,
		id, current.Name, current.Description, current.Priority,
		pgutil.MarshalStringSlice(current.Tags), pgutil.MarshalJSONB(current.Metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update checkpoint: %w", err)
	}
	return current, nil
}

func (p *Provider) DeleteCheckpoints(ctx context.Context, ids []string) (*workspace.BulkDeleteResult, error) {
	result := &workspace.BulkDeleteResult{Errors: map[string]error{}}
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := p.pool.Query(ctx, "DELETE FROM checkpoints WHERE id = ANY($1) RETURNING id", ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: delete checkpoints: %w", err)
	}
	deleted := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan deleted checkpoint id: %w", err)
		}
		deleted[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate deleted checkpoints: %w", err)
	}

	for _, id := range ids {
		if deleted[id] {
			result.Deleted++
		} else {
			result.Errors[id] = workspace.NewError(workspace.KindNotFound, id)
		}
	}
	return result, nil
}

func (p *Provider) CountForSession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, "SELECT count(*) FROM checkpoints WHERE session_id = $1", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count checkpoints: %w", err)
	}
	return n, nil
}

// RecountCheckpointCount is a no-op: this provider computes checkpoint
// counts live via CountForSession and GetCheckpointStatistics rather
// than maintaining a denormalized counter column.
func (p *Provider) RecountCheckpointCount(ctx context.Context, sessionID string) error {
	return nil
}

func (p *Provider) GetCheckpointStatistics(ctx context.Context, sessionID string) (*workspace.CheckpointStatistics, error) {
	stats := &workspace.CheckpointStatistics{
		CountByPriority: map[workspace.CheckpointPriority]int64{},
		CountByTag:      map[string]int64{},
	}

	var totalUncompressed int64
	err := p.pool.QueryRow(ctx, `SELECT count(*), COALESCE(SUM(compressed_size), 0),
		COALESCE(SUM(uncompressed_size), 0), MIN(created_at), MAX(created_at)
		FROM checkpoints WHERE session_id = $1`, sessionID,
	).Scan(&stats.Count, &stats.TotalSize, &totalUncompressed, &stats.Oldest, &stats.Newest)
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint statistics: %w", err)
	}
	if stats.Count > 0 {
		stats.AverageSize = float64(stats.TotalSize) / float64(stats.Count)
	}
	if totalUncompressed > 0 {
		stats.CompressionRatio = float64(stats.TotalSize) / float64(totalUncompressed)
	}

	rows, err := p.pool.Query(ctx,
		"SELECT priority, count(*) FROM checkpoints WHERE session_id = $1 GROUP BY priority", sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint priority breakdown: %w", err)
	}
	for rows.Next() {
		var priority workspace.CheckpointPriority
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan priority breakdown: %w", err)
		}
		stats.CountByPriority[priority] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate priority breakdown: %w", err)
	}

	tagRows, err := p.pool.Query(ctx, "SELECT tags FROM checkpoints WHERE session_id = $1", sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoint tags: %w", err)
	}
	for tagRows.Next() {
		var tagsJSON []byte
		if err := tagRows.Scan(&tagsJSON); err != nil {
			tagRows.Close()
			return nil, fmt.Errorf("postgres: scan checkpoint tags: %w", err)
		}
		for _, tag := range pgutil.UnmarshalStringSlice(tagsJSON) {
			stats.CountByTag[tag]++
		}
	}
	tagRows.Close()
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate checkpoint tags: %w", err)
	}

	return stats, nil
}

func (p *Provider) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*workspace.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := p.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: checkpoints older than: %w", err)
	}
	defer rows.Close()
	var out []*workspace.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- KeyStore --------------------------------------------------------------

func (p *Provider) CreateKey(ctx context.Context, k *workspace.UserEncryptionKey) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO user_encryption_keys (
		key_id, user_id, key_name, encrypted_session_key, salt, iv, algorithm,
		iterations, is_active, created_at, expires_at, tags, description, metadata
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		k.KeyID, k.UserID, k.KeyName, k.EncryptedSessionKey, k.Salt, k.IV, k.Algorithm,
		k.Iterations, k.IsActive, k.CreatedAt, pgutil.NullTime(k.ExpiresAt),
		pgutil.MarshalStringSlice(k.Tags), k.Description, pgutil.MarshalJSONB(k.Metadata),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert key: %w", err)
	}
	return nil
}

func (p *Provider) GetKey(ctx context.Context, userID, keyID string) (*workspace.UserEncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys WHERE key_id = $1 AND user_id = $2`
	return scanKey(p.pool.QueryRow(ctx, query, keyID, userID))
}

func (p *Provider) FindKeyByName(ctx context.Context, userID, keyName string) (*workspace.UserEncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys
		WHERE user_id = $1 AND key_name = $2 AND is_active LIMIT 1`
	return scanKey(p.pool.QueryRow(ctx, query, userID, keyName))
}

func (p *Provider) CountActiveKeys(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		"SELECT count(*) FROM user_encryption_keys WHERE user_id = $1 AND is_active", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active keys: %w", err)
	}
	return n, nil
}

func (p *Provider) RotateKey(ctx context.Context, oldKeyID, reason string, newKey *workspace.UserEncryptionKey) error {
	tx, err := p.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE user_encryption_keys SET
		is_active = FALSE, deactivated_at = now(), deactivated_reason = $2
		WHERE key_id = $1`, oldKeyID, reason,
	); err != nil {
		return fmt.Errorf("postgres: deactivate rotated key: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO user_encryption_keys (
		key_id, user_id, key_name, encrypted_session_key, salt, iv, algorithm,
		iterations, is_active, created_at, expires_at, tags, description, metadata
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		newKey.KeyID, newKey.UserID, newKey.KeyName, newKey.EncryptedSessionKey, newKey.Salt,
		newKey.IV, newKey.Algorithm, newKey.Iterations, newKey.IsActive, newKey.CreatedAt,
		pgutil.NullTime(newKey.ExpiresAt), pgutil.MarshalStringSlice(newKey.Tags),
		newKey.Description, pgutil.MarshalJSONB(newKey.Metadata),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert rotated key: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Provider) DeactivateKey(ctx context.Context, keyID, reason string) error {
	res, err := p.pool.Exec(ctx, `UPDATE user_encryption_keys SET
		is_active = FALSE, deactivated_at = now(), deactivated_reason = $2 WHERE key_id = $1`,
		keyID, reason)
	if err != nil {
		return fmt.Errorf("postgres: deactivate key: %w", err)
	}
	if res.RowsAffected() == 0 {
		return workspace.NewError(workspace.KindNotFound, keyID)
	}
	return nil
}

func (p *Provider) DeleteKey(ctx context.Context, userID, keyID string) error {
	res, err := p.pool.Exec(ctx,
		"DELETE FROM user_encryption_keys WHERE key_id = $1 AND user_id = $2", keyID, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete key: %w", err)
	}
	if res.RowsAffected() == 0 {
		return workspace.NewError(workspace.KindNotFound, keyID)
	}
	return nil
}

func (p *Provider) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, "UPDATE user_encryption_keys SET last_used_at = $2 WHERE key_id = $1", keyID, at)
	if err != nil {
		return fmt.Errorf("postgres: touch key last used: %w", err)
	}
	return nil
}

func (p *Provider) ExpiredActiveKeys(ctx context.Context, now time.Time) ([]*workspace.UserEncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys
		WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`
	rows, err := p.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: expired active keys: %w", err)
	}
	return collectKeys(rows)
}

func (p *Provider) ActiveKeysOlderThan(ctx context.Context, cutoff time.Time) ([]*workspace.UserEncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys WHERE is_active AND created_at < $1`
	rows, err := p.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: active keys older than: %w", err)
	}
	return collectKeys(rows)
}

// --- Infrastructure ----------------------------------------------------

func (p *Provider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
