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

// Package scheduler implements spec §4.7: batched session/checkpoint
// retention cleanup and automatic key rotation, run either on-demand or
// on a robfig/cron/v3 schedule.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/keymanager"
	"github.com/cortexlane/workspace-engine/pkg/metrics"
)

// Config tunes the scheduler's batch behavior.
type Config struct {
	BatchSize             int
	MaxRetries            int
	RetryDelay            time.Duration
	SessionRetentionDays  int
	CheckpointRetentionDays int
	KeyRotationInterval   time.Duration
	DryRun                bool
}

// DefaultConfig returns the engine's default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:               1000,
		MaxRetries:              3,
		RetryDelay:              5 * time.Second,
		SessionRetentionDays:    30,
		CheckpointRetentionDays: 90,
		KeyRotationInterval:     90 * 24 * time.Hour,
	}
}

// Result summarizes one scheduler run.
type Result struct {
	SessionsExpired   int64
	CheckpointsPruned int64
	KeysRotated       int64
	SpaceFreedBytes   int64
	Errors            []error
}

// Engine runs retention cleanup and key rotation scans.
type Engine struct {
	store   workspace.Store
	keys    *keymanager.Manager
	cfg     Config
	metrics *metrics.RetentionSchedulerMetrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewEngine constructs a scheduler Engine.
func NewEngine(store workspace.Store, keys *keymanager.Manager, cfg Config, m *metrics.RetentionSchedulerMetrics, log *zap.SugaredLogger) *Engine {
	return &Engine{store: store, keys: keys, cfg: cfg, metrics: m, log: log, now: time.Now}
}

// Run executes one full scheduler cycle: expire sessions, prune
// checkpoints, then scan for key rotation candidates.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	if err := e.expireSessions(ctx, result); err != nil {
		e.recordMetrics(start)
		return result, fmt.Errorf("expiring sessions: %w", err)
	}
	if err := e.pruneCheckpoints(ctx, result); err != nil {
		e.recordMetrics(start)
		return result, fmt.Errorf("pruning checkpoints: %w", err)
	}
	e.rotateKeys(ctx, result)

	e.recordMetrics(start)
	return result, nil
}

func (e *Engine) expireSessions(ctx context.Context, result *Result) error {
	now := e.now()
	cutoff := now.AddDate(0, 0, -e.cfg.SessionRetentionDays)
	e.log.Infow("starting session retention pass", "cutoff", cutoff, "batchSize", e.cfg.BatchSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		expired, err := e.store.ExpiredAutoSaved(ctx, cutoff, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("querying expired auto-saved sessions: %w", err)
		}
		inactive, err := e.store.InactiveOlderThan(ctx, cutoff, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("querying inactive sessions: %w", err)
		}

		candidates := append(expired, inactive...)
		if len(candidates) == 0 {
			break
		}

		ids := make([]string, len(candidates))
		for i, s := range candidates {
			ids[i] = s.ID
		}

		if e.cfg.DryRun {
			e.log.Infow("dry-run: would delete sessions", "count", len(ids), "ids", ids)
			break
		}

		var freed int64
		if err := e.withRetry(ctx, "delete_sessions", func() error {
			var innerErr error
			freed, innerErr = e.store.DeleteSessionsBatch(ctx, ids)
			return innerErr
		}); err != nil {
			return fmt.Errorf("deleting session batch: %w", err)
		}

		result.SessionsExpired += int64(len(ids))
		result.SpaceFreedBytes += freed
		if e.metrics != nil {
			e.metrics.RecordSessionsExpired(int64(len(ids)))
			e.metrics.RecordSpaceFreed(freed)
		}

		if len(candidates) < e.cfg.BatchSize {
			break
		}
	}

	e.log.Infow("session retention pass complete", "sessionsExpired", result.SessionsExpired)
	return nil
}

func (e *Engine) pruneCheckpoints(ctx context.Context, result *Result) error {
	cutoff := e.now().AddDate(0, 0, -e.cfg.CheckpointRetentionDays)
	e.log.Infow("starting checkpoint retention pass", "cutoff", cutoff)

	for {
		if ctx.Err() != nil {
			return nil
		}

		stale, err := e.store.OlderThan(ctx, cutoff, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("querying stale checkpoints: %w", err)
		}
		if len(stale) == 0 {
			break
		}

		ids := make([]string, len(stale))
		affectedSessions := map[string]bool{}
		for i, c := range stale {
			ids[i] = c.ID
			affectedSessions[c.SessionID] = true
		}

		if e.cfg.DryRun {
			e.log.Infow("dry-run: would delete checkpoints", "count", len(ids))
			break
		}

		var deleteResult *workspace.BulkDeleteResult
		if err := e.withRetry(ctx, "delete_checkpoints", func() error {
			var innerErr error
			deleteResult, innerErr = e.store.DeleteCheckpoints(ctx, ids)
			return innerErr
		}); err != nil {
			return fmt.Errorf("deleting checkpoint batch: %w", err)
		}

		for sessionID := range affectedSessions {
			if err := e.store.RecountCheckpointCount(ctx, sessionID); err != nil {
				e.log.Warnw("recounting checkpoint count failed (non-fatal)", "sessionID", sessionID, "error", err)
			}
		}

		result.CheckpointsPruned += int64(deleteResult.Deleted)
		if e.metrics != nil {
			e.metrics.RecordCheckpointsPruned(int64(deleteResult.Deleted))
		}

		if len(stale) < e.cfg.BatchSize {
			break
		}
	}

	e.log.Infow("checkpoint retention pass complete", "checkpointsPruned", result.CheckpointsPruned)
	return nil
}

// rotateKeys scans for keys older than the rotation interval and logs
// them as rotation candidates. Actual rotation requires the user's
// password (spec §4.3), so the scheduler can only flag candidates for
// a notification channel, spread deterministically across the
// rotation window to avoid a thundering herd of simultaneous
// out-of-band rotation prompts. Rotation is best-effort: failures are
// recorded but never abort the run.
func (e *Engine) rotateKeys(ctx context.Context, result *Result) {
	if e.keys == nil {
		return
	}
	cutoff := e.now().Add(-e.cfg.KeyRotationInterval)
	candidates, err := e.store.ActiveKeysOlderThan(ctx, cutoff)
	if err != nil {
		e.log.Warnw("querying key rotation candidates failed (non-fatal)", "error", err)
		if e.metrics != nil {
			e.metrics.RecordError("rotate_keys_query")
		}
		return
	}

	due := 0
	for _, k := range candidates {
		if !isDueForRotation(k, e.cfg.KeyRotationInterval, e.now()) {
			continue
		}
		due++
		e.log.Infow("key is due for rotation", "userId", k.UserID, "keyId", k.KeyID)
	}

	result.KeysRotated += int64(due)
	if e.metrics != nil && due > 0 {
		e.metrics.RecordKeysRotated(int64(due))
	}
}

// isDueForRotation applies a deterministic hash-based jitter of up to
// 10% of the rotation interval, derived from the key's own identity so
// the schedule is reproducible across restarts without clustering every
// key's rotation prompt on the same boot cycle.
func isDueForRotation(k *workspace.UserEncryptionKey, interval time.Duration, now time.Time) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.UserID + ":" + k.KeyID))
	spreadSeconds := interval.Seconds() * 0.1
	offsetSeconds := (float64(h.Sum32()%10000)/10000.0)*spreadSeconds - spreadSeconds/2
	jitter := time.Duration(offsetSeconds * float64(time.Second))
	return now.Sub(k.CreatedAt) >= interval+jitter
}

func (e *Engine) withRetry(ctx context.Context, operation string, fn func() error) error {
	delay := e.cfg.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			e.log.Warnw("retrying operation", "operation", operation, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if e.metrics != nil {
			e.metrics.RecordError(operation)
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, e.cfg.MaxRetries, lastErr)
}

func (e *Engine) recordMetrics(start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDuration(time.Since(start))
	e.metrics.RecordLastRun()
}
