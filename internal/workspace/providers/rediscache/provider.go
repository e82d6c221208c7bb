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

// Package rediscache provides an optional read-through cache for
// SessionMetadata in front of the durable store. It accelerates
// GetSessionMetadata-shaped reads (recent session summaries, checkpoint
// counts) but is never the system of record: every write here is
// derived from a Postgres row already committed, and every read here
// may be safely skipped in favor of a store fetch on a miss or error.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

// Provider caches workspace.SessionMetadata in Redis.
type Provider struct {
	client     goredis.UniversalClient
	keyPrefix  string
	ownsClient bool
}

// New creates a Provider that owns the underlying Redis client. The
// client is created from cfg and verified with a PING. Close shuts the
// client down.
func New(cfg Config) (*Provider, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("rediscache: at least one address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLS,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := goredis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediscache: failed to connect: %w", err)
	}

	return &Provider{client: client, keyPrefix: prefix, ownsClient: true}, nil
}

// NewFromClient wraps an existing UniversalClient. Close is a no-op
// because the caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, opts Options) *Provider {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Provider{client: client, keyPrefix: prefix, ownsClient: false}
}

func (p *Provider) metadataKey(sessionID string) string {
	return p.keyPrefix + "meta:{" + sessionID + "}"
}

func (p *Provider) activeKey(userID string) string {
	return p.keyPrefix + "active:{" + userID + "}"
}

// GetMetadata returns the cached SessionMetadata for sessionID, or nil
// on a cache miss. A miss is not an error: callers fall back to the
// durable store.
func (p *Provider) GetMetadata(ctx context.Context, sessionID string) (*workspace.SessionMetadata, error) {
	data, err := p.client.Get(ctx, p.metadataKey(sessionID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("rediscache: get metadata: %w", err)
	}

	var m workspace.SessionMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("rediscache: unmarshal metadata: %w", err)
	}
	return &m, nil
}

// SetMetadata caches m with the given ttl. A zero ttl means no expiry.
func (p *Provider) SetMetadata(ctx context.Context, m *workspace.SessionMetadata, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("rediscache: marshal metadata: %w", err)
	}
	if err := p.client.Set(ctx, p.metadataKey(m.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set metadata: %w", err)
	}
	return nil
}

// Invalidate evicts sessionID's cached metadata. Called whenever the
// Session Store commits a write that would make the cached projection
// stale (update, delete, status transition).
func (p *Provider) Invalidate(ctx context.Context, sessionID string) error {
	if err := p.client.Del(ctx, p.metadataKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("rediscache: invalidate: %w", err)
	}
	return nil
}

// GetActiveSessionID returns the cached active session ID for a user,
// or "" on a miss.
func (p *Provider) GetActiveSessionID(ctx context.Context, userID string) (string, error) {
	id, err := p.client.Get(ctx, p.activeKey(userID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("rediscache: get active session: %w", err)
	}
	return id, nil
}

// SetActiveSessionID caches userID's active session ID with ttl.
func (p *Provider) SetActiveSessionID(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	if err := p.client.Set(ctx, p.activeKey(userID), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set active session: %w", err)
	}
	return nil
}

// InvalidateActiveSessionID evicts the cached active session pointer
// for userID. Called whenever CreateSession deactivates a prior
// session, since the pointer it cached is now wrong.
func (p *Provider) InvalidateActiveSessionID(ctx context.Context, userID string) error {
	if err := p.client.Del(ctx, p.activeKey(userID)).Err(); err != nil {
		return fmt.Errorf("rediscache: invalidate active session: %w", err)
	}
	return nil
}

// RedisClient returns the underlying Redis client so other components
// (e.g. a future event publisher) can share the connection without
// owning it.
func (p *Provider) RedisClient() goredis.UniversalClient {
	return p.client
}

func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Provider) Close() error {
	if p.ownsClient {
		return p.client.Close()
	}
	return nil
}
