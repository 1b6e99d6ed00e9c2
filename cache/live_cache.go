// Package cache keeps a small Redis snapshot of the broadcast state so the
// public site can poll "are we live" without touching the stream bridge.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const liveStatusKey = "live:status"

// liveStatusTTL is refreshed by the stream ping loop; if the server dies the
// entry expires on its own.
const liveStatusTTL = 90 * time.Second

// LiveStatus is the public liveness snapshot.
type LiveStatus struct {
	Live      bool   `json:"live"`
	Streamer  string `json:"streamer,omitempty"`
	Recording bool   `json:"recording"`
	ShowID    *int64 `json:"show_id,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// LiveStatusCache stores the snapshot in Redis.
type LiveStatusCache struct {
	rdb *redis.Client
}

// NewLiveStatusCache wraps the given Redis client.
func NewLiveStatusCache(rdb *redis.Client) *LiveStatusCache {
	return &LiveStatusCache{rdb: rdb}
}

// Set writes the snapshot with a TTL.
func (c *LiveStatusCache) Set(ctx context.Context, status LiveStatus) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	status.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal live status: %w", err)
	}
	if err := c.rdb.Set(ctx, liveStatusKey, data, liveStatusTTL).Err(); err != nil {
		return fmt.Errorf("cache: failed to set live status: %w", err)
	}
	return nil
}

// Get returns the snapshot, or nil when none is cached.
func (c *LiveStatusCache) Get(ctx context.Context) (*LiveStatus, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	data, err := c.rdb.Get(ctx, liveStatusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: failed to get live status: %w", err)
	}
	var status LiveStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("cache: failed to unmarshal live status: %w", err)
	}
	return &status, nil
}

// Clear removes the snapshot.
func (c *LiveStatusCache) Clear(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, liveStatusKey).Err()
}
