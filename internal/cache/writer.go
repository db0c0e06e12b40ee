// Package cache publishes projected comment threads into Redis, one entry
// per discussion target (message). Writes always replace the whole entry so
// readers never observe a half-updated thread.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tessera/syncd/internal/projection"
)

// Entry is the payload stored under each message key.
type Entry struct {
	Comments   []projection.ViewComment `json:"comments"`
	TotalCount int                      `json:"total_count"`
}

// Writer publishes entries keyed by message id with a per-key monotonic
// version guard: a pass tagged with an older row-store snapshot version than
// the last accepted write for a key is skipped.
type Writer struct {
	client *redis.Client
	prefix string

	mu       sync.Mutex
	versions map[string]uint64
}

// NewWriter connects to Redis at the given URL.
func NewWriter(redisURL string) (*Writer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWriterWithClient(client), nil
}

// NewWriterWithClient creates a writer around an existing Redis client.
func NewWriterWithClient(client *redis.Client) *Writer {
	return &Writer{
		client:   client,
		prefix:   "comments:",
		versions: make(map[string]uint64),
	}
}

// Key returns the cache key for a message.
func (w *Writer) Key(messageID int64) string {
	return w.prefix + strconv.FormatInt(messageID, 10)
}

// Publish writes one entry per message. Writes for different messages run
// in parallel and are unordered with respect to each other, but Publish only
// returns once every write has finished. Stale keys are skipped, not failed.
func (w *Writer) Publish(ctx context.Context, version uint64, views map[int64][]projection.ViewComment) error {
	group, ctx := errgroup.WithContext(ctx)

	for messageID, comments := range views {
		key := w.Key(messageID)
		entry := Entry{Comments: comments, TotalCount: len(comments)}

		if !w.claim(key, version) {
			continue
		}

		group.Go(func() error {
			payload, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal entry for %s: %w", key, err)
			}
			if err := w.client.Set(ctx, key, payload, 0).Err(); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
			return nil
		})
	}

	return group.Wait()
}

// claim records version as the latest write for key. It returns false when a
// newer pass already claimed the key.
func (w *Writer) claim(key string, version uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if current, ok := w.versions[key]; ok && current > version {
		return false
	}
	w.versions[key] = version
	return true
}

// DeleteMessages removes cache entries and version bookkeeping for the given
// messages. Used on scope teardown and when a message's last comment goes
// away.
func (w *Writer) DeleteMessages(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = w.Key(id)
	}

	w.mu.Lock()
	for _, key := range keys {
		delete(w.versions, key)
	}
	w.mu.Unlock()

	if err := w.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cache keys: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (w *Writer) Close() error {
	return w.client.Close()
}
