package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-trader/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// snapshots. Writes go to the primary store and then bump a generation
// counter; snapshots are cached under the generation they were read at,
// so a reader can never be served a snapshot older than the last commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "papertrader",
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.primary.Update(ctx, fn); err != nil {
		return err
	}
	// Committed: move readers to a new generation.
	if err := s.rdb.Incr(ctx, s.generationKey()).Err(); err != nil {
		slog.Warn("snapshot cache invalidation failed", "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Snapshot(ctx context.Context, tradeLimit int) (*model.Snapshot, error) {
	gen, err := s.rdb.Get(ctx, s.generationKey()).Int64()
	if err != nil && err != redis.Nil {
		// Redis unavailable: serve from the primary.
		return s.primary.Snapshot(ctx, tradeLimit)
	}

	key := s.snapshotKey(gen, tradeLimit)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.Snapshot(ctx, tradeLimit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return snap, nil
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) generationKey() string {
	return fmt.Sprintf("%s:generation", s.prefix)
}

func (s *CachedStore) snapshotKey(gen int64, limit int) string {
	return fmt.Sprintf("%s:snapshot:%d:%d", s.prefix, gen, limit)
}
