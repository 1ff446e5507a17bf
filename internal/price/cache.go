package price

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atmx/paper-trader/internal/model"
)

// RedisCache is a read-through cache in front of another Source. Series
// are stored msgpack-encoded with a TTL. Empty series are not cached so a
// symbol that had no data is retried on the next request.
type RedisCache struct {
	next Source
	rdb  *redis.Client
	ttl  time.Duration
}

// NewRedisCache wraps next with a Redis cache.
func NewRedisCache(next Source, rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{next: next, rdb: rdb, ttl: ttl}
}

// cachedPoint keeps the close as a string so no precision is lost.
type cachedPoint struct {
	Date  string `msgpack:"d"`
	Close string `msgpack:"c"`
}

func (c *RedisCache) Series(ctx context.Context, symbol string) ([]model.PricePoint, error) {
	data, err := c.rdb.Get(ctx, seriesKey(symbol)).Bytes()
	if err == nil {
		if series, err := decodeSeries(data); err == nil {
			return series, nil
		}
		slog.Warn("discarding undecodable cached series", "symbol", symbol)
	} else if err != redis.Nil {
		slog.Warn("price cache read failed", "symbol", symbol, "err", err)
	}

	return c.Refresh(ctx, symbol)
}

// Refresh fetches symbol from the wrapped source and overwrites the cache.
func (c *RedisCache) Refresh(ctx context.Context, symbol string) ([]model.PricePoint, error) {
	series, err := c.next.Series(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return series, nil
	}

	data, err := encodeSeries(series)
	if err != nil {
		return series, nil
	}
	if err := c.rdb.Set(ctx, seriesKey(symbol), data, c.ttl).Err(); err != nil {
		slog.Warn("price cache write failed", "symbol", symbol, "err", err)
	}
	return series, nil
}

func encodeSeries(series []model.PricePoint) ([]byte, error) {
	points := make([]cachedPoint, len(series))
	for i, p := range series {
		points[i] = cachedPoint{Date: p.Date, Close: p.Close.String()}
	}
	return msgpack.Marshal(points)
}

func decodeSeries(data []byte) ([]model.PricePoint, error) {
	var points []cachedPoint
	if err := msgpack.Unmarshal(data, &points); err != nil {
		return nil, err
	}
	series := make([]model.PricePoint, len(points))
	for i, p := range points {
		c, err := decimal.NewFromString(p.Close)
		if err != nil {
			return nil, err
		}
		series[i] = model.PricePoint{Date: p.Date, Close: c}
	}
	return series, nil
}

func seriesKey(symbol string) string { return fmt.Sprintf("papertrader:prices:%s", symbol) }
