package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-trader/internal/model"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func account(cash string) *model.Account {
	return &model.Account{
		ID:        model.AccountID,
		Name:      "Default Account",
		Cash:      decimal.RequireFromString(cash),
		CreatedAt: t0,
	}
}

func tradeAt(id, symbol string, side model.Side, qty int64, price string, ts time.Time) *model.Trade {
	return &model.Trade{
		ID:        id,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     decimal.RequireFromString(price),
		Timestamp: ts,
	}
}

// seed writes an account, two positions and three trades in one commit.
func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.PutAccount(ctx, account("99250.1234")); err != nil {
			return err
		}
		for _, p := range []*model.Position{
			{Symbol: "MSFT", Quantity: 3, AvgPrice: decimal.RequireFromString("410.5"), UpdatedAt: t0},
			{Symbol: "AAPL", Quantity: 0, AvgPrice: decimal.Zero, UpdatedAt: t0},
		} {
			if err := tx.PutPosition(ctx, p); err != nil {
				return err
			}
		}
		for _, tr := range []*model.Trade{
			tradeAt("t1", "AAPL", model.SideBuy, 10, "100", t0),
			tradeAt("t2", "AAPL", model.SideSell, 10, "50", t0.Add(time.Second)),
			tradeAt("t3", "MSFT", model.SideBuy, 3, "410.5", t0.Add(time.Second)),
		} {
			if err := tx.AppendTrade(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func tradeIDs(trades []model.Trade) []string {
	ids := make([]string, len(trades))
	for i, tr := range trades {
		ids[i] = tr.ID
	}
	return ids
}

// runConformance exercises the Store contract against any implementation.
func runConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("empty store has no account", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Snapshot(ctx, 50)
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.Update(ctx, func(tx Tx) error {
			_, err := tx.Account(ctx)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.Position(ctx, "AAPL")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("committed state round trips", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		snap, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)

		assert.Equal(t, model.AccountID, snap.Account.ID)
		assert.Equal(t, "Default Account", snap.Account.Name)
		assert.True(t, snap.Account.Cash.Equal(decimal.RequireFromString("99250.1234")), snap.Account.Cash.String())
		assert.True(t, snap.Account.CreatedAt.Equal(t0))

		require.Len(t, snap.Positions, 2)
		assert.Equal(t, "AAPL", snap.Positions[0].Symbol, "positions ordered by symbol")
		assert.Equal(t, int64(0), snap.Positions[0].Quantity, "zero positions are kept")
		assert.Equal(t, "MSFT", snap.Positions[1].Symbol)
		assert.True(t, snap.Positions[1].AvgPrice.Equal(decimal.RequireFromString("410.5")))

		// Equal timestamps fall back to insertion order.
		assert.Equal(t, []string{"t3", "t2", "t1"}, tradeIDs(snap.Trades))
		assert.Equal(t, model.SideSell, snap.Trades[1].Side)
		assert.True(t, snap.Trades[1].Timestamp.Equal(t0.Add(time.Second)))
	})

	t.Run("trade limit", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		snap, err := s.Snapshot(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t2"}, tradeIDs(snap.Trades))
	})

	t.Run("trades ordered by timestamp", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		// Appended last but executed earliest.
		err := s.Update(ctx, func(tx Tx) error {
			return tx.AppendTrade(ctx, tradeAt("t0", "AAPL", model.SideBuy, 1, "99", t0.Add(-time.Minute)))
		})
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t2", "t1", "t0"}, tradeIDs(snap.Trades))

		snap, err = s.Snapshot(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t2", "t1"}, tradeIDs(snap.Trades))
	})

	t.Run("failed update writes nothing", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		before, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.Update(ctx, func(tx Tx) error {
			if err := tx.PutAccount(ctx, account("1")); err != nil {
				return err
			}
			if err := tx.PutPosition(ctx, &model.Position{Symbol: "NVDA", Quantity: 1, AvgPrice: decimal.NewFromInt(1), UpdatedAt: t0}); err != nil {
				return err
			}
			if err := tx.AppendTrade(ctx, tradeAt("t4", "NVDA", model.SideBuy, 1, "1", t0.Add(time.Hour))); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		after, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)
		assert.True(t, after.Account.Cash.Equal(before.Account.Cash))
		assert.Len(t, after.Positions, len(before.Positions))
		assert.Equal(t, tradeIDs(before.Trades), tradeIDs(after.Trades))
	})

	t.Run("transaction reads its own writes", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.PutAccount(ctx, account("5")); err != nil {
				return err
			}
			if err := tx.PutPosition(ctx, &model.Position{Symbol: "MSFT", Quantity: 7, AvgPrice: decimal.NewFromInt(400), UpdatedAt: t0}); err != nil {
				return err
			}
			acct, err := tx.Account(ctx)
			require.NoError(t, err)
			assert.True(t, acct.Cash.Equal(decimal.NewFromInt(5)))

			pos, err := tx.Position(ctx, "MSFT")
			require.NoError(t, err)
			assert.Equal(t, int64(7), pos.Quantity)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("truncate and reseed", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.Truncate(ctx); err != nil {
				return err
			}
			if _, err := tx.Account(ctx); !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("account survived truncate: %v", err)
			}
			return tx.PutAccount(ctx, account("100000.00"))
		})
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)
		assert.True(t, snap.Account.Cash.Equal(decimal.NewFromInt(100000)))
		assert.Empty(t, snap.Positions)
		assert.Empty(t, snap.Trades)
	})
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Snapshot(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, snap.Trades, 3)
	assert.Equal(t, path, s.Path())
}

// TestPostgresStore needs a scratch database; its tables are truncated.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))

	runConformance(t, func(t *testing.T) Store {
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.Truncate(ctx) }))
		return s
	})
}

// TestCachedStore needs a scratch Redis database; it is flushed.
func TestCachedStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	newStore := func(t *testing.T) Store {
		require.NoError(t, rdb.FlushDB(ctx).Err())
		return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	}
	runConformance(t, newStore)

	t.Run("commit invalidates cached snapshot", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		first, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)
		cached, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, tradeIDs(first.Trades), tradeIDs(cached.Trades))

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.AppendTrade(ctx, tradeAt("t4", "MSFT", model.SideSell, 1, "420", t0.Add(time.Minute)))
		}))

		after, err := s.Snapshot(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, "t4", after.Trades[0].ID)
	})
}
