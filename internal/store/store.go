// Package store defines the persistence interface for the paper trader.
// Implementations include PostgreSQL and SQLite (durable), Redis (snapshot
// cache layered over a durable store) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/paper-trader/internal/model"
)

// ErrNotFound is returned when an account or position does not exist.
var ErrNotFound = errors.New("store: not found")

// Tx is the read/write view of the ledger inside one transaction.
// Nothing written through a Tx is visible to readers until the enclosing
// Update returns nil.
type Tx interface {
	// Account returns the single account, or ErrNotFound.
	Account(ctx context.Context) (*model.Account, error)

	// Position returns the position for symbol, or ErrNotFound.
	Position(ctx context.Context, symbol string) (*model.Position, error)

	// PutAccount inserts or replaces the account.
	PutAccount(ctx context.Context, acct *model.Account) error

	// PutPosition inserts or replaces the position for p.Symbol.
	PutPosition(ctx context.Context, p *model.Position) error

	// AppendTrade appends an immutable trade record.
	AppendTrade(ctx context.Context, t *model.Trade) error

	// Truncate deletes every account, position and trade.
	Truncate(ctx context.Context) error
}

// Store is the persistence interface.
type Store interface {
	// Update runs fn in a transaction. If fn returns an error every write
	// is discarded and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Snapshot returns the account, all positions ordered by symbol and
	// the most recent tradeLimit trades, newest first (by timestamp, then
	// by insertion order), as of one commit.
	Snapshot(ctx context.Context, tradeLimit int) (*model.Snapshot, error)

	// Close releases the underlying resources.
	Close() error
}
