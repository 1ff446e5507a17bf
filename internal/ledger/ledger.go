// Package ledger implements trade execution and position accounting for
// the single paper-trading account.
//
// Every operation either fully commits or fully rejects: validation runs
// before any write, and all writes of one operation share a single store
// transaction. All monetary values use shopspring/decimal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
)

var (
	ErrInvalidSide        = errors.New("ledger: side must be BUY or SELL")
	ErrInvalidQuantity    = errors.New("ledger: quantity must be a positive integer")
	ErrInvalidPrice       = errors.New("ledger: unit price must not be negative")
	ErrInsufficientFunds  = errors.New("ledger: insufficient cash for this purchase")
	ErrNoPosition         = errors.New("ledger: no shares to sell")
	ErrInsufficientShares = errors.New("ledger: not enough shares to sell")
	ErrPriceUnavailable   = errors.New("ledger: no price available for symbol")
	ErrNotInitialized     = errors.New("ledger: account not initialized")

	// ErrStorage marks persistence failures. They abort the request but
	// leave the ledger usable.
	ErrStorage = errors.New("ledger: storage failure")
)

// IsRejection reports whether err is a business rule rejection (as opposed
// to a storage failure).
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidSide, ErrInvalidQuantity, ErrInvalidPrice,
		ErrInsufficientFunds, ErrNoPosition, ErrInsufficientShares,
		ErrPriceUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

const (
	DefaultAccountName = "Default Account"
)

// DefaultCash is the starting balance of a fresh account.
var DefaultCash = decimal.RequireFromString("100000.00")

// Outcome is the result of an executed trade.
type Outcome struct {
	Trade    model.Trade    `json:"trade"`
	Account  model.Account  `json:"account"`
	Position model.Position `json:"position"`
}

// Ledger owns the account, its positions and trade history. Trade
// execution and reset are serialized by mu; the caller must resolve the
// execution price before calling in, so no I/O to a price source happens
// while the lock is held.
type Ledger struct {
	store       store.Store
	mu          sync.Mutex
	accountName string
	startCash   decimal.Decimal
	now         func() time.Time
	newID       func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAccount sets the name and starting cash used by Init and Reset.
func WithAccount(name string, cash decimal.Decimal) Option {
	return func(l *Ledger) {
		l.accountName = name
		l.startCash = cash
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over st. Call Init before trading.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       st,
		accountName: DefaultAccountName,
		startCash:   DefaultCash,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) defaultAccount() *model.Account {
	return &model.Account{
		ID:        model.AccountID,
		Name:      l.accountName,
		Cash:      l.startCash,
		CreatedAt: l.now(),
	}
}

// Init makes sure the single account exists, creating it with the default
// name and cash if needed. It is idempotent.
func (l *Ledger) Init(ctx context.Context) (*model.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var acct *model.Account
	err := l.store.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.Account(ctx)
		if err == nil {
			acct = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return storageErr(err)
		}
		acct = l.defaultAccount()
		return storageErr(tx.PutAccount(ctx, acct))
	})
	if err != nil {
		return nil, classify(err)
	}
	return acct, nil
}

// ExecuteTrade buys or sells quantity shares of symbol at unitPrice.
// A zero price is accepted and processed like any other price.
func (l *Ledger) ExecuteTrade(ctx context.Context, symbol string, side model.Side, quantity int64, unitPrice decimal.Decimal) (*Outcome, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidSide, side)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	if unitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidPrice, unitPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out *Outcome
	err := l.store.Update(ctx, func(tx store.Tx) error {
		acct, err := tx.Account(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotInitialized
		}
		if err != nil {
			return storageErr(err)
		}

		pos, err := tx.Position(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			pos = nil
		} else if err != nil {
			return storageErr(err)
		}

		now := l.now()
		switch side {
		case model.SideBuy:
			pos, err = applyBuy(acct, pos, symbol, quantity, unitPrice)
		case model.SideSell:
			pos, err = applySell(acct, pos, quantity, unitPrice)
		}
		if err != nil {
			return err
		}
		pos.UpdatedAt = now

		trade := &model.Trade{
			ID:        l.newID(),
			Symbol:    symbol,
			Side:      side,
			Quantity:  quantity,
			Price:     unitPrice,
			Timestamp: now,
		}

		if err := tx.PutPosition(ctx, pos); err != nil {
			return storageErr(err)
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return storageErr(err)
		}
		if err := tx.AppendTrade(ctx, trade); err != nil {
			return storageErr(err)
		}

		out = &Outcome{Trade: *trade, Account: *acct, Position: *pos}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	slog.Debug("trade applied",
		"trade_id", out.Trade.ID,
		"symbol", symbol,
		"side", side,
		"qty", quantity,
		"price", unitPrice.String(),
		"cash", out.Account.Cash.String(),
	)
	return out, nil
}

// applyBuy debits acct and returns the updated (or new) position.
func applyBuy(acct *model.Account, pos *model.Position, symbol string, quantity int64, unitPrice decimal.Decimal) (*model.Position, error) {
	qty := decimal.NewFromInt(quantity)
	cost := unitPrice.Mul(qty)
	if acct.Cash.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds,
			cost.StringFixed(model.CashScale), acct.Cash.StringFixed(model.CashScale))
	}

	if pos == nil {
		pos = &model.Position{Symbol: symbol, AvgPrice: decimal.Zero}
	}

	newQuantity := pos.Quantity + quantity
	held := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Quantity))
	pos.AvgPrice = held.Add(cost).
		DivRound(decimal.NewFromInt(newQuantity), model.PriceScale)
	pos.Quantity = newQuantity

	acct.Cash = acct.Cash.Sub(cost)
	return pos, nil
}

// applySell credits acct and returns the reduced position. The position is
// kept when it reaches zero, with its cost basis cleared.
func applySell(acct *model.Account, pos *model.Position, quantity int64, unitPrice decimal.Decimal) (*model.Position, error) {
	if pos == nil {
		return nil, ErrNoPosition
	}
	if quantity > pos.Quantity {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrInsufficientShares, pos.Quantity, quantity)
	}

	proceeds := unitPrice.Mul(decimal.NewFromInt(quantity))
	pos.Quantity -= quantity
	if pos.Quantity == 0 {
		pos.AvgPrice = decimal.Zero
	}

	acct.Cash = acct.Cash.Add(proceeds)
	return pos, nil
}

// Reset deletes every account, position and trade and recreates the
// default account. There is no confirmation step here.
func (l *Ledger) Reset(ctx context.Context) (*model.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.defaultAccount()
	err := l.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.Truncate(ctx); err != nil {
			return storageErr(err)
		}
		return storageErr(tx.PutAccount(ctx, acct))
	})
	if err != nil {
		return nil, classify(err)
	}

	slog.Info("ledger reset", "account", acct.Name, "cash", acct.Cash.String())
	return acct, nil
}

// State returns a consistent snapshot with the most recent limit trades.
// limit <= 0 selects model.DefaultTradeLimit. It does not take the ledger
// lock; the store guarantees readers only observe committed state.
func (l *Ledger) State(ctx context.Context, limit int) (*model.Snapshot, error) {
	if limit <= 0 {
		limit = model.DefaultTradeLimit
	}
	snap, err := l.store.Snapshot(ctx, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return snap, nil
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// classify wraps errors that escaped the transaction itself (begin,
// commit, context) as storage failures.
func classify(err error) error {
	if IsRejection(err) || errors.Is(err, ErrStorage) || errors.Is(err, ErrNotInitialized) {
		return err
	}
	return storageErr(err)
}
