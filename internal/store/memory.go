package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/paper-trader/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	account   *model.Account
	positions map[string]*model.Position
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
	}
}

// Update stages writes in a memTx and applies them only when fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:     s,
		positions: make(map[string]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, tradeLimit int) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.account == nil {
		return nil, ErrNotFound
	}

	snap := &model.Snapshot{
		Account:   *s.account,
		Positions: make([]model.Position, 0, len(s.positions)),
		Trades:    []model.Trade{},
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].Symbol < snap.Positions[j].Symbol
	})

	// Newest first by timestamp; equal timestamps keep reverse insertion
	// order, like ORDER BY timestamp DESC, seq DESC.
	trades := make([]model.Trade, 0, len(s.trades))
	for i := len(s.trades) - 1; i >= 0; i-- {
		trades = append(trades, s.trades[i])
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.After(trades[j].Timestamp)
	})
	if len(trades) > tradeLimit {
		trades = trades[:tradeLimit]
	}
	snap.Trades = append(snap.Trades, trades...)
	return snap, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx reads through to the store (already write-locked by Update) and
// buffers every write until commit.
type memTx struct {
	store     *MemoryStore
	truncated bool
	account   *model.Account
	positions map[string]*model.Position
	trades    []model.Trade
}

func (tx *memTx) Account(_ context.Context) (*model.Account, error) {
	if tx.account != nil {
		copy := *tx.account
		return &copy, nil
	}
	if tx.truncated || tx.store.account == nil {
		return nil, ErrNotFound
	}
	copy := *tx.store.account
	return &copy, nil
}

func (tx *memTx) Position(_ context.Context, symbol string) (*model.Position, error) {
	if p, ok := tx.positions[symbol]; ok {
		copy := *p
		return &copy, nil
	}
	if tx.truncated {
		return nil, ErrNotFound
	}
	p, ok := tx.store.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) PutAccount(_ context.Context, acct *model.Account) error {
	copy := *acct
	tx.account = &copy
	return nil
}

func (tx *memTx) PutPosition(_ context.Context, p *model.Position) error {
	copy := *p
	tx.positions[p.Symbol] = &copy
	return nil
}

func (tx *memTx) AppendTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) Truncate(_ context.Context) error {
	tx.truncated = true
	tx.account = nil
	tx.positions = make(map[string]*model.Position)
	tx.trades = nil
	return nil
}

func (tx *memTx) commit() {
	s := tx.store
	if tx.truncated {
		s.account = nil
		s.positions = make(map[string]*model.Position)
		s.trades = nil
	}
	if tx.account != nil {
		s.account = tx.account
	}
	for sym, p := range tx.positions {
		s.positions[sym] = p
	}
	s.trades = append(s.trades, tx.trades...)
}
