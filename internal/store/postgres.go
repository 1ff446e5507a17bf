package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/paper-trader/internal/model"
)

// PostgresSchema creates the ledger tables. All monetary values are stored
// as NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGINT PRIMARY KEY,
	name       TEXT NOT NULL,
	cash       NUMERIC(20,4) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	symbol     TEXT NOT NULL,
	quantity   BIGINT NOT NULL CHECK (quantity >= 0),
	avg_price  NUMERIC(20,4) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE TABLE IF NOT EXISTS trades (
	seq        BIGSERIAL UNIQUE,
	id         TEXT PRIMARY KEY,
	account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity   BIGINT NOT NULL CHECK (quantity > 0),
	price      NUMERIC(20,4) NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_timestamp_idx ON trades (account_id, timestamp DESC, seq DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// Snapshot reads inside a REPEATABLE READ transaction so the account,
// positions and trades all come from the same commit.
func (s *PostgresStore) Snapshot(ctx context.Context, tradeLimit int) (*model.Snapshot, error) {
	var snap *model.Snapshot
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		ptx := &pgTx{tx: tx}
		acct, err := ptx.account(ctx, false)
		if err != nil {
			return err
		}
		positions, err := ptx.positions(ctx)
		if err != nil {
			return err
		}
		trades, err := ptx.recentTrades(ctx, tradeLimit)
		if err != nil {
			return err
		}
		snap = &model.Snapshot{Account: *acct, Positions: positions, Trades: trades}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// Account locks the account row so concurrent writers from other
// processes sharing the database serialize on it.
func (t *pgTx) Account(ctx context.Context) (*model.Account, error) {
	return t.account(ctx, true)
}

func (t *pgTx) account(ctx context.Context, forUpdate bool) (*model.Account, error) {
	q := `SELECT id, name, cash::TEXT, created_at FROM accounts WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var a model.Account
	var cash string
	err := t.tx.QueryRow(ctx, q, model.AccountID).Scan(&a.ID, &a.Name, &cash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if a.Cash, err = parseDecimal("cash", cash); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) Position(ctx context.Context, symbol string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := t.tx.QueryRow(ctx,
		`SELECT symbol, quantity, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`,
		model.AccountID, symbol).
		Scan(&p.Symbol, &p.Quantity, &avg, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if p.AvgPrice, err = parseDecimal("avg_price", avg); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, name, cash, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, cash = EXCLUDED.cash`,
		a.ID, a.Name, a.Cash.String(), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		model.AccountID, p.Symbol, p.Quantity, p.AvgPrice.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put position %s: %w", p.Symbol, err)
	}
	return nil
}

func (t *pgTx) AppendTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, symbol, side, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		tr.ID, model.AccountID, tr.Symbol, string(tr.Side), tr.Quantity, tr.Price.String(), tr.Timestamp)
	if err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

func (t *pgTx) Truncate(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `TRUNCATE trades, positions, accounts RESTART IDENTITY`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func (t *pgTx) positions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT symbol, quantity, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, model.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (t *pgTx) recentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, symbol, side, quantity, price::TEXT, timestamp
		 FROM trades WHERE account_id = $1
		 ORDER BY timestamp DESC, seq DESC LIMIT $2`, model.AccountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}
