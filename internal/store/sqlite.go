package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/atmx/paper-trader/internal/model"
)

// SQLiteSchema mirrors PostgresSchema. Decimals are stored as TEXT so no
// precision is lost; TIMESTAMP columns are converted to time.Time by the
// driver.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	cash       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	symbol     TEXT NOT NULL,
	quantity   INTEGER NOT NULL CHECK (quantity >= 0),
	avg_price  TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE TABLE IF NOT EXISTS trades (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	price      TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_timestamp_idx ON trades (account_id, timestamp DESC, seq DESC);
`

// SQLiteStore implements Store on a local SQLite file. It is the default
// durable store when no PostgreSQL URL is configured.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", buildConnectionString(absPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", absPath, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", absPath, err)
	}

	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db, path: absPath}, nil
}

// buildConnectionString enables WAL so snapshot readers never block the
// writer, and full fsync since this is the ledger of record.
func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(FULL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	return connStr
}

// Path returns the absolute database path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Snapshot reads in one transaction; under WAL the first read pins the
// snapshot until commit.
func (s *SQLiteStore) Snapshot(ctx context.Context, tradeLimit int) (*model.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stx := &sqlTx{tx: tx}
	acct, err := stx.Account(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := stx.positions(ctx)
	if err != nil {
		return nil, err
	}
	trades, err := stx.recentTrades(ctx, tradeLimit)
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{Account: *acct, Positions: positions, Trades: trades}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Account(ctx context.Context) (*model.Account, error) {
	var a model.Account
	var cash string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, name, cash, created_at FROM accounts WHERE id = ?`, model.AccountID).
		Scan(&a.ID, &a.Name, &cash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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

func (t *sqlTx) Position(ctx context.Context, symbol string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := t.tx.QueryRowContext(ctx,
		`SELECT symbol, quantity, avg_price, updated_at
		 FROM positions WHERE account_id = ? AND symbol = ?`, model.AccountID, symbol).
		Scan(&p.Symbol, &p.Quantity, &avg, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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

func (t *sqlTx) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, name, cash, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, cash = excluded.cash`,
		a.ID, a.Name, a.Cash.String(), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func (t *sqlTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, avg_price, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET quantity = excluded.quantity, avg_price = excluded.avg_price, updated_at = excluded.updated_at`,
		model.AccountID, p.Symbol, p.Quantity, p.AvgPrice.String(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put position %s: %w", p.Symbol, err)
	}
	return nil
}

func (t *sqlTx) AppendTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (id, account_id, symbol, side, quantity, price, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, model.AccountID, tr.Symbol, string(tr.Side), tr.Quantity, tr.Price.String(), tr.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

func (t *sqlTx) Truncate(ctx context.Context) error {
	for _, table := range []string{"trades", "positions", "accounts"} {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

func (t *sqlTx) positions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT symbol, quantity, avg_price, updated_at
		 FROM positions WHERE account_id = ? ORDER BY symbol`, model.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (t *sqlTx) recentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, symbol, side, quantity, price, timestamp
		 FROM trades WHERE account_id = ?
		 ORDER BY timestamp DESC, seq DESC LIMIT ?`, model.AccountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}
