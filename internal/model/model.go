// Package model defines the core domain types shared across the paper trader.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID is the id of the one and only account.
const AccountID int64 = 1

// PriceScale is the number of decimal places kept for per-share prices
// and average cost.
const PriceScale int32 = 4

// CashScale is the number of decimal places used when displaying cash.
const CashScale int32 = 2

// DefaultTradeLimit is the number of recent trades returned in a snapshot.
const DefaultTradeLimit = 50

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	side := Side(strings.ToUpper(strings.TrimSpace(s)))
	if !side.Valid() {
		return "", fmt.Errorf("unknown side %q", s)
	}
	return side, nil
}

// Account is the single cash ledger.
type Account struct {
	ID        int64           `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is the quantity and cost basis held in one symbol.
// A position whose quantity went back to zero is kept with AvgPrice 0.
type Position struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns quantity * average price.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// Trade is an immutable record of one executed buy or sell.
// Schema: {id, symbol, side, quantity, price, timestamp}
type Trade struct {
	ID        string          `json:"id" db:"id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Amount returns price * quantity.
func (t Trade) Amount() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

func (t Trade) String() string {
	return fmt.Sprintf("%s %s %d %s @ %s",
		t.Timestamp.Format(time.RFC3339), t.Side, t.Quantity, t.Symbol, t.Price.StringFixed(PriceScale))
}

// PricePoint is one daily close.
type PricePoint struct {
	Date  string          `json:"date"` // YYYY-MM-DD
	Close decimal.Decimal `json:"close"`
}

// Snapshot is a consistent view of the ledger.
// Trades are ordered newest first.
type Snapshot struct {
	Account   Account    `json:"account"`
	Positions []Position `json:"positions"`
	Trades    []Trade    `json:"trades"`
}

// Position returns the position for symbol, if any.
func (s *Snapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}
