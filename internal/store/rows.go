package store

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// rowScanner is the subset of pgx.Rows and *sql.Rows the scanners need.
type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rs rowScanner) ([]model.Position, error) {
	positions := []model.Position{}
	for rs.Next() {
		var p model.Position
		var avg string
		if err := rs.Scan(&p.Symbol, &p.Quantity, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		var err error
		if p.AvgPrice, err = parseDecimal("avg_price", avg); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rs.Err()
}

func scanTrades(rs rowScanner) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rs.Next() {
		var t model.Trade
		var side, price string
		if err := rs.Scan(&t.ID, &t.Symbol, &side, &t.Quantity, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		var err error
		if t.Price, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rs.Err()
}

func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return d, nil
}
