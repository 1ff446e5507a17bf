// Package price retrieves daily closing price series for ticker symbols.
//
// A Source returns closes oldest first; an empty series means "no data"
// and is never an error. The last close is the execution price for a
// market order.
package price

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// Source returns the daily close series for a symbol, oldest first.
type Source interface {
	Series(ctx context.Context, symbol string) ([]model.PricePoint, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, symbol string) ([]model.PricePoint, error)

func (f SourceFunc) Series(ctx context.Context, symbol string) ([]model.PricePoint, error) {
	return f(ctx, symbol)
}

// Latest returns the last close of series, or false if it is empty.
func Latest(series []model.PricePoint) (decimal.Decimal, bool) {
	if len(series) == 0 {
		return decimal.Zero, false
	}
	return series[len(series)-1].Close, true
}

// Chain tries each source in order and returns the first non-empty
// series. A failing source is logged and skipped, so a provider outage
// falls through to the local files.
type Chain []Source

func (c Chain) Series(ctx context.Context, symbol string) ([]model.PricePoint, error) {
	for i, src := range c {
		series, err := src.Series(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("price source failed, trying next", "symbol", symbol, "source", i, "err", err)
			continue
		}
		if len(series) > 0 {
			return series, nil
		}
	}
	return []model.PricePoint{}, nil
}

func roundClose(d decimal.Decimal) decimal.Decimal {
	return d.Round(model.PriceScale)
}
