package price

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"

	"github.com/atmx/paper-trader/internal/model"
)

// historyFunc fetches daily bars for one symbol.
type historyFunc func(symbol string, params models.HistoryParams) ([]models.Bar, error)

// YFinanceSource is the default online provider: the full adjusted daily
// history from Yahoo Finance via go-yfinance.
type YFinanceSource struct {
	Period  string
	timeout time.Duration
	history historyFunc
}

// NewYFinanceSource creates the Yahoo Finance provider. timeout bounds a
// single history fetch; zero means only the caller's context applies.
func NewYFinanceSource(timeout time.Duration) *YFinanceSource {
	return &YFinanceSource{
		Period:  "max",
		timeout: timeout,
		history: tickerHistory,
	}
}

func tickerHistory(symbol string, params models.HistoryParams) ([]models.Bar, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	return t.History(params)
}

func (s *YFinanceSource) Series(ctx context.Context, symbol string) ([]model.PricePoint, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	params := models.HistoryParams{
		Period:     s.Period,
		Interval:   "1d",
		AutoAdjust: true,
	}

	type result struct {
		bars []models.Bar
		err  error
	}
	// go-yfinance takes no context, so the fetch runs aside and is
	// abandoned when ctx ends.
	done := make(chan result, 1)
	go func() {
		bars, err := s.history(symbol, params)
		done <- result{bars, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("yfinance %s: %w", symbol, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("yfinance %s: %w", symbol, r.err)
		}
		return barsToSeries(r.bars), nil
	}
}

// barsToSeries keeps one close per calendar day, oldest first. Bars with
// no usable close are skipped, and a repeated day (the live bar during
// trading hours) replaces the earlier one.
func barsToSeries(bars []models.Bar) []model.PricePoint {
	series := make([]model.PricePoint, 0, len(bars))
	lastDate := ""
	for _, bar := range bars {
		if bar.Close < 0 || math.IsNaN(bar.Close) || math.IsInf(bar.Close, 0) {
			continue
		}
		date := bar.Date.Format("2006-01-02")
		point := model.PricePoint{Date: date, Close: roundClose(decimal.NewFromFloat(bar.Close))}
		if date == lastDate {
			series[len(series)-1] = point
			continue
		}
		series = append(series, point)
		lastDate = date
	}
	return series
}
