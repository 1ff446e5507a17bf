package price

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/paper-trader/internal/model"
)

// Refreshable is a cache that can be forced to re-fetch a symbol.
type Refreshable interface {
	Refresh(ctx context.Context, symbol string) ([]model.PricePoint, error)
}

// Refresher keeps a watchlist warm in the price cache on a cron schedule.
// Schedule examples:
//   - "@every 15m"        - every 15 minutes
//   - "30 16 * * MON-FRI" - after the US close on weekdays
type Refresher struct {
	cron      *cron.Cron
	cache     Refreshable
	watchlist []string
	timeout   time.Duration
}

// NewRefresher creates a refresher; call Start to begin.
func NewRefresher(cache Refreshable, watchlist []string, timeout time.Duration) *Refresher {
	return &Refresher{
		cron:      cron.New(),
		cache:     cache,
		watchlist: watchlist,
		timeout:   timeout,
	}
}

// Schedule registers the refresh job.
func (r *Refresher) Schedule(spec string) error {
	if _, err := r.cron.AddFunc(spec, r.RunOnce); err != nil {
		return err
	}
	slog.Info("price refresh scheduled", "schedule", spec, "symbols", len(r.watchlist))
	return nil
}

// RunOnce refreshes every watched symbol. Failures are logged, not fatal.
func (r *Refresher) RunOnce() {
	refreshed := 0
	for _, sym := range r.watchlist {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		series, err := r.cache.Refresh(ctx, sym)
		cancel()
		if err != nil {
			slog.Warn("price refresh failed", "symbol", sym, "err", err)
			continue
		}
		if len(series) > 0 {
			refreshed++
		}
	}
	slog.Debug("price refresh completed", "refreshed", refreshed, "symbols", len(r.watchlist))
}

// Start starts the scheduler in its own goroutine.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
