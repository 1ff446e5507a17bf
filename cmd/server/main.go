package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atmx/paper-trader/internal/app"
	"github.com/atmx/paper-trader/internal/config"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/price"
	"github.com/atmx/paper-trader/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Store, prices, ledger ---
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Price refresh ---
	if a.PriceCache != nil && len(cfg.Watchlist) > 0 {
		refresher := price.NewRefresher(a.PriceCache, cfg.Watchlist, cfg.PriceTimeout)
		if err := refresher.Schedule(cfg.RefreshSchedule); err != nil {
			slog.Error("invalid REFRESH_SCHEDULE", "schedule", cfg.RefreshSchedule, "err", err)
			os.Exit(1)
		}
		go refresher.RunOnce()
		refresher.Start()
		defer refresher.Stop()
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(a.Ledger, a.Prices, wsHub, trade.Config{
		DefaultSymbol: cfg.DefaultSymbol,
		HistoryLimit:  cfg.TradeHistoryLimit,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for the browser frontend.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-trader"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/state", tradeSvc.GetState)
			r.Get("/prices/{symbol}", tradeSvc.GetPrices)
			r.Post("/trade", tradeSvc.ExecuteTrade)
			r.Post("/reset", tradeSvc.Reset)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-trader listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-trader...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("paper-trader stopped")
}
