// Package trade provides the HTTP handlers and business logic for
// executing market orders against the paper ledger and querying its state.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/price"
	"github.com/atmx/paper-trader/internal/symbol"
)

// DefaultSymbol is the symbol shown by the state endpoint when none is given.
const DefaultSymbol = "AAPL"

// Service resolves market prices and drives the ledger. The ledger
// serializes writes itself; Service only makes sure the price is known
// before a trade reaches it.
type Service struct {
	ledger        *ledger.Ledger
	prices        price.Source
	wsHub         *WSHub // optional WebSocket hub for real-time broadcasts
	defaultSymbol string
	historyLimit  int
}

// Config holds the presentation defaults of a Service.
type Config struct {
	DefaultSymbol string
	HistoryLimit  int
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, prices price.Source, hub *WSHub, cfg Config) *Service {
	if cfg.DefaultSymbol == "" {
		cfg.DefaultSymbol = DefaultSymbol
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = model.DefaultTradeLimit
	}
	return &Service{
		ledger:        l,
		prices:        prices,
		wsHub:         hub,
		defaultSymbol: cfg.DefaultSymbol,
		historyLimit:  cfg.HistoryLimit,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`     // "BUY" or "SELL", any case
	Quantity int64  `json:"quantity"` // whole shares, > 0
}

// Quote is a symbol's daily close series and its latest close.
type Quote struct {
	Symbol      string             `json:"symbol"`
	Series      []model.PricePoint `json:"series"`
	LatestPrice *decimal.Decimal   `json:"latest_price"`
}

// PositionView is a position marked to its symbol's latest close. The
// mark fields are nil when no price is available.
type PositionView struct {
	model.Position
	LastPrice     *decimal.Decimal `json:"last_price"`
	MarketValue   *decimal.Decimal `json:"market_value"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl"`
}

// StateResponse is the JSON body returned from GET /state.
type StateResponse struct {
	Account        model.Account   `json:"account"`
	Positions      []PositionView  `json:"positions"`
	Trades         []model.Trade   `json:"trades"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Quote
}

// ResetResponse is the JSON body returned from POST /reset.
type ResetResponse struct {
	Status  string        `json:"status"`
	Account model.Account `json:"account"`
}

// --- Operations ---

// Quote returns the price series for a ticker. An empty series is not an
// error; LatestPrice is nil in that case.
func (s *Service) Quote(ctx context.Context, ticker string) (*Quote, error) {
	sym, err := symbol.Normalize(ticker)
	if err != nil {
		return nil, err
	}
	series, err := s.series(ctx, sym)
	if err != nil {
		return nil, err
	}
	q := &Quote{Symbol: sym, Series: series}
	if last, ok := price.Latest(series); ok {
		q.LatestPrice = &last
	}
	return q, nil
}

func (s *Service) series(ctx context.Context, sym string) ([]model.PricePoint, error) {
	series, err := s.prices.Series(ctx, sym)
	if err != nil {
		metrics.PriceFetchErrors.Inc()
		slog.Warn("price lookup failed", "symbol", sym, "err", err)
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrPriceUnavailable, sym, err)
	}
	if series == nil {
		series = []model.PricePoint{}
	}
	return series, nil
}

// Execute validates req, prices it at the latest close and runs it
// through the ledger.
func (s *Service) Execute(ctx context.Context, req TradeRequest) (*ledger.Outcome, error) {
	start := time.Now()
	out, err := s.execute(ctx, req)
	if err != nil {
		if code := errorCode(err); code != "storage_error" {
			metrics.TradeRejections.WithLabelValues(code).Inc()
		}
		return nil, err
	}

	side := string(out.Trade.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.SharesTraded.WithLabelValues(out.Trade.Symbol, side).Add(float64(out.Trade.Quantity))
	metrics.AccountCash.Set(out.Account.Cash.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", out.Trade.ID,
		"symbol", out.Trade.Symbol,
		"side", side,
		"qty", out.Trade.Quantity,
		"price", out.Trade.Price.String(),
		"cash", out.Account.Cash.String(),
		"position_qty", out.Position.Quantity,
		"avg_price", out.Position.AvgPrice.String(),
	)

	if s.wsHub != nil {
		pos := out.Position
		s.wsHub.Broadcast(WSMessage{
			Type:     EventTradeExecuted,
			TradeID:  out.Trade.ID,
			Symbol:   out.Trade.Symbol,
			Side:     side,
			Quantity: out.Trade.Quantity,
			Price:    out.Trade.Price.String(),
			Cash:     out.Account.Cash.StringFixed(model.CashScale),
			Position: &pos,
		})
	}
	return out, nil
}

func (s *Service) execute(ctx context.Context, req TradeRequest) (*ledger.Outcome, error) {
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: got %q", ledger.ErrInvalidSide, req.Side)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ledger.ErrInvalidQuantity, req.Quantity)
	}

	// Resolve the price before the ledger lock is taken.
	series, err := s.series(ctx, sym)
	if err != nil {
		return nil, err
	}
	last, ok := price.Latest(series)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPriceUnavailable, sym)
	}

	return s.ledger.ExecuteTrade(ctx, sym, side, req.Quantity, last)
}

// State returns the ledger snapshot marked to market, plus the quote for
// ticker (the default symbol when empty).
func (s *Service) State(ctx context.Context, ticker string, limit int) (*StateResponse, error) {
	if ticker == "" {
		ticker = s.defaultSymbol
	}
	sym, err := symbol.Normalize(ticker)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyLimit
	}

	snap, err := s.ledger.State(ctx, limit)
	if err != nil {
		return nil, err
	}

	resp := &StateResponse{
		Account:        snap.Account,
		Positions:      make([]PositionView, 0, len(snap.Positions)),
		Trades:         snap.Trades,
		PositionsValue: decimal.Zero,
		UnrealizedPnL:  decimal.Zero,
		Quote:          Quote{Symbol: sym, Series: []model.PricePoint{}},
	}
	if resp.Trades == nil {
		resp.Trades = []model.Trade{}
	}

	// A price outage degrades the view; it does not fail it.
	if q, err := s.Quote(ctx, sym); err != nil {
		slog.Warn("state quote unavailable", "symbol", sym, "err", err)
	} else {
		resp.Quote = *q
	}

	for _, p := range snap.Positions {
		view := PositionView{Position: p}
		if p.Quantity > 0 {
			if last, ok := s.lastPrice(ctx, p.Symbol, resp.Quote); ok {
				value := last.Mul(decimal.NewFromInt(p.Quantity))
				pnl := value.Sub(p.CostBasis())
				view.LastPrice = &last
				view.MarketValue = &value
				view.UnrealizedPnL = &pnl
				resp.PositionsValue = resp.PositionsValue.Add(value)
				resp.UnrealizedPnL = resp.UnrealizedPnL.Add(pnl)
			}
		}
		resp.Positions = append(resp.Positions, view)
	}
	resp.TotalValue = resp.Account.Cash.Add(resp.PositionsValue)
	return resp, nil
}

func (s *Service) lastPrice(ctx context.Context, sym string, known Quote) (decimal.Decimal, bool) {
	if sym == known.Symbol {
		if known.LatestPrice == nil {
			return decimal.Zero, false
		}
		return *known.LatestPrice, true
	}
	series, err := s.series(ctx, sym)
	if err != nil {
		slog.Warn("position mark unavailable", "symbol", sym, "err", err)
		return decimal.Zero, false
	}
	return price.Latest(series)
}

// ResetLedger wipes the ledger back to a fresh default account.
func (s *Service) ResetLedger(ctx context.Context) (*model.Account, error) {
	acct, err := s.ledger.Reset(ctx)
	if err != nil {
		return nil, err
	}
	metrics.AccountCash.Set(acct.Cash.InexactFloat64())
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type: EventLedgerReset,
			Cash: acct.Cash.StringFixed(model.CashScale),
		})
	}
	return acct, nil
}

// --- HTTP Handlers ---

// GetState handles GET /api/v1/state?symbol=SYM&limit=N
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", "invalid_limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp, err := s.State(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExecuteTrade handles POST /api/v1/trade
// Executes a market order at the latest close.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}

	out, err := s.Execute(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Reset handles POST /api/v1/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ResetLedger(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Status: "reset", Account: *acct})
}

// GetPrices handles GET /api/v1/prices/{symbol}
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	q, err := s.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// errorStatus maps a service error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, symbol.ErrInvalidSymbol):
		return http.StatusBadRequest, "invalid_symbol"
	case errors.Is(err, ledger.ErrInvalidSide):
		return http.StatusBadRequest, "invalid_side"
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_price"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrNoPosition):
		return http.StatusConflict, "no_position"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return http.StatusConflict, "insufficient_shares"
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return http.StatusUnprocessableEntity, "price_unavailable"
	case errors.Is(err, ledger.ErrNotInitialized):
		return http.StatusInternalServerError, "not_initialized"
	default:
		return http.StatusInternalServerError, "storage_error"
	}
}

func errorCode(err error) string {
	_, code := errorStatus(err)
	return code
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "code", code, "err", err)
		msg = "internal error"
	}
	writeError(w, msg, code, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
