package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
	"github.com/atmx/paper-trader/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakePrices serves a fixed latest close per symbol.
type fakePrices struct {
	mu     sync.Mutex
	closes map[string]string
	err    error
}

func (f *fakePrices) set(sym, close string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[sym] = close
}

func (f *fakePrices) Series(_ context.Context, sym string) ([]model.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.closes[sym]
	if !ok {
		return []model.PricePoint{}, nil
	}
	return []model.PricePoint{
		{Date: "2024-01-01", Close: d("1")},
		{Date: "2024-01-02", Close: d(c)},
	}, nil
}

type testEnv struct {
	svc    *trade.Service
	prices *fakePrices
	router chi.Router
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, hub *trade.WSHub) *testEnv {
	t.Helper()
	l := ledger.New(store.NewMemoryStore())
	if _, err := l.Init(context.Background()); err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	prices := &fakePrices{closes: map[string]string{"AAPL": "100"}}
	svc := trade.NewService(l, prices, hub, trade.Config{})

	r := chi.NewRouter()
	r.Get("/api/v1/state", svc.GetState)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Post("/api/v1/reset", svc.Reset)
	r.Get("/api/v1/prices/{symbol}", svc.GetPrices)

	return &testEnv{svc: svc, prices: prices, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doTrade(t *testing.T, req trade.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/trade", req)
}

func (e *testEnv) state(t *testing.T, query string) trade.StateResponse {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/state"+query, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("state: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.StateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	if body["error"] == "" {
		t.Errorf("expected error message in %s", w.Body.String())
	}
	return body["code"]
}

// --- Trade execution tests ---

func TestExecuteTrade_Buy(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.doTrade(t, trade.TradeRequest{Symbol: "aapl", Side: "buy", Quantity: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var out ledger.Outcome
	json.Unmarshal(w.Body.Bytes(), &out)

	if out.Trade.ID == "" {
		t.Error("expected non-empty trade id")
	}
	if out.Trade.Symbol != "AAPL" || out.Trade.Side != model.SideBuy {
		t.Errorf("expected normalized AAPL BUY, got %s %s", out.Trade.Symbol, out.Trade.Side)
	}
	if !out.Trade.Price.Equal(d("100")) {
		t.Errorf("expected fill at latest close 100, got %s", out.Trade.Price)
	}
	if !out.Account.Cash.Equal(d("99000")) {
		t.Errorf("expected cash 99000, got %s", out.Account.Cash)
	}
	if out.Position.Quantity != 10 || !out.Position.AvgPrice.Equal(d("100")) {
		t.Errorf("expected 10 @ 100, got %d @ %s", out.Position.Quantity, out.Position.AvgPrice)
	}
}

func TestExecuteTrade_WorkedExample(t *testing.T) {
	env := newTestEnv(t, nil)

	steps := []struct {
		side  string
		qty   int64
		price string
		cash  string
		held  int64
		avg   string
	}{
		{"BUY", 10, "100", "99000", 10, "100"},
		{"BUY", 10, "200", "97000", 20, "150"},
		{"SELL", 5, "300", "98500", 15, "150"},
		{"SELL", 15, "50", "99250", 0, "0"},
	}
	for i, step := range steps {
		env.prices.set("AAPL", step.price)
		w := env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: step.side, Quantity: step.qty})
		if w.Code != http.StatusOK {
			t.Fatalf("step %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		var out ledger.Outcome
		json.Unmarshal(w.Body.Bytes(), &out)
		if !out.Account.Cash.Equal(d(step.cash)) {
			t.Errorf("step %d: cash = %s, want %s", i, out.Account.Cash, step.cash)
		}
		if out.Position.Quantity != step.held || !out.Position.AvgPrice.Equal(d(step.avg)) {
			t.Errorf("step %d: position = %d @ %s, want %d @ %s",
				i, out.Position.Quantity, out.Position.AvgPrice, step.held, step.avg)
		}
	}

	state := env.state(t, "")
	if len(state.Trades) != 4 {
		t.Fatalf("expected 4 trades, got %d", len(state.Trades))
	}
	if state.Trades[0].Side != model.SideSell || state.Trades[0].Quantity != 15 {
		t.Errorf("expected newest trade first, got %s", state.Trades[0])
	}
	if len(state.Positions) != 1 || state.Positions[0].Quantity != 0 {
		t.Errorf("expected a retained zero position, got %+v", state.Positions)
	}
}

func TestExecuteTrade_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid side", trade.TradeRequest{Symbol: "AAPL", Side: "HOLD", Quantity: 1}, http.StatusBadRequest, "invalid_side"},
		{"zero quantity", trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 0}, http.StatusBadRequest, "invalid_quantity"},
		{"negative quantity", trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: -5}, http.StatusBadRequest, "invalid_quantity"},
		{"invalid symbol", trade.TradeRequest{Symbol: "AA PL", Side: "BUY", Quantity: 1}, http.StatusBadRequest, "invalid_symbol"},
		{"empty symbol", trade.TradeRequest{Side: "BUY", Quantity: 1}, http.StatusBadRequest, "invalid_symbol"},
		{"fractional quantity", `{"symbol":"AAPL","side":"BUY","quantity":1.5}`, http.StatusBadRequest, "invalid_request"},
		{"malformed body", `{"symbol":`, http.StatusBadRequest, "invalid_request"},
		{"insufficient funds", trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1001}, http.StatusConflict, "insufficient_funds"},
		{"no position", trade.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: 1}, http.StatusConflict, "no_position"},
		{"no price", trade.TradeRequest{Symbol: "ZZZZ", Side: "BUY", Quantity: 1}, http.StatusUnprocessableEntity, "price_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, "POST", "/api/v1/trade", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, code)
			}

			state := env.state(t, "")
			if !state.Account.Cash.Equal(ledger.DefaultCash) || len(state.Trades) != 0 {
				t.Errorf("rejected trade mutated state: cash %s, %d trades", state.Account.Cash, len(state.Trades))
			}
		})
	}
}

func TestExecuteTrade_InsufficientShares(t *testing.T) {
	env := newTestEnv(t, nil)
	env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 5})

	w := env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: 6})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "insufficient_shares" {
		t.Errorf("expected insufficient_shares, got %q", code)
	}

	state := env.state(t, "")
	if state.Positions[0].Quantity != 5 || !state.Account.Cash.Equal(d("99500")) {
		t.Errorf("state changed after rejected sell: %+v cash %s", state.Positions, state.Account.Cash)
	}
}

func TestExecuteTrade_PriceSourceError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prices.err = errors.New("provider down")
	before := testutil.ToFloat64(metrics.PriceFetchErrors)

	w := env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(metrics.PriceFetchErrors) - before; got != 1 {
		t.Errorf("expected one price fetch error counted, got %v", got)
	}
	// The counter carries no per-symbol series.
	if n := testutil.CollectAndCount(metrics.PriceFetchErrors); n != 1 {
		t.Errorf("expected a single series, got %d", n)
	}
}

// --- State tests ---

func TestGetState_MarksPositions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prices.set("MSFT", "50")
	env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 10})
	env.doTrade(t, trade.TradeRequest{Symbol: "MSFT", Side: "BUY", Quantity: 4})

	env.prices.set("AAPL", "110")
	env.prices.set("MSFT", "45")

	state := env.state(t, "?symbol=aapl")
	if state.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %s", state.Symbol)
	}
	if state.LatestPrice == nil || !state.LatestPrice.Equal(d("110")) {
		t.Errorf("expected latest price 110, got %v", state.LatestPrice)
	}
	if len(state.Series) != 2 {
		t.Errorf("expected 2 price points, got %d", len(state.Series))
	}
	if len(state.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(state.Positions))
	}

	aapl := state.Positions[0]
	if aapl.Symbol != "AAPL" || aapl.MarketValue == nil || !aapl.MarketValue.Equal(d("1100")) {
		t.Errorf("AAPL market value: %+v", aapl)
	}
	if aapl.UnrealizedPnL == nil || !aapl.UnrealizedPnL.Equal(d("100")) {
		t.Errorf("AAPL unrealized pnl: %v", aapl.UnrealizedPnL)
	}

	// 1100 + 180
	if !state.PositionsValue.Equal(d("1280")) {
		t.Errorf("positions value = %s, want 1280", state.PositionsValue)
	}
	// +100 - 20
	if !state.UnrealizedPnL.Equal(d("80")) {
		t.Errorf("unrealized pnl = %s, want 80", state.UnrealizedPnL)
	}
	// 100000 - 1000 - 200 + 1280
	if !state.TotalValue.Equal(d("100080")) {
		t.Errorf("total value = %s, want 100080", state.TotalValue)
	}
}

func TestGetState_DefaultsAndLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1})
	}

	state := env.state(t, "")
	if state.Symbol != trade.DefaultSymbol {
		t.Errorf("expected default symbol, got %s", state.Symbol)
	}
	if len(state.Trades) != 3 {
		t.Errorf("expected 3 trades, got %d", len(state.Trades))
	}

	state = env.state(t, "?limit=2")
	if len(state.Trades) != 2 {
		t.Errorf("expected 2 trades with limit=2, got %d", len(state.Trades))
	}

	w := env.do(t, "GET", "/api/v1/state?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestGetState_PriceOutageStillServes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1})
	env.prices.err = errors.New("provider down")

	state := env.state(t, "")
	if state.LatestPrice != nil {
		t.Errorf("expected no latest price, got %s", state.LatestPrice)
	}
	if state.Positions[0].MarketValue != nil {
		t.Error("expected unmarked position during outage")
	}
	if !state.TotalValue.Equal(d("99900")) {
		t.Errorf("total value should fall back to cash, got %s", state.TotalValue)
	}
}

// --- Reset / prices ---

func TestReset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.doTrade(t, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 10})

	w := env.do(t, "POST", "/api/v1/reset", "{}")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.ResetResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "reset" || !resp.Account.Cash.Equal(ledger.DefaultCash) {
		t.Errorf("unexpected reset response: %+v", resp)
	}

	state := env.state(t, "")
	if len(state.Positions) != 0 || len(state.Trades) != 0 {
		t.Errorf("expected empty ledger after reset, got %d positions %d trades",
			len(state.Positions), len(state.Trades))
	}
}

func TestGetPrices(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/prices/aapl", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q trade.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.Symbol != "AAPL" || q.LatestPrice == nil || !q.LatestPrice.Equal(d("100")) {
		t.Errorf("unexpected quote: %+v", q)
	}

	w = env.do(t, "GET", "/api/v1/prices/ZZZZ", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown symbol, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"latest_price":null`) {
		t.Errorf("expected null latest price, got %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/prices/BAD$", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid symbol, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsTrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub()
	go hub.Run(ctx)
	env := newTestEnv(t, hub)
	env.router.Get("/api/v1/ws", hub.HandleWS)

	server := httptest.NewServer(env.router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := env.svc.Execute(ctx, trade.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 2}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := env.svc.ResetLedger(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read trade event: %v", err)
	}
	if msg.Type != trade.EventTradeExecuted || msg.Symbol != "AAPL" || msg.Quantity != 2 {
		t.Errorf("unexpected trade event: %+v", msg)
	}
	if msg.Cash != "99800.00" {
		t.Errorf("expected cash 99800.00, got %s", msg.Cash)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reset event: %v", err)
	}
	if msg.Type != trade.EventLedgerReset || msg.Cash != "100000.00" {
		t.Errorf("unexpected reset event: %+v", msg)
	}
}
