package price

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

const (
	timestampsPath = "$.chart.result[0].timestamp"
	closesPath     = "$.chart.result[0].indicators.quote[0].close"
	chartErrorPath = "$.chart.error.description"

	// A max-range daily chart for the oldest listings is a few MB.
	maxChartBytes = 32 << 20
)

// HTTPSource fetches the full daily history from a Yahoo-compatible chart
// endpoint such as a self-hosted quote proxy:
// GET {BaseURL}/v8/finance/chart/{symbol}?range=max&interval=1d
//
//	{"chart": {"result": [{
//	    "timestamp": [1700000000, ...],
//	    "indicators": {"quote": [{"close": [189.71, null, ...]}]}
//	}], "error": null}}
type HTTPSource struct {
	BaseURL  string
	client   *http.Client
	maxBytes int64
}

// NewHTTPSource creates a chart API client.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxChartBytes,
	}
}

func (s *HTTPSource) Series(ctx context.Context, symbol string) ([]model.PricePoint, error) {
	addr := fmt.Sprintf("%s/v8/finance/chart/%s?range=max&interval=1d", s.BaseURL, url.PathEscape(symbol))

	var jobj any
	status, err := s.getJSON(ctx, addr, &jobj)
	if err != nil {
		return nil, err
	}
	// Unknown tickers come back as 404 with a chart.error body.
	if status == http.StatusNotFound {
		slog.Debug("price provider has no data", "symbol", symbol)
		return []model.PricePoint{}, nil
	}
	if status != http.StatusOK {
		desc, _ := jsonpath.Get(chartErrorPath, jobj)
		return nil, fmt.Errorf("chart %s: status %d %v", symbol, status, desc)
	}

	return parseChart(jobj)
}

func (s *HTTPSource) getJSON(ctx context.Context, addr string, data any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "paper-trader/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, s.maxBytes)); err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(buf.Bytes(), data); err != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return resp.StatusCode, nil
}

func parseChart(jobj any) ([]model.PricePoint, error) {
	series := []model.PricePoint{}

	rawTimes, err := jsonpath.Get(timestampsPath, jobj)
	if err != nil {
		// A symbol with no trading history has no timestamp array.
		return series, nil
	}
	rawCloses, err := jsonpath.Get(closesPath, jobj)
	if err != nil {
		return nil, fmt.Errorf("chart: %w", err)
	}

	times, ok := unwrapList(rawTimes)
	if !ok {
		return nil, fmt.Errorf("chart: timestamp is %T, not a list", rawTimes)
	}
	closes, ok := unwrapList(rawCloses)
	if !ok {
		return nil, fmt.Errorf("chart: close is %T, not a list", rawCloses)
	}
	if len(times) != len(closes) {
		return nil, fmt.Errorf("chart: %d timestamps but %d closes", len(times), len(closes))
	}

	lastDate := ""
	for i := range times {
		ts, ok := times[i].(float64)
		if !ok {
			continue
		}
		c, ok := closes[i].(float64)
		if !ok || c < 0 {
			// null close: no trade that day.
			continue
		}
		date := time.Unix(int64(ts), 0).UTC().Format("2006-01-02")
		point := model.PricePoint{Date: date, Close: roundClose(decimal.NewFromFloat(c))}
		// The provider repeats the current day as a live bar; keep the latest.
		if date == lastDate {
			series[len(series)-1] = point
			continue
		}
		series = append(series, point)
		lastDate = date
	}
	return series, nil
}

// unwrapList returns v as a list. jsonpath sometimes wraps a single match
// in a one-element list, so that is unwrapped too.
func unwrapList(v any) ([]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	if len(list) == 1 {
		if inner, ok := list[0].([]any); ok {
			return inner, true
		}
	}
	return list, true
}
