package price

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// CSVSource reads {Dir}/{SYMBOL}.csv files with at least a Date and a
// Close column, as exported by most charting sites.
type CSVSource struct {
	Dir string
}

// NewCSVSource creates a file source rooted at dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir}
}

func (s *CSVSource) Series(_ context.Context, symbol string) ([]model.PricePoint, error) {
	path := filepath.Join(s.Dir, symbol+".csv")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.PricePoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	series, err := parseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return series, nil
}

func parseCSV(r io.Reader) ([]model.PricePoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return []model.PricePoint{}, nil
	}
	if err != nil {
		return nil, err
	}

	dateCol, closeCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "date":
			dateCol = i
		case "close":
			closeCol = i
		}
	}
	if dateCol < 0 || closeCol < 0 {
		return nil, fmt.Errorf("missing Date or Close column in header %v", header)
	}

	series := []model.PricePoint{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if dateCol >= len(rec) || closeCol >= len(rec) {
			continue
		}

		date, err := normalizeDate(rec[dateCol])
		if err != nil {
			slog.Debug("skipping csv row", "line", line, "err", err)
			continue
		}
		closePrice, err := decimal.NewFromString(strings.TrimSpace(rec[closeCol]))
		if err != nil || closePrice.IsNegative() {
			slog.Debug("skipping csv row", "line", line, "close", rec[closeCol])
			continue
		}
		series = append(series, model.PricePoint{Date: date, Close: roundClose(closePrice)})
	}

	sort.SliceStable(series, func(i, j int) bool { return series[i].Date < series[j].Date })
	return series, nil
}

// normalizeDate accepts a plain date or a timestamp and returns YYYY-MM-DD.
func normalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}
