// Package marketdata fetches external price series for automated steps.
// The engine depends only on the Source interface; the HTTP client and a
// deterministic mock both satisfy it.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/meridianfin/meridian/pkg/api"
)

// Point is one observation in a price series.
type Point struct {
	Date  string          `json:"date"`
	Close decimal.Decimal `json:"close"`
}

// Series is an ordered price history for one symbol, oldest first.
type Series struct {
	Symbol string  `json:"symbol"`
	Points []Point `json:"points"`
}

// Source provides price series lookups.
type Source interface {
	FetchSeries(ctx context.Context, symbol string, days int) (*Series, error)
}

// Config holds connection settings for the HTTP source.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig reads the source endpoint from the environment.
func DefaultConfig() *Config {
	config := &Config{
		BaseURL: os.Getenv("MERIDIAN_MARKETDATA_URL"),
		APIKey:  os.Getenv("MERIDIAN_MARKETDATA_API_KEY"),
		Timeout: 15 * time.Second,
	}
	return config
}

// HTTPSource fetches series from a JSON endpoint shaped
// GET {base}/series?symbol=X&days=N.
type HTTPSource struct {
	config *Config
	client *http.Client
}

// NewHTTPSource creates an HTTP-backed source.
func NewHTTPSource(config *Config) (*HTTPSource, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("market data base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	log.Info().Str("base_url", config.BaseURL).Msg("Market data source initialized")

	return &HTTPSource{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (s *HTTPSource) FetchSeries(ctx context.Context, symbol string, days int) (*Series, error) {
	endpoint := fmt.Sprintf("%s/series?symbol=%s&days=%d", s.config.BaseURL, url.QueryEscape(symbol), days)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, api.E(api.CodeInternal, "building market data request: %v", err)
	}
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, api.Transient(api.CodeTransient, "market data fetch for %s failed: %v", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, api.E(api.CodeNotFound, "no series for symbol %q", symbol)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, api.Transient(api.CodeRateLimited, "market data source rate limited")
	case resp.StatusCode >= 500:
		return nil, api.Transient(api.CodeTransient, "market data source returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, api.E(api.CodeInternal, "market data source returned %d", resp.StatusCode)
	}

	var series Series
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, api.E(api.CodeInternal, "decoding series for %s: %v", symbol, err)
	}
	if series.Symbol == "" {
		series.Symbol = symbol
	}
	return &series, nil
}

// MockSource returns synthetic deterministic series keyed by symbol.
// Unregistered symbols get a flat series so tests do not need fixtures
// for every symbol they touch.
type MockSource struct {
	series map[string]*Series
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{series: make(map[string]*Series)}
}

// SetSeries registers a canned series for a symbol.
func (m *MockSource) SetSeries(symbol string, points []Point) {
	m.series[symbol] = &Series{Symbol: symbol, Points: points}
}

func (m *MockSource) FetchSeries(_ context.Context, symbol string, days int) (*Series, error) {
	if s, ok := m.series[symbol]; ok {
		if days > 0 && days < len(s.Points) {
			trimmed := &Series{Symbol: symbol, Points: s.Points[len(s.Points)-days:]}
			return trimmed, nil
		}
		return s, nil
	}

	if days <= 0 {
		days = 30
	}
	points := make([]Point, days)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range points {
		points[i] = Point{
			Date:  base.AddDate(0, 0, i).Format("2006-01-02"),
			Close: decimal.NewFromInt(100),
		}
	}
	return &Series{Symbol: symbol, Points: points}, nil
}
