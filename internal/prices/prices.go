// Package prices provides access to the external market-data collaborator.
// The engine never decides prices; it fetches them through a Source with a
// request timeout, an outbound rate limit, and a circuit breaker so a
// stalled feed degrades to per-symbol ErrPriceUnavailable handling instead
// of blocking rebalance fan-outs.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrFeedUnavailable is returned when the price feed cannot be reached at
// all (breaker open, transport failure, bad payload). Per-symbol absence is
// not an error here: a symbol simply missing from the returned map is
// handled downstream as ErrPriceUnavailable.
var ErrFeedUnavailable = errors.New("prices: feed unavailable")

// Source supplies current prices for a set of symbols. Implementations must
// honor ctx cancellation. Symbols the source cannot quote are omitted from
// the result, not errors.
type Source interface {
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// --- HTTP client ---

// ClientConfig configures the HTTP price source.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	RequestsPerSec float64
	Burst          int
}

// Client fetches quotes from the market-data collaborator over HTTP:
// GET {base}/quotes?symbols=AAPL,MSFT returning {"prices": {"AAPL": "175.5"}}.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a rate-limited, circuit-broken HTTP price source.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-feed",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("price feed breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: breaker,
	}
}

type quotesResponse struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

// Prices fetches quotes for the given symbols.
func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrFeedUnavailable, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, symbols)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	return result.(map[string]decimal.Decimal), nil
}

func (c *Client) fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	u := fmt.Sprintf("%s/quotes?symbols=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.QueryEscape(strings.Join(symbols, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned %d", resp.StatusCode)
	}

	var body quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(body.Prices))
	for symbol, price := range body.Prices {
		if price.LessThanOrEqual(decimal.Zero) {
			slog.Warn("dropping non-positive quote", "symbol", symbol, "price", price.String())
			continue
		}
		out[symbol] = price
	}
	return out, nil
}

// --- Static source ---

// Static is a fixed price table for tests and development.
type Static struct {
	table map[string]decimal.Decimal
}

// NewStatic creates a static source from a symbol→price table.
func NewStatic(table map[string]decimal.Decimal) *Static {
	cp := make(map[string]decimal.Decimal, len(table))
	for s, p := range table {
		cp[s] = p
	}
	return &Static{table: cp}
}

// Set updates one symbol's price.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.table[symbol] = price
}

// Prices returns the subset of requested symbols present in the table.
func (s *Static) Prices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		if p, ok := s.table[symbol]; ok {
			out[symbol] = p
		}
	}
	return out, nil
}
