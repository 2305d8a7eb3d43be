// Package price supplies the resolver's view of the market rate between two
// tokens. Quotes come from CoinGecko, are cached for a short TTL, and fall
// back to a static table when the feed is down so the coordinator can keep
// rejecting unprofitable orders instead of stalling.
package price

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL bounds how stale a cached quote may be.
const DefaultTTL = 30 * time.Second

// DefaultIDs maps the common token symbols to their CoinGecko asset ids.
var DefaultIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"BTC":  "bitcoin",
	"WBTC": "wrapped-bitcoin",
	"USDC": "usd-coin",
	"USDT": "tether",
}

// DefaultFallback holds conservative static USD prices for stablecoins only.
// Volatile assets get no fallback: a stale quote there is worse than a
// rejected order.
var DefaultFallback = map[string]float64{
	"USDC": 1,
	"USDT": 1,
}

// Oracle quotes the exchange rate between two tokens.
type Oracle interface {
	// Rate returns how many units of `to` one unit of `from` buys.
	Rate(from, to string) (float64, error)
}

type cachedQuote struct {
	usd float64
	at  time.Time
}

type oracle struct {
	url      string
	client   *http.Client
	ids      map[string]string  // token symbol -> coingecko id
	fallback map[string]float64 // token symbol -> static USD price
	ttl      time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedQuote
}

// Option tweaks oracle construction.
type Option func(*oracle)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *oracle) { o.ttl = ttl }
}

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *oracle) { o.client = client }
}

// WithURL overrides the quote endpoint, used by tests.
func WithURL(url string) Option {
	return func(o *oracle) { o.url = url }
}

// New returns a CoinGecko-backed oracle. ids maps token symbols to CoinGecko
// asset ids, fallback holds static USD prices used when the feed is
// unreachable.
func New(ids map[string]string, fallback map[string]float64, logger *zap.Logger, opts ...Option) Oracle {
	o := &oracle{
		url:      "https://api.coingecko.com/api/v3/simple/price",
		client:   &http.Client{Timeout: 10 * time.Second},
		ids:      ids,
		fallback: fallback,
		ttl:      DefaultTTL,
		logger:   logger,
		cache:    map[string]cachedQuote{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *oracle) Rate(from, to string) (float64, error) {
	fromUSD, err := o.usdPrice(from)
	if err != nil {
		return 0, err
	}
	toUSD, err := o.usdPrice(to)
	if err != nil {
		return 0, err
	}
	if toUSD == 0 {
		return 0, fmt.Errorf("zero usd price for %v", to)
	}
	return fromUSD / toUSD, nil
}

func (o *oracle) usdPrice(token string) (float64, error) {
	o.mu.Lock()
	quote, ok := o.cache[token]
	o.mu.Unlock()
	if ok && time.Since(quote.at) < o.ttl {
		return quote.usd, nil
	}

	usd, err := o.fetch(token)
	if err != nil {
		if static, ok := o.fallback[token]; ok {
			o.logger.Warn("price feed unavailable, using static fallback",
				zap.String("token", token), zap.Error(err))
			return static, nil
		}
		return 0, err
	}

	o.mu.Lock()
	o.cache[token] = cachedQuote{usd: usd, at: time.Now()}
	o.mu.Unlock()
	return usd, nil
}

func (o *oracle) fetch(token string) (float64, error) {
	id, ok := o.ids[token]
	if !ok {
		return 0, fmt.Errorf("no price feed id for token %v", token)
	}

	resp, err := o.client.Get(fmt.Sprintf("%s?ids=%s&vs_currencies=usd", o.url, id))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price feed returned %v", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, err
	}
	quote, ok := payload[id]
	if !ok {
		return 0, fmt.Errorf("no quote for %v in response", id)
	}
	return quote.USD, nil
}

// Static returns an oracle that only serves the given table, used by tests
// and the sim profile.
func Static(rates map[string]float64) Oracle {
	return staticOracle(rates)
}

type staticOracle map[string]float64

func (s staticOracle) Rate(from, to string) (float64, error) {
	fromUSD, ok := s[from]
	if !ok {
		return 0, fmt.Errorf("no static price for %v", from)
	}
	toUSD, ok := s[to]
	if !ok || toUSD == 0 {
		return 0, fmt.Errorf("no static price for %v", to)
	}
	return fromUSD / toUSD, nil
}
