package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
)

// Quote is a spot price and the name of the source that produced it.
type Quote struct {
	Price  decimal.Decimal
	Source string
}

// Source fetches the current spot price for an instrument.
// Every failure wraps game.ErrUpstreamUnavailable.
type Source interface {
	Name() string
	SpotPrice(ctx context.Context, instrument string) (Quote, error)
}

// SplitInstrument splits "BTCUSD" into ("BTC", "USD"). The quote currency is
// the last three letters.
func SplitInstrument(instrument string) (base, quote string, err error) {
	s := strings.ToUpper(strings.TrimSpace(instrument))
	if len(s) < 6 {
		return "", "", fmt.Errorf("%w: instrument %q", game.ErrInvalidInput, instrument)
	}
	return s[:len(s)-3], s[len(s)-3:], nil
}

func upstreamErr(source string, err error) error {
	return fmt.Errorf("%s: %w: %v", source, game.ErrUpstreamUnavailable, err)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// CoinbaseSource reads GET {BaseURL}/v2/prices/{BASE-QUOTE}/spot.
type CoinbaseSource struct {
	HTTP    *http.Client
	BaseURL string
}

func (s *CoinbaseSource) Name() string { return "coinbase" }

func (s *CoinbaseSource) SpotPrice(ctx context.Context, instrument string) (Quote, error) {
	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return Quote{}, err
	}
	endpoint := fmt.Sprintf("%s/v2/prices/%s-%s/spot", strings.TrimRight(s.BaseURL, "/"), base, quote)

	var body struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	if err := getJSON(ctx, s.HTTP, endpoint, nil, &body); err != nil {
		return Quote{}, upstreamErr(s.Name(), err)
	}
	price, err := decimal.NewFromString(body.Data.Amount)
	if err != nil {
		return Quote{}, upstreamErr(s.Name(), fmt.Errorf("amount %q: %w", body.Data.Amount, err))
	}
	if !price.IsPositive() {
		return Quote{}, upstreamErr(s.Name(), fmt.Errorf("non-positive amount %s", price))
	}
	return Quote{Price: price, Source: s.Name()}, nil
}

// coinGeckoIDs maps base symbols to CoinGecko coin ids.
var coinGeckoIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
	"SOL": "solana",
}

// CoinGeckoSource reads GET {BaseURL}/api/v3/simple/price?ids=..&vs_currencies=..
type CoinGeckoSource struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) SpotPrice(ctx context.Context, instrument string) (Quote, error) {
	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return Quote{}, err
	}
	id, ok := coinGeckoIDs[base]
	if !ok {
		return Quote{}, upstreamErr(s.Name(), fmt.Errorf("no coin id for %s", base))
	}
	vs := strings.ToLower(quote)

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/api/v3/simple/price?" + q.Encode()

	var header http.Header
	if s.APIKey != "" {
		header = http.Header{"X-Cg-Demo-Api-Key": []string{s.APIKey}}
	}

	var body map[string]map[string]json.Number
	if err := getJSON(ctx, s.HTTP, endpoint, header, &body); err != nil {
		return Quote{}, upstreamErr(s.Name(), err)
	}
	raw, ok := body[id][vs]
	if !ok {
		return Quote{}, upstreamErr(s.Name(), fmt.Errorf("no %s/%s in response", id, vs))
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return Quote{}, upstreamErr(s.Name(), err)
	}
	if !price.IsPositive() {
		return Quote{}, upstreamErr(s.Name(), fmt.Errorf("non-positive price %s", price))
	}
	return Quote{Price: price, Source: s.Name()}, nil
}

// FallbackSource tries each source in order and returns the first success.
type FallbackSource struct {
	sources []Source
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewFallbackSource(sources []Source, metrics *observability.Metrics, logger zerolog.Logger) *FallbackSource {
	return &FallbackSource{sources: sources, metrics: metrics, logger: logger}
}

func (f *FallbackSource) Name() string { return "fallback" }

func (f *FallbackSource) SpotPrice(ctx context.Context, instrument string) (Quote, error) {
	if len(f.sources) == 0 {
		return Quote{}, fmt.Errorf("no price sources configured: %w", game.ErrUpstreamUnavailable)
	}
	var errs []string
	for _, s := range f.sources {
		start := time.Now()
		q, err := s.SpotPrice(ctx, instrument)
		f.metrics.UpstreamDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			f.metrics.UpstreamRequests.WithLabelValues(s.Name(), "ok").Inc()
			return q, nil
		}
		f.metrics.UpstreamRequests.WithLabelValues(s.Name(), "error").Inc()
		f.logger.Warn().Err(err).Str("source", s.Name()).Str("instrument", instrument).Msg("price source failed")
		errs = append(errs, err.Error())
		if ctx.Err() != nil {
			break
		}
	}
	return Quote{}, fmt.Errorf("all price sources failed (%s): %w", strings.Join(errs, "; "), game.ErrUpstreamUnavailable)
}

// NewSources builds the named sources in order. Unknown names are an error.
func NewSources(names []string, client *http.Client, coinbaseURL, coinGeckoURL, coinGeckoKey string) ([]Source, error) {
	var out []Source
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "coinbase":
			out = append(out, &CoinbaseSource{HTTP: client, BaseURL: coinbaseURL})
		case "coingecko":
			out = append(out, &CoinGeckoSource{HTTP: client, BaseURL: coinGeckoURL, APIKey: coinGeckoKey})
		case "":
		default:
			return nil, fmt.Errorf("unknown price source %q", n)
		}
	}
	return out, nil
}
