package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var _ PriceOracle = (*YahooClient)(nil)

// ErrSymbolNotFound is returned when the provider has no data for a symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// YahooConfig holds configuration for the Yahoo Finance client.
type YahooConfig struct {
	// BaseURL defaults to https://query1.finance.yahoo.com.
	BaseURL string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// RateLimitPerMin caps outgoing requests. Defaults to 120.
	RateLimitPerMin int

	// UserAgent is sent with every request; the provider rejects empty ones.
	UserAgent string

	Logger     *zap.Logger
	HTTPClient *http.Client
}

// YahooConfigDefaults returns a config with default values.
func YahooConfigDefaults() YahooConfig {
	return YahooConfig{
		BaseURL:         "https://query1.finance.yahoo.com",
		Timeout:         5 * time.Second,
		RateLimitPerMin: 120,
		UserAgent:       "papertrade/1.0",
		Logger:          zap.NewNop(),
	}
}

// YahooClient implements PriceOracle on the Yahoo Finance chart endpoint.
// It never retries; a failed call is reported to the caller as is.
type YahooClient struct {
	config     YahooConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewYahooClient creates a client, filling unset fields from defaults.
func NewYahooClient(config YahooConfig) *YahooClient {
	defaults := YahooConfigDefaults()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RateLimitPerMin == 0 {
		config.RateLimitPerMin = defaults.RateLimitPerMin
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	rps := float64(config.RateLimitPerMin) / 60.0
	return &YahooClient{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     config.Logger.With(zap.String("component", "yahoo-client")),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string      `json:"symbol"`
				ShortName          string      `json:"shortName"`
				LongName           string      `json:"longName"`
				RegularMarketPrice json.Number `json:"regularMarketPrice"`
				RegularMarketTime  int64       `json:"regularMarketTime"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// CurrentPrice fetches the regular market price for symbol.
func (c *YahooClient) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Quote{}, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.config.BaseURL, url.PathEscape(symbol),
		url.Values{"interval": {"1d"}, "range": {"1d"}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetching %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("reading response: %w", err)
	}
	c.logger.Debug("price fetched",
		zap.String("symbol", symbol),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Quote{}, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, symbol)
		}
		return Quote{}, fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Chart.Error != nil {
		if parsed.Chart.Error.Code == "Not Found" {
			return Quote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return Quote{}, fmt.Errorf("provider error for %s: %s: %s", symbol, parsed.Chart.Error.Code, parsed.Chart.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, symbol)
	}
	if len(parsed.Chart.Result) == 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	meta := parsed.Chart.Result[0].Meta
	price, err := decimal.NewFromString(meta.RegularMarketPrice.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parsing price %q for %s: %w", meta.RegularMarketPrice, symbol, err)
	}

	name := meta.ShortName
	if name == "" {
		name = meta.LongName
	}
	ts := time.Now().UTC()
	if meta.RegularMarketTime > 0 {
		ts = time.Unix(meta.RegularMarketTime, 0).UTC()
	}
	return Quote{
		Symbol:      symbol,
		CompanyName: name,
		Price:       price,
		Timestamp:   ts,
	}, nil
}
