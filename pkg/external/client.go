// Package external holds the HTTP adapters for the evidence providers.
// Every adapter shares one Client shape: a rate limiter, a circuit breaker
// and an http.Client whose transport is gated by the sandbox allow-list.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/target-evidence-core/internal/domain"
)

const userAgent = "target-evidence-core/1.0"

// errNoData marks a 404 inside the breaker so it is not counted as a failure
var errNoData = errors.New("no data")

// Config configures one provider client
type Config struct {
	Name      string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit int // requests per second
}

// ConfigFrom adapts a provider config section
func ConfigFrom(name string, pc domain.ProviderConfig, fallbackTimeout time.Duration) Config {
	cfg := Config{
		Name:      name,
		BaseURL:   strings.TrimSuffix(pc.BaseURL, "/"),
		APIKey:    pc.APIKey,
		Timeout:   pc.Timeout,
		RateLimit: pc.RateLimit,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fallbackTimeout
	}
	return cfg
}

// Client is a rate-limited, circuit-broken JSON client for one provider
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// NewClient creates a provider client. httpClient should come from
// sandbox.NewHTTPClient so every request passes the allow-list.
func NewClient(cfg Config, httpClient *http.Client, logger *logrus.Logger) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		log:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNoData) ||
				domain.IsKind(err, domain.KindCapabilityBlocked) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Provider circuit breaker changed state")
		},
	})
	return c
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.name
}

// State returns the circuit breaker state
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// GetJSON fetches path with params and decodes the body into out. It
// returns false with a nil error when the provider answers 404.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, headers map[string]string, out interface{}) (bool, error) {
	op := c.name + ".GetJSON"
	if err := c.limiter.Wait(ctx); err != nil {
		return false, domain.WrapError(domain.KindTimeout, op, err)
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, fullURL, headers, out)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoData):
		return false, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false, domain.WrapError(domain.KindProviderUnavailable, op, err)
	}
	return false, classify(op, err)
}

func (c *Client) do(ctx context.Context, fullURL string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNoData
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Errorf(domain.KindProviderUnavailable, c.name, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.KindProviderUnavailable, c.name, fmt.Errorf("failed to parse %s response: %w", c.name, err))
	}
	return nil
}

func classify(op string, err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindTimeout, op, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return domain.WrapError(domain.KindTimeout, op, err)
	}
	return domain.WrapError(domain.KindProviderUnavailable, op, err)
}
