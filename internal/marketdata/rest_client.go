package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swing-trade-bot-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Query describes one history request to a Source.
type Query struct {
	Symbol   string
	Interval Interval
	From, To time.Time
}

// Source is one upstream provider of OHLCV history.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// Intervals lists the candle widths the source can serve.
	Intervals() []Interval
	// History returns the candles for q in any order. Failures are *SourceError.
	History(ctx context.Context, q Query) ([]Candle, error)
}

// restClient is the rate-limited HTTP plumbing shared by the sources.
type restClient struct {
	name    string
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

func newRestClient(name string, cfg config.Source, logger *zap.Logger) *restClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	// rate.Limit is requests per second.
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}

	return &restClient{
		name:    name,
		client:  client,
		logger:  logger.Named(name),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// doRequest waits for the limiter and executes a GET. Transport failures and
// non-2xx responses come back as *SourceError; retries are the caller's concern.
func (c *restClient) doRequest(ctx context.Context, symbol, path string, req *resty.Request) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SourceError{Source: c.name, Symbol: symbol, Err: fmt.Errorf("rate limiter wait failed: %w", err)}
	}

	c.logger.Debug("Executing request", zap.String("url", c.client.BaseURL+path), zap.String("symbol", symbol))
	resp, err := req.SetContext(ctx).Get(path)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
		return nil, &SourceError{Source: c.name, Symbol: symbol, Err: err}
	}
	if resp.IsError() {
		return nil, &SourceError{
			Source: c.name,
			Symbol: symbol,
			Status: resp.StatusCode(),
			Err:    fmt.Errorf("request failed with status %s", resp.Status()),
		}
	}
	return resp, nil
}
