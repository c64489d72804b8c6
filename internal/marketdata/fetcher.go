// Package marketdata fetches daily and intraday price series from an
// ordered list of sources, retrying each before falling back to the next.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swing-trade-bot-go/internal/metrics"

	"go.uber.org/zap"
)

const (
	resultSuccess = "success"
	resultError   = "error"
	resultEmpty   = "empty"
	resultStale   = "stale"
)

// Fetcher queries its sources in order. Every call re-fetches; nothing is cached.
type Fetcher struct {
	logger  *zap.Logger
	sources []Source
	retry   RetryPolicy
	loc     *time.Location
	metrics *metrics.Metrics
	now     func() time.Time
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

// WithMetrics records fetch attempts.
func WithMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher creates a Fetcher over sources, primary first. Returned candle
// times are in loc.
func NewFetcher(logger *zap.Logger, loc *time.Location, retry RetryPolicy, sources []Source, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		logger:  logger.Named("marketdata"),
		sources: sources,
		retry:   retry,
		loc:     loc,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchDaily returns daily candles for the last lookbackDays calendar days.
func (f *Fetcher) FetchDaily(ctx context.Context, symbol string, lookbackDays int) (*Series, error) {
	now := f.now().In(f.loc)
	return f.fetch(ctx, Query{
		Symbol:   symbol,
		Interval: Interval1d,
		From:     now.AddDate(0, 0, -lookbackDays),
		To:       now,
	}, nil)
}

// FetchIntradayToday returns today's intraday candles in the exchange
// location. A source with no rows for today counts as a failed attempt. Only
// when every source has nothing for today is the most recent earlier session
// returned, with Stale set.
func (f *Fetcher) FetchIntradayToday(ctx context.Context, symbol string, interval Interval, lookbackDays int) (*Series, error) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	now := f.now().In(f.loc)
	series, err := f.fetch(ctx, Query{
		Symbol:   symbol,
		Interval: interval,
		From:     sessionDay(now).AddDate(0, 0, -lookbackDays),
		To:       now,
	}, func(candles []Candle) bool {
		_, stale := splitLatestSession(candles, now)
		return !stale
	})
	if err != nil {
		return nil, err
	}

	session, stale := splitLatestSession(series.Candles, now)
	if len(session) == 0 {
		return nil, fmt.Errorf("%w: no intraday rows for %s", ErrDataUnavailable, symbol)
	}
	if stale {
		f.logger.Warn("No intraday rows for today, using previous session",
			zap.String("symbol", symbol),
			zap.Time("session", session[0].Time))
	}
	series.Candles = session
	series.Stale = stale
	return series, nil
}

// FetchLatestPrice returns the latest one-minute close, falling back to the
// last daily close.
func (f *Fetcher) FetchLatestPrice(ctx context.Context, symbol string) (float64, error) {
	series, err := f.FetchIntradayToday(ctx, symbol, Interval1m, 1)
	if err == nil {
		if c, ok := series.Last(); ok {
			return c.Close, nil
		}
	}
	if err != nil && !errors.Is(err, ErrDataUnavailable) {
		return 0, err
	}

	daily, err := f.FetchDaily(ctx, symbol, 5)
	if err != nil {
		return 0, err
	}
	c, ok := daily.Last()
	if !ok {
		return 0, fmt.Errorf("%w: no daily close for %s", ErrDataUnavailable, symbol)
	}
	return c.Close, nil
}

// fetch runs q against each source under the retry policy and returns the
// first non-empty result that accept allows. A nil accept allows any rows.
// Rejected rows fail the attempt; the newest of them is returned only after
// every source is exhausted.
func (f *Fetcher) fetch(ctx context.Context, q Query, accept func([]Candle) bool) (*Series, error) {
	var (
		lastErr  error
		rejected *Series
	)
	for _, src := range f.sources {
		iv, ok := Coarsen(q.Interval, src.Intervals())
		if !ok {
			f.logger.Debug("Source cannot serve interval", zap.String("source", src.Name()), zap.String("interval", string(q.Interval)))
			continue
		}
		sq := q
		sq.Interval = iv

		l := f.logger.With(zap.String("source", src.Name()), zap.String("symbol", q.Symbol), zap.String("interval", string(iv)))

		var candles []Candle
		err := f.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			got, err := src.History(ctx, sq)
			switch {
			case err != nil:
				f.metrics.RecordFetch(src.Name(), resultError)
			case len(got) == 0:
				f.metrics.RecordFetch(src.Name(), resultEmpty)
				err = &SourceError{Source: src.Name(), Symbol: q.Symbol, Err: errEmptyResult}
			default:
				got = normalize(got, f.loc)
				if accept != nil && !accept(got) {
					f.metrics.RecordFetch(src.Name(), resultStale)
					if rejected == nil || newer(got, rejected.Candles) {
						rejected = &Series{Symbol: q.Symbol, Interval: iv, Source: src.Name(), Candles: got}
					}
					err = &SourceError{Source: src.Name(), Symbol: q.Symbol, Err: errNoCurrentRows}
					break
				}
				f.metrics.RecordFetch(src.Name(), resultSuccess)
				candles = got
				return nil
			}
			l.Warn("Fetch attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		})
		if err == nil {
			return &Series{
				Symbol:   q.Symbol,
				Interval: iv,
				Source:   src.Name(),
				Candles:  candles,
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		l.Warn("Source exhausted", zap.Int("max_attempts", f.retry.MaxAttempts), zap.Error(err))
		lastErr = err
	}

	if rejected != nil {
		return rejected, nil
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: no source serves %s for %s", ErrDataUnavailable, q.Interval, q.Symbol)
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrDataUnavailable, q.Symbol, lastErr)
}

// newer reports whether a ends after b.
func newer(a, b []Candle) bool {
	if len(b) == 0 {
		return len(a) > 0
	}
	return len(a) > 0 && a[len(a)-1].Time.After(b[len(b)-1].Time)
}
