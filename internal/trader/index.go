package trader

import (
	"context"
	"fmt"
	"time"

	"swing-trade-bot-go/internal/indicator"
	"swing-trade-bot-go/internal/marketdata"
)

// IndexSnapshot is the latest daily state of the broad-market index.
type IndexSnapshot struct {
	Symbol        string    `json:"symbol"`
	Date          time.Time `json:"date"`
	Current       float64   `json:"current"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	PreviousClose float64   `json:"previous_close"`
	Change        float64   `json:"change"`
	PercentChange float64   `json:"percent_change"`
	EMA20         *float64  `json:"ema20,omitempty"`
	EMA50         *float64  `json:"ema50,omitempty"`
	AboveEMA      bool      `json:"above_ema"`
	Stale         bool      `json:"stale"`
}

// IndexSnapshot returns the index's latest candle, its change against the
// previous close and its 20- and 50-period EMAs. An EMA is omitted when the
// series is shorter than its span.
func (e *Engine) IndexSnapshot(ctx context.Context) (*IndexSnapshot, error) {
	symbol := e.cfg.Market.IndexSymbol
	series, err := e.market.FetchDaily(ctx, symbol, e.cfg.Trading.TrendLookbackDays)
	if err != nil {
		return nil, fmt.Errorf("fetching index %s: %w", symbol, err)
	}
	last, ok := series.Last()
	if !ok {
		return nil, fmt.Errorf("index %s: %w", symbol, marketdata.ErrDataUnavailable)
	}

	prev := last.Close
	if n := series.Len(); n > 1 {
		prev = series.Candles[n-2].Close
	}

	snap := &IndexSnapshot{
		Symbol:        symbol,
		Date:          last.Time,
		Current:       roundPrice(last.Close),
		Open:          roundPrice(last.Open),
		High:          roundPrice(last.High),
		Low:           roundPrice(last.Low),
		PreviousClose: roundPrice(prev),
		Change:        roundPrice(last.Close - prev),
		AboveEMA:      indicator.IsAboveEMA(series.Closes(), e.cfg.Trading.EMASpan),
		Stale:         series.Stale,
	}
	if pct, ok := percentChange(prev, last.Close); ok {
		snap.PercentChange = pct.Round(2).InexactFloat64()
	}

	closes := series.Closes()
	for _, ema := range []struct {
		span int
		dst  **float64
	}{{20, &snap.EMA20}, {50, &snap.EMA50}} {
		if v, ok := indicator.Latest(closes, ema.span); ok {
			r := roundPrice(v)
			*ema.dst = &r
		}
	}
	return snap, nil
}
