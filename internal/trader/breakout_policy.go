package trader

import (
	"context"
	"errors"
	"fmt"

	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/models"

	"go.uber.org/zap"
)

// BreakoutPolicyName selects BreakoutPolicy.
const BreakoutPolicyName = "breakout"

var (
	// OpeningWindow holds the preferred reference candle.
	OpeningWindow = marketdata.CandleWindow{Name: "opening", Start: marketdata.Clock{Hour: 9, Minute: 15}, End: marketdata.Clock{Hour: 9, Minute: 30}}
	// MarketOpenWindow is searched when the opening window is empty.
	MarketOpenWindow = marketdata.CandleWindow{Name: "market-open", Start: marketdata.Clock{Hour: 9}, End: marketdata.Clock{Hour: 10}, InclusiveEnd: true}
)

// BreakoutPolicy buys when today's high has traded above the high of the
// opening reference candle. The entry price is the reference high plus a
// fixed buffer, not the market price.
type BreakoutPolicy struct {
	Buffer       float64
	TradeCap     float64
	Interval     marketdata.Interval
	LookbackDays int
	ZeroQuantity ZeroQuantityRule
}

var _ EntryPolicy = (*BreakoutPolicy)(nil)

// Name returns the unique name of the policy.
func (p *BreakoutPolicy) Name() string {
	return BreakoutPolicyName
}

// Evaluate judges rec against today's intraday candles.
func (p *BreakoutPolicy) Evaluate(ctx context.Context, pc PolicyContext, rec models.TradeRecord) (EntryDecision, error) {
	l := pc.Logger.With(zap.String("policy", p.Name()))

	series, err := pc.Market.FetchIntradayToday(ctx, pc.Symbol, p.Interval, p.LookbackDays)
	if errors.Is(err, marketdata.ErrDataUnavailable) {
		return EntryDecision{Outcome: OutcomeIndeterminate, Reason: "no intraday data"}, nil
	}
	if err != nil {
		return EntryDecision{}, fmt.Errorf("fetching intraday candles: %w", err)
	}
	if series.Stale {
		return EntryDecision{Outcome: OutcomeIndeterminate, Reason: "intraday data is from an earlier session"}, nil
	}

	ref, ok := series.FirstIn(OpeningWindow)
	if !ok {
		ref, ok = series.FirstIn(MarketOpenWindow)
		if !ok {
			return EntryDecision{Outcome: OutcomeIndeterminate, Reason: "no reference candle in " + MarketOpenWindow.String()}, nil
		}
		l.Info("No opening candle, using first market-open candle", zap.Time("candle", ref.Time))
	}

	dayHigh, _ := series.MaxHigh()
	l.Info("Reference candle selected",
		zap.Time("first_candle_time", ref.Time),
		zap.Float64("first_candle_high", ref.High),
		zap.Float64("day_high", dayHigh))

	return p.decide(ref, dayHigh), nil
}

// decide applies the breakout rule to a reference candle and the day's high.
func (p *BreakoutPolicy) decide(ref marketdata.Candle, dayHigh float64) EntryDecision {
	audit := map[string]any{
		models.ColumnFirstCandleTime: ref.Time,
		models.ColumnFirstCandleHigh: ref.High,
		models.ColumnDayHigh:         dayHigh,
	}

	if dayHigh <= ref.High {
		return EntryDecision{
			Outcome: OutcomeNotTriggered,
			Reason:  fmt.Sprintf("day high %.2f did not break %.2f", dayHigh, ref.High),
			Audit:   audit,
		}
	}

	price := entryPrice(ref.High, p.Buffer)
	qty := quantityFor(p.TradeCap, price)
	if qty == 0 {
		return zeroQuantityDecision(p.ZeroQuantity, price, audit)
	}

	return EntryDecision{
		Outcome:  OutcomeBuy,
		Reason:   fmt.Sprintf("day high %.2f broke %.2f", dayHigh, ref.High),
		Price:    price,
		Quantity: qty,
		Audit:    audit,
	}
}
