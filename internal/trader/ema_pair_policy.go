package trader

import (
	"context"
	"errors"
	"fmt"

	"swing-trade-bot-go/internal/indicator"
	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/models"
)

// EMAPairPolicyName selects EMAPairPolicy.
const EMAPairPolicyName = "ema_pair"

// EMAPairPolicy buys at the latest price when the stock trades above its
// own EMA. The index filter is applied by the engine before any policy runs.
type EMAPairPolicy struct {
	Span         int
	LookbackDays int
	TradeCap     float64
	ZeroQuantity ZeroQuantityRule
}

var _ EntryPolicy = (*EMAPairPolicy)(nil)

// Name returns the unique name of the policy.
func (p *EMAPairPolicy) Name() string {
	return EMAPairPolicyName
}

// Evaluate judges rec against its daily trend and latest price.
func (p *EMAPairPolicy) Evaluate(ctx context.Context, pc PolicyContext, rec models.TradeRecord) (EntryDecision, error) {
	daily, err := pc.Market.FetchDaily(ctx, pc.Symbol, p.LookbackDays)
	switch {
	case errors.Is(err, marketdata.ErrDataUnavailable):
		return EntryDecision{Outcome: OutcomeNotTriggered, Reason: "no daily data for trend check"}, nil
	case err != nil:
		return EntryDecision{}, fmt.Errorf("fetching daily candles: %w", err)
	}

	if !indicator.IsAboveEMA(daily.Closes(), p.Span) {
		return EntryDecision{
			Outcome: OutcomeNotTriggered,
			Reason:  fmt.Sprintf("not above %d-EMA over %d closes", p.Span, daily.Len()),
		}, nil
	}

	last, err := pc.Market.FetchLatestPrice(ctx, pc.Symbol)
	switch {
	case errors.Is(err, marketdata.ErrDataUnavailable):
		return EntryDecision{Outcome: OutcomeIndeterminate, Reason: "no latest price"}, nil
	case err != nil:
		return EntryDecision{}, fmt.Errorf("fetching latest price: %w", err)
	}

	price := roundPrice(last)
	qty := quantityFor(p.TradeCap, price)
	if qty == 0 {
		return zeroQuantityDecision(p.ZeroQuantity, price, nil), nil
	}

	return EntryDecision{
		Outcome:  OutcomeBuy,
		Reason:   fmt.Sprintf("above %d-EMA", p.Span),
		Price:    price,
		Quantity: qty,
	}, nil
}
