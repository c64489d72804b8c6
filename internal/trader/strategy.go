package trader

import (
	"context"
	"fmt"
	"time"

	"swing-trade-bot-go/internal/config"
	"swing-trade-bot-go/internal/database"
	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/models"
	"swing-trade-bot-go/internal/screener"

	"go.uber.org/zap"
)

// MarketData is the price series provider the engine and policies consume.
type MarketData interface {
	FetchDaily(ctx context.Context, symbol string, lookbackDays int) (*marketdata.Series, error)
	FetchIntradayToday(ctx context.Context, symbol string, interval marketdata.Interval, lookbackDays int) (*marketdata.Series, error)
	FetchLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Screener produces the raw shortlist candidates.
type Screener interface {
	Candidates(ctx context.Context) ([]screener.Candidate, error)
}

// TradeStore persists trade records.
type TradeStore interface {
	Find(ctx context.Context, f database.TradeFilter) ([]models.TradeRecord, error)
	FindOne(ctx context.Context, f database.TradeFilter) (*models.TradeRecord, error)
	InsertIfAbsent(ctx context.Context, rec *models.TradeRecord) (string, bool, error)
	Transition(ctx context.Context, id string, from, to models.Status, fields map[string]any) error
}

// Outcome is the result of an entry evaluation.
type Outcome string

const (
	OutcomeBuy           Outcome = "buy"
	OutcomeNotTriggered  Outcome = "not_triggered"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// EntryDecision is what a policy decided for one shortlisted record.
type EntryDecision struct {
	Outcome  Outcome
	Reason   string
	Price    float64
	Quantity int64
	// Audit holds the columns that justified the decision. They are written
	// with both buy and not-triggered transitions.
	Audit map[string]any
}

// ZeroQuantityRule says what happens when the trade cap cannot buy one share.
type ZeroQuantityRule string

const (
	// ZeroQuantityHold leaves the record shortlisted for a later run.
	ZeroQuantityHold ZeroQuantityRule = "hold"
	// ZeroQuantityNotTriggered closes the record as not triggered.
	ZeroQuantityNotTriggered ZeroQuantityRule = "not_triggered"
)

// PolicyContext provides a policy with what it needs to judge one record.
type PolicyContext struct {
	Logger *zap.Logger
	Market MarketData
	// Symbol is the record's symbol as the market data sources know it.
	Symbol string
	Now    time.Time
}

// EntryPolicy decides whether a shortlisted record is bought.
type EntryPolicy interface {
	// Name returns the unique name of the policy.
	Name() string

	// Evaluate judges rec. Missing market data yields a conservative decision,
	// not an error; errors are reserved for unexpected faults.
	Evaluate(ctx context.Context, pc PolicyContext, rec models.TradeRecord) (EntryDecision, error)
}

// NewEntryPolicy builds the policy named by cfg.EntryPolicy.
func NewEntryPolicy(cfg config.Trading) (EntryPolicy, error) {
	switch cfg.EntryPolicy {
	case "", BreakoutPolicyName:
		zero, err := zeroQuantityRule(cfg.ZeroQuantity, ZeroQuantityHold)
		if err != nil {
			return nil, err
		}
		interval, err := marketdata.ParseInterval(cfg.IntradayInterval)
		if err != nil {
			return nil, fmt.Errorf("trading.intraday_interval: %w", err)
		}
		return &BreakoutPolicy{
			Buffer:       cfg.BreakoutBuffer,
			TradeCap:     cfg.TradeCap,
			Interval:     interval,
			LookbackDays: cfg.IntradayLookbackDays,
			ZeroQuantity: zero,
		}, nil
	case EMAPairPolicyName:
		zero, err := zeroQuantityRule(cfg.ZeroQuantity, ZeroQuantityNotTriggered)
		if err != nil {
			return nil, err
		}
		return &EMAPairPolicy{
			Span:         cfg.EMASpan,
			LookbackDays: cfg.TrendLookbackDays,
			TradeCap:     cfg.TradeCap,
			ZeroQuantity: zero,
		}, nil
	default:
		return nil, fmt.Errorf("unknown entry policy %q", cfg.EntryPolicy)
	}
}

func zeroQuantityRule(s string, def ZeroQuantityRule) (ZeroQuantityRule, error) {
	switch ZeroQuantityRule(s) {
	case "":
		return def, nil
	case ZeroQuantityHold, ZeroQuantityNotTriggered:
		return ZeroQuantityRule(s), nil
	default:
		return "", fmt.Errorf("unknown zero quantity rule %q", s)
	}
}

// zeroQuantityDecision applies rule to a buy that cannot afford one share.
func zeroQuantityDecision(rule ZeroQuantityRule, price float64, audit map[string]any) EntryDecision {
	reason := fmt.Sprintf("trade cap buys no shares at %.2f", price)
	if rule == ZeroQuantityNotTriggered {
		return EntryDecision{Outcome: OutcomeNotTriggered, Reason: reason, Audit: audit}
	}
	return EntryDecision{Outcome: OutcomeIndeterminate, Reason: reason}
}
