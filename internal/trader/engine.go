package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"swing-trade-bot-go/internal/config"
	"swing-trade-bot-go/internal/database"
	"swing-trade-bot-go/internal/events"
	"swing-trade-bot-go/internal/indicator"
	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/metrics"
	"swing-trade-bot-go/internal/models"
	"swing-trade-bot-go/internal/screener"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine drives trade records through their lifecycle. Every operation
// processes records sequentially in store order and isolates per-record faults.
type Engine struct {
	logger    *zap.Logger
	cfg       *config.Config
	store     TradeStore
	market    MarketData
	screener  Screener
	policy    EntryPolicy
	publisher events.Publisher
	metrics   *metrics.Metrics
	loc       *time.Location
	now       func() time.Time

	publishTimeout time.Duration
}

// DefaultPublishTimeout bounds one transition publish unless WithPublishTimeout
// overrides it.
const DefaultPublishTimeout = 5 * time.Second

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher publishes every transition.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithPublishTimeout bounds each transition publish. Non-positive values
// keep the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// WithMetrics counts transitions and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new decision engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, store TradeStore, market MarketData, scr Screener, policy EntryPolicy, opts ...Option) (*Engine, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("loading exchange location: %w", err)
	}

	e := &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		store:     store,
		market:    market,
		screener:  scr,
		policy:    policy,
		publisher: events.Nop{},
		loc:       loc,
		now:       time.Now,

		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the configured entry policy.
func (e *Engine) Policy() EntryPolicy {
	return e.policy
}

func (e *Engine) clock() time.Time {
	return e.now().In(e.loc)
}

// marketSymbol maps a stored symbol to the data source symbol. Index
// symbols and symbols that already carry an exchange suffix pass through.
func (e *Engine) marketSymbol(symbol string) string {
	if strings.HasPrefix(symbol, "^") || strings.Contains(symbol, ".") {
		return symbol
	}
	return symbol + e.cfg.Market.SymbolSuffix
}

// run executes fn as operation op. Faults and panics are recorded in the
// summary and never propagate.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, l *zap.Logger, s *Summary) error) (s Summary) {
	s = newSummary(op, e.clock())
	l := e.logger.With(zap.String("operation", op))

	defer func() {
		if r := recover(); r != nil {
			s.Error = fmt.Sprintf("panic: %v", r)
			l.Error("Operation panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		s.FinishedAt = e.clock()
		e.metrics.RecordOperation(op, s.FinishedAt)
		l.Info("Operation finished",
			zap.Any("counts", s.Counts),
			zap.Int("failed", s.Failed),
			zap.String("note", s.Note),
			zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)))
	}()

	if err := fn(ctx, l, &s); err != nil {
		s.Error = err.Error()
		l.Error("Operation failed", zap.Error(err))
	}
	return s
}

// eachRecord applies fn to every record, isolating faults per record.
func (e *Engine) eachRecord(ctx context.Context, l *zap.Logger, s *Summary, records []models.TradeRecord, fn func(ctx context.Context, l *zap.Logger, rec models.TradeRecord) (string, error)) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rl := l.With(zap.String("symbol", rec.Symbol), zap.String("trade_id", rec.ID))

		outcome, err := safely(func() (string, error) { return fn(ctx, rl, rec) })
		switch {
		case errors.Is(err, database.ErrRecordNotFound):
			rl.Info("Record disappeared before update")
			s.add(CountMissing)
		case err != nil:
			s.Failed++
			e.metrics.RecordFailure(s.Operation)
			if errors.Is(err, models.ErrInvalidTransition) {
				rl.Error("Invalid status transition attempted", zap.Error(err))
			} else {
				rl.Error("Failed to process record", zap.Error(err))
			}
		default:
			s.add(outcome)
		}
	}
	return nil
}

// safely runs fn, converting a panic into an error.
func safely(fn func() (string, error)) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// transition moves rec to status to, writing fields in the same update, then
// counts and publishes the change.
func (e *Engine) transition(ctx context.Context, op string, rec models.TradeRecord, to models.Status, fields map[string]any) error {
	if err := e.store.Transition(ctx, rec.ID, rec.Status, to, fields); err != nil {
		return err
	}
	e.metrics.RecordTransition(op, string(to))
	e.publish(ctx, op, rec.ID, rec.Symbol, rec.Status, to, fields)
	return nil
}

func (e *Engine) publish(ctx context.Context, op, id, symbol string, from, to models.Status, fields map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()

	err := e.publisher.PublishTransition(ctx, events.TransitionEvent{
		Operation: op,
		TradeID:   id,
		Symbol:    symbol,
		From:      from,
		To:        to,
		Fields:    fields,
		Timestamp: e.clock(),
	})
	if err != nil {
		e.logger.Warn("Failed to publish transition", zap.String("symbol", symbol), zap.String("to", string(to)), zap.Error(err))
	}
}

// indexAboveEMA reports whether the broad-market index closes above its EMA.
// Missing data counts as not above.
func (e *Engine) indexAboveEMA(ctx context.Context, l *zap.Logger) (bool, error) {
	symbol := e.cfg.Market.IndexSymbol
	series, err := e.market.FetchDaily(ctx, symbol, e.cfg.Trading.TrendLookbackDays)
	if errors.Is(err, marketdata.ErrDataUnavailable) {
		l.Warn("Index data unavailable, treating as below EMA", zap.String("index", symbol), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetching index %s: %w", symbol, err)
	}

	closes := series.Closes()
	above := indicator.IsAboveEMA(closes, e.cfg.Trading.EMASpan)
	fields := []zap.Field{zap.String("index", symbol), zap.Int("observations", len(closes)), zap.Bool("above", above)}
	if ema, ok := indicator.Latest(closes, e.cfg.Trading.EMASpan); ok {
		fields = append(fields, zap.Float64("close", closes[len(closes)-1]), zap.Float64("ema", ema))
	}
	l.Info("Index trend checked", fields...)
	return above, nil
}

// UpdateShortlist inserts today's screener candidates when the index is above
// its EMA. Candidates already shortlisted today are skipped.
func (e *Engine) UpdateShortlist(ctx context.Context) Summary {
	return e.run(ctx, OpShortlist, func(ctx context.Context, l *zap.Logger, s *Summary) error {
		above, err := e.indexAboveEMA(ctx, l)
		if err != nil {
			return err
		}
		if !above {
			s.Note = "index below EMA, shortlist not updated"
			return nil
		}

		candidates, err := e.screener.Candidates(ctx)
		if err != nil {
			return fmt.Errorf("fetching candidates: %w", err)
		}
		if len(candidates) == 0 {
			s.Note = "nothing to shortlist"
			return nil
		}

		day := e.clock().Format(models.DateLayout)
		for _, c := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome, err := safely(func() (string, error) { return e.shortlist(ctx, l, c, day) })
			if err != nil {
				s.Failed++
				e.metrics.RecordFailure(OpShortlist)
				l.Error("Failed to shortlist candidate", zap.String("symbol", c.Symbol), zap.Error(err))
				continue
			}
			s.add(outcome)
		}
		return nil
	})
}

func (e *Engine) shortlist(ctx context.Context, l *zap.Logger, c screener.Candidate, day string) (string, error) {
	rec := &models.TradeRecord{
		Symbol:          c.Symbol,
		Name:            c.Name,
		ExchangeCode:    c.ExchangeCode,
		PercentChange:   c.PercentChange,
		Close:           c.Close,
		Volume:          c.Volume,
		ShortlistedDate: day,
		Status:          models.StatusShortlisted,
	}
	id, inserted, err := e.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return "", err
	}
	if !inserted {
		l.Debug("Already shortlisted today", zap.String("symbol", c.Symbol), zap.String("trade_id", id))
		return CountSkipped, nil
	}
	e.metrics.RecordTransition(OpShortlist, string(models.StatusShortlisted))
	e.publish(ctx, OpShortlist, id, c.Symbol, "", models.StatusShortlisted, nil)
	return CountShortlisted, nil
}

// RunEntryDecision evaluates every shortlisted record with the entry policy.
// When the index is not above its EMA every record is closed as not
// triggered without fetching per-stock data.
func (e *Engine) RunEntryDecision(ctx context.Context) Summary {
	return e.run(ctx, OpEntryDecision, func(ctx context.Context, l *zap.Logger, s *Summary) error {
		records, err := e.store.Find(ctx, database.TradeFilter{Status: models.StatusShortlisted})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			s.Note = "no shortlisted records"
			return nil
		}
		return e.decideEntries(ctx, l, s, records)
	})
}

// EvaluateSymbol runs the entry decision for the shortlisted record of one symbol.
func (e *Engine) EvaluateSymbol(ctx context.Context, symbol string) Summary {
	return e.run(ctx, OpEvaluateSymbol, func(ctx context.Context, l *zap.Logger, s *Summary) error {
		rec, err := e.store.FindOne(ctx, database.TradeFilter{Symbol: symbol, Status: models.StatusShortlisted})
		if errors.Is(err, database.ErrRecordNotFound) {
			l.Info("No shortlisted record", zap.String("symbol", symbol))
			s.add(CountMissing)
			return nil
		}
		if err != nil {
			return err
		}
		return e.decideEntries(ctx, l, s, []models.TradeRecord{*rec})
	})
}

func (e *Engine) decideEntries(ctx context.Context, l *zap.Logger, s *Summary, records []models.TradeRecord) error {
	above, err := e.indexAboveEMA(ctx, l)
	if err != nil {
		return err
	}
	if !above {
		s.Note = "index below EMA, all records not triggered"
		return e.eachRecord(ctx, l, s, records, func(ctx context.Context, l *zap.Logger, rec models.TradeRecord) (string, error) {
			fields := map[string]any{models.ColumnCheckedDate: e.clock()}
			if err := e.transition(ctx, s.Operation, rec, models.StatusNotTriggered, fields); err != nil {
				return "", err
			}
			l.Info("Not triggered, index below EMA")
			return CountNotTriggered, nil
		})
	}

	return e.eachRecord(ctx, l, s, records, func(ctx context.Context, l *zap.Logger, rec models.TradeRecord) (string, error) {
		return e.decideEntry(ctx, l, s.Operation, rec)
	})
}

func (e *Engine) decideEntry(ctx context.Context, l *zap.Logger, op string, rec models.TradeRecord) (string, error) {
	now := e.clock()
	d, err := e.policy.Evaluate(ctx, PolicyContext{
		Logger: l,
		Market: e.market,
		Symbol: e.marketSymbol(rec.Symbol),
		Now:    now,
	}, rec)
	if err != nil {
		return "", err
	}

	fields := make(map[string]any, len(d.Audit)+4)
	for k, v := range d.Audit {
		fields[k] = v
	}
	fields[models.ColumnCheckedDate] = now

	switch d.Outcome {
	case OutcomeIndeterminate:
		l.Info("Entry indeterminate, left shortlisted", zap.String("reason", d.Reason))
		return CountIndeterminate, nil

	case OutcomeNotTriggered:
		if err := e.transition(ctx, op, rec, models.StatusNotTriggered, fields); err != nil {
			return "", err
		}
		l.Info("Not triggered", zap.String("reason", d.Reason))
		return CountNotTriggered, nil

	case OutcomeBuy:
		if d.Quantity <= 0 || d.Price <= 0 {
			return "", fmt.Errorf("policy %s returned buy with price %.2f and quantity %d", e.policy.Name(), d.Price, d.Quantity)
		}
		fields[models.ColumnBuyPrice] = d.Price
		fields[models.ColumnQuantity] = d.Quantity
		fields[models.ColumnBuyDate] = now
		if err := e.transition(ctx, op, rec, models.StatusBought, fields); err != nil {
			return "", err
		}
		l.Info("Bought",
			zap.Float64("price", d.Price),
			zap.String("currency", e.cfg.Trading.Currency),
			zap.Int64("quantity", d.Quantity),
			zap.String("reason", d.Reason))
		return CountBought, nil

	default:
		return "", fmt.Errorf("policy %s returned unknown outcome %q", e.policy.Name(), d.Outcome)
	}
}

// MarkNotTriggered closes the shortlisted record of symbol by hand.
func (e *Engine) MarkNotTriggered(ctx context.Context, symbol string) Summary {
	return e.run(ctx, OpMarkNotTriggered, func(ctx context.Context, l *zap.Logger, s *Summary) error {
		rec, err := e.store.FindOne(ctx, database.TradeFilter{Symbol: symbol, Status: models.StatusShortlisted})
		if errors.Is(err, database.ErrRecordNotFound) {
			l.Info("No shortlisted record", zap.String("symbol", symbol))
			s.add(CountMissing)
			return nil
		}
		if err != nil {
			return err
		}
		return e.eachRecord(ctx, l, s, []models.TradeRecord{*rec}, func(ctx context.Context, l *zap.Logger, rec models.TradeRecord) (string, error) {
			fields := map[string]any{models.ColumnCheckedDate: e.clock()}
			if err := e.transition(ctx, OpMarkNotTriggered, rec, models.StatusNotTriggered, fields); err != nil {
				return "", err
			}
			return CountNotTriggered, nil
		})
	})
}

// RunExitMarking marks bought records to sell when the close falls below its
// EMA or the gain reaches the profit target. Records without data stay bought.
func (e *Engine) RunExitMarking(ctx context.Context) Summary {
	return e.run(ctx, OpExitMarking, func(ctx context.Context, l *zap.Logger, s *Summary) error {
		records, err := e.store.Find(ctx, database.TradeFilter{Status: models.StatusBought})
		if err != nil {
			return err
		}
		return e.eachRecord(ctx, l, s, records, e.markExit)
	})
}

func (e *Engine) markExit(ctx context.Context, l *zap.Logger, rec models.TradeRecord) (string, error) {
	daily, err := e.market.FetchDaily(ctx, e.marketSymbol(rec.Symbol), e.cfg.Trading.TrendLookbackDays)
	if errors.Is(err, marketdata.ErrDataUnavailable) {
		l.Warn("No daily data, left bought", zap.Error(err))
		return CountHeld, nil
	}
	if err != nil {
		return "", err
	}

	closes := daily.Closes()
	if len(closes) == 0 {
		l.Warn("Empty daily series, left bought")
		return CountHeld, nil
	}
	last := closes[len(closes)-1]
	belowEMA := indicator.IsBelowEMA(closes, e.cfg.Trading.EMASpan)

	var hitTarget bool
	var upPct float64
	if rec.BuyPrice != nil {
		if pct, ok := percentChange(*rec.BuyPrice, last); ok {
			upPct = pct.InexactFloat64()
			hitTarget = pct.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.Trading.ProfitTargetPct))
		}
	}

	rl := l.With(zap.Float64("close", last), zap.Float64("up_percent", upPct), zap.Bool("below_ema", belowEMA))
	if !belowEMA && !hitTarget {
		rl.Info("Exit conditions not met, left bought")
		return CountHeld, nil
	}

	fields := map[string]any{models.ColumnCheckedDate: e.clock()}
	if err := e.transition(ctx, OpExitMarking, rec, models.StatusToSell, fields); err != nil {
		return "", err
	}
	rl.Info("Marked to sell", zap.Bool("profit_target", hitTarget))
	return CountToSell, nil
}

// RunExitExecution sells every record marked to sell at the latest price.
// Records without a price stay marked for the next run.
func (e *Engine) RunExitExecution(ctx context.Context) Summary {
	return e.run(ctx, OpExitExecution, func(ctx context.Context, l *zap.Logger, s *Summary) error {
		records, err := e.store.Find(ctx, database.TradeFilter{Status: models.StatusToSell})
		if err != nil {
			return err
		}
		return e.eachRecord(ctx, l, s, records, e.executeExit)
	})
}

func (e *Engine) executeExit(ctx context.Context, l *zap.Logger, rec models.TradeRecord) (string, error) {
	last, err := e.market.FetchLatestPrice(ctx, e.marketSymbol(rec.Symbol))
	if errors.Is(err, marketdata.ErrDataUnavailable) {
		l.Warn("No latest price, left to sell", zap.Error(err))
		return CountPending, nil
	}
	if err != nil {
		return "", err
	}

	price := roundPrice(last)
	fields := map[string]any{
		models.ColumnSellPrice: price,
		models.ColumnSellDate:  e.clock(),
	}
	if rec.BuyPrice != nil {
		if pct, ok := percentChange(*rec.BuyPrice, last); ok {
			fields[models.ColumnProfitPct] = pct.InexactFloat64()
		}
	}

	if err := e.transition(ctx, OpExitExecution, rec, models.StatusSold, fields); err != nil {
		return "", err
	}
	l.Info("Sold",
		zap.Float64("price", price),
		zap.String("currency", e.cfg.Trading.Currency),
		zap.Any("profit_pct", fields[models.ColumnProfitPct]))
	return CountSold, nil
}
