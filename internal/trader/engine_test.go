package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"swing-trade-bot-go/internal/config"
	"swing-trade-bot-go/internal/database"
	"swing-trade-bot-go/internal/events"
	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/models"
	"swing-trade-bot-go/internal/screener"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const indexSymbol = "^NSEI"

// MockMarketData is a mock implementation of MarketData.
type MockMarketData struct {
	mock.Mock
}

func (m *MockMarketData) FetchDaily(ctx context.Context, symbol string, lookbackDays int) (*marketdata.Series, error) {
	args := m.Called(symbol, lookbackDays)
	s, _ := args.Get(0).(*marketdata.Series)
	return s, args.Error(1)
}

func (m *MockMarketData) FetchIntradayToday(ctx context.Context, symbol string, interval marketdata.Interval, lookbackDays int) (*marketdata.Series, error) {
	args := m.Called(symbol, interval, lookbackDays)
	s, _ := args.Get(0).(*marketdata.Series)
	return s, args.Error(1)
}

func (m *MockMarketData) FetchLatestPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(symbol)
	return args.Get(0).(float64), args.Error(1)
}

// MockScreener is a mock implementation of Screener.
type MockScreener struct {
	mock.Mock
}

func (m *MockScreener) Candidates(ctx context.Context) ([]screener.Candidate, error) {
	args := m.Called()
	c, _ := args.Get(0).([]screener.Candidate)
	return c, args.Error(1)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	events []events.TransitionEvent
}

func (p *recordingPublisher) PublishTransition(_ context.Context, ev events.TransitionEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type testEnv struct {
	engine    *Engine
	store     *database.TradeStore
	market    *MockMarketData
	screener  *MockScreener
	publisher *recordingPublisher
	logs      *observer.ObservedLogs
	now       time.Time
}

var ist = time.FixedZone("IST", 5*3600+1800)

func testConfig() *config.Config {
	return &config.Config{
		App:    config.App{Timezone: "Asia/Kolkata"},
		Market: config.Market{IndexSymbol: indexSymbol, SymbolSuffix: ".NS"},
		Trading: config.Trading{
			TradeCap:             1000,
			Currency:             "INR",
			EntryPolicy:          BreakoutPolicyName,
			EMASpan:              50,
			TrendLookbackDays:    183,
			BreakoutBuffer:       0.002,
			ProfitTargetPct:      6,
			IntradayInterval:     "15m",
			IntradayLookbackDays: 5,
		},
	}
}

func setupTest(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	core, logs := observer.New(zap.DebugLevel)
	policy, err := NewEntryPolicy(cfg.Trading)
	require.NoError(t, err)

	env := &testEnv{
		store:     database.NewTradeStore(db),
		market:    new(MockMarketData),
		screener:  new(MockScreener),
		publisher: &recordingPublisher{},
		logs:      logs,
		now:       time.Date(2024, 3, 4, 9, 45, 0, 0, ist),
	}
	env.engine, err = NewEngine(zap.New(core), cfg, env.store, env.market, env.screener, policy,
		WithClock(func() time.Time { return env.now }),
		WithPublisher(env.publisher))
	require.NoError(t, err)
	return env
}

// dailySeries builds one candle per day ending the day before now.
func (env *testEnv) dailySeries(symbol string, closes ...float64) *marketdata.Series {
	s := &marketdata.Series{Symbol: symbol, Interval: marketdata.Interval1d, Source: "test"}
	start := time.Date(2024, 3, 3, 0, 0, 0, 0, ist).AddDate(0, 0, -len(closes)+1)
	for i, c := range closes {
		s.Candles = append(s.Candles, marketdata.Candle{
			Time: start.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
		})
	}
	return s
}

func rising(n int, from float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)
	}
	return out
}

func falling(n int, from float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from - float64(i)
	}
	return out
}

func flatThen(n int, flat, last float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = flat
	}
	out[n-1] = last
	return out
}

type bar struct {
	hour, minute int
	high         float64
}

func intraday(symbol string, day time.Time, bars ...bar) *marketdata.Series {
	s := &marketdata.Series{Symbol: symbol, Interval: marketdata.Interval15m, Source: "test"}
	for _, b := range bars {
		s.Candles = append(s.Candles, marketdata.Candle{
			Time: time.Date(day.Year(), day.Month(), day.Day(), b.hour, b.minute, 0, 0, ist),
			Open: b.high - 1, High: b.high, Low: b.high - 2, Close: b.high - 0.5, Volume: 100,
		})
	}
	return s
}

func (env *testEnv) indexUp() {
	env.market.On("FetchDaily", indexSymbol, 183).Return(env.dailySeries(indexSymbol, rising(60, 21000)...), nil)
}

func (env *testEnv) indexDown() {
	env.market.On("FetchDaily", indexSymbol, 183).Return(env.dailySeries(indexSymbol, falling(60, 22000)...), nil)
}

// seed inserts a shortlisted record and walks it to status.
func (env *testEnv) seed(t *testing.T, symbol string, status models.Status, buyPrice float64) string {
	t.Helper()
	ctx := context.Background()
	id, inserted, err := env.store.InsertIfAbsent(ctx, &models.TradeRecord{
		Symbol:          symbol,
		Name:            symbol + " Ltd",
		Close:           buyPrice,
		ShortlistedDate: env.now.Format(models.DateLayout),
		Status:          models.StatusShortlisted,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	bought := map[string]any{
		models.ColumnBuyPrice: buyPrice,
		models.ColumnQuantity: int64(5),
		models.ColumnBuyDate:  env.now.AddDate(0, 0, -3),
	}
	switch status {
	case models.StatusShortlisted:
	case models.StatusBought:
		require.NoError(t, env.store.Transition(ctx, id, models.StatusShortlisted, models.StatusBought, bought))
	case models.StatusToSell:
		require.NoError(t, env.store.Transition(ctx, id, models.StatusShortlisted, models.StatusBought, bought))
		require.NoError(t, env.store.Transition(ctx, id, models.StatusBought, models.StatusToSell, nil))
	default:
		t.Fatalf("cannot seed status %s", status)
	}
	return id
}

func (env *testEnv) record(t *testing.T, id string) models.TradeRecord {
	t.Helper()
	recs, err := env.store.Find(context.Background(), database.TradeFilter{})
	require.NoError(t, err)
	for _, r := range recs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("record %s not found", id)
	return models.TradeRecord{}
}

func TestUpdateShortlist(t *testing.T) {
	env := setupTest(t)
	env.indexUp()
	env.screener.On("Candidates").Return([]screener.Candidate{
		{Name: "Infosys", Symbol: "INFY", ExchangeCode: "500209", PercentChange: 2.5, Close: 1500, Volume: 100000},
		{Name: "Tata Motors", Symbol: "TATAMOTORS", PercentChange: 3.1, Close: 900, Volume: 200000},
	}, nil)

	summary := env.engine.UpdateShortlist(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 2, summary.Counts[CountShortlisted])

	// A second run on the same day only finds existing records.
	summary = env.engine.UpdateShortlist(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 2, summary.Counts[CountSkipped])
	assert.Zero(t, summary.Counts[CountShortlisted])

	recs, err := env.store.Find(context.Background(), database.TradeFilter{ShortlistedDate: "2024-03-04"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, models.StatusShortlisted, r.Status)
		assert.Nil(t, r.BuyPrice)
	}
	assert.Len(t, env.publisher.events, 2)
}

func TestUpdateShortlist_IndexBelowEMA(t *testing.T) {
	env := setupTest(t)
	env.indexDown()

	summary := env.engine.UpdateShortlist(context.Background())
	require.NoError(t, summary.Err())
	assert.Contains(t, summary.Note, "index below EMA")
	env.screener.AssertNotCalled(t, "Candidates")
}

func TestUpdateShortlist_ShortIndexHistory(t *testing.T) {
	env := setupTest(t)
	env.market.On("FetchDaily", indexSymbol, 183).Return(env.dailySeries(indexSymbol, rising(49, 21000)...), nil)

	summary := env.engine.UpdateShortlist(context.Background())
	assert.Contains(t, summary.Note, "index below EMA")
	env.screener.AssertNotCalled(t, "Candidates")
}

func TestUpdateShortlist_IndexUnavailable(t *testing.T) {
	env := setupTest(t)
	env.market.On("FetchDaily", indexSymbol, 183).Return(nil, marketdata.ErrDataUnavailable)

	summary := env.engine.UpdateShortlist(context.Background())
	require.NoError(t, summary.Err())
	assert.Contains(t, summary.Note, "index below EMA")
	assert.Equal(t, 1, env.logs.FilterMessage("Index data unavailable, treating as below EMA").Len())
}

func TestUpdateShortlist_ScreenerFailure(t *testing.T) {
	env := setupTest(t)
	env.indexUp()
	env.screener.On("Candidates").Return(nil, errors.New("http 503"))

	summary := env.engine.UpdateShortlist(context.Background())
	require.Error(t, summary.Err())
	assert.Contains(t, summary.Error, "http 503")
}

func TestUpdateShortlist_NoCandidates(t *testing.T) {
	env := setupTest(t)
	env.indexUp()
	env.screener.On("Candidates").Return([]screener.Candidate{}, nil)

	summary := env.engine.UpdateShortlist(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, "nothing to shortlist", summary.Note)
}

func TestRunEntryDecision_Breakout(t *testing.T) {
	env := setupTest(t)
	id := env.seed(t, "INFY", models.StatusShortlisted, 0)
	env.indexUp()
	env.market.On("FetchIntradayToday", "INFY.NS", marketdata.Interval15m, 5).Return(
		intraday("INFY.NS", env.now, bar{9, 15, 100.00}, bar{9, 30, 101.50}, bar{9, 45, 100.80}), nil)

	summary := env.engine.RunEntryDecision(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountBought])

	rec := env.record(t, id)
	assert.Equal(t, models.StatusBought, rec.Status)
	require.NotNil(t, rec.BuyPrice)
	assert.InDelta(t, 100.20, *rec.BuyPrice, 1e-9)
	require.NotNil(t, rec.Quantity)
	assert.Equal(t, int64(9), *rec.Quantity)
	require.NotNil(t, rec.BuyDate)
	assert.True(t, rec.BuyDate.Equal(env.now))
	require.NotNil(t, rec.FirstCandleHigh)
	assert.InDelta(t, 100.00, *rec.FirstCandleHigh, 1e-9)
	require.NotNil(t, rec.DayHigh)
	assert.InDelta(t, 101.50, *rec.DayHigh, 1e-9)
	require.NotNil(t, rec.FirstCandleTime)
	assert.True(t, rec.FirstCandleTime.Equal(time.Date(2024, 3, 4, 9, 15, 0, 0, ist)))
	assert.NotNil(t, rec.CheckedDate)

	require.Len(t, env.publisher.events, 1)
	assert.Equal(t, models.StatusBought, env.publisher.events[0].To)
	assert.Equal(t, OpEntryDecision, env.publisher.events[0].Operation)

	bought := env.logs.FilterMessage("Bought").All()
	require.Len(t, bought, 1)
	assert.Equal(t, "INR", bought[0].ContextMap()["currency"])
}

func TestRunEntryDecision_NoBreakout(t *testing.T) {
	env := setupTest(t)
	id := env.seed(t, "INFY", models.StatusShortlisted, 0)
	env.indexUp()
	env.market.On("FetchIntradayToday", "INFY.NS", marketdata.Interval15m, 5).Return(
		intraday("INFY.NS", env.now, bar{9, 15, 100.00}, bar{9, 30, 99.00}, bar{9, 45, 98.50}), nil)

	summary := env.engine.RunEntryDecision(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountNotTriggered])

	rec := env.record(t, id)
	assert.Equal(t, models.StatusNotTriggered, rec.Status)
	assert.Nil(t, rec.BuyPrice)
	assert.Nil(t, rec.Quantity)
	require.NotNil(t, rec.FirstCandleHigh)
	assert.InDelta(t, 100.00, *rec.FirstCandleHigh, 1e-9)
	require.NotNil(t, rec.DayHigh)
	assert.InDelta(t, 100.00, *rec.DayHigh, 1e-9)
	assert.NotNil(t, rec.CheckedDate)
}

func TestRunEntryDecision_FallbackReferenceCandle(t *testing.T) {
	env := setupTest(t)
	id := env.seed(t, "INFY", models.StatusShortlisted, 0)
	env.indexUp()
	env.market.On("FetchIntradayToday", "INFY.NS", marketdata.Interval15m, 5).Return(
		intraday("INFY.NS", env.now, bar{9, 45, 200.00}, bar{10, 0, 205.00}), nil)

	summary := env.engine.RunEntryDecision(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountBought])

	rec := env.record(t, id)
	require.NotNil(t, rec.BuyPrice)
	assert.InDelta(t, 200.40, *rec.BuyPrice, 1e-9)
	assert.Equal(t, int64(4), *rec.Quantity)
	assert.True(t, rec.FirstCandleTime.Equal(time.Date(2024, 3, 4, 9, 45, 0, 0, ist)))
	assert.Equal(t, 1, env.logs.FilterMessage("No opening candle, using first market-open candle").Len())
}

func TestRunEntryDecision_IndexBelowEMA(t *testing.T) {
	env := setupTest(t)
	a := env.seed(t, "INFY", models.StatusShortlisted, 0)
	b := env.seed(t, "TCS", models.StatusShortlisted, 0)
	env.indexDown()

	summary := env.engine.RunEntryDecision(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 2, summary.Counts[CountNotTriggered])

	for _, id := range []string{a, b} {
		rec := env.record(t, id)
		assert.Equal(t, models.StatusNotTriggered, rec.Status)
		assert.NotNil(t, rec.CheckedDate)
		assert.Nil(t, rec.FirstCandleHigh)
	}
	env.market.AssertNotCalled(t, "FetchIntradayToday", mock.Anything, mock.Anything, mock.Anything)
	env.market.AssertNumberOfCalls(t, "FetchDaily", 1)
}

func TestRunEntryDecision_NoShortlisted(t *testing.T) {
	env := setupTest(t)

	summary := env.engine.RunEntryDecision(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, "no shortlisted records", summary.Note)
	env.market.AssertNotCalled(t, "FetchDaily", mock.Anything, mock.Anything)
}

func TestRunEntryDecision_Indeterminate(t *testing.T) {
	tests := []struct {
		name   string
		series func(env *testEnv) *marketdata.Series
		err    error
	}{
		{
			name: "no candle in the market-open window",
			series: func(env *testEnv) *marketdata.Series {
				return intraday("INFY.NS", env.now, bar{10, 15, 100}, bar{10, 30, 102})
			},
		},
		{
			name: "previous session only",
			series: func(env *testEnv) *marketdata.Series {
				s := intraday("INFY.NS", env.now.AddDate(0, 0, -3), bar{9, 15, 100}, bar{9, 30, 102})
				s.Stale = true
				return s
			},
		},
		{
			name: "no data",
			err:  fmt.Errorf("%w for INFY.NS", marketdata.ErrDataUnavailable),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t)
			id := env.seed(t, "INFY", models.StatusShortlisted, 0)
			env.indexUp()
			var series *marketdata.Series
			if tt.series != nil {
				series = tt.series(env)
			}
			env.market.On("FetchIntradayToday", "INFY.NS", marketdata.Interval15m, 5).Return(series, tt.err)

			summary := env.engine.RunEntryDecision(context.Background())
			require.NoError(t, summary.Err())
			assert.Equal(t, 1, summary.Counts[CountIndeterminate])

			rec := env.record(t, id)
			assert.Equal(t, models.StatusShortlisted, rec.Status)
			assert.Nil(t, rec.CheckedDate)
			assert.Empty(t, env.publisher.events)
		})
	}
}

func TestRunEntryDecision_ZeroQuantity(t *testing.T) {
	tests := []struct {
		rule    string
		status  models.Status
		outcome string
	}{
		{rule: "", status: models.StatusShortlisted, outcome: CountIndeterminate},
		{rule: "hold", status: models.StatusShortlisted, outcome: CountIndeterminate},
		{rule: "not_triggered", status: models.StatusNotTriggered, outcome: CountNotTriggered},
	}

	for _, tt := range tests {
		t.Run("rule_"+tt.rule, func(t *testing.T) {
			env := setupTest(t, func(c *config.Config) {
				c.Trading.TradeCap = 50
				c.Trading.ZeroQuantity = tt.rule
			})
			id := env.seed(t, "MRF", models.StatusShortlisted, 0)
			env.indexUp()
			env.market.On("FetchIntradayToday", "MRF.NS", marketdata.Interval15m, 5).Return(
				intraday("MRF.NS", env.now, bar{9, 15, 100.00}, bar{9, 30, 101.50}), nil)

			summary := env.engine.RunEntryDecision(context.Background())
			require.NoError(t, summary.Err())
			assert.Equal(t, 1, summary.Counts[tt.outcome])

			rec := env.record(t, id)
			assert.Equal(t, tt.status, rec.Status)
			assert.Nil(t, rec.BuyPrice)
			assert.Nil(t, rec.Quantity)
		})
	}
}

func TestRunEntryDecision_PolicyPanicIsIsolated(t *testing.T) {
	env := setupTest(t)
	bad := env.seed(t, "BAD", models.StatusShortlisted, 0)
	good := env.seed(t, "INFY", models.StatusShortlisted, 0)
	env.indexUp()
	env.market.On("FetchIntradayToday", "BAD.NS", marketdata.Interval15m, 5).Panic("decoder exploded")
	env.market.On("FetchIntradayToday", "INFY.NS", marketdata.Interval15m, 5).Return(
		intraday("INFY.NS", env.now, bar{9, 15, 100.00}, bar{9, 30, 101.50}), nil)

	summary := env.engine.RunEntryDecision(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Counts[CountBought])

	assert.Equal(t, models.StatusShortlisted, env.record(t, bad).Status)
	assert.Equal(t, models.StatusBought, env.record(t, good).Status)
	assert.Equal(t, 1, env.logs.FilterMessage("Failed to process record").Len())
}

func TestRunEntryDecision_Cancelled(t *testing.T) {
	env := setupTest(t)
	id := env.seed(t, "INFY", models.StatusShortlisted, 0)
	env.indexUp()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := env.engine.RunEntryDecision(ctx)
	require.Error(t, summary.Err())
	assert.Equal(t, models.StatusShortlisted, env.record(t, id).Status)
}

func TestEvaluateSymbol(t *testing.T) {
	env := setupTest(t)
	id := env.seed(t, "INFY", models.StatusShortlisted, 0)
	other := env.seed(t, "TCS", models.StatusShortlisted, 0)
	env.indexUp()
	env.market.On("FetchIntradayToday", "INFY.NS", marketdata.Interval15m, 5).Return(
		intraday("INFY.NS", env.now, bar{9, 15, 100.00}, bar{9, 30, 101.50}), nil)

	summary := env.engine.EvaluateSymbol(context.Background(), "INFY")
	require.NoError(t, summary.Err())
	assert.Equal(t, OpEvaluateSymbol, summary.Operation)
	assert.Equal(t, 1, summary.Counts[CountBought])
	assert.Equal(t, models.StatusBought, env.record(t, id).Status)
	assert.Equal(t, models.StatusShortlisted, env.record(t, other).Status)

	summary = env.engine.EvaluateSymbol(context.Background(), "WIPRO")
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountMissing])
}

func TestMarkNotTriggered(t *testing.T) {
	env := setupTest(t)
	id := env.seed(t, "INFY", models.StatusShortlisted, 0)

	summary := env.engine.MarkNotTriggered(context.Background(), "INFY")
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountNotTriggered])

	rec := env.record(t, id)
	assert.Equal(t, models.StatusNotTriggered, rec.Status)
	assert.NotNil(t, rec.CheckedDate)

	// Nothing is left to close.
	summary = env.engine.MarkNotTriggered(context.Background(), "INFY")
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountMissing])
	env.market.AssertNotCalled(t, "FetchDaily", mock.Anything, mock.Anything)
}

func TestRunExitMarking(t *testing.T) {
	env := setupTest(t)
	target := env.seed(t, "TARGET", models.StatusBought, 100)
	held := env.seed(t, "HELD", models.StatusBought, 100)
	weak := env.seed(t, "WEAK", models.StatusBought, 100)
	missing := env.seed(t, "GONE", models.StatusBought, 100)

	env.market.On("FetchDaily", "TARGET.NS", 183).Return(env.dailySeries("TARGET.NS", flatThen(60, 100, 107)...), nil)
	env.market.On("FetchDaily", "HELD.NS", 183).Return(env.dailySeries("HELD.NS", flatThen(60, 100, 103)...), nil)
	env.market.On("FetchDaily", "WEAK.NS", 183).Return(env.dailySeries("WEAK.NS", flatThen(60, 110, 105)...), nil)
	env.market.On("FetchDaily", "GONE.NS", 183).Return(nil, marketdata.ErrDataUnavailable)

	summary := env.engine.RunExitMarking(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 2, summary.Counts[CountToSell])
	assert.Equal(t, 2, summary.Counts[CountHeld])

	assert.Equal(t, models.StatusToSell, env.record(t, target).Status)
	assert.Equal(t, models.StatusToSell, env.record(t, weak).Status)
	assert.Equal(t, models.StatusBought, env.record(t, held).Status)
	assert.Equal(t, models.StatusBought, env.record(t, missing).Status)

	rec := env.record(t, target)
	assert.NotNil(t, rec.CheckedDate)
	assert.Nil(t, rec.SellPrice)
}

func TestRunExitMarking_ShortHistory(t *testing.T) {
	env := setupTest(t)
	sliding := env.seed(t, "NEW", models.StatusBought, 100)
	steady := env.seed(t, "FLAT", models.StatusBought, 100)
	env.market.On("FetchDaily", "NEW.NS", 183).Return(env.dailySeries("NEW.NS", falling(30, 100)...), nil)
	env.market.On("FetchDaily", "FLAT.NS", 183).Return(env.dailySeries("FLAT.NS", flatThen(20, 100, 101)...), nil)

	summary := env.engine.RunExitMarking(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Counts[CountToSell])
	assert.Equal(t, 1, summary.Counts[CountHeld])

	assert.Equal(t, models.StatusToSell, env.record(t, sliding).Status)
	assert.Equal(t, models.StatusBought, env.record(t, steady).Status)
}

func TestRunExitExecution(t *testing.T) {
	env := setupTest(t)
	sold := env.seed(t, "INFY", models.StatusToSell, 100)
	pending := env.seed(t, "TCS", models.StatusToSell, 100)
	free := env.seed(t, "FREE", models.StatusToSell, 0)

	env.market.On("FetchLatestPrice", "INFY.NS").Return(107.004, nil)
	env.market.On("FetchLatestPrice", "TCS.NS").Return(0.0, marketdata.ErrDataUnavailable)
	env.market.On("FetchLatestPrice", "FREE.NS").Return(12.5, nil)

	summary := env.engine.RunExitExecution(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 2, summary.Counts[CountSold])
	assert.Equal(t, 1, summary.Counts[CountPending])

	rec := env.record(t, sold)
	assert.Equal(t, models.StatusSold, rec.Status)
	require.NotNil(t, rec.SellPrice)
	assert.InDelta(t, 107.00, *rec.SellPrice, 1e-9)
	require.NotNil(t, rec.ProfitPct)
	// From the fetched price, not the rounded sell price.
	assert.InDelta(t, 7.004, *rec.ProfitPct, 1e-9)
	require.NotNil(t, rec.SellDate)
	assert.True(t, rec.SellDate.Equal(env.now))

	assert.Equal(t, models.StatusToSell, env.record(t, pending).Status)

	rec = env.record(t, free)
	assert.Equal(t, models.StatusSold, rec.Status)
	assert.Nil(t, rec.ProfitPct)

	assert.Equal(t, 1, env.logs.FilterMessage("No latest price, left to sell").Len())

	soldLogs := env.logs.FilterMessage("Sold").All()
	require.Len(t, soldLogs, 2)
	assert.Equal(t, "INR", soldLogs[0].ContextMap()["currency"])
}

// blockingPublisher waits for its context like a writer facing dead brokers.
type blockingPublisher struct {
	calls int
}

func (p *blockingPublisher) PublishTransition(ctx context.Context, _ events.TransitionEvent) error {
	p.calls++
	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPublisher) Close() error { return nil }

func TestPublishTimeoutDoesNotStallBatch(t *testing.T) {
	env := setupTest(t)
	pub := &blockingPublisher{}
	env.engine.publisher = pub
	WithPublishTimeout(20 * time.Millisecond)(env.engine)

	first := env.seed(t, "INFY", models.StatusToSell, 100)
	second := env.seed(t, "TCS", models.StatusToSell, 100)
	env.market.On("FetchLatestPrice", "INFY.NS").Return(101.0, nil)
	env.market.On("FetchLatestPrice", "TCS.NS").Return(99.0, nil)

	start := time.Now()
	summary := env.engine.RunExitExecution(context.Background())
	require.NoError(t, summary.Err())
	assert.True(t, time.Since(start) < 2*time.Second)

	assert.Equal(t, 2, summary.Counts[CountSold])
	assert.Equal(t, 2, pub.calls)
	assert.Equal(t, models.StatusSold, env.record(t, first).Status)
	assert.Equal(t, models.StatusSold, env.record(t, second).Status)

	failed := env.logs.FilterMessage("Failed to publish transition").All()
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0].ContextMap()["error"], "deadline exceeded")
}

func TestRunExitExecution_PanicIsIsolated(t *testing.T) {
	env := setupTest(t)
	bad := env.seed(t, "BAD", models.StatusToSell, 100)
	good := env.seed(t, "INFY", models.StatusToSell, 100)
	env.market.On("FetchLatestPrice", "BAD.NS").Panic("boom")
	env.market.On("FetchLatestPrice", "INFY.NS").Return(95.0, nil)

	summary := env.engine.RunExitExecution(context.Background())
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Counts[CountSold])

	assert.Equal(t, models.StatusToSell, env.record(t, bad).Status)
	rec := env.record(t, good)
	assert.Equal(t, models.StatusSold, rec.Status)
	require.NotNil(t, rec.ProfitPct)
	assert.InDelta(t, -5.0, *rec.ProfitPct, 1e-9)
}

func TestIndexSnapshot(t *testing.T) {
	env := setupTest(t)
	env.indexUp()

	snap, err := env.engine.IndexSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, indexSymbol, snap.Symbol)
	assert.InDelta(t, 21059, snap.Current, 1e-9)
	assert.InDelta(t, 21058, snap.PreviousClose, 1e-9)
	assert.InDelta(t, 1, snap.Change, 1e-9)
	assert.InDelta(t, 0.0, snap.PercentChange, 0.01)
	require.NotNil(t, snap.EMA20)
	require.NotNil(t, snap.EMA50)
	assert.Less(t, *snap.EMA50, *snap.EMA20)
	assert.True(t, snap.AboveEMA)
}

func TestIndexSnapshot_ShortHistory(t *testing.T) {
	env := setupTest(t)
	env.market.On("FetchDaily", indexSymbol, 183).Return(env.dailySeries(indexSymbol, rising(30, 21000)...), nil)

	snap, err := env.engine.IndexSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.EMA20)
	assert.Nil(t, snap.EMA50)
	assert.False(t, snap.AboveEMA)
}

func TestIndexSnapshot_Unavailable(t *testing.T) {
	env := setupTest(t)
	env.market.On("FetchDaily", indexSymbol, 183).Return(nil, marketdata.ErrDataUnavailable)

	_, err := env.engine.IndexSnapshot(context.Background())
	assert.ErrorIs(t, err, marketdata.ErrDataUnavailable)
}

func TestMarketSymbol(t *testing.T) {
	env := setupTest(t)
	assert.Equal(t, "INFY.NS", env.engine.marketSymbol("INFY"))
	assert.Equal(t, "INFY.BO", env.engine.marketSymbol("INFY.BO"))
	assert.Equal(t, indexSymbol, env.engine.marketSymbol(indexSymbol))
}
