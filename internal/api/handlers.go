package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"swing-trade-bot-go/internal/database"
	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/metrics"
	"swing-trade-bot-go/internal/models"
	"swing-trade-bot-go/internal/scheduler"
	"swing-trade-bot-go/internal/trader"

	"go.uber.org/zap"
)

// Store is the read side of the trade store.
type Store interface {
	Find(ctx context.Context, f database.TradeFilter) ([]models.TradeRecord, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// Engine is the set of engine operations exposed over HTTP.
type Engine interface {
	UpdateShortlist(ctx context.Context) trader.Summary
	RunEntryDecision(ctx context.Context) trader.Summary
	EvaluateSymbol(ctx context.Context, symbol string) trader.Summary
	MarkNotTriggered(ctx context.Context, symbol string) trader.Summary
	RunExitMarking(ctx context.Context) trader.Summary
	RunExitExecution(ctx context.Context) trader.Summary
	IndexSnapshot(ctx context.Context) (*trader.IndexSnapshot, error)
}

// JobLister lists scheduled jobs.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	logger  *zap.Logger
	store   Store
	engine  Engine
	jobs    JobLister
	metrics *metrics.Metrics
	now     func() time.Time
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithEngine enables the operation and market routes.
func WithEngine(e Engine) HandlerOption {
	return func(h *Handler) { h.engine = e }
}

// WithJobs enables the job listing route.
func WithJobs(j JobLister) HandlerOption {
	return func(h *Handler) { h.jobs = j }
}

// WithMetrics enables the metrics route.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a new Handler.
func NewHandler(logger *zap.Logger, store Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger: logger.Named("api"),
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// GetStocks handles GET /trades/get_stocks. Records are grouped by status;
// an optional date query parameter limits them to one shortlist day.
func (h *Handler) GetStocks(w http.ResponseWriter, r *http.Request) {
	filter := database.TradeFilter{}
	if day := r.URL.Query().Get("date"); day != "" {
		if _, err := time.Parse(models.DateLayout, day); err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.ShortlistedDate = day
	}

	records, err := h.store.Find(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to get trade records", zap.Error(err))
		http.Error(w, "failed to get trade records", http.StatusInternalServerError)
		return
	}

	grouped := make(map[models.Status][]models.TradeRecord, len(models.Statuses))
	for _, s := range models.Statuses {
		grouped[s] = []models.TradeRecord{}
	}
	for _, rec := range records {
		grouped[rec.Status] = append(grouped[rec.Status], rec)
	}
	h.respondJSON(w, http.StatusOK, grouped)
}

// StatsDetail holds realised results over closed trades.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfitPct   float64 `json:"total_profit_pct"`
	AverageProfitPct float64 `json:"average_profit_pct"`
}

func (s *StatsDetail) add(pct float64) {
	s.TotalTrades++
	if pct > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfitPct += pct
}

func (s *StatsDetail) finish() {
	if s.TotalTrades == 0 {
		return
	}
	s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	s.AverageProfitPct = s.TotalProfitPct / float64(s.TotalTrades)
}

// StatisticsResponse is the body of GET /trades/statistics.
type StatisticsResponse struct {
	Since30d StatsDetail             `json:"since_30d"`
	AllTime  StatsDetail             `json:"all_time"`
	ByStatus map[models.Status]int64 `json:"by_status"`
}

// Statistics handles GET /trades/statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	sold, err := h.store.Find(r.Context(), database.TradeFilter{Status: models.StatusSold})
	if err != nil {
		h.logger.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("Failed to count trades", zap.Error(err))
		http.Error(w, "failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since := h.now().AddDate(0, 0, -30)
	resp := StatisticsResponse{ByStatus: counts}
	for _, rec := range sold {
		if rec.ProfitPct == nil {
			continue
		}
		resp.AllTime.add(*rec.ProfitPct)
		if rec.SellDate != nil && rec.SellDate.After(since) {
			resp.Since30d.add(*rec.ProfitPct)
		}
	}
	resp.AllTime.finish()
	resp.Since30d.finish()

	h.respondJSON(w, http.StatusOK, resp)
}

// runOperation returns a handler running op and responding with its summary.
func (h *Handler) runOperation(op func(ctx context.Context) trader.Summary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.respondSummary(w, op(r.Context()))
	}
}

type symbolRequest struct {
	Symbol string `json:"symbol"`
}

// runForSymbol returns a handler running op for the symbol in the request body.
func (h *Handler) runForSymbol(op func(ctx context.Context, symbol string) trader.Summary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req symbolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
		if symbol == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}

		s := op(r.Context(), symbol)
		if s.Error == "" && s.Counts[trader.CountMissing] > 0 {
			h.respondJSON(w, http.StatusNotFound, s)
			return
		}
		h.respondSummary(w, s)
	}
}

func (h *Handler) respondSummary(w http.ResponseWriter, s trader.Summary) {
	status := http.StatusOK
	if s.Error != "" {
		status = http.StatusInternalServerError
	}
	h.respondJSON(w, status, s)
}

// MarketIndex handles GET /market/nifty.
func (h *Handler) MarketIndex(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.IndexSnapshot(r.Context())
	if errors.Is(err, marketdata.ErrDataUnavailable) {
		http.Error(w, "index data unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get index snapshot", zap.Error(err))
		http.Error(w, "failed to get index snapshot", http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.Jobs()
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	h.respondJSON(w, http.StatusOK, jobs)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
