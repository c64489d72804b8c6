package api

import (
	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes. Operation and market routes are only
// served when the handler has an engine.
func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}

	// Full paths on one router, so a method mismatch on any of them is a 405.
	r.HandleFunc("/trades/get_stocks", h.GetStocks).Methods("GET")
	r.HandleFunc("/trades/statistics", h.Statistics).Methods("GET")

	if h.engine != nil {
		r.HandleFunc("/trades/update_shortlist", h.runOperation(h.engine.UpdateShortlist)).Methods("POST")
		r.HandleFunc("/trades/run_buy_shortlisted", h.runOperation(h.engine.RunEntryDecision)).Methods("POST")
		r.HandleFunc("/trades/buy_stock", h.runForSymbol(h.engine.EvaluateSymbol)).Methods("POST")
		r.HandleFunc("/trades/mark_not_triggered", h.runForSymbol(h.engine.MarkNotTriggered)).Methods("POST")
		r.HandleFunc("/trades/check_to_sell", h.runOperation(h.engine.RunExitMarking)).Methods("POST")
		r.HandleFunc("/trades/sell_next_day", h.runOperation(h.engine.RunExitExecution)).Methods("POST")

		r.HandleFunc("/market/nifty", h.MarketIndex).Methods("GET")
	}

	if h.jobs != nil {
		r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	}

	return r
}
