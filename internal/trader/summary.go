package trader

import (
	"errors"
	"time"
)

// Operation names used in summaries, logs and metrics.
const (
	OpShortlist        = "shortlist"
	OpEntryDecision    = "entry_decision"
	OpExitMarking      = "exit_marking"
	OpExitExecution    = "exit_execution"
	OpMarkNotTriggered = "mark_not_triggered"
	OpEvaluateSymbol   = "evaluate_symbol"
)

// Per-record outcome keys counted in Summary.Counts.
const (
	CountShortlisted   = "shortlisted"
	CountSkipped       = "skipped"
	CountBought        = "bought"
	CountNotTriggered  = "not_triggered"
	CountIndeterminate = "indeterminate"
	CountToSell        = "to_sell"
	CountHeld          = "held"
	CountSold          = "sold"
	CountPending       = "pending"
	CountMissing       = "missing"
)

// Summary reports what one operation did. Operations never fail past their
// boundary; a fault is recorded in Error instead.
type Summary struct {
	Operation  string         `json:"operation"`
	Counts     map[string]int `json:"counts"`
	Failed     int            `json:"failed"`
	Note       string         `json:"note,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

func newSummary(op string, now time.Time) Summary {
	return Summary{Operation: op, Counts: map[string]int{}, StartedAt: now}
}

func (s *Summary) add(outcome string) {
	s.Counts[outcome]++
}

// Err returns the recorded operation fault, if any.
func (s Summary) Err() error {
	if s.Error == "" {
		return nil
	}
	return errors.New(s.Error)
}
