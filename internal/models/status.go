package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not an edge of
// the trade lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a TradeRecord.
type Status string

const (
	StatusShortlisted  Status = "shortlisted"
	StatusNotTriggered Status = "not_triggered"
	StatusBought       Status = "bought"
	StatusToSell       Status = "to_sell"
	StatusSold         Status = "sold"
)

// Statuses lists every lifecycle state in display order.
var Statuses = []Status{StatusShortlisted, StatusBought, StatusNotTriggered, StatusToSell, StatusSold}

var transitions = map[Status][]Status{
	StatusShortlisted: {StatusNotTriggered, StatusBought},
	StatusBought:      {StatusToSell},
	StatusToSell:      {StatusSold},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusShortlisted, StatusNotTriggered, StatusBought, StatusToSell, StatusSold:
		return true
	default:
		return false
	}
}

// Terminal reports whether no engine transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusNotTriggered || s == StatusSold
}

// CheckTransition returns ErrInvalidTransition unless from → to is a lifecycle edge.
func CheckTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
