package marketdata

import (
	"errors"
	"fmt"
)

// ErrDataUnavailable is returned when no source produced a usable series.
// Callers treat it as insufficient data and take the conservative branch.
var ErrDataUnavailable = errors.New("market data unavailable")

// SourceError is a transient fault of one market data source: transport
// failure, non-2xx status, authorization rejection, malformed or empty payload.
type SourceError struct {
	Source string
	Symbol string
	Status int
	Err    error
}

func (e *SourceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Source, e.Symbol, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Symbol, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

var (
	errEmptyResult      = errors.New("empty result")
	errNoCurrentRows    = errors.New("no rows for the current session")
	errMalformedPayload = errors.New("malformed payload")
)
