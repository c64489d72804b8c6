package marketdata

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a candle width.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval2m  Interval = "2m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// intervals lists every known interval from finest to coarsest.
var intervals = []Interval{Interval1m, Interval2m, Interval5m, Interval15m, Interval30m, Interval1h, Interval4h, Interval1d}

// ParseInterval validates s as a known interval.
func ParseInterval(s string) (Interval, error) {
	for _, iv := range intervals {
		if string(iv) == s {
			return iv, nil
		}
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

// Duration returns the candle width.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval2m:
		return 2 * time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Intraday reports whether candles of this interval are shorter than a session.
func (i Interval) Intraday() bool {
	return i != Interval1d
}

// Coarsen returns want if supported contains it, otherwise the finest
// supported interval that is coarser than want.
func Coarsen(want Interval, supported []Interval) (Interval, bool) {
	best := Interval("")
	for _, iv := range supported {
		if iv == want {
			return want, true
		}
		if iv.Duration() > want.Duration() && (best == "" || iv.Duration() < best.Duration()) {
			best = iv
		}
	}
	return best, best != ""
}

// Candle is one OHLCV bar. Time is the bar-open time.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Series is an ordered price series for one symbol. Candle times are
// strictly increasing and expressed in the exchange location.
type Series struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
	Source   string   `json:"source"`
	Candles  []Candle `json:"candles"`
	// Stale is set when the candles belong to an earlier session than the
	// one requested.
	Stale bool `json:"stale"`
}

// Len returns the number of candles.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Candles)
}

// Closes returns the closing prices in time order.
func (s *Series) Closes() []float64 {
	out := make([]float64, 0, s.Len())
	for _, c := range s.Candles {
		out = append(out, c.Close)
	}
	return out
}

// Last returns the most recent candle.
func (s *Series) Last() (Candle, bool) {
	if s.Len() == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// MaxHigh returns the highest High across the series.
func (s *Series) MaxHigh() (float64, bool) {
	if s.Len() == 0 {
		return 0, false
	}
	high := s.Candles[0].High
	for _, c := range s.Candles[1:] {
		if c.High > high {
			high = c.High
		}
	}
	return high, true
}

// FirstIn returns the earliest candle whose bar-open time falls in w.
func (s *Series) FirstIn(w CandleWindow) (Candle, bool) {
	if s == nil {
		return Candle{}, false
	}
	for _, c := range s.Candles {
		if w.Contains(c.Time) {
			return c, true
		}
	}
	return Candle{}, false
}

// normalize converts candle times to loc, sorts them and drops duplicate timestamps.
func normalize(candles []Candle, loc *time.Location) []Candle {
	for i := range candles {
		candles[i].Time = candles[i].Time.In(loc)
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })

	out := candles[:0]
	for _, c := range candles {
		if len(out) > 0 && !c.Time.After(out[len(out)-1].Time) {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// sessionDay returns the date of t in its own location.
func sessionDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// splitLatestSession returns the candles of day, or when there are none the
// candles of the latest earlier day together with stale=true.
func splitLatestSession(candles []Candle, day time.Time) (session []Candle, stale bool) {
	day = sessionDay(day)
	var prior time.Time
	for _, c := range candles {
		d := sessionDay(c.Time)
		switch {
		case d.Equal(day):
			session = append(session, c)
		case d.Before(day) && d.After(prior):
			prior = d
		}
	}
	if len(session) > 0 || prior.IsZero() {
		return session, false
	}
	for _, c := range candles {
		if sessionDay(c.Time).Equal(prior) {
			session = append(session, c)
		}
	}
	return session, true
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute int
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// CandleWindow is a named time-of-day interval. Start is inclusive; End is
// exclusive unless InclusiveEnd is set.
type CandleWindow struct {
	Name         string
	Start, End   Clock
	InclusiveEnd bool
}

// Contains reports whether the wall-clock time of t lies in the window.
func (w CandleWindow) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if t.Second() != 0 || t.Nanosecond() != 0 {
		// a bar opening at 10:00:30 is past an inclusive 10:00 end
		if w.InclusiveEnd && m == w.End.minutes() {
			return false
		}
	}
	if m < w.Start.minutes() {
		return false
	}
	if w.InclusiveEnd {
		return m <= w.End.minutes()
	}
	return m < w.End.minutes()
}

func (w CandleWindow) String() string {
	closing := ")"
	if w.InclusiveEnd {
		closing = "]"
	}
	return fmt.Sprintf("%s [%s, %s%s", w.Name, w.Start, w.End, closing)
}
