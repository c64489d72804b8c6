package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swing-trade-bot-go/internal/config"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	fmpIntradayPath = "/historical-chart/%s"
	fmpDailyPath    = "/historical-price-eod/full"

	fmpDateLayout     = "2006-01-02"
	fmpDateTimeLayout = "2006-01-02 15:04:05"
)

// FMP reads the Financial Modeling Prep stable API. Its timestamps carry no
// offset and are interpreted in the configured naive location.
type FMP struct {
	rc     *restClient
	apiKey string
	naive  *time.Location
}

var _ Source = (*FMP)(nil)

// NewFMP creates the FMP source.
func NewFMP(cfg config.Source, logger *zap.Logger) (*FMP, error) {
	naive := time.UTC
	if cfg.NaiveTimezone != "" {
		loc, err := time.LoadLocation(cfg.NaiveTimezone)
		if err != nil {
			return nil, fmt.Errorf("loading naive timezone: %w", err)
		}
		naive = loc
	}
	return &FMP{
		rc:     newRestClient("fmp", cfg, logger),
		apiKey: cfg.ApiKey,
		naive:  naive,
	}, nil
}

func (f *FMP) Name() string { return f.rc.name }

func (f *FMP) Intervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval30m, Interval1h, Interval4h, Interval1d}
}

func fmpInterval(iv Interval) (string, error) {
	switch iv {
	case Interval1m:
		return "1min", nil
	case Interval5m:
		return "5min", nil
	case Interval15m:
		return "15min", nil
	case Interval30m:
		return "30min", nil
	case Interval1h:
		return "1hour", nil
	case Interval4h:
		return "4hour", nil
	default:
		return "", fmt.Errorf("unsupported interval %s", iv)
	}
}

// History fetches candles for q.
func (f *FMP) History(ctx context.Context, q Query) ([]Candle, error) {
	path := fmpDailyPath
	layout := fmpDateLayout
	if q.Interval.Intraday() {
		name, err := fmpInterval(q.Interval)
		if err != nil {
			return nil, &SourceError{Source: f.Name(), Symbol: q.Symbol, Err: err}
		}
		path = fmt.Sprintf(fmpIntradayPath, name)
		layout = fmpDateTimeLayout
	}

	req := f.rc.client.R().SetQueryParams(map[string]string{
		"symbol": q.Symbol,
		"from":   q.From.In(f.naive).Format(fmpDateLayout),
		"to":     q.To.In(f.naive).Format(fmpDateLayout),
		"apikey": f.apiKey,
	})

	resp, err := f.rc.doRequest(ctx, q.Symbol, path, req)
	if err != nil {
		return nil, err
	}

	candles, err := parseFMP(resp.Body(), layout, f.naive)
	if err != nil {
		return nil, &SourceError{Source: f.Name(), Symbol: q.Symbol, Status: resp.StatusCode(), Err: err}
	}
	return candles, nil
}

// parseFMP reads an array of {date, open, high, low, close, volume} rows.
func parseFMP(body []byte, layout string, naive *time.Location) ([]Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, errMalformedPayload
	}

	root := gjson.ParseBytes(body)
	if msg := root.Get("Error Message"); msg.Exists() {
		return nil, errors.New(msg.String())
	}
	if !root.IsArray() {
		return nil, errMalformedPayload
	}

	data := root.Array()
	candles := make([]Candle, 0, len(data))
	for idx := range data {
		dt, err := time.ParseInLocation(layout, data[idx].Get("date").String(), naive)
		if err != nil {
			return nil, fmt.Errorf("parsing candle date: %w", err)
		}
		candles = append(candles, Candle{
			Time:   dt,
			Open:   data[idx].Get("open").Float(),
			High:   data[idx].Get("high").Float(),
			Low:    data[idx].Get("low").Float(),
			Close:  data[idx].Get("close").Float(),
			Volume: data[idx].Get("volume").Int(),
		})
	}
	return candles, nil
}
