package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"swing-trade-bot-go/internal/config"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const chartPath = "/v8/finance/chart/{symbol}"

// Yahoo reads the Yahoo Finance chart API. Timestamps are epoch seconds.
type Yahoo struct {
	rc *restClient
}

var _ Source = (*Yahoo)(nil)

// NewYahoo creates the chart API source.
func NewYahoo(cfg config.Source, logger *zap.Logger) *Yahoo {
	return &Yahoo{rc: newRestClient("yahoo", cfg, logger)}
}

func (y *Yahoo) Name() string { return y.rc.name }

func (y *Yahoo) Intervals() []Interval {
	return []Interval{Interval1m, Interval2m, Interval5m, Interval15m, Interval30m, Interval1h, Interval1d}
}

func yahooInterval(iv Interval) string {
	if iv == Interval1h {
		return "60m"
	}
	return string(iv)
}

// History fetches candles for q.
func (y *Yahoo) History(ctx context.Context, q Query) ([]Candle, error) {
	req := y.rc.client.R().
		SetPathParam("symbol", q.Symbol).
		SetQueryParams(map[string]string{
			"period1":        strconv.FormatInt(q.From.Unix(), 10),
			"period2":        strconv.FormatInt(q.To.Unix(), 10),
			"interval":       yahooInterval(q.Interval),
			"includePrePost": "false",
		})

	resp, err := y.rc.doRequest(ctx, q.Symbol, chartPath, req)
	if err != nil {
		return nil, err
	}

	candles, err := parseChart(resp.Body())
	if err != nil {
		return nil, &SourceError{Source: y.Name(), Symbol: q.Symbol, Status: resp.StatusCode(), Err: err}
	}
	return candles, nil
}

// parseChart extracts candles from a chart payload. Rows with any null
// price field are skipped.
func parseChart(body []byte) ([]Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, errMalformedPayload
	}

	chart := gjson.GetBytes(body, "chart")
	if e := chart.Get("error"); e.Exists() && e.Type != gjson.Null {
		return nil, fmt.Errorf("%s: %s", e.Get("code").String(), e.Get("description").String())
	}

	result := chart.Get("result.0")
	if !result.Exists() {
		return nil, errEmptyResult
	}

	stamps := result.Get("timestamp").Array()
	quote := result.Get("indicators.quote.0")
	opens := quote.Get("open").Array()
	highs := quote.Get("high").Array()
	lows := quote.Get("low").Array()
	closes := quote.Get("close").Array()
	volumes := quote.Get("volume").Array()

	n := len(stamps)
	for _, col := range [][]gjson.Result{opens, highs, lows, closes} {
		if len(col) < n {
			return nil, errMalformedPayload
		}
	}

	candles := make([]Candle, 0, n)
	for i := 0; i < n; i++ {
		if opens[i].Type == gjson.Null || highs[i].Type == gjson.Null ||
			lows[i].Type == gjson.Null || closes[i].Type == gjson.Null {
			continue
		}
		var volume int64
		if i < len(volumes) {
			volume = volumes[i].Int()
		}
		candles = append(candles, Candle{
			Time:   time.Unix(stamps[i].Int(), 0),
			Open:   opens[i].Float(),
			High:   highs[i].Float(),
			Low:    lows[i].Float(),
			Close:  closes[i].Float(),
			Volume: volume,
		})
	}
	return candles, nil
}
