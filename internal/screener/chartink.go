// Package screener fetches the daily candidate list from Chartink.
package screener

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"swing-trade-bot-go/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const userAgent = "Mozilla/5.0"

// ErrNoCSRFToken is returned when the screener page carries no csrf-token meta tag.
var ErrNoCSRFToken = errors.New("csrf token not found on screener page")

// Candidate is one row of the screener result.
type Candidate struct {
	Name          string
	Symbol        string
	ExchangeCode  string
	PercentChange float64
	Close         float64
	Volume        int64
}

// Chartink runs a saved scan clause against the Chartink screener. Each call
// uses a fresh cookie session.
type Chartink struct {
	cfg    config.Screener
	logger *zap.Logger
}

// NewChartink creates a screener client.
func NewChartink(cfg config.Screener, logger *zap.Logger) *Chartink {
	return &Chartink{cfg: cfg, logger: logger.Named("screener")}
}

// Candidates returns the rows matching the configured scan clause. An empty
// result is not an error.
func (c *Chartink) Candidates(ctx context.Context) ([]Candidate, error) {
	// resty keeps a cookie jar per client, so the session cookie from the
	// page GET is sent with the POST.
	client := resty.New().
		SetHeader("User-Agent", userAgent).
		SetHeader("Referer", c.cfg.URL)
	if c.cfg.Timeout > 0 {
		client.SetTimeout(c.cfg.Timeout)
	}

	page, err := client.R().SetContext(ctx).Get(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching screener page: %w", err)
	}
	if page.IsError() {
		return nil, fmt.Errorf("fetching screener page: status %s", page.Status())
	}

	token, err := csrfToken(page.Body())
	if err != nil {
		return nil, err
	}

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("X-CSRF-Token", token).
		SetFormData(map[string]string{"scan_clause": c.cfg.ScanClause}).
		Post(c.cfg.ProcessURL)
	if err != nil {
		return nil, fmt.Errorf("running scan: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("running scan: status %s", resp.Status())
	}

	candidates, err := parseCandidates(resp.Body())
	if err != nil {
		return nil, err
	}
	c.logger.Info("Fetched screener candidates", zap.Int("count", len(candidates)))
	return candidates, nil
}

// csrfToken returns the content of <meta name="csrf-token">.
func csrfToken(page []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parsing screener page: %w", err)
	}

	var find func(*html.Node) string
	find = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var name, content string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					name = a.Val
				case "content":
					content = a.Val
				}
			}
			if name == "csrf-token" && content != "" {
				return content
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if tok := find(child); tok != "" {
				return tok
			}
		}
		return ""
	}

	if tok := find(doc); tok != "" {
		return tok, nil
	}
	return "", ErrNoCSRFToken
}

func parseCandidates(body []byte) ([]Candidate, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("screener returned a malformed payload")
	}

	rows := gjson.GetBytes(body, "data").Array()
	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		symbol := row.Get("nsecode").String()
		if symbol == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			Name:          row.Get("name").String(),
			Symbol:        symbol,
			ExchangeCode:  row.Get("bsecode").String(),
			PercentChange: row.Get("per_chg").Float(),
			Close:         row.Get("close").Float(),
			Volume:        row.Get("volume").Int(),
		})
	}
	return candidates, nil
}
