package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the layout of ShortlistedDate.
const DateLayout = "2006-01-02"

// Column names written by the decision engine.
const (
	ColumnStatus          = "status"
	ColumnBuyPrice        = "buy_price"
	ColumnQuantity        = "quantity"
	ColumnBuyDate         = "buy_date"
	ColumnFirstCandleTime = "first_candle_time"
	ColumnFirstCandleHigh = "first_candle_high"
	ColumnDayHigh         = "day_high"
	ColumnCheckedDate     = "checked_date"
	ColumnSellPrice       = "sell_price"
	ColumnSellDate        = "sell_date"
	ColumnProfitPct       = "profit_pct"
)

// TradeRecord is one shortlisted instrument for one trading day, tracked
// through its lifecycle. Optional fields are nil until the transition that
// sets them.
type TradeRecord struct {
	ID              string  `gorm:"primaryKey;size:8" json:"id"`
	Symbol          string  `gorm:"not null;uniqueIndex:idx_symbol_day" json:"symbol"`
	Name            string  `json:"stock_name"`
	ExchangeCode    string  `json:"bsecode,omitempty"`
	PercentChange   float64 `json:"per_chg"`
	Close           float64 `json:"close"`
	Volume          int64   `json:"volume"`
	ShortlistedDate string  `gorm:"not null;uniqueIndex:idx_symbol_day" json:"shortlisted_date"`
	Status          Status  `gorm:"not null;index" json:"status"`

	BuyPrice *float64   `json:"buy_price,omitempty"`
	Quantity *int64     `json:"quantity,omitempty"`
	BuyDate  *time.Time `json:"buy_date,omitempty"`

	FirstCandleTime *time.Time `json:"first_candle_time,omitempty"`
	FirstCandleHigh *float64   `json:"first_candle_high,omitempty"`
	DayHigh         *float64   `json:"day_high,omitempty"`
	CheckedDate     *time.Time `json:"checked_date,omitempty"`

	SellPrice *float64   `json:"sell_price,omitempty"`
	SellDate  *time.Time `json:"sell_date,omitempty"`
	ProfitPct *float64   `json:"profit_pct,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTradeID returns a short record id.
func NewTradeID() string {
	return uuid.NewString()[:8]
}

// Validate checks the field presence rules that tie a record to its status.
func (t *TradeRecord) Validate() error {
	var errs error

	if !t.Status.Valid() {
		errs = errors.Join(errs, fmt.Errorf("unknown status %q", t.Status))
	}

	held := t.Status == StatusBought || t.Status == StatusToSell || t.Status == StatusSold
	hasEntry := t.BuyPrice != nil || t.Quantity != nil || t.BuyDate != nil
	switch {
	case held && (t.BuyPrice == nil || t.Quantity == nil || t.BuyDate == nil):
		errs = errors.Join(errs, fmt.Errorf("%s record %s is missing entry fields", t.Status, t.ID))
	case !held && hasEntry:
		errs = errors.Join(errs, fmt.Errorf("%s record %s carries entry fields", t.Status, t.ID))
	}
	if held && t.Quantity != nil && *t.Quantity <= 0 {
		errs = errors.Join(errs, fmt.Errorf("%s record %s has non-positive quantity %d", t.Status, t.ID, *t.Quantity))
	}

	hasExit := t.SellPrice != nil || t.SellDate != nil || t.ProfitPct != nil
	if t.Status != StatusSold && hasExit {
		errs = errors.Join(errs, fmt.Errorf("%s record %s carries exit fields", t.Status, t.ID))
	}
	if t.Status == StatusSold && (t.SellPrice == nil || t.SellDate == nil) {
		errs = errors.Join(errs, fmt.Errorf("sold record %s is missing exit fields", t.ID))
	}

	return errs
}
