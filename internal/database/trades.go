package database

import (
	"context"
	"errors"
	"fmt"

	"swing-trade-bot-go/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound is returned when no trade record matches a lookup.
var ErrRecordNotFound = errors.New("trade record not found")

// TradeFilter selects trade records. Zero-valued fields do not constrain the query.
type TradeFilter struct {
	Symbol          string
	Status          models.Status
	ShortlistedDate string
}

func (f TradeFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ShortlistedDate != "" {
		q = q.Where("shortlisted_date = ?", f.ShortlistedDate)
	}
	return q
}

// TradeStore reads and writes trade records through gorm.
type TradeStore struct {
	db *gorm.DB
}

// NewTradeStore wraps an open database.
func NewTradeStore(db *gorm.DB) *TradeStore {
	return &TradeStore{db: db}
}

// Find returns the records matching f in insertion order.
func (s *TradeStore) Find(ctx context.Context, f TradeFilter) ([]models.TradeRecord, error) {
	var records []models.TradeRecord
	q := f.apply(s.db.WithContext(ctx)).Order("created_at asc").Order("id asc")
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("finding trade records: %w", err)
	}
	return records, nil
}

// FindOne returns the earliest record matching f, or ErrRecordNotFound.
func (s *TradeStore) FindOne(ctx context.Context, f TradeFilter) (*models.TradeRecord, error) {
	var rec models.TradeRecord
	q := f.apply(s.db.WithContext(ctx)).Order("created_at asc").Order("id asc")
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding trade record: %w", err)
	}
	return &rec, nil
}

// InsertIfAbsent inserts rec unless a record for the same symbol and
// shortlisted date exists. It returns the id of the stored record and
// whether rec was inserted. The unique index on (symbol, shortlisted_date)
// decides, so concurrent callers cannot create duplicates.
func (s *TradeStore) InsertIfAbsent(ctx context.Context, rec *models.TradeRecord) (string, bool, error) {
	if rec.ID == "" {
		rec.ID = models.NewTradeID()
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "shortlisted_date"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return "", false, fmt.Errorf("inserting trade record %s: %w", rec.Symbol, res.Error)
	}
	if res.RowsAffected == 1 {
		return rec.ID, true, nil
	}

	existing, err := s.FindOne(ctx, TradeFilter{Symbol: rec.Symbol, ShortlistedDate: rec.ShortlistedDate})
	if err != nil {
		return "", false, fmt.Errorf("reading existing record for %s: %w", rec.Symbol, err)
	}
	return existing.ID, false, nil
}

// Transition moves record id from one status to another and writes fields
// in the same statement. The update only applies while the stored status is
// still from; anything else is reported as ErrInvalidTransition, or
// ErrRecordNotFound when the id is unknown.
func (s *TradeStore) Transition(ctx context.Context, id string, from, to models.Status, fields map[string]any) error {
	if err := models.CheckTransition(from, to); err != nil {
		return err
	}

	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates[models.ColumnStatus] = to

	res := s.db.WithContext(ctx).
		Model(&models.TradeRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating trade record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var current models.TradeRecord
	err := s.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("reading trade record %s: %w", id, err)
	}
	return fmt.Errorf("%w: record %s is %s, not %s", models.ErrInvalidTransition, id, current.Status, from)
}

// CountByStatus returns the number of records per status.
func (s *TradeStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	var rows []struct {
		Status models.Status
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.TradeRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting trade records: %w", err)
	}

	counts := make(map[models.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
