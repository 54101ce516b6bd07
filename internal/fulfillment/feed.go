package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

// Feed lists requests with fulfillment derived from the pledge log at read
// time. Nothing here reads the cached quantity_pledged column.
type Feed struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// NewFeed creates a Feed.
func NewFeed(db *gorm.DB, l *ledger.Ledger) (*Feed, error) {
	if db == nil {
		return nil, fmt.Errorf("fulfillment: db is required")
	}
	if l == nil {
		return nil, fmt.Errorf("fulfillment: ledger is required")
	}
	return &Feed{db: db, ledger: l}, nil
}

// DonorFilter narrows the donor feed. The zero value matches everything.
type DonorFilter struct {
	Search   string // case-insensitive substring of title or item name
	Category string // exact category; "" or "all" matches any
}

func (df DonorFilter) matches(r models.Request) bool {
	if q := strings.ToLower(strings.TrimSpace(df.Search)); q != "" &&
		!strings.Contains(strings.ToLower(r.Title), q) &&
		!strings.Contains(strings.ToLower(r.ItemName), q) {
		return false
	}
	return true
}

// ActiveForDonors returns active, unfulfilled requests matching filter:
// urgent first, then newest.
func (f *Feed) ActiveForDonors(ctx context.Context, filter DonorFilter) ([]Snapshot, error) {
	q := f.db.WithContext(ctx).Where("status = ?", models.StatusActive)
	if c := filter.Category; c != "" && c != "all" {
		q = q.Where("category = ?", c)
	}
	var reqs []models.Request
	if err := q.Order("is_urgent DESC").Order("created_at DESC").Order("id DESC").
		Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("fulfillment: active requests: %w", err)
	}
	matched := reqs[:0]
	for _, r := range reqs {
		if filter.matches(r) {
			matched = append(matched, r)
		}
	}
	snaps, err := f.snapshots(ctx, matched)
	if err != nil {
		return nil, err
	}
	out := snaps[:0]
	for _, s := range snaps {
		if s.ActiveForDonors {
			out = append(out, s)
		}
	}
	return out, nil
}

// ForNGO returns every request owned by ngoID, fulfilled ones included, newest first.
func (f *Feed) ForNGO(ctx context.Context, ngoID string) ([]Snapshot, error) {
	var reqs []models.Request
	if err := f.db.WithContext(ctx).Where("ngo_id = ?", ngoID).
		Order("created_at DESC").Order("id DESC").
		Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("fulfillment: requests of %s: %w", ngoID, err)
	}
	return f.snapshots(ctx, reqs)
}

// Get returns the snapshot of one request.
func (f *Feed) Get(ctx context.Context, requestID string) (*Snapshot, error) {
	agg, err := f.ledger.Aggregate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var req models.Request
	if err := f.db.WithContext(ctx).Where("id = ?", requestID).First(&req).Error; err != nil {
		return nil, fmt.Errorf("fulfillment: request %s: %w", requestID, err)
	}
	snap := NewSnapshot(req, agg)
	return &snap, nil
}

func (f *Feed) snapshots(ctx context.Context, reqs []models.Request) ([]Snapshot, error) {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	totals, err := f.ledger.Totals(ctx, ids)
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, len(reqs))
	for i, r := range reqs {
		snaps[i] = NewSnapshot(r, ledger.FromTotal(r.ID, r.QuantityNeeded, totals[r.ID]))
	}
	return snaps, nil
}
