// Package ledger records pledges against requests and derives their totals.
//
// The pledge log is the only source of truth. The requests.quantity_pledged
// column is a cache rewritten from the log after every append; it is never
// incremented or compared-and-swapped.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotFound         = errors.New("request not found")
	ErrRequestClosed    = errors.New("request is not active")
	ErrTransport        = errors.New("store unavailable")
)

// Listener is told about every aggregate the ledger recomputes.
type Listener interface {
	AggregateChanged(ctx context.Context, agg Aggregate)
}

// Aggregate is the derived pledge state of one request.
type Aggregate struct {
	RequestID string `json:"request_id"`
	Pledged   int    `json:"pledged"`
	Needed    int    `json:"needed"`
	Fulfilled bool   `json:"fulfilled"`
}

// Remaining returns how many more items the request can take, never negative.
func (a Aggregate) Remaining() int {
	if r := a.Needed - a.Pledged; r > 0 {
		return r
	}
	return 0
}

// Overcommitted reports whether more was pledged than needed.
func (a Aggregate) Overcommitted() bool { return a.Pledged > a.Needed }

// Receipt is returned by Submit: the appended pledge and the aggregate
// as it stood right after the append.
type Receipt struct {
	Pledge    models.Pledge `json:"pledge"`
	Aggregate Aggregate     `json:"aggregate"`
}

// Fold sums pledge amounts for a request needing needed items.
func Fold(requestID string, needed int, pledges []models.Pledge) Aggregate {
	agg := Aggregate{RequestID: requestID, Needed: needed}
	for _, p := range pledges {
		if p.RequestID != requestID {
			continue
		}
		agg.Pledged += p.Amount
	}
	agg.Fulfilled = agg.Pledged >= agg.Needed
	return agg
}

// FromTotal builds an aggregate from an already summed pledge total.
func FromTotal(requestID string, needed, pledged int) Aggregate {
	return Aggregate{RequestID: requestID, Needed: needed, Pledged: pledged, Fulfilled: pledged >= needed}
}

// Opts holds parameters for creating a Ledger.
type Opts struct {
	DB       *gorm.DB
	Listener Listener // optional
}

// Ledger appends pledges and folds the pledge log into aggregates.
type Ledger struct {
	db *gorm.DB

	mu       sync.RWMutex
	listener Listener
}

// New creates a Ledger.
func New(opts Opts) (*Ledger, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	return &Ledger{db: opts.DB, listener: opts.Listener}, nil
}

// SetListener replaces the aggregate listener. It is safe to call while
// pledges are being submitted.
func (l *Ledger) SetListener(listener Listener) {
	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()
}

// Submission describes one pledge attempt.
type Submission struct {
	RequestID string
	PledgerID string
	Amount    int
	// Observed is the aggregate the caller last saw. When set, the capacity
	// check runs against it instead of a fresh read of the log.
	Observed *Aggregate
}

// Submit appends a pledge of amount items by pledgerID against requestID,
// checking capacity against a fresh read of the log.
func (l *Ledger) Submit(ctx context.Context, requestID, pledgerID string, amount int) (*Receipt, error) {
	return l.SubmitPledge(ctx, Submission{RequestID: requestID, PledgerID: pledgerID, Amount: amount})
}

// SubmitPledge appends the pledge described by s.
//
// The capacity check is advisory: concurrent submitters may each pass it
// and together overshoot. The append is never rolled back to correct that.
func (l *Ledger) SubmitPledge(ctx context.Context, s Submission) (*Receipt, error) {
	requestID, pledgerID, amount := s.RequestID, s.PledgerID, s.Amount
	if amount < 1 {
		return nil, fmt.Errorf("ledger: %w: amount must be at least 1, got %d", ErrValidation, amount)
	}
	if strings.TrimSpace(pledgerID) == "" {
		return nil, fmt.Errorf("ledger: %w: pledger is required", ErrValidation)
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("ledger: %w: request id is required", ErrValidation)
	}
	if s.Observed != nil && s.Observed.Pledged < 0 {
		return nil, fmt.Errorf("ledger: %w: observed pledged total must not be negative, got %d",
			ErrValidation, s.Observed.Pledged)
	}

	req, err := l.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusActive {
		return nil, fmt.Errorf("ledger: %w: %s is %s", ErrRequestClosed, requestID, req.Status)
	}

	var before Aggregate
	if s.Observed != nil {
		before = FromTotal(requestID, req.QuantityNeeded, s.Observed.Pledged)
	} else if before, err = l.aggregate(ctx, req); err != nil {
		return nil, err
	}
	if before.Remaining() < amount {
		return nil, fmt.Errorf("ledger: %w: %s has %d remaining, pledge of %d",
			ErrCapacityExceeded, requestID, before.Remaining(), amount)
	}

	pledge := models.Pledge{
		ID:        uuid.NewString(),
		RequestID: requestID,
		UserID:    pledgerID,
		Amount:    amount,
		CreatedAt: models.Now(),
	}
	if err := l.db.WithContext(ctx).Create(&pledge).Error; err != nil {
		return nil, fmt.Errorf("ledger: %w: append pledge: %v", ErrTransport, err)
	}

	after, err := l.aggregate(ctx, req)
	if err != nil {
		// The pledge is in the log; report what this session knows it wrote.
		log.Printf("ledger: recompute %s after append: %v", requestID, err)
		after = FromTotal(requestID, req.QuantityNeeded, before.Pledged+amount)
	}
	if err := l.writeCache(ctx, requestID); err != nil {
		log.Printf("ledger: refresh cached total for %s: %v", requestID, err)
	}
	l.notify(ctx, after)

	return &Receipt{Pledge: pledge, Aggregate: after}, nil
}

// Aggregate folds the pledge log of requestID. It writes nothing.
func (l *Ledger) Aggregate(ctx context.Context, requestID string) (Aggregate, error) {
	req, err := l.loadRequest(ctx, requestID)
	if err != nil {
		return Aggregate{}, err
	}
	return l.aggregate(ctx, req)
}

// Pledges returns the pledge log of requestID in arrival order.
func (l *Ledger) Pledges(ctx context.Context, requestID string) ([]models.Pledge, error) {
	var pledges []models.Pledge
	if err := l.db.WithContext(ctx).Where("request_id = ?", requestID).
		Order("seq ASC").Find(&pledges).Error; err != nil {
		return nil, fmt.Errorf("ledger: %w: pledges of %s: %v", ErrTransport, requestID, err)
	}
	return pledges, nil
}

// Totals sums the pledge log for each of requestIDs in one query.
// Requests without pledges are absent from the result.
func (l *Ledger) Totals(ctx context.Context, requestIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		RequestID string
		Total     int
	}
	if err := l.db.WithContext(ctx).Model(&models.Pledge{}).
		Select("request_id, SUM(amount) AS total").
		Where("request_id IN ?", requestIDs).
		Group("request_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: %w: totals: %v", ErrTransport, err)
	}
	for _, r := range rows {
		out[r.RequestID] = r.Total
	}
	return out, nil
}

// Reconcile rewrites the cached pledged column of requestID from the log
// and reports whether the cached value had drifted.
func (l *Ledger) Reconcile(ctx context.Context, requestID string) (Aggregate, bool, error) {
	req, err := l.loadRequest(ctx, requestID)
	if err != nil {
		return Aggregate{}, false, err
	}
	agg, err := l.aggregate(ctx, req)
	if err != nil {
		return Aggregate{}, false, err
	}
	if agg.Pledged == req.QuantityPledged {
		return agg, false, nil
	}
	if err := l.writeCache(ctx, requestID); err != nil {
		return agg, false, err
	}
	return agg, true, nil
}

func (l *Ledger) aggregate(ctx context.Context, req *models.Request) (Aggregate, error) {
	pledges, err := l.Pledges(ctx, req.ID)
	if err != nil {
		return Aggregate{}, err
	}
	return Fold(req.ID, req.QuantityNeeded, pledges), nil
}

func (l *Ledger) loadRequest(ctx context.Context, requestID string) (*models.Request, error) {
	var req models.Request
	if err := l.db.WithContext(ctx).Where("id = ?", requestID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ledger: %w: %s", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("ledger: %w: load request %s: %v", ErrTransport, requestID, err)
	}
	return &req, nil
}

// writeCache sets the cached column to the log sum in one statement, so a
// concurrent writer can only ever leave it at some true log sum.
func (l *Ledger) writeCache(ctx context.Context, requestID string) error {
	err := l.db.WithContext(ctx).Exec(
		"UPDATE requests SET quantity_pledged = (SELECT COALESCE(SUM(amount), 0) FROM pledges WHERE request_id = ?) WHERE id = ?",
		requestID, requestID,
	).Error
	if err != nil {
		return fmt.Errorf("ledger: %w: write cached total %s: %v", ErrTransport, requestID, err)
	}
	return nil
}

func (l *Ledger) notify(ctx context.Context, agg Aggregate) {
	l.mu.RLock()
	listener := l.listener
	l.mu.RUnlock()
	if listener != nil {
		listener.AggregateChanged(ctx, agg)
	}
}
