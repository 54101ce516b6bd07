// Package fulfillment pushes request snapshots to feed subscribers whenever
// a request's pledge aggregate or fields change.
//
// Fan-out is best-effort. A subscriber whose buffer is full misses the
// update and is expected to refetch the feed.
package fulfillment

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/models"
	"github.com/zulandar/donorlink/internal/realtime"
	"gorm.io/gorm"
)

// Default notifier settings.
const (
	DefaultPollInterval = time.Second
	DefaultBuffer       = 32
)

// Snapshot is a request as feed consumers see it. A Deleted snapshot
// carries only the request ID and tells consumers to drop it.
type Snapshot struct {
	Request         models.Request   `json:"request"`
	Aggregate       ledger.Aggregate `json:"aggregate"`
	ActiveForDonors bool             `json:"active_for_donors"`
	Deleted         bool             `json:"deleted,omitempty"`
}

// RemovedSnapshot announces that requestID no longer exists.
func RemovedSnapshot(requestID string) Snapshot {
	return Snapshot{
		Request:   models.Request{ID: requestID},
		Aggregate: ledger.Aggregate{RequestID: requestID},
		Deleted:   true,
	}
}

// NewSnapshot derives the donor visibility of req from agg.
func NewSnapshot(req models.Request, agg ledger.Aggregate) Snapshot {
	return Snapshot{
		Request:         req,
		Aggregate:       agg,
		ActiveForDonors: req.Status == models.StatusActive && !agg.Fulfilled,
	}
}

// requestState is the last-known shape of a request for change detection.
type requestState struct {
	Status         string
	QuantityNeeded int
	IsUrgent       bool
	UpdatedAt      int64 // unix nanoseconds
}

// Subscription receives snapshots until closed.
type Subscription struct {
	id   uint64
	c    chan Snapshot
	n    *Notifier
	once sync.Once
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan Snapshot { return s.c }

// Close detaches the subscription. Calling Close more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.n.remove(s.id)
	})
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	DB           *gorm.DB
	Ledger       *ledger.Ledger
	PollInterval time.Duration // defaults to DefaultPollInterval
}

// Notifier recomputes aggregates on change and fans snapshots out.
type Notifier struct {
	db           *gorm.DB
	ledger       *ledger.Ledger
	pollInterval time.Duration

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	dropped atomic.Int64

	snapMu   sync.Mutex
	snapshot map[string]requestState
	seeded   bool
}

// NewNotifier creates a Notifier.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("fulfillment: db is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("fulfillment: ledger is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Notifier{
		db:           opts.DB,
		ledger:       opts.Ledger,
		pollInterval: poll,
		subs:         make(map[uint64]*Subscription),
		snapshot:     make(map[string]requestState),
	}, nil
}

// Subscribe registers a feed subscriber with the given buffer size.
func (n *Notifier) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	s := &Subscription{id: n.nextID, c: make(chan Snapshot, buffer), n: n}
	n.subs[s.id] = s
	return s
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(s.c)
	}
}

// Subscribers returns the number of attached subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// AggregateChanged implements ledger.Listener.
func (n *Notifier) AggregateChanged(ctx context.Context, agg ledger.Aggregate) {
	if err := n.RequestChanged(ctx, agg.RequestID); err != nil {
		log.Printf("fulfillment: aggregate change %s: %v", agg.RequestID, err)
	}
}

// RequestChanged recomputes the aggregate of requestID and publishes it.
// A request that no longer exists is published as removed.
func (n *Notifier) RequestChanged(ctx context.Context, requestID string) error {
	if n.Subscribers() == 0 {
		return nil
	}
	var req models.Request
	err := n.db.WithContext(ctx).Where("id = ?", requestID).Limit(1).Find(&req).Error
	if err != nil {
		return fmt.Errorf("fulfillment: load %s: %w", requestID, err)
	}
	if req.ID == "" {
		n.Publish(RemovedSnapshot(requestID))
		return nil
	}
	agg, err := n.ledger.Aggregate(ctx, requestID)
	if err != nil {
		return fmt.Errorf("fulfillment: aggregate %s: %w", requestID, err)
	}
	n.Publish(NewSnapshot(req, agg))
	return nil
}

// Publish delivers snap to every subscriber without blocking.
func (n *Notifier) Publish(snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		select {
		case s.c <- snap:
		default:
			n.dropped.Add(1)
		}
	}
}

// Run follows the store so pledges and request edits made by other
// processes also reach subscribers. It blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	pledges, err := n.tailPledges(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if pledges != nil {
			pledges.Close()
		}
	}()

	if _, err := n.PollRequests(ctx); err != nil {
		log.Printf("fulfillment: seed request snapshot: %v", err)
	}

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	var pledgeC <-chan models.Pledge
	if pledges != nil {
		pledgeC = pledges.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-pledgeC:
			if !ok {
				// Feed dropped: retry on the next tick.
				pledges.Close()
				pledges, pledgeC = nil, nil
				continue
			}
			if err := n.RequestChanged(ctx, p.RequestID); err != nil {
				log.Printf("fulfillment: pledge %s: %v", p.ID, err)
			}
		case <-ticker.C:
			if pledges == nil {
				if pledges, err = n.tailPledges(ctx); err != nil {
					log.Printf("fulfillment: resubscribe pledges: %v", err)
				} else {
					pledgeC = pledges.C()
				}
			}
			changed, err := n.PollRequests(ctx)
			if err != nil {
				log.Printf("fulfillment: poll requests: %v", err)
				continue
			}
			for _, id := range changed {
				if err := n.RequestChanged(ctx, id); err != nil {
					log.Printf("fulfillment: request %s: %v", id, err)
				}
			}
		}
	}
}

func (n *Notifier) tailPledges(ctx context.Context) (*realtime.Stream[models.Pledge], error) {
	s, err := realtime.Tail[models.Pledge](ctx, n.db, realtime.TailOpts{
		FromLatest:   true,
		PollInterval: n.pollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("fulfillment: tail pledges: %w", err)
	}
	return s, nil
}

// PollRequests compares current request fields against the in-memory
// snapshot and returns the IDs that changed, including ones that were
// deleted. The first call seeds the snapshot without reporting anything.
func (n *Notifier) PollRequests(ctx context.Context) ([]string, error) {
	var reqs []models.Request
	if err := n.db.WithContext(ctx).
		Select("id, status, quantity_needed, is_urgent, updated_at").
		Find(&reqs).Error; err != nil {
		return nil, err
	}

	n.snapMu.Lock()
	defer n.snapMu.Unlock()

	var changed []string
	current := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		current[r.ID] = true
		state := requestState{Status: r.Status, QuantityNeeded: r.QuantityNeeded, IsUrgent: r.IsUrgent, UpdatedAt: r.UpdatedAt.UnixNano()}
		old, exists := n.snapshot[r.ID]
		n.snapshot[r.ID] = state
		if !n.seeded {
			continue
		}
		if !exists || old != state {
			changed = append(changed, r.ID)
		}
	}
	for id := range n.snapshot {
		if !current[id] {
			delete(n.snapshot, id)
			changed = append(changed, id)
		}
	}
	n.seeded = true
	return changed, nil
}
