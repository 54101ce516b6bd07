// Package live delivers newly stored messages to the user they are
// addressed to.
//
// Delivery from the store is at-least-once. The channel drops redelivered
// ids, keeps each sender's messages monotonic in the message total order,
// and resubscribes after a transport drop. Whenever it cannot vouch for
// continuity it emits a Resync event and the consumer refetches.
package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/donorlink/internal/models"
	"github.com/zulandar/donorlink/internal/realtime"
	"gorm.io/gorm"
)

// Default channel settings.
const (
	DefaultBuffer      = 64
	DefaultBackoffMin  = 250 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
	DefaultDedupWindow = 1024
)

// ErrTransport is returned when the upstream stream cannot be opened.
var ErrTransport = errors.New("live: transport unavailable")

// Event kinds.
const (
	EventMessage = "message"
	EventResync  = "resync"
)

// Event is one item of a subscription: a delivered message or a marker
// telling the consumer to refetch.
type Event struct {
	Kind    string         `json:"kind"`
	Message models.Message `json:"message"`
}

// Upstream is a raw stream of inserted messages. When it fails, the error
// is sent on Err and C is closed.
type Upstream interface {
	C() <-chan models.Message
	Err() <-chan error
	Close()
}

// Source opens upstream streams of messages addressed to a receiver.
type Source interface {
	Messages(ctx context.Context, receiverID string) (Upstream, error)
}

// StoreSource tails the messages table of the event store.
type StoreSource struct {
	db           *gorm.DB
	pollInterval time.Duration
	buffer       int
}

// NewStoreSource creates a Source backed by db.
func NewStoreSource(db *gorm.DB, pollInterval time.Duration, buffer int) *StoreSource {
	return &StoreSource{db: db, pollInterval: pollInterval, buffer: buffer}
}

// Messages implements Source. Only rows inserted after the call are delivered.
func (s *StoreSource) Messages(ctx context.Context, receiverID string) (Upstream, error) {
	stream, err := realtime.Tail[models.Message](ctx, s.db, realtime.TailOpts{
		Filter:       realtime.Filter{Query: "receiver_id = ?", Args: []interface{}{receiverID}},
		FromLatest:   true,
		PollInterval: s.pollInterval,
		Buffer:       s.buffer,
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ChannelOpts holds parameters for creating a Channel.
type ChannelOpts struct {
	Source      Source
	Buffer      int           // defaults to DefaultBuffer
	BackoffMin  time.Duration // defaults to DefaultBackoffMin
	BackoffMax  time.Duration // defaults to DefaultBackoffMax
	DedupWindow int           // delivered ids remembered; defaults to DefaultDedupWindow
}

// Channel hands out per-user subscriptions over a Source.
type Channel struct {
	source      Source
	buffer      int
	backoffMin  time.Duration
	backoffMax  time.Duration
	dedupWindow int
}

// NewChannel creates a Channel.
func NewChannel(opts ChannelOpts) (*Channel, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("live: source is required")
	}
	c := &Channel{
		source:      opts.Source,
		buffer:      opts.Buffer,
		backoffMin:  opts.BackoffMin,
		backoffMax:  opts.BackoffMax,
		dedupWindow: opts.DedupWindow,
	}
	if c.buffer <= 0 {
		c.buffer = DefaultBuffer
	}
	if c.backoffMin <= 0 {
		c.backoffMin = DefaultBackoffMin
	}
	if c.backoffMax < c.backoffMin {
		c.backoffMax = DefaultBackoffMax
		if c.backoffMax < c.backoffMin {
			c.backoffMax = c.backoffMin
		}
	}
	if c.dedupWindow <= 0 {
		c.dedupWindow = DefaultDedupWindow
	}
	return c, nil
}

// Subscription is a single-consumer stream of events for one user.
type Subscription struct {
	ch     *Channel
	userID string
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	seen   map[string]struct{}
	ring   []string
	ringAt int
	last   map[string]models.Message // latest delivered per sender

	mu           sync.Mutex
	resubscribes int
}

// Subscribe opens a subscription to messages addressed to userID. It
// fails with ErrTransport if the first upstream cannot be opened.
func (c *Channel) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("live: user is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	up, err := c.source.Messages(ctx, userID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransport, userID, err)
	}
	s := &Subscription{
		ch:     c,
		userID: userID,
		events: make(chan Event, c.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}, c.dedupWindow),
		ring:   make([]string, c.dedupWindow),
		last:   make(map[string]models.Message),
	}
	go s.run(ctx, up)
	return s, nil
}

// C returns the event channel. It is closed once the subscription ends.
func (s *Subscription) C() <-chan Event { return s.events }

// UserID returns the receiver this subscription is scoped to.
func (s *Subscription) UserID() string { return s.userID }

// Resubscribes returns how many times the upstream was reopened.
func (s *Subscription) Resubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resubscribes
}

// Close ends the subscription and releases the upstream. Calling Close
// more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Subscription) run(ctx context.Context, up Upstream) {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		if up != nil {
			up.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-up.C():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Printf("live: %s: stream dropped: %v", s.userID, upstreamErr(up))
				up.Close()
				up = s.reconnect(ctx)
				if up == nil {
					return
				}
				if !s.emit(ctx, Event{Kind: EventResync}) {
					return
				}
				continue
			}
			if !s.deliver(ctx, m) {
				return
			}
		}
	}
}

// deliver applies dedup and per-sender ordering to m. It returns false
// when the subscription is shutting down.
func (s *Subscription) deliver(ctx context.Context, m models.Message) bool {
	if m.ReceiverID != s.userID {
		return true
	}
	if _, dup := s.seen[m.ID]; dup {
		return true
	}
	s.remember(m.ID)
	if last, ok := s.last[m.SenderID]; ok && !last.Before(m) {
		// Older than what was already delivered from this sender.
		return s.emit(ctx, Event{Kind: EventResync})
	}
	s.last[m.SenderID] = m
	return s.emit(ctx, Event{Kind: EventMessage, Message: m})
}

func (s *Subscription) remember(id string) {
	if old := s.ring[s.ringAt]; old != "" {
		delete(s.seen, old)
	}
	s.ring[s.ringAt] = id
	s.ringAt = (s.ringAt + 1) % len(s.ring)
	s.seen[id] = struct{}{}
}

func (s *Subscription) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// reconnect reopens the upstream with exponential backoff. It returns nil
// once ctx is cancelled.
func (s *Subscription) reconnect(ctx context.Context) Upstream {
	delay := s.ch.backoffMin
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		up, err := s.ch.source.Messages(ctx, s.userID)
		if err == nil {
			s.mu.Lock()
			s.resubscribes++
			s.mu.Unlock()
			return up
		}
		delay *= 2
		if delay > s.ch.backoffMax {
			delay = s.ch.backoffMax
		}
		log.Printf("live: %s: resubscribe failed, retrying in %s: %v", s.userID, delay, err)
		timer.Reset(delay)
	}
}

func upstreamErr(up Upstream) error {
	select {
	case err := <-up.Err():
		return err
	default:
		return errors.New("closed without error")
	}
}
