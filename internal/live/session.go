package live

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/donorlink/internal/conversation"
	"gorm.io/gorm"
)

// Session is the consumer side of an open messages screen. It drains one
// subscription, keeps the conversation list current and feeds the open
// conversation view.
type Session struct {
	db     *gorm.DB
	userID string
	sub    *Subscription

	mu    sync.Mutex
	view  *conversation.View
	convs []conversation.Conversation

	updates chan struct{}
}

// NewSession subscribes userID on ch and loads the conversation list.
func NewSession(ctx context.Context, db *gorm.DB, ch *Channel, userID string) (*Session, error) {
	if db == nil {
		return nil, fmt.Errorf("live: db is required")
	}
	if ch == nil {
		return nil, fmt.Errorf("live: channel is required")
	}
	convs, err := conversation.ListConversations(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	sub, err := ch.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Session{
		db:      db,
		userID:  userID,
		sub:     sub,
		convs:   convs,
		updates: make(chan struct{}, 1),
	}, nil
}

// Open makes counterpartID the open conversation.
func (s *Session) Open(ctx context.Context, counterpartID string) (*conversation.View, error) {
	v, err := conversation.OpenView(ctx, s.db, s.userID, counterpartID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()

	// Events handled while the thread was loading found no view. A second
	// read picks them up; Apply drops the overlap.
	if _, err := v.Reload(ctx); err != nil {
		log.Printf("live: %s: reload %s after open: %v", s.userID, counterpartID, err)
	}
	s.notify()
	return v, nil
}

// View returns the open conversation, or nil.
func (s *Session) View() *conversation.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Conversations returns the last loaded conversation list.
func (s *Session) Conversations() []conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Updates signals after each handled event. Signals are coalesced.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Run handles events until ctx is cancelled or the subscription ends.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.sub.C():
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

// Close releases the subscription. It is safe to call more than once.
func (s *Session) Close() { s.sub.Close() }

func (s *Session) handle(ctx context.Context, ev Event) {
	view := s.View()
	switch ev.Kind {
	case EventMessage:
		if view != nil && ev.Message.SenderID == view.Counterpart() {
			view.Apply(ev.Message)
		}
	case EventResync:
		if view != nil {
			if _, err := view.Reload(ctx); err != nil {
				log.Printf("live: %s: reload %s: %v", s.userID, view.Counterpart(), err)
			}
		}
	}
	convs, err := conversation.ListConversations(ctx, s.db, s.userID)
	if err != nil {
		log.Printf("live: %s: refresh conversations: %v", s.userID, err)
	} else {
		s.mu.Lock()
		s.convs = convs
		s.mu.Unlock()
	}
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
