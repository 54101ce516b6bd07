package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

// Entry states.
const (
	StateConfirmed = "confirmed"
	StatePending   = "pending"
	StateFailed    = "failed"
)

// Entry is one line of an open conversation.
type Entry struct {
	Message models.Message `json:"message"`
	State   string         `json:"state"`
	Err     string         `json:"error,omitempty"`
}

// View is the in-memory state of one open conversation: confirmed rows
// from the store plus local sends the store has not confirmed yet.
type View struct {
	db          *gorm.DB
	userID      string
	counterpart string

	mu        sync.Mutex
	confirmed map[string]models.Message
	order     []string // confirmed ids in total order
	pending   []*Entry // submit order
}

// OpenView loads the thread between userID and counterpartID.
func OpenView(ctx context.Context, db *gorm.DB, userID, counterpartID string) (*View, error) {
	if db == nil {
		return nil, fmt.Errorf("conversation: db is required")
	}
	v := &View{
		db:          db,
		userID:      userID,
		counterpart: counterpartID,
		confirmed:   make(map[string]models.Message),
	}
	if _, err := v.Reload(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// UserID returns the owner of the view.
func (v *View) UserID() string { return v.userID }

// Counterpart returns the other participant.
func (v *View) Counterpart() string { return v.counterpart }

// Apply adds a confirmed message. It returns false when msg is not part of
// this conversation or is already present. A pending entry with the same
// id is promoted.
func (v *View) Apply(msg models.Message) bool {
	if !msg.Involves(v.userID, v.counterpart) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(msg)
}

func (v *View) applyLocked(msg models.Message) bool {
	for i, p := range v.pending {
		if p.Message.ID == msg.ID {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			break
		}
	}
	if _, ok := v.confirmed[msg.ID]; ok {
		return false
	}
	v.confirmed[msg.ID] = msg
	i := sort.Search(len(v.order), func(i int) bool {
		return msg.Before(v.confirmed[v.order[i]])
	})
	v.order = append(v.order, "")
	copy(v.order[i+1:], v.order[i:])
	v.order[i] = msg.ID
	return true
}

// Reload merges a fresh read of the thread into the view and returns how
// many messages were new.
func (v *View) Reload(ctx context.Context) (int, error) {
	msgs, err := ListMessages(ctx, v.db, v.userID, v.counterpart, Page{})
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if v.applyLocked(m) {
			added++
		}
	}
	return added, nil
}

// Send shows content as pending right away, then appends it. On success
// the pending entry becomes the confirmed row; on failure it is marked
// failed and the error is returned.
func (v *View) Send(ctx context.Context, content string) (*models.Message, error) {
	opts := SendOpts{
		ID:         uuid.NewString(),
		SenderID:   v.userID,
		ReceiverID: v.counterpart,
		Content:    content,
	}
	draft, err := newMessage(opts)
	if err != nil {
		return nil, err
	}
	entry := &Entry{Message: *draft, State: StatePending}
	v.mu.Lock()
	v.pending = append(v.pending, entry)
	v.mu.Unlock()

	msg, err := Send(ctx, v.db, opts)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		entry.State = StateFailed
		entry.Err = err.Error()
		return nil, err
	}
	v.applyLocked(*msg)
	return msg, nil
}

// Discard drops a failed entry so the caller can resend it.
func (v *View) Discard(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, p := range v.pending {
		if p.Message.ID == id && p.State == StateFailed {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns confirmed messages in total order followed by pending
// and failed sends in submit order.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, 0, len(v.order)+len(v.pending))
	for _, id := range v.order {
		out = append(out, Entry{Message: v.confirmed[id], State: StateConfirmed})
	}
	for _, p := range v.pending {
		out = append(out, *p)
	}
	return out
}

// Messages returns the messages of Entries without their state.
func (v *View) Messages() []models.Message {
	entries := v.Entries()
	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Last returns the newest confirmed message, if any.
func (v *View) Last() (models.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.order) == 0 {
		return models.Message{}, false
	}
	return v.confirmed[v.order[len(v.order)-1]], true
}
