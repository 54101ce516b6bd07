// Package conversation derives threads and conversation lists from the flat
// direct-message log.
//
// Both projections are pure functions of the log: the same rows produce the
// same result regardless of scan order or which process runs them.
package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("message id already used")
	ErrTransport  = errors.New("store unavailable")
)

// Conversation is the derived thread between a user and one counterpart.
type Conversation struct {
	Counterpart string         `json:"counterpart"`
	Last        models.Message `json:"last"`
}

// Project groups msgs by the counterpart of userID and keeps the latest
// message of each group. Conversations are ordered by last message,
// newest first. Rows not involving userID are ignored.
func Project(userID string, msgs []models.Message) []Conversation {
	latest := make(map[string]models.Message)
	for _, m := range msgs {
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		other := m.Counterpart(userID)
		if cur, ok := latest[other]; !ok || cur.Before(m) {
			latest[other] = m
		}
	}
	out := make([]Conversation, 0, len(latest))
	for other, m := range latest {
		out = append(out, Conversation{Counterpart: other, Last: m})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Last.Before(out[i].Last)
	})
	return out
}

// ListConversations scans every message userID sent or received and
// projects it into conversations.
func ListConversations(ctx context.Context, db *gorm.DB, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("conversation: %w: user is required", ErrValidation)
	}
	var msgs []models.Message
	if err := db.WithContext(ctx).
		Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("conversation: %w: list %s: %v", ErrTransport, userID, err)
	}
	return Project(userID, msgs), nil
}

// Cursor is a position in the message total order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of m.
func CursorOf(m models.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Encode returns an opaque token for c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a token produced by Cursor.Encode.
func ParseCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("conversation: %w: cursor: %v", ErrValidation, err)
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("conversation: %w: malformed cursor", ErrValidation)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("conversation: %w: cursor time: %v", ErrValidation, err)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page restricts ListMessages. The zero Page returns the whole thread.
type Page struct {
	After *Cursor // only messages strictly after this position
	Limit int     // 0 means no limit
}

// ListMessages returns the thread between userID and counterpartID in
// ascending total order.
func ListMessages(ctx context.Context, db *gorm.DB, userID, counterpartID string, page Page) ([]models.Message, error) {
	if userID == "" || counterpartID == "" {
		return nil, fmt.Errorf("conversation: %w: user and counterpart are required", ErrValidation)
	}
	q := db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userID, counterpartID, counterpartID, userID)
	if page.After != nil {
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)",
			page.After.CreatedAt, page.After.CreatedAt, page.After.ID)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("conversation: %w: thread %s/%s: %v", ErrTransport, userID, counterpartID, err)
	}
	sortMessages(msgs)
	return msgs, nil
}

// SendOpts holds parameters for Send.
type SendOpts struct {
	ID         string // optional; generated when empty
	SenderID   string
	ReceiverID string
	Content    string
	ListingID  *string
	RequestID  *string
}

// Send validates and appends one message. A failed append is returned
// wrapped in ErrTransport and never retried.
//
// Resending an id that is already stored returns the stored row when it is
// the same message, so a client can confirm a send whose reply it lost.
// Any other message under that id is ErrConflict.
func Send(ctx context.Context, db *gorm.DB, opts SendOpts) (*models.Message, error) {
	msg, err := newMessage(opts)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Create(msg).Error; err != nil {
		return stored(ctx, db, msg, err)
	}
	return msg, nil
}

// stored resolves a failed append of msg against the row already holding
// its id, if any.
func stored(ctx context.Context, db *gorm.DB, msg *models.Message, appendErr error) (*models.Message, error) {
	var existing models.Message
	err := db.WithContext(ctx).Where("id = ?", msg.ID).Take(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: %w: send: %v", ErrTransport, appendErr)
	}
	if existing.SenderID != msg.SenderID || existing.ReceiverID != msg.ReceiverID || existing.Content != msg.Content {
		return nil, fmt.Errorf("conversation: %w: %s", ErrConflict, msg.ID)
	}
	return &existing, nil
}

func newMessage(opts SendOpts) (*models.Message, error) {
	if opts.SenderID == "" {
		return nil, fmt.Errorf("conversation: %w: sender is required", ErrValidation)
	}
	if opts.ReceiverID == "" {
		return nil, fmt.Errorf("conversation: %w: receiver is required", ErrValidation)
	}
	if opts.SenderID == opts.ReceiverID {
		return nil, fmt.Errorf("conversation: %w: cannot message yourself", ErrValidation)
	}
	content := strings.TrimSpace(opts.Content)
	if content == "" {
		return nil, fmt.Errorf("conversation: %w: content is required", ErrValidation)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Message{
		ID:         id,
		SenderID:   opts.SenderID,
		ReceiverID: opts.ReceiverID,
		ListingID:  nonEmpty(opts.ListingID),
		RequestID:  nonEmpty(opts.RequestID),
		Content:    content,
		CreatedAt:  models.Now(),
	}, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
