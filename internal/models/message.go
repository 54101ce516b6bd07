package models

import "time"

// Message is one immutable entry in the direct-message log.
type Message struct {
	Seq        uint      `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID         string    `gorm:"size:36;not null;uniqueIndex" json:"id"`
	SenderID   string    `gorm:"size:64;not null;index" json:"sender_id"`
	ReceiverID string    `gorm:"size:64;not null;index" json:"receiver_id"`
	ListingID  *string   `gorm:"size:36" json:"listing_id,omitempty"`
	RequestID  *string   `gorm:"size:36" json:"request_id,omitempty"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// Cursor returns the store arrival position used by change feeds.
func (m Message) Cursor() uint { return m.Seq }

// Before reports whether m precedes o in the message total order:
// created_at first, then id to break ties.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Counterpart returns the participant of m that is not userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether m was exchanged between a and b, in either direction.
func (m Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Now returns the current UTC time truncated to the precision every
// supported store keeps, so ordering survives a round trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
