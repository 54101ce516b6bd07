package models

import "time"

// Pledge is a donor's commitment of a quantity against a Request.
// Pledges are append-only: once written they are never updated.
type Pledge struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID        string    `gorm:"size:36;not null;uniqueIndex" json:"id"`
	RequestID string    `gorm:"size:36;not null;index" json:"request_id"`
	UserID    string    `gorm:"size:64;not null;index" json:"user_id"`
	Amount    int       `gorm:"not null" json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Cursor returns the store arrival position used by change feeds.
func (p Pledge) Cursor() uint { return p.Seq }
