package models

import "time"

// Request lifecycle statuses.
const (
	StatusActive        = "active"
	StatusPendingPickup = "pending_pickup"
	StatusCollected     = "collected"
)

// ValidStatuses lists every lifecycle status a Request may hold.
var ValidStatuses = []string{StatusActive, StatusPendingPickup, StatusCollected}

// Request is an NGO's quantified need for an item.
//
// QuantityPledged is a cached copy of the pledge log sum. It is rewritten
// from the log after every append and by the reconcile sweep; readers that
// need the authoritative value fold the log instead.
type Request struct {
	Seq             uint      `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID              string    `gorm:"size:36;not null;uniqueIndex" json:"id"`
	NGOID           string    `gorm:"column:ngo_id;size:64;not null;index" json:"ngo_id"`
	Title           string    `gorm:"size:256" json:"title"`
	ItemName        string    `gorm:"size:128;not null" json:"item_name"`
	Description     string    `gorm:"type:text" json:"description"`
	Category        string    `gorm:"size:32;default:other" json:"category"`
	QuantityNeeded  int       `gorm:"not null" json:"quantity_needed"`
	QuantityPledged int       `gorm:"not null;default:0" json:"quantity_pledged"`
	IsUrgent        bool      `gorm:"default:false" json:"is_urgent"`
	Status          string    `gorm:"size:16;default:active;index" json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `gorm:"index" json:"updated_at"`
}

// IsValidStatus reports whether s is a known lifecycle status.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}
