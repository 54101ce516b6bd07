// Package request provides NGO request lifecycle operations.
//
// Only the owning NGO changes a request's fields. The pledged total is not
// writable here: it belongs to the pledge ledger.
package request

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/donorlink/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no request has the given id.
	ErrNotFound = errors.New("request: not found")
	// ErrNotOwner is returned when a caller other than the owning NGO mutates a request.
	ErrNotOwner = errors.New("request: caller does not own request")
	// ErrInvalid wraps every input validation failure.
	ErrInvalid = errors.New("request: invalid input")
)

// CreateOpts holds parameters for creating a new request.
type CreateOpts struct {
	NGOID          string
	Title          string
	ItemName       string
	Description    string
	Category       string
	QuantityNeeded int
	Urgent         bool
}

// UpdateOpts holds the fields an owner may change. Nil fields are left as is.
type UpdateOpts struct {
	Title          *string
	ItemName       *string
	Description    *string
	Category       *string
	QuantityNeeded *int
	Urgent         *bool
	Status         *string
}

// Create creates a new active request with a generated ID.
func Create(db *gorm.DB, opts CreateOpts) (*models.Request, error) {
	if strings.TrimSpace(opts.NGOID) == "" {
		return nil, fmt.Errorf("%w: ngo id is required", ErrInvalid)
	}
	if strings.TrimSpace(opts.ItemName) == "" {
		return nil, fmt.Errorf("%w: item name is required", ErrInvalid)
	}
	if opts.QuantityNeeded < 1 {
		return nil, fmt.Errorf("%w: quantity needed must be at least 1, got %d", ErrInvalid, opts.QuantityNeeded)
	}
	if opts.Category == "" {
		opts.Category = "other"
	}
	if opts.Title == "" {
		opts.Title = opts.ItemName
	}

	now := models.Now()
	req := models.Request{
		ID:             uuid.NewString(),
		NGOID:          opts.NGOID,
		Title:          opts.Title,
		ItemName:       opts.ItemName,
		Description:    opts.Description,
		Category:       opts.Category,
		QuantityNeeded: opts.QuantityNeeded,
		IsUrgent:       opts.Urgent,
		Status:         models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.Create(&req).Error; err != nil {
		return nil, fmt.Errorf("request: create: %w", err)
	}
	return &req, nil
}

// Get retrieves a request by ID.
func Get(db *gorm.DB, id string) (*models.Request, error) {
	var req models.Request
	if err := db.Where("id = ?", id).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("request: get %s: %w", id, err)
	}
	return &req, nil
}

// Update applies owner edits. QuantityNeeded may not drop below the amount
// already pledged, since pledges are never retracted.
func Update(db *gorm.DB, id, ngoID string, opts UpdateOpts) (*models.Request, error) {
	req, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	if req.NGOID != ngoID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}

	updates := map[string]interface{}{}
	if opts.Title != nil {
		updates["title"] = *opts.Title
	}
	if opts.ItemName != nil {
		if strings.TrimSpace(*opts.ItemName) == "" {
			return nil, fmt.Errorf("%w: item name is required", ErrInvalid)
		}
		updates["item_name"] = *opts.ItemName
	}
	if opts.Description != nil {
		updates["description"] = *opts.Description
	}
	if opts.Category != nil {
		updates["category"] = *opts.Category
	}
	if opts.Urgent != nil {
		updates["is_urgent"] = *opts.Urgent
	}
	if opts.Status != nil {
		if !models.IsValidStatus(*opts.Status) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, *opts.Status)
		}
		updates["status"] = *opts.Status
	}
	if opts.QuantityNeeded != nil {
		n := *opts.QuantityNeeded
		if n < 1 {
			return nil, fmt.Errorf("%w: quantity needed must be at least 1, got %d", ErrInvalid, n)
		}
		pledged, err := pledgedTotal(db, id)
		if err != nil {
			return nil, err
		}
		if n < pledged {
			return nil, fmt.Errorf("%w: quantity needed %d is below %d already pledged", ErrInvalid, n, pledged)
		}
		updates["quantity_needed"] = n
	}
	if len(updates) == 0 {
		return req, nil
	}
	updates["updated_at"] = models.Now()

	if err := db.Model(&models.Request{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("request: update %s: %w", id, err)
	}
	return Get(db, id)
}

// Delete removes a request and its pledges. Only the owning NGO may delete.
func Delete(db *gorm.DB, id, ngoID string) error {
	req, err := Get(db, id)
	if err != nil {
		return err
	}
	if req.NGOID != ngoID {
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("request_id = ?", id).Delete(&models.Pledge{}).Error; err != nil {
			return fmt.Errorf("request: delete pledges of %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&models.Request{}).Error; err != nil {
			return fmt.Errorf("request: delete %s: %w", id, err)
		}
		return nil
	})
}

// ListByNGO returns an NGO's requests, newest first.
func ListByNGO(db *gorm.DB, ngoID string) ([]models.Request, error) {
	var reqs []models.Request
	if err := db.Where("ngo_id = ?", ngoID).Order("created_at DESC").Order("id DESC").Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("request: list for %s: %w", ngoID, err)
	}
	return reqs, nil
}

// ListByStatus returns requests in the given status, urgent first then newest.
func ListByStatus(db *gorm.DB, status string) ([]models.Request, error) {
	var reqs []models.Request
	if err := db.Where("status = ?", status).
		Order("is_urgent DESC").Order("created_at DESC").Order("id DESC").
		Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("request: list %s: %w", status, err)
	}
	return reqs, nil
}

func pledgedTotal(db *gorm.DB, id string) (int, error) {
	var total int
	if err := db.Model(&models.Pledge{}).Where("request_id = ?", id).
		Select("COALESCE(SUM(amount), 0)").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("request: pledged total %s: %w", id, err)
	}
	return total, nil
}
