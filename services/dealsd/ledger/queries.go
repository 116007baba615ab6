package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/services/dealsd/models"
)

// DealFilter narrows List results. Zero fields are ignored.
type DealFilter struct {
	Buyer   string
	Seller  string
	Carrier string
	// OpenForCarriers selects deals still waiting for a carrier.
	OpenForCarriers bool
	Status          deal.Status
	Limit           int
}

// Get returns the deal with id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	var d models.Deal
	if err := l.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: deal %s", deal.ErrNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// List returns deals matching filter, newest first.
func (l *Ledger) List(ctx context.Context, filter DealFilter) ([]models.Deal, error) {
	q := l.db.WithContext(ctx).Model(&models.Deal{})
	if filter.Buyer != "" {
		q = q.Where("buyer = ?", filter.Buyer)
	}
	if filter.Seller != "" {
		q = q.Where("seller = ?", filter.Seller)
	}
	if filter.Carrier != "" {
		q = q.Where("carrier = ?", filter.Carrier)
	}
	if filter.OpenForCarriers {
		q = q.Where("status = ? AND carrier = ?", deal.StatusPendingCarrier, "")
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Deal
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Signatures returns the acknowledgement audit records of a deal in arrival order.
func (l *Ledger) Signatures(ctx context.Context, dealID uuid.UUID) ([]models.Signature, error) {
	var out []models.Signature
	err := l.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// Events returns the audit trail of a deal in arrival order.
func (l *Ledger) Events(ctx context.Context, dealID uuid.UUID) ([]models.Event, error) {
	var out []models.Event
	err := l.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// HasOpenDeal reports whether any non-terminal deal references the batch.
func HasOpenDeal(tx *gorm.DB, batchID uuid.UUID) (bool, error) {
	var count int64
	err := tx.Model(&models.Deal{}).
		Where("batch_id = ? AND status NOT IN ?", batchID, deal.TerminalStatuses()).
		Count(&count).Error
	return count > 0, err
}

// PastDeadline returns the ids of deals still collecting signatures whose
// deadline is before now.
func (l *Ledger) PastDeadline(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := l.db.WithContext(ctx).Model(&models.Deal{}).
		Where("status = ? AND signature_deadline IS NOT NULL AND signature_deadline < ?", deal.StatusPendingSignatures, now.UTC()).
		Order("signature_deadline ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// IdleSince returns deals in status that have not changed since before.
func (l *Ledger) IdleSince(ctx context.Context, status deal.Status, before time.Time) ([]models.Deal, error) {
	var out []models.Deal
	err := l.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}
