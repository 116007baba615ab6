package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/models"
)

// BatchInput carries the provenance of a new batch. Content identifiers are
// stored as given and never interpreted.
type BatchInput struct {
	OriginLabel    string          `json:"origin_label"`
	OriginLat      float64         `json:"origin_lat"`
	OriginLng      float64         `json:"origin_lng"`
	WeightKg       decimal.Decimal `json:"weight_kg"`
	Grade          string          `json:"grade"`
	PricePerKg     decimal.Decimal `json:"price_per_kg"`
	ReceiptTokenID string          `json:"receipt_token_id"`
	MetadataCID    string          `json:"metadata_cid"`
	PhotoCID       string          `json:"photo_cid"`
}

// BatchFilter narrows List results.
type BatchFilter struct {
	Seller string
	Status deal.Custody
	Limit  int
}

// Registry tracks batches and their custody.
type Registry struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry constructs a registry backed by db.
func NewRegistry(db *gorm.DB, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{db: db, now: now, logger: logging.Component(logger, "assets")}
}

// Create lists a new batch owned by seller.
func (r *Registry) Create(ctx context.Context, seller string, in BatchInput) (*models.Batch, error) {
	if seller == "" {
		return nil, fmt.Errorf("%w: seller required", deal.ErrInvalidArgument)
	}
	if !in.WeightKg.IsPositive() {
		return nil, fmt.Errorf("%w: weight must be positive", deal.ErrInvalidArgument)
	}
	if in.PricePerKg.IsNegative() {
		return nil, fmt.Errorf("%w: price per kg must not be negative", deal.ErrInvalidArgument)
	}
	if in.OriginLat < -90 || in.OriginLat > 90 || in.OriginLng < -180 || in.OriginLng > 180 {
		return nil, fmt.Errorf("%w: origin coordinates out of range", deal.ErrInvalidArgument)
	}
	now := r.now().UTC()
	batch := models.Batch{
		ID:             uuid.New(),
		Seller:         seller,
		OriginLabel:    strings.TrimSpace(in.OriginLabel),
		OriginLat:      in.OriginLat,
		OriginLng:      in.OriginLng,
		WeightKg:       in.WeightKg,
		Grade:          strings.TrimSpace(in.Grade),
		PricePerKg:     in.PricePerKg.Round(deal.MoneyPlaces),
		ReceiptTokenID: strings.TrimSpace(in.ReceiptTokenID),
		MetadataCID:    strings.TrimSpace(in.MetadataCID),
		PhotoCID:       strings.TrimSpace(in.PhotoCID),
		Custody:        deal.CustodyListed,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		return tx.Create(&models.Event{
			ID:        uuid.New(),
			BatchID:   &batch.ID,
			Type:      deal.EventTypeBatchListed,
			Actor:     seller,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("batch listed", slog.String("batch_id", batch.ID.String()))
	return &batch, nil
}

// Get returns the batch with id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	var b models.Batch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch %s", deal.ErrNotFound, id)
		}
		return nil, err
	}
	return &b, nil
}

// List returns batches matching filter, newest first.
func (r *Registry) List(ctx context.Context, filter BatchFilter) ([]models.Batch, error) {
	q := r.db.WithContext(ctx).Model(&models.Batch{})
	if filter.Seller != "" {
		q = q.Where("seller = ?", filter.Seller)
	}
	if filter.Status != "" {
		q = q.Where("custody = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Batch
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Move advances the in-memory custody of b, rejecting transitions the custody
// machine does not allow. The caller persists the batch.
func Move(b *models.Batch, next deal.Custody) error {
	if b == nil {
		return fmt.Errorf("%w: batch missing", deal.ErrNotFound)
	}
	if b.Custody == next {
		return nil
	}
	if err := deal.ValidateCustodyTransition(b.Custody, next); err != nil {
		return fmt.Errorf("batch %s: %w", b.ID, err)
	}
	b.Custody = next
	return nil
}

// AssignCarrier binds carrier to b. The binding is write-once.
func AssignCarrier(b *models.Batch, carrier string) error {
	if b.Carrier != "" && b.Carrier != carrier {
		return fmt.Errorf("%w: batch %s carried by another party", deal.ErrAlreadyAssigned, b.ID)
	}
	b.Carrier = carrier
	return nil
}
