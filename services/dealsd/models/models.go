package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"farmtrade/native/deal"
)

// ErrStaleVersion is returned when a version-guarded update matched no row
// because another writer committed first.
var ErrStaleVersion = errors.New("models: stale version")

// Party is a registered participant keyed by its lowercase wallet address.
type Party struct {
	Identity    string    `gorm:"primaryKey;size:42"`
	Role        deal.Role `gorm:"size:16;index"`
	DisplayName string    `gorm:"size:128"`
	Email       string    `gorm:"size:255"`
	Phone       string    `gorm:"size:32"`
	Location    string    `gorm:"size:255"`
	Bio         string    `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Batch is a physical unit of goods listed by a seller. Provenance fields are
// immutable after creation; custody and carrier move with the deal.
type Batch struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Seller         string          `gorm:"size:42;index;not null"`
	Carrier        string          `gorm:"size:42;index"`
	OriginLabel    string          `gorm:"size:255"`
	OriginLat      float64         `gorm:"not null;default:0"`
	OriginLng      float64         `gorm:"not null;default:0"`
	WeightKg       decimal.Decimal `gorm:"type:numeric(20,3);not null"`
	Grade          string          `gorm:"size:32"`
	PricePerKg     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	ReceiptTokenID string          `gorm:"size:128"`
	MetadataCID    string          `gorm:"size:128"`
	PhotoCID       string          `gorm:"size:128"`
	Custody        deal.Custody    `gorm:"size:16;index;not null"`
	Version        int64           `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Deal is a buyer's commitment against a batch.
type Deal struct {
	ID                    uuid.UUID           `gorm:"type:uuid;primaryKey"`
	BatchID               uuid.UUID           `gorm:"type:uuid;index;not null"`
	Buyer                 string              `gorm:"size:42;index;not null"`
	Seller                string              `gorm:"size:42;index;not null"`
	Carrier               string              `gorm:"size:42;index"`
	SellerAmount          decimal.Decimal     `gorm:"type:numeric(20,2);not null"`
	FreightAmount         decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	PlatformFee           decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	TotalLocked           decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	SignatureMask         uint8               `gorm:"not null;default:0"`
	Status                deal.Status         `gorm:"size:32;index;not null"`
	EscrowLockRef         string              `gorm:"size:256"`
	EscrowPayoutRef       string              `gorm:"size:256"`
	SignatureTimeoutHours int                 `gorm:"not null"`
	SignatureDeadline     *time.Time          `gorm:"index"`
	OriginLabel           string              `gorm:"size:255"`
	DestinationLabel      string              `gorm:"size:255"`
	DestinationLat        *float64
	DestinationLng        *float64
	DistanceKm            *float64
	WeightKg              decimal.Decimal `gorm:"type:numeric(20,3)"`
	Version               int64           `gorm:"not null;default:1"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Mask returns the signature bitmask.
func (d *Deal) Mask() deal.Mask { return deal.Mask(d.SignatureMask) }

// Breakdown returns the monetary split.
func (d *Deal) Breakdown() deal.Breakdown {
	return deal.Breakdown{Seller: d.SellerAmount, Freight: d.FreightAmount, PlatformFee: d.PlatformFee}
}

// SetBreakdown stores b and recomputes TotalLocked so the sum invariant holds
// after every mutation.
func (d *Deal) SetBreakdown(b deal.Breakdown) {
	d.SellerAmount = b.Seller
	d.FreightAmount = b.Freight
	d.PlatformFee = b.PlatformFee
	if total, ok := b.Total(); ok {
		d.TotalLocked = decimal.NewNullDecimal(total)
	} else {
		d.TotalLocked = decimal.NullDecimal{}
	}
}

// PayoutRecorded reports whether the escrow payout reference is present.
func (d *Deal) PayoutRecorded() bool { return d.EscrowPayoutRef != "" }

// Counterpart returns the identity bound to role on this deal.
func (d *Deal) Counterpart(role deal.Role) string {
	switch role {
	case deal.RoleBuyer:
		return d.Buyer
	case deal.RoleSeller:
		return d.Seller
	case deal.RoleCarrier:
		return d.Carrier
	default:
		return ""
	}
}

// Signature is the append-only acknowledgement audit record.
type Signature struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Role      deal.Role `gorm:"size:16;not null"`
	Identity  string    `gorm:"size:42;not null"`
	Reference string    `gorm:"size:256"`
	CreatedAt time.Time
}

// Event is the deal audit trail.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DealID    *uuid.UUID `gorm:"type:uuid;index"`
	BatchID   *uuid.UUID `gorm:"type:uuid;index"`
	Type      string     `gorm:"size:64;index"`
	Actor     string     `gorm:"size:42"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:192"`
	Identity  string `gorm:"size:42"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Party{},
		&Batch{},
		&Deal{},
		&Signature{},
		&Event{},
		&IdempotencyKey{},
	)
}
