package server

import (
	"time"

	"github.com/shopspring/decimal"

	"farmtrade/native/deal"
	"farmtrade/services/dealsd/models"
)

type partyView struct {
	Identity    string    `json:"identity"`
	Role        deal.Role `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Location    string    `json:"location,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newPartyView(p *models.Party) partyView {
	return partyView{
		Identity:    p.Identity,
		Role:        p.Role,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Phone:       p.Phone,
		Location:    p.Location,
		Bio:         p.Bio,
		CreatedAt:   p.CreatedAt,
	}
}

type batchView struct {
	ID             string       `json:"id"`
	Seller         string       `json:"seller"`
	Carrier        string       `json:"carrier,omitempty"`
	OriginLabel    string       `json:"origin_label"`
	OriginLat      float64      `json:"origin_lat"`
	OriginLng      float64      `json:"origin_lng"`
	WeightKg       string       `json:"weight_kg"`
	Grade          string       `json:"grade,omitempty"`
	PricePerKg     string       `json:"price_per_kg"`
	ReceiptTokenID string       `json:"receipt_token_id,omitempty"`
	MetadataCID    string       `json:"metadata_cid,omitempty"`
	PhotoCID       string       `json:"photo_cid,omitempty"`
	Custody        deal.Custody `json:"custody"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func newBatchView(b *models.Batch) batchView {
	return batchView{
		ID:             b.ID.String(),
		Seller:         b.Seller,
		Carrier:        b.Carrier,
		OriginLabel:    b.OriginLabel,
		OriginLat:      b.OriginLat,
		OriginLng:      b.OriginLng,
		WeightKg:       b.WeightKg.String(),
		Grade:          b.Grade,
		PricePerKg:     b.PricePerKg.StringFixed(2),
		ReceiptTokenID: b.ReceiptTokenID,
		MetadataCID:    b.MetadataCID,
		PhotoCID:       b.PhotoCID,
		Custody:        b.Custody,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

type signedView struct {
	Buyer   bool `json:"buyer"`
	Seller  bool `json:"seller"`
	Carrier bool `json:"carrier"`
}

type displayView struct {
	Currency string `json:"currency"`
	Total    string `json:"total"`
}

type dealView struct {
	ID                    string       `json:"id"`
	BatchID               string       `json:"batch_id"`
	Buyer                 string       `json:"buyer"`
	Seller                string       `json:"seller"`
	Carrier               string       `json:"carrier,omitempty"`
	Status                deal.Status  `json:"status"`
	SignatureMask         string       `json:"signature_mask"`
	Signed                signedView   `json:"signed"`
	SellerAmount          string       `json:"seller_amount"`
	FreightAmount         *string      `json:"freight_amount,omitempty"`
	PlatformFee           *string      `json:"platform_fee,omitempty"`
	TotalLocked           *string      `json:"total_locked,omitempty"`
	Display               *displayView `json:"display,omitempty"`
	EscrowLockRef         string       `json:"escrow_lock_ref,omitempty"`
	EscrowPayoutRef       string       `json:"escrow_payout_ref,omitempty"`
	SignatureTimeoutHours int          `json:"signature_timeout_hours"`
	SignatureDeadline     *time.Time   `json:"signature_deadline,omitempty"`
	OriginLabel           string       `json:"origin_label,omitempty"`
	DestinationLabel      string       `json:"destination_label,omitempty"`
	DistanceKm            *float64     `json:"distance_km,omitempty"`
	WeightKg              string       `json:"weight_kg"`
	Version               int64        `json:"version"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

func amount(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.StringFixed(2)
	return &s
}

func (s *Server) newDealView(d *models.Deal) dealView {
	mask := d.Mask()
	view := dealView{
		ID:            d.ID.String(),
		BatchID:       d.BatchID.String(),
		Buyer:         d.Buyer,
		Seller:        d.Seller,
		Carrier:       d.Carrier,
		Status:        d.Status,
		SignatureMask: mask.String(),
		Signed: signedView{
			Buyer:   mask.Has(deal.BitBuyer),
			Seller:  mask.Has(deal.BitSeller),
			Carrier: mask.Has(deal.BitCarrier),
		},
		SellerAmount:          d.SellerAmount.StringFixed(2),
		FreightAmount:         amount(d.FreightAmount),
		PlatformFee:           amount(d.PlatformFee),
		TotalLocked:           amount(d.TotalLocked),
		EscrowLockRef:         d.EscrowLockRef,
		EscrowPayoutRef:       d.EscrowPayoutRef,
		SignatureTimeoutHours: d.SignatureTimeoutHours,
		SignatureDeadline:     d.SignatureDeadline,
		OriginLabel:           d.OriginLabel,
		DestinationLabel:      d.DestinationLabel,
		DistanceKm:            d.DistanceKm,
		WeightKg:              d.WeightKg.String(),
		Version:               d.Version,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
	if d.TotalLocked.Valid && s.display.Currency != "" && s.display.Rate.IsPositive() {
		view.Display = &displayView{
			Currency: s.display.Currency,
			Total:    d.TotalLocked.Decimal.Mul(s.display.Rate).StringFixed(2),
		}
	}
	return view
}

func (s *Server) newDealViews(deals []models.Deal) []dealView {
	out := make([]dealView, 0, len(deals))
	for i := range deals {
		out = append(out, s.newDealView(&deals[i]))
	}
	return out
}

type signatureView struct {
	Role      deal.Role `json:"role"`
	Identity  string    `json:"identity"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type eventView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
