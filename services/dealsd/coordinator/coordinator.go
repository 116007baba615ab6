package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"farmtrade/native/deal"
	"farmtrade/observability"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/assets"
	"farmtrade/services/dealsd/directory"
	"farmtrade/services/dealsd/escrow"
	"farmtrade/services/dealsd/ledger"
	"farmtrade/services/dealsd/models"
	"farmtrade/services/dealsd/pricing"
	"farmtrade/services/dealsd/sweeper"
)

// MaxTimeoutHours bounds per-deal signature windows and extensions.
const MaxTimeoutHours = 24 * 90

// RoleResolver maps an identity onto the role it currently holds.
type RoleResolver interface {
	ResolveRole(ctx context.Context, identity string) (deal.Role, bool, error)
}

// FreightQuoter prices the carrier leg of a deal.
type FreightQuoter interface {
	QuoteFreight(ctx context.Context, route pricing.Route) (pricing.Quote, error)
}

// Settings are the lifecycle defaults applied to new deals.
type Settings struct {
	SignatureTimeoutHours int
	PlatformFeeRate       decimal.Decimal
}

// Config wires the coordinator's collaborators.
type Config struct {
	Ledger   *ledger.Ledger
	Assets   *assets.Registry
	Parties  RoleResolver
	Sweeper  *sweeper.Sweeper
	Quoter   FreightQuoter
	Settings Settings
	Logger   *slog.Logger
	Metrics  *observability.DealMetrics
	Tracer   trace.Tracer
}

// Coordinator orchestrates deal transitions together with the custody of the
// paired batch. Every mutation is authorised by the same gate and applied in a
// single ledger transaction.
type Coordinator struct {
	ledger   *ledger.Ledger
	assets   *assets.Registry
	parties  RoleResolver
	sweeper  *sweeper.Sweeper
	quoter   FreightQuoter
	settings Settings
	logger   *slog.Logger
	metrics  *observability.DealMetrics
	tracer   trace.Tracer
}

// New constructs a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("coordinator: ledger required")
	}
	if cfg.Assets == nil {
		return nil, fmt.Errorf("coordinator: asset registry required")
	}
	if cfg.Parties == nil {
		return nil, fmt.Errorf("coordinator: party directory required")
	}
	settings := cfg.Settings
	if settings.SignatureTimeoutHours <= 0 {
		settings.SignatureTimeoutHours = 24
	}
	if settings.PlatformFeeRate.IsZero() {
		settings.PlatformFeeRate = deal.DefaultPlatformFeeRate
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("farmtrade/coordinator")
	}
	return &Coordinator{
		ledger:   cfg.Ledger,
		assets:   cfg.Assets,
		parties:  cfg.Parties,
		sweeper:  cfg.Sweeper,
		quoter:   cfg.Quoter,
		settings: settings,
		logger:   logging.Component(cfg.Logger, "coordinator"),
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}, nil
}

func (c *Coordinator) begin(ctx context.Context, op Operation, dealID uuid.UUID) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "coordinator."+string(op))
	if dealID != uuid.Nil {
		span.SetAttributes(attribute.String("deal.id", dealID.String()))
	}
	return ctx, func(errp *error) {
		err := *errp
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveOperation(string(op), time.Since(start), err)
	}
}

// resolve turns an identity into an Actor. Unknown identities are rejected
// through the same gate so the attempt is logged.
func (c *Coordinator) resolve(ctx context.Context, op Operation, identity string) (Actor, error) {
	id, err := directory.NormalizeIdentity(identity)
	if err != nil {
		return Actor{}, err
	}
	role, ok, err := c.parties.ResolveRole(ctx, id)
	if err != nil {
		return Actor{}, err
	}
	actor := Actor{Identity: id, Role: role}
	if !ok {
		return actor, c.authorize(op, actor, nil)
	}
	return actor, nil
}

// mutate runs fn on deal id behind the authorization gate and keeps the batch
// custody in step with whatever status fn produced.
func (c *Coordinator) mutate(ctx context.Context, op Operation, actor Actor, id uuid.UUID, fn func(*ledger.Txn) error) (*models.Deal, error) {
	var from, to deal.Status
	d, err := c.ledger.Update(ctx, id, actor.Identity, func(txn *ledger.Txn) error {
		if err := c.authorize(op, actor, txn.Deal); err != nil {
			return err
		}
		from = txn.Deal.Status
		if err := fn(txn); err != nil {
			return err
		}
		to = txn.Deal.Status
		if err := syncCustody(txn); err != nil {
			return err
		}
		if ev, ok := deal.StatusChangeEvent(txn.Deal.ID.String(), from, to, txn.Now); ok {
			txn.Emit(ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTransition(string(from), string(to))
	if from != to {
		c.logger.Info("deal transitioned",
			slog.String("deal_id", d.ID.String()),
			slog.String("operation", string(op)),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	}
	return d, nil
}

// syncCustody moves the batch to the custody implied by the deal. A rejected
// move fails the whole mutation.
func syncCustody(txn *ledger.Txn) error {
	current := txn.Batch.Custody
	target, changed := deal.CustodyAfter(current, txn.Deal.Mask(), txn.Deal.Status)
	if !changed {
		return nil
	}
	if err := assets.Move(txn.Batch, target); err != nil {
		return err
	}
	txn.TouchBatch()
	txn.Emit(deal.Event{
		Type:       deal.EventTypeCustodyChanged,
		Attributes: map[string]string{"from": string(current), "to": string(target)},
	})
	return nil
}

// ListBatch registers a batch for the acting seller.
func (c *Coordinator) ListBatch(ctx context.Context, identity string, in assets.BatchInput) (batch *models.Batch, err error) {
	ctx, done := c.begin(ctx, OpListBatch, uuid.Nil)
	defer done(&err)
	actor, err := c.resolve(ctx, OpListBatch, identity)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(OpListBatch, actor, nil); err != nil {
		return nil, err
	}
	return c.assets.Create(ctx, actor.Identity, in)
}

// CreateDealInput describes a buyer's commitment.
type CreateDealInput struct {
	BatchID      uuid.UUID
	SellerAmount decimal.Decimal
	// FreightAmount is optional; when absent and Destination is set it is
	// quoted once from the pricing oracle.
	FreightAmount *decimal.Decimal
	// PlatformFee defaults to the configured rate applied to SellerAmount.
	PlatformFee *decimal.Decimal
	// Carrier pre-assigns a carrier, skipping PENDING_CARRIER.
	Carrier               string
	SignatureTimeoutHours int
	OriginLabel           string
	DestinationLabel      string
	Destination           *pricing.Point
	WeightKg              decimal.Decimal
}

// CreateDeal opens a deal against a LISTED batch and locks the batch.
func (c *Coordinator) CreateDeal(ctx context.Context, identity string, in CreateDealInput) (out *models.Deal, err error) {
	ctx, done := c.begin(ctx, OpCreateDeal, uuid.Nil)
	defer done(&err)

	actor, err := c.resolve(ctx, OpCreateDeal, identity)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(OpCreateDeal, actor, nil); err != nil {
		return nil, err
	}
	if in.BatchID == uuid.Nil {
		return nil, fmt.Errorf("%w: batch id required", deal.ErrInvalidArgument)
	}
	if !in.SellerAmount.IsPositive() {
		return nil, fmt.Errorf("%w: seller amount must be positive", deal.ErrInvalidArgument)
	}
	hours := in.SignatureTimeoutHours
	if hours == 0 {
		hours = c.settings.SignatureTimeoutHours
	}
	if hours < 0 || hours > MaxTimeoutHours {
		return nil, fmt.Errorf("%w: signature timeout must be within 1..%d hours", deal.ErrInvalidArgument, MaxTimeoutHours)
	}
	if in.Destination != nil && !in.Destination.Valid() {
		return nil, fmt.Errorf("%w: destination coordinates out of range", deal.ErrInvalidArgument)
	}

	carrier := ""
	if strings.TrimSpace(in.Carrier) != "" {
		carrier, err = c.requireRole(ctx, in.Carrier, deal.RoleCarrier)
		if err != nil {
			return nil, err
		}
	}

	breakdown := deal.Breakdown{Seller: in.SellerAmount.Round(deal.MoneyPlaces)}
	if in.PlatformFee != nil {
		breakdown.PlatformFee = decimal.NewNullDecimal(in.PlatformFee.Round(deal.MoneyPlaces))
	} else {
		breakdown.PlatformFee = decimal.NewNullDecimal(deal.PlatformFeeFor(breakdown.Seller, c.settings.PlatformFeeRate))
	}
	var distance *float64
	if in.FreightAmount != nil {
		if breakdown, err = breakdown.WithFreight(*in.FreightAmount); err != nil {
			return nil, err
		}
	} else if in.Destination != nil {
		quote, ok, err := c.quote(ctx, in.BatchID, *in.Destination)
		if err != nil {
			return nil, err
		}
		if ok {
			if breakdown, err = breakdown.WithFreight(quote.Amount); err != nil {
				return nil, err
			}
			distance = &quote.DistanceKm
		}
	}
	if err := breakdown.Validate(); err != nil {
		return nil, err
	}
	if carrier != "" && !breakdown.Freight.Valid {
		return nil, fmt.Errorf("%w: freight amount required when a carrier is pre-assigned", deal.ErrInvalidArgument)
	}

	return c.ledger.Open(ctx, in.BatchID, actor.Identity, func(txn *ledger.Txn) error {
		b := txn.Batch
		if b.Custody != deal.CustodyListed {
			return fmt.Errorf("%w: batch %s is %s", deal.ErrAssetUnavailable, b.ID, b.Custody)
		}
		open, err := ledger.HasOpenDeal(txn.DB(), b.ID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: batch %s already has an open deal", deal.ErrAssetUnavailable, b.ID)
		}
		d := &models.Deal{
			ID:                    uuid.New(),
			BatchID:               b.ID,
			Buyer:                 actor.Identity,
			Seller:                b.Seller,
			Status:                deal.StatusPendingCarrier,
			SignatureTimeoutHours: hours,
			OriginLabel:           firstNonEmpty(in.OriginLabel, b.OriginLabel),
			DestinationLabel:      strings.TrimSpace(in.DestinationLabel),
			DistanceKm:            distance,
			WeightKg:              in.WeightKg,
		}
		if in.Destination != nil {
			lat, lng := in.Destination.Lat, in.Destination.Lng
			d.DestinationLat, d.DestinationLng = &lat, &lng
		}
		if d.WeightKg.IsZero() {
			d.WeightKg = b.WeightKg
		}
		d.Carrier = carrier
		if err := c.authorize(OpCreateDeal, actor, d); err != nil {
			return err
		}
		d.SetBreakdown(breakdown)
		if err := assets.Move(b, deal.CustodyLocked); err != nil {
			return err
		}
		if carrier != "" {
			if err := assets.AssignCarrier(b, carrier); err != nil {
				return err
			}
			if d.Status, err = deal.AcceptCarrier(d.Status); err != nil {
				return err
			}
		}
		txn.TouchBatch()
		txn.Deal = d
		attrs := map[string]string{
			"buyer":        d.Buyer,
			"seller":       d.Seller,
			"sellerAmount": d.SellerAmount.StringFixed(deal.MoneyPlaces),
			"status":       string(d.Status),
		}
		if d.TotalLocked.Valid {
			attrs["totalLocked"] = d.TotalLocked.Decimal.StringFixed(deal.MoneyPlaces)
		}
		if carrier != "" {
			attrs["carrier"] = carrier
		}
		txn.Emit(deal.Event{Type: deal.EventTypeDealCreated, Attributes: attrs})
		txn.Emit(deal.Event{
			Type:       deal.EventTypeCustodyChanged,
			Attributes: map[string]string{"from": string(deal.CustodyListed), "to": string(deal.CustodyLocked)},
		})
		return nil
	})
}

// AcceptCarrier binds the acting carrier to the deal. freight may be nil when
// the amount was quoted at creation or can be quoted now.
func (c *Coordinator) AcceptCarrier(ctx context.Context, identity string, dealID uuid.UUID, freight *decimal.Decimal) (out *models.Deal, err error) {
	ctx, done := c.begin(ctx, OpAcceptCarrier, dealID)
	defer done(&err)

	actor, err := c.resolve(ctx, OpAcceptCarrier, identity)
	if err != nil {
		return nil, err
	}

	// Quote outside the transaction so no row lock is held across the oracle call.
	var quoted *pricing.Quote
	if freight == nil {
		current, err := c.ledger.Get(ctx, dealID)
		if err != nil {
			return nil, err
		}
		if !current.FreightAmount.Valid && current.DestinationLat != nil && current.DestinationLng != nil {
			q, ok, err := c.quote(ctx, current.BatchID, pricing.Point{Lat: *current.DestinationLat, Lng: *current.DestinationLng})
			if err != nil {
				return nil, err
			}
			if ok {
				quoted = &q
			}
		}
	}

	return c.mutate(ctx, OpAcceptCarrier, actor, dealID, func(txn *ledger.Txn) error {
		d := txn.Deal
		if d.Carrier != "" {
			return fmt.Errorf("%w: deal %s", deal.ErrAlreadyAssigned, d.ID)
		}
		next, err := deal.AcceptCarrier(d.Status)
		if err != nil {
			return err
		}
		breakdown := d.Breakdown()
		switch {
		case freight != nil:
			breakdown, err = breakdown.WithFreight(*freight)
		case !breakdown.Freight.Valid && quoted != nil:
			breakdown, err = breakdown.WithFreight(quoted.Amount)
			d.DistanceKm = &quoted.DistanceKm
		}
		if err != nil {
			return err
		}
		if !breakdown.Freight.Valid {
			return fmt.Errorf("%w: freight amount required", deal.ErrInvalidArgument)
		}
		if !breakdown.PlatformFee.Valid {
			breakdown.PlatformFee = decimal.NewNullDecimal(deal.PlatformFeeFor(breakdown.Seller, c.settings.PlatformFeeRate))
		}
		if err := assets.AssignCarrier(txn.Batch, actor.Identity); err != nil {
			return err
		}
		txn.TouchBatch()
		d.Carrier = actor.Identity
		d.SetBreakdown(breakdown)
		d.Status = next
		txn.Emit(deal.Event{
			Type: deal.EventTypeCarrierAccepted,
			Attributes: map[string]string{
				"carrier":     actor.Identity,
				"freight":     d.FreightAmount.Decimal.StringFixed(deal.MoneyPlaces),
				"totalLocked": d.TotalLocked.Decimal.StringFixed(deal.MoneyPlaces),
			},
		})
		return nil
	})
}

// Sign records the acting party's acknowledgement for its own role bit.
// reference is an optional external receipt (for example a transaction hash)
// kept on the audit record only.
func (c *Coordinator) Sign(ctx context.Context, identity string, dealID uuid.UUID, reference string) (out *models.Deal, err error) {
	ctx, done := c.begin(ctx, OpSign, dealID)
	defer done(&err)

	actor, err := c.resolve(ctx, OpSign, identity)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, OpSign, actor, dealID, func(txn *ledger.Txn) error {
		d := txn.Deal
		mask, status, err := deal.AdvanceWithPayout(d.Mask(), d.Status, actor.Role, d.PayoutRecorded())
		if err != nil {
			return err
		}
		d.SignatureMask = uint8(mask)
		d.Status = status
		txn.AppendSignature(actor.Role, actor.Identity, strings.TrimSpace(reference))
		txn.Emit(deal.Event{
			Type: deal.EventTypeSigned,
			Attributes: map[string]string{
				"role": string(actor.Role),
				"mask": mask.String(),
			},
		})
		return nil
	})
}

// RecordLock stores the external fund-lock reference.
func (c *Coordinator) RecordLock(ctx context.Context, identity string, dealID uuid.UUID, ref string) (out *models.Deal, err error) {
	ctx, done := c.begin(ctx, OpRecordLock, dealID)
	defer done(&err)

	actor, err := c.resolve(ctx, OpRecordLock, identity)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, OpRecordLock, actor, dealID, func(txn *ledger.Txn) error {
		return escrow.ApplyLock(txn, ref)
	})
}

// RecordPayout stores the external fund-release reference.
func (c *Coordinator) RecordPayout(ctx context.Context, identity string, dealID uuid.UUID, ref string) (out *models.Deal, err error) {
	ctx, done := c.begin(ctx, OpRecordPayout, dealID)
	defer done(&err)

	actor, err := c.resolve(ctx, OpRecordPayout, identity)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, OpRecordPayout, actor, dealID, func(txn *ledger.Txn) error {
		return escrow.ApplyPayout(txn, ref)
	})
}

// ExtendDeadline re-sets the signature deadline to now + hours.
func (c *Coordinator) ExtendDeadline(ctx context.Context, identity string, dealID uuid.UUID, hours int) (out *models.Deal, err error) {
	ctx, done := c.begin(ctx, OpExtendDeadline, dealID)
	defer done(&err)

	if hours <= 0 || hours > MaxTimeoutHours {
		return nil, fmt.Errorf("%w: hours must be within 1..%d", deal.ErrInvalidArgument, MaxTimeoutHours)
	}
	actor, err := c.resolve(ctx, OpExtendDeadline, identity)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, OpExtendDeadline, actor, dealID, func(txn *ledger.Txn) error {
		d := txn.Deal
		if d.Status.Terminal() {
			return fmt.Errorf("%w: deal is %s", deal.ErrInvalidState, d.Status)
		}
		deadline := txn.Now.Add(time.Duration(hours) * time.Hour)
		d.SignatureDeadline = &deadline
		txn.Emit(deal.Event{
			Type: deal.EventTypeDeadlineExtended,
			Attributes: map[string]string{
				"hours":    fmt.Sprintf("%d", hours),
				"deadline": deadline.Format(time.RFC3339),
			},
		})
		return nil
	})
}

// Sweep runs the timeout sweeper on behalf of an operator.
func (c *Coordinator) Sweep(ctx context.Context, identity string, now time.Time) (ids []uuid.UUID, err error) {
	ctx, done := c.begin(ctx, OpSweep, uuid.Nil)
	defer done(&err)

	if c.sweeper == nil {
		return nil, fmt.Errorf("coordinator: sweeper not configured")
	}
	actor, err := c.resolve(ctx, OpSweep, identity)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(OpSweep, actor, nil); err != nil {
		return nil, err
	}
	return c.sweeper.Sweep(ctx, now)
}

// Deal returns a deal by id.
func (c *Coordinator) Deal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return c.ledger.Get(ctx, id)
}

// Deals lists deals.
func (c *Coordinator) Deals(ctx context.Context, filter ledger.DealFilter) ([]models.Deal, error) {
	return c.ledger.List(ctx, filter)
}

// Signatures returns the acknowledgement history of a deal.
func (c *Coordinator) Signatures(ctx context.Context, id uuid.UUID) ([]models.Signature, error) {
	if _, err := c.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.ledger.Signatures(ctx, id)
}

// Events returns the audit trail of a deal.
func (c *Coordinator) Events(ctx context.Context, id uuid.UUID) ([]models.Event, error) {
	if _, err := c.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.ledger.Events(ctx, id)
}

// Batch returns a batch by id.
func (c *Coordinator) Batch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	return c.assets.Get(ctx, id)
}

// Batches lists batches.
func (c *Coordinator) Batches(ctx context.Context, filter assets.BatchFilter) ([]models.Batch, error) {
	return c.assets.List(ctx, filter)
}

func (c *Coordinator) requireRole(ctx context.Context, identity string, role deal.Role) (string, error) {
	id, err := directory.NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}
	got, ok, err := c.parties.ResolveRole(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok || got != role {
		return "", fmt.Errorf("%w: %s is not a registered %s", deal.ErrInvalidArgument, logging.ShortIdentity(id), strings.ToLower(string(role)))
	}
	return id, nil
}

// quote prices the leg from the batch origin to dest. The boolean is false
// when no quoter is configured.
func (c *Coordinator) quote(ctx context.Context, batchID uuid.UUID, dest pricing.Point) (pricing.Quote, bool, error) {
	if c.quoter == nil {
		return pricing.Quote{}, false, nil
	}
	b, err := c.assets.Get(ctx, batchID)
	if err != nil {
		return pricing.Quote{}, false, err
	}
	q, err := c.quoter.QuoteFreight(ctx, pricing.Route{
		Origin:      pricing.Point{Lat: b.OriginLat, Lng: b.OriginLng},
		Destination: dest,
	})
	if err != nil {
		if errors.Is(err, deal.ErrInvalidArgument) {
			return pricing.Quote{}, false, err
		}
		c.logger.Warn("freight quote failed", slog.String("batch_id", batchID.String()), slog.Any("error", err))
		return pricing.Quote{}, false, nil
	}
	return q, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
