package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"farmtrade/native/deal"
	"farmtrade/observability"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/ledger"
	"farmtrade/services/dealsd/models"
)

// SystemActor is recorded as the actor of sweeper transitions.
const SystemActor = "system:sweeper"

var errNotEligible = errors.New("sweeper: deal no longer eligible")

// Sweeper forces deals that missed their signature deadline into DISPUTED.
// It keeps no state between runs; every deal is re-checked under its row lock
// so overlapping or interrupted sweeps are harmless.
type Sweeper struct {
	ledger  *ledger.Ledger
	emitter deal.Emitter
	logger  *slog.Logger
	metrics *observability.DealMetrics
}

// New constructs a sweeper. emitter receives payout-stalled notices, which do
// not pass through the ledger because they change nothing.
func New(l *ledger.Ledger, emitter deal.Emitter, logger *slog.Logger, metrics *observability.DealMetrics) *Sweeper {
	if emitter == nil {
		emitter = deal.NoopEmitter{}
	}
	return &Sweeper{
		ledger:  l,
		emitter: emitter,
		logger:  logging.Component(logger, "sweeper"),
		metrics: metrics,
	}
}

// Sweep disputes every deal still in PENDING_SIGNATURES whose deadline is
// before now and returns the ids it transitioned. Deals that advanced or were
// disputed by a concurrent sweep are skipped. A failure on one deal is logged
// and does not stop the batch; the first such error is returned alongside the
// ids that did succeed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	// Deadlines are stored in UTC.
	now = now.UTC()
	candidates, err := s.ledger.PastDeadline(ctx, now)
	if err != nil {
		return nil, err
	}
	disputed := make([]uuid.UUID, 0, len(candidates))
	var firstErr error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return disputed, err
		}
		_, err := s.ledger.Update(ctx, id, SystemActor, func(txn *ledger.Txn) error {
			d := txn.Deal
			if d.SignatureDeadline == nil || !d.SignatureDeadline.Before(now) {
				return errNotEligible
			}
			next, ok := deal.Expire(d.Status)
			if !ok {
				return errNotEligible
			}
			prev := d.Status
			d.Status = next
			ev, _ := deal.StatusChangeEvent(d.ID.String(), prev, next, txn.Now)
			ev.Attributes["mask"] = d.Mask().String()
			ev.Attributes["deadline"] = d.SignatureDeadline.UTC().Format(time.RFC3339)
			txn.Emit(ev)
			return nil
		})
		switch {
		case err == nil:
			disputed = append(disputed, id)
			s.metrics.RecordTransition(string(deal.StatusPendingSignatures), string(deal.StatusDisputed))
			s.logger.Info("deal disputed after signature timeout", slog.String("deal_id", id.String()))
		case errors.Is(err, errNotEligible):
		default:
			s.logger.Error("sweep deal failed", slog.String("deal_id", id.String()), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.metrics.RecordDisputed(len(disputed))
	return disputed, firstErr
}

// Stalled reports deals that reached READY_TO_FINALIZE but have seen no change
// for longer than threshold, typically because the payout reference never
// arrived. The deals are left untouched; a payout-stalled event is emitted for
// each so an operator can follow up.
func (s *Sweeper) Stalled(ctx context.Context, now time.Time, threshold time.Duration) ([]models.Deal, error) {
	if threshold <= 0 {
		return nil, nil
	}
	deals, err := s.ledger.IdleSince(ctx, deal.StatusReadyToFinalize, now.Add(-threshold))
	if err != nil {
		return nil, err
	}
	for _, d := range deals {
		s.emitter.Emit(deal.Event{
			Type:    deal.EventTypePayoutStalled,
			DealID:  d.ID.String(),
			BatchID: d.BatchID.String(),
			At:      now,
			Attributes: map[string]string{
				"idleSeconds": strconv.FormatInt(int64(now.Sub(d.UpdatedAt)/time.Second), 10),
				"buyerSigned": strconv.FormatBool(d.Mask().Has(deal.BitBuyer)),
			},
		})
	}
	s.metrics.SetStalled(len(deals))
	if len(deals) > 0 {
		s.logger.Warn("payouts stalled", slog.Int("count", len(deals)), slog.Duration("threshold", threshold))
	}
	return deals, nil
}
