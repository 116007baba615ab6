package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"farmtrade/native/deal"
	"farmtrade/observability"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/models"
)

// DefaultMaxConflictRetries bounds how often a mutation is re-read and
// re-evaluated after losing a version race.
const DefaultMaxConflictRetries = 3

// Ledger owns every write to deal rows. Mutations run inside a transaction with
// the deal and its batch row-locked, and the final write is additionally
// guarded by the version column so a stale read can never be committed.
type Ledger struct {
	db      *gorm.DB
	now     func() time.Time
	emitter deal.Emitter
	retries int
	logger  *slog.Logger
	metrics *observability.DealMetrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEmitter publishes committed events to emitter.
func WithEmitter(emitter deal.Emitter) Option {
	return func(l *Ledger) {
		if emitter != nil {
			l.emitter = emitter
		}
	}
}

// WithMaxConflictRetries overrides the version conflict retry budget.
func WithMaxConflictRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records conflict retries.
func WithMetrics(m *observability.DealMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New constructs a ledger backed by db.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		now:     time.Now,
		emitter: deal.NoopEmitter{},
		retries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.Component(l.logger, "ledger")
	return l
}

// DB exposes the underlying handle for read-only collaborators.
func (l *Ledger) DB() *gorm.DB { return l.db }

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// Txn is the mutable view handed to a mutation. Deal and Batch are loaded
// under row locks; changes made to them are persisted when the mutation
// returns nil.
type Txn struct {
	tx         *gorm.DB
	Deal       *models.Deal
	Batch      *models.Batch
	Now        time.Time
	Actor      string
	events     []deal.Event
	signatures []models.Signature
	batchDirty bool
}

// DB returns the transaction handle.
func (t *Txn) DB() *gorm.DB { return t.tx }

// Emit queues ev to be stored in the audit trail and published after commit.
func (t *Txn) Emit(ev deal.Event) {
	if ev.At.IsZero() {
		ev.At = t.Now
	}
	if ev.DealID == "" && t.Deal != nil {
		ev.DealID = t.Deal.ID.String()
	}
	if ev.BatchID == "" && t.Batch != nil {
		ev.BatchID = t.Batch.ID.String()
	}
	t.events = append(t.events, ev)
}

// AppendSignature queues an audit signature row.
func (t *Txn) AppendSignature(role deal.Role, identity, reference string) {
	t.signatures = append(t.signatures, models.Signature{
		ID:        uuid.New(),
		DealID:    t.Deal.ID,
		Role:      role,
		Identity:  identity,
		Reference: reference,
		CreatedAt: t.Now,
	})
}

// TouchBatch marks the batch for a version-guarded write.
func (t *Txn) TouchBatch() { t.batchDirty = true }

// Events returns the events queued so far.
func (t *Txn) Events() []deal.Event { return append([]deal.Event(nil), t.events...) }

// Update loads deal id with its batch, applies fn and commits the result with a
// compare-and-swap on both version columns. When another writer wins the race
// the whole mutation is re-read and re-evaluated, up to the retry budget,
// after which ErrConcurrentUpdate is returned. Errors returned by fn roll the
// transaction back and are returned unchanged.
func (l *Ledger) Update(ctx context.Context, id uuid.UUID, actor string, fn func(*Txn) error) (*models.Deal, error) {
	return l.run(ctx, actor, func(tx *gorm.DB, txn *Txn) error {
		var d models.Deal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&d, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: deal %s", deal.ErrNotFound, id)
			}
			return err
		}
		txn.Deal = &d
		return lockBatch(tx, txn, d.BatchID)
	}, fn)
}

// Open runs fn against the locked batch with no deal loaded. fn must set
// txn.Deal; the deal row is inserted and the batch written back in the same
// transaction.
func (l *Ledger) Open(ctx context.Context, batchID uuid.UUID, actor string, fn func(*Txn) error) (*models.Deal, error) {
	return l.run(ctx, actor, func(tx *gorm.DB, txn *Txn) error {
		return lockBatch(tx, txn, batchID)
	}, fn)
}

func lockBatch(tx *gorm.DB, txn *Txn, batchID uuid.UUID) error {
	var b models.Batch
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, "id = ?", batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: batch %s", deal.ErrNotFound, batchID)
		}
		return err
	}
	txn.Batch = &b
	return nil
}

func (l *Ledger) run(ctx context.Context, actor string, load func(*gorm.DB, *Txn) error, fn func(*Txn) error) (*models.Deal, error) {
	for attempt := 0; attempt <= l.retries; attempt++ {
		var (
			out    models.Deal
			events []deal.Event
		)
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txn := &Txn{tx: tx, Now: l.Now(), Actor: actor}
			if err := load(tx, txn); err != nil {
				return err
			}
			inserting := txn.Deal == nil
			var dealVersion int64
			if !inserting {
				dealVersion = txn.Deal.Version
			}
			batchVersion := txn.Batch.Version

			if err := fn(txn); err != nil {
				return err
			}
			if txn.Deal == nil {
				return fmt.Errorf("ledger: mutation produced no deal")
			}

			if inserting {
				if err := insertDeal(tx, txn.Deal, txn.Now); err != nil {
					return err
				}
			} else if err := casDeal(tx, txn.Deal, dealVersion, txn.Now); err != nil {
				return err
			}
			if txn.batchDirty {
				if err := CASBatch(tx, txn.Batch, batchVersion, txn.Now); err != nil {
					return err
				}
			}
			for i := range txn.signatures {
				txn.signatures[i].DealID = txn.Deal.ID
				if err := tx.Create(&txn.signatures[i]).Error; err != nil {
					return err
				}
			}
			for i := range txn.events {
				if txn.events[i].DealID == "" {
					txn.events[i].DealID = txn.Deal.ID.String()
				}
				if err := tx.Create(auditRow(txn.events[i], actor)).Error; err != nil {
					return err
				}
			}
			out = *txn.Deal
			events = txn.events
			return nil
		})
		if errors.Is(err, models.ErrStaleVersion) {
			l.metrics.RecordConflict()
			l.logger.Debug("version conflict, retrying", slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			l.emitter.Emit(ev)
		}
		return &out, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", deal.ErrConcurrentUpdate, l.retries+1)
}

func insertDeal(tx *gorm.DB, d *models.Deal, now time.Time) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	return tx.Create(d).Error
}

func casDeal(tx *gorm.DB, d *models.Deal, expected int64, now time.Time) error {
	res := tx.Model(&models.Deal{}).
		Where("id = ? AND version = ?", d.ID, expected).
		Updates(map[string]any{
			"carrier":            d.Carrier,
			"freight_amount":     d.FreightAmount,
			"platform_fee":       d.PlatformFee,
			"total_locked":       d.TotalLocked,
			"signature_mask":     d.SignatureMask,
			"status":             d.Status,
			"escrow_lock_ref":    d.EscrowLockRef,
			"escrow_payout_ref":  d.EscrowPayoutRef,
			"signature_deadline": d.SignatureDeadline,
			"distance_km":        d.DistanceKm,
			"version":            expected + 1,
			"updated_at":         now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleVersion
	}
	d.Version = expected + 1
	d.UpdatedAt = now
	return nil
}

// CASBatch writes the mutable batch columns guarded by the expected version.
func CASBatch(tx *gorm.DB, b *models.Batch, expected int64, now time.Time) error {
	res := tx.Model(&models.Batch{}).
		Where("id = ? AND version = ?", b.ID, expected).
		Updates(map[string]any{
			"custody":    b.Custody,
			"carrier":    b.Carrier,
			"version":    expected + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleVersion
	}
	b.Version = expected + 1
	b.UpdatedAt = now
	return nil
}

func auditRow(ev deal.Event, actor string) *models.Event {
	row := &models.Event{
		ID:        uuid.New(),
		Type:      ev.Type,
		Actor:     actor,
		CreatedAt: ev.At,
	}
	if id, err := uuid.Parse(ev.DealID); err == nil {
		row.DealID = &id
	}
	if id, err := uuid.Parse(ev.BatchID); err == nil {
		row.BatchID = &id
	}
	if len(ev.Attributes) > 0 {
		if raw, err := json.Marshal(ev.Attributes); err == nil {
			row.Details = string(raw)
		}
	}
	return row
}
