package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/services/dealsd/models"
)

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

var testNow = time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)

func seedDeal(t *testing.T, db *gorm.DB) (*models.Batch, *models.Deal) {
	t.Helper()
	b := &models.Batch{
		ID:         uuid.New(),
		Seller:     "0xseller",
		WeightKg:   decimal.NewFromInt(100),
		PricePerKg: decimal.NewFromInt(3),
		Custody:    deal.CustodyLocked,
		Version:    1,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	require.NoError(t, db.Create(b).Error)
	d := &models.Deal{
		ID:                    uuid.New(),
		BatchID:               b.ID,
		Buyer:                 "0xbuyer",
		Seller:                b.Seller,
		SellerAmount:          decimal.NewFromInt(300),
		Status:                deal.StatusPendingCarrier,
		SignatureTimeoutHours: 24,
		Version:               1,
		CreatedAt:             testNow,
		UpdatedAt:             testNow,
	}
	require.NoError(t, db.Create(d).Error)
	return b, d
}

func newTestLedger(db *gorm.DB, rec *deal.Recorder, opts ...Option) *Ledger {
	base := []Option{WithClock(func() time.Time { return testNow }), WithEmitter(rec)}
	return New(db, append(base, opts...)...)
}

func TestUpdateCommitsDealBatchAndAudit(t *testing.T) {
	db := setupLedgerTestDB(t)
	rec := &deal.Recorder{}
	l := newTestLedger(db, rec)
	b, d := seedDeal(t, db)

	out, err := l.Update(context.Background(), d.ID, "0xcarrier", func(txn *Txn) error {
		txn.Deal.Carrier = "0xcarrier"
		txn.Deal.Status = deal.StatusAwaitingEscrow
		txn.Batch.Carrier = "0xcarrier"
		txn.TouchBatch()
		txn.AppendSignature(deal.RoleCarrier, "0xcarrier", "ref-1")
		txn.Emit(deal.Event{Type: deal.EventTypeCarrierAccepted, Attributes: map[string]string{"carrier": "0xcarrier"}})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Version)
	require.True(t, out.UpdatedAt.Equal(testNow))

	stored, err := l.Get(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, deal.StatusAwaitingEscrow, stored.Status)
	require.Equal(t, int64(2), stored.Version)

	var batch models.Batch
	require.NoError(t, db.First(&batch, "id = ?", b.ID).Error)
	require.Equal(t, "0xcarrier", batch.Carrier)
	require.Equal(t, int64(2), batch.Version)

	sigs, err := l.Signatures(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, "ref-1", sigs[0].Reference)

	trail, err := l.Events(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, deal.EventTypeCarrierAccepted, trail[0].Type)
	require.JSONEq(t, `{"carrier":"0xcarrier"}`, trail[0].Details)
	require.NotNil(t, trail[0].BatchID)
	require.Equal(t, b.ID, *trail[0].BatchID)

	published := rec.Events()
	require.Len(t, published, 1)
	require.Equal(t, d.ID.String(), published[0].DealID)
	require.True(t, published[0].At.Equal(testNow))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := setupLedgerTestDB(t)
	rec := &deal.Recorder{}
	l := newTestLedger(db, rec)
	b, d := seedDeal(t, db)
	boom := errors.New("boom")

	_, err := l.Update(context.Background(), d.ID, "0xbuyer", func(txn *Txn) error {
		txn.Deal.Status = deal.StatusDisputed
		txn.Batch.Custody = deal.CustodyInTransit
		txn.TouchBatch()
		txn.Emit(deal.Event{Type: deal.EventTypeDisputed})
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, rec.Events())

	stored, err := l.Get(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, deal.StatusPendingCarrier, stored.Status)
	require.Equal(t, int64(1), stored.Version)

	var batch models.Batch
	require.NoError(t, db.First(&batch, "id = ?", b.ID).Error)
	require.Equal(t, deal.CustodyLocked, batch.Custody)

	trail, err := l.Events(context.Background(), d.ID)
	require.NoError(t, err)
	require.Empty(t, trail)
}

func TestUpdateRetriesAfterVersionConflict(t *testing.T) {
	db := setupLedgerTestDB(t)
	rec := &deal.Recorder{}
	l := newTestLedger(db, rec)
	_, d := seedDeal(t, db)

	attempts := 0
	out, err := l.Update(context.Background(), d.ID, "0xbuyer", func(txn *Txn) error {
		attempts++
		if attempts == 1 {
			// Simulate a writer that committed between our read and our write.
			if err := txn.DB().Model(&models.Deal{}).Where("id = ?", d.ID).
				Update("version", gorm.Expr("version + 1")).Error; err != nil {
				return err
			}
		}
		txn.Deal.SignatureMask = uint8(deal.BitBuyer)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, deal.BitBuyer, out.Mask())
	require.Len(t, rec.Events(), 0)
}

func TestUpdateGivesUpAfterRetryBudget(t *testing.T) {
	db := setupLedgerTestDB(t)
	l := newTestLedger(db, &deal.Recorder{}, WithMaxConflictRetries(2))
	_, d := seedDeal(t, db)

	attempts := 0
	_, err := l.Update(context.Background(), d.ID, "0xbuyer", func(txn *Txn) error {
		attempts++
		return txn.DB().Model(&models.Deal{}).Where("id = ?", d.ID).
			Update("version", gorm.Expr("version + 1")).Error
	})
	require.ErrorIs(t, err, deal.ErrConcurrentUpdate)
	require.True(t, deal.Retriable(err))
	require.Equal(t, 3, attempts)

	stored, err := l.Get(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)
}

func TestUpdateUnknownDeal(t *testing.T) {
	db := setupLedgerTestDB(t)
	l := newTestLedger(db, &deal.Recorder{})
	called := false
	_, err := l.Update(context.Background(), uuid.New(), "0xbuyer", func(*Txn) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, deal.ErrNotFound)
	require.False(t, called)
}

func TestOpenInsertsDeal(t *testing.T) {
	db := setupLedgerTestDB(t)
	rec := &deal.Recorder{}
	l := newTestLedger(db, rec)
	b, _ := seedDeal(t, db)

	_, err := l.Open(context.Background(), b.ID, "0xbuyer", func(txn *Txn) error { return nil })
	require.Error(t, err)

	out, err := l.Open(context.Background(), b.ID, "0xbuyer", func(txn *Txn) error {
		open, err := HasOpenDeal(txn.DB(), txn.Batch.ID)
		if err != nil {
			return err
		}
		require.True(t, open)
		txn.Deal = &models.Deal{
			BatchID:               txn.Batch.ID,
			Buyer:                 "0xbuyer2",
			Seller:                txn.Batch.Seller,
			SellerAmount:          decimal.NewFromInt(10),
			Status:                deal.StatusPendingCarrier,
			SignatureTimeoutHours: 12,
		}
		txn.Emit(deal.Event{Type: deal.EventTypeDealCreated})
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, out.ID)
	require.Equal(t, int64(1), out.Version)

	published := rec.Events()
	require.Len(t, published, 1)
	require.Equal(t, out.ID.String(), published[0].DealID)
	require.Equal(t, b.ID.String(), published[0].BatchID)

	deals, err := l.List(context.Background(), DealFilter{Buyer: "0xbuyer2"})
	require.NoError(t, err)
	require.Len(t, deals, 1)
}

func TestDeadlineQueries(t *testing.T) {
	db := setupLedgerTestDB(t)
	l := newTestLedger(db, &deal.Recorder{})
	_, d := seedDeal(t, db)

	deadline := testNow.Add(time.Hour)
	require.NoError(t, db.Model(&models.Deal{}).Where("id = ?", d.ID).Updates(map[string]any{
		"status":             deal.StatusPendingSignatures,
		"signature_deadline": deadline,
		"updated_at":         testNow,
	}).Error)

	ids, err := l.PastDeadline(context.Background(), deadline)
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = l.PastDeadline(context.Background(), deadline.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{d.ID}, ids)

	idle, err := l.IdleSince(context.Background(), deal.StatusPendingSignatures, testNow.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, idle, 1)

	open, err := l.List(context.Background(), DealFilter{OpenForCarriers: true})
	require.NoError(t, err)
	require.Empty(t, open)
}
