package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/services/dealsd/assets"
	"farmtrade/services/dealsd/directory"
	"farmtrade/services/dealsd/ledger"
	"farmtrade/services/dealsd/models"
	"farmtrade/services/dealsd/pricing"
	"farmtrade/services/dealsd/sweeper"
)

const (
	sellerID   = "0x1111111111111111111111111111111111111111"
	buyerID    = "0x2222222222222222222222222222222222222222"
	carrierID  = "0x3333333333333333333333333333333333333333"
	carrier2ID = "0x4444444444444444444444444444444444444444"
	operatorID = "0x5555555555555555555555555555555555555555"
	buyer2ID   = "0x6666666666666666666666666666666666666666"
	strangerID = "0x7777777777777777777777777777777777777777"
)

func setupCoordinatorTestDB(t *testing.T) *gorm.DB {
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

type fixture struct {
	db     *gorm.DB
	now    time.Time
	dir    *directory.Directory
	ledger *ledger.Ledger
	coord  *Coordinator
	events *deal.Recorder
}

func newFixture(t *testing.T, quoter FreightQuoter) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		db:     setupCoordinatorTestDB(t),
		now:    time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		events: &deal.Recorder{},
	}
	clock := func() time.Time { return f.now }

	dir := directory.New(f.db, clock, nil)
	f.dir = dir
	parties := map[string]deal.Role{
		sellerID:   deal.RoleSeller,
		buyerID:    deal.RoleBuyer,
		buyer2ID:   deal.RoleBuyer,
		carrierID:  deal.RoleCarrier,
		carrier2ID: deal.RoleCarrier,
		operatorID: deal.RoleOperator,
	}
	for identity, role := range parties {
		_, err := dir.Register(ctx, identity, role, directory.Profile{DisplayName: string(role)})
		require.NoError(t, err)
	}

	f.ledger = ledger.New(f.db, ledger.WithClock(clock), ledger.WithEmitter(f.events))
	coord, err := New(Config{
		Ledger:   f.ledger,
		Assets:   assets.NewRegistry(f.db, clock, nil),
		Parties:  dir,
		Sweeper:  sweeper.New(f.ledger, f.events, nil, nil),
		Quoter:   quoter,
		Settings: Settings{SignatureTimeoutHours: 24},
	})
	require.NoError(t, err)
	f.coord = coord
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func (f *fixture) listBatch(t *testing.T) *models.Batch {
	t.Helper()
	b, err := f.coord.ListBatch(context.Background(), sellerID, assets.BatchInput{
		OriginLabel: "Mbale",
		OriginLat:   1.0821,
		OriginLng:   34.1750,
		WeightKg:    dec("500"),
		Grade:       "AA",
		PricePerKg:  dec("2"),
		MetadataCID: "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
	})
	require.NoError(t, err)
	require.Equal(t, deal.CustodyListed, b.Custody)
	return b
}

func (f *fixture) createDeal(t *testing.T) *models.Deal {
	t.Helper()
	b := f.listBatch(t)
	d, err := f.coord.CreateDeal(context.Background(), buyerID, CreateDealInput{
		BatchID:      b.ID,
		SellerAmount: dec("1000"),
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) acceptedDeal(t *testing.T) *models.Deal {
	t.Helper()
	d := f.createDeal(t)
	d, err := f.coord.AcceptCarrier(context.Background(), carrierID, d.ID, decPtr("50"))
	require.NoError(t, err)
	return d
}

func (f *fixture) lockedDeal(t *testing.T) *models.Deal {
	t.Helper()
	d := f.acceptedDeal(t)
	d, err := f.coord.RecordLock(context.Background(), buyerID, d.ID, "0xlock-"+d.ID.String())
	require.NoError(t, err)
	require.Equal(t, deal.StatusPendingSignatures, d.Status)
	return d
}

func (f *fixture) batch(t *testing.T, id uuid.UUID) *models.Batch {
	t.Helper()
	b, err := f.coord.Batch(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.Deal {
	t.Helper()
	d, err := f.coord.Deal(context.Background(), id)
	require.NoError(t, err)
	return d
}

func requireTotalInvariant(t *testing.T, d *models.Deal) {
	t.Helper()
	if !d.TotalLocked.Valid {
		return
	}
	require.True(t, d.FreightAmount.Valid)
	require.True(t, d.PlatformFee.Valid)
	sum := d.SellerAmount.Add(d.FreightAmount.Decimal).Add(d.PlatformFee.Decimal)
	require.True(t, d.TotalLocked.Decimal.Equal(sum), "total %s != %s", d.TotalLocked.Decimal, sum)
}

func TestHappyPathBuyerSignsBeforePayout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.createDeal(t)
	require.Equal(t, deal.StatusPendingCarrier, d.Status)
	require.Equal(t, deal.Mask(0), d.Mask())
	require.False(t, d.TotalLocked.Valid)
	require.Equal(t, deal.CustodyLocked, f.batch(t, d.BatchID).Custody)

	d, err := f.coord.AcceptCarrier(ctx, carrierID, d.ID, decPtr("50"))
	require.NoError(t, err)
	require.Equal(t, deal.StatusAwaitingEscrow, d.Status)
	require.Equal(t, carrierID, d.Carrier)
	require.True(t, d.TotalLocked.Decimal.Equal(dec("1080")))
	requireTotalInvariant(t, d)
	require.Equal(t, carrierID, f.batch(t, d.BatchID).Carrier)

	start := f.now
	d, err = f.coord.RecordLock(ctx, buyerID, d.ID, "0xabc")
	require.NoError(t, err)
	require.Equal(t, deal.StatusPendingSignatures, d.Status)
	require.NotNil(t, d.SignatureDeadline)
	require.True(t, d.SignatureDeadline.Equal(start.Add(24*time.Hour)))

	d, err = f.coord.Sign(ctx, sellerID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.BitSeller, d.Mask())
	require.Equal(t, deal.StatusPendingSignatures, d.Status)
	require.Equal(t, deal.CustodyInTransit, f.batch(t, d.BatchID).Custody)

	d, err = f.coord.Sign(ctx, carrierID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.BitSeller|deal.BitCarrier, d.Mask())
	require.Equal(t, deal.StatusReadyToFinalize, d.Status)
	require.Equal(t, deal.CustodyDelivered, f.batch(t, d.BatchID).Custody)

	d, err = f.coord.Sign(ctx, buyerID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.MaskAll, d.Mask())
	require.Equal(t, deal.StatusReadyToFinalize, d.Status)

	d, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "0xpayout")
	require.NoError(t, err)
	require.Equal(t, deal.StatusPaidOut, d.Status)
	require.Equal(t, deal.CustodyFinalised, f.batch(t, d.BatchID).Custody)
	requireTotalInvariant(t, f.reload(t, d.ID))

	sigs, err := f.coord.Signatures(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	require.Contains(t, f.events.Types(), deal.EventTypePaidOut)
	require.Contains(t, f.events.Types(), deal.EventTypeReadyToFinalize)

	trail, err := f.coord.Events(ctx, d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
}

func TestHappyPathPayoutBeforeBuyerSigns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.lockedDeal(t)

	_, err := f.coord.Sign(ctx, carrierID, d.ID, "")
	require.NoError(t, err)
	d, err = f.coord.Sign(ctx, sellerID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.StatusReadyToFinalize, d.Status)

	d, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "0xpayout")
	require.NoError(t, err)
	require.Equal(t, deal.StatusReadyToFinalize, d.Status)
	require.Equal(t, deal.CustodyDelivered, f.batch(t, d.BatchID).Custody)

	d, err = f.coord.Sign(ctx, buyerID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.MaskAll, d.Mask())
	require.Equal(t, deal.StatusPaidOut, d.Status)
	require.Equal(t, deal.CustodyFinalised, f.batch(t, d.BatchID).Custody)
}

func TestSignaturesBeforeLockAreHonoured(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.acceptedDeal(t)

	_, err := f.coord.Sign(ctx, sellerID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.CustodyInTransit, f.batch(t, d.BatchID).Custody)
	d, err = f.coord.Sign(ctx, carrierID, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, deal.StatusAwaitingEscrow, d.Status)

	d, err = f.coord.RecordLock(ctx, buyerID, d.ID, "0xlock")
	require.NoError(t, err)
	require.Equal(t, deal.StatusReadyToFinalize, d.Status)
	require.Equal(t, deal.CustodyDelivered, f.batch(t, d.BatchID).Custody)
}

func TestSignTwiceRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.lockedDeal(t)

	for _, identity := range []string{sellerID, carrierID, buyerID} {
		first, err := f.coord.Sign(ctx, identity, d.ID, "")
		require.NoError(t, err)
		_, err = f.coord.Sign(ctx, identity, d.ID, "")
		require.ErrorIs(t, err, deal.ErrAlreadySigned)
		require.True(t, deal.AlreadyDone(err))
		require.Equal(t, first.Mask(), f.reload(t, d.ID).Mask())
	}
	sigs, err := f.coord.Signatures(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 3)

	_, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "0xpayout")
	require.NoError(t, err)
	for _, identity := range []string{sellerID, carrierID, buyerID} {
		_, err = f.coord.Sign(ctx, identity, d.ID, "")
		require.ErrorIs(t, err, deal.ErrAlreadySigned)
	}
	require.Equal(t, deal.StatusPaidOut, f.reload(t, d.ID).Status)
}

func TestAuthorizationGate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.ListBatch(ctx, buyerID, assets.BatchInput{WeightKg: dec("1")})
	require.ErrorIs(t, err, deal.ErrUnauthorized)

	b := f.listBatch(t)
	_, err = f.coord.CreateDeal(ctx, sellerID, CreateDealInput{BatchID: b.ID, SellerAmount: dec("10")})
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	_, err = f.coord.CreateDeal(ctx, strangerID, CreateDealInput{BatchID: b.ID, SellerAmount: dec("10")})
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	require.Equal(t, deal.CustodyListed, f.batch(t, b.ID).Custody)

	d := f.createDeal(t)
	_, err = f.coord.AcceptCarrier(ctx, sellerID, d.ID, decPtr("5"))
	require.ErrorIs(t, err, deal.ErrUnauthorized)

	// No carrier bound yet: a carrier cannot sign for this deal.
	_, err = f.coord.Sign(ctx, carrierID, d.ID, "")
	require.ErrorIs(t, err, deal.ErrUnauthorized)

	d, err = f.coord.AcceptCarrier(ctx, carrierID, d.ID, decPtr("5"))
	require.NoError(t, err)

	_, err = f.coord.RecordLock(ctx, buyer2ID, d.ID, "0xlock")
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	_, err = f.coord.Sign(ctx, carrier2ID, d.ID, "")
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	_, err = f.coord.Sign(ctx, buyer2ID, d.ID, "")
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	_, err = f.coord.Sign(ctx, operatorID, d.ID, "")
	require.ErrorIs(t, err, deal.ErrUnauthorized)

	// Operators may record the lock on the buyer's behalf.
	d, err = f.coord.RecordLock(ctx, operatorID, d.ID, "0xlock")
	require.NoError(t, err)

	_, err = f.coord.RecordPayout(ctx, buyerID, d.ID, "0xpayout")
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	_, err = f.coord.ExtendDeadline(ctx, buyerID, d.ID, 12)
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	_, err = f.coord.Sweep(ctx, sellerID, f.now)
	require.ErrorIs(t, err, deal.ErrUnauthorized)

	require.Equal(t, deal.Mask(0), f.reload(t, d.ID).Mask())
	require.False(t, deal.Retriable(err))
}

func TestRoleSwitchCannotFillTwoSlots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.createDeal(t)
	_, err := f.dir.AssignRole(ctx, sellerID, sellerID, deal.RoleCarrier)
	require.NoError(t, err)
	_, err = f.coord.AcceptCarrier(ctx, sellerID, d.ID, decPtr("10"))
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	require.Empty(t, f.reload(t, d.ID).Carrier)

	_, err = f.dir.AssignRole(ctx, buyerID, buyerID, deal.RoleCarrier)
	require.NoError(t, err)
	_, err = f.coord.AcceptCarrier(ctx, buyerID, d.ID, decPtr("10"))
	require.ErrorIs(t, err, deal.ErrUnauthorized)

	_, err = f.dir.AssignRole(ctx, sellerID, sellerID, deal.RoleSeller)
	require.NoError(t, err)
	b := f.listBatch(t)
	_, err = f.dir.AssignRole(ctx, sellerID, sellerID, deal.RoleBuyer)
	require.NoError(t, err)
	_, err = f.coord.CreateDeal(ctx, sellerID, CreateDealInput{BatchID: b.ID, SellerAmount: dec("10")})
	require.ErrorIs(t, err, deal.ErrUnauthorized)
	require.Equal(t, deal.CustodyListed, f.batch(t, b.ID).Custody)
}

func TestEscrowReferencesAreWriteOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending := f.createDeal(t)
	_, err := f.coord.RecordLock(ctx, buyerID, pending.ID, "0xearly")
	require.ErrorIs(t, err, deal.ErrInvalidState)

	d := f.lockedDeal(t)
	_, err = f.coord.RecordLock(ctx, buyerID, d.ID, "0xother")
	require.ErrorIs(t, err, deal.ErrAlreadyLocked)
	require.Equal(t, "0xlock-"+d.ID.String(), f.reload(t, d.ID).EscrowLockRef)

	_, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "0xpayout")
	require.ErrorIs(t, err, deal.ErrInvalidState)

	_, err = f.coord.Sign(ctx, sellerID, d.ID, "")
	require.NoError(t, err)
	_, err = f.coord.Sign(ctx, carrierID, d.ID, "")
	require.NoError(t, err)
	_, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "0xpayout")
	require.NoError(t, err)
	_, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "0xpayout-2")
	require.ErrorIs(t, err, deal.ErrAlreadyPaidOut)
	require.Equal(t, "0xpayout", f.reload(t, d.ID).EscrowPayoutRef)

	_, err = f.coord.RecordPayout(ctx, operatorID, d.ID, "  ")
	require.ErrorIs(t, err, deal.ErrInvalidArgument)
}

func TestCreateDealRequiresListedBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.createDeal(t)
	before := f.batch(t, d.BatchID)

	_, err := f.coord.CreateDeal(ctx, buyer2ID, CreateDealInput{BatchID: d.BatchID, SellerAmount: dec("900")})
	require.ErrorIs(t, err, deal.ErrAssetUnavailable)

	after := f.batch(t, d.BatchID)
	require.Equal(t, before.Custody, after.Custody)
	require.Equal(t, before.Version, after.Version)

	_, err = f.coord.CreateDeal(ctx, buyerID, CreateDealInput{BatchID: uuid.New(), SellerAmount: dec("1")})
	require.ErrorIs(t, err, deal.ErrNotFound)

	b := f.listBatch(t)
	_, err = f.coord.CreateDeal(ctx, buyerID, CreateDealInput{BatchID: b.ID, SellerAmount: dec("0")})
	require.ErrorIs(t, err, deal.ErrInvalidArgument)
}

func TestCreateDealWithPreassignedCarrier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.listBatch(t)

	_, err := f.coord.CreateDeal(ctx, buyerID, CreateDealInput{BatchID: b.ID, SellerAmount: dec("100"), Carrier: carrierID})
	require.ErrorIs(t, err, deal.ErrInvalidArgument)

	_, err = f.coord.CreateDeal(ctx, buyerID, CreateDealInput{BatchID: b.ID, SellerAmount: dec("100"), Carrier: sellerID, FreightAmount: decPtr("10")})
	require.ErrorIs(t, err, deal.ErrInvalidArgument)

	d, err := f.coord.CreateDeal(ctx, buyerID, CreateDealInput{
		BatchID:       b.ID,
		SellerAmount:  dec("100"),
		FreightAmount: decPtr("10"),
		PlatformFee:   decPtr("1.50"),
		Carrier:       carrierID,
	})
	require.NoError(t, err)
	require.Equal(t, deal.StatusAwaitingEscrow, d.Status)
	require.True(t, d.TotalLocked.Decimal.Equal(dec("111.5")))
	require.Equal(t, carrierID, f.batch(t, b.ID).Carrier)

	_, err = f.coord.AcceptCarrier(ctx, carrier2ID, d.ID, nil)
	require.ErrorIs(t, err, deal.ErrAlreadyAssigned)
}

func TestAcceptCarrierFreightRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.createDeal(t)
	_, err := f.coord.AcceptCarrier(ctx, carrierID, d.ID, nil)
	require.ErrorIs(t, err, deal.ErrInvalidArgument)
	require.Empty(t, f.reload(t, d.ID).Carrier)

	_, err = f.coord.AcceptCarrier(ctx, carrierID, uuid.New(), decPtr("1"))
	require.ErrorIs(t, err, deal.ErrNotFound)
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	d := f.createDeal(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, identity := range []string{carrierID, carrier2ID} {
		wg.Add(1)
		go func(i int, identity string) {
			defer wg.Done()
			_, errs[i] = f.coord.AcceptCarrier(context.Background(), identity, d.ID, decPtr("40"))
		}(i, identity)
	}
	wg.Wait()

	successes, assigned := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case deal.AlreadyDone(err):
			require.ErrorIs(t, err, deal.ErrAlreadyAssigned)
			assigned++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, assigned)

	final := f.reload(t, d.ID)
	require.Contains(t, []string{carrierID, carrier2ID}, final.Carrier)
	require.Equal(t, final.Carrier, f.batch(t, d.BatchID).Carrier)
}

func TestCustodyFailureRollsBackDealTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.lockedDeal(t)

	_, err := f.coord.Sign(ctx, sellerID, d.ID, "")
	require.NoError(t, err)

	// Corrupt the batch so the delivery custody move is rejected.
	require.NoError(t, f.db.Model(&models.Batch{}).Where("id = ?", d.BatchID).
		Update("custody", deal.CustodyFinalised).Error)
	before := f.reload(t, d.ID)

	_, err = f.coord.Sign(ctx, carrierID, d.ID, "")
	require.ErrorIs(t, err, deal.ErrInvalidState)

	after := f.reload(t, d.ID)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Mask(), after.Mask())
	require.Equal(t, before.Version, after.Version)
	sigs, err := f.coord.Signatures(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
}

func TestSweepDisputesExpiredDeal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.lockedDeal(t)
	deadline := *d.SignatureDeadline

	_, err := f.coord.Sign(ctx, sellerID, d.ID, "")
	require.NoError(t, err)

	// A deal still waiting for escrow is never touched.
	waiting := f.acceptedDeal(t)

	ids, err := f.coord.Sweep(ctx, operatorID, deadline.Add(-time.Second))
	require.NoError(t, err)
	require.Empty(t, ids)

	at := deadline.Add(time.Second)
	ids, err = f.coord.Sweep(ctx, operatorID, at)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{d.ID}, ids)
	require.Equal(t, deal.StatusDisputed, f.reload(t, d.ID).Status)
	require.Equal(t, deal.StatusAwaitingEscrow, f.reload(t, waiting.ID).Status)
	require.Equal(t, deal.CustodyInTransit, f.batch(t, d.BatchID).Custody)

	ids, err = f.coord.Sweep(ctx, operatorID, at)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = f.coord.Sign(ctx, carrierID, d.ID, "")
	require.ErrorIs(t, err, deal.ErrInvalidState)
	_, err = f.coord.ExtendDeadline(ctx, operatorID, d.ID, 24)
	require.ErrorIs(t, err, deal.ErrInvalidState)
	require.Contains(t, f.events.Types(), deal.EventTypeDisputed)
}

func TestExtendDeadlinePostponesDispute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.lockedDeal(t)
	original := *d.SignatureDeadline

	f.now = f.now.Add(20 * time.Hour)
	d, err := f.coord.ExtendDeadline(ctx, operatorID, d.ID, 48)
	require.NoError(t, err)
	require.True(t, d.SignatureDeadline.Equal(f.now.Add(48*time.Hour)))

	ids, err := f.coord.Sweep(ctx, operatorID, original.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = f.coord.ExtendDeadline(ctx, operatorID, d.ID, 0)
	require.ErrorIs(t, err, deal.ErrInvalidArgument)
}

type stubQuoter struct {
	quote pricing.Quote
	calls int
}

func (s *stubQuoter) QuoteFreight(_ context.Context, _ pricing.Route) (pricing.Quote, error) {
	s.calls++
	return s.quote, nil
}

func TestFreightQuotedOnceAtCreation(t *testing.T) {
	quoter := &stubQuoter{quote: pricing.Quote{DistanceKm: 231.4, Amount: dec("347100"), Source: "matrix"}}
	f := newFixture(t, quoter)
	ctx := context.Background()
	b := f.listBatch(t)

	d, err := f.coord.CreateDeal(ctx, buyerID, CreateDealInput{
		BatchID:          b.ID,
		SellerAmount:     dec("1000000"),
		DestinationLabel: "Kampala",
		Destination:      &pricing.Point{Lat: 0.3476, Lng: 32.5825},
	})
	require.NoError(t, err)
	require.True(t, d.FreightAmount.Valid)
	require.True(t, d.FreightAmount.Decimal.Equal(dec("347100")))
	require.True(t, d.TotalLocked.Decimal.Equal(dec("1377100")))
	require.Equal(t, 1, quoter.calls)

	d, err = f.coord.AcceptCarrier(ctx, carrierID, d.ID, nil)
	require.NoError(t, err)
	require.True(t, d.FreightAmount.Decimal.Equal(dec("347100")))
	require.Equal(t, 1, quoter.calls)

	_, err = f.coord.AcceptCarrier(ctx, carrierID, d.ID, decPtr("1"))
	require.Error(t, err)
}
