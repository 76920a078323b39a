package repository

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDonationRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDonationRepository(db.DB)
	ctx := context.Background()
	student := seedStudent(t, db, "500.00")

	freq := model.FrequencyMonthly
	created, err := repo.Create(ctx, &model.Donation{
		StudentID:        student.ID,
		GrossAmount:      money.MustParse("100.00"),
		FeeAmount:        money.MustParse("2.50"),
		NetAmount:        money.MustParse("97.50"),
		Currency:         "USD",
		Channel:          model.ChannelCard,
		Kind:             model.DonationKindGift,
		Status:           model.DonationStatusPending,
		PaymentReference: "DN-TEST0001",
		ShowPublicly:     false,
		IsRecurring:      true,
		Frequency:        &freq,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "97.50", got.NetAmount.String())
	assert.Equal(t, model.ChannelCard, got.Channel)
	assert.False(t, got.ShowPublicly)
	require.NotNil(t, got.Frequency)
	assert.Equal(t, model.FrequencyMonthly, *got.Frequency)

	byRef, err := repo.GetByPaymentReference(ctx, "DN-TEST0001")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byRef.ID)

	_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrDonationNotFound)
}

func TestDonationRepository_StateTransitions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDonationRepository(db.DB)
	ctx := context.Background()
	student := seedStudent(t, db, "500.00")

	t.Run("pending to completed once", func(t *testing.T) {
		d := seedDonation(t, db, student.ID, "20.00")
		ext := "ch_1"
		number := "RCPT-2025-000001"
		err := repo.MarkCompleted(ctx, model.Completion{DonationID: d.ID, ExternalTransactionID: &ext, ReceiptNumber: &number, ProcessedAt: time.Now()})
		require.NoError(t, err)

		err = repo.MarkCompleted(ctx, model.Completion{DonationID: d.ID, ProcessedAt: time.Now()})
		assert.ErrorIs(t, err, ErrNotPending)

		err = repo.MarkFailed(ctx, d.ID, "late failure")
		assert.ErrorIs(t, err, ErrNotPending)

		got, err := repo.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DonationStatusCompleted, got.Status)
		assert.NotNil(t, got.ProcessedAt)
		assert.Nil(t, got.FailureReason)
		assert.Equal(t, "RCPT-2025-000001", *got.ReceiptNumber)
		assert.Equal(t, "ch_1", *got.ExternalTransactionID)
	})

	t.Run("pending to failed", func(t *testing.T) {
		d := seedDonation(t, db, student.ID, "20.00")
		require.NoError(t, repo.MarkFailed(ctx, d.ID, "card declined"))

		got, err := repo.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DonationStatusFailed, got.Status)
		assert.Nil(t, got.ProcessedAt)
		assert.Equal(t, "card declined", *got.FailureReason)
	})

	t.Run("receipt number is never replaced", func(t *testing.T) {
		d := seedDonation(t, db, student.ID, "20.00", completed)
		ok, err := repo.SetReceiptNumber(ctx, d.ID, "RCPT-2025-000100")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.SetReceiptNumber(ctx, d.ID, "RCPT-2025-000101")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "RCPT-2025-000100", *got.ReceiptNumber)
	})

	t.Run("receipt number requires completion", func(t *testing.T) {
		d := seedDonation(t, db, student.ID, "20.00")
		ok, err := repo.SetReceiptNumber(ctx, d.ID, "RCPT-2025-000200")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDonationRepository_ClaimLedger(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDonationRepository(db.DB)
	ctx := context.Background()
	student := seedStudent(t, db, "500.00")

	pending := seedDonation(t, db, student.ID, "20.00")
	ok, err := repo.ClaimLedger(ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending donations cannot be applied")

	done := seedDonation(t, db, student.ID, "20.00", completed)
	ok, err = repo.ClaimLedger(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimLedger(ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDonationRepository_ClaimCapture(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDonationRepository(db.DB)
	ctx := context.Background()
	student := seedStudent(t, db, "500.00")
	now := time.Now().UTC()

	d := seedDonation(t, db, student.ID, "20.00")
	ok, err := repo.ClaimCapture(ctx, d.ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimCapture(ctx, d.ID, now.Add(time.Second), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a live claim is not handed out twice")

	later := now.Add(time.Hour)
	ok, err = repo.ClaimCapture(ctx, d.ID, later, later.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "a stale claim can be taken over")

	require.NoError(t, repo.ReleaseCapture(ctx, d.ID))
	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CaptureStartedAt)

	ok, err = repo.ClaimCapture(ctx, d.ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	done := seedDonation(t, db, student.ID, "20.00", completed)
	_, err = repo.ClaimCapture(ctx, done.ID, now, now.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = repo.ClaimCapture(ctx, "00000000-0000-0000-0000-000000000000", now, now)
	assert.ErrorIs(t, err, ErrDonationNotFound)
}

func TestDonationRepository_SideEffectQueries(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDonationRepository(db.DB)
	ctx := context.Background()
	student := seedStudent(t, db, "500.00")

	owesAll := seedDonation(t, db, student.ID, "10.00", completed, withReceipt("RCPT-2025-000001"))
	settled := seedDonation(t, db, student.ID, "10.00", completed, withReceipt("RCPT-2025-000002"), func(d *model.Donation) {
		d.LedgerApplied = true
		d.Notified = true
		d.ReceiptIssued = true
	})
	missingNumber := seedDonation(t, db, student.ID, "10.00", completed, func(d *model.Donation) {
		d.LedgerApplied = true
		d.Notified = true
	})
	exhausted := seedDonation(t, db, student.ID, "10.00", completed, func(d *model.Donation) {
		d.SideEffectAttempts = 5
	})
	seedDonation(t, db, student.ID, "10.00")

	pending, err := repo.ListPendingSideEffects(ctx, 5, 100)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, d := range pending {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, owesAll.ID)
	assert.NotContains(t, ids, settled.ID)
	assert.NotContains(t, ids, missingNumber.ID)
	assert.NotContains(t, ids, exhausted.ID)

	missing, total, err := repo.ListMissingReceiptNumbers(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, missing, 2)

	msg := "smtp down"
	require.NoError(t, repo.RecordSideEffectRun(ctx, owesAll.ID, &msg))
	require.NoError(t, repo.RecordSideEffectRun(ctx, owesAll.ID, nil))
	got, err := repo.GetByID(ctx, owesAll.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SideEffectAttempts)
	assert.Nil(t, got.LastSideEffectError)
}

func TestDonationRepository_Aggregates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDonationRepository(db.DB)
	ctx := context.Background()
	s1 := seedStudent(t, db, "500.00")
	s2 := seedStudent(t, db, "500.00")
	item := seedItem(t, db, s1.ID, "80.00")
	donorID := "11111111-1111-1111-1111-111111111111"

	seedDonation(t, db, s1.ID, "50.00", completed, applied, withDonor(donorID), withItem(item.ID))
	seedDonation(t, db, s1.ID, "75.25", completed, applied, withDonor(donorID))
	seedDonation(t, db, s2.ID, "10.00", completed, applied, withDonor(donorID))
	seedDonation(t, db, s2.ID, "25.00", completed, withDonor(donorID), withKind(model.DonationKindRegistrationFee))
	seedDonation(t, db, s1.ID, "99.00", withDonor(donorID))
	seedDonation(t, db, s1.ID, "40.00", completed, withDonor(donorID))

	sum, err := repo.SumCompletedGifts(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, "125.25", sum.String())

	byItem, err := repo.SumCompletedGiftsByItem(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", byItem[item.ID].String())

	totals, err := repo.DonorTotals(ctx, donorID)
	require.NoError(t, err)
	assert.Equal(t, "175.25", totals.TotalDonated.String())
	assert.Equal(t, int64(2), totals.StudentsSupported)

	list, total, err := repo.List(ctx, model.DonationFilter{StudentID: &s1.ID, Statuses: []model.DonationStatus{model.DonationStatusCompleted}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 3)
}
