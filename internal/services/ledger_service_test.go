package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
)

func (e *testEnv) completeDirectly(t *testing.T, id string) {
	require.NoError(t, e.donations.MarkCompleted(context.Background(), model.Completion{
		DonationID:  id,
		ProcessedAt: time.Now().UTC(),
	}))
}

func TestLedger_ApplyIsIdempotent(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	item := e.seedItem(t, student.ID, "40.00")
	d := e.createDonation(t, student.ID, "40.00", model.ChannelBankTransfer, func(r *CreateDonationRequest) {
		r.WishlistItemID = &item.ID
	})

	applied, err := e.ledger.ApplyCompletedDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, applied, "pending donations are never credited")

	e.completeDirectly(t, d.ID)

	applied, err = e.ledger.ApplyCompletedDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = e.ledger.ApplyCompletedDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	s := e.student(t, student.ID)
	assert.True(t, money.MustParse("40.00").Equal(s.AmountRaised))

	gotItem, err := e.items.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, money.MustParse("40.00").Equal(gotItem.AmountFunded))
	assert.Equal(t, model.WishlistItemFunded, gotItem.Status)

	// a funded item takes no further gifts
	_, err = e.service.CreateDonation(ctx, CreateDonationRequest{
		StudentID:      student.ID,
		WishlistItemID: &item.ID,
		Amount:         money.MustParse("5.00"),
		Channel:        model.ChannelBankTransfer,
		Donor:          DonorInfo{Email: "dana@example.org"},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedger_Reconcile(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	item := e.seedItem(t, student.ID, "100.00")
	d := e.createDonation(t, student.ID, "60.00", model.ChannelBankTransfer, func(r *CreateDonationRequest) {
		r.WishlistItemID = &item.ID
	})
	_, err := e.payments.VerifyManualPayment(ctx, d.PaymentReference, "ops")
	require.NoError(t, err)

	drifts, err := e.ledger.Reconcile(ctx, student.ID, false)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	require.NoError(t, e.students.SetRaised(ctx, student.ID, money.MustParse("999.00")))
	require.NoError(t, e.items.SetFunded(ctx, item.ID, money.Zero))

	drifts, err = e.ledger.Reconcile(ctx, student.ID, false)
	require.NoError(t, err)
	require.Len(t, drifts, 2)
	assert.Equal(t, "student", drifts[0].Entity)
	assert.True(t, money.MustParse("999.00").Equal(drifts[0].Stored))
	assert.True(t, money.MustParse("60.00").Equal(drifts[0].Expected))
	assert.Equal(t, "wishlist_item", drifts[1].Entity)
	assert.True(t, money.MustParse("999.00").Equal(e.student(t, student.ID).AmountRaised), "report only")

	drifts, err = e.ledger.ReconcileAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, drifts, 2)
	assert.True(t, money.MustParse("60.00").Equal(e.student(t, student.ID).AmountRaised))
	gotItem, err := e.items.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, money.MustParse("60.00").Equal(gotItem.AmountFunded))
	assert.Equal(t, model.WishlistItemPartial, gotItem.Status)

	drifts, err = e.ledger.Reconcile(ctx, student.ID, false)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	_, err = e.ledger.Reconcile(ctx, "missing", false)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedger_ReconcileIgnoresUncreditedDonations(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "15.00", model.ChannelBankTransfer)
	e.completeDirectly(t, d.ID)

	drifts, err := e.ledger.Reconcile(ctx, student.ID, true)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	// crediting it later must not count twice
	applied, err := e.ledger.ApplyCompletedDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, money.MustParse("15.00").Equal(e.student(t, student.ID).AmountRaised))
}
