package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
)

func TestSideEffects_NotificationFailureIsRetried(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "50.00", model.ChannelCard)
	e.mailer.failNext = 1

	outcome, err := e.payments.ProcessPayment(ctx, d.ID, "tok_visa")
	require.NoError(t, err)
	require.True(t, outcome.Success())

	got := e.reload(t, d.ID)
	assert.True(t, got.ReceiptIssued)
	assert.True(t, got.LedgerApplied)
	assert.False(t, got.Notified)
	assert.Equal(t, 1, got.SideEffectAttempts)
	require.NotNil(t, got.LastSideEffectError)
	assert.Contains(t, *got.LastSideEffectError, "notification")

	pending, err := e.donations.ListPendingSideEffects(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].ID)

	require.NoError(t, e.sideEffects.Run(ctx, d.ID))

	got = e.reload(t, d.ID)
	assert.True(t, got.Notified)
	assert.Nil(t, got.LastSideEffectError)
	assert.Equal(t, 2, got.SideEffectAttempts)
	assert.True(t, money.MustParse("48.60").Equal(e.student(t, student.ID).AmountRaised))

	donorMail := e.mailer.sentTo("dana@example.org")
	require.Len(t, donorMail, 1)
	require.NotNil(t, donorMail[0].Attachment, "retried mail still carries the receipt")

	pending, err = e.donations.ListPendingSideEffects(ctx, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSideEffects_UploadFailureIsRetried(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "30.00", model.ChannelBankTransfer)
	e.blobs.failNext = 1

	_, err := e.payments.VerifyManualPayment(ctx, d.PaymentReference, "ops")
	require.NoError(t, err)

	got := e.reload(t, d.ID)
	assert.False(t, got.ReceiptIssued)
	assert.True(t, got.LedgerApplied)
	assert.True(t, got.Notified)

	require.NoError(t, e.sideEffects.Run(ctx, d.ID))
	got = e.reload(t, d.ID)
	assert.True(t, got.ReceiptIssued)
	require.NotNil(t, got.ReceiptURL)

	_, ok := e.blobs.inner.Get(*got.ReceiptNumber + ".pdf")
	assert.True(t, ok)
	assert.Len(t, e.mailer.sentTo("dana@example.org"), 1)
	assert.True(t, money.MustParse("30.00").Equal(e.student(t, student.ID).AmountRaised))
}

func TestSideEffects_LateReceiptMailIsRetried(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "30.00", model.ChannelBankTransfer)
	e.allocator.failures = e.payments.config.CompletionAttempts

	_, err := e.payments.VerifyManualPayment(ctx, d.PaymentReference, "ops")
	require.NoError(t, err)
	require.True(t, e.reload(t, d.ID).Notified)

	e.mailer.failNext = 1
	number, err := e.payments.AssignReceiptNumber(ctx, d.ID)
	require.NoError(t, err)

	got := e.reload(t, d.ID)
	assert.False(t, got.ReceiptIssued, "receipt stays pending until the donor has it")
	assert.False(t, got.ReceiptMailed)
	require.NotNil(t, got.LastSideEffectError)
	assert.Contains(t, *got.LastSideEffectError, "receipt mail")

	require.NoError(t, e.sideEffects.Run(ctx, d.ID))
	got = e.reload(t, d.ID)
	assert.True(t, got.ReceiptIssued)
	assert.True(t, got.ReceiptMailed)

	donorMail := e.mailer.sentTo("dana@example.org")
	require.Len(t, donorMail, 2)
	require.NotNil(t, donorMail[1].Attachment)
	assert.Equal(t, number+".pdf", donorMail[1].Attachment.Filename)

	require.NoError(t, e.sideEffects.Run(ctx, d.ID))
	assert.Len(t, e.mailer.sentTo("dana@example.org"), 2)
}

func TestSideEffects_RenderFailureStillNotifies(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "30.00", model.ChannelBankTransfer)
	e.sideEffects.renderer = &flakyRenderer{failNext: 2}

	_, err := e.payments.VerifyManualPayment(ctx, d.PaymentReference, "ops")
	require.NoError(t, err)

	got := e.reload(t, d.ID)
	assert.False(t, got.ReceiptIssued)
	assert.True(t, got.Notified)
	assert.False(t, got.ReceiptMailed)
	require.NotNil(t, got.LastSideEffectError)
	assert.Contains(t, *got.LastSideEffectError, "render")

	thanks := e.mailer.sentTo("dana@example.org")
	require.Len(t, thanks, 1)
	assert.Nil(t, thanks[0].Attachment)

	require.NoError(t, e.sideEffects.Run(ctx, d.ID))
	got = e.reload(t, d.ID)
	assert.True(t, got.ReceiptIssued)
	assert.True(t, got.ReceiptMailed)

	donorMail := e.mailer.sentTo("dana@example.org")
	require.Len(t, donorMail, 2)
	require.NotNil(t, donorMail[1].Attachment)
	assert.Equal(t, *got.ReceiptNumber+".pdf", donorMail[1].Attachment.Filename)
}

func TestSideEffects_RegistrationFee(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "25.00", model.ChannelBankTransfer, func(r *CreateDonationRequest) {
		r.Kind = model.DonationKindRegistrationFee
	})

	_, err := e.payments.VerifyManualPayment(ctx, d.PaymentReference, "ops")
	require.NoError(t, err)

	got := e.reload(t, d.ID)
	assert.True(t, got.LedgerApplied)
	assert.True(t, got.Notified)
	assert.True(t, e.student(t, student.ID).AmountRaised.IsZero())

	donor, err := e.donors.GetByID(ctx, *d.DonorID)
	require.NoError(t, err)
	assert.True(t, donor.TotalDonated.IsZero())

	assert.Len(t, e.mailer.sentTo("dana@example.org"), 1)
	assert.Empty(t, e.mailer.sentTo("sam@example.org"))
}

func TestSideEffects_AnonymousGift(t *testing.T) {
	e := setupEnv(t)
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "30.00", model.ChannelBankTransfer, func(r *CreateDonationRequest) {
		r.IsAnonymous = true
		r.AllowRecipientContact = true
	})

	_, err := e.payments.VerifyManualPayment(context.Background(), d.PaymentReference, "ops")
	require.NoError(t, err)

	mails := e.mailer.sentTo("sam@example.org")
	require.Len(t, mails, 1)
	assert.Contains(t, mails[0].Text, "An anonymous donor")
	assert.NotContains(t, mails[0].HTML, "dana@example.org")
	assert.NotContains(t, mails[0].HTML, "Dana Donor")
}

func TestSideEffects_RejectsUnfinishedDonations(t *testing.T) {
	e := setupEnv(t)
	student := e.seedStudent(t)
	d := e.createDonation(t, student.ID, "30.00", model.ChannelBankTransfer)

	assert.ErrorIs(t, e.sideEffects.Run(context.Background(), d.ID), ErrNotCompleted)
	assert.ErrorIs(t, e.sideEffects.Run(context.Background(), "missing"), ErrDonationNotFound)
}
