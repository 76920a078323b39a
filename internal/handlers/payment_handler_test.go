package handlers

import (
	"testing"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/services"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newPaymentHandler() (*PaymentHandler, *MockPaymentService, *MockDonationService) {
	payments := new(MockPaymentService)
	donations := new(MockDonationService)
	return NewPaymentHandler(payments, donations), payments, donations
}

func TestPaymentHandler_ProcessPayment(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		outcome := &services.PaymentOutcome{Status: services.PaymentCompleted, Donation: testDonation("don-1", model.DonationStatusCompleted)}
		payments.On("ProcessPayment", mock.Anything, "don-1", "tok_ok").Return(outcome, nil)

		ctx := setupTestContext("POST", "/donations/don-1/process", []byte(`{"token":"tok_ok"}`))
		ctx.SetUserValue("id", "don-1")
		handler.ProcessPayment(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		var got services.PaymentOutcome
		decodeBody(t, ctx, &got)
		assert.Equal(t, services.PaymentCompleted, got.Status)
		payments.AssertExpectations(t)
	})

	t.Run("declined is still a 200", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		outcome := &services.PaymentOutcome{Status: services.PaymentFailed, FailureReason: "card declined", Donation: testDonation("don-1", model.DonationStatusFailed)}
		payments.On("ProcessPayment", mock.Anything, "don-1", "tok_decline").Return(outcome, nil)

		ctx := setupTestContext("POST", "/donations/don-1/process", []byte(`{"token":"tok_decline"}`))
		ctx.SetUserValue("id", "don-1")
		handler.ProcessPayment(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		assert.Contains(t, string(ctx.Response.Body()), "card declined")
	})

	t.Run("pending review is accepted", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		outcome := &services.PaymentOutcome{Status: services.PaymentPendingManualReview, Donation: testDonation("don-1", model.DonationStatusPending)}
		payments.On("ProcessPayment", mock.Anything, "don-1", "").Return(outcome, nil)

		ctx := setupTestContext("POST", "/donations/don-1/process", nil)
		ctx.SetUserValue("id", "don-1")
		handler.ProcessPayment(ctx)

		assert.Equal(t, xhttp.StatusAccepted, ctx.Response.StatusCode())
	})

	t.Run("already processed returns the current state", func(t *testing.T) {
		handler, payments, donations := newPaymentHandler()
		payments.On("ProcessPayment", mock.Anything, "don-1", "tok_ok").Return(nil, services.ErrAlreadyProcessed)
		donations.On("Get", mock.Anything, "don-1").Return(testDonation("don-1", model.DonationStatusCompleted), nil)

		ctx := setupTestContext("POST", "/donations/don-1/process", []byte(`{"token":"tok_ok"}`))
		ctx.SetUserValue("id", "don-1")
		handler.ProcessPayment(ctx)

		assert.Equal(t, xhttp.StatusConflict, ctx.Response.StatusCode())
		var got errorResponse
		decodeBody(t, ctx, &got)
		if assert.NotNil(t, got.Donation) {
			assert.Equal(t, model.DonationStatusCompleted, got.Donation.Status)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		payments.On("ProcessPayment", mock.Anything, "don-1", "").
			Return(nil, &services.ValidationError{Field: "token", Reason: "payment token is required"})

		ctx := setupTestContext("POST", "/donations/don-1/process", []byte(`{}`))
		ctx.SetUserValue("id", "don-1")
		handler.ProcessPayment(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_VerifyBankTransfer(t *testing.T) {
	t.Run("verified", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		d := testDonation("don-1", model.DonationStatusCompleted)
		d.Channel = model.ChannelBankTransfer
		payments.On("VerifyManualPayment", mock.Anything, "GIFT-2026-ABCDEF123456", "ops@example.org").
			Return(&services.PaymentOutcome{Status: services.PaymentCompleted, Donation: d}, nil)

		ctx := setupTestContext("POST", "/bank-transfers/verify", []byte(`{"reference":"GIFT-2026-ABCDEF123456","verified_by":"ops@example.org"}`))
		handler.VerifyBankTransfer(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		payments.AssertExpectations(t)
	})

	t.Run("unknown reference", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		payments.On("VerifyManualPayment", mock.Anything, "GIFT-X", "ops").Return(nil, services.ErrDonationNotFound)

		ctx := setupTestContext("POST", "/bank-transfers/verify", []byte(`{"reference":"GIFT-X","verified_by":"ops"}`))
		handler.VerifyBankTransfer(ctx)

		assert.Equal(t, xhttp.StatusNotFound, ctx.Response.StatusCode())
	})

	t.Run("already verified", func(t *testing.T) {
		handler, payments, _ := newPaymentHandler()
		payments.On("VerifyManualPayment", mock.Anything, "GIFT-X", "ops").Return(nil, services.ErrAlreadyProcessed)

		ctx := setupTestContext("POST", "/bank-transfers/verify", []byte(`{"reference":"GIFT-X","verified_by":"ops"}`))
		handler.VerifyBankTransfer(ctx)

		assert.Equal(t, xhttp.StatusConflict, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_Webhook(t *testing.T) {
	t.Run("hands the token to the payment flow", func(t *testing.T) {
		handler, payments, donations := newPaymentHandler()
		d := testDonation("don-1", model.DonationStatusPending)
		d.Channel = model.ChannelWallet
		donations.On("Get", mock.Anything, "don-1").Return(d, nil)
		payments.On("ProcessPayment", mock.Anything, "don-1", "wal_ok").
			Return(&services.PaymentOutcome{Status: services.PaymentCompleted, Donation: d}, nil)

		ctx := setupTestContext("POST", "/webhooks/wallet", []byte(`{"donation_id":"don-1","token":"wal_ok"}`))
		ctx.SetUserValue("channel", "wallet")
		handler.Webhook(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		payments.AssertExpectations(t)
	})

	t.Run("channel mismatch", func(t *testing.T) {
		handler, payments, donations := newPaymentHandler()
		donations.On("Get", mock.Anything, "don-1").Return(testDonation("don-1", model.DonationStatusPending), nil)

		ctx := setupTestContext("POST", "/webhooks/wallet", []byte(`{"donation_id":"don-1","token":"wal_ok"}`))
		ctx.SetUserValue("channel", "wallet")
		handler.Webhook(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		payments.AssertNotCalled(t, "ProcessPayment", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("bank transfers have no webhook", func(t *testing.T) {
		handler, _, _ := newPaymentHandler()

		ctx := setupTestContext("POST", "/webhooks/bank_transfer", []byte(`{"donation_id":"don-1"}`))
		ctx.SetUserValue("channel", "bank_transfer")
		handler.Webhook(ctx)

		assert.Equal(t, xhttp.StatusNotFound, ctx.Response.StatusCode())
	})

	t.Run("donation id required", func(t *testing.T) {
		handler, _, _ := newPaymentHandler()

		ctx := setupTestContext("POST", "/webhooks/card", []byte(`{"token":"tok_ok"}`))
		ctx.SetUserValue("channel", "card")
		handler.Webhook(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
	})
}
