package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/services"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockDonationService struct {
	mock.Mock
}

func (m *MockDonationService) CreateDonation(ctx context.Context, req services.CreateDonationRequest) (*model.Donation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Donation), args.Error(1)
}

func (m *MockDonationService) Get(ctx context.Context, id string) (*model.Donation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Donation), args.Error(1)
}

func (m *MockDonationService) List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Donation), args.Get(1).(int64), args.Error(2)
}

func (m *MockDonationService) Refund(ctx context.Context, id string, amount money.Money, reason string) (*services.RefundOutcome, error) {
	args := m.Called(ctx, id, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.RefundOutcome), args.Error(1)
}

func (m *MockDonationService) Refunds(ctx context.Context, id string) ([]*model.Refund, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Refund), args.Error(1)
}

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) ProcessPayment(ctx context.Context, id, token string) (*services.PaymentOutcome, error) {
	args := m.Called(ctx, id, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.PaymentOutcome), args.Error(1)
}

func (m *MockPaymentService) VerifyManualPayment(ctx context.Context, ref, verifiedBy string) (*services.PaymentOutcome, error) {
	args := m.Called(ctx, ref, verifiedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.PaymentOutcome), args.Error(1)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func decodeBody(t *testing.T, ctx *xhttp.RequestCtx, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), dst))
}

func testDonation(id string, status model.DonationStatus) *model.Donation {
	return &model.Donation{
		ID:               id,
		StudentID:        "stu-1",
		GrossAmount:      money.MustParse("50.00"),
		FeeAmount:        money.MustParse("1.40"),
		NetAmount:        money.MustParse("48.60"),
		Currency:         "USD",
		Channel:          model.ChannelCard,
		Kind:             model.DonationKindGift,
		Status:           status,
		PaymentReference: "GIFT-2026-ABCDEF123456",
	}
}
