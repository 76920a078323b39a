package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nimasrn/donation-engine/internal/fee"
	gateway "github.com/nimasrn/donation-engine/internal/gateways"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/notification"
	"github.com/nimasrn/donation-engine/internal/receipt"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/pkg/blob"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"github.com/nimasrn/donation-engine/pkg/redis"
)

type fakeGateway struct {
	channel model.Channel

	mu       sync.Mutex
	captures int
	refunds  int
	capture  func(ctx context.Context, req gateway.CaptureRequest) (gateway.PaymentResult, error)
	status   func(ctx context.Context, externalID string) (gateway.PaymentResult, error)
	refund   func(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error)
}

func newFakeGateway(channel model.Channel) *fakeGateway {
	return &fakeGateway{channel: channel}
}

func (f *fakeGateway) Channel() model.Channel { return f.channel }

func (f *fakeGateway) Capture(ctx context.Context, req gateway.CaptureRequest) (gateway.PaymentResult, error) {
	f.mu.Lock()
	f.captures++
	fn := f.capture
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return gateway.PaymentResult{Outcome: gateway.OutcomeSuccess, ExternalTransactionID: "ext-" + req.DonationID}, nil
}

func (f *fakeGateway) Status(ctx context.Context, externalID string) (gateway.PaymentResult, error) {
	if f.status != nil {
		return f.status(ctx, externalID)
	}
	return gateway.PaymentResult{Outcome: gateway.OutcomeSuccess, ExternalTransactionID: externalID}, nil
}

func (f *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	f.mu.Lock()
	f.refunds++
	f.mu.Unlock()
	if f.refund != nil {
		return f.refund(ctx, req)
	}
	return gateway.RefundResult{Success: true, ExternalRefundID: "re-" + req.RefundID}, nil
}

func (f *fakeGateway) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []notification.Mail
	failNext int
}

func (m *fakeMailer) Send(_ context.Context, mail notification.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, mail)
	return nil
}

func (m *fakeMailer) sentTo(to string) []notification.Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notification.Mail
	for _, mail := range m.sent {
		if mail.To == to {
			out = append(out, mail)
		}
	}
	return out
}

type fakeRenderer struct{}

func (fakeRenderer) Render(d receipt.Data) ([]byte, error) {
	return []byte("%PDF receipt " + d.Number), nil
}

// flakyRenderer fails the next failNext renders.
type flakyRenderer struct {
	mu       sync.Mutex
	failNext int
}

func (r *flakyRenderer) Render(d receipt.Data) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return nil, errors.New("font not found")
	}
	return fakeRenderer{}.Render(d)
}

type failingBlobs struct {
	mu       sync.Mutex
	failNext int
	inner    *blob.MemoryStore
}

func (b *failingBlobs) Upload(ctx context.Context, data []byte, name, contentType string) (string, error) {
	b.mu.Lock()
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return "", errors.New("s3 unavailable")
	}
	b.mu.Unlock()
	return b.inner.Upload(ctx, data, name, contentType)
}

// contendedAllocator reports sequence contention a fixed number of times
// before delegating.
type contendedAllocator struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    ReceiptAllocator
}

func (a *contendedAllocator) Allocate(ctx context.Context, year int) (string, error) {
	a.mu.Lock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		a.mu.Unlock()
		return "", fmt.Errorf("%w: could not serialize access", repository.ErrSequenceContention)
	}
	a.mu.Unlock()
	return a.inner.Allocate(ctx, year)
}

type testEnv struct {
	db        *pg.DB
	donations *repository.DonationRepository
	students  *repository.StudentRepository
	items     *repository.WishlistRepository
	donors    *repository.DonorRepository
	refunds   *repository.RefundRepository
	sequences *repository.ReceiptSequenceRepository
	allocator *contendedAllocator

	card   *fakeGateway
	wallet *fakeGateway
	redis  redis.RedisAdapter
	locks  *idempotency.Service
	mailer *fakeMailer
	blobs  *failingBlobs

	ledger      *LedgerService
	sideEffects *SideEffectService
	payments    *PaymentService
	service     *DonationService
}

const adminEmail = "admin@example.org"

func setupEnv(t *testing.T) *testEnv {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(repository.Entities()...))

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := &testEnv{db: pg.NewFromGorm(gdb, gdb)}
	e.donations = repository.NewDonationRepository(e.db)
	e.students = repository.NewStudentRepository(e.db)
	e.items = repository.NewWishlistRepository(e.db)
	e.donors = repository.NewDonorRepository(e.db)
	e.refunds = repository.NewRefundRepository(e.db)
	e.sequences = repository.NewReceiptSequenceRepository(e.db, receipt.NewNumbering("RCPT", 6))
	e.allocator = &contendedAllocator{inner: e.sequences}

	e.card = newFakeGateway(model.ChannelCard)
	e.wallet = newFakeGateway(model.ChannelWallet)
	registry := gateway.NewRegistry(e.card, e.wallet, gateway.NewBankTransferAdapter())

	e.redis = redis.NewFromClient("test:", client)
	e.locks = idempotency.NewService(e.redis, idempotency.DefaultConfig())
	e.mailer = &fakeMailer{}
	e.blobs = &failingBlobs{inner: blob.NewMemoryStore()}

	e.ledger = NewLedgerService(e.donations, e.students, e.items, e.donors)
	e.sideEffects = NewSideEffectService(e.donations, e.students, e.items, e.donors, e.ledger, fakeRenderer{}, e.blobs, e.mailer)

	cfg := DefaultPaymentConfig()
	cfg.GatewayTimeout = time.Second
	e.payments = NewPaymentService(e.donations, e.allocator, registry, e.locks, NewInlineDispatcher(e.sideEffects), cfg)
	e.service = NewDonationService(e.donations, e.students, e.items, e.donors, e.refunds, fee.DefaultSchedule(), registry, e.locks, e.mailer,
		DonationConfig{Minimum: money.MustParse("1.00"), Currency: "USD", AdminEmail: adminEmail})
	return e
}

func (e *testEnv) seedStudent(t *testing.T) *model.Student {
	s, err := e.students.Create(context.Background(), &model.Student{
		Name:        "Sam Student",
		Email:       "sam@example.org",
		FundingGoal: money.MustParse("1000.00"),
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) seedItem(t *testing.T, studentID, price string) *model.WishlistItem {
	item, err := e.items.Create(context.Background(), &model.WishlistItem{
		StudentID: studentID,
		Title:     "Laptop",
		Price:     money.MustParse(price),
	})
	require.NoError(t, err)
	return item
}

func (e *testEnv) createDonation(t *testing.T, studentID string, amount string, channel model.Channel, mutate ...func(r *CreateDonationRequest)) *model.Donation {
	req := CreateDonationRequest{
		StudentID: studentID,
		Amount:    money.MustParse(amount),
		Channel:   channel,
		Donor:     DonorInfo{Email: "dana@example.org", Name: "Dana Donor"},
	}
	for _, m := range mutate {
		m(&req)
	}
	d, err := e.service.CreateDonation(context.Background(), req)
	require.NoError(t, err)
	return d
}

func (e *testEnv) reload(t *testing.T, id string) *model.Donation {
	d, err := e.donations.GetByID(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (e *testEnv) student(t *testing.T, id string) *model.Student {
	s, err := e.students.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}
