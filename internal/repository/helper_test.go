package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

func setupTestDB(t *testing.T) *testDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Entities()...))

	return &testDB{
		DB:    pg.NewFromGorm(db, db),
		rawDB: db,
	}
}

func seedStudent(t *testing.T, db *testDB, goal string) *model.Student {
	s, err := NewStudentRepository(db.DB).Create(context.Background(), &model.Student{
		Name:        "Sam Student",
		Email:       "sam@example.org",
		FundingGoal: money.MustParse(goal),
	})
	require.NoError(t, err)
	return s
}

func seedItem(t *testing.T, db *testDB, studentID, price string) *model.WishlistItem {
	item, err := NewWishlistRepository(db.DB).Create(context.Background(), &model.WishlistItem{
		StudentID: studentID,
		Title:     "Laptop",
		Price:     money.MustParse(price),
	})
	require.NoError(t, err)
	return item
}

type donationOpt func(d *model.Donation)

func seedDonation(t *testing.T, db *testDB, studentID string, net string, opts ...donationOpt) *model.Donation {
	d := &model.Donation{
		StudentID:        studentID,
		GrossAmount:      money.MustParse(net),
		FeeAmount:        money.Zero,
		NetAmount:        money.MustParse(net),
		Currency:         "USD",
		Channel:          model.ChannelBankTransfer,
		Kind:             model.DonationKindGift,
		Status:           model.DonationStatusPending,
		PaymentReference: "BT-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(d)
	}
	created, err := NewDonationRepository(db.DB).Create(context.Background(), d)
	require.NoError(t, err)
	return created
}

func completed(d *model.Donation) {
	now := time.Now()
	d.Status = model.DonationStatusCompleted
	d.ProcessedAt = &now
}

func applied(d *model.Donation) {
	d.LedgerApplied = true
}

func withDonor(id string) donationOpt {
	return func(d *model.Donation) { d.DonorID = &id }
}

func withItem(id string) donationOpt {
	return func(d *model.Donation) { d.WishlistItemID = &id }
}

func withKind(k model.DonationKind) donationOpt {
	return func(d *model.Donation) { d.Kind = k }
}

func withReceipt(number string) donationOpt {
	return func(d *model.Donation) { d.ReceiptNumber = &number }
}
