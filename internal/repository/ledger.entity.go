package repository

import (
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/pkg/pg"
)

type StudentEntity struct {
	pg.Model
	Name          string      `gorm:"column:name;not null"`
	Email         string      `gorm:"column:email;not null"`
	FundingGoal   money.Money `gorm:"column:funding_goal;type:numeric(12,2);not null"`
	AmountRaised  money.Money `gorm:"column:amount_raised;type:numeric(12,2);not null"`
	IsFullyFunded bool        `gorm:"column:is_fully_funded;not null"`
}

func (StudentEntity) TableName() string {
	return "students"
}

func toStudentModel(e *StudentEntity) *model.Student {
	if e == nil {
		return nil
	}
	return &model.Student{
		ID:            e.ID,
		Name:          e.Name,
		Email:         e.Email,
		FundingGoal:   e.FundingGoal,
		AmountRaised:  e.AmountRaised,
		IsFullyFunded: e.IsFullyFunded,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

type WishlistItemEntity struct {
	pg.Model
	StudentID    string      `gorm:"column:student_id;type:uuid;not null;index"`
	Title        string      `gorm:"column:title;not null"`
	Price        money.Money `gorm:"column:price;type:numeric(12,2);not null"`
	AmountFunded money.Money `gorm:"column:amount_funded;type:numeric(12,2);not null"`
	Status       string      `gorm:"column:status;not null;default:needed"`
}

func (WishlistItemEntity) TableName() string {
	return "wishlist_items"
}

func toWishlistItemModel(e *WishlistItemEntity) *model.WishlistItem {
	if e == nil {
		return nil
	}
	return &model.WishlistItem{
		ID:           e.ID,
		StudentID:    e.StudentID,
		Title:        e.Title,
		Price:        e.Price,
		AmountFunded: e.AmountFunded,
		Status:       model.WishlistItemStatus(e.Status),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

type DonorEntity struct {
	pg.Model
	Email             string      `gorm:"column:email;not null;uniqueIndex"`
	Name              string      `gorm:"column:name"`
	TotalDonated      money.Money `gorm:"column:total_donated;type:numeric(12,2);not null"`
	StudentsSupported int64       `gorm:"column:students_supported;not null"`
}

func (DonorEntity) TableName() string {
	return "donors"
}

func toDonorModel(e *DonorEntity) *model.Donor {
	if e == nil {
		return nil
	}
	return &model.Donor{
		ID:                e.ID,
		Email:             e.Email,
		Name:              e.Name,
		TotalDonated:      e.TotalDonated,
		StudentsSupported: e.StudentsSupported,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

type RefundEntity struct {
	pg.Model
	DonationID       string      `gorm:"column:donation_id;type:uuid;not null;index"`
	Amount           money.Money `gorm:"column:amount;type:numeric(12,2);not null"`
	Reason           string      `gorm:"column:reason"`
	Status           string      `gorm:"column:status;not null"`
	ExternalRefundID *string     `gorm:"column:external_refund_id"`
	FailureReason    *string     `gorm:"column:failure_reason"`
}

func (RefundEntity) TableName() string {
	return "refunds"
}

func toRefundModel(e *RefundEntity) *model.Refund {
	if e == nil {
		return nil
	}
	return &model.Refund{
		ID:               e.ID,
		DonationID:       e.DonationID,
		Amount:           e.Amount,
		Reason:           e.Reason,
		Status:           model.RefundStatus(e.Status),
		ExternalRefundID: e.ExternalRefundID,
		FailureReason:    e.FailureReason,
		CreatedAt:        e.CreatedAt,
	}
}

// ReceiptSequenceEntity is the per prefix and year counter row that
// serializes receipt number allocation.
type ReceiptSequenceEntity struct {
	Prefix    string `gorm:"column:prefix;primaryKey"`
	Year      int    `gorm:"column:year;primaryKey;autoIncrement:false"`
	LastValue int64  `gorm:"column:last_value;not null"`
}

func (ReceiptSequenceEntity) TableName() string {
	return "receipt_sequences"
}

// Entities lists every table, in dependency order, for AutoMigrate in tests.
func Entities() []any {
	return []any{
		&StudentEntity{},
		&WishlistItemEntity{},
		&DonorEntity{},
		&DonationEntity{},
		&RefundEntity{},
		&ReceiptSequenceEntity{},
	}
}
