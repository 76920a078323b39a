package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrStudentNotFound      = errors.New("student not found")
	ErrWishlistItemNotFound = errors.New("wishlist item not found")
	ErrDonorNotFound        = errors.New("donor not found")
)

type StudentRepository struct {
	*pg.DB
}

func NewStudentRepository(db *pg.DB) *StudentRepository {
	return &StudentRepository{
		db,
	}
}

func (r *StudentRepository) Create(ctx context.Context, s *model.Student) (*model.Student, error) {
	entity := &StudentEntity{
		Model:         pg.Model{ID: s.ID},
		Name:          s.Name,
		Email:         s.Email,
		FundingGoal:   s.FundingGoal,
		AmountRaised:  s.AmountRaised,
		IsFullyFunded: s.IsFullyFunded,
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toStudentModel(entity), nil
}

func (r *StudentRepository) GetByID(ctx context.Context, id string) (*model.Student, error) {
	var entity StudentEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return toStudentModel(&entity), nil
}

func (r *StudentRepository) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.Read(ctx).Model(&StudentEntity{}).Order("created_at ASC").Pluck("id", &ids).Error
	return ids, err
}

// IncrementRaised adds amount to the student's total and recomputes the
// fully funded flag in the same statement, so concurrent increments never
// lose an update.
func (r *StudentRepository) IncrementRaised(ctx context.Context, id string, amount money.Money) error {
	result := r.Write(ctx).
		Model(&StudentEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"amount_raised":   gorm.Expr("amount_raised + ?", amount),
			"is_fully_funded": gorm.Expr("(amount_raised + ? >= funding_goal)", amount),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStudentNotFound
	}
	return nil
}

// SetRaised overwrites the aggregate, used when reconciling drift.
func (r *StudentRepository) SetRaised(ctx context.Context, id string, raised money.Money) error {
	return r.Write(ctx).
		Model(&StudentEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"amount_raised":   raised,
			"is_fully_funded": gorm.Expr("(CAST(? AS NUMERIC(12,2)) >= funding_goal)", raised),
		}).
		Error
}

type WishlistRepository struct {
	*pg.DB
}

func NewWishlistRepository(db *pg.DB) *WishlistRepository {
	return &WishlistRepository{
		db,
	}
}

func (r *WishlistRepository) Create(ctx context.Context, item *model.WishlistItem) (*model.WishlistItem, error) {
	status := item.Status
	if status == "" {
		status = model.ItemStatusFor(item.AmountFunded, item.Price)
	}
	entity := &WishlistItemEntity{
		Model:        pg.Model{ID: item.ID},
		StudentID:    item.StudentID,
		Title:        item.Title,
		Price:        item.Price,
		AmountFunded: item.AmountFunded,
		Status:       string(status),
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toWishlistItemModel(entity), nil
}

func (r *WishlistRepository) GetByID(ctx context.Context, id string) (*model.WishlistItem, error) {
	var entity WishlistItemEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWishlistItemNotFound
		}
		return nil, err
	}
	return toWishlistItemModel(&entity), nil
}

func (r *WishlistRepository) ListByStudent(ctx context.Context, studentID string) ([]*model.WishlistItem, error) {
	var entities []*WishlistItemEntity
	if err := r.Read(ctx).Where("student_id = ?", studentID).Order("created_at ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	items := make([]*model.WishlistItem, len(entities))
	for i, e := range entities {
		items[i] = toWishlistItemModel(e)
	}
	return items, nil
}

const (
	itemStatusIncrement = "CASE WHEN amount_funded + ? >= price THEN 'funded' WHEN amount_funded + ? > 0 THEN 'partial' ELSE 'needed' END"
	itemStatusAbsolute  = "CASE WHEN CAST(? AS NUMERIC(12,2)) >= price THEN 'funded' WHEN CAST(? AS NUMERIC(12,2)) > 0 THEN 'partial' ELSE 'needed' END"
)

// IncrementFunded adds amount to the item and recomputes its status in the
// same statement.
func (r *WishlistRepository) IncrementFunded(ctx context.Context, id string, amount money.Money) error {
	result := r.Write(ctx).
		Model(&WishlistItemEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"amount_funded": gorm.Expr("amount_funded + ?", amount),
			"status":        gorm.Expr(itemStatusIncrement, amount, amount),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWishlistItemNotFound
	}
	return nil
}

// SetFunded overwrites the funded amount and status, used when reconciling.
func (r *WishlistRepository) SetFunded(ctx context.Context, id string, funded money.Money) error {
	return r.Write(ctx).
		Model(&WishlistItemEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"amount_funded": funded,
			"status":        gorm.Expr(itemStatusAbsolute, funded, funded),
		}).
		Error
}

type DonorRepository struct {
	*pg.DB
}

func NewDonorRepository(db *pg.DB) *DonorRepository {
	return &DonorRepository{
		db,
	}
}

// FindOrCreateByEmail returns the donor registered under email, creating it
// when missing. Concurrent callers for the same email get the same row.
func (r *DonorRepository) FindOrCreateByEmail(ctx context.Context, email, name string) (*model.Donor, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	entity := &DonorEntity{Email: email, Name: name}
	err := r.Write(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(entity).
		Error
	if err != nil {
		return nil, err
	}

	var found DonorEntity
	if err := r.Write(ctx).Where("email = ?", email).First(&found).Error; err != nil {
		return nil, err
	}
	return toDonorModel(&found), nil
}

func (r *DonorRepository) GetByID(ctx context.Context, id string) (*model.Donor, error) {
	var entity DonorEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonorNotFound
		}
		return nil, err
	}
	return toDonorModel(&entity), nil
}

func (r *DonorRepository) UpdateTotals(ctx context.Context, id string, totals model.DonorTotals) error {
	result := r.Write(ctx).
		Model(&DonorEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_donated":      totals.TotalDonated,
			"students_supported": totals.StudentsSupported,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDonorNotFound
	}
	return nil
}

type RefundRepository struct {
	*pg.DB
}

func NewRefundRepository(db *pg.DB) *RefundRepository {
	return &RefundRepository{
		db,
	}
}

func (r *RefundRepository) Create(ctx context.Context, refund *model.Refund) (*model.Refund, error) {
	entity := &RefundEntity{
		Model:            pg.Model{ID: refund.ID},
		DonationID:       refund.DonationID,
		Amount:           refund.Amount,
		Reason:           refund.Reason,
		Status:           string(refund.Status),
		ExternalRefundID: refund.ExternalRefundID,
		FailureReason:    refund.FailureReason,
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toRefundModel(entity), nil
}

// SumActive totals refunds of a donation that did not fail.
func (r *RefundRepository) SumActive(ctx context.Context, donationID string) (money.Money, error) {
	var row moneySum
	err := r.Read(ctx).Model(&RefundEntity{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("donation_id = ? AND status <> ?", donationID, model.RefundStatusFailed).
		Scan(&row).
		Error
	return row.Total, err
}

func (r *RefundRepository) ListByDonation(ctx context.Context, donationID string) ([]*model.Refund, error) {
	var entities []*RefundEntity
	if err := r.Read(ctx).Where("donation_id = ?", donationID).Order("created_at ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	refunds := make([]*model.Refund, len(entities))
	for i, e := range entities {
		refunds[i] = toRefundModel(e)
	}
	return refunds, nil
}
