package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDonationNotFound = errors.New("donation not found")
	ErrNotPending       = errors.New("donation is not pending")
)

type DonationRepository struct {
	*pg.DB
}

func NewDonationRepository(db *pg.DB) *DonationRepository {
	return &DonationRepository{
		db,
	}
}

func (r *DonationRepository) Create(ctx context.Context, d *model.Donation) (*model.Donation, error) {
	entity := toDonationEntity(d)

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toDonationModel(entity), nil
}

func (r *DonationRepository) GetByID(ctx context.Context, id string) (*model.Donation, error) {
	var entity DonationEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return toDonationModel(&entity), nil
}

// GetForUpdate locks the donation row for the rest of the transaction in ctx.
func (r *DonationRepository) GetForUpdate(ctx context.Context, id string) (*model.Donation, error) {
	var entity DonationEntity
	err := r.Write(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return toDonationModel(&entity), nil
}

func (r *DonationRepository) GetByPaymentReference(ctx context.Context, reference string) (*model.Donation, error) {
	var entity DonationEntity
	err := r.Read(ctx).Where("payment_reference = ?", reference).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return toDonationModel(&entity), nil
}

func (r *DonationRepository) List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error) {
	q := r.Read(ctx).Model(&DonationEntity{})

	if f.StudentID != nil {
		q = q.Where("student_id = ?", *f.StudentID)
	}
	if f.DonorID != nil {
		q = q.Where("donor_id = ?", *f.DonorID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Channel != nil {
		q = q.Where("channel = ?", *f.Channel)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*DonationEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toDonationModels(entities), total, nil
}

// MarkFailed moves a pending donation to failed. It returns ErrNotPending
// when another caller already resolved it.
func (r *DonationRepository) MarkFailed(ctx context.Context, id, reason string) error {
	result := r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ? AND status = ?", id, model.DonationStatusPending).
		Updates(map[string]any{
			"status":         model.DonationStatusFailed,
			"failure_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkCompleted moves a pending donation to completed with its processing
// time, external id and receipt number, all in one statement.
func (r *DonationRepository) MarkCompleted(ctx context.Context, c model.Completion) error {
	values := map[string]any{
		"status":       model.DonationStatusCompleted,
		"processed_at": c.ProcessedAt,
	}
	if c.ExternalTransactionID != nil {
		values["external_transaction_id"] = *c.ExternalTransactionID
	}
	if c.ReceiptNumber != nil {
		values["receipt_number"] = *c.ReceiptNumber
	}

	result := r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ? AND status = ?", c.DonationID, model.DonationStatusPending).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// ClaimCapture marks a pending donation as being captured so that only one
// caller talks to the processor at a time. A claim set at or before
// staleBefore is considered abandoned and can be taken over. It returns
// ErrNotPending when the donation was already resolved.
func (r *DonationRepository) ClaimCapture(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	claimed := false
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		d, err := r.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != model.DonationStatusPending {
			return ErrNotPending
		}
		if d.CaptureStartedAt != nil && d.CaptureStartedAt.After(staleBefore) {
			return nil
		}

		result := r.Write(ctx).
			Model(&DonationEntity{}).
			Where("id = ? AND status = ? AND (capture_started_at IS NULL OR capture_started_at <= ?)",
				id, model.DonationStatusPending, staleBefore).
			Update("capture_started_at", now)
		if result.Error != nil {
			return result.Error
		}
		claimed = result.RowsAffected == 1
		return nil
	})
	return claimed, err
}

// ReleaseCapture drops the capture claim of a donation that stays pending.
func (r *DonationRepository) ReleaseCapture(ctx context.Context, id string) error {
	return r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ? AND status = ?", id, model.DonationStatusPending).
		Update("capture_started_at", nil).
		Error
}

// RecordExternalID stores the processor reference of a donation that stays
// pending for manual review.
func (r *DonationRepository) RecordExternalID(ctx context.Context, id, externalID string) error {
	return r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ? AND status = ?", id, model.DonationStatusPending).
		Update("external_transaction_id", externalID).
		Error
}

// SetReceiptNumber assigns a number to a completed donation that has none.
// A number is never replaced once set.
func (r *DonationRepository) SetReceiptNumber(ctx context.Context, id, number string) (bool, error) {
	result := r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ? AND status = ? AND receipt_number IS NULL", id, model.DonationStatusCompleted).
		Update("receipt_number", number)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *DonationRepository) MarkReceiptIssued(ctx context.Context, id, url string) error {
	return r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"receipt_issued": true,
			"receipt_url":    url,
		}).
		Error
}

// ClaimLedger flips ledger_applied from false to true on a completed
// donation. Only the caller that gets true may apply the ledger increments,
// and it must do so in the same transaction.
func (r *DonationRepository) ClaimLedger(ctx context.Context, id string) (bool, error) {
	result := r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ? AND status = ? AND ledger_applied = ?", id, model.DonationStatusCompleted, false).
		Update("ledger_applied", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkNotified records the notification pass. receiptMailed tells whether the
// donor's mail carried the receipt.
func (r *DonationRepository) MarkNotified(ctx context.Context, id string, receiptMailed bool) error {
	return r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{"notified": true, "receipt_mailed": receiptMailed}).
		Error
}

func (r *DonationRepository) MarkReceiptMailed(ctx context.Context, id string) error {
	return r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ?", id).
		Update("receipt_mailed", true).
		Error
}

// RecordSideEffectRun counts a side effect pass and keeps its last error.
// A nil error clears the previous one.
func (r *DonationRepository) RecordSideEffectRun(ctx context.Context, id string, lastErr *string) error {
	return r.Write(ctx).
		Model(&DonationEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"side_effect_attempts":   gorm.Expr("side_effect_attempts + 1"),
			"last_side_effect_error": lastErr,
		}).
		Error
}

// ListPendingSideEffects returns completed donations that still owe a
// receipt document, ledger application or notification.
func (r *DonationRepository) ListPendingSideEffects(ctx context.Context, maxAttempts, limit int) ([]*model.Donation, error) {
	var entities []*DonationEntity
	err := r.Read(ctx).
		Where("status = ?", model.DonationStatusCompleted).
		Where("(ledger_applied = ? OR notified = ? OR (receipt_number IS NOT NULL AND receipt_issued = ?))", false, false, false).
		Where("side_effect_attempts < ?", maxAttempts).
		Order("processed_at ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toDonationModels(entities), nil
}

// ListMissingReceiptNumbers returns completed donations whose numbering was
// exhausted by contention and now wait for manual regeneration.
func (r *DonationRepository) ListMissingReceiptNumbers(ctx context.Context, limit int) ([]*model.Donation, int64, error) {
	q := r.Read(ctx).Model(&DonationEntity{}).
		Where("status = ? AND receipt_number IS NULL", model.DonationStatusCompleted)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entities []*DonationEntity
	if err := q.Order("processed_at ASC").Limit(limit).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return toDonationModels(entities), total, nil
}

// ListAwaitingGateway returns pending donations that a processor parked in
// review and that can be polled for a final status.
func (r *DonationRepository) ListAwaitingGateway(ctx context.Context, channels []model.Channel, olderThan time.Time, limit int) ([]*model.Donation, error) {
	var entities []*DonationEntity
	err := r.Read(ctx).
		Where("status = ? AND external_transaction_id IS NOT NULL", model.DonationStatusPending).
		Where("channel IN ?", channels).
		Where("updated_at < ?", olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toDonationModels(entities), nil
}

type moneySum struct {
	Total money.Money `gorm:"column:total"`
}

// SumCompletedGifts re-sums the net of the completed gift donations to a
// student that the ledger has absorbed.
func (r *DonationRepository) SumCompletedGifts(ctx context.Context, studentID string) (money.Money, error) {
	var row moneySum
	err := r.Read(ctx).Model(&DonationEntity{}).
		Select("COALESCE(SUM(net_amount), 0) AS total").
		Where("student_id = ? AND status = ? AND kind = ? AND ledger_applied = ?", studentID, model.DonationStatusCompleted, model.DonationKindGift, true).
		Scan(&row).
		Error
	return row.Total, err
}

type itemSum struct {
	ItemID string      `gorm:"column:wishlist_item_id"`
	Total  money.Money `gorm:"column:total"`
}

// SumCompletedGiftsByItem re-sums completed gift donations per targeted
// wish-list item of a student.
func (r *DonationRepository) SumCompletedGiftsByItem(ctx context.Context, studentID string) (map[string]money.Money, error) {
	var rows []itemSum
	err := r.Read(ctx).Model(&DonationEntity{}).
		Select("wishlist_item_id, COALESCE(SUM(net_amount), 0) AS total").
		Where("student_id = ? AND status = ? AND kind = ? AND ledger_applied = ? AND wishlist_item_id IS NOT NULL", studentID, model.DonationStatusCompleted, model.DonationKindGift, true).
		Group("wishlist_item_id").
		Scan(&rows).
		Error
	if err != nil {
		return nil, err
	}
	sums := make(map[string]money.Money, len(rows))
	for _, row := range rows {
		sums[row.ItemID] = row.Total
	}
	return sums, nil
}

type donorTotals struct {
	Total    money.Money `gorm:"column:total"`
	Students int64       `gorm:"column:students"`
}

// DonorTotals aggregates a donor's completed, non fee donations.
func (r *DonationRepository) DonorTotals(ctx context.Context, donorID string) (model.DonorTotals, error) {
	var row donorTotals
	err := r.Read(ctx).Model(&DonationEntity{}).
		Select("COALESCE(SUM(net_amount), 0) AS total, COUNT(DISTINCT student_id) AS students").
		Where("donor_id = ? AND status = ? AND kind <> ?", donorID, model.DonationStatusCompleted, model.DonationKindRegistrationFee).
		Scan(&row).
		Error
	if err != nil {
		return model.DonorTotals{}, err
	}
	return model.DonorTotals{TotalDonated: row.Total, StudentsSupported: row.Students}, nil
}

// MaxReceiptNumber returns the highest receipt number starting with
// yearPrefix, comparing by length first so wider sequences sort last.
func (r *DonationRepository) MaxReceiptNumber(ctx context.Context, yearPrefix string) (string, error) {
	var numbers []string
	err := r.Read(ctx).Model(&DonationEntity{}).
		Where("receipt_number LIKE ?", yearPrefix+"%").
		Order("LENGTH(receipt_number) DESC, receipt_number DESC").
		Limit(1).
		Pluck("receipt_number", &numbers).
		Error
	if err != nil || len(numbers) == 0 {
		return "", err
	}
	return numbers[0], nil
}
