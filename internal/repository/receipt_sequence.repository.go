package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nimasrn/donation-engine/internal/receipt"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"gorm.io/gorm/clause"
)

// ErrSequenceContention means the counter row could not be advanced by this
// transaction. The whole completion transaction should be retried.
var ErrSequenceContention = errors.New("receipt sequence contention")

// postgres SQLSTATEs that mean the transaction lost a race.
var contentionCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

type ReceiptSequenceRepository struct {
	*pg.DB
	numbering receipt.Numbering
	donations *DonationRepository
}

func NewReceiptSequenceRepository(db *pg.DB, numbering receipt.Numbering) *ReceiptSequenceRepository {
	return &ReceiptSequenceRepository{
		DB:        db,
		numbering: numbering,
		donations: NewDonationRepository(db),
	}
}

func (r *ReceiptSequenceRepository) Numbering() receipt.Numbering {
	return r.numbering
}

// Next advances the (prefix, year) counter and returns the new value. It must
// run inside the transaction that writes the number, so the row lock is held
// until that transaction commits.
func (r *ReceiptSequenceRepository) Next(ctx context.Context, prefix string, year int) (int64, error) {
	if err := r.ensureRow(ctx, prefix, year); err != nil {
		return 0, classify(err)
	}

	var row ReceiptSequenceEntity
	err := r.Write(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("prefix = ? AND year = ?", prefix, year).
		First(&row).
		Error
	if err != nil {
		return 0, classify(err)
	}

	next := row.LastValue + 1
	result := r.Write(ctx).
		Model(&ReceiptSequenceEntity{}).
		Where("prefix = ? AND year = ? AND last_value = ?", prefix, year, row.LastValue).
		Update("last_value", next)
	if result.Error != nil {
		return 0, classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrSequenceContention
	}
	return next, nil
}

// Allocate returns the next formatted receipt number for year.
func (r *ReceiptSequenceRepository) Allocate(ctx context.Context, year int) (string, error) {
	seq, err := r.Next(ctx, r.numbering.Prefix, year)
	if err != nil {
		return "", err
	}
	return r.numbering.Format(year, seq), nil
}

// ensureRow creates the counter on first use, seeded with the highest
// number already stored on donations for that prefix and year.
func (r *ReceiptSequenceRepository) ensureRow(ctx context.Context, prefix string, year int) error {
	var count int64
	err := r.Write(ctx).Model(&ReceiptSequenceEntity{}).
		Where("prefix = ? AND year = ?", prefix, year).
		Count(&count).
		Error
	if err != nil || count > 0 {
		return err
	}

	numbering := receipt.Numbering{Prefix: prefix, Width: r.numbering.Width}
	seed := int64(0)
	highest, err := r.donations.MaxReceiptNumber(ctx, numbering.YearPrefix(year))
	if err != nil {
		return err
	}
	if highest != "" {
		_, seq, err := numbering.Parse(highest)
		if err != nil {
			return fmt.Errorf("seed receipt sequence from %q: %w", highest, err)
		}
		seed = seq
	}

	return r.Write(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ReceiptSequenceEntity{Prefix: prefix, Year: year, LastValue: seed}).
		Error
}

// Current returns the last issued value, zero when nothing was issued.
func (r *ReceiptSequenceRepository) Current(ctx context.Context, prefix string, year int) (int64, error) {
	var rows []ReceiptSequenceEntity
	err := r.Read(ctx).Where("prefix = ? AND year = ?", prefix, year).Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return rows[0].LastValue, nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && contentionCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s", ErrSequenceContention, pgErr.Message)
	}
	return err
}
