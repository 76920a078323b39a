package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/pkg/logger"
)

// LedgerService keeps student, wish-list item and donor aggregates in step
// with completed donations.
type LedgerService struct {
	donations DonationRepository
	students  StudentRepository
	items     WishlistRepository
	donors    DonorRepository
}

func NewLedgerService(donations DonationRepository, students StudentRepository, items WishlistRepository, donors DonorRepository) *LedgerService {
	return &LedgerService{
		donations: donations,
		students:  students,
		items:     items,
		donors:    donors,
	}
}

// ApplyCompletedDonation credits a completed donation to the ledger. The
// ledger_applied flag is claimed in the same transaction as the increments,
// so a donation is credited at most once no matter how often this runs. It
// reports whether this call did the crediting.
func (s *LedgerService) ApplyCompletedDonation(ctx context.Context, donationID string) (bool, error) {
	applied := false
	err := s.donations.WithinTransaction(ctx, func(ctx context.Context) error {
		claimed, err := s.donations.ClaimLedger(ctx, donationID)
		if err != nil {
			return fmt.Errorf("claim ledger: %w", err)
		}
		if !claimed {
			return nil
		}

		d, err := s.donations.GetByID(ctx, donationID)
		if err != nil {
			return fmt.Errorf("load donation: %w", err)
		}

		if d.CountsTowardAggregates() {
			if err := s.students.IncrementRaised(ctx, d.StudentID, d.NetAmount); err != nil {
				return fmt.Errorf("increment student: %w", err)
			}
			if d.WishlistItemID != nil {
				if err := s.items.IncrementFunded(ctx, *d.WishlistItemID, d.NetAmount); err != nil {
					return fmt.Errorf("increment wishlist item: %w", err)
				}
			}
			if d.DonorID != nil {
				if err := s.refreshDonor(ctx, *d.DonorID); err != nil {
					return err
				}
			}
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		logger.Info("ledger applied", "donation_id", donationID)
	}
	return applied, nil
}

// refreshDonor recomputes donor totals from scratch instead of incrementing.
func (s *LedgerService) refreshDonor(ctx context.Context, donorID string) error {
	totals, err := s.donations.DonorTotals(ctx, donorID)
	if err != nil {
		return fmt.Errorf("aggregate donor: %w", err)
	}
	if err := s.donors.UpdateTotals(ctx, donorID, totals); err != nil {
		return fmt.Errorf("update donor totals: %w", err)
	}
	return nil
}

// Reconcile re-sums a student's credited gifts and compares them with the
// stored aggregates. With fix set the stored values are overwritten.
func (s *LedgerService) Reconcile(ctx context.Context, studentID string, fix bool) ([]model.LedgerDrift, error) {
	var drifts []model.LedgerDrift
	err := s.donations.WithinTransaction(ctx, func(ctx context.Context) error {
		student, err := s.students.GetByID(ctx, studentID)
		if err != nil {
			if errors.Is(err, repository.ErrStudentNotFound) {
				return invalid("student_id", "unknown student %s", studentID)
			}
			return err
		}

		expected, err := s.donations.SumCompletedGifts(ctx, studentID)
		if err != nil {
			return fmt.Errorf("sum student gifts: %w", err)
		}
		if !expected.Equal(student.AmountRaised) {
			drifts = append(drifts, model.LedgerDrift{Entity: "student", ID: studentID, Stored: student.AmountRaised, Expected: expected})
			if fix {
				if err := s.students.SetRaised(ctx, studentID, expected); err != nil {
					return fmt.Errorf("fix student: %w", err)
				}
			}
		}

		byItem, err := s.donations.SumCompletedGiftsByItem(ctx, studentID)
		if err != nil {
			return fmt.Errorf("sum item gifts: %w", err)
		}
		items, err := s.items.ListByStudent(ctx, studentID)
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		for _, item := range items {
			want := byItem[item.ID]
			if want.Equal(item.AmountFunded) {
				continue
			}
			drifts = append(drifts, model.LedgerDrift{Entity: "wishlist_item", ID: item.ID, Stored: item.AmountFunded, Expected: want})
			if fix {
				if err := s.items.SetFunded(ctx, item.ID, want); err != nil {
					return fmt.Errorf("fix item %s: %w", item.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range drifts {
		logger.Warn("ledger drift", "entity", d.Entity, "id", d.ID, "stored", d.Stored.String(), "expected", d.Expected.String(), "fixed", fix)
	}
	return drifts, nil
}

// ReconcileAll runs Reconcile for every student.
func (s *LedgerService) ReconcileAll(ctx context.Context, fix bool) ([]model.LedgerDrift, error) {
	ids, err := s.students.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	var all []model.LedgerDrift
	for _, id := range ids {
		drifts, err := s.Reconcile(ctx, id, fix)
		if err != nil {
			return all, fmt.Errorf("reconcile student %s: %w", id, err)
		}
		all = append(all, drifts...)
	}
	return all, nil
}
