package model

import (
	"time"

	"github.com/nimasrn/donation-engine/internal/money"
)

type Student struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Email         string      `json:"email"`
	FundingGoal   money.Money `json:"funding_goal"`
	AmountRaised  money.Money `json:"amount_raised"`
	IsFullyFunded bool        `json:"is_fully_funded"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type WishlistItemStatus string

const (
	WishlistItemNeeded  WishlistItemStatus = "needed"
	WishlistItemPartial WishlistItemStatus = "partial"
	WishlistItemFunded  WishlistItemStatus = "funded"
)

// ItemStatusFor derives the wish-list status from the funded amount.
func ItemStatusFor(funded, price money.Money) WishlistItemStatus {
	switch {
	case !funded.IsPositive():
		return WishlistItemNeeded
	case funded.LessThan(price):
		return WishlistItemPartial
	default:
		return WishlistItemFunded
	}
}

type WishlistItem struct {
	ID           string             `json:"id"`
	StudentID    string             `json:"student_id"`
	Title        string             `json:"title"`
	Price        money.Money        `json:"price"`
	AmountFunded money.Money        `json:"amount_funded"`
	Status       WishlistItemStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type Donor struct {
	ID                string      `json:"id"`
	Email             string      `json:"email"`
	Name              string      `json:"name"`
	TotalDonated      money.Money `json:"total_donated"`
	StudentsSupported int64       `json:"students_supported"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// DonorTotals is the full re-aggregation of a donor's completed gifts.
type DonorTotals struct {
	TotalDonated      money.Money
	StudentsSupported int64
}

// LedgerDrift compares a stored aggregate against the value re-summed from
// completed donations.
type LedgerDrift struct {
	Entity   string      `json:"entity"` // "student" or "wishlist_item"
	ID       string      `json:"id"`
	Stored   money.Money `json:"stored"`
	Expected money.Money `json:"expected"`
}
