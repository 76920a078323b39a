// Package fee computes processor fees per payment channel.
package fee

import (
	"errors"
	"fmt"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownChannel     = errors.New("unknown payment channel")
	ErrNonPositiveAmount  = errors.New("amount must be positive")
	ErrAmountBelowFlatFee = errors.New("amount is below the flat fee")
	ErrFeeExceedsAmount   = errors.New("fee exceeds amount")
)

// Rate is a percentage of the gross plus a flat addend.
type Rate struct {
	Percent decimal.Decimal // fraction, 0.022 is 2.2%
	Flat    money.Money
}

type Schedule map[model.Channel]Rate

type Breakdown struct {
	Gross money.Money
	Fee   money.Money
	Net   money.Money
}

func DefaultSchedule() Schedule {
	return Schedule{
		model.ChannelCard:         {Percent: decimal.RequireFromString("0.022"), Flat: money.FromCents(30)},
		model.ChannelWallet:       {Percent: decimal.RequireFromString("0.029"), Flat: money.FromCents(30)},
		model.ChannelBankTransfer: {Percent: decimal.Zero, Flat: money.Zero},
	}
}

// ParseRate builds a Rate from its configured string form.
func ParseRate(percent, flat string) (Rate, error) {
	p, err := decimal.NewFromString(percent)
	if err != nil {
		return Rate{}, fmt.Errorf("parse fee rate %q: %w", percent, err)
	}
	if p.IsNegative() || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Rate{}, fmt.Errorf("fee rate %q out of range [0, 1)", percent)
	}
	f, err := money.Parse(flat)
	if err != nil {
		return Rate{}, err
	}
	if f.IsNegative() {
		return Rate{}, fmt.Errorf("flat fee %q is negative", flat)
	}
	return Rate{Percent: p, Flat: f}, nil
}

// Compute returns the fee, rounded half-up to the cent, and the net amount.
// fee + net always equals gross exactly.
func (s Schedule) Compute(gross money.Money, channel model.Channel) (Breakdown, error) {
	if !gross.IsPositive() {
		return Breakdown{}, ErrNonPositiveAmount
	}
	rate, ok := s[channel]
	if !ok {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if gross.LessThan(rate.Flat) {
		return Breakdown{}, fmt.Errorf("%w: %s < %s", ErrAmountBelowFlatFee, gross, rate.Flat)
	}

	fee := gross.Mul(rate.Percent).Add(rate.Flat).RoundCents()
	net := gross.Sub(fee)
	if net.IsNegative() {
		return Breakdown{}, fmt.Errorf("%w: fee %s on %s", ErrFeeExceedsAmount, fee, gross)
	}

	return Breakdown{Gross: gross, Fee: fee, Net: net}, nil
}
