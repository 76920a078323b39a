package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrAlreadyProcessed    = errors.New("donation already processed")
	ErrDonationNotFound    = errors.New("donation not found")
	ErrNotCompleted        = errors.New("donation is not completed")
	ErrRefundExceedsAmount = errors.New("refund exceeds refundable amount")
)

// ValidationError is a rejected request. It matches ErrValidation with
// errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
