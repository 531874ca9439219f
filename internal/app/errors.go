package app

import (
	"errors"

	"github.com/transfa/ledger-service/internal/limits"
	"github.com/transfa/ledger-service/internal/store"
)

// Errors surfaced by the transaction engine. Callers match them with errors.Is.
var (
	ErrAccountNotFound     = store.ErrAccountNotFound
	ErrLimitNotConfigured  = limits.ErrLimitNotConfigured
	ErrInvalidOtp          = errors.New("invalid otp")
	ErrExceedsSingleLimit  = errors.New("amount exceeds single transaction limit")
	ErrExceedsDailyLimit   = errors.New("amount exceeds daily transaction limit")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMutationFailed      = errors.New("balance mutation failed")
	ErrSameAccount         = errors.New("sender and receiver must differ")
	ErrOtpRateLimited      = errors.New("too many otp requests")
)

// RateLimitError carries the retry hint for a rate-limited request.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return ErrOtpRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error {
	return ErrOtpRateLimited
}
