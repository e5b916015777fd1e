package db

import "errors"

var (
	// ErrInvalidConversation is returned when a conversation identifier does
	// not resolve to an existing, non-deleted conversation owned by the caller.
	ErrInvalidConversation = errors.New("invalid conversation")

	// ErrQuotaNotFound is returned when no ledger row exists for a
	// (user, model) pair.
	ErrQuotaNotFound = errors.New("quota not found")

	// ErrQuotaExceeded is returned when the remaining balance cannot cover
	// a deduction.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidAmount is returned for recharge amounts <= 0.
	ErrInvalidAmount = errors.New("invalid recharge amount")
)
