package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine, adapters and transports.
// Wrap with fmt.Errorf("...: %w") and match with errors.Is.
var (
	// ErrConfiguration marks a fatal configuration fault, such as an empty or
	// unordered tier table. Callers should refuse to serve rather than guess.
	ErrConfiguration = errors.New("configuration fault")

	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrUnsupportedEvent = errors.New("unsupported event type")

	// Referral errors
	ErrReferralExists = errors.New("referral already exists")
	ErrSelfReferral   = errors.New("user cannot refer themselves")

	// Commission errors
	ErrDuplicateCommission = errors.New("commission already credited for event")
	ErrCommissionWrite     = errors.New("commission credit failed")
	ErrReferralLookup      = errors.New("referral lookup failed")

	// ErrOverflow is an invalid input: the balance cannot absorb the delta.
	ErrOverflow = fmt.Errorf("%w: integer overflow", ErrInvalidInput)
)
