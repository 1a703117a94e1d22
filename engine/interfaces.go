package engine

import (
	"context"
	"time"

	"yieldkit/core"
)

// StatsStore persists per-user counters and display caches.
type StatsStore interface {
	GetState(ctx context.Context, user core.UserID) (core.UserState, error)
	AddPoints(ctx context.Context, user core.UserID, delta int64) (newTotal int64, err error)
	IncrementTasks(ctx context.Context, user core.UserID) (newTotal int64, err error)
	// SwapLevel atomically stores tier as the cached level and returns the
	// previously cached one (nil if none).
	SwapLevel(ctx context.Context, user core.UserID, tier core.TierID) (previous *core.TierID, err error)
	// MarkWelcomeShown sets the Phoenix welcome flag and reports whether it
	// was already set.
	MarkWelcomeShown(ctx context.Context, user core.UserID) (alreadyShown bool, err error)
}

// ReferralStore persists referral relationships.
type ReferralStore interface {
	// LinkReferral stores a pending referral; core.ErrReferralExists if the
	// referred user already has one.
	LinkReferral(ctx context.Context, ref core.Referral) error
	// GetReferral returns the referral of referred or core.ErrNotFound.
	GetReferral(ctx context.Context, referred core.UserID) (core.Referral, error)
	// ActivateReferral marks the referral active and increments the
	// referrer's active count exactly once. It reports whether this call
	// performed the transition.
	ActivateReferral(ctx context.Context, referred core.UserID, at time.Time) (bool, error)
}

// Ledger is the append-only commission ledger.
type Ledger interface {
	// CreditCommission appends tx and adds tx.Points to the referrer in one
	// operation. It returns core.ErrDuplicateCommission when an entry with
	// the same SourceEventID exists.
	CreditCommission(ctx context.Context, tx core.CommissionTransaction) error
	Commissions(ctx context.Context, referrer core.UserID) ([]core.CommissionTransaction, error)
}

// Storage abstracts persistence for rewards state.
type Storage interface {
	StatsStore
	ReferralStore
	Ledger
}

// RuleEngine evaluates rules and emits derived events.
type RuleEngine interface {
	Evaluate(ctx context.Context, state core.UserState, trigger core.Event) []core.Event
}
