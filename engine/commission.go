package engine

import (
	"context"
	"errors"
	"fmt"

	"yieldkit/core"
)

// CommissionOutcome describes what CommissionRule.Apply did.
type CommissionOutcome string

const (
	CommissionCredited         CommissionOutcome = "credited"
	CommissionNotEligible      CommissionOutcome = "not_eligible"
	CommissionNoReferral       CommissionOutcome = "no_referral"
	CommissionInactiveReferral CommissionOutcome = "inactive_referral"
	CommissionReferrerMismatch CommissionOutcome = "referrer_mismatch"
	CommissionDuplicate        CommissionOutcome = "duplicate"
	CommissionFailed           CommissionOutcome = "failed"
)

// CommissionRule pays a flat commission to the referrer of a user who earns
// points through a task. At-most-once delivery per source event is left to
// the Ledger's uniqueness guarantee, so the rule is safe to run from many
// instances concurrently.
type CommissionRule struct {
	referrals ReferralStore
	ledger    Ledger
	points    int64
}

// NewCommissionRule builds the rule. points <= 0 selects the default flat amount.
func NewCommissionRule(referrals ReferralStore, ledger Ledger, points int64) *CommissionRule {
	if referrals == nil || ledger == nil {
		panic("NewCommissionRule requires non-nil referrals and ledger")
	}
	if points <= 0 {
		points = core.DefaultCommissionPoints
	}
	return &CommissionRule{referrals: referrals, ledger: ledger, points: points}
}

// Points returns the flat commission amount.
func (r *CommissionRule) Points() int64 { return r.points }

// Apply credits the commission for ev if it qualifies. On a write failure it
// returns the transaction it tried to write, CommissionFailed and an error
// wrapping core.ErrCommissionWrite, so the caller can queue it for retry. If
// the referral cannot be read the error wraps core.ErrReferralLookup and no
// transaction exists yet; the caller queues ev itself.
func (r *CommissionRule) Apply(ctx context.Context, ev core.PointsEarned) (core.CommissionTransaction, CommissionOutcome, error) {
	if ev.Source != core.SourceTask || ev.Points <= 0 || ev.EventID == "" {
		return core.CommissionTransaction{}, CommissionNotEligible, nil
	}
	ref, err := r.referrals.GetReferral(ctx, ev.UserID)
	if errors.Is(err, core.ErrNotFound) {
		return core.CommissionTransaction{}, CommissionNoReferral, nil
	}
	if err != nil {
		return core.CommissionTransaction{}, CommissionFailed, fmt.Errorf("%w: %v", core.ErrReferralLookup, err)
	}
	if ev.ReferrerID != "" && ev.ReferrerID != ref.ReferrerID {
		return core.CommissionTransaction{}, CommissionReferrerMismatch, nil
	}
	if !ref.Active() {
		return core.CommissionTransaction{}, CommissionInactiveReferral, nil
	}

	tx := core.NewCommission(ref.ReferrerID, ev.UserID, ev.EventID, r.points)
	return r.Credit(ctx, tx)
}

// Credit writes a prepared transaction. Reconciliation retries go through here
// so that a retried entry keeps its original id and source event.
func (r *CommissionRule) Credit(ctx context.Context, tx core.CommissionTransaction) (core.CommissionTransaction, CommissionOutcome, error) {
	err := r.ledger.CreditCommission(ctx, tx)
	switch {
	case err == nil:
		return tx, CommissionCredited, nil
	case errors.Is(err, core.ErrDuplicateCommission):
		return tx, CommissionDuplicate, nil
	case errors.Is(err, core.ErrInvalidInput):
		return tx, CommissionFailed, fmt.Errorf("commission rejected: %w", err)
	default:
		return tx, CommissionFailed, fmt.Errorf("%w: %v", core.ErrCommissionWrite, err)
	}
}
