package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "yieldkit/adapters/memory"
	"yieldkit/core"
)

func activeReferral(t *testing.T, store *mem.Store, referrer, referred core.UserID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.LinkReferral(ctx, core.NewReferral(referrer, referred)))
	ok, err := store.ActivateReferral(ctx, referred, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCommissionRuleApply(t *testing.T) {
	store := mem.New()
	activeReferral(t, store, "alice", "bob")
	rule := NewCommissionRule(store, store, 0)
	ctx := context.Background()

	assert.Equal(t, core.DefaultCommissionPoints, rule.Points())

	tx, outcome, err := rule.Apply(ctx, core.PointsEarned{EventID: "e1", UserID: "bob", Points: 25, Source: core.SourceTask})
	require.NoError(t, err)
	assert.Equal(t, CommissionCredited, outcome)
	assert.Equal(t, core.UserID("alice"), tx.ReferrerID)
	assert.Equal(t, int64(10), tx.Points)
	assert.Equal(t, "Referral commission: bob completed a task", tx.Description)

	_, outcome, err = rule.Apply(ctx, core.PointsEarned{EventID: "e1", UserID: "bob", Points: 25, Source: core.SourceTask})
	require.NoError(t, err)
	assert.Equal(t, CommissionDuplicate, outcome)

	alice, _ := store.GetState(ctx, "alice")
	assert.Equal(t, int64(10), alice.Stats.Points)
}

func TestCommissionRuleNotEligible(t *testing.T) {
	store := mem.New()
	activeReferral(t, store, "alice", "bob")
	rule := NewCommissionRule(store, store, 15)
	ctx := context.Background()

	cases := []core.PointsEarned{
		{EventID: "e1", UserID: "bob", Points: 25, Source: core.SourceBonus},
		{EventID: "e2", UserID: "bob", Points: 25, Source: core.SourceCommission},
		{EventID: "e3", UserID: "bob", Points: 0, Source: core.SourceTask},
		{EventID: "", UserID: "bob", Points: 25, Source: core.SourceTask},
	}
	for _, ev := range cases {
		_, outcome, err := rule.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, CommissionNotEligible, outcome, "event %+v", ev)
	}
	list, _ := store.Commissions(ctx, "alice")
	assert.Empty(t, list)
}

type brokenLedger struct{ *mem.Store }

func (brokenLedger) CreditCommission(context.Context, core.CommissionTransaction) error {
	return errors.New("connection reset")
}

func TestCommissionRuleWriteFailure(t *testing.T) {
	store := mem.New()
	activeReferral(t, store, "alice", "bob")
	rule := NewCommissionRule(store, brokenLedger{store}, 10)

	tx, outcome, err := rule.Apply(context.Background(), core.PointsEarned{EventID: "e1", UserID: "bob", Points: 5, Source: core.SourceTask})
	assert.Equal(t, CommissionFailed, outcome)
	assert.ErrorIs(t, err, core.ErrCommissionWrite)
	assert.Equal(t, "e1", tx.SourceEventID)
	assert.NotEmpty(t, tx.ID)
}

func TestNewCommissionRulePanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewCommissionRule(nil, mem.New(), 10) })
}
