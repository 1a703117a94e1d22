package core

import "context"

// Rule determines whether given state and trigger event should emit derived events.
// State.CachedTier holds the tier cached before the trigger was applied.
type Rule interface {
	Evaluate(ctx context.Context, state UserState, trigger Event) []Event
}

// LevelUpRule emits a level up when the resolved tier is above the cached one.
type LevelUpRule struct{ Tiers *TierTable }

func (r LevelUpRule) Evaluate(_ context.Context, state UserState, _ Event) []Event {
	if r.Tiers == nil || state.CachedTier == nil {
		return nil
	}
	current := r.Tiers.Resolve(state.Stats)
	previous, ok := r.Tiers.ByID(*state.CachedTier)
	if !ok {
		previous = TierDefinition{ID: *state.CachedTier}
	}
	if DetectLevelUp(&previous, current) {
		return []Event{NewLevelUp(state.Stats.UserID, previous, current)}
	}
	return nil
}
