package core

const (
	taskWeight  = 60
	pointWeight = 40

	referralBonusStep = 5
	referralBonusCap  = 50
)

// ProgressResult is the derived, display-only view of a user's level.
// It is recomputed on every read and never persisted as authoritative.
type ProgressResult struct {
	Current         TierDefinition  `json:"current_tier"`
	Next            *TierDefinition `json:"next_tier"`
	TaskProgress    float64         `json:"task_progress"`
	PointsProgress  float64         `json:"points_progress"`
	ProgressPercent float64         `json:"progress_percent"`
	// ReferralBonusPercent is shown as a separate badge and is not part of
	// ProgressPercent. Nil when the user has no active referrals or is maxed.
	ReferralBonusPercent *float64 `json:"referral_bonus_percent"`
}

// MaxLevel reports whether the user has reached the terminal tier.
func (p ProgressResult) MaxLevel() bool { return p.Next == nil }

// ComputeProgress derives the current tier, next tier and weighted progress
// from stats. Tasks weigh 60% and points 40% of the progress towards the
// next tier. Negative counters are treated as zero.
func ComputeProgress(stats UserStats, tiers *TierTable) ProgressResult {
	stats = stats.Clamped()
	current := tiers.Resolve(stats)
	res := ProgressResult{Current: current}

	next, ok := tiers.Next(current.ID)
	if !ok {
		res.TaskProgress = 100
		res.PointsProgress = 100
		res.ProgressPercent = 100
		return res
	}
	res.Next = &next
	res.TaskProgress = ratioPercent(stats.TasksCompleted, next.MinTasks)
	res.PointsProgress = ratioPercent(stats.Points, next.MinPoints)
	res.ProgressPercent = clampPercent((res.TaskProgress*taskWeight + res.PointsProgress*pointWeight) / 100)
	res.ReferralBonusPercent = ReferralBonusPercent(stats.ActiveReferrals)
	return res
}

// ReferralBonusPercent returns 5 points per active referral capped at 50, or
// nil when there are none.
func ReferralBonusPercent(activeReferrals int64) *float64 {
	if activeReferrals <= 0 {
		return nil
	}
	bonus := int64(referralBonusCap)
	if activeReferrals < referralBonusCap/referralBonusStep {
		bonus = activeReferrals * referralBonusStep
	}
	v := float64(bonus)
	return &v
}

// ratioPercent returns min(have/need, 1)*100; a zero requirement counts as met.
func ratioPercent(have, need int64) float64 {
	if need <= 0 || have >= need {
		return 100
	}
	return clampPercent(float64(have) * 100 / float64(need))
}

func clampPercent(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
