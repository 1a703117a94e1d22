package core

import "time"

// ReferralStatus tracks whether a referred user has activated.
type ReferralStatus string

const (
	ReferralPending ReferralStatus = "pending"
	ReferralActive  ReferralStatus = "active"
)

// Activation thresholds: a referral becomes active once the referred user has
// completed a task or earned enough points.
const (
	ActivationMinTasks  int64 = 1
	ActivationMinPoints int64 = 50
)

// Referral links a referred user to the user who invited them. A user can be
// referred at most once.
type Referral struct {
	ReferrerID  UserID         `json:"referrer_id"`
	ReferredID  UserID         `json:"referred_id"`
	Status      ReferralStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
}

// Active reports whether the referral counts towards the referrer.
func (r Referral) Active() bool { return r.Status == ReferralActive }

// NewReferral returns a pending referral.
func NewReferral(referrer, referred UserID) Referral {
	return Referral{ReferrerID: referrer, ReferredID: referred, Status: ReferralPending, CreatedAt: time.Now().UTC()}
}

// QualifiesForActivation applies the activation rule to a referred user's stats.
func QualifiesForActivation(stats UserStats) bool {
	stats = stats.Clamped()
	return stats.TasksCompleted >= ActivationMinTasks || stats.Points >= ActivationMinPoints
}
