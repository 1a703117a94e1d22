package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a user in the rewards domain.
type UserID string

// UserStats holds the raw counters a user's bird level is derived from.
// The counters are owned by the storage backend; this package only reads them.
type UserStats struct {
	UserID          UserID `json:"user_id"`
	Points          int64  `json:"points"`
	TasksCompleted  int64  `json:"tasks_completed"`
	ActiveReferrals int64  `json:"active_referrals"`
}

// Clamped returns a copy with negative counters replaced by zero.
func (s UserStats) Clamped() UserStats {
	s.Points = nonNegative(s.Points)
	s.TasksCompleted = nonNegative(s.TasksCompleted)
	s.ActiveReferrals = nonNegative(s.ActiveReferrals)
	return s
}

// UserState is a storage snapshot of a user: counters plus the cached tier
// used for level-change detection and the one-time Phoenix welcome flag.
// Implementations should return copies to keep snapshots immutable.
type UserState struct {
	Stats               UserStats `json:"stats"`
	CachedTier          *TierID   `json:"cached_tier,omitempty"`
	PhoenixWelcomeShown bool      `json:"phoenix_welcome_shown"`
	Updated             time.Time `json:"updated"`
}

// Clone returns a deep copy of the state.
func (s UserState) Clone() UserState {
	cp := s
	if s.CachedTier != nil {
		t := *s.CachedTier
		cp.CachedTier = &t
	}
	return cp
}

// NewUserState returns the empty state of a user that has never earned anything.
func NewUserState(user UserID) UserState {
	return UserState{Stats: UserStats{UserID: user}, Updated: time.Now().UTC()}
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, ErrOverflow
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// TierPtr returns a pointer to id, for optional tier fields.
func TierPtr(id TierID) *TierID { return &id }
