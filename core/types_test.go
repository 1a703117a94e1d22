package core

import (
	"errors"
	"math"
	"testing"
)

func TestAddSafe(t *testing.T) {
	if v, err := AddSafe(10, 5); err != nil || v != 15 {
		t.Fatalf("got %v %v", v, err)
	}
	if _, err := AddSafe(math.MaxInt64, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected overflow to be invalid input, got %v", err)
	}
}

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID(" Alice ")
	if err != nil || id != "alice" {
		t.Fatalf("got %v %v", id, err)
	}
	if _, err := NormalizeUserID("   "); err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestUserStatsClamped(t *testing.T) {
	s := UserStats{UserID: "u", Points: -5, TasksCompleted: -1, ActiveReferrals: 3}.Clamped()
	if s.Points != 0 || s.TasksCompleted != 0 || s.ActiveReferrals != 3 {
		t.Fatalf("unexpected clamp: %+v", s)
	}
}

func TestUserStateClone(t *testing.T) {
	st := NewUserState("u")
	st.CachedTier = TierPtr(2)
	cp := st.Clone()
	*cp.CachedTier = 4
	if *st.CachedTier != 2 {
		t.Fatalf("clone shares cached tier")
	}
}

func TestQualifiesForActivation(t *testing.T) {
	cases := []struct {
		stats UserStats
		want  bool
	}{
		{UserStats{}, false},
		{UserStats{TasksCompleted: 1}, true},
		{UserStats{Points: 49}, false},
		{UserStats{Points: 50}, true},
		{UserStats{Points: -100, TasksCompleted: -3}, false},
	}
	for _, c := range cases {
		if got := QualifiesForActivation(c.stats); got != c.want {
			t.Fatalf("QualifiesForActivation(%+v) = %v, want %v", c.stats, got, c.want)
		}
	}
}
