package core

import (
	"fmt"
	"strings"
)

// TierID orders bird levels. The floor tier always has id 0.
type TierID int

// TierDefinition is one bird level. Thresholds for referrals, points and tasks
// are kept together so the referral and task tables cannot drift apart.
type TierDefinition struct {
	ID           TierID   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	MinReferrals int64    `json:"min_referrals" yaml:"min_referrals"`
	MinPoints    int64    `json:"min_points" yaml:"min_points"`
	MinTasks     int64    `json:"min_tasks" yaml:"min_tasks"`
	Icon         string   `json:"icon" yaml:"icon"`
	Color        string   `json:"color" yaml:"color"`
	Benefits     []string `json:"benefits" yaml:"benefits"`
}

// Satisfied reports whether stats meet the task and point thresholds.
// Referrals are not a gate; they only feed the referral bonus badge.
func (t TierDefinition) Satisfied(stats UserStats) bool {
	return stats.TasksCompleted >= t.MinTasks && stats.Points >= t.MinPoints
}

func (t TierDefinition) clone() TierDefinition {
	t.Benefits = append([]string(nil), t.Benefits...)
	return t
}

// TierTable is a validated, immutable, ascending sequence of tiers.
type TierTable struct {
	tiers []TierDefinition
}

// NewTierTable validates defs and returns a frozen table. Any error wraps
// ErrConfiguration.
func NewTierTable(defs []TierDefinition) (*TierTable, error) {
	if err := ValidateTiers(defs); err != nil {
		return nil, err
	}
	tiers := make([]TierDefinition, len(defs))
	for i, d := range defs {
		tiers[i] = d.clone()
	}
	return &TierTable{tiers: tiers}, nil
}

// MustTierTable is NewTierTable for static tables known to be valid.
func MustTierTable(defs []TierDefinition) *TierTable {
	t, err := NewTierTable(defs)
	if err != nil {
		panic(err)
	}
	return t
}

// ValidateTiers checks the ordering invariants of a tier sequence.
func ValidateTiers(defs []TierDefinition) error {
	if len(defs) == 0 {
		return fmt.Errorf("%w: tier table is empty", ErrConfiguration)
	}
	floor := defs[0]
	if floor.ID != 0 || floor.MinTasks != 0 || floor.MinPoints != 0 || floor.MinReferrals != 0 {
		return fmt.Errorf("%w: first tier must have id 0 and zero thresholds", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return fmt.Errorf("%w: tier %d has no name", ErrConfiguration, d.ID)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate tier name %q", ErrConfiguration, d.Name)
		}
		seen[name] = struct{}{}
		if i == 0 {
			continue
		}
		prev := defs[i-1]
		if d.ID <= prev.ID {
			return fmt.Errorf("%w: tier ids must be strictly ascending (%d after %d)", ErrConfiguration, d.ID, prev.ID)
		}
		if d.MinTasks < prev.MinTasks || d.MinPoints < prev.MinPoints || d.MinReferrals < prev.MinReferrals {
			return fmt.Errorf("%w: thresholds of tier %q decrease", ErrConfiguration, d.Name)
		}
	}
	return nil
}

// Tiers returns a copy of the ordered tier sequence.
func (t *TierTable) Tiers() []TierDefinition {
	out := make([]TierDefinition, len(t.tiers))
	for i, d := range t.tiers {
		out[i] = d.clone()
	}
	return out
}

// Len returns the number of tiers.
func (t *TierTable) Len() int { return len(t.tiers) }

// Floor returns the id-0 tier.
func (t *TierTable) Floor() TierDefinition { return t.tiers[0].clone() }

// Max returns the highest tier.
func (t *TierTable) Max() TierDefinition { return t.tiers[len(t.tiers)-1].clone() }

// ByID looks a tier up by id.
func (t *TierTable) ByID(id TierID) (TierDefinition, bool) {
	for _, d := range t.tiers {
		if d.ID == id {
			return d.clone(), true
		}
	}
	return TierDefinition{}, false
}

// Next returns the tier immediately after id, or false at the top.
func (t *TierTable) Next(id TierID) (TierDefinition, bool) {
	for i, d := range t.tiers {
		if d.ID == id && i+1 < len(t.tiers) {
			return t.tiers[i+1].clone(), true
		}
	}
	return TierDefinition{}, false
}

// Resolve returns the current tier for stats: the last tier, walking upwards,
// whose thresholds are all met. It stops at the first unmet tier.
func (t *TierTable) Resolve(stats UserStats) TierDefinition {
	stats = stats.Clamped()
	current := t.tiers[0]
	for _, d := range t.tiers[1:] {
		if !d.Satisfied(stats) {
			break
		}
		current = d
	}
	return current.clone()
}

// DefaultTiers returns the canonical bird levels.
func DefaultTiers() []TierDefinition {
	return []TierDefinition{
		{
			ID: 0, Name: "Dove", Icon: "🕊️", Color: "#9CA3AF",
			Benefits: []string{"Daily tasks", "Community chat"},
		},
		{
			ID: 1, Name: "Sparrow", MinReferrals: 3, MinPoints: 100, MinTasks: 5, Icon: "🐦", Color: "#60A5FA",
			Benefits: []string{"Sparrow profile badge", "Weekly bonus tasks"},
		},
		{
			ID: 2, Name: "Robin", MinReferrals: 10, MinPoints: 500, MinTasks: 20, Icon: "🐤", Color: "#F87171",
			Benefits: []string{"Robin profile badge", "Priority task queue", "Campaign previews"},
		},
		{
			ID: 3, Name: "Falcon", MinReferrals: 25, MinPoints: 1500, MinTasks: 50, Icon: "🦅", Color: "#F59E0B",
			Benefits: []string{"Falcon profile badge", "Faster withdrawals"},
		},
		{
			ID: 4, Name: "Eagle", MinReferrals: 50, MinPoints: 4000, MinTasks: 100, Icon: "🦅", Color: "#8B5CF6",
			Benefits: []string{"Eagle profile badge", "Exclusive brand campaigns", "Reduced withdrawal fees"},
		},
		{
			ID: 5, Name: "Phoenix", MinReferrals: 100, MinPoints: 10000, MinTasks: 250, Icon: "🔥", Color: "#EF4444",
			Benefits: []string{"Phoenix profile badge", "Phoenix welcome", "Zero withdrawal fees", "Early access to features"},
		},
	}
}

// DefaultTierTable returns the validated default table.
func DefaultTierTable() *TierTable { return MustTierTable(DefaultTiers()) }
