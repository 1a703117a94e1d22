package analytics

import (
	"fmt"
	"time"
)

// AggregationPeriod selects the bucket a summary covers.
type AggregationPeriod string

const (
	PeriodDaily   AggregationPeriod = "daily"
	PeriodWeekly  AggregationPeriod = "weekly"
	PeriodMonthly AggregationPeriod = "monthly"
)

// ParsePeriod accepts daily, weekly or monthly. Empty means daily.
func ParsePeriod(s string) (AggregationPeriod, error) {
	switch p := AggregationPeriod(s); p {
	case "":
		return PeriodDaily, nil
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown period %q", s)
	}
}

// AggregatedData summarizes reward activity over one period.
type AggregatedData struct {
	Period    AggregationPeriod `json:"period"`
	Key       string            `json:"key"` // 2024-01-01, 2024-W01 or 2024-01
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`

	ActiveUsers int `json:"active_users"`

	PointsAwarded    int64 `json:"points_awarded"`
	TasksCompleted   int64 `json:"tasks_completed"`
	ReferralsLinked  int64 `json:"referrals_linked"`
	ReferralsActive  int64 `json:"referrals_activated"`
	Commissions      int64 `json:"commissions_credited"`
	CommissionPoints int64 `json:"commission_points"`
	LevelsReached    int64 `json:"levels_reached"`

	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates the period containing at.
func (m *Metrics) Summary(period AggregationPeriod, at time.Time) (*AggregatedData, error) {
	at = at.UTC()
	var (
		start, end time.Time
		key        string
		active     func(string) int
	)
	switch period {
	case PeriodDaily:
		start = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
		key, active = dayKey(at), m.DailyActiveUsers
	case PeriodWeekly:
		// ISO weeks start on Monday
		daysSinceMonday := (int(at.Weekday()) + 6) % 7
		start = time.Date(at.Year(), at.Month(), at.Day()-daysSinceMonday, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 7)
		key, active = weekKey(at), m.WeeklyActiveUsers
	case PeriodMonthly:
		start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
		key, active = monthKey(at), m.MonthlyActiveUsers
	default:
		return nil, fmt.Errorf("unknown period %q", period)
	}

	data := &AggregatedData{
		Period:      period,
		Key:         key,
		StartTime:   start,
		EndTime:     end,
		ActiveUsers: active(key),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		c := m.day(dayKey(d))
		data.PointsAwarded += c.points
		data.TasksCompleted += c.tasks
		data.ReferralsLinked += c.referrals
		data.ReferralsActive += c.activations
		data.Commissions += c.commissions
		data.CommissionPoints += c.commissionPoints
		data.LevelsReached += c.levelUps
	}
	return data, nil
}
