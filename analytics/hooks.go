package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"yieldkit/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(ctx context.Context, e core.Event)
}

// Metrics tracks engagement and reward KPIs bucketed by UTC day, ISO week
// and month.
type Metrics struct {
	mu sync.RWMutex

	dailyActiveUsers   map[string]map[core.UserID]struct{}
	weeklyActiveUsers  map[string]map[core.UserID]struct{}
	monthlyActiveUsers map[string]map[core.UserID]struct{}

	pointsByDay      map[string]int64
	pointsBySource   map[core.PointSource]int64
	tasksByDay       map[string]int64
	referralsByDay   map[string]int64
	activationsByDay map[string]int64

	commissionsByDay      map[string]int64
	commissionPointsByDay map[string]int64

	levelUpsByDay    map[string]int64
	levelUpsByTier   map[core.TierID]int64
	tierDistribution map[core.UserID]core.TierID
}

func NewMetrics() *Metrics {
	return &Metrics{
		dailyActiveUsers:      make(map[string]map[core.UserID]struct{}),
		weeklyActiveUsers:     make(map[string]map[core.UserID]struct{}),
		monthlyActiveUsers:    make(map[string]map[core.UserID]struct{}),
		pointsByDay:           make(map[string]int64),
		pointsBySource:        make(map[core.PointSource]int64),
		tasksByDay:            make(map[string]int64),
		referralsByDay:        make(map[string]int64),
		activationsByDay:      make(map[string]int64),
		commissionsByDay:      make(map[string]int64),
		commissionPointsByDay: make(map[string]int64),
		levelUpsByDay:         make(map[string]int64),
		levelUpsByTier:        make(map[core.TierID]int64),
		tierDistribution:      make(map[core.UserID]core.TierID),
	}
}

func (m *Metrics) OnEvent(_ context.Context, e core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := dayKey(e.Time)
	m.trackUserEngagement(e.UserID, day, weekKey(e.Time), monthKey(e.Time))

	switch e.Type {
	case core.EventPointsEarned:
		if e.Points > 0 {
			m.pointsByDay[day] += e.Points
			source, _ := e.Metadata["source"].(string)
			m.pointsBySource[core.PointSource(source)] += e.Points
		}
	case core.EventTaskCompleted:
		m.tasksByDay[day]++
	case core.EventReferralLinked:
		m.referralsByDay[day]++
	case core.EventReferralActivated:
		m.activationsByDay[day]++
	case core.EventCommissionCredited:
		m.commissionsByDay[day]++
		m.commissionPointsByDay[day] += e.Points
	case core.EventLevelUp:
		if e.Tier != nil {
			m.levelUpsByDay[day]++
			m.levelUpsByTier[*e.Tier]++
			m.tierDistribution[e.UserID] = *e.Tier
		}
	}
}

func (m *Metrics) trackUserEngagement(userID core.UserID, day, week, month string) {
	addUser(m.dailyActiveUsers, day, userID)
	addUser(m.weeklyActiveUsers, week, userID)
	addUser(m.monthlyActiveUsers, month, userID)
}

func addUser(buckets map[string]map[core.UserID]struct{}, key string, user core.UserID) {
	if buckets[key] == nil {
		buckets[key] = make(map[core.UserID]struct{})
	}
	buckets[key][user] = struct{}{}
}

// DailyActiveUsers returns the number of distinct users seen on day (YYYY-MM-DD).
func (m *Metrics) DailyActiveUsers(day string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dailyActiveUsers[day])
}

// WeeklyActiveUsers returns the number of distinct users seen in week (YYYY-Www).
func (m *Metrics) WeeklyActiveUsers(week string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.weeklyActiveUsers[week])
}

// MonthlyActiveUsers returns the number of distinct users seen in month (YYYY-MM).
func (m *Metrics) MonthlyActiveUsers(month string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.monthlyActiveUsers[month])
}

// PointsBySource returns the total points earned from a source.
func (m *Metrics) PointsBySource(source core.PointSource) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pointsBySource[source]
}

// TierDistribution counts users per tier among those who levelled up at least
// once. Users still on the floor tier are not included.
func (m *Metrics) TierDistribution() map[core.TierID]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.TierID]int)
	for _, tier := range m.tierDistribution {
		out[tier]++
	}
	return out
}

// day returns the counters of a single day.
func (m *Metrics) day(key string) dayCounters {
	return dayCounters{
		points:           m.pointsByDay[key],
		tasks:            m.tasksByDay[key],
		referrals:        m.referralsByDay[key],
		activations:      m.activationsByDay[key],
		commissions:      m.commissionsByDay[key],
		commissionPoints: m.commissionPointsByDay[key],
		levelUps:         m.levelUpsByDay[key],
	}
}

type dayCounters struct {
	points, tasks, referrals, activations int64
	commissions, commissionPoints         int64
	levelUps                              int64
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }
