package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates domain events.
type EventType string

const (
	EventPointsEarned       EventType = "points_earned"
	EventTaskCompleted      EventType = "task_completed"
	EventReferralLinked     EventType = "referral_linked"
	EventReferralActivated  EventType = "referral_activated"
	EventLevelUp            EventType = "level_up"
	EventCommissionCredited EventType = "commission_credited"
)

// Event represents an immutable domain event.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Time         time.Time      `json:"time"`
	UserID       UserID         `json:"user_id"`
	Points       int64          `json:"points,omitempty"`
	Total        int64          `json:"total,omitempty"`
	ReferrerID   UserID         `json:"referrer_id,omitempty"`
	Tier         *TierID        `json:"tier,omitempty"`
	PreviousTier *TierID        `json:"previous_tier,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func newEvent(typ EventType, user UserID) Event {
	return Event{ID: uuid.NewString(), Type: typ, Time: time.Now().UTC(), UserID: user}
}

func NewPointsEarned(user UserID, points, total int64, source PointSource) Event {
	ev := newEvent(EventPointsEarned, user)
	ev.Points, ev.Total = points, total
	ev.Metadata = map[string]any{"source": string(source)}
	return ev
}

func NewTaskCompleted(user UserID, tasks int64) Event {
	ev := newEvent(EventTaskCompleted, user)
	ev.Total = tasks
	return ev
}

func NewReferralLinked(referrer, referred UserID) Event {
	ev := newEvent(EventReferralLinked, referred)
	ev.ReferrerID = referrer
	return ev
}

func NewReferralActivated(referrer, referred UserID) Event {
	ev := newEvent(EventReferralActivated, referred)
	ev.ReferrerID = referrer
	return ev
}

func NewLevelUp(user UserID, previous, current TierDefinition) Event {
	ev := newEvent(EventLevelUp, user)
	ev.Tier = TierPtr(current.ID)
	ev.PreviousTier = TierPtr(previous.ID)
	ev.Metadata = map[string]any{"tier_name": current.Name, "previous_tier_name": previous.Name}
	return ev
}

func NewCommissionCredited(tx CommissionTransaction) Event {
	ev := newEvent(EventCommissionCredited, tx.ReferrerID)
	ev.Points = tx.Points
	ev.Metadata = map[string]any{
		"referred_id":     string(tx.ReferredID),
		"source_event_id": tx.SourceEventID,
		"transaction_id":  tx.ID,
	}
	return ev
}

// InboundEvent is the externally produced event consumed from the event bus
// or HTTP. Only "points_earned" is supported.
type InboundEvent struct {
	Type           EventType `json:"type"`
	ID             string    `json:"id"`
	UserID         UserID    `json:"userId"`
	Points         int64     `json:"points"`
	ReferrerUserID UserID    `json:"referrerUserId,omitempty"`
}
