package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultCommissionPoints is the flat credit paid to a referrer per
// qualifying point-earning event of a referred user.
const DefaultCommissionPoints int64 = 10

// PointSource says why points were awarded. Only task awards pay commission.
type PointSource string

const (
	SourceTask       PointSource = "task"
	SourceBonus      PointSource = "bonus"
	SourceCommission PointSource = "commission"
)

// PointsEarned describes one point-earning event. EventID is the
// idempotency key for any commission it triggers.
type PointsEarned struct {
	EventID    string      `json:"event_id"`
	UserID     UserID      `json:"user_id"`
	Points     int64       `json:"points"`
	Source     PointSource `json:"source"`
	ReferrerID UserID      `json:"referrer_id,omitempty"`
	Time       time.Time   `json:"time"`
}

// CommissionTransaction is an append-only ledger entry. It is created once per
// source event and never mutated.
type CommissionTransaction struct {
	ID            string    `json:"id" db:"id"`
	ReferrerID    UserID    `json:"referrer_id" db:"referrer_id"`
	ReferredID    UserID    `json:"referred_id" db:"referred_id"`
	Points        int64     `json:"points" db:"points"`
	Description   string    `json:"description" db:"description"`
	SourceEventID string    `json:"source_event_id" db:"source_event_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// NewCommission builds the ledger entry for a commission paid to referrer
// because referred earned points in the source event.
func NewCommission(referrer, referred UserID, sourceEventID string, points int64) CommissionTransaction {
	return CommissionTransaction{
		ID:            uuid.NewString(),
		ReferrerID:    referrer,
		ReferredID:    referred,
		Points:        points,
		Description:   fmt.Sprintf("Referral commission: %s completed a task", referred),
		SourceEventID: sourceEventID,
		CreatedAt:     time.Now().UTC(),
	}
}
