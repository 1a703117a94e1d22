// Package leaderboard ranks users by points.
package leaderboard

import (
	"context"

	"go.uber.org/zap"

	"yieldkit/core"
)

// Entry is a user's position on the board. Rank is 1-based and only set by
// read operations.
type Entry struct {
	User   core.UserID `json:"user_id"`
	Points int64       `json:"points"`
	Rank   int         `json:"rank,omitempty"`
}

// Board abstracts leaderboard operations. Ordering is points descending, then
// user id ascending.
type Board interface {
	Update(user core.UserID, points int64)
	Remove(user core.UserID)
	Top(n int) []Entry
	Rank(user core.UserID) (Entry, bool)
	Len() int
}

// EventSource is the part of the engine service a Tracker listens to.
type EventSource interface {
	Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func()
	State(ctx context.Context, user core.UserID) (core.UserState, error)
}

// Tracker keeps a Board in sync with engine events.
type Tracker struct {
	board  Board
	src    EventSource
	logger *zap.Logger
	unsubs []func()
}

// Track subscribes board to point changes published by src. Call Stop to
// detach.
func Track(src EventSource, board Board, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{board: board, src: src, logger: logger}
	t.unsubs = append(t.unsubs,
		src.Subscribe(core.EventPointsEarned, t.onPointsEarned),
		src.Subscribe(core.EventCommissionCredited, t.onCommission),
	)
	return t
}

func (t *Tracker) onPointsEarned(_ context.Context, ev core.Event) {
	t.board.Update(ev.UserID, ev.Total)
}

// Commission events carry the credited amount only, so the referrer's total
// is read back from storage.
func (t *Tracker) onCommission(ctx context.Context, ev core.Event) {
	st, err := t.src.State(ctx, ev.UserID)
	if err != nil {
		t.logger.Warn("leaderboard refresh failed", zap.String("user_id", string(ev.UserID)), zap.Error(err))
		return
	}
	t.board.Update(ev.UserID, st.Stats.Points)
}

// Board returns the tracked board.
func (t *Tracker) Board() Board { return t.board }

// Stop removes the event subscriptions.
func (t *Tracker) Stop() {
	for _, u := range t.unsubs {
		u()
	}
	t.unsubs = nil
}
