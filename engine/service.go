package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yieldkit/core"
	"yieldkit/metrics"
)

// TaskCompletion reports that a user had a task approved. Points may be zero
// for tasks that only count towards the task threshold.
type TaskCompletion struct {
	EventID string      `json:"event_id"`
	UserID  core.UserID `json:"user_id"`
	Points  int64       `json:"points"`
}

// AwardResult summarises the effects of a task or point award.
type AwardResult struct {
	EventID    string              `json:"event_id"`
	Total      int64               `json:"total"`
	Tasks      int64               `json:"tasks,omitempty"`
	Commission CommissionOutcome   `json:"commission"`
	Progress   core.ProgressResult `json:"progress"`
	LevelUp    bool                `json:"level_up"`
}

// ProgressReport is a progress read plus the level-up flag for the
// notification UI.
type ProgressReport struct {
	core.ProgressResult
	LevelUp bool `json:"level_up"`
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCommissionPoints overrides the flat commission amount.
func WithCommissionPoints(points int64) ServiceOption {
	return func(s *Service) { s.commissionPoints = points }
}

// WithReconciler sets the queue for failed commission credits.
func WithReconciler(r *Reconciler) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.reconciler = r
		}
	}
}

// Service wires storage, event bus, tiers, rules and the commission rule into
// a cohesive API.
type Service struct {
	storage          Storage
	bus              *EventBus
	rules            RuleEngine
	tiers            *core.TierTable
	commission       *CommissionRule
	commissionPoints int64
	reconciler       *Reconciler
	logger           *zap.Logger
}

func NewService(storage Storage, bus *EventBus, rules RuleEngine, tiers *core.TierTable, opts ...ServiceOption) *Service {
	if storage == nil || bus == nil || rules == nil || tiers == nil {
		panic("NewService requires non-nil storage, bus, rules, and tiers")
	}
	s := &Service{storage: storage, bus: bus, rules: rules, tiers: tiers, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	if s.reconciler == nil {
		s.reconciler = NewReconciler(s.logger)
	}
	s.commission = NewCommissionRule(storage, storage, s.commissionPoints)
	bus.OnDrop(func(ev core.Event) {
		metrics.EventsDropped.Inc()
		s.logger.Warn("event dropped", zap.String("type", string(ev.Type)), zap.String("user_id", string(ev.UserID)))
	})
	return s
}

// DefaultRuleEngine evaluates the level-up rule against tiers.
func DefaultRuleEngine(tiers *core.TierTable) RuleEngine {
	return NewRuleEngine(core.LevelUpRule{Tiers: tiers})
}

// NewRuleEngine evaluates rules in order.
func NewRuleEngine(rules ...core.Rule) RuleEngine {
	return &simpleRuleEngine{rules: rules}
}

// Subscribe convenience method.
func (s *Service) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

// SubscribeAll receives every engine event.
func (s *Service) SubscribeAll(handler func(context.Context, core.Event)) func() {
	return s.bus.SubscribeAll(handler)
}

func (s *Service) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

// Tiers returns the tier table the service computes levels against.
func (s *Service) Tiers() *core.TierTable { return s.tiers }

// Reconciler exposes the failed-commission queue.
func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// CommissionPoints returns the flat commission amount in use.
func (s *Service) CommissionPoints() int64 { return s.commission.Points() }

// AwardPoints adds points to a user and runs the after-earn pipeline:
// referral activation, referral commission and level sync. Commission
// failures never fail the award.
func (s *Service) AwardPoints(ctx context.Context, ev core.PointsEarned) (AwardResult, error) {
	ev, err := s.prepare(ev)
	if err != nil {
		return AwardResult{}, err
	}
	if ev.Points <= 0 {
		return AwardResult{}, fmt.Errorf("%w: points must be positive", core.ErrInvalidInput)
	}
	total, err := s.storage.AddPoints(ctx, ev.UserID, ev.Points)
	if err != nil {
		return AwardResult{}, err
	}
	metrics.PointsAwarded.WithLabelValues(string(ev.Source)).Inc()
	trigger := core.NewPointsEarned(ev.UserID, ev.Points, total, ev.Source)
	s.bus.Publish(ctx, trigger)

	res := AwardResult{EventID: ev.EventID, Total: total}
	s.afterEarn(ctx, ev, trigger, &res)
	return res, nil
}

// RecordTask counts a completed task and awards its points.
func (s *Service) RecordTask(ctx context.Context, task TaskCompletion) (AwardResult, error) {
	ev, err := s.prepare(core.PointsEarned{EventID: task.EventID, UserID: task.UserID, Points: task.Points, Source: core.SourceTask})
	if err != nil {
		return AwardResult{}, err
	}
	if ev.Points < 0 {
		return AwardResult{}, fmt.Errorf("%w: points cannot be negative", core.ErrInvalidInput)
	}
	tasks, err := s.storage.IncrementTasks(ctx, ev.UserID)
	if err != nil {
		return AwardResult{}, err
	}
	metrics.TasksRecorded.Inc()
	trigger := core.NewTaskCompleted(ev.UserID, tasks)
	s.bus.Publish(ctx, trigger)

	res := AwardResult{EventID: ev.EventID, Tasks: tasks}
	if ev.Points > 0 {
		total, err := s.storage.AddPoints(ctx, ev.UserID, ev.Points)
		if err != nil {
			return res, err
		}
		metrics.PointsAwarded.WithLabelValues(string(ev.Source)).Inc()
		res.Total = total
		trigger = core.NewPointsEarned(ev.UserID, ev.Points, total, ev.Source)
		s.bus.Publish(ctx, trigger)
	} else {
		st, err := s.storage.GetState(ctx, ev.UserID)
		if err != nil {
			s.logger.Warn("points total unavailable",
				zap.String("user_id", string(ev.UserID)),
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		} else {
			res.Total = st.Stats.Points
		}
	}
	s.afterEarn(ctx, ev, trigger, &res)
	return res, nil
}

// HandleEvent consumes an inbound points_earned event. A referrer hint links
// the referral when the user has none yet; the award itself goes through
// AwardPoints as a task award.
func (s *Service) HandleEvent(ctx context.Context, in core.InboundEvent) (AwardResult, error) {
	if in.Type != core.EventPointsEarned {
		return AwardResult{}, fmt.Errorf("%w: %q", core.ErrUnsupportedEvent, in.Type)
	}
	user, err := core.NormalizeUserID(in.UserID)
	if err != nil {
		return AwardResult{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	var referrer core.UserID
	if in.ReferrerUserID != "" {
		referrer, err = core.NormalizeUserID(in.ReferrerUserID)
		if err != nil {
			return AwardResult{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		if _, err := s.storage.GetReferral(ctx, user); errors.Is(err, core.ErrNotFound) {
			if _, err := s.Refer(ctx, referrer, user); err != nil && !errors.Is(err, core.ErrReferralExists) {
				s.logger.Warn("referral hint ignored",
					zap.String("user_id", string(user)),
					zap.String("referrer_id", string(referrer)),
					zap.Error(err))
				referrer = ""
			}
		}
	}
	return s.AwardPoints(ctx, core.PointsEarned{
		EventID:    in.ID,
		UserID:     user,
		Points:     in.Points,
		Source:     core.SourceTask,
		ReferrerID: referrer,
	})
}

// Refer links referred to referrer as a pending referral. If the referred
// user already qualifies, the referral is activated straight away.
func (s *Service) Refer(ctx context.Context, referrer, referred core.UserID) (core.Referral, error) {
	from, err := core.NormalizeUserID(referrer)
	if err != nil {
		return core.Referral{}, fmt.Errorf("%w: referrer: %v", core.ErrInvalidInput, err)
	}
	to, err := core.NormalizeUserID(referred)
	if err != nil {
		return core.Referral{}, fmt.Errorf("%w: referred: %v", core.ErrInvalidInput, err)
	}
	if from == to {
		return core.Referral{}, core.ErrSelfReferral
	}
	ref := core.NewReferral(from, to)
	if err := s.storage.LinkReferral(ctx, ref); err != nil {
		return core.Referral{}, err
	}
	s.bus.Publish(ctx, core.NewReferralLinked(from, to))
	s.activateReferral(ctx, to)
	return s.storage.GetReferral(ctx, to)
}

// Referral returns the referral of a referred user.
func (s *Service) Referral(ctx context.Context, referred core.UserID) (core.Referral, error) {
	user, err := core.NormalizeUserID(referred)
	if err != nil {
		return core.Referral{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return s.storage.GetReferral(ctx, user)
}

// Progress computes the user's progress and reports whether the tier rose
// since the last computation.
func (s *Service) Progress(ctx context.Context, user core.UserID) (ProgressReport, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return ProgressReport{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	progress, levelUp, err := s.syncLevel(ctx, normalized, core.Event{UserID: normalized, Time: time.Now().UTC()})
	if err != nil {
		return ProgressReport{}, err
	}
	return ProgressReport{ProgressResult: progress, LevelUp: levelUp}, nil
}

// ClaimPhoenixWelcome reports whether the one-time Phoenix welcome should be
// shown now. It returns true at most once per user, and only at the top tier.
func (s *Service) ClaimPhoenixWelcome(ctx context.Context, user core.UserID) (bool, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	state, err := s.storage.GetState(ctx, normalized)
	if err != nil {
		return false, err
	}
	if state.PhoenixWelcomeShown || !core.ComputeProgress(state.Stats, s.tiers).MaxLevel() {
		return false, nil
	}
	already, err := s.storage.MarkWelcomeShown(ctx, normalized)
	if err != nil {
		return false, err
	}
	return !already, nil
}

// Commissions lists the ledger entries paid to referrer.
func (s *Service) Commissions(ctx context.Context, referrer core.UserID) ([]core.CommissionTransaction, error) {
	normalized, err := core.NormalizeUserID(referrer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return s.storage.Commissions(ctx, normalized)
}

// State returns the stored snapshot of a user.
func (s *Service) State(ctx context.Context, user core.UserID) (core.UserState, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserState{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return s.storage.GetState(ctx, normalized)
}

// RunReconciler retries failed commission credits every interval until ctx ends.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	s.reconciler.Run(ctx, interval, s.commission, func(tx core.CommissionTransaction) {
		s.onCommissionCredited(ctx, tx)
	})
}

func (s *Service) Close() { s.bus.Close() }

func (s *Service) prepare(ev core.PointsEarned) (core.PointsEarned, error) {
	user, err := core.NormalizeUserID(ev.UserID)
	if err != nil {
		return ev, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	ev.UserID = user
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Source == "" {
		ev.Source = core.SourceTask
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return ev, nil
}

func (s *Service) afterEarn(ctx context.Context, ev core.PointsEarned, trigger core.Event, res *AwardResult) {
	s.activateReferral(ctx, ev.UserID)
	res.Commission = s.applyCommission(ctx, ev)
	progress, levelUp, err := s.syncLevel(ctx, ev.UserID, trigger)
	if err != nil {
		s.logger.Warn("level sync failed", zap.String("user_id", string(ev.UserID)), zap.Error(err))
		return
	}
	res.Progress = progress
	res.LevelUp = levelUp
}

func (s *Service) activateReferral(ctx context.Context, user core.UserID) {
	ref, err := s.storage.GetReferral(ctx, user)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			s.logger.Warn("referral lookup failed", zap.String("user_id", string(user)), zap.Error(err))
		}
		return
	}
	if ref.Active() {
		return
	}
	state, err := s.storage.GetState(ctx, user)
	if err != nil || !core.QualifiesForActivation(state.Stats) {
		return
	}
	activated, err := s.storage.ActivateReferral(ctx, user, time.Now().UTC())
	if err != nil {
		s.logger.Warn("referral activation failed", zap.String("user_id", string(user)), zap.Error(err))
		return
	}
	if activated {
		metrics.ReferralsActivated.Inc()
		s.logger.Info("referral activated",
			zap.String("user_id", string(user)),
			zap.String("referrer_id", string(ref.ReferrerID)))
		s.bus.Publish(ctx, core.NewReferralActivated(ref.ReferrerID, user))
	}
}

func (s *Service) applyCommission(ctx context.Context, ev core.PointsEarned) CommissionOutcome {
	tx, outcome, err := s.commission.Apply(ctx, ev)
	metrics.CommissionOutcomes.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		s.logger.Error("commission credit failed",
			zap.String("user_id", string(ev.UserID)),
			zap.String("referrer_id", string(tx.ReferrerID)),
			zap.String("source_event_id", ev.EventID),
			zap.Error(err))
		switch {
		case errors.Is(err, core.ErrReferralLookup):
			s.reconciler.EnqueueEvent(ev, err)
		case errors.Is(err, core.ErrCommissionWrite):
			s.reconciler.Enqueue(tx, err)
		}
		return outcome
	}
	if outcome == CommissionCredited {
		s.onCommissionCredited(ctx, tx)
	}
	return outcome
}

func (s *Service) onCommissionCredited(ctx context.Context, tx core.CommissionTransaction) {
	ev := core.NewCommissionCredited(tx)
	s.bus.Publish(ctx, ev)
	if _, _, err := s.syncLevel(ctx, tx.ReferrerID, ev); err != nil {
		s.logger.Warn("level sync failed", zap.String("user_id", string(tx.ReferrerID)), zap.Error(err))
	}
}

// syncLevel recomputes progress, swaps the cached tier and runs the rules
// against the state as it was before the swap.
func (s *Service) syncLevel(ctx context.Context, user core.UserID, trigger core.Event) (core.ProgressResult, bool, error) {
	state, err := s.storage.GetState(ctx, user)
	if err != nil {
		return core.ProgressResult{}, false, err
	}
	progress := core.ComputeProgress(state.Stats, s.tiers)
	if state.CachedTier == nil || *state.CachedTier != progress.Current.ID {
		prev, err := s.storage.SwapLevel(ctx, user, progress.Current.ID)
		if err != nil {
			return progress, false, err
		}
		state.CachedTier = prev
	}
	levelUp := false
	for _, d := range s.rules.Evaluate(ctx, state, trigger) {
		if d.Type == core.EventLevelUp {
			levelUp = true
			metrics.LevelUps.WithLabelValues(progress.Current.Name).Inc()
			s.logger.Info("level up",
				zap.String("user_id", string(user)),
				zap.String("tier", progress.Current.Name))
		}
		s.bus.Publish(ctx, d)
	}
	return progress, levelUp, nil
}

type simpleRuleEngine struct{ rules []core.Rule }

func (s *simpleRuleEngine) Evaluate(ctx context.Context, state core.UserState, trigger core.Event) []core.Event {
	var out []core.Event
	for _, r := range s.rules {
		out = append(out, r.Evaluate(ctx, state, trigger)...)
	}
	return out
}
