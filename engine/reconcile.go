package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"yieldkit/core"
	"yieldkit/metrics"
)

// RetryPolicy bounds how queued commissions are retried. Delays grow
// exponentially from InitialInterval up to MaxInterval; after MaxAttempts
// failed writes an entry is abandoned.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy retries for roughly half an hour before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Second, MaxInterval: 5 * time.Minute, MaxAttempts: 10}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(d.MaxInterval, p.InitialInterval)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// newBackOff counts the failed write that queued the entry as the first
// attempt, so it allows MaxAttempts-1 further delays.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// FailedCommission is a commission credit that could not be written. Event
// is set instead of a prepared transaction when the referral could not be
// read, and the whole rule is evaluated again on retry.
type FailedCommission struct {
	Tx          core.CommissionTransaction `json:"transaction"`
	Event       *core.PointsEarned         `json:"event,omitempty"`
	Attempts    int                        `json:"attempts"`
	LastError   string                     `json:"last_error"`
	FirstFailed time.Time                  `json:"first_failed"`
	LastFailed  time.Time                  `json:"last_failed"`
	NextAttempt time.Time                  `json:"next_attempt"`

	backoff backoff.BackOff
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRetryPolicy sets the per-entry backoff and attempt cap.
func WithRetryPolicy(p RetryPolicy) ReconcilerOption {
	return func(r *Reconciler) { r.policy = p.withDefaults() }
}

// Reconciler queues failed commission credits, keyed by source event, and
// retries each one on its own exponential schedule. Queue contents are per
// process; the ledger's idempotency key keeps retries from double crediting
// across instances.
type Reconciler struct {
	mu        sync.Mutex
	pending   map[string]*FailedCommission
	abandoned map[string]FailedCommission
	policy    RetryPolicy
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		pending:   map[string]*FailedCommission{},
		abandoned: map[string]FailedCommission{},
		policy:    DefaultRetryPolicy(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enqueue records a failed credit. Re-enqueueing the same source event
// counts as another failed attempt.
func (r *Reconciler) Enqueue(tx core.CommissionTransaction, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(tx.SourceEventID, FailedCommission{Tx: tx}, cause)
}

// EnqueueEvent records an award whose commission could not be evaluated.
func (r *Reconciler) EnqueueEvent(ev core.PointsEarned, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := core.CommissionTransaction{ReferredID: ev.UserID, SourceEventID: ev.EventID}
	r.failLocked(ev.EventID, FailedCommission{Tx: tx, Event: &ev}, cause)
}

// failLocked records a failed attempt for key and schedules the next one,
// or abandons the entry once its backoff is exhausted.
func (r *Reconciler) failLocked(key string, entry FailedCommission, cause error) {
	now := r.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	f, ok := r.pending[key]
	if !ok {
		entry.FirstFailed = now
		entry.backoff = r.policy.newBackOff()
		f = &entry
		r.pending[key] = f
	}
	f.Attempts++
	f.LastError = msg
	f.LastFailed = now

	delay := f.backoff.NextBackOff()
	if delay == backoff.Stop {
		r.abandonLocked(key, "retry limit reached")
		return
	}
	f.NextAttempt = now.Add(delay)
	metrics.ReconcilePending.Set(float64(len(r.pending)))
}

func (r *Reconciler) abandonLocked(key, reason string) {
	f, ok := r.pending[key]
	if !ok {
		return
	}
	delete(r.pending, key)
	r.abandoned[key] = *f
	metrics.ReconcilePending.Set(float64(len(r.pending)))
	metrics.ReconcileAbandoned.Inc()
	r.logger.Error("commission abandoned",
		zap.String("reason", reason),
		zap.String("source_event_id", key),
		zap.String("referrer_id", string(f.Tx.ReferrerID)),
		zap.String("referred_id", string(f.Tx.ReferredID)),
		zap.Int64("points", f.Tx.Points),
		zap.Int("attempts", f.Attempts),
		zap.String("last_error", f.LastError))
}

// Len returns the number of queued credits.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending returns a snapshot of queued credits, oldest first.
func (r *Reconciler) Pending() []FailedCommission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedEntries(r.pending)
}

// Abandoned returns the credits that ran out of retries or failed for a
// reason retrying cannot fix. They need manual repair.
func (r *Reconciler) Abandoned() []FailedCommission {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]*FailedCommission, len(r.abandoned))
	for k, f := range r.abandoned {
		m[k] = &f
	}
	return sortedEntries(m)
}

func sortedEntries(m map[string]*FailedCommission) []FailedCommission {
	out := make([]FailedCommission, 0, len(m))
	for _, f := range m {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstFailed.Before(out[j].FirstFailed) })
	return out
}

// retryable reports whether another attempt could succeed. Storage write and
// read failures are transient; anything else, such as a points overflow, is
// permanent.
func retryable(err error) bool {
	return errors.Is(err, core.ErrCommissionWrite) || errors.Is(err, core.ErrReferralLookup)
}

func (r *Reconciler) attempt(ctx context.Context, rule *CommissionRule, f FailedCommission) (core.CommissionTransaction, CommissionOutcome, error) {
	var (
		tx      core.CommissionTransaction
		outcome CommissionOutcome
		err     error
	)
	if f.Event != nil {
		tx, outcome, err = rule.Apply(ctx, *f.Event)
	} else {
		tx, outcome, err = rule.Credit(ctx, f.Tx)
	}
	if err != nil && !retryable(err) {
		err = backoff.Permanent(err)
	}
	return tx, outcome, err
}

// Retry attempts every entry whose backoff has elapsed. Entries that are
// credited, or settle as duplicates or no longer eligible, leave the queue;
// credited ones are returned.
func (r *Reconciler) Retry(ctx context.Context, rule *CommissionRule) []core.CommissionTransaction {
	var credited []core.CommissionTransaction
	now := r.now()
	for _, f := range r.Pending() {
		if ctx.Err() != nil {
			break
		}
		if f.NextAttempt.After(now) {
			continue
		}
		key := f.Tx.SourceEventID
		tx, outcome, err := r.attempt(ctx, rule, f)
		if err != nil {
			r.mu.Lock()
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				if p := r.pending[key]; p != nil {
					p.Attempts++
					p.LastError = perm.Err.Error()
				}
				r.abandonLocked(key, "permanent error")
			} else {
				r.logger.Warn("commission reconciliation failed",
					zap.String("source_event_id", key),
					zap.String("referrer_id", string(f.Tx.ReferrerID)),
					zap.Int("attempts", f.Attempts+1),
					zap.Error(err))
				r.failLocked(key, f, err)
			}
			r.mu.Unlock()
			continue
		}
		r.resolve(key)
		metrics.CommissionOutcomes.WithLabelValues(string(outcome)).Inc()
		if outcome == CommissionCredited {
			credited = append(credited, tx)
			r.logger.Info("commission reconciled",
				zap.String("source_event_id", key),
				zap.String("referrer_id", string(tx.ReferrerID)))
		}
	}
	return credited
}

// Run checks the queue on every tick until ctx ends. onCredited is called for
// each credit that went through.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, rule *CommissionRule, onCredited func(core.CommissionTransaction)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Len() == 0 {
				continue
			}
			for _, tx := range r.Retry(ctx, rule) {
				if onCredited != nil {
					onCredited(tx)
				}
			}
		}
	}
}

func (r *Reconciler) resolve(sourceEventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, sourceEventID)
	metrics.ReconcilePending.Set(float64(len(r.pending)))
}
