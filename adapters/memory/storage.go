package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"yieldkit/core"
)

// Store is a concurrent in-memory Storage implementation.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord

	// mu guards referrals and the ledger. It is always taken before a
	// user record lock.
	mu        sync.Mutex
	referrals map[core.UserID]core.Referral
	ledger    []core.CommissionTransaction
	bySource  map[string]struct{}
}

type userRecord struct {
	mu    sync.Mutex
	state core.UserState
}

func New() *Store {
	return &Store{
		referrals: map[core.UserID]core.Referral{},
		bySource:  map[string]struct{}{},
	}
}

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{state: core.NewUserState(user)}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (s *Store) update(user core.UserID, fn func(*core.UserState) error) error {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := fn(&rec.state); err != nil {
		return err
	}
	rec.state.Updated = time.Now().UTC()
	return nil
}

func (s *Store) GetState(_ context.Context, user core.UserID) (core.UserState, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.Clone(), nil
}

func (s *Store) AddPoints(_ context.Context, user core.UserID, delta int64) (int64, error) {
	var total int64
	err := s.update(user, func(st *core.UserState) error {
		next, err := core.AddSafe(st.Stats.Points, delta)
		if err != nil {
			return err
		}
		st.Stats.Points = next
		total = next
		return nil
	})
	return total, err
}

func (s *Store) IncrementTasks(_ context.Context, user core.UserID) (int64, error) {
	var total int64
	err := s.update(user, func(st *core.UserState) error {
		next, err := core.AddSafe(st.Stats.TasksCompleted, 1)
		if err != nil {
			return err
		}
		st.Stats.TasksCompleted = next
		total = next
		return nil
	})
	return total, err
}

func (s *Store) SwapLevel(_ context.Context, user core.UserID, tier core.TierID) (*core.TierID, error) {
	var prev *core.TierID
	err := s.update(user, func(st *core.UserState) error {
		prev = st.CachedTier
		st.CachedTier = core.TierPtr(tier)
		return nil
	})
	return prev, err
}

func (s *Store) MarkWelcomeShown(_ context.Context, user core.UserID) (bool, error) {
	var already bool
	err := s.update(user, func(st *core.UserState) error {
		already = st.PhoenixWelcomeShown
		st.PhoenixWelcomeShown = true
		return nil
	})
	return already, err
}

func (s *Store) LinkReferral(_ context.Context, ref core.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrals[ref.ReferredID]; ok {
		return core.ErrReferralExists
	}
	s.referrals[ref.ReferredID] = ref
	return nil
}

func (s *Store) GetReferral(_ context.Context, referred core.UserID) (core.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.referrals[referred]
	if !ok {
		return core.Referral{}, core.ErrNotFound
	}
	return ref, nil
}

func (s *Store) ActivateReferral(_ context.Context, referred core.UserID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.referrals[referred]
	if !ok {
		return false, core.ErrNotFound
	}
	if ref.Active() {
		return false, nil
	}
	err := s.update(ref.ReferrerID, func(st *core.UserState) error {
		next, err := core.AddSafe(st.Stats.ActiveReferrals, 1)
		if err != nil {
			return err
		}
		st.Stats.ActiveReferrals = next
		return nil
	})
	if err != nil {
		return false, err
	}
	ref.Status = core.ReferralActive
	at = at.UTC()
	ref.ActivatedAt = &at
	s.referrals[referred] = ref
	return true, nil
}

func (s *Store) CreditCommission(_ context.Context, tx core.CommissionTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySource[tx.SourceEventID]; ok {
		return core.ErrDuplicateCommission
	}
	err := s.update(tx.ReferrerID, func(st *core.UserState) error {
		next, err := core.AddSafe(st.Stats.Points, tx.Points)
		if err != nil {
			return err
		}
		st.Stats.Points = next
		return nil
	})
	if err != nil {
		return err
	}
	s.bySource[tx.SourceEventID] = struct{}{}
	s.ledger = append(s.ledger, tx)
	return nil
}

// Commissions returns the referrer's ledger entries, newest first.
func (s *Store) Commissions(_ context.Context, referrer core.UserID) ([]core.CommissionTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.CommissionTransaction{}
	for _, tx := range s.ledger {
		if tx.ReferrerID == referrer {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ interface {
	GetState(context.Context, core.UserID) (core.UserState, error)
	AddPoints(context.Context, core.UserID, int64) (int64, error)
	IncrementTasks(context.Context, core.UserID) (int64, error)
	SwapLevel(context.Context, core.UserID, core.TierID) (*core.TierID, error)
	MarkWelcomeShown(context.Context, core.UserID) (bool, error)
	LinkReferral(context.Context, core.Referral) error
	GetReferral(context.Context, core.UserID) (core.Referral, error)
	ActivateReferral(context.Context, core.UserID, time.Time) (bool, error)
	CreditCommission(context.Context, core.CommissionTransaction) error
	Commissions(context.Context, core.UserID) ([]core.CommissionTransaction, error)
} = (*Store)(nil)
