package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"yieldkit/core"
)

// Store persists the entire rewards state to a single JSON file.
// Suitable for demos and small deployments.
//
// Writes go through commit: the change is applied to a copy of the state,
// the copy is written to disk and only then replaces the cached state, so a
// failed write leaves nothing behind in memory.
type Store struct {
	path string
	mu   sync.Mutex
	data snapshot
}

type snapshot struct {
	Users       map[core.UserID]core.UserState `json:"users"`
	Referrals   map[core.UserID]core.Referral  `json:"referrals"`
	Commissions []core.CommissionTransaction   `json:"commissions"`
	sources     map[string]struct{}
}

func emptySnapshot() snapshot {
	return snapshot{
		Users:     map[core.UserID]core.UserState{},
		Referrals: map[core.UserID]core.Referral{},
		sources:   map[string]struct{}{},
	}
}

// clone copies the maps and clips the ledger so appends never touch the
// original backing array.
func (d snapshot) clone() snapshot {
	return snapshot{
		Users:       maps.Clone(d.Users),
		Referrals:   maps.Clone(d.Referrals),
		Commissions: slices.Clip(d.Commissions),
		sources:     maps.Clone(d.sources),
	}
}

func (d snapshot) user(id core.UserID) core.UserState {
	if st, ok := d.Users[id]; ok {
		return st.Clone()
	}
	return core.NewUserState(id)
}

func (d snapshot) updateUser(id core.UserID, fn func(*core.UserState) error) error {
	st := d.user(id)
	if err := fn(&st); err != nil {
		return err
	}
	st.Updated = time.Now().UTC()
	d.Users[id] = st
	return nil
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: emptySnapshot()}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw snapshot
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	maps.Copy(s.data.Users, raw.Users)
	maps.Copy(s.data.Referrals, raw.Referrals)
	s.data.Commissions = raw.Commissions
	for _, tx := range raw.Commissions {
		s.data.sources[tx.SourceEventID] = struct{}{}
	}
	return nil
}

func (s *Store) persist(d snapshot) error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// commit runs fn on a copy of the state and installs the copy once it is on
// disk. Callers hold s.mu.
func (s *Store) commit(fn func(d *snapshot) error) error {
	next := s.data.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *Store) GetState(_ context.Context, user core.UserID) (core.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.user(user), nil
}

func (s *Store) AddPoints(_ context.Context, user core.UserID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	err := s.commit(func(d *snapshot) error {
		return d.updateUser(user, func(st *core.UserState) error {
			next, err := core.AddSafe(st.Stats.Points, delta)
			if err != nil {
				return err
			}
			st.Stats.Points, total = next, next
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) IncrementTasks(_ context.Context, user core.UserID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	err := s.commit(func(d *snapshot) error {
		return d.updateUser(user, func(st *core.UserState) error {
			next, err := core.AddSafe(st.Stats.TasksCompleted, 1)
			if err != nil {
				return err
			}
			st.Stats.TasksCompleted, total = next, next
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SwapLevel(_ context.Context, user core.UserID, tier core.TierID) (*core.TierID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *core.TierID
	err := s.commit(func(d *snapshot) error {
		return d.updateUser(user, func(st *core.UserState) error {
			prev = st.CachedTier
			st.CachedTier = core.TierPtr(tier)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) MarkWelcomeShown(_ context.Context, user core.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var already bool
	err := s.commit(func(d *snapshot) error {
		return d.updateUser(user, func(st *core.UserState) error {
			already = st.PhoenixWelcomeShown
			st.PhoenixWelcomeShown = true
			return nil
		})
	})
	return already, err
}

func (s *Store) LinkReferral(_ context.Context, ref core.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Referrals[ref.ReferredID]; ok {
		return core.ErrReferralExists
	}
	return s.commit(func(d *snapshot) error {
		d.Referrals[ref.ReferredID] = ref
		return nil
	})
}

func (s *Store) GetReferral(_ context.Context, referred core.UserID) (core.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.data.Referrals[referred]
	if !ok {
		return core.Referral{}, core.ErrNotFound
	}
	return ref, nil
}

func (s *Store) ActivateReferral(_ context.Context, referred core.UserID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.data.Referrals[referred]
	if !ok {
		return false, core.ErrNotFound
	}
	if ref.Active() {
		return false, nil
	}
	err := s.commit(func(d *snapshot) error {
		err := d.updateUser(ref.ReferrerID, func(st *core.UserState) error {
			next, err := core.AddSafe(st.Stats.ActiveReferrals, 1)
			if err != nil {
				return err
			}
			st.Stats.ActiveReferrals = next
			return nil
		})
		if err != nil {
			return err
		}
		at := at.UTC()
		ref.Status, ref.ActivatedAt = core.ReferralActive, &at
		d.Referrals[referred] = ref
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreditCommission(_ context.Context, tx core.CommissionTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.sources[tx.SourceEventID]; ok {
		return core.ErrDuplicateCommission
	}
	return s.commit(func(d *snapshot) error {
		err := d.updateUser(tx.ReferrerID, func(st *core.UserState) error {
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
		d.sources[tx.SourceEventID] = struct{}{}
		d.Commissions = append(d.Commissions, tx)
		return nil
	})
}

func (s *Store) Commissions(_ context.Context, referrer core.UserID) ([]core.CommissionTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.CommissionTransaction{}
	for _, tx := range s.data.Commissions {
		if tx.ReferrerID == referrer {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
