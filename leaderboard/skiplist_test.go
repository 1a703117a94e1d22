package leaderboard

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"yieldkit/core"
)

func TestSkipListBasic(t *testing.T) {
	s := NewSkipList()
	s.Update(core.UserID("a"), 10)
	s.Update(core.UserID("b"), 20)
	s.Update(core.UserID("c"), 15)
	top := s.Top(3)
	if len(top) != 3 || top[0].User != core.UserID("b") || top[1].User != core.UserID("c") || top[2].User != core.UserID("a") {
		t.Fatalf("unexpected order: %#v", top)
	}
	if top[0].Rank != 1 || top[2].Rank != 3 {
		t.Fatalf("unexpected ranks: %#v", top)
	}
	s.Update(core.UserID("a"), 25)
	top = s.Top(1)
	if top[0].User != core.UserID("a") {
		t.Fatalf("top should be a, got %#v", top)
	}
}

func TestSkipListTiesOrderByUser(t *testing.T) {
	s := NewSkipList()
	s.Update("zoe", 50)
	s.Update("amy", 50)
	s.Update("kim", 50)
	top := s.Top(10)
	if len(top) != 3 || top[0].User != "amy" || top[1].User != "kim" || top[2].User != "zoe" {
		t.Fatalf("ties should order by user id: %#v", top)
	}
}

func TestSkipListRankAndRemove(t *testing.T) {
	s := NewSkipList()
	for i, u := range []core.UserID{"a", "b", "c", "d"} {
		s.Update(u, int64(100-i*10))
	}
	e, ok := s.Rank("c")
	if !ok || e.Rank != 3 || e.Points != 80 {
		t.Fatalf("rank of c: %#v %v", e, ok)
	}
	s.Remove("a")
	e, _ = s.Rank("c")
	if e.Rank != 2 {
		t.Fatalf("rank after remove should be 2, got %d", e.Rank)
	}
	if _, ok := s.Rank("a"); ok {
		t.Fatal("removed user still ranked")
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}
	if got := s.Top(0); got != nil {
		t.Fatalf("Top(0) = %#v", got)
	}
}

// Ranks stay consistent with a sorted reference under random updates.
func TestSkipListRankMatchesSortedOrder(t *testing.T) {
	s := NewSkipList()
	ref := map[core.UserID]int64{}
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		u := core.UserID(fmt.Sprintf("u%03d", rng.IntN(200)))
		if rng.IntN(10) == 0 {
			s.Remove(u)
			delete(ref, u)
			continue
		}
		p := int64(rng.IntN(500))
		s.Update(u, p)
		ref[u] = p
	}

	want := make([]Entry, 0, len(ref))
	for u, p := range ref {
		want = append(want, Entry{User: u, Points: p})
	}
	sort.Slice(want, func(i, j int) bool { return less(want[i], want[j]) })

	if s.Len() != len(want) {
		t.Fatalf("len = %d, want %d", s.Len(), len(want))
	}
	top := s.Top(len(want))
	for i, w := range want {
		if top[i].User != w.User || top[i].Points != w.Points {
			t.Fatalf("position %d: got %#v want %#v", i, top[i], w)
		}
		e, ok := s.Rank(w.User)
		if !ok || e.Rank != i+1 {
			t.Fatalf("rank of %s: got %d want %d", w.User, e.Rank, i+1)
		}
	}
}
