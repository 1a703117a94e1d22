package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"yieldkit/core"
)

func TestStorePersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	total, err := store.AddPoints(ctx, "bob", 50)
	if err != nil || total != 50 {
		t.Fatalf("add points: total=%d err=%v", total, err)
	}
	if _, err := store.IncrementTasks(ctx, "bob"); err != nil {
		t.Fatalf("increment tasks: %v", err)
	}
	if _, err := store.SwapLevel(ctx, "bob", 1); err != nil {
		t.Fatalf("swap level: %v", err)
	}
	if err := store.LinkReferral(ctx, core.NewReferral("alice", "bob")); err != nil {
		t.Fatalf("link referral: %v", err)
	}
	if ok, err := store.ActivateReferral(ctx, "bob", time.Now()); err != nil || !ok {
		t.Fatalf("activate: ok=%v err=%v", ok, err)
	}
	if err := store.CreditCommission(ctx, core.NewCommission("alice", "bob", "evt-1", 10)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	// reload
	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	bob, err := reloaded.GetState(ctx, "bob")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if bob.Stats.Points != 50 || bob.Stats.TasksCompleted != 1 {
		t.Fatalf("unexpected stats %+v", bob.Stats)
	}
	if bob.CachedTier == nil || *bob.CachedTier != 1 {
		t.Fatalf("expected cached tier 1, got %v", bob.CachedTier)
	}
	alice, _ := reloaded.GetState(ctx, "alice")
	if alice.Stats.Points != 10 || alice.Stats.ActiveReferrals != 1 {
		t.Fatalf("unexpected referrer stats %+v", alice.Stats)
	}
	ref, err := reloaded.GetReferral(ctx, "bob")
	if err != nil || !ref.Active() {
		t.Fatalf("referral not restored: %+v %v", ref, err)
	}
	if err := reloaded.CreditCommission(ctx, core.NewCommission("alice", "bob", "evt-1", 10)); err != core.ErrDuplicateCommission {
		t.Fatalf("expected duplicate after reload, got %v", err)
	}
	list, _ := reloaded.Commissions(ctx, "alice")
	if len(list) != 1 {
		t.Fatalf("expected 1 commission, got %d", len(list))
	}
}

func TestStoreWelcomeFlag(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	already, err := store.MarkWelcomeShown(context.Background(), "u")
	if err != nil || already {
		t.Fatalf("first mark: already=%v err=%v", already, err)
	}
	already, _ = store.MarkWelcomeShown(context.Background(), "u")
	if !already {
		t.Fatal("second mark should report already shown")
	}
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestStoreFailedWriteLeavesNoTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.LinkReferral(ctx, core.NewReferral("alice", "bob")); err != nil {
		t.Fatalf("link referral: %v", err)
	}

	// a directory in place of the temp file makes every write fail
	if err := os.Mkdir(path+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddPoints(ctx, "bob", 25); err == nil {
		t.Fatal("expected add points to fail")
	}
	if _, err := store.IncrementTasks(ctx, "bob"); err == nil {
		t.Fatal("expected increment to fail")
	}
	if _, err := store.ActivateReferral(ctx, "bob", time.Now()); err == nil {
		t.Fatal("expected activation to fail")
	}
	tx := core.NewCommission("alice", "bob", "evt-1", 10)
	for i := 0; i < 2; i++ {
		if err := store.CreditCommission(ctx, tx); err == nil || errors.Is(err, core.ErrDuplicateCommission) {
			t.Fatalf("credit #%d: expected write error, got %v", i+1, err)
		}
	}

	bob, _ := store.GetState(ctx, "bob")
	alice, _ := store.GetState(ctx, "alice")
	if bob.Stats.Points != 0 || bob.Stats.TasksCompleted != 0 || alice.Stats.Points != 0 || alice.Stats.ActiveReferrals != 0 {
		t.Fatalf("failed writes leaked into memory: bob=%+v alice=%+v", bob.Stats, alice.Stats)
	}
	if ref, _ := store.GetReferral(ctx, "bob"); ref.Active() {
		t.Fatal("referral activated despite failed write")
	}

	// once the disk recovers the same credit goes through exactly once
	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreditCommission(ctx, tx); err != nil {
		t.Fatalf("credit after recovery: %v", err)
	}
	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	alice, _ = reloaded.GetState(ctx, "alice")
	if alice.Stats.Points != 10 {
		t.Fatalf("expected 10 points on disk, got %d", alice.Stats.Points)
	}
}

func TestStoreConcurrentCreditOnce(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreditCommission(ctx, core.NewCommission("alice", "bob", "evt-race", 10))
			if err == nil {
				mu.Lock()
				credited++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrDuplicateCommission) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	list, _ := store.Commissions(ctx, "alice")
	alice, _ := store.GetState(ctx, "alice")
	if credited != 1 || len(list) != 1 || alice.Stats.Points != 10 {
		t.Fatalf("credited=%d ledger=%d points=%d", credited, len(list), alice.Stats.Points)
	}
}
