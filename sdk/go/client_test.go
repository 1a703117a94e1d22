package sdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"yieldkit/adapters/memory"
	"yieldkit/analytics"
	"yieldkit/api/httpapi"
	"yieldkit/core"
	"yieldkit/engine"
	"yieldkit/leaderboard"
	"yieldkit/realtime"
)

func newTestServer(t *testing.T, opts httpapi.Options) *httptest.Server {
	t.Helper()
	tiers := core.DefaultTierTable()
	svc := engine.NewService(memory.New(), engine.NewEventBus(engine.DispatchSync),
		engine.DefaultRuleEngine(tiers), tiers, engine.WithLogger(zaptest.NewLogger(t)))
	hub := realtime.NewHub()
	svc.SubscribeAll(hub.Broadcast)
	tracker := leaderboard.Track(svc, leaderboard.NewSkipList(), nil)
	stats := analytics.NewMetrics()
	analytics.Attach(svc, stats)
	opts.PathPrefix = "/api"
	opts.Leaderboard = tracker.Board()
	opts.Stats = stats

	srv := httptest.NewServer(httpapi.NewRouter(svc, hub, opts))
	t.Cleanup(func() {
		srv.Close()
		tracker.Stop()
		svc.Close()
	})
	return srv
}

func TestClient_RewardsFlow(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})

	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if _, err := client.Refer(ctx, "ann", "bob"); err != nil {
		t.Fatalf("refer: %v", err)
	}
	res, err := client.RecordTask(ctx, "bob", "evt-1", 40)
	if err != nil || res.Total != 40 || res.Commission != "credited" {
		t.Fatalf("record task: %+v err=%v", res, err)
	}
	if _, err := client.AwardPoints(ctx, "bob", "", 5, "bonus"); err != nil {
		t.Fatalf("award points: %v", err)
	}

	state, err := client.GetUser(ctx, "bob")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if state.Stats.Points != 45 || state.Stats.TasksCompleted != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}

	txs, err := client.Commissions(ctx, "ann")
	if err != nil || len(txs) != 1 || txs[0].Points != core.DefaultCommissionPoints {
		t.Fatalf("commissions: %+v err=%v", txs, err)
	}

	p, err := client.Progress(ctx, "bob")
	if err != nil || p.Current.Name != "Dove" || p.Next == nil {
		t.Fatalf("progress: %+v err=%v", p, err)
	}

	lb, err := client.Leaderboard(ctx, 5)
	if err != nil || len(lb.Entries) != 2 || lb.Entries[0].UserID != "bob" {
		t.Fatalf("leaderboard: %+v err=%v", lb, err)
	}
	rank, err := client.Rank(ctx, "ann")
	if err != nil || rank.Rank != 2 {
		t.Fatalf("rank: %+v err=%v", rank, err)
	}

	tiers, err := client.Tiers(ctx)
	if err != nil || len(tiers) != 6 {
		t.Fatalf("tiers: %d err=%v", len(tiers), err)
	}

	health, err := client.Health(ctx)
	if err != nil || health.Status != "healthy" {
		t.Fatalf("health: %+v err=%v", health, err)
	}

	week, err := client.Stats(ctx, analytics.PeriodWeekly)
	if err != nil || week.Commissions != 1 || week.PointsAwarded != 45 || week.ReferralsLinked != 1 {
		t.Fatalf("stats: %+v err=%v", week, err)
	}
}

func TestClient_Errors(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	ctx := context.Background()

	anon, _ := NewClient(srv.URL + "/api")
	if _, err := anon.Health(ctx); !IsCode(err, "unauthorized") {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	client, _ := NewClient(srv.URL+"/api", WithAuthToken("k1"))
	if _, err := client.Refer(ctx, "ann", "ann"); !IsCode(err, "self_referral") {
		t.Fatalf("expected self_referral, got %v", err)
	}
	if _, err := client.Referral(ctx, "ghost"); !IsCode(err, "not_found") {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, err := client.GetUser(ctx, " "); err != ErrEmptyUserID {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := NewClient(""); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	client, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, "carol")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// the hub registers the subscriber after the upgrade; retry until seen
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := client.PublishEvent(ctx, core.InboundEvent{ID: "x", UserID: "dave", Points: 1}); err != nil {
			t.Fatalf("publish dave: %v", err)
		}
		if _, err := client.PublishEvent(ctx, core.InboundEvent{ID: "y", UserID: "carol", Points: 3}); err != nil {
			t.Fatalf("publish carol: %v", err)
		}
		select {
		case evt := <-events:
			if evt.UserID != "carol" {
				t.Fatalf("stream not filtered: %+v", evt)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/api": "ws://localhost:8080/api/ws",
		"https://rewards.example/":  "wss://rewards.example/ws",
	}
	for in, want := range cases {
		if got := deriveWSURL(in); got != want {
			t.Fatalf("deriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}
