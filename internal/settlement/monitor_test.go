package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/bidlane/bidlane/internal/notify"
)

// seedContract inserts a contract directly, bypassing service validation,
// so tests can control timestamps.
func seedContract(t *testing.T, store *MemoryStore, c *Contract) {
	t.Helper()
	if c.Version == 0 {
		c.Version = 1
	}
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestSweepFlagsUndeliveredContract(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	seedContract(t, env.store, &Contract{
		ID: "ctr_old", Buyer: "buyer1", Seller: "seller1",
		Activated: true, CreatedAt: now.Add(-8 * 24 * time.Hour),
	})
	seedContract(t, env.store, &Contract{
		ID: "ctr_fresh", Buyer: "buyer2", Seller: "seller2",
		Activated: true, CreatedAt: now.Add(-1 * 24 * time.Hour),
	})

	flags, err := env.svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	if flags[0].ContractID != "ctr_old" {
		t.Errorf("wrong contract flagged: %s", flags[0].ContractID)
	}
	if len(flags[0].Issues) != 1 || flags[0].Issues[0] != IssueNotDelivered {
		t.Errorf("expected %s, got %v", IssueNotDelivered, flags[0].Issues)
	}
}

func TestSweepFlagsStalledRelease(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	delivered := now.Add(-3 * 24 * time.Hour)
	seedContract(t, env.store, &Contract{
		ID: "ctr_stalled", Buyer: "buyer1", Seller: "seller1",
		Activated: true, CreatedAt: now.Add(-5 * 24 * time.Hour), DeliveredAt: &delivered,
	})

	flags, err := env.svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(flags) != 1 || flags[0].Issues[0] != IssueNotReleased {
		t.Fatalf("expected %s, got %v", IssueNotReleased, flags)
	}
}

func TestSweepFlagsPendingPayouts(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	delivered := now.Add(-1 * time.Hour)
	released := now.Add(-30 * time.Minute)
	seedContract(t, env.store, &Contract{
		ID: "ctr_released", Buyer: "buyer1", Seller: "seller1", Lender: "lender1",
		Activated: true, Complete: true, FundsReleased: true,
		CreatedAt: now.Add(-2 * 24 * time.Hour), DeliveredAt: &delivered, ReleasedAt: &released,
	})
	if err := env.ledger.Append(context.Background(), &Entry{
		ID: "ent_1", ContractID: "ctr_released", Step: StepFundsReleased,
	}); err != nil {
		t.Fatalf("ledger seed failed: %v", err)
	}

	flags, err := env.svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	// Lender disbursement and platform fee are still unpaid.
	if len(flags) != 1 || flags[0].Issues[0] != "payouts-pending:2" {
		t.Fatalf("expected payouts-pending:2, got %v", flags)
	}
}

func TestSweepAccumulatesIndependentIssues(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	delivered := now.Add(-3 * 24 * time.Hour)
	seedContract(t, env.store, &Contract{
		ID: "ctr_multi", Buyer: "buyer1", Seller: "seller1",
		Activated: true, CreatedAt: now.Add(-10 * 24 * time.Hour), DeliveredAt: &delivered,
	})

	flags, err := env.svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(flags) != 1 || len(flags[0].Issues) != 1 {
		// Delivered, so the not-delivered rule no longer applies.
		t.Fatalf("expected one issue, got %v", flags)
	}
}

func TestMonitorDeduplicatesNotifications(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	seedContract(t, env.store, &Contract{
		ID: "ctr_old", Buyer: "buyer1", Seller: "seller1",
		Activated: true, CreatedAt: now.Add(-8 * 24 * time.Hour),
	})

	sink := notify.NewMemorySink()
	m := NewMonitor(env.svc, sink, time.Hour, testLogger()).
		WithClock(func() time.Time { return now })

	m.RunOnce(context.Background())
	if got := len(sink.ByType(notify.EventHealthFlag)); got != 2 {
		t.Fatalf("expected 2 notifications (buyer and seller), got %d", got)
	}

	// Same issue set on the next sweep: no new notifications.
	m.RunOnce(context.Background())
	if got := len(sink.ByType(notify.EventHealthFlag)); got != 2 {
		t.Fatalf("unchanged issue set must not renotify, got %d notifications", got)
	}
}

func TestMonitorRenotifiesOnChangedIssueSet(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	seedContract(t, env.store, &Contract{
		ID: "ctr_old", Buyer: "buyer1", Seller: "seller1",
		Activated: true, CreatedAt: now.Add(-8 * 24 * time.Hour),
	})

	sink := notify.NewMemorySink()
	m := NewMonitor(env.svc, sink, time.Hour, testLogger()).
		WithClock(func() time.Time { return now })

	m.RunOnce(context.Background())

	// Delivery lands, then stalls: the issue set changes.
	ctx := context.Background()
	stored, _ := env.store.Get(ctx, "ctr_old")
	delivered := now.Add(-3 * 24 * time.Hour)
	stored.DeliveredAt = &delivered
	if err := env.store.UpdateVersioned(ctx, stored, stored.Version); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	m.RunOnce(ctx)
	if got := len(sink.ByType(notify.EventHealthFlag)); got != 4 {
		t.Fatalf("changed issue set must renotify both parties, got %d notifications", got)
	}
}

func TestMonitorNotifiesLender(t *testing.T) {
	env := newTestEnv()
	now := time.Now()
	seedContract(t, env.store, &Contract{
		ID: "ctr_loan", Buyer: "buyer1", Seller: "seller1", Lender: "lender1",
		ContractType: TypeConditional,
		Activated:    true, CreatedAt: now.Add(-8 * 24 * time.Hour),
	})

	sink := notify.NewMemorySink()
	m := NewMonitor(env.svc, sink, time.Hour, testLogger()).
		WithClock(func() time.Time { return now })

	m.RunOnce(context.Background())
	events := sink.ByType(notify.EventHealthFlag)
	if len(events) != 3 {
		t.Fatalf("expected buyer, seller and lender notified, got %d", len(events))
	}
	users := make(map[string]bool)
	for _, e := range events {
		users[e.UserID] = true
	}
	if !users["lender1"] {
		t.Errorf("lender must be notified of a stalled settlement, got %v", users)
	}
}

func TestMonitorStopWithoutStart(t *testing.T) {
	env := newTestEnv()
	m := NewMonitor(env.svc, notify.NewMemorySink(), time.Hour, testLogger())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}

func TestMonitorStartStop(t *testing.T) {
	env := newTestEnv()
	m := NewMonitor(env.svc, notify.NewMemorySink(), 10*time.Millisecond, testLogger())

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	// Stop must be safe to call twice.
	m.Stop()
}
