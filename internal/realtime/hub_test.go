package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bidlane/bidlane/internal/notify"
)

func TestWantsAllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	if !client.wants(notify.Event{Type: notify.EventDisputeFiled}) {
		t.Error("all-events client must receive every event")
	}
}

func TestWantsEmptySubscriptionReceivesNothing(t *testing.T) {
	client := &Client{}

	if client.wants(notify.Event{Type: notify.EventFundsReleased}) {
		t.Error("empty subscription must not receive events")
	}
}

func TestWantsEventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []notify.EventType{notify.EventDisputeResolved, notify.EventFundsReleased},
	}}

	if !client.wants(notify.Event{Type: notify.EventDisputeResolved}) {
		t.Error("must receive dispute.resolved")
	}
	if !client.wants(notify.Event{Type: notify.EventFundsReleased}) {
		t.Error("must receive settlement.funds_released")
	}
	if client.wants(notify.Event{Type: notify.EventBadgeGranted}) {
		t.Error("must not receive unsubscribed types")
	}
}

func TestWantsUserFilter(t *testing.T) {
	client := &Client{sub: Subscription{UserIDs: []string{"seller1"}}}

	if !client.wants(notify.Event{Type: notify.EventFundsReleased, UserID: "seller1"}) {
		t.Error("must receive events addressed to the watched user")
	}
	if client.wants(notify.Event{Type: notify.EventFundsReleased, UserID: "buyer1"}) {
		t.Error("must not receive other users' events")
	}
}

func TestWantsCombinedFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []notify.EventType{notify.EventHealthFlag},
		UserIDs:    []string{"seller1"},
	}}

	if !client.wants(notify.Event{Type: notify.EventHealthFlag, UserID: "seller1"}) {
		t.Error("must receive matching type and user")
	}
	if client.wants(notify.Event{Type: notify.EventHealthFlag, UserID: "other"}) {
		t.Error("both filters must hold")
	}
	if client.wants(notify.Event{Type: notify.EventDisputeFiled, UserID: "seller1"}) {
		t.Error("both filters must hold")
	}
}

func TestHubBroadcastReachesRegisteredClient(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	hub.register <- client

	hub.Broadcast(notify.Event{Type: notify.EventDisputeFiled, UserID: "seller1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected serialized event payload")
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestSinkForwardsToHub(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	hub.register <- client

	sink := NewSink(hub)
	if err := sink.Notify(context.Background(), notify.NewEvent(notify.EventBadgeGranted, "u1", "badge", nil)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-client.send:
	case <-time.After(time.Second):
		t.Fatal("sink event never reached the client")
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	hub.register <- client

	cancel()
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown never closed the client channel")
	}
}
