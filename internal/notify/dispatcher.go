package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bidlane/bidlane/internal/retry"
)

// Subscription registers a webhook URL for a user's events.
type Subscription struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"` // Used for HMAC signing
	Events    []EventType `json:"events"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to the sink and, when subscriptions exist,
// to the user's webhook endpoints. It is a Sink itself so core services
// only ever see the Sink interface.
type Dispatcher struct {
	subs   SubscriptionStore
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(subs SubscriptionStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:   subs,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers the event to every active matching subscription.
// Webhook delivery is best-effort and asynchronous; failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	subs, err := d.subs.GetByUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}
		// Send async to avoid blocking the caller's operation.
		go d.send(sub, event)
	}
	return nil
}

func (sub *Subscription) wants(t EventType) bool {
	if len(sub.Events) == 0 {
		return true
	}
	for _, et := range sub.Events {
		if et == t {
			return true
		}
	}
	return false
}

func (d *Dispatcher) send(sub *Subscription, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn("webhook marshal failed", "subscription", sub.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Transient failures (network errors, 5xx) are retried with backoff.
	// A 4xx means the subscriber rejected the payload; retrying won't help.
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.deliver(sub, event, payload)
	})
	if err != nil {
		d.logger.Warn("webhook delivery failed", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) deliver(sub *Subscription, event Event, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bidlane-Event", string(event.Type))
	req.Header.Set("X-Bidlane-Delivery", event.ID)
	if sub.Secret != "" {
		req.Header.Set("X-Bidlane-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemorySubscriptionStore is an in-memory subscription store.
type MemorySubscriptionStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemorySubscriptionStore creates an in-memory subscription store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (m *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemorySubscriptionStore) GetByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
