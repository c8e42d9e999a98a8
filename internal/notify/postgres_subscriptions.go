package notify

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresSubscriptionStore persists webhook subscriptions in PostgreSQL.
// The event filter is stored as JSONB.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

// NewPostgresSubscriptionStore creates a PostgreSQL-backed subscription store.
func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

func (p *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	events := sub.Events
	if events == nil {
		events = []EventType{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresSubscriptionStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, url, secret, events, active, created_at
		FROM webhook_subscriptions
		WHERE user_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var eventsJSON []byte
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &eventsJSON, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	return err
}
