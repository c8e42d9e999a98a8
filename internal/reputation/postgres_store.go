package reputation

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists reputation profiles and badge grants in
// PostgreSQL. Badge idempotency rests on the (user_id, badge_key) primary
// key with ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	prof := &Profile{UserID: userID}
	var badges pq.StringArray
	err := p.db.QueryRowContext(ctx, `
		SELECT r.score, r.updated_at,
		       COALESCE(ARRAY(SELECT b.badge_key FROM user_badges b WHERE b.user_id = r.user_id ORDER BY b.badge_key), '{}')
		FROM user_reputation r
		WHERE r.user_id = $1`, userID).Scan(&prof.Score, &prof.UpdatedAt, &badges)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prof.Badges = []string(badges)
	prof.Tier = TierFor(prof.Score)
	return prof, nil
}

func (p *PostgresStore) SaveProfile(ctx context.Context, prof *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_reputation (user_id, score, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET score = $2, updated_at = $3`,
		prof.UserID, prof.Score, prof.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GrantBadge(ctx context.Context, userID, badgeKey string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO user_badges (user_id, badge_key, granted_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, badge_key) DO NOTHING`,
		userID, badgeKey,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListBadges(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT badge_key FROM user_badges WHERE user_id = $1 ORDER BY badge_key`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
