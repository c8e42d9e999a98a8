package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Append(ctx context.Context, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject_kind, subject_id, actor_type, actor_id, operation, before_state, after_state, request_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9, $10)
	`, entry.SubjectKind, entry.SubjectID, entry.ActorType, entry.ActorID, entry.Operation,
		orEmptyJSON(entry.BeforeState), orEmptyJSON(entry.AfterState), entry.RequestID, entry.Description, entry.CreatedAt)
	return err
}

func (l *PostgresLogger) Query(ctx context.Context, subjectKind, subjectID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, subject_kind, subject_id, actor_type, COALESCE(actor_id, ''), operation,
		       COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		       COALESCE(request_id, ''), COALESCE(description, ''), created_at
		FROM audit_log
		WHERE ($1 = '' OR subject_kind = $1)
		  AND ($2 = '' OR subject_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, subjectKind, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.SubjectKind, &e.SubjectID, &e.ActorType, &e.ActorID, &e.Operation,
			&e.BeforeState, &e.AfterState, &e.RequestID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
