package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists dispute cases in PostgreSQL. The judge pool and
// vote list are stored as JSONB on the case row; the version column backs
// the compare-and-swap discipline.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const caseColumns = `id, transaction_kind, transaction_id, raised_by, against_user, description,
		       status, judge_pool, votes, verdict, resolution, resolved_at,
		       version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	poolJSON, votesJSON, err := marshalCaseLists(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispute_cases (
			id, transaction_kind, transaction_id, raised_by, against_user, description,
			status, judge_pool, votes, verdict, resolution, resolved_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, string(c.Transaction.Kind), c.Transaction.ID, c.RaisedBy, c.AgainstUser, c.Description,
		string(c.Status), poolJSON, votesJSON, nullString(string(c.Verdict)), nullString(c.Resolution), nullTime(c.ResolvedAt),
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// UpdateVersioned writes the case only if the stored version still matches.
// The version bump happens in the same statement, so two concurrent writers
// cannot both succeed.
func (p *PostgresStore) UpdateVersioned(ctx context.Context, c *Case, expectedVersion int64) error {
	poolJSON, votesJSON, err := marshalCaseLists(c)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE dispute_cases SET
			status = $1, judge_pool = $2, votes = $3, verdict = $4,
			resolution = $5, resolved_at = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9`,
		string(c.Status), poolJSON, votesJSON, nullString(string(c.Verdict)),
		nullString(c.Resolution), nullTime(c.ResolvedAt), c.UpdatedAt,
		c.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the case is gone or someone else won the race.
		if _, getErr := p.Get(ctx, c.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM dispute_cases
		WHERE raised_by = $1 OR against_user = $1 OR judge_pool @> to_jsonb(ARRAY[$1])
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCases(rows)
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, ref TransactionRef) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM dispute_cases
		WHERE transaction_kind = $1 AND transaction_id = $2
		ORDER BY created_at DESC`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCases(rows)
}

func (p *PostgresStore) CountUnresolvedByJudge(ctx context.Context, judgeID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispute_cases
		WHERE status IN ('open', 'voting') AND judge_pool @> to_jsonb(ARRAY[$1])`, judgeID).Scan(&count)
	return count, err
}

func marshalCaseLists(c *Case) ([]byte, []byte, error) {
	pool := c.JudgePool
	if pool == nil {
		pool = []string{}
	}
	poolJSON, err := json.Marshal(pool)
	if err != nil {
		return nil, nil, err
	}
	votes := c.Votes
	if votes == nil {
		votes = []Vote{}
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return nil, nil, err
	}
	return poolJSON, votesJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	c := &Case{}
	var kind string
	var poolJSON, votesJSON []byte
	var verdict, resolution sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&c.ID, &kind, &c.Transaction.ID, &c.RaisedBy, &c.AgainstUser, &c.Description,
		&c.Status, &poolJSON, &votesJSON, &verdict, &resolution, &resolvedAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Transaction.Kind = TransactionKind(kind)
	if err := json.Unmarshal(poolJSON, &c.JudgePool); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(votesJSON, &c.Votes); err != nil {
		return nil, err
	}
	if verdict.Valid {
		c.Verdict = Verdict(verdict.String)
	}
	if resolution.Valid {
		c.Resolution = resolution.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func scanCases(rows *sql.Rows) ([]*Case, error) {
	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
