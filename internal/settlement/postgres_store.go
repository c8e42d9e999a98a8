package settlement

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow contracts in PostgreSQL. The version
// column backs the compare-and-swap discipline on release.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, txn_kind, txn_id, buyer, seller, lender, contract_type, amount_cents,
		signed_by_buyer, signed_by_seller, signed_by_lender, activated, complete,
		title_verified, waiver_accepted, inspection_passed, delivered_at,
		funds_released, released_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_contracts (
			id, txn_kind, txn_id, buyer, seller, lender, contract_type, amount_cents,
			signed_by_buyer, signed_by_seller, signed_by_lender, activated, complete,
			title_verified, waiver_accepted, inspection_passed, delivered_at,
			funds_released, released_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		c.ID, c.TxnKind, c.TxnID, c.Buyer, c.Seller, pgNullString(c.Lender), string(c.ContractType), c.AmountCents,
		c.SignedByBuyer, c.SignedBySeller, c.SignedByLender, c.Activated, c.Complete,
		c.TitleVerified, c.WaiverAccepted, c.InspectionPassed, pgNullTime(c.DeliveredAt),
		c.FundsReleased, pgNullTime(c.ReleasedAt), c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// UpdateVersioned writes the contract only if the stored version still
// matches. At-most-once payout rests on this statement.
func (p *PostgresStore) UpdateVersioned(ctx context.Context, c *Contract, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_contracts SET
			signed_by_buyer = $1, signed_by_seller = $2, signed_by_lender = $3,
			activated = $4, complete = $5, title_verified = $6, waiver_accepted = $7,
			inspection_passed = $8, delivered_at = $9, funds_released = $10,
			released_at = $11, version = version + 1, updated_at = $12
		WHERE id = $13 AND version = $14`,
		c.SignedByBuyer, c.SignedBySeller, c.SignedByLender,
		c.Activated, c.Complete, c.TitleVerified, c.WaiverAccepted,
		c.InspectionPassed, pgNullTime(c.DeliveredAt), c.FundsReleased,
		pgNullTime(c.ReleasedAt), c.UpdatedAt,
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
		if _, getErr := p.Get(ctx, c.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE buyer = $1 OR seller = $1 OR lender = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

// ListUnsettled returns contracts still holding funds plus released ones
// whose downstream payouts have not all landed in the ledger.
func (p *PostgresStore) ListUnsettled(ctx context.Context) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts c
		WHERE funds_released = false
		   OR NOT EXISTS (
			SELECT 1 FROM escrow_ledger l
			WHERE l.contract_id = c.id AND l.step = 'fee_processed'
		   )
		   OR (c.lender IS NOT NULL AND NOT EXISTS (
			SELECT 1 FROM escrow_ledger l
			WHERE l.contract_id = c.id AND l.step = 'lender_disbursed'
		   ))
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func scanContract(row contractScanner) (*Contract, error) {
	c := &Contract{}
	var lender sql.NullString
	var contractType string
	var deliveredAt, releasedAt sql.NullTime

	err := row.Scan(&c.ID, &c.TxnKind, &c.TxnID, &c.Buyer, &c.Seller, &lender, &contractType, &c.AmountCents,
		&c.SignedByBuyer, &c.SignedBySeller, &c.SignedByLender, &c.Activated, &c.Complete,
		&c.TitleVerified, &c.WaiverAccepted, &c.InspectionPassed, &deliveredAt,
		&c.FundsReleased, &releasedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ContractType = ContractType(contractType)
	if lender.Valid {
		c.Lender = lender.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		c.DeliveredAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		c.ReleasedAt = &t
	}
	return c, nil
}

type contractScanner interface {
	Scan(dest ...any) error
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var contracts []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func pgNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func pgNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresLedger persists escrow ledger entries in PostgreSQL. Append-only:
// there is no update or delete path.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_ledger (id, contract_id, step, amount_cents, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ContractID, string(e.Step), e.AmountCents, e.TriggeredBy, e.CreatedAt,
	)
	return err
}

func (p *PostgresLedger) List(ctx context.Context, contractID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, step, amount_cents, triggered_by, created_at
		FROM escrow_ledger
		WHERE contract_id = $1
		ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var step string
		if err := rows.Scan(&e.ID, &e.ContractID, &step, &e.AmountCents, &e.TriggeredBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Step = Step(step)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
