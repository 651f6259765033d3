package chainsim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/stellarcredit/internal/soroban"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The schema lives in
// migrations/001_contract_state.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Meta returns the instance state; a fresh database reads as the zero Meta.
func (p *PostgresStore) Meta(ctx context.Context) (Meta, error) {
	var (
		m               Meta
		counter, ledger int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT admin, loan_counter, ledger FROM contract_meta WHERE id = 1
	`).Scan(&m.Admin, &counter, &ledger)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("get contract meta: %w", err)
	}
	m.LoanCounter = uint32(counter)
	m.Ledger = uint32(ledger)
	return m, nil
}

// Score retrieves the stored score for an address.
func (p *PostgresStore) Score(ctx context.Context, address string) (*soroban.ScoreRecord, error) {
	var (
		rec                              soroban.ScoreRecord
		score, updated, vol, punct, freq int64
		div, bal                         int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT address, score, last_updated, transaction_volume, payment_punctuality,
			usage_frequency, diversification, avg_balance
		FROM contract_scores WHERE address = $1
	`, address).Scan(&rec.Address, &score, &updated, &vol, &punct, &freq, &div, &bal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	rec.Score = uint32(score)
	rec.LastUpdated = uint32(updated)
	rec.TransactionVolume = uint32(vol)
	rec.PaymentPunctuality = uint32(punct)
	rec.UsageFrequency = uint32(freq)
	rec.Diversification = uint32(div)
	rec.AvgBalance = uint32(bal)
	return &rec, nil
}

// Loan retrieves a loan by id.
func (p *PostgresStore) Loan(ctx context.Context, id uint32) (*soroban.LoanRecord, error) {
	var (
		rec                                   soroban.LoanRecord
		loanID, amount, rate, months, created int64
		required                              int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, borrower, amount, interest_rate, duration_months, status, created_at, required_score
		FROM contract_loans WHERE id = $1
	`, int64(id)).Scan(&loanID, &rec.Borrower, &amount, &rate, &months, &rec.Status, &created, &required)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	rec.ID = uint32(loanID)
	rec.Amount = uint32(amount)
	rec.InterestRate = uint32(rate)
	rec.DurationMonths = uint32(months)
	rec.CreatedAt = uint32(created)
	rec.RequiredScore = uint32(required)
	return &rec, nil
}

// Tx retrieves a transaction by hash.
func (p *PostgresStore) Tx(ctx context.Context, hash string) (*Tx, error) {
	var (
		tx          Tx
		status      string
		invocation  []byte
		returnValue []byte
		ledger      int64
		appliedAt   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT hash, function, invocation, signer, status, return_value, result_code,
			ledger, submitted_at, applied_at
		FROM contract_transactions WHERE hash = $1
	`, hash).Scan(&tx.Hash, &tx.Function, &invocation, &tx.Signer, &status, &returnValue,
		&tx.ResultCode, &ledger, &tx.SubmittedAt, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if err := json.Unmarshal(invocation, &tx.Invocation); err != nil {
		return nil, fmt.Errorf("decode invocation: %w", err)
	}
	if len(returnValue) > 0 {
		tx.ReturnValue = json.RawMessage(returnValue)
	}
	tx.Status = soroban.TxStatus(status)
	tx.Ledger = uint32(ledger)
	if appliedAt.Valid {
		tx.AppliedAt = appliedAt.Time
	}
	return &tx, nil
}

// InsertTx records a newly submitted transaction.
func (p *PostgresStore) InsertTx(ctx context.Context, tx *Tx) error {
	invocation, err := json.Marshal(tx.Invocation)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO contract_transactions (
			hash, function, invocation, signer, status, return_value, result_code,
			ledger, submitted_at, applied_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.Hash, tx.Function, string(invocation), tx.Signer, string(tx.Status), nullJSON(tx.ReturnValue),
		tx.ResultCode, int64(tx.Ledger), tx.SubmittedAt, nullTime(tx.AppliedAt))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateTx
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Apply writes one closed ledger's changes in a single transaction.
func (p *PostgresStore) Apply(ctx context.Context, b Batch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contract_meta (id, admin, loan_counter, ledger)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			admin = EXCLUDED.admin,
			loan_counter = EXCLUDED.loan_counter,
			ledger = EXCLUDED.ledger
	`, b.Meta.Admin, int64(b.Meta.LoanCounter), int64(b.Meta.Ledger))
	if err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}

	if s := b.Score; s != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO contract_scores (
				address, score, last_updated, transaction_volume, payment_punctuality,
				usage_frequency, diversification, avg_balance
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (address) DO UPDATE SET
				score = EXCLUDED.score,
				last_updated = EXCLUDED.last_updated,
				transaction_volume = EXCLUDED.transaction_volume,
				payment_punctuality = EXCLUDED.payment_punctuality,
				usage_frequency = EXCLUDED.usage_frequency,
				diversification = EXCLUDED.diversification,
				avg_balance = EXCLUDED.avg_balance
		`, s.Address, int64(s.Score), int64(s.LastUpdated), int64(s.TransactionVolume),
			int64(s.PaymentPunctuality), int64(s.UsageFrequency), int64(s.Diversification), int64(s.AvgBalance))
		if err != nil {
			return fmt.Errorf("upsert score: %w", err)
		}
	}

	if l := b.Loan; l != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO contract_loans (
				id, borrower, amount, interest_rate, duration_months, status, created_at, required_score
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
		`, int64(l.ID), l.Borrower, int64(l.Amount), int64(l.InterestRate), int64(l.DurationMonths),
			l.Status, int64(l.CreatedAt), int64(l.RequiredScore))
		if err != nil {
			return fmt.Errorf("upsert loan: %w", err)
		}
	}

	if t := b.Tx; t != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE contract_transactions
			SET status = $2, return_value = $3, result_code = $4, ledger = $5, applied_at = $6
			WHERE hash = $1
		`, t.Hash, string(t.Status), nullJSON(t.ReturnValue), t.ResultCode, int64(t.Ledger), nullTime(t.AppliedAt))
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
	}

	return tx.Commit()
}

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullJSON passes JSON as text; lib/pq would send []byte as bytea.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
