package analysis

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stellarcredit/internal/scoring"
)

// PostgresHistory persists analyses in the analysis_history table
// (migrations/002_analysis_history.sql).
type PostgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory creates a PostgreSQL-backed history store.
func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (p *PostgresHistory) Record(ctx context.Context, s *Summary) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO analysis_history (
			id, address, network, score, risk_level, source,
			total_volume, transaction_count, contract_tx, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(24,6), $8, $9, $10)`,
		s.ID, s.Address, s.Network, s.Score, string(s.RiskLevel), string(s.Source),
		decimal.NewFromFloat(s.TotalVolume).StringFixed(6), s.TransactionCount,
		nullString(s.ContractTx), s.CreatedAt,
	)
	return err
}

func (p *PostgresHistory) Latest(ctx context.Context, address string) (*Summary, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, address, network, score, risk_level, source,
		       total_volume, transaction_count, contract_tx, created_at
		FROM analysis_history
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT 1`, address)

	var (
		s          Summary
		risk, src  string
		volume     decimal.Decimal
		contractTx sql.NullString
	)
	err := row.Scan(&s.ID, &s.Address, &s.Network, &s.Score, &risk, &src,
		&volume, &s.TransactionCount, &contractTx, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.RiskLevel = scoring.RiskLevel(risk)
	s.Source = scoring.Source(src)
	s.TotalVolume = volume.InexactFloat64()
	s.ContractTx = contractTx.String
	return &s, nil
}

func (p *PostgresHistory) Stats(ctx context.Context, activeSince time.Time) (*Stats, error) {
	row := p.db.QueryRowContext(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (address) address, score, total_volume, transaction_count, created_at
			FROM analysis_history
			ORDER BY address, created_at DESC
		)
		SELECT
			(SELECT COUNT(*) FROM analysis_history),
			COUNT(*),
			COALESCE(AVG(score), 0)::FLOAT8,
			COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY score), 0)::FLOAT8,
			COUNT(*) FILTER (WHERE transaction_count > 0 AND created_at > $1),
			COALESCE(SUM(total_volume), 0),
			COUNT(*) FILTER (WHERE score >= 750),
			COUNT(*) FILTER (WHERE score >= 600 AND score < 750),
			COUNT(*) FILTER (WHERE score >= 450 AND score < 600),
			COUNT(*) FILTER (WHERE score >= 300 AND score < 450),
			COUNT(*) FILTER (WHERE score < 300)
		FROM latest`, activeSince)

	var (
		st     Stats
		volume decimal.Decimal
	)
	counts := make([]int, len(distributionBuckets))
	if err := row.Scan(&st.TotalAnalyses, &st.TotalAnalyzedWallets, &st.AvgScore, &st.MedianScore,
		&st.ActiveUsers3M, &volume,
		&counts[0], &counts[1], &counts[2], &counts[3], &counts[4]); err != nil {
		return nil, err
	}
	st.TotalVolumeAnalyzed = volume.InexactFloat64()
	st.ScoreDistribution = newDistribution(counts, st.TotalAnalyzedWallets)
	return &st, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
