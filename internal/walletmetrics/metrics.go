// Package walletmetrics derives normalized financial-behaviour metrics
// from the ledger history of one address.
package walletmetrics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stellarcredit/internal/horizon"
)

// Window is the trailing period volume, frequency and punctuality cover.
const Window = 90 * 24 * time.Hour

// Normalization ceilings.
const (
	assetCeiling        = 3
	opTypeCeiling       = 5
	counterpartyCeiling = 10
	networkCeiling      = 20
	ageCeilingDays      = 365
)

// WalletMetrics is the normalized view of an address's behaviour.
type WalletMetrics struct {
	TotalVolume3M        float64 `json:"total_volume_3m"`
	TransactionCount3M   int     `json:"transaction_count_3m"`
	AvgBalance           float64 `json:"avg_balance"`
	PaymentPunctuality   float64 `json:"payment_punctuality"`
	UsageFrequency       float64 `json:"usage_frequency"`
	DiversificationScore float64 `json:"diversification_score"`
	AgeScore             float64 `json:"age_score"`
	NetworkActivity      float64 `json:"network_activity"`
}

// Calculator computes WalletMetrics. It holds no per-call state and is
// safe for concurrent use.
type Calculator struct {
	prices PriceSource
	now    func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// WithPrices sets the price source used for volume and balance.
func WithPrices(p PriceSource) Option {
	return func(c *Calculator) { c.prices = p }
}

// NewCalculator creates a Calculator with DefaultPrices and the wall clock.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{prices: DefaultPrices, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate derives metrics for address from data. A nil or empty data
// set yields all-zero metrics.
func (c *Calculator) Calculate(address string, data *horizon.WalletData) WalletMetrics {
	var m WalletMetrics
	if data == nil {
		return m
	}

	now := c.now()
	cutoff := now.Add(-Window)
	inWindow := func(t time.Time) bool { return !t.IsZero() && t.After(cutoff) }

	// Transactions: punctuality, frequency and age.
	var (
		windowTx, successful int
		oldestInWindow       time.Time
		oldest               time.Time
	)
	for _, tx := range data.Transactions {
		if !tx.CreatedAt.IsZero() && (oldest.IsZero() || tx.CreatedAt.Before(oldest)) {
			oldest = tx.CreatedAt
		}
		if !inWindow(tx.CreatedAt) {
			continue
		}
		windowTx++
		if tx.Successful {
			successful++
		}
		if oldestInWindow.IsZero() || tx.CreatedAt.Before(oldestInWindow) {
			oldestInWindow = tx.CreatedAt
		}
	}
	if data.Oldest != nil && !data.Oldest.CreatedAt.IsZero() && (oldest.IsZero() || data.Oldest.CreatedAt.Before(oldest)) {
		oldest = data.Oldest.CreatedAt
	}

	if windowTx > 0 {
		m.PaymentPunctuality = clamp01(float64(successful) / float64(windowTx))
		if days := math.Floor(now.Sub(oldestInWindow).Hours() / 24); days > 0 {
			m.UsageFrequency = float64(windowTx) / days * 30
		}
	}
	if !oldest.IsZero() {
		if age := now.Sub(oldest); age > 0 {
			m.AgeScore = clamp01(age.Hours() / 24 / ageCeilingDays)
		}
	}

	// Operations: volume, count and diversification.
	volume := decimal.Zero
	assets := make(map[string]struct{})
	opTypes := make(map[string]struct{})
	counterparties := make(map[string]struct{})
	for _, op := range data.Operations {
		if !inWindow(op.CreatedAt) {
			continue
		}
		m.TransactionCount3M++
		if op.Type != "" {
			opTypes[op.Type] = struct{}{}
		}
		if op.AssetType != "" {
			assets[assetKey(op.AssetType, op.AssetCode, op.AssetIssuer)] = struct{}{}
		}
		for _, cp := range op.Counterparties(address) {
			counterparties[cp] = struct{}{}
		}
		// Failed payments moved nothing.
		if op.Type == horizon.OpPayment && op.TransactionSuccessful {
			volume = volume.Add(toUSD(c.prices, op.Amount, op.AssetType, op.AssetCode))
		}
	}
	m.TotalVolume3M = volume.InexactFloat64()

	m.DiversificationScore = clamp01(
		0.4*ratio(len(assets), assetCeiling) +
			0.3*ratio(len(opTypes), opTypeCeiling) +
			0.3*ratio(len(counterparties), counterpartyCeiling),
	)
	m.NetworkActivity = ratio(len(counterparties), networkCeiling)

	// Balances are current state, not windowed.
	if data.Account != nil {
		balance := decimal.Zero
		for _, b := range data.Account.Balances {
			balance = balance.Add(toUSD(c.prices, b.Amount, b.AssetType, b.AssetCode))
		}
		m.AvgBalance = balance.InexactFloat64()
	}

	return m
}

func assetKey(assetType, code, issuer string) string {
	if assetType == horizon.AssetTypeNative {
		return horizon.AssetTypeNative
	}
	return code + ":" + issuer
}

func ratio(n, ceiling int) float64 {
	return clamp01(float64(n) / float64(ceiling))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
