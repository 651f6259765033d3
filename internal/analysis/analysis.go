// Package analysis orchestrates wallet credit analysis: it fetches ledger
// data, derives metrics, scores them, persists the score through the
// credit contract and returns the assembled result.
package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/stellarcredit/internal/horizon"
	"github.com/mbd888/stellarcredit/internal/scoring"
	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

var (
	ErrInvalidAddress     = errors.New("analysis: invalid Stellar address")
	ErrUnsupportedNetwork = errors.New("analysis: unsupported network")
	ErrScoreNotFound      = errors.New("analysis: score not found")
	ErrLoanNotFound       = errors.New("analysis: loan not found")
	ErrInvalidLoanRequest = errors.New("analysis: invalid loan request")
)

// Networks.
const (
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet"
)

// Push event types emitted by the service.
const (
	EventWalletDataReady = "wallet_data_ready"
	EventScoreCalculated = "score_calculated"
	EventAnalysisError   = "analysis_error"
)

// Result is the response of AnalyzeWallet. ContractTransaction is nil when
// the score could not be persisted.
type Result struct {
	Address             string                      `json:"address"`
	Network             string                      `json:"network"`
	Score               int                         `json:"score"`
	RiskLevel           scoring.RiskLevel           `json:"risk_level"`
	Metrics             walletmetrics.WalletMetrics `json:"metrics"`
	LoanOffers          []soroban.LoanOffer         `json:"loan_offers"`
	Recommendations     []string                    `json:"recommendations"`
	ContractTransaction *string                     `json:"contract_transaction"`
	OnChainScore        *uint32                     `json:"on_chain_score,omitempty"`
	AnalysisTimestamp   time.Time                   `json:"analysis_timestamp"`
	ScoreSource         scoring.Source              `json:"score_source"`
}

// ScoreView is a stored score. Source is "contract" when read from the
// credit contract and "history" when only a past analysis is known.
type ScoreView struct {
	Address     string                       `json:"address"`
	Score       int                          `json:"score"`
	RiskLevel   scoring.RiskLevel            `json:"risk_level"`
	Metrics     *walletmetrics.WalletMetrics `json:"metrics,omitempty"`
	Source      string                       `json:"source"`
	LastLedger  uint32                       `json:"last_updated_ledger,omitempty"`
	LastUpdated *time.Time                   `json:"last_updated,omitempty"`
}

// Loan is a contract loan in display units.
type Loan struct {
	ID             uint32  `json:"id"`
	Borrower       string  `json:"borrower"`
	Amount         float64 `json:"amount"`
	InterestRate   float64 `json:"interest_rate"` // monthly fraction
	DurationMonths uint32  `json:"duration_months"`
	Status         string  `json:"status"`
	CreatedLedger  uint32  `json:"created_ledger"`
	RequiredScore  uint32  `json:"required_score"`
	TxHash         string  `json:"transaction_hash,omitempty"`
}

func loanFromRecord(r *soroban.LoanRecord) *Loan {
	return &Loan{
		ID:             r.ID,
		Borrower:       r.Borrower,
		Amount:         soroban.UnscaleMicro(r.Amount),
		InterestRate:   soroban.UnscaleMicro(r.InterestRate),
		DurationMonths: r.DurationMonths,
		Status:         r.Status,
		CreatedLedger:  r.CreatedAt,
		RequiredScore:  r.RequiredScore,
	}
}

// Ledger is the read side of the ledger for one network.
type Ledger interface {
	FetchWalletData(ctx context.Context, address string, since time.Time) (*horizon.WalletData, error)
	Transactions(ctx context.Context, address string, req horizon.PageRequest) (*horizon.TransactionPage, error)
}

// Scorer computes a score. It never fails.
type Scorer interface {
	ComputeScore(ctx context.Context, req scoring.Request, hasHistory bool) *scoring.Result
}

// Contract is the credit contract client.
type Contract interface {
	StoreScore(ctx context.Context, address string, m walletmetrics.WalletMetrics) (*soroban.Receipt, error)
	GetScore(ctx context.Context, address string) (*soroban.ScoreRecord, error)
	RequestLoan(ctx context.Context, borrower string, amount float64, durationMonths uint32) (uint32, *soroban.Receipt, error)
	GetLoan(ctx context.Context, id uint32) (*soroban.LoanRecord, error)
	GetLoanOffers(ctx context.Context, score int) []soroban.LoanOffer
	ApproveLoan(ctx context.Context, id uint32) (*soroban.Receipt, error)
	RejectLoan(ctx context.Context, id uint32) (*soroban.Receipt, error)
}

// Notifier receives push events. Delivery is best effort; errors are
// logged and never reach the caller of the service.
type Notifier interface {
	Notify(ctx context.Context, eventType, address string, data map[string]any) error
}

// Summary is one recorded analysis.
type Summary struct {
	ID               string            `json:"id"`
	Address          string            `json:"address"`
	Network          string            `json:"network"`
	Score            int               `json:"score"`
	RiskLevel        scoring.RiskLevel `json:"risk_level"`
	Source           scoring.Source    `json:"source"`
	TotalVolume      float64           `json:"total_volume"`
	TransactionCount int               `json:"transaction_count"`
	ContractTx       string            `json:"contract_tx,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// HistoryStore records analyses and aggregates them.
type HistoryStore interface {
	Record(ctx context.Context, s *Summary) error
	// Latest returns the newest analysis of address, or nil when none exists.
	Latest(ctx context.Context, address string) (*Summary, error)
	// Stats aggregates the newest analysis of every wallet. Wallets analyzed
	// after activeSince with at least one transaction count as active.
	Stats(ctx context.Context, activeSince time.Time) (*Stats, error)
}

// Stats aggregates the analysis history.
type Stats struct {
	TotalAnalyzedWallets int           `json:"total_analyzed_wallets"`
	TotalAnalyses        int           `json:"total_analyses"`
	AvgScore             float64       `json:"avg_score"`
	MedianScore          float64       `json:"median_score"`
	ActiveUsers3M        int           `json:"active_users_3m"`
	TotalVolumeAnalyzed  float64       `json:"total_volume_analyzed"`
	ScoreDistribution    []ScoreBucket `json:"score_distribution"`
	Network              string        `json:"network"`
}

// ScoreBucket is one range of the score distribution.
type ScoreBucket struct {
	Range       string  `json:"range"`
	Min         int     `json:"-"`
	Description string  `json:"description"`
	Count       int     `json:"count"`
	Percentage  float64 `json:"percentage"`
}

// distributionBuckets follow the loan-offer tiers, highest first.
var distributionBuckets = []ScoreBucket{
	{Range: "750-1000", Min: 750, Description: "Excellent"},
	{Range: "600-749", Min: 600, Description: "Good"},
	{Range: "450-599", Min: 450, Description: "Fair"},
	{Range: "300-449", Min: 300, Description: "Low"},
	{Range: "0-299", Min: 0, Description: "Very low"},
}

// bucketIndex returns the index into distributionBuckets for score.
func bucketIndex(score int) int {
	for i, b := range distributionBuckets {
		if score >= b.Min {
			return i
		}
	}
	return len(distributionBuckets) - 1
}

// newDistribution builds the distribution from per-bucket counts.
func newDistribution(counts []int, total int) []ScoreBucket {
	out := make([]ScoreBucket, len(distributionBuckets))
	for i, b := range distributionBuckets {
		b.Count = counts[i]
		if total > 0 {
			b.Percentage = float64(counts[i]) * 100 / float64(total)
		}
		out[i] = b
	}
	return out
}
