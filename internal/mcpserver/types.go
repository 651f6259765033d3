package mcpserver

// Response shapes of the credit API, limited to what the tools print.

// Metrics are the normalized wallet metrics.
type Metrics struct {
	TotalVolume3M        float64 `json:"total_volume_3m"`
	TransactionCount3M   int     `json:"transaction_count_3m"`
	AvgBalance           float64 `json:"avg_balance"`
	PaymentPunctuality   float64 `json:"payment_punctuality"`
	UsageFrequency       float64 `json:"usage_frequency"`
	DiversificationScore float64 `json:"diversification_score"`
	AgeScore             float64 `json:"age_score"`
	NetworkActivity      float64 `json:"network_activity"`
}

// Offer is one loan offer.
type Offer struct {
	Amount         float64 `json:"amount"`
	InterestRate   float64 `json:"interest_rate"`
	DurationMonths int     `json:"duration_months"`
	Description    string  `json:"description"`
}

// Analysis is the analyze-wallet result.
type Analysis struct {
	Address             string   `json:"address"`
	Network             string   `json:"network"`
	Score               int      `json:"score"`
	RiskLevel           string   `json:"risk_level"`
	Metrics             Metrics  `json:"metrics"`
	LoanOffers          []Offer  `json:"loan_offers"`
	Recommendations     []string `json:"recommendations"`
	ContractTransaction *string  `json:"contract_transaction"`
	OnChainScore        *uint32  `json:"on_chain_score"`
	ScoreSource         string   `json:"score_source"`
}

// Score is a stored score.
type Score struct {
	Address    string   `json:"address"`
	Score      int      `json:"score"`
	RiskLevel  string   `json:"risk_level"`
	Metrics    *Metrics `json:"metrics"`
	Source     string   `json:"source"`
	LastLedger uint32   `json:"last_updated_ledger"`
}

// Loan is a loan record.
type Loan struct {
	ID             uint32  `json:"id"`
	Borrower       string  `json:"borrower"`
	Amount         float64 `json:"amount"`
	InterestRate   float64 `json:"interest_rate"`
	DurationMonths uint32  `json:"duration_months"`
	Status         string  `json:"status"`
	RequiredScore  uint32  `json:"required_score"`
	TxHash         string  `json:"transaction_hash"`
}

// Bucket is one row of the score distribution.
type Bucket struct {
	Range       string  `json:"range"`
	Description string  `json:"description"`
	Count       int     `json:"count"`
	Percentage  float64 `json:"percentage"`
}

// Stats are the aggregate statistics.
type Stats struct {
	TotalAnalyzedWallets int      `json:"total_analyzed_wallets"`
	TotalAnalyses        int      `json:"total_analyses"`
	AvgScore             float64  `json:"avg_score"`
	MedianScore          float64  `json:"median_score"`
	ActiveUsers3M        int      `json:"active_users_3m"`
	TotalVolumeAnalyzed  float64  `json:"total_volume_analyzed"`
	ScoreDistribution    []Bucket `json:"score_distribution"`
	Network              string   `json:"network"`
}
