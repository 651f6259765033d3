package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *CreditClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *CreditClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeWallet runs a full wallet analysis.
func (h *Handlers) HandleAnalyzeWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	network := req.GetString("network", "")

	res, err := h.client.AnalyzeWallet(ctx, address, network)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAnalysis(res)), nil
}

// HandleGetCreditScore returns the stored score for a wallet.
func (h *Handlers) HandleGetCreditScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	score, err := h.client.GetScore(ctx, address)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "SCORE_NOT_FOUND" {
			return mcp.NewToolResultText(fmt.Sprintf(
				"No credit score is stored for %s yet. Run analyze_wallet to score it.", address)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get credit score: %v", err)), nil
	}
	return mcp.NewToolResultText(formatScore(score)), nil
}

// HandleGetLoanOffers lists offers for a score.
func (h *Handlers) HandleGetLoanOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	score, ok := intArg(req, "score")
	if !ok || score < 0 || score > 1000 {
		return mcp.NewToolResultError("score must be a whole number between 0 and 1000"), nil
	}

	offers, err := h.client.GetLoanOffers(ctx, score)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get loan offers: %v", err)), nil
	}
	if len(offers) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No loan offers are available at a score of %d.", score)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Loan offers at score %d:\n\n", score)
	writeOffers(&sb, offers)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRequestLoan files a loan request.
func (h *Handlers) HandleRequestLoan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	amount, ok := floatArg(req, "amount")
	if !ok || amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number"), nil
	}
	months, ok := intArg(req, "duration_months")
	if !ok || months < 1 || months > 60 {
		return mcp.NewToolResultError("duration_months must be a whole number between 1 and 60"), nil
	}

	loan, err := h.client.RequestLoan(ctx, address, amount, months)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case "NO_SCORE":
				return mcp.NewToolResultError("This wallet has no credit score yet. Run analyze_wallet first."), nil
			case "AMOUNT_EXCEEDED":
				return mcp.NewToolResultError("The amount exceeds what this wallet's score allows. Use get_loan_offers to see the limit."), nil
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Loan request failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Loan requested.\n\n")
	writeLoan(&sb, loan)
	sb.WriteString("\nThe loan stays PENDING until an administrator approves or rejects it.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetLoan returns one loan.
func (h *Handlers) HandleGetLoan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := intArg(req, "loan_id")
	if !ok || id < 1 || id > math.MaxUint32 {
		return mcp.NewToolResultError("loan_id must be a positive whole number"), nil
	}

	loan, err := h.client.GetLoan(ctx, uint32(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get loan: %v", err)), nil
	}

	var sb strings.Builder
	writeLoan(&sb, loan)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetNetworkStats returns aggregate statistics.
func (h *Handlers) HandleGetNetworkStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get network stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStats(stats)), nil
}

// --- Argument helpers ---

// floatArg reads a numeric argument. LLMs sometimes send numbers as
// strings, so both forms are accepted.
func floatArg(req mcp.CallToolRequest, key string) (float64, bool) {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

// intArg reads a whole-number argument.
func intArg(req mcp.CallToolRequest, key string) (int, bool) {
	f, ok := floatArg(req, key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// --- Formatting helpers ---

func formatAnalysis(a *Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Credit analysis for %s (%s)\n", a.Address, a.Network)
	fmt.Fprintf(&sb, "  Score: %d / 1000\n", a.Score)
	fmt.Fprintf(&sb, "  Risk: %s\n", a.RiskLevel)
	if a.ScoreSource != "" {
		fmt.Fprintf(&sb, "  Scored by: %s\n", a.ScoreSource)
	}
	switch {
	case a.ContractTransaction != nil && a.OnChainScore != nil:
		fmt.Fprintf(&sb, "  On-chain: score %d stored in tx %s\n", *a.OnChainScore, *a.ContractTransaction)
	case a.ContractTransaction != nil:
		fmt.Fprintf(&sb, "  On-chain: stored in tx %s\n", *a.ContractTransaction)
	default:
		sb.WriteString("  On-chain: not stored\n")
	}

	sb.WriteString("\nMetrics:\n")
	writeMetrics(&sb, a.Metrics)

	if len(a.LoanOffers) > 0 {
		sb.WriteString("\nLoan offers:\n")
		writeOffers(&sb, a.LoanOffers)
	}
	if len(a.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, r := range a.Recommendations {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	return sb.String()
}

func formatScore(s *Score) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Credit score for %s\n", s.Address)
	fmt.Fprintf(&sb, "  Score: %d / 1000\n", s.Score)
	fmt.Fprintf(&sb, "  Risk: %s\n", s.RiskLevel)
	fmt.Fprintf(&sb, "  Source: %s\n", s.Source)
	if s.LastLedger > 0 {
		fmt.Fprintf(&sb, "  Stored at ledger: %d\n", s.LastLedger)
	}
	if s.Metrics != nil {
		sb.WriteString("\nMetrics:\n")
		writeMetrics(&sb, *s.Metrics)
	}
	return sb.String()
}

func writeMetrics(sb *strings.Builder, m Metrics) {
	fmt.Fprintf(sb, "  Volume (3 months): $%.2f\n", m.TotalVolume3M)
	fmt.Fprintf(sb, "  Transactions (3 months): %d\n", m.TransactionCount3M)
	fmt.Fprintf(sb, "  Average balance: $%.2f\n", m.AvgBalance)
	fmt.Fprintf(sb, "  Payment punctuality: %.0f%%\n", m.PaymentPunctuality*100)
	fmt.Fprintf(sb, "  Usage frequency: %.0f%%\n", m.UsageFrequency*100)
	fmt.Fprintf(sb, "  Diversification: %.0f%%\n", m.DiversificationScore*100)
	fmt.Fprintf(sb, "  Account age: %.0f%%\n", m.AgeScore*100)
	fmt.Fprintf(sb, "  Network activity: %.0f%%\n", m.NetworkActivity*100)
}

func writeOffers(sb *strings.Builder, offers []Offer) {
	for i, o := range offers {
		fmt.Fprintf(sb, "%d. $%.2f for %d months at %.1f%%/month", i+1, o.Amount, o.DurationMonths, o.InterestRate*100)
		if o.Description != "" {
			fmt.Fprintf(sb, " (%s)", o.Description)
		}
		sb.WriteString("\n")
	}
}

func writeLoan(sb *strings.Builder, l *Loan) {
	fmt.Fprintf(sb, "Loan #%d\n", l.ID)
	fmt.Fprintf(sb, "  Borrower: %s\n", l.Borrower)
	fmt.Fprintf(sb, "  Amount: $%.2f\n", l.Amount)
	fmt.Fprintf(sb, "  Interest: %.1f%%/month\n", l.InterestRate*100)
	fmt.Fprintf(sb, "  Duration: %d months\n", l.DurationMonths)
	fmt.Fprintf(sb, "  Status: %s\n", l.Status)
	if l.RequiredScore > 0 {
		fmt.Fprintf(sb, "  Score at request: %d\n", l.RequiredScore)
	}
	if l.TxHash != "" {
		fmt.Fprintf(sb, "  Transaction: %s\n", l.TxHash)
	}
}

func formatStats(s *Stats) string {
	var sb strings.Builder
	if s.Network != "" {
		fmt.Fprintf(&sb, "Network stats (%s)\n", s.Network)
	} else {
		sb.WriteString("Network stats\n")
	}
	fmt.Fprintf(&sb, "  Wallets analyzed: %d\n", s.TotalAnalyzedWallets)
	fmt.Fprintf(&sb, "  Analyses run: %d\n", s.TotalAnalyses)
	fmt.Fprintf(&sb, "  Average score: %.1f\n", s.AvgScore)
	fmt.Fprintf(&sb, "  Median score: %.1f\n", s.MedianScore)
	fmt.Fprintf(&sb, "  Active in last 3 months: %d\n", s.ActiveUsers3M)
	fmt.Fprintf(&sb, "  Volume analyzed: $%.2f\n", s.TotalVolumeAnalyzed)
	if len(s.ScoreDistribution) > 0 {
		sb.WriteString("\nScore distribution:\n")
		for _, b := range s.ScoreDistribution {
			fmt.Fprintf(&sb, "  %-9s %-10s %d (%.1f%%)\n", b.Range, b.Description, b.Count, b.Percentage)
		}
	}
	return sb.String()
}
