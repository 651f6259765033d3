package scoring

import (
	"context"
	"math"

	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

// Component weights of the heuristic score.
const (
	volumeWeight          = 200
	frequencyWeight       = 150
	punctualityWeight     = 300
	diversificationWeight = 200
	balanceWeight         = 150

	volumeCeiling    = 10000.0
	frequencyCeiling = 20.0
	balanceCeiling   = 1000.0
)

// MaxRecommendations caps the recommendation list.
const MaxRecommendations = 4

// HeuristicStrategy is the deterministic local score. It never fails.
type HeuristicStrategy struct{}

// Name implements Strategy.
func (HeuristicStrategy) Name() string { return string(SourceHeuristic) }

// Score implements Strategy.
func (HeuristicStrategy) Score(_ context.Context, req Request) (*Result, error) {
	score := HeuristicScore(req.Address, req.Metrics)
	risk := RiskLevelFor(score)
	return &Result{
		Address:         req.Address,
		Score:           score,
		RiskLevel:       risk,
		Metrics:         req.Metrics,
		Recommendations: Recommendations(risk, req.Metrics),
		Source:          SourceHeuristic,
	}, nil
}

// HeuristicScore computes the weighted-sum score in [0, 1000].
func HeuristicScore(address string, m walletmetrics.WalletMetrics) int {
	sum := unit(m.TotalVolume3M/volumeCeiling)*volumeWeight +
		unit(m.UsageFrequency/frequencyCeiling)*frequencyWeight +
		unit(m.PaymentPunctuality)*punctualityWeight +
		unit(m.DiversificationScore)*diversificationWeight +
		unit(m.AvgBalance/balanceCeiling)*balanceWeight

	raw := math.Floor(sum)
	// Young accounts lose up to half their score.
	raw = math.Floor(raw * (0.5 + unit(m.AgeScore)*0.5))

	return clampScore(int(raw) + Jitter(address))
}

// Recommendations returns the tier message followed by hints for weak
// metrics, at most MaxRecommendations entries.
func Recommendations(risk RiskLevel, m walletmetrics.WalletMetrics) []string {
	recs := make([]string, 0, MaxRecommendations)
	switch risk {
	case RiskLow:
		recs = append(recs, "Excellent credit profile. You qualify for the best loan terms.")
	case RiskMedium:
		recs = append(recs, "Good credit profile. Keep building on-chain history to unlock better rates.")
	default:
		recs = append(recs, "Limited credit history. Regular, successful activity will raise your score.")
	}

	hints := []struct {
		weak bool
		text string
	}{
		{m.UsageFrequency < 5, "Increase transaction frequency to show consistent activity."},
		{m.DiversificationScore < 0.3, "Diversify your assets and counterparties."},
		{m.PaymentPunctuality < 0.9, "Keep a high rate of successful transactions."},
		{m.AvgBalance < 100, "Maintain a higher average balance."},
		{m.AgeScore < 0.5, "Keep using the network; account age improves your score."},
	}
	for _, h := range hints {
		if len(recs) == MaxRecommendations {
			break
		}
		if h.weak {
			recs = append(recs, h.text)
		}
	}
	return recs
}

// unit clamps v into [0, 1]; NaN maps to 0.
func unit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
