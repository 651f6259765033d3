// Package scoring maps wallet metrics to a bounded credit score with a
// risk tier and recommendations.
package scoring

import (
	"hash/fnv"
	"time"

	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 1000
)

// RiskLevel is the categorical bucket of a score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Risk thresholds of the heuristic scale.
const (
	LowRiskThreshold    = 700
	MediumRiskThreshold = 400
)

// RiskLevelFor buckets a score: LOW at 700 and above, MEDIUM at 400 and
// above, HIGH otherwise.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= LowRiskThreshold:
		return RiskLow
	case score >= MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Jitter is a deterministic per-address offset in [-100, 99]. It stands in
// for model variance so identical metrics on different addresses do not
// collapse onto one score. It is not a security feature.
func Jitter(address string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return int(h.Sum32()%200) - 100
}

// Source names which strategy produced a result.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
)

// Request is the input to a scoring strategy.
type Request struct {
	Address string
	Network string
	Metrics walletmetrics.WalletMetrics
}

// Result is a computed score. It is not mutated after creation; a new
// analysis produces a new Result.
type Result struct {
	Address           string                      `json:"address"`
	Score             int                         `json:"score"`
	RiskLevel         RiskLevel                   `json:"risk_level"`
	Metrics           walletmetrics.WalletMetrics `json:"metrics"`
	Recommendations   []string                    `json:"recommendations"`
	AnalysisTimestamp time.Time                   `json:"analysis_timestamp"`
	Source            Source                      `json:"source"`
}

func clampScore(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
