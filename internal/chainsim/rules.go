package chainsim

// On-chain scoring and lending rules of the credit contract. Amounts are
// micro-units (1 USDC = 1_000_000), percentages whole percents.

const (
	maxVolume    uint64 = 10_000 * 1_000_000
	maxFrequency uint64 = 50
	maxBalance   uint64 = 5_000 * 1_000_000
)

// Component weights; they sum to 100.
const (
	weightVolume          = 20
	weightPunctuality     = 30
	weightFrequency       = 15
	weightDiversification = 20
	weightBalance         = 15
)

// ScoreInputs are the scaled metrics passed to store_score.
type ScoreInputs struct {
	Volume          uint32
	Punctuality     uint32
	Frequency       uint32
	Diversification uint32
	Balance         uint32
}

// CalculateScore maps scaled metrics to a score in [0, 1000]. Each component
// is normalized to 0-100, weighted, and the weighted mean is scaled by ten.
func CalculateScore(in ScoreInputs) uint32 {
	volume := normalize(uint64(in.Volume), maxVolume)
	punctuality := min(uint64(in.Punctuality), 100)
	frequency := normalize(uint64(in.Frequency), maxFrequency)
	diversification := min(uint64(in.Diversification), 100)
	balance := normalize(uint64(in.Balance), maxBalance)

	weighted := volume*weightVolume +
		punctuality*weightPunctuality +
		frequency*weightFrequency +
		diversification*weightDiversification +
		balance*weightBalance

	return uint32(weighted / 100 * 10)
}

func normalize(v, ceiling uint64) uint64 {
	return min(v*100/ceiling, 100)
}

// InterestRate is the monthly rate for score, as a fraction in micro-units
// (20_000 = 2%).
func InterestRate(score uint32) uint32 {
	switch {
	case score >= 700:
		return 20_000
	case score >= 500:
		return 40_000
	case score >= 300:
		return 60_000
	default:
		return 100_000
	}
}

// MaxLoanAmount is the largest loan, in micro-units, a score qualifies for.
func MaxLoanAmount(score uint32) uint32 {
	switch {
	case score >= 700:
		return 1_000 * 1_000_000
	case score >= 500:
		return 500 * 1_000_000
	case score >= 300:
		return 200 * 1_000_000
	default:
		return 0
	}
}

// LoanOffers returns (amount, rate, months) tuples for score.
func LoanOffers(score uint32) [][3]uint32 {
	rate := InterestRate(score)
	switch {
	case score >= 700:
		return [][3]uint32{{1_000 * 1_000_000, rate, 12}, {500 * 1_000_000, rate, 6}}
	case score >= 500:
		return [][3]uint32{{500 * 1_000_000, rate, 12}, {200 * 1_000_000, rate, 6}}
	case score >= 300:
		return [][3]uint32{{200 * 1_000_000, rate, 6}, {100 * 1_000_000, rate, 3}}
	default:
		return [][3]uint32{}
	}
}
