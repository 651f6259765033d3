package soroban

import "fmt"

type offerTier struct {
	minScore int
	offers   []LoanOffer
}

// offerTiers is the local loan-eligibility table, highest tier first.
var offerTiers = []offerTier{
	{750, []LoanOffer{
		{Amount: 2000, InterestRate: 0.02, DurationMonths: 12, Description: "Premium loan for excellent credit"},
		{Amount: 1000, InterestRate: 0.015, DurationMonths: 6, Description: "Short-term premium loan"},
	}},
	{600, []LoanOffer{
		{Amount: 1000, InterestRate: 0.025, DurationMonths: 12, Description: "Standard loan for good credit"},
		{Amount: 500, InterestRate: 0.02, DurationMonths: 6, Description: "Short-term standard loan"},
	}},
	{450, []LoanOffer{
		{Amount: 500, InterestRate: 0.04, DurationMonths: 12, Description: "Starter loan for fair credit"},
		{Amount: 200, InterestRate: 0.035, DurationMonths: 6, Description: "Short-term starter loan"},
	}},
	{300, []LoanOffer{
		{Amount: 200, InterestRate: 0.06, DurationMonths: 6, Description: "Micro loan to build credit"},
		{Amount: 100, InterestRate: 0.05, DurationMonths: 3, Description: "Short-term micro loan"},
	}},
}

// OfferSchedule returns the loan offers for a score without consulting the
// contract. Scores below 300 get an empty, non-nil list.
func OfferSchedule(score int) []LoanOffer {
	for _, tier := range offerTiers {
		if score >= tier.minScore {
			out := make([]LoanOffer, len(tier.offers))
			copy(out, tier.offers)
			return out
		}
	}
	return []LoanOffer{}
}

// offersFromContract converts the contract's (amount, rate, months) tuples.
func offersFromContract(tuples [][3]uint32) []LoanOffer {
	out := make([]LoanOffer, 0, len(tuples))
	for _, t := range tuples {
		amount := UnscaleMicro(t[0])
		out = append(out, LoanOffer{
			Amount:         amount,
			InterestRate:   UnscaleMicro(t[1]),
			DurationMonths: int(t[2]),
			Description:    fmt.Sprintf("%.0f USDC over %d months", amount, t[2]),
		})
	}
	return out
}
