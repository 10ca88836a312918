package credits

// Pricing holds the fixed conversion ratios between tokens, credits and USD.
type Pricing struct {
	TokensPerCredit   int64
	CreditDollarValue float64
}

// CreditsForTokens rounds token usage up to whole credits.
func (p Pricing) CreditsForTokens(inputTokens, outputTokens int) int64 {
	total := int64(inputTokens) + int64(outputTokens)
	if total <= 0 || p.TokensPerCredit <= 0 {
		return 0
	}
	return (total + p.TokensPerCredit - 1) / p.TokensPerCredit
}

// USD converts credits to dollars.
func (p Pricing) USD(credits int64) float64 {
	return float64(credits) * p.CreditDollarValue
}
