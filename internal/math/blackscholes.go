package math

import stdmath "math"

// OptionSide selects which side of the contract is priced.
type OptionSide int

const (
	SideCall OptionSide = iota
	SidePut
)

// BlackScholes returns the fair price of a European option. Quote-only: the
// result never enters the deterministic core, so float64 is acceptable here.
// Degenerate inputs (expired, non-positive prices) price to zero rather than
// erroring, matching how quoting treats an uninsurable request.
func BlackScholes(spot, strike float64, daysToExpiry int, rate, volatility float64, side OptionSide) float64 {
	if daysToExpiry <= 0 || spot <= 0 || strike <= 0 || volatility <= 0 {
		return 0
	}

	t := float64(daysToExpiry) / 365.0
	sigmaSqrtT := volatility * stdmath.Sqrt(t)

	d1 := (stdmath.Log(spot/strike) + (rate+volatility*volatility/2)*t) / sigmaSqrtT
	d2 := d1 - sigmaSqrtT
	discount := stdmath.Exp(-rate * t)

	var price float64
	switch side {
	case SideCall:
		price = spot*phi(d1) - strike*discount*phi(d2)
	case SidePut:
		price = strike*discount*phi(-d2) - spot*phi(-d1)
	}

	return stdmath.Max(price, 0)
}

// InsurancePremium scales an option price to the cost of covering
// coverAmount worth of the underlying, plus a risk loading that grows with
// volatility and time to expiry. Rounded to 4 decimals.
func InsurancePremium(optionPrice, coverAmount, spot, volatility float64, daysToExpiry int) float64 {
	if optionPrice <= 0 || coverAmount <= 0 || spot <= 0 {
		return 0
	}

	coverageRatio := coverAmount / spot
	premium := optionPrice * coverageRatio

	riskLoading := 1 + volatility*0.1 + float64(daysToExpiry)/365.0*0.05
	premium *= riskLoading

	return stdmath.Round(premium*10_000) / 10_000
}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return 0.5 * (1 + stdmath.Erf(x/stdmath.Sqrt2))
}
