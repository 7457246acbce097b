// Package math holds the deterministic price arithmetic: oracle price
// normalization for the trigger decision, and the option-pricing model behind
// premium quotes.
package math

import (
	"fmt"

	"PolicyLedger/internal/domain"
)

// maxPow10 is the largest n with 10^n representable in int64.
const maxPow10 = 18

// Pow10 returns 10^n, failing once the result would exceed int64.
func Pow10(n uint32) (int64, error) {
	if n > maxPow10 {
		return 0, fmt.Errorf("%w: 10^%d exceeds int64", domain.ErrMathOverflow, n)
	}
	result := int64(1)
	for i := uint32(0); i < n; i++ {
		result *= 10
	}
	return result, nil
}

// NormalizePrice converts a scaled integer observation into the
// strike-comparable unit: magnitude / 10^|exponent|, truncating. Integer
// division keeps the comparison reproducible bit-for-bit across replicas;
// floating point would not. A negative magnitude or an exponent whose power
// exceeds int64 is a hard failure.
func NormalizePrice(magnitude int64, exponent int32) (int64, error) {
	if magnitude < 0 {
		return 0, fmt.Errorf("%w: negative magnitude %d", domain.ErrMathOverflow, magnitude)
	}

	divisor, err := Pow10(absExponent(exponent))
	if err != nil {
		return 0, err
	}

	return magnitude / divisor, nil
}

// absExponent widens before negating so MinInt32 cannot overflow.
func absExponent(exponent int32) uint32 {
	if exponent < 0 {
		return uint32(-int64(exponent))
	}
	return uint32(exponent)
}
