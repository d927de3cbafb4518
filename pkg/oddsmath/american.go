package oddsmath

import (
	"errors"
	"math"
)

// ErrInvalidOdds is returned for prices that cannot describe a payout
var ErrInvalidOdds = errors.New("oddsmath: invalid odds")

// AmericanToDecimal converts American odds to decimal odds
// American +150 → Decimal 2.50
// American -150 → Decimal 1.67
func AmericanToDecimal(american float64) (float64, error) {
	if american == 0 || math.IsNaN(american) || math.IsInf(american, 0) {
		return 0, ErrInvalidOdds
	}

	if american > 0 {
		return american/100.0 + 1.0, nil
	}

	return 100.0/-american + 1.0, nil
}

// DecimalToAmerican converts decimal odds to American odds
// Decimal 2.50 → American +150
// Decimal 1.67 → American -150
func DecimalToAmerican(decimal float64) (int, error) {
	if decimal <= 1.0 || math.IsNaN(decimal) || math.IsInf(decimal, 0) {
		return 0, ErrInvalidOdds
	}

	if decimal >= 2.0 {
		return int(math.Round((decimal - 1.0) * 100.0)), nil
	}

	return int(math.Round(-100.0 / (decimal - 1.0))), nil
}

// ImpliedProbability converts decimal odds to the bookmaker's implied probability
// Decimal 2.00 → 0.50
func ImpliedProbability(decimal float64) (float64, error) {
	if decimal <= 0 || math.IsNaN(decimal) {
		return 0, ErrInvalidOdds
	}
	return 1.0 / decimal, nil
}
