// Package risk isolates the "same decision, different position size per
// user" policy: a pure scaling function applied to model weight deltas, plus
// validation of user-editable risk configuration.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// User-editable configuration bounds.
var (
	MinMultiplier   = decimal.NewFromFloat(0.1)
	MaxMultiplier   = decimal.NewFromFloat(3.0)
	MaxCashFraction = decimal.NewFromFloat(0.5)
)

// ErrInvalidConfig is returned when risk configuration is out of bounds.
var ErrInvalidConfig = errors.New("risk: invalid configuration")

// Scale returns the risk-adjusted target weight for one symbol:
// prevWeight + delta·multiplier, clamped so the result stays in [0,1].
// Scaling is linear in the multiplier until a clamp engages: it changes the
// magnitude of the applied delta, never its direction.
func Scale(prevWeight, delta, multiplier decimal.Decimal) decimal.Decimal {
	target := prevWeight.Add(delta.Mul(multiplier))
	one := decimal.NewFromInt(1)
	if target.IsNegative() {
		return decimal.Zero
	}
	if target.GreaterThan(one) {
		return one
	}
	return target
}

// ValidateConfig checks a user's risk settings:
// multiplier ∈ [0.1, 3.0], minCashFraction ∈ [0, 0.5].
func ValidateConfig(multiplier, minCashFraction decimal.Decimal) error {
	if multiplier.LessThan(MinMultiplier) || multiplier.GreaterThan(MaxMultiplier) {
		return fmt.Errorf("%w: risk multiplier %s outside [%s, %s]",
			ErrInvalidConfig, multiplier.String(), MinMultiplier.String(), MaxMultiplier.String())
	}
	if minCashFraction.IsNegative() || minCashFraction.GreaterThan(MaxCashFraction) {
		return fmt.Errorf("%w: min cash fraction %s outside [0, %s]",
			ErrInvalidConfig, minCashFraction.String(), MaxCashFraction.String())
	}
	return nil
}
