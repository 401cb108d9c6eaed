package loyalty

import (
	"github.com/shopspring/decimal"
)

// CalculatePoints converts a purchase amount into whole points:
//
//	floor(amount * ConversionPoints / ConversionAmount)
//
// Amounts below one conversion step yield 0, which callers treat as
// "nothing to credit" rather than an error here.
func CalculatePoints(amount decimal.Decimal, cfg PointsConfig) int64 {
	if !amount.IsPositive() || !cfg.ConversionAmount.IsPositive() || cfg.ConversionPoints < 1 {
		return 0
	}
	// Multiply before dividing so exact multiples never lose precision.
	earned := amount.Mul(decimal.NewFromInt(cfg.ConversionPoints)).
		Div(cfg.ConversionAmount).
		Floor()
	return earned.IntPart()
}
