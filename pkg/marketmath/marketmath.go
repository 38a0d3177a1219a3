// Package marketmath 提供价格/数量的量化工具。
//
// 所有用于 map key 与相等比较的价格一律先转换为 tick 计数（int64），
// 避免浮点价格作为 key 带来的相等性问题；decimal 只用于舍入与格式化。
package marketmath

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundToTick 将价格按 tickSize 就近取整。
func RoundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	steps := price.Div(tickSize).Round(0)
	return steps.Mul(tickSize)
}

// FloorToPrecision 按小数位精度向下取整（下单数量不允许四舍五入放大）。
func FloorToPrecision(value decimal.Decimal, precision int32) decimal.Decimal {
	return value.RoundDown(precision)
}

// PriceToTicks 将价格转换为 tick 计数（就近取整）。
func PriceToTicks(price, tickSize decimal.Decimal) int64 {
	if tickSize.IsZero() {
		return 0
	}
	return price.Div(tickSize).Round(0).IntPart()
}

// TicksToPrice 将 tick 计数还原为价格。
func TicksToPrice(ticks int64, tickSize decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(ticks).Mul(tickSize)
}

// Volatility 计算最近 window 个价格的收益率标准差（百分比）。
// 价格数量不足时返回 0。
func Volatility(prices []float64, window int) float64 {
	if window <= 1 || len(prices) < window {
		return 0
	}
	recent := prices[len(prices)-window:]

	returns := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		if recent[i-1] == 0 {
			continue
		}
		returns = append(returns, (recent[i]-recent[i-1])/recent[i-1])
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * 100
}
