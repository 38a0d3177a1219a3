package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

// ComputeLevels 在 [lower, upper] 上生成 gridNum+1 个网格价位（tick 计数，升序）。
// 每个价位先按 tickSize 就近取整；量化后若出现重复或乱序说明网格间距小于
// 一个 tick，返回错误而不是静默吞掉价位。
func ComputeLevels(lower, upper decimal.Decimal, gridNum int, tickSize decimal.Decimal) ([]int64, error) {
	if gridNum < 1 {
		return nil, fmt.Errorf("网格数量必须 >= 1, 实际 %d", gridNum)
	}
	if tickSize.IsZero() || tickSize.IsNegative() {
		return nil, fmt.Errorf("无效的 tickSize: %s", tickSize)
	}
	if !upper.GreaterThan(lower) {
		return nil, fmt.Errorf("价格区间无效: lower=%s upper=%s", lower, upper)
	}

	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(gridNum)))
	levels := make([]int64, 0, gridNum+1)
	for i := 0; i <= gridNum; i++ {
		price := lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
		ticks := marketmath.PriceToTicks(price, tickSize)
		if len(levels) > 0 && ticks <= levels[len(levels)-1] {
			return nil, fmt.Errorf("网格间距小于一个 tick: step=%s tick=%s", step, tickSize)
		}
		levels = append(levels, ticks)
	}
	return levels, nil
}

// NextAbove 返回严格高于 ticks 的最近价位；不存在时返回 (0, false)。
// levels 必须升序。
func NextAbove(levels []int64, ticks int64) (int64, bool) {
	i := sort.Search(len(levels), func(i int) bool { return levels[i] > ticks })
	if i == len(levels) {
		return 0, false
	}
	return levels[i], true
}

// NextBelow 返回严格低于 ticks 的最近价位；不存在时返回 (0, false)。
func NextBelow(levels []int64, ticks int64) (int64, bool) {
	i := sort.Search(len(levels), func(i int) bool { return levels[i] >= ticks })
	if i == 0 {
		return 0, false
	}
	return levels[i-1], true
}

// NearestLevel 返回与 ticks 最接近的价位（用于把历史成交对齐到网格）。
func NearestLevel(levels []int64, ticks int64) (int64, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	i := sort.Search(len(levels), func(i int) bool { return levels[i] >= ticks })
	if i == 0 {
		return levels[0], true
	}
	if i == len(levels) {
		return levels[len(levels)-1], true
	}
	if levels[i]-ticks < ticks-levels[i-1] {
		return levels[i], true
	}
	return levels[i-1], true
}
