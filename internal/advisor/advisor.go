// Package advisor 网格参数建议器：
// 按风险等级与波动率推导价格区间、网格数量和所需资金。纯计算，无状态。
package advisor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type riskParams struct {
	priceRangePct    float64
	gridNum          int
	profitFactor     float64
	volatilityFactor float64
}

var riskTable = map[RiskLevel]riskParams{
	RiskLow:    {priceRangePct: 2.0, gridNum: 6, profitFactor: 3, volatilityFactor: 2.0},
	RiskMedium: {priceRangePct: 4.0, gridNum: 10, profitFactor: 4, volatilityFactor: 3.0},
	RiskHigh:   {priceRangePct: 8.0, gridNum: 16, profitFactor: 5, volatilityFactor: 4.0},
}

// Input 参数建议输入
type Input struct {
	Symbol        string
	CurrentPrice  decimal.Decimal
	Volatility    float64 // 百分比；为 0 时使用风险等级预设区间
	MakerFeeRate  float64 // 小数形式，如 0.001
	RiskLevel     RiskLevel
	OrderQuantity decimal.Decimal // 可选
	Limits        domain.MarketLimits
}

// Suggestion 参数建议输出
type Suggestion struct {
	Symbol            string
	UpperPrice        decimal.Decimal
	LowerPrice        decimal.Decimal
	GridNum           int
	PriceRangePercent float64
	GridGapPercent    float64
	ProfitFactor      float64
	OrderQuantity     decimal.Decimal
	CurrentPrice      decimal.Decimal
	RequiredBase      decimal.Decimal
	RequiredQuote     decimal.Decimal
	ProfitPerGridPct  float64
}

// Suggest 计算最优网格参数
func Suggest(in Input) (Suggestion, error) {
	if !in.CurrentPrice.IsPositive() {
		return Suggestion{}, fmt.Errorf("当前价格无效: %s", in.CurrentPrice)
	}
	if in.MakerFeeRate <= 0 {
		in.MakerFeeRate = 0.001
	}
	params, ok := riskTable[in.RiskLevel]
	if !ok {
		params = riskTable[RiskMedium]
	}

	rangePct := params.priceRangePct
	if in.Volatility > 0 {
		// 波动率的 2-4 倍作为价格区间，限制在 [1%, 15%]
		rangePct = in.Volatility * params.volatilityFactor
		if rangePct < 1.0 {
			rangePct = 1.0
		}
		if rangePct > 15.0 {
			rangePct = 15.0
		}
	}

	// 网格间距必须覆盖一次买卖循环的手续费并留出利润
	totalFeePct := in.MakerFeeRate * 200
	minGapPct := totalFeePct * params.profitFactor
	adjustedGridNum := int(rangePct / minGapPct)
	gridNum := params.gridNum
	if adjusted := maxInt(4, adjustedGridNum); adjusted < gridNum {
		gridNum = adjusted
	}

	tick := in.Limits.TickSize
	if tick.IsZero() {
		tick = decimal.NewFromFloat(0.01)
	}
	ratio := decimal.NewFromFloat(rangePct / 100)
	upper := marketmath.RoundToTick(in.CurrentPrice.Mul(decimal.NewFromInt(1).Add(ratio)), tick)
	lower := marketmath.RoundToTick(in.CurrentPrice.Mul(decimal.NewFromInt(1).Sub(ratio)), tick)

	span, _ := upper.Sub(lower).Float64()
	priceF, _ := in.CurrentPrice.Float64()
	actualGapPct := span / (float64(gridNum) * priceF) * 100

	qty := in.OrderQuantity
	if qty.IsPositive() && qty.LessThan(in.Limits.MinOrderSize) {
		qty = in.Limits.MinOrderSize
	}

	var requiredBase, requiredQuote decimal.Decimal
	if qty.IsPositive() {
		// 上半部分网格挂卖单占用基础资产，下半部分挂买单占用报价资产
		sellGrids := (gridNum + 1) / 2
		buyGrids := (gridNum + 1) - sellGrids
		requiredBase = qty.Mul(decimal.NewFromInt(int64(sellGrids)))
		avgBuyPrice := in.CurrentPrice.Add(lower).Div(decimal.NewFromInt(2))
		requiredQuote = qty.Mul(decimal.NewFromInt(int64(buyGrids))).Mul(avgBuyPrice)
	}

	return Suggestion{
		Symbol:            in.Symbol,
		UpperPrice:        upper,
		LowerPrice:        lower,
		GridNum:           gridNum,
		PriceRangePercent: rangePct,
		GridGapPercent:    actualGapPct,
		ProfitFactor:      actualGapPct / totalFeePct,
		OrderQuantity:     qty,
		CurrentPrice:      in.CurrentPrice,
		RequiredBase:      requiredBase,
		RequiredQuote:     requiredQuote,
		ProfitPerGridPct:  actualGapPct - totalFeePct,
	}, nil
}

// RiskProfile 按交易对推断建议的风险等级
func RiskProfile(symbol string) RiskLevel {
	stablePairs := map[string]bool{
		"USDT_USDC": true, "USDC_USDT": true, "USDT_DAI": true,
		"DAI_USDC": true, "BUSD_USDT": true, "BUSD_USDC": true,
	}
	if stablePairs[symbol] {
		return RiskLow
	}

	mediumVolatility := []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "DOT"}
	for _, asset := range mediumVolatility {
		if strings.Contains(symbol, asset) {
			return RiskMedium
		}
	}
	return RiskHigh
}

// Format 把建议渲染为多行报告
func (s Suggestion) Format(limits domain.MarketLimits) string {
	var sb strings.Builder
	sb.WriteString("=== 网格交易参数 ===\n")
	fmt.Fprintf(&sb, "交易对: %s\n", s.Symbol)
	fmt.Fprintf(&sb, "当前价格: %s %s\n", s.CurrentPrice, limits.QuoteAsset)
	fmt.Fprintf(&sb, "网格上限: %s\n", s.UpperPrice)
	fmt.Fprintf(&sb, "网格下限: %s\n", s.LowerPrice)
	fmt.Fprintf(&sb, "网格数量: %d\n", s.GridNum)
	fmt.Fprintf(&sb, "价格范围: ±%.2f%%\n", s.PriceRangePercent)
	fmt.Fprintf(&sb, "网格间距: %.4f%%\n", s.GridGapPercent)
	fmt.Fprintf(&sb, "利润因子: %.2fx\n", s.ProfitFactor)
	if s.OrderQuantity.IsPositive() {
		fmt.Fprintf(&sb, "每格数量: %s %s\n", s.OrderQuantity, limits.BaseAsset)
		fmt.Fprintf(&sb, "所需基础资产: %s %s\n", s.RequiredBase, limits.BaseAsset)
		fmt.Fprintf(&sb, "所需报价资产: %s %s\n", s.RequiredQuote.Round(4), limits.QuoteAsset)
	}
	fmt.Fprintf(&sb, "预估每格利润: %.4f%%\n", s.ProfitPerGridPct)
	return sb.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
