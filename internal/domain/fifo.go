package domain

import (
	"github.com/shopspring/decimal"
)

// Lot FIFO 队列中尚未被卖出配对的买入批次
type Lot struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.Decimal // 该批次剩余未分摊的买入手续费
}

// FIFOResult MatchFIFO 的输出
type FIFOResult struct {
	RealizedProfit decimal.Decimal // 已配对部分的毛利润（未扣费）
	MatchedFees    decimal.Decimal // 已配对买入手续费（按比例分摊）+ 卖出手续费
	TotalFees      decimal.Decimal // 全部成交的手续费之和
	RemainingLots  []Lot           // 剩余未配对的买入批次（FIFO 顺序）
	NetPosition    decimal.Decimal // 剩余净持仓（基础资产）
}

// MatchFIFO 对完整成交序列做 FIFO 利润匹配。
// trades 必须按时间升序；每次都从头计算整个序列，不做增量更新，
// 以保证结果只取决于持久化的成交记录。
func MatchFIFO(trades []Trade) FIFOResult {
	var res FIFOResult
	var lots []Lot

	for _, t := range trades {
		res.TotalFees = res.TotalFees.Add(t.Fee)

		if t.Side == SideBid {
			lots = append(lots, Lot{Price: t.Price, Quantity: t.Quantity, Fee: t.Fee})
			continue
		}

		// 卖出：从最早的买入批次开始消耗
		remaining := t.Quantity
		for remaining.IsPositive() && len(lots) > 0 {
			lot := &lots[0]
			matched := decimal.Min(remaining, lot.Quantity)

			res.RealizedProfit = res.RealizedProfit.Add(t.Price.Sub(lot.Price).Mul(matched))

			// 买入手续费按消耗比例分摊到已实现部分
			if lot.Quantity.IsPositive() {
				feePortion := lot.Fee.Mul(matched).Div(lot.Quantity)
				res.MatchedFees = res.MatchedFees.Add(feePortion)
				lot.Fee = lot.Fee.Sub(feePortion)
			}

			lot.Quantity = lot.Quantity.Sub(matched)
			remaining = remaining.Sub(matched)
			if !lot.Quantity.IsPositive() {
				lots = lots[1:]
			}
		}
		// 卖出手续费全部计入已实现部分
		res.MatchedFees = res.MatchedFees.Add(t.Fee)
	}

	res.RemainingLots = lots
	for _, lot := range lots {
		res.NetPosition = res.NetPosition.Add(lot.Quantity)
	}
	return res
}

// AverageRemainingCost 剩余买入批次的加权平均成本；无持仓时返回 0。
func AverageRemainingCost(lots []Lot) decimal.Decimal {
	var qty, cost decimal.Decimal
	for _, lot := range lots {
		qty = qty.Add(lot.Quantity)
		cost = cost.Add(lot.Price.Mul(lot.Quantity))
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return cost.Div(qty)
}

// UnrealizedPnL 按当前价估算剩余持仓的浮动盈亏：
// (当前价 - 平均剩余成本) * 净持仓。当前价低于成本时返回负值。
func UnrealizedPnL(current decimal.Decimal, lots []Lot) decimal.Decimal {
	var qty decimal.Decimal
	for _, lot := range lots {
		qty = qty.Add(lot.Quantity)
	}
	if !qty.IsPositive() || !current.IsPositive() {
		return decimal.Zero
	}
	avg := AverageRemainingCost(lots)
	return current.Sub(avg).Mul(qty)
}
