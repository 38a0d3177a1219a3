package domain

import (
	"testing"
	"time"
)

func trade(side Side, price, qty, fee string) Trade {
	return Trade{
		Side:      side,
		Price:     d(price),
		Quantity:  d(qty),
		Fee:       d(fee),
		Timestamp: time.Now(),
	}
}

// TestMatchFIFOBasic 单买单卖完全配对
func TestMatchFIFOBasic(t *testing.T) {
	trades := []Trade{
		trade(SideBid, "100", "1", "0.1"),
		trade(SideAsk, "102", "1", "0.102"),
	}
	res := MatchFIFO(trades)

	if !res.RealizedProfit.Equal(d("2")) {
		t.Errorf("已实现利润 = %s，期望 2", res.RealizedProfit)
	}
	// 买入费全部分摊 + 卖出费
	if !res.MatchedFees.Equal(d("0.202")) {
		t.Errorf("已配对手续费 = %s，期望 0.202", res.MatchedFees)
	}
	if !res.TotalFees.Equal(d("0.202")) {
		t.Errorf("总手续费 = %s，期望 0.202", res.TotalFees)
	}
	if len(res.RemainingLots) != 0 {
		t.Errorf("剩余批次 = %d，期望 0", len(res.RemainingLots))
	}
	if !res.NetPosition.IsZero() {
		t.Errorf("净持仓 = %s，期望 0", res.NetPosition)
	}
}

// TestMatchFIFOPartial 卖出只消耗最早批次的一部分，手续费按比例分摊
func TestMatchFIFOPartial(t *testing.T) {
	trades := []Trade{
		trade(SideBid, "100", "2", "0.2"),
		trade(SideBid, "98", "1", "0.098"),
		trade(SideAsk, "103", "1", "0.103"),
	}
	res := MatchFIFO(trades)

	// 配对最早批次（100）的 1 个：利润 (103-100)*1 = 3
	if !res.RealizedProfit.Equal(d("3")) {
		t.Errorf("已实现利润 = %s，期望 3", res.RealizedProfit)
	}
	// 买入费分摊 0.2 * 1/2 = 0.1，加卖出费 0.103
	if !res.MatchedFees.Equal(d("0.203")) {
		t.Errorf("已配对手续费 = %s，期望 0.203", res.MatchedFees)
	}
	if len(res.RemainingLots) != 2 {
		t.Fatalf("剩余批次 = %d，期望 2", len(res.RemainingLots))
	}
	if !res.RemainingLots[0].Quantity.Equal(d("1")) || !res.RemainingLots[0].Price.Equal(d("100")) {
		t.Errorf("首个剩余批次 = %s@%s，期望 1@100",
			res.RemainingLots[0].Quantity, res.RemainingLots[0].Price)
	}
	if !res.RemainingLots[0].Fee.Equal(d("0.1")) {
		t.Errorf("首个剩余批次未分摊手续费 = %s，期望 0.1", res.RemainingLots[0].Fee)
	}
	if !res.NetPosition.Equal(d("2")) {
		t.Errorf("净持仓 = %s，期望 2", res.NetPosition)
	}
}

// TestMatchFIFOCrossLots 一次卖出跨越多个买入批次
func TestMatchFIFOCrossLots(t *testing.T) {
	trades := []Trade{
		trade(SideBid, "100", "1", "0"),
		trade(SideBid, "98", "1", "0"),
		trade(SideAsk, "104", "1.5", "0"),
	}
	res := MatchFIFO(trades)

	// (104-100)*1 + (104-98)*0.5 = 4 + 3 = 7
	if !res.RealizedProfit.Equal(d("7")) {
		t.Errorf("已实现利润 = %s，期望 7", res.RealizedProfit)
	}
	if len(res.RemainingLots) != 1 || !res.RemainingLots[0].Quantity.Equal(d("0.5")) {
		t.Fatalf("剩余批次应为 0.5@98，实际 %+v", res.RemainingLots)
	}
}

// TestMatchFIFOSellWithoutInventory 没有买入批次时卖出不产生利润
func TestMatchFIFOSellWithoutInventory(t *testing.T) {
	res := MatchFIFO([]Trade{trade(SideAsk, "100", "1", "0.1")})
	if !res.RealizedProfit.IsZero() {
		t.Errorf("无库存卖出的利润 = %s，期望 0", res.RealizedProfit)
	}
	if !res.TotalFees.Equal(d("0.1")) {
		t.Errorf("总手续费 = %s，期望 0.1", res.TotalFees)
	}
}

// TestMatchFIFODeterministic 同一序列多次计算结果一致（全量重算，无增量状态）
func TestMatchFIFODeterministic(t *testing.T) {
	trades := []Trade{
		trade(SideBid, "100", "1", "0.1"),
		trade(SideAsk, "102", "0.4", "0.04"),
		trade(SideBid, "99", "2", "0.2"),
		trade(SideAsk, "101", "1.6", "0.16"),
	}
	first := MatchFIFO(trades)
	second := MatchFIFO(trades)
	if !first.RealizedProfit.Equal(second.RealizedProfit) ||
		!first.MatchedFees.Equal(second.MatchedFees) ||
		!first.NetPosition.Equal(second.NetPosition) {
		t.Error("相同成交序列的 FIFO 结果不一致")
	}
}

// TestAverageRemainingCost 加权平均成本
func TestAverageRemainingCost(t *testing.T) {
	lots := []Lot{
		{Price: d("100"), Quantity: d("1")},
		{Price: d("98"), Quantity: d("3")},
	}
	// (100*1 + 98*3) / 4 = 98.5
	if got := AverageRemainingCost(lots); !got.Equal(d("98.5")) {
		t.Errorf("平均成本 = %s，期望 98.5", got)
	}
	if got := AverageRemainingCost(nil); !got.IsZero() {
		t.Errorf("无持仓平均成本 = %s，期望 0", got)
	}
}

// TestUnrealizedPnL 浮动盈亏估算
func TestUnrealizedPnL(t *testing.T) {
	lots := []Lot{{Price: d("100"), Quantity: d("2")}}

	if got := UnrealizedPnL(d("105"), lots); !got.Equal(d("10")) {
		t.Errorf("浮动盈亏 = %s，期望 10", got)
	}
	// 价格低于成本时为负值，不截断
	if got := UnrealizedPnL(d("95"), lots); !got.Equal(d("-10")) {
		t.Errorf("价格低于成本时浮动盈亏 = %s，期望 -10", got)
	}
	if got := UnrealizedPnL(d("105"), nil); !got.IsZero() {
		t.Errorf("无持仓时浮动盈亏 = %s，期望 0", got)
	}
}
