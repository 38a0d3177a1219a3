package engine

import (
	"context"
	"time"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/executor"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

// HandleFill 处理私有流推送的成交。由数据流读 goroutine 同步调用：
// 识别订单 -> 持久化成交 -> 更新状态与计数 -> 挂反向单 -> 异步重算利润。
func (e *Engine) HandleFill(fill domain.Fill) {
	ctx := context.Background()

	e.mu.Lock()
	order, tracked := e.orders[fill.OrderID]
	var sourceTicks int64
	if tracked {
		sourceTicks = order.PriceTicks
		delete(e.orders, fill.OrderID)
	}
	e.mu.Unlock()

	tradeType := "entry"
	if tracked {
		if fill.Side == domain.SideBid {
			tradeType = "grid_buy"
		} else {
			tradeType = "grid_sell"
		}
	}
	e.persistFill(fill, tradeType)

	if !tracked {
		// 非本引擎挂出的订单（手动交易等）：只记账，不动网格
		log.Infof("收到未跟踪订单的成交: %s %s %s@%s", fill.OrderID, fill.Side, fill.Quantity, fill.Price)
		e.schedulePnLRecompute()
		return
	}

	log.Infof("💰 成交: %s %s %s@%s maker=%v fee=%s %s",
		fill.Side, e.cfg.Symbol, fill.Quantity, fill.Price, fill.Maker, fill.Fee, fill.FeeAsset)

	e.updateCounters(fill)

	if fill.Side == domain.SideBid {
		e.onBuyFilled(ctx, sourceTicks, fill)
	} else {
		e.onSellFilled(ctx, sourceTicks, fill)
	}

	e.schedulePnLRecompute()
}

// persistFill 通过任务池异步写入成交记录
func (e *Engine) persistFill(fill domain.Fill, tradeType string) {
	trade := domain.Trade{
		OrderID:   fill.OrderID,
		Symbol:    e.cfg.Symbol,
		Side:      fill.Side,
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		Maker:     fill.Maker,
		Fee:       fill.Fee,
		FeeAsset:  fill.FeeAsset,
		TradeType: tradeType,
		Timestamp: fill.Timestamp,
	}
	e.pool.Submit(executor.Task{
		Name:    "persist_fill",
		Timeout: 10 * time.Second,
		Do: func(ctx context.Context) {
			if err := e.store.InsertTrade(ctx, trade); err != nil {
				log.Errorf("持久化成交 %s 失败: %v", trade.OrderID, err)
			}
		},
	})
}

// schedulePnLRecompute 通过任务池异步做全量 FIFO 重算
func (e *Engine) schedulePnLRecompute() {
	e.pool.Submit(executor.Task{
		Name:    "recompute_pnl",
		Timeout: 30 * time.Second,
		Do:      e.recomputePnL,
	})
}

func (e *Engine) updateCounters(fill domain.Fill) {
	volume := fill.Price.Mul(fill.Quantity)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionTrades++
	if fill.Side == domain.SideBid {
		e.totalBought = e.totalBought.Add(fill.Quantity)
		if fill.Maker {
			e.makerBuyVolume = e.makerBuyVolume.Add(volume)
		} else {
			e.takerBuyVolume = e.takerBuyVolume.Add(volume)
		}
	} else {
		e.totalSold = e.totalSold.Add(fill.Quantity)
		if fill.Maker {
			e.makerSellVolume = e.makerSellVolume.Add(volume)
		} else {
			e.takerSellVolume = e.takerSellVolume.Add(volume)
		}
	}
}

// onBuyFilled 买单成交：在上一档挂卖单，并登记买->卖依赖
func (e *Engine) onBuyFilled(ctx context.Context, sourceTicks int64, fill domain.Fill) {
	e.mu.Lock()
	e.levelStatus[sourceTicks] = domain.LevelBuyFilled
	levels := e.levels
	e.mu.Unlock()

	target, ok := domain.NextAbove(levels, sourceTicks)
	if !ok {
		log.Warnf("买单成交于最高价位 %s，上方无可挂卖档",
			marketmath.TicksToPrice(sourceTicks, e.limits.TickSize))
		return
	}

	// 只有以基础资产收取且数值可信的手续费才直接扣除，否则按折扣系数估算
	sellQty := fill.Quantity
	if fill.FeeAsset == e.limits.BaseAsset && fill.Fee.IsPositive() && fill.Fee.LessThan(fill.Quantity) {
		sellQty = fill.Quantity.Sub(fill.Fee)
	} else {
		sellQty = fill.Quantity.Mul(e.cfg.FeeFallbackMultiplier)
	}
	sellQty = marketmath.FloorToPrecision(sellQty, e.limits.BasePrecision)
	if sellQty.LessThan(e.limits.MinOrderSize) {
		log.Warnf("卖出数量 %s 低于最小下单量，提升至 %s", sellQty, e.limits.MinOrderSize)
		sellQty = e.limits.MinOrderSize
	}

	if err := e.placeGridOrder(ctx, domain.SideAsk, target, sellQty); err != nil {
		log.Errorf("买单成交后挂卖单失败 @%s: %v",
			marketmath.TicksToPrice(target, e.limits.TickSize), err)
		return
	}

	e.mu.Lock()
	e.deps[sourceTicks] = target
	e.mu.Unlock()
	log.Infof("📈 已挂卖单: %s %s@%s (依赖 %s -> %s)",
		e.cfg.Symbol, sellQty, marketmath.TicksToPrice(target, e.limits.TickSize),
		marketmath.TicksToPrice(sourceTicks, e.limits.TickSize),
		marketmath.TicksToPrice(target, e.limits.TickSize))
}

// onSellFilled 卖单成交：清除指向该价位的依赖，用卖出所得在下一档挂买单
func (e *Engine) onSellFilled(ctx context.Context, sourceTicks int64, fill domain.Fill) {
	e.mu.Lock()
	e.levelStatus[sourceTicks] = domain.LevelSellFilled
	for source, target := range e.deps {
		if target == sourceTicks {
			delete(e.deps, source)
		}
	}
	levels := e.levels
	netPosition := e.totalBought.Sub(e.totalSold)
	e.mu.Unlock()

	target, ok := domain.NextBelow(levels, sourceTicks)
	if !ok {
		log.Warnf("卖单成交于最低价位 %s，下方无可挂买档",
			marketmath.TicksToPrice(sourceTicks, e.limits.TickSize))
		return
	}
	targetPrice := marketmath.TicksToPrice(target, e.limits.TickSize)

	// 只有以报价资产收取且数值可信的手续费才从所得中扣除，否则按折扣系数估算
	gross := fill.Price.Mul(fill.Quantity)
	proceeds := gross
	if fill.FeeAsset == e.limits.QuoteAsset && fill.Fee.IsPositive() && fill.Fee.LessThan(gross) {
		proceeds = gross.Sub(fill.Fee)
	} else {
		proceeds = gross.Mul(e.cfg.FeeFallbackMultiplier)
	}

	buyQty := marketmath.FloorToPrecision(proceeds.Div(targetPrice), e.limits.BasePrecision)
	if buyQty.LessThan(e.limits.MinOrderSize) {
		log.Warnf("买入数量 %s 低于最小下单量，提升至 %s", buyQty, e.limits.MinOrderSize)
		buyQty = e.limits.MinOrderSize
	}

	// 持仓上限：净持仓 + 新买入量不得超过 MaxPosition
	if e.cfg.MaxPosition.IsPositive() && netPosition.Add(buyQty).GreaterThan(e.cfg.MaxPosition) {
		log.Warnf("⚠️ 持仓上限 %s，净持仓 %s，跳过买单 @%s (数量 %s)",
			e.cfg.MaxPosition, netPosition, targetPrice, buyQty)
		return
	}

	if err := e.placeGridOrder(ctx, domain.SideBid, target, buyQty); err != nil {
		log.Errorf("卖单成交后挂买单失败 @%s: %v", targetPrice, err)
		return
	}
	log.Infof("📉 已挂买单: %s %s@%s", e.cfg.Symbol, buyQty, targetPrice)
}
