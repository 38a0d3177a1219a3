package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/internal/exchange"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

// InitializeGrid 初始化网格：
// 确定边界 -> 清空已有挂单 -> 计算下单数量 -> 按价位铺单 -> 重放历史依赖。
func (e *Engine) InitializeGrid(ctx context.Context) error {
	current, err := e.currentPrice(ctx)
	if err != nil {
		return err
	}

	lower, upper := e.cfg.LowerPrice, e.cfg.UpperPrice
	if e.cfg.AutoPriceRange {
		radius := e.cfg.PriceRangePercent.Div(decimal.NewFromInt(100))
		lower = marketmath.RoundToTick(current.Mul(decimal.NewFromInt(1).Sub(radius)), e.limits.TickSize)
		upper = marketmath.RoundToTick(current.Mul(decimal.NewFromInt(1).Add(radius)), e.limits.TickSize)
		log.Infof("自动价格区间: [%s, %s] (当前价 %s ±%s%%)", lower, upper, current, e.cfg.PriceRangePercent)
	}

	levels, err := domain.ComputeLevels(lower, upper, e.cfg.GridNum, e.limits.TickSize)
	if err != nil {
		return fmt.Errorf("计算网格价位失败: %w", err)
	}

	if err := e.cancelExistingOrders(ctx); err != nil {
		return err
	}

	balances, err := e.venue.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("获取余额失败: %w", err)
	}
	base := balances[e.limits.BaseAsset]
	quote := balances[e.limits.QuoteAsset]

	orderQty := e.cfg.OrderQuantity
	if orderQty.IsZero() {
		orderQty = e.autoOrderQuantity(current, base, quote)
		log.Infof("自动下单数量: %s %s (余额 %s %s / %s %s)",
			orderQty, e.limits.BaseAsset,
			base.Available, e.limits.BaseAsset, quote.Available, e.limits.QuoteAsset)
	}
	if orderQty.LessThan(e.limits.MinOrderSize) {
		orderQty = e.limits.MinOrderSize
	}

	e.mu.Lock()
	e.levels = levels
	e.levelStatus = make(map[int64]domain.LevelStatus, len(levels))
	e.deps = make(map[int64]int64)
	e.orders = make(map[string]*domain.Order)
	e.orderQty = orderQty
	e.mu.Unlock()

	currentTicks := marketmath.PriceToTicks(current, e.limits.TickSize)
	var placedBuys, placedSells int
	baseLeft := base.Available

	for _, lv := range levels {
		switch {
		case lv < currentTicks:
			if err := e.placeGridOrder(ctx, domain.SideBid, lv, orderQty); err != nil {
				log.Warnf("初始化买单失败 @%s: %v", marketmath.TicksToPrice(lv, e.limits.TickSize), err)
				continue
			}
			placedBuys++
		case lv > currentTicks:
			// 卖单需要基础资产库存；不足时跳过
			if baseLeft.LessThan(orderQty) {
				log.Warnf("基础资产不足，跳过卖单 @%s (剩余 %s)",
					marketmath.TicksToPrice(lv, e.limits.TickSize), baseLeft)
				continue
			}
			if err := e.placeGridOrder(ctx, domain.SideAsk, lv, orderQty); err != nil {
				log.Warnf("初始化卖单失败 @%s: %v", marketmath.TicksToPrice(lv, e.limits.TickSize), err)
				continue
			}
			baseLeft = baseLeft.Sub(orderQty)
			placedSells++
		default:
			// 价位等于当前价：两侧都不挂
		}
	}

	e.replayDependencies(ctx, levels)

	e.mu.Lock()
	deps := len(e.deps)
	e.mu.Unlock()
	log.Infof("✅ 网格初始化完成: %d 个价位, %d 买单 / %d 卖单, %d 个历史依赖",
		len(levels), placedBuys, placedSells, deps)
	return nil
}

// autoOrderQuantity 按总资产平均分配每格数量: (quote + base*price) / price / (gridNum*2)
func (e *Engine) autoOrderQuantity(price decimal.Decimal, base, quote domain.Balance) decimal.Decimal {
	totalQuote := quote.Available.Add(base.Available.Mul(price))
	qty := totalQuote.Div(price).Div(decimal.NewFromInt(int64(e.cfg.GridNum * 2)))
	qty = marketmath.FloorToPrecision(qty, e.limits.BasePrecision)
	if qty.LessThan(e.limits.MinOrderSize) {
		return e.limits.MinOrderSize
	}
	return qty
}

// cancelExistingOrders 清空已有挂单：
// 先批量撤单；失败则按单并发撤销，最后验证确实已清空。
func (e *Engine) cancelExistingOrders(ctx context.Context) error {
	open, err := e.venue.ListOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取挂单列表失败: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	log.Infof("清空已有挂单: %d 个", len(open))
	if err := e.venue.CancelAll(ctx, e.cfg.Symbol); err != nil {
		log.Warnf("批量撤单失败: %v，回退为逐个撤销", err)
		e.cancelOrdersParallel(ctx, open)
	}

	// 验证已清空
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		remaining, err := e.venue.ListOpenOrders(ctx, e.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("验证撤单结果失败: %w", err)
		}
		if len(remaining) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("撤单后仍有挂单残留")
}

// cancelOrdersParallel 有界并发逐个撤单
func (e *Engine) cancelOrdersParallel(ctx context.Context, orders []domain.OpenOrder) {
	sem := make(chan struct{}, e.cfg.CancelWorkers)
	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		sem <- struct{}{}
		go func(orderID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.venue.CancelOrder(ctx, e.cfg.Symbol, orderID); err != nil {
				log.Warnf("撤单失败 %s: %v", orderID, err)
			}
		}(o.ID)
	}
	wg.Wait()
}

// placeGridOrder 在指定价位挂单并登记到订单表
func (e *Engine) placeGridOrder(ctx context.Context, side domain.Side, ticks int64, qty decimal.Decimal) error {
	price := marketmath.TicksToPrice(ticks, e.limits.TickSize)
	qty = marketmath.FloorToPrecision(qty, e.limits.BasePrecision)
	if qty.LessThan(e.limits.MinOrderSize) {
		return fmt.Errorf("数量 %s 低于最小下单量 %s", qty, e.limits.MinOrderSize)
	}

	placed, err := e.venue.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		PostOnly: true,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.orders[placed.ID] = &domain.Order{
		ID:         placed.ID,
		ClientID:   placed.ClientID,
		Side:       side,
		PriceTicks: ticks,
		Price:      price,
		Quantity:   qty,
		CreatedAt:  time.Now(),
	}
	if side == domain.SideBid {
		e.levelStatus[ticks] = domain.LevelBuyPlaced
	} else {
		e.levelStatus[ticks] = domain.LevelSellPlaced
	}
	e.mu.Unlock()
	return nil
}

// replayDependencies 按时间升序重放历史成交，重建买卖依赖与价位状态。
// 买入成交把来源价位标记为已买入、在其上方价位登记依赖；
// 卖出成交把价位标记为已卖出并清除指向它的依赖。
func (e *Engine) replayDependencies(ctx context.Context, levels []int64) {
	trades, err := e.store.GetOrderHistory(ctx, e.cfg.Symbol, 0)
	if err != nil {
		log.Warnf("重放依赖时读取历史失败: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range trades {
		ticks := marketmath.PriceToTicks(t.Price, e.limits.TickSize)
		level, ok := domain.NearestLevel(levels, ticks)
		if !ok {
			continue
		}
		if t.Side == domain.SideBid {
			e.levelStatus[level] = domain.LevelBuyFilled
			if target, ok := domain.NextAbove(levels, level); ok {
				e.deps[level] = target
				e.levelStatus[target] = domain.LevelSellPlaced
			}
		} else {
			e.levelStatus[level] = domain.LevelSellFilled
			for source, target := range e.deps {
				if target == level {
					delete(e.deps, source)
				}
			}
		}
	}
}
