package engine

import (
	"context"
	"time"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

const (
	subscribeRetries    = 3
	subscribeRetryDelay = 1 * time.Second
)

// RunFor 运行控制循环 duration 时长（<=0 表示直到 Stop），每 interval 一轮：
// 连接健康 -> 订阅健康 -> 挂单对账 -> 依赖感知补单 -> 利润估算与定期报告。
func (e *Engine) RunFor(ctx context.Context, duration, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	reportTicker := time.NewTicker(e.cfg.ReportInterval)
	defer reportTicker.Stop()

	log.Infof("🚀 控制循环启动: interval=%s duration=%s", interval, duration)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(context.Background())
		case <-e.stopC:
			return e.shutdown(ctx)
		case <-deadline:
			log.Info("运行时长已到，开始收尾")
			return e.shutdown(ctx)
		case <-reportTicker.C:
			e.printTradingStats()
			e.scheduleStatsUpdate()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.ensureConnection(ctx) {
		return
	}
	e.ensureSubscriptions()
	e.reconcileOpenOrders(ctx)
	e.replenishGrid(ctx)

	pnl := e.PnL()
	log.Debugf("利润估算: 已实现=%s 浮动=%s 手续费=%s 净持仓=%s",
		pnl.RealizedProfit, pnl.UnrealizedPnL, pnl.TotalFees, pnl.NetPosition)
}

// ensureConnection 检查数据流连接；断开时整体重建 stream 实例
func (e *Engine) ensureConnection(ctx context.Context) bool {
	if e.currentStream().IsConnected() {
		return true
	}

	log.Warn("数据流断开，重建连接...")
	old := e.currentStream()
	_ = old.Close()

	stream := e.newStream()
	stream.OnFill(e.HandleFill)
	if err := stream.Connect(ctx); err != nil {
		log.Errorf("重建数据流失败: %v", err)
		return false
	}

	e.mu.Lock()
	e.stream = stream
	e.reconnects++
	e.mu.Unlock()
	log.Info("数据流已重建")
	return true
}

// ensureSubscriptions 确认必需频道均已订阅；缺失时重试订阅
func (e *Engine) ensureSubscriptions() {
	stream := e.currentStream()
	required := []struct {
		name      string
		subscribe func() error
	}{
		{"depth." + e.cfg.Symbol, stream.SubscribeDepth},
		{"bookTicker." + e.cfg.Symbol, stream.SubscribeBookTicker},
		{"account.orderUpdate." + e.cfg.Symbol, stream.SubscribePrivate},
	}

	for _, r := range required {
		if stream.HasSubscription(r.name) {
			continue
		}
		var err error
		for attempt := 1; attempt <= subscribeRetries; attempt++ {
			if err = r.subscribe(); err == nil {
				break
			}
			log.Warnf("订阅 %s 失败 (第 %d 次): %v", r.name, attempt, err)
			time.Sleep(subscribeRetryDelay)
		}
		if err != nil {
			log.Errorf("订阅 %s 在 %d 次重试后仍失败", r.name, subscribeRetries)
		}
	}
}

// reconcileOpenOrders 挂单对账：被跟踪但交易所已不存在的订单从本地移除。
// 缺席可能是成交通知丢失，也可能是被外部撤单；两种情况无法区分，只留审计日志。
func (e *Engine) reconcileOpenOrders(ctx context.Context) {
	open, err := e.venue.ListOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		log.Warnf("对账时获取挂单失败: %v", err)
		return
	}

	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.ID] = true
	}

	e.mu.Lock()
	var removed []*domain.Order
	for id, order := range e.orders {
		if !openIDs[id] {
			removed = append(removed, order)
			delete(e.orders, id)
			// 状态回退，让补单逻辑重新评估该价位
			if e.levelStatus[order.PriceTicks] == domain.LevelBuyPlaced ||
				e.levelStatus[order.PriceTicks] == domain.LevelSellPlaced {
				e.levelStatus[order.PriceTicks] = domain.LevelUnset
			}
		}
	}
	e.mu.Unlock()

	for _, order := range removed {
		log.Warnf("reconcile: 订单 %s (%s %s@%s) 已不在挂单列表，本地移除（可能已成交且通知丢失，也可能被外部撤销）",
			order.ID, order.Side, order.Quantity, order.Price)
	}
}

// replenishGrid 依赖感知补单：
// 当前价下方无挂单且不处于依赖等待的价位补买单；上方缺口在库存允许时补卖单。
func (e *Engine) replenishGrid(ctx context.Context) {
	price := e.currentStream().CurrentPrice()
	if !price.IsPositive() {
		return
	}
	currentTicks := marketmath.PriceToTicks(price, e.limits.TickSize)

	e.mu.Lock()
	levels := e.levels
	orderQty := e.orderQty
	coveredBuy := make(map[int64]bool)
	coveredSell := make(map[int64]bool)
	for _, o := range e.orders {
		if o.Side == domain.SideBid {
			coveredBuy[o.PriceTicks] = true
		} else {
			coveredSell[o.PriceTicks] = true
		}
	}
	blocked := make(map[int64]bool, len(e.deps))
	for source := range e.deps {
		blocked[source] = true
	}
	e.mu.Unlock()

	if len(levels) == 0 || orderQty.IsZero() {
		return
	}

	var baseLeft *domain.Balance
	for _, lv := range levels {
		switch {
		case lv < currentTicks:
			if coveredBuy[lv] {
				continue
			}
			// 买->卖依赖未完成的价位不补买单，避免同一库存重复买入
			if blocked[lv] {
				log.Debugf("价位 %s 有未完成依赖，跳过补买单",
					marketmath.TicksToPrice(lv, e.limits.TickSize))
				continue
			}
			if err := e.placeGridOrder(ctx, domain.SideBid, lv, orderQty); err != nil {
				log.Warnf("补买单失败 @%s: %v", marketmath.TicksToPrice(lv, e.limits.TickSize), err)
				continue
			}
			log.Infof("补买单 @%s", marketmath.TicksToPrice(lv, e.limits.TickSize))
		case lv > currentTicks:
			if coveredSell[lv] {
				continue
			}
			// 卖单需要库存；余额只查一次
			if baseLeft == nil {
				balances, err := e.venue.GetBalances(ctx)
				if err != nil {
					log.Warnf("补单时获取余额失败: %v", err)
					return
				}
				b := balances[e.limits.BaseAsset]
				baseLeft = &b
			}
			if baseLeft.Available.LessThan(orderQty) {
				continue
			}
			if err := e.placeGridOrder(ctx, domain.SideAsk, lv, orderQty); err != nil {
				log.Warnf("补卖单失败 @%s: %v", marketmath.TicksToPrice(lv, e.limits.TickSize), err)
				continue
			}
			baseLeft.Available = baseLeft.Available.Sub(orderQty)
			log.Infof("补卖单 @%s", marketmath.TicksToPrice(lv, e.limits.TickSize))
		}
	}
}

// shutdown 收尾：撤销全部挂单、落盘统计、关闭数据流与任务池
func (e *Engine) shutdown(ctx context.Context) error {
	log.Info("🛑 开始收尾...")

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.venue.CancelAll(cancelCtx, e.cfg.Symbol); err != nil {
		log.Errorf("收尾撤单失败: %v", err)
	}

	e.printTradingStats()
	e.updateTradingStats(cancelCtx)

	if err := e.currentStream().Close(); err != nil {
		log.Warnf("关闭数据流失败: %v", err)
	}

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer poolCancel()
	if err := e.pool.Stop(poolCtx); err != nil {
		log.Warnf("停止任务池失败: %v", err)
	}

	log.Info("✅ 收尾完成")
	return nil
}
