package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/executor"
)

// scheduleStatsUpdate 通过任务池异步落盘每日统计
func (e *Engine) scheduleStatsUpdate() {
	e.pool.Submit(executor.Task{
		Name:    "update_stats",
		Timeout: 15 * time.Second,
		Do:      e.updateTradingStats,
	})
}

// updateTradingStats 把会话计数与最新利润快照写入当日统计
func (e *Engine) updateTradingStats(ctx context.Context) {
	pnl := e.PnL()

	e.mu.Lock()
	stats := domain.DailyStats{
		Date:            time.Now().UTC().Format("2006-01-02"),
		Symbol:          e.cfg.Symbol,
		MakerBuyVolume:  e.makerBuyVolume,
		MakerSellVolume: e.makerSellVolume,
		TakerBuyVolume:  e.takerBuyVolume,
		TakerSellVolume: e.takerSellVolume,
		RealizedProfit:  pnl.RealizedProfit,
		TotalFees:       pnl.TotalFees,
		NetProfit:       pnl.NetProfit,
		TradeCount:      e.sessionTrades,
	}
	e.mu.Unlock()

	stream := e.currentStream()
	if bid, ask := stream.BidAsk(); bid.IsPositive() && ask.IsPositive() {
		stats.AvgSpread = ask.Sub(bid)
	}
	stats.Volatility = decimal.NewFromFloat(stream.Volatility(20))

	if err := e.store.UpsertDailyStats(ctx, stats); err != nil {
		log.Errorf("写入每日统计失败: %v", err)
	}
}

// printTradingStats 打印阶段性统计报告
func (e *Engine) printTradingStats() {
	pnl := e.PnL()
	buys, sells := e.OpenOrderCounts()

	e.mu.Lock()
	bought := e.totalBought
	sold := e.totalSold
	trades := e.sessionTrades
	deps := len(e.deps)
	reconnects := e.reconnects
	e.mu.Unlock()

	makerVolume := e.makerVolume()
	uptime := time.Since(e.startTime).Round(time.Second)

	log.Info("==================== 交易统计 ====================")
	log.Infof("运行时长: %s  重连次数: %d", uptime, reconnects)
	log.Infof("会话成交: %d 笔  买入 %s / 卖出 %s  净持仓 %s",
		trades, bought, sold, bought.Sub(sold))
	log.Infof("挂单: %d 买 / %d 卖  未完成依赖: %d", buys, sells, deps)
	log.Infof("已实现利润: %s  浮动盈亏: %s", pnl.RealizedProfit, pnl.UnrealizedPnL)
	log.Infof("手续费: %s (已配对 %s)  净利润: %s", pnl.TotalFees, pnl.MatchedFees, pnl.NetProfit)
	log.Infof("平均持仓成本: %s  maker 成交额: %s", pnl.AvgCost, makerVolume)
	if lp, ok := e.currentStream().GetLiquidityProfile(decimal.NewFromFloat(0.01)); ok {
		log.Infof("盘口流动性 (±1%%): 买 %s / 卖 %s  失衡 %s",
			lp.BidVolume, lp.AskVolume, lp.Imbalance.Round(4))
	}
	log.Info("==================================================")
}

func (e *Engine) makerVolume() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.makerBuyVolume.Add(e.makerSellVolume)
}
