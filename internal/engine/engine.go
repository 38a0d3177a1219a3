// Package engine 实现网格交易引擎：
// 网格初始化、成交处理、依赖驱动的补单、对账循环与统计。
//
// 并发模型：一个控制循环 goroutine（RunFor），数据流读 goroutine 同步调用
// HandleFill，持久化与利润重算通过有界任务池异步执行。订单/价位/依赖三张
// 表由同一把互斥锁保护。
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/executor"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

var log = logrus.WithField("component", "engine")

// Config 引擎配置
type Config struct {
	Symbol string

	// 网格参数
	GridNum           int
	UpperPrice        decimal.Decimal
	LowerPrice        decimal.Decimal
	AutoPriceRange    bool            // 按当前价 ±PriceRangePercent 自动确定边界
	PriceRangePercent decimal.Decimal // 自动边界的半径（百分比）
	OrderQuantity     decimal.Decimal // 为零时按余额自动计算
	MaxPosition       decimal.Decimal // 净持仓上限（基础资产）；为零表示不限制

	// 手续费处理
	FeeFallbackMultiplier decimal.Decimal // 手续费不可信时的数量折扣，默认 0.999

	// 运行参数
	ReportInterval time.Duration // 统计报告间隔，默认 5 分钟
	CancelWorkers  int           // 批量撤单回退时的并发度，默认 5
	StatsWorkers   int           // 统计任务池 worker 数，默认 3
}

// ApplyDefaults 填充缺省值
func (c *Config) ApplyDefaults() {
	if c.FeeFallbackMultiplier.IsZero() {
		c.FeeFallbackMultiplier = decimal.NewFromFloat(0.999)
	}
	if c.PriceRangePercent.IsZero() {
		c.PriceRangePercent = decimal.NewFromInt(5)
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Minute
	}
	if c.CancelWorkers <= 0 {
		c.CancelWorkers = 5
	}
	if c.StatsWorkers <= 0 {
		c.StatsWorkers = 3
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("缺少交易对")
	}
	if c.GridNum < 1 {
		return fmt.Errorf("网格数量必须 >= 1, 实际 %d", c.GridNum)
	}
	if !c.AutoPriceRange {
		if c.LowerPrice.IsZero() || c.UpperPrice.IsZero() {
			return fmt.Errorf("非自动模式必须指定上下边界")
		}
		if !c.UpperPrice.GreaterThan(c.LowerPrice) {
			return fmt.Errorf("上边界必须高于下边界: lower=%s upper=%s", c.LowerPrice, c.UpperPrice)
		}
	}
	if c.FeeFallbackMultiplier.IsNegative() || c.FeeFallbackMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("手续费折扣系数必须在 (0, 1] 内: %s", c.FeeFallbackMultiplier)
	}
	return nil
}

// Engine 网格交易引擎
type Engine struct {
	cfg       Config
	venue     VenueClient
	store     StatsStore
	newStream StreamFactory
	pool      *executor.Pool

	limits domain.MarketLimits

	mu     sync.Mutex
	stream StreamClient
	// 网格状态（全部在 mu 下访问）
	levels      []int64                       // 升序 tick 价位
	levelStatus map[int64]domain.LevelStatus  // 价位状态机
	deps        map[int64]int64               // 买入价位 -> 等待成交的卖出价位
	orders      map[string]*domain.Order      // 订单 ID -> 挂单（唯一真实来源）
	orderQty    decimal.Decimal

	// 会话计数器
	totalBought     decimal.Decimal
	totalSold       decimal.Decimal
	makerBuyVolume  decimal.Decimal
	makerSellVolume decimal.Decimal
	takerBuyVolume  decimal.Decimal
	takerSellVolume decimal.Decimal
	sessionTrades   int64
	reconnects      int64

	// 最近一次 FIFO 重算的结果缓存（由任务池更新）
	pnlMu     sync.RWMutex
	pnl       PnLSnapshot
	startTime time.Time

	stopC    chan struct{}
	stopOnce sync.Once
}

// PnLSnapshot 利润快照
type PnLSnapshot struct {
	RealizedProfit decimal.Decimal
	MatchedFees    decimal.Decimal
	TotalFees      decimal.Decimal
	NetProfit      decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	NetPosition    decimal.Decimal
	AvgCost        decimal.Decimal
	TradeCount     int64
}

// New 创建引擎：获取交易规则（失败直接报错）、建立数据流、加载历史统计
func New(ctx context.Context, cfg Config, venue VenueClient, store StatsStore, newStream StreamFactory) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	limits, err := venue.GetMarketLimits(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取交易规则失败: %w", err)
	}
	log.Infof("交易规则: %s tick=%s 最小下单量=%s 精度=%d/%d",
		limits.Symbol, limits.TickSize, limits.MinOrderSize,
		limits.BasePrecision, limits.QuotePrecision)

	e := &Engine{
		cfg:         cfg,
		venue:       venue,
		store:       store,
		newStream:   newStream,
		pool:        executor.NewPool(cfg.StatsWorkers, 256),
		limits:      limits,
		levelStatus: make(map[int64]domain.LevelStatus),
		deps:        make(map[int64]int64),
		orders:      make(map[string]*domain.Order),
		startTime:   time.Now(),
		stopC:       make(chan struct{}),
	}
	e.pool.Start(ctx)

	stream := newStream()
	stream.OnFill(e.HandleFill)
	if err := stream.Connect(ctx); err != nil {
		return nil, fmt.Errorf("连接数据流失败: %w", err)
	}
	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()

	// 订阅必须先于铺单，否则首个控制循环周期内的成交会丢失
	e.ensureSubscriptions()

	if err := e.waitForPrice(ctx, 10*time.Second); err != nil {
		log.Warnf("等待行情超时: %v", err)
	}

	e.loadHistory(ctx)
	return e, nil
}

// waitForPrice 等待数据流给出首个价格
func (e *Engine) waitForPrice(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.currentStream().CurrentPrice().IsPositive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("数据流在 %s 内未收到价格", timeout)
}

// loadHistory 从持久化加载成交历史；为空时回填交易所成交历史
func (e *Engine) loadHistory(ctx context.Context) {
	trades, err := e.store.GetOrderHistory(ctx, e.cfg.Symbol, 0)
	if err != nil {
		log.Warnf("加载历史成交失败: %v", err)
		return
	}

	if len(trades) == 0 {
		// 首次运行：从交易所拉取成交历史回填数据库
		remote, err := e.venue.GetFillHistory(ctx, e.cfg.Symbol, 100)
		if err != nil {
			log.Warnf("回填交易所成交历史失败: %v", err)
		} else {
			for _, t := range remote {
				if t.TradeType == "" {
					t.TradeType = "backfill"
				}
				if err := e.store.InsertTrade(ctx, t); err != nil {
					log.Warnf("回填成交 %s 失败: %v", t.OrderID, err)
				}
			}
			trades = remote
			log.Infof("已回填 %d 条交易所成交历史", len(remote))
		}
	}

	e.recomputePnL(ctx)
	log.Infof("历史成交加载完成: %d 条", len(trades))
}

func (e *Engine) currentStream() StreamClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

// currentPrice 数据流价格，失效时回退 REST 行情
func (e *Engine) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	if p := e.currentStream().CurrentPrice(); p.IsPositive() {
		return p, nil
	}
	ticker, err := e.venue.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取当前价格失败: %w", err)
	}
	return ticker.LastPrice, nil
}

// recomputePnL 从完整成交历史重算 FIFO 利润并更新缓存
func (e *Engine) recomputePnL(ctx context.Context) {
	trades, err := e.store.GetOrderHistory(ctx, e.cfg.Symbol, 0)
	if err != nil {
		log.Warnf("重算利润时读取历史失败: %v", err)
		return
	}

	res := domain.MatchFIFO(trades)
	current := e.currentStream().CurrentPrice()

	snapshot := PnLSnapshot{
		RealizedProfit: res.RealizedProfit,
		MatchedFees:    res.MatchedFees,
		TotalFees:      res.TotalFees,
		NetProfit:      res.RealizedProfit.Sub(res.MatchedFees),
		UnrealizedPnL:  domain.UnrealizedPnL(current, res.RemainingLots),
		NetPosition:    res.NetPosition,
		AvgCost:        domain.AverageRemainingCost(res.RemainingLots),
		TradeCount:     int64(len(trades)),
	}

	e.pnlMu.Lock()
	e.pnl = snapshot
	e.pnlMu.Unlock()
}

// PnL 返回最近一次重算的利润快照
func (e *Engine) PnL() PnLSnapshot {
	e.pnlMu.RLock()
	defer e.pnlMu.RUnlock()
	return e.pnl
}

// Levels 返回网格价位（价格形式，升序）
func (e *Engine) Levels() []decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]decimal.Decimal, len(e.levels))
	for i, lv := range e.levels {
		out[i] = marketmath.TicksToPrice(lv, e.limits.TickSize)
	}
	return out
}

// OpenOrderCounts 当前各方向挂单数
func (e *Engine) OpenOrderCounts() (buys, sells int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Side == domain.SideBid {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}

// DependencyCount 未完成的买卖依赖数
func (e *Engine) DependencyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deps)
}

// Position 会话净持仓（买入量 - 卖出量）
func (e *Engine) Position() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalBought.Sub(e.totalSold)
}

// StatusSnapshot 对外状态快照（供 web 层只读使用）
type StatusSnapshot struct {
	Symbol       string          `json:"symbol"`
	Connected    bool            `json:"connected"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	GridLevels   int             `json:"grid_levels"`
	BuyOrders    int             `json:"buy_orders"`
	SellOrders   int             `json:"sell_orders"`
	Dependencies int             `json:"dependencies"`
	NetPosition  decimal.Decimal `json:"net_position"`
	Reconnects   int64           `json:"reconnects"`
	UptimeSec    int64           `json:"uptime_sec"`
	PnL          PnLSnapshot     `json:"pnl"`
}

// Status 汇总当前状态
func (e *Engine) Status() StatusSnapshot {
	buys, sells := e.OpenOrderCounts()
	e.mu.Lock()
	connected := e.stream != nil && e.stream.IsConnected()
	price := decimal.Zero
	if e.stream != nil {
		price = e.stream.CurrentPrice()
	}
	levels := len(e.levels)
	deps := len(e.deps)
	position := e.totalBought.Sub(e.totalSold)
	reconnects := e.reconnects
	e.mu.Unlock()

	return StatusSnapshot{
		Symbol:       e.cfg.Symbol,
		Connected:    connected,
		CurrentPrice: price,
		GridLevels:   levels,
		BuyOrders:    buys,
		SellOrders:   sells,
		Dependencies: deps,
		NetPosition:  position,
		Reconnects:   reconnects,
		UptimeSec:    int64(time.Since(e.startTime).Seconds()),
		PnL:          e.PnL(),
	}
}

// Stop 发出停止信号；幂等
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopC)
	})
}
