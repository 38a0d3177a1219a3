package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/internal/exchange"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ---- 测试替身 ----

type fakeVenue struct {
	mu      sync.Mutex
	limits  domain.MarketLimits
	ticker  exchange.Ticker
	balance map[string]domain.Balance

	nextID int
	open   map[string]domain.OpenOrder
	placed []exchange.PlaceOrderRequest
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		limits: domain.MarketLimits{
			Symbol:         "SOL_USDC",
			BaseAsset:      "SOL",
			QuoteAsset:     "USDC",
			TickSize:       d("0.01"),
			MinOrderSize:   d("0.01"),
			BasePrecision:  2,
			QuotePrecision: 2,
		},
		ticker: exchange.Ticker{Symbol: "SOL_USDC", LastPrice: d("100")},
		balance: map[string]domain.Balance{
			"SOL":  {Available: d("100")},
			"USDC": {Available: d("10000")},
		},
		open: make(map[string]domain.OpenOrder),
	}
}

func (f *fakeVenue) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return f.ticker, nil
}

func (f *fakeVenue) GetMarketLimits(ctx context.Context, symbol string) (domain.MarketLimits, error) {
	return f.limits, nil
}

func (f *fakeVenue) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.Balance, len(f.balance))
	for k, v := range f.balance {
		out[k] = v
	}
	return out, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	order := domain.OpenOrder{
		ID:       fmt.Sprintf("order-%d", f.nextID),
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	f.open[order.ID] = order
	f.placed = append(f.placed, req)
	return order, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, orderID)
	return nil
}

func (f *fakeVenue) CancelAll(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = make(map[string]domain.OpenOrder)
	return nil
}

func (f *fakeVenue) ListOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OpenOrder, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeVenue) GetFillHistory(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	return nil, nil
}

// placedAt 返回在某价格挂出的某方向订单请求
func (f *fakeVenue) placedAt(side domain.Side, price string) []exchange.PlaceOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.PlaceOrderRequest
	for _, req := range f.placed {
		if req.Side == side && req.Price.Equal(d(price)) {
			out = append(out, req)
		}
	}
	return out
}

// removeOpen 模拟订单在交易所侧消失（成交或外部撤销）
func (f *fakeVenue) removeOpen(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, orderID)
}

type fakeStream struct {
	mu        sync.Mutex
	connected bool
	price     decimal.Decimal
	subs      map[string]bool
	handler   exchange.FillHandler
}

func newFakeStream(price string) *fakeStream {
	return &fakeStream{price: d(price), subs: make(map[string]bool)}
}

func (f *fakeStream) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) OnFill(handler exchange.FillHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeStream) SubscribeDepth() error      { return f.record("depth.SOL_USDC") }
func (f *fakeStream) SubscribeBookTicker() error { return f.record("bookTicker.SOL_USDC") }
func (f *fakeStream) SubscribePrivate() error    { return f.record("account.orderUpdate.SOL_USDC") }

func (f *fakeStream) record(stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[stream] = true
	return nil
}

func (f *fakeStream) HasSubscription(stream string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[stream]
}

func (f *fakeStream) CurrentPrice() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price
}

func (f *fakeStream) BidAsk() (decimal.Decimal, decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price.Sub(d("0.01")), f.price.Add(d("0.01"))
}

func (f *fakeStream) Volatility(window int) float64 { return 0 }

func (f *fakeStream) GetLiquidityProfile(depthPct decimal.Decimal) (exchange.LiquidityProfile, bool) {
	return exchange.LiquidityProfile{}, false
}

type fakeStore struct {
	mu     sync.Mutex
	trades []domain.Trade
	daily  map[string]domain.DailyStats
}

func newFakeStore() *fakeStore {
	return &fakeStore{daily: make(map[string]domain.DailyStats)}
}

func (f *fakeStore) InsertTrade(ctx context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeStore) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Trade, len(f.trades))
	copy(out, f.trades)
	return out, nil
}

func (f *fakeStore) UpsertDailyStats(ctx context.Context, st domain.DailyStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily[st.Date+st.Symbol] = st
	return nil
}

func (f *fakeStore) GetDailyStats(ctx context.Context, date, symbol string) (domain.DailyStats, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.daily[date+symbol]
	return st, ok, nil
}

func (f *fakeStore) GetAllTimeStats(ctx context.Context, symbol string) (domain.AllTimeStats, error) {
	return domain.AllTimeStats{}, nil
}

func (f *fakeStore) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	return f.GetOrderHistory(ctx, symbol, limit)
}

// ---- 组装 ----

func testConfig() Config {
	return Config{
		Symbol:        "SOL_USDC",
		GridNum:       10,
		LowerPrice:    d("90"),
		UpperPrice:    d("110"),
		OrderQuantity: d("1"),
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeVenue, *fakeStream, *fakeStore) {
	t.Helper()
	venue := newFakeVenue()
	stream := newFakeStream("100")
	store := newFakeStore()

	eng, err := New(context.Background(), cfg, venue, store, func() StreamClient { return stream })
	require.NoError(t, err, "创建引擎失败")
	t.Cleanup(eng.Stop)
	return eng, venue, stream, store
}

// findOrder 在引擎订单表中按方向和价格查找订单 ID
func findOrder(e *Engine, side domain.Side, price string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, o := range e.orders {
		if o.Side == side && o.Price.Equal(d(price)) {
			return id, true
		}
	}
	return "", false
}

// ---- 场景测试 ----

// 初始化：[90,110] 10 格，当前价 100 -> 下方 5 买单、上方 5 卖单、100 跳过
func TestInitializeGridPlacementSplit(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	buys, sells := eng.OpenOrderCounts()
	require.Equal(t, 5, buys, "当前价下方应有 5 个买单")
	require.Equal(t, 5, sells, "当前价上方应有 5 个卖单")

	for _, p := range []string{"90", "92", "94", "96", "98"} {
		require.Len(t, venue.placedAt(domain.SideBid, p), 1, "价位 %s 应有买单", p)
	}
	for _, p := range []string{"102", "104", "106", "108", "110"} {
		require.Len(t, venue.placedAt(domain.SideAsk, p), 1, "价位 %s 应有卖单", p)
	}
	require.Empty(t, venue.placedAt(domain.SideBid, "100"), "当前价位不应挂买单")
	require.Empty(t, venue.placedAt(domain.SideAsk, "100"), "当前价位不应挂卖单")
}

// 买单成交 -> 上一档挂卖单（数量按折扣系数扣减）并登记依赖
func TestBuyFillPlacesSellWithDependency(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	orderID, ok := findOrder(eng, domain.SideBid, "98")
	require.True(t, ok, "98 价位应有买单")
	venue.removeOpen(orderID)

	eng.HandleFill(domain.Fill{
		OrderID:   orderID,
		Side:      domain.SideBid,
		Price:     d("98"),
		Quantity:  d("1"),
		Maker:     true,
		Fee:       decimal.Zero, // 手续费不可信 -> 按 0.999 折扣
		Timestamp: time.Now(),
	})

	sells := venue.placedAt(domain.SideAsk, "100")
	require.Len(t, sells, 1, "买单成交后应在 100 挂卖单")
	require.True(t, sells[0].Quantity.Equal(d("0.99")),
		"卖出数量 = %s，期望 0.99 (1*0.999 向下取整到 2 位)", sells[0].Quantity)
	require.Equal(t, 1, eng.DependencyCount(), "应登记 98->100 依赖")
	require.True(t, eng.Position().Equal(d("1")), "净持仓应为 1")
}

// 卖单成交 -> 清除指向该价位的依赖，用所得在下一档挂买单
func TestSellFillClearsDependencyAndPlacesBuy(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	// 先让 98 买单成交，产生 98->100 依赖和 100 卖单
	buyID, _ := findOrder(eng, domain.SideBid, "98")
	venue.removeOpen(buyID)
	eng.HandleFill(domain.Fill{
		OrderID: buyID, Side: domain.SideBid, Price: d("98"), Quantity: d("1"),
		Maker: true, Fee: decimal.Zero, Timestamp: time.Now(),
	})
	require.Equal(t, 1, eng.DependencyCount())

	sellID, ok := findOrder(eng, domain.SideAsk, "100")
	require.True(t, ok, "100 价位应有卖单")
	venue.removeOpen(sellID)
	eng.HandleFill(domain.Fill{
		OrderID: sellID, Side: domain.SideAsk, Price: d("100"), Quantity: d("0.99"),
		Maker: true, Fee: decimal.Zero, Timestamp: time.Now(),
	})

	require.Equal(t, 0, eng.DependencyCount(), "卖单成交后依赖应被清除")

	// 所得 = 100*0.99*0.999 = 98.901 -> 买入数量 98.901/98 = 1.0091.. -> 1.00
	buys := venue.placedAt(domain.SideBid, "98")
	require.Len(t, buys, 2, "98 价位应有初始买单和补挂买单各一")
	require.True(t, buys[1].Quantity.Equal(d("1")),
		"补挂买入数量 = %s，期望 1", buys[1].Quantity)
}

// 持仓上限：超限的补买单被跳过
func TestPositionCapRejectsBuy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPosition = d("0.5")
	eng, venue, _, _ := newTestEngine(t, cfg)
	require.NoError(t, eng.InitializeGrid(context.Background()))

	// 买入 1 -> 净持仓 1，已超上限
	buyID, _ := findOrder(eng, domain.SideBid, "98")
	venue.removeOpen(buyID)
	eng.HandleFill(domain.Fill{
		OrderID: buyID, Side: domain.SideBid, Price: d("98"), Quantity: d("1"),
		Maker: true, Fee: decimal.Zero, Timestamp: time.Now(),
	})

	// 小额卖出后净持仓仍高于上限 -> 不应补买单
	sellID, _ := findOrder(eng, domain.SideAsk, "102")
	venue.removeOpen(sellID)
	before := len(venue.placedAt(domain.SideBid, "100"))
	eng.HandleFill(domain.Fill{
		OrderID: sellID, Side: domain.SideAsk, Price: d("102"), Quantity: d("0.2"),
		Maker: true, Fee: decimal.Zero, Timestamp: time.Now(),
	})
	after := len(venue.placedAt(domain.SideBid, "100"))
	require.Equal(t, before, after, "超过持仓上限时不应挂新买单")
}

// 对账：交易所侧消失的订单从本地移除，且不立即补单
func TestReconcileRemovesMissingOrder(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	orderID, ok := findOrder(eng, domain.SideBid, "94")
	require.True(t, ok)
	venue.removeOpen(orderID)

	placedBefore := len(venue.placed)
	eng.reconcileOpenOrders(context.Background())

	_, stillTracked := findOrder(eng, domain.SideBid, "94")
	require.False(t, stillTracked, "消失的订单应从本地移除")
	require.Equal(t, placedBefore, len(venue.placed), "对账本身不应挂新单")

	buys, _ := eng.OpenOrderCounts()
	require.Equal(t, 4, buys)
}

// 补单跳过有未完成依赖的价位
func TestReplenishSkipsDependentLevel(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	// 98 买单成交：订单移除、登记 98->100 依赖
	buyID, _ := findOrder(eng, domain.SideBid, "98")
	venue.removeOpen(buyID)
	eng.HandleFill(domain.Fill{
		OrderID: buyID, Side: domain.SideBid, Price: d("98"), Quantity: d("1"),
		Maker: true, Fee: decimal.Zero, Timestamp: time.Now(),
	})
	require.Equal(t, 1, eng.DependencyCount())

	// 同时撤掉 94 买单，制造一个可补的缺口
	freeID, _ := findOrder(eng, domain.SideBid, "94")
	venue.removeOpen(freeID)
	eng.reconcileOpenOrders(context.Background())

	buysAt98Before := len(venue.placedAt(domain.SideBid, "98"))
	buysAt94Before := len(venue.placedAt(domain.SideBid, "94"))

	eng.replenishGrid(context.Background())

	require.Equal(t, buysAt98Before, len(venue.placedAt(domain.SideBid, "98")),
		"有依赖的 98 价位不应补买单")
	require.Equal(t, buysAt94Before+1, len(venue.placedAt(domain.SideBid, "94")),
		"无依赖的 94 价位应补买单")
}

// 未跟踪订单的成交只记账，不触发网格动作
func TestUntrackedFillOnlyRecorded(t *testing.T) {
	eng, venue, _, store := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	placedBefore := len(venue.placed)
	eng.HandleFill(domain.Fill{
		OrderID: "external-1", Side: domain.SideBid, Price: d("95"), Quantity: d("2"),
		Maker: false, Fee: decimal.Zero, Timestamp: time.Now(),
	})

	require.Equal(t, placedBefore, len(venue.placed), "未跟踪成交不应触发挂单")
	require.True(t, eng.Position().IsZero(), "未跟踪成交不应计入会话持仓")

	// 异步持久化最终应落盘
	require.Eventually(t, func() bool {
		trades, _ := store.GetOrderHistory(context.Background(), "SOL_USDC", 0)
		return len(trades) == 1
	}, 2*time.Second, 20*time.Millisecond, "未跟踪成交应被持久化")
}

// 启动后立即建立全部订阅，不等第一个控制循环周期
func TestSubscriptionsEstablishedAtStartup(t *testing.T) {
	_, _, stream, _ := newTestEngine(t, testConfig())

	for _, sub := range []string{
		"depth.SOL_USDC",
		"bookTicker.SOL_USDC",
		"account.orderUpdate.SOL_USDC",
	} {
		require.True(t, stream.HasSubscription(sub), "启动后应已订阅 %s", sub)
	}
}

// 买入手续费以报价资产收取时不能从卖出数量中扣除
func TestBuyFillQuoteFeeFallsBackToMultiplier(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	orderID, _ := findOrder(eng, domain.SideBid, "98")
	venue.removeOpen(orderID)
	eng.HandleFill(domain.Fill{
		OrderID: orderID, Side: domain.SideBid, Price: d("98"), Quantity: d("1"),
		Maker: false, Fee: d("0.5"), FeeAsset: "USDC", Timestamp: time.Now(),
	})

	sells := venue.placedAt(domain.SideAsk, "100")
	require.Len(t, sells, 1)
	// USDC 手续费不减少 SOL 库存：1*0.999 -> 0.99，而不是 1-0.5
	require.True(t, sells[0].Quantity.Equal(d("0.99")),
		"卖出数量 = %s，期望 0.99", sells[0].Quantity)
}

// 卖出手续费以基础资产收取时不能从报价所得中扣除
func TestSellFillBaseFeeFallsBackToMultiplier(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	sellID, _ := findOrder(eng, domain.SideAsk, "102")
	venue.removeOpen(sellID)
	eng.HandleFill(domain.Fill{
		OrderID: sellID, Side: domain.SideAsk, Price: d("102"), Quantity: d("1"),
		Maker: false, Fee: d("5"), FeeAsset: "SOL", Timestamp: time.Now(),
	})

	buys := venue.placedAt(domain.SideBid, "100")
	require.Len(t, buys, 1)
	// SOL 手续费不减少所得：102*0.999/100 = 1.01898 -> 1.01，而不是 (102-5)/100 -> 0.97
	require.True(t, buys[0].Quantity.Equal(d("1.01")),
		"买入数量 = %s，期望 1.01", buys[0].Quantity)
}

// 重放历史成交恢复价位状态与依赖
func TestReplayRestoresLevelStatus(t *testing.T) {
	venue := newFakeVenue()
	stream := newFakeStream("100")
	store := newFakeStore()
	store.trades = append(store.trades, domain.Trade{
		OrderID: "hist-1", Symbol: "SOL_USDC", Side: domain.SideBid,
		Quantity: d("1"), Price: d("98"), TradeType: "grid_buy",
		Timestamp: time.Now().Add(-time.Hour),
	})

	eng, err := New(context.Background(), testConfig(), venue, store, func() StreamClient { return stream })
	require.NoError(t, err, "创建引擎失败")
	t.Cleanup(eng.Stop)
	require.NoError(t, eng.InitializeGrid(context.Background()))

	require.Equal(t, 1, eng.DependencyCount(), "历史买入应重建 98->100 依赖")
	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Equal(t, domain.LevelBuyFilled, eng.levelStatus[9800], "98 价位应标记为已买入")
	require.Equal(t, domain.LevelSellPlaced, eng.levelStatus[10000], "100 价位应标记为已挂卖单")
}

// 可信手续费直接用于扣减卖出数量
func TestBuyFillUsesPlausibleFee(t *testing.T) {
	eng, venue, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.InitializeGrid(context.Background()))

	orderID, _ := findOrder(eng, domain.SideBid, "96")
	venue.removeOpen(orderID)
	eng.HandleFill(domain.Fill{
		OrderID: orderID, Side: domain.SideBid, Price: d("96"), Quantity: d("1"),
		Maker: true, Fee: d("0.001"), FeeAsset: "SOL", Timestamp: time.Now(),
	})

	sells := venue.placedAt(domain.SideAsk, "98")
	require.Len(t, sells, 1)
	// 1 - 0.001 = 0.999 -> 向下取整到 0.99
	require.True(t, sells[0].Quantity.Equal(d("0.99")),
		"卖出数量 = %s，期望 0.99", sells[0].Quantity)
}

// 配置校验
func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	bad := testConfig()
	bad.GridNum = 0
	require.Error(t, bad.Validate(), "网格数为 0 应校验失败")

	bad = testConfig()
	bad.UpperPrice = d("80")
	require.Error(t, bad.Validate(), "上界低于下界应校验失败")

	auto := Config{Symbol: "SOL_USDC", GridNum: 10, AutoPriceRange: true}
	auto.ApplyDefaults()
	require.NoError(t, auto.Validate(), "自动区间模式无需显式边界")
	require.True(t, auto.FeeFallbackMultiplier.Equal(d("0.999")))
	require.Equal(t, 5*time.Minute, auto.ReportInterval)
}
