package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "打开测试数据库失败")
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndQueryTrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		{OrderID: "1", Symbol: "SOL_USDC", Side: domain.SideBid, Quantity: decimal.NewFromInt(1),
			Price: decimal.NewFromInt(100), Maker: true, Fee: decimal.NewFromFloat(0.1),
			FeeAsset: "SOL", TradeType: "grid_buy", Timestamp: base},
		{OrderID: "2", Symbol: "SOL_USDC", Side: domain.SideAsk, Quantity: decimal.NewFromInt(1),
			Price: decimal.NewFromInt(102), Maker: false, Fee: decimal.NewFromFloat(0.102),
			FeeAsset: "USDC", TradeType: "grid_sell", Timestamp: base.Add(time.Minute)},
	}
	for _, tr := range trades {
		require.NoError(t, store.InsertTrade(ctx, tr), "写入成交失败")
	}

	// 升序历史
	history, err := store.GetOrderHistory(ctx, "SOL_USDC", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "1", history[0].OrderID, "历史应按时间升序")
	require.Equal(t, domain.SideBid, history[0].Side)
	require.True(t, history[0].Price.Equal(decimal.NewFromInt(100)))
	require.True(t, history[0].Maker)
	require.False(t, history[1].Maker)

	// limit 只取最近的，仍保持升序
	limited, err := store.GetOrderHistory(ctx, "SOL_USDC", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "2", limited[0].OrderID)

	// 最近成交：降序
	recent, err := store.GetRecentTrades(ctx, "SOL_USDC", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "2", recent[0].OrderID, "最近成交应排在前面")

	// 其他交易对不受影响
	other, err := store.GetOrderHistory(ctx, "BTC_USDC", 0)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestDailyStatsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := domain.DailyStats{
		Date:            "2026-08-01",
		Symbol:          "SOL_USDC",
		MakerBuyVolume:  decimal.NewFromInt(100),
		MakerSellVolume: decimal.NewFromInt(90),
		TakerBuyVolume:  decimal.NewFromInt(10),
		TakerSellVolume: decimal.NewFromInt(5),
		RealizedProfit:  decimal.NewFromInt(3),
		TotalFees:       decimal.NewFromInt(1),
		NetProfit:       decimal.NewFromInt(2),
		AvgSpread:       decimal.NewFromFloat(0.02),
		TradeCount:      12,
		Volatility:      decimal.NewFromFloat(1.5),
	}
	require.NoError(t, store.UpsertDailyStats(ctx, st))

	got, found, err := store.GetDailyStats(ctx, "2026-08-01", "SOL_USDC")
	require.NoError(t, err)
	require.True(t, found, "写入后应能读到当日统计")
	require.True(t, got.RealizedProfit.Equal(decimal.NewFromInt(3)))
	require.Equal(t, int64(12), got.TradeCount)

	// 同一天再次写入应覆盖而不是新增
	st.RealizedProfit = decimal.NewFromInt(5)
	st.TradeCount = 20
	require.NoError(t, store.UpsertDailyStats(ctx, st))

	got, found, err = store.GetDailyStats(ctx, "2026-08-01", "SOL_USDC")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.RealizedProfit.Equal(decimal.NewFromInt(5)))
	require.Equal(t, int64(20), got.TradeCount)

	_, found, err = store.GetDailyStats(ctx, "2026-08-02", "SOL_USDC")
	require.NoError(t, err)
	require.False(t, found, "不存在的日期不应返回统计")
}

func TestAllTimeStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	days := []domain.DailyStats{
		{Date: "2026-08-01", Symbol: "SOL_USDC",
			MakerBuyVolume: decimal.NewFromInt(100), TakerBuyVolume: decimal.NewFromInt(10),
			MakerSellVolume: decimal.NewFromInt(80), TakerSellVolume: decimal.NewFromInt(5),
			RealizedProfit: decimal.NewFromInt(3), TotalFees: decimal.NewFromInt(1),
			NetProfit: decimal.NewFromInt(2), AvgSpread: decimal.Zero,
			TradeCount: 10, Volatility: decimal.Zero},
		{Date: "2026-08-02", Symbol: "SOL_USDC",
			MakerBuyVolume: decimal.NewFromInt(50), TakerBuyVolume: decimal.Zero,
			MakerSellVolume: decimal.NewFromInt(60), TakerSellVolume: decimal.Zero,
			RealizedProfit: decimal.NewFromInt(4), TotalFees: decimal.NewFromInt(2),
			NetProfit: decimal.NewFromInt(2), AvgSpread: decimal.Zero,
			TradeCount: 8, Volatility: decimal.Zero},
	}
	for _, d := range days {
		require.NoError(t, store.UpsertDailyStats(ctx, d))
	}

	all, err := store.GetAllTimeStats(ctx, "SOL_USDC")
	require.NoError(t, err)
	require.True(t, all.TotalBought.Equal(decimal.NewFromInt(160)), "累计买入量 = %s", all.TotalBought)
	require.True(t, all.TotalSold.Equal(decimal.NewFromInt(145)), "累计卖出量 = %s", all.TotalSold)
	require.True(t, all.RealizedProfit.Equal(decimal.NewFromInt(7)))
	require.Equal(t, int64(18), all.TradeCount)

	list, err := store.ListDailyStats(ctx, "SOL_USDC", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "2026-08-02", list[0].Date, "每日统计应按日期降序")
}
