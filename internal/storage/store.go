// Package storage 基于 sqlite 的持久化层：成交记录与交易统计。
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
)

var log = logrus.WithField("component", "storage")

const schema = `
CREATE TABLE IF NOT EXISTS completed_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT NOT NULL,
    maker INTEGER NOT NULL DEFAULT 0,
    fee TEXT NOT NULL DEFAULT '0',
    fee_asset TEXT NOT NULL DEFAULT '',
    trade_type TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completed_orders_symbol_ts
    ON completed_orders (symbol, timestamp);

CREATE TABLE IF NOT EXISTS trading_stats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    date TEXT NOT NULL,
    symbol TEXT NOT NULL,
    maker_buy_volume TEXT NOT NULL DEFAULT '0',
    maker_sell_volume TEXT NOT NULL DEFAULT '0',
    taker_buy_volume TEXT NOT NULL DEFAULT '0',
    taker_sell_volume TEXT NOT NULL DEFAULT '0',
    realized_profit TEXT NOT NULL DEFAULT '0',
    total_fees TEXT NOT NULL DEFAULT '0',
    net_profit TEXT NOT NULL DEFAULT '0',
    avg_spread TEXT NOT NULL DEFAULT '0',
    trade_count INTEGER NOT NULL DEFAULT 0,
    volatility TEXT NOT NULL DEFAULT '0',
    UNIQUE (date, symbol)
);
`

// Store sqlite 持久化
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并执行迁移
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite 写入需要串行化
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置 WAL 失败: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("执行迁移失败: %w", err)
	}

	log.Infof("数据库已就绪: %s", path)
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTrade 写入一笔成交
func (s *Store) InsertTrade(ctx context.Context, t domain.Trade) error {
	maker := 0
	if t.Maker {
		maker = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_orders
		    (order_id, symbol, side, quantity, price, maker, fee, fee_asset, trade_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.Symbol, string(t.Side), t.Quantity.String(), t.Price.String(),
		maker, t.Fee.String(), t.FeeAsset, t.TradeType, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("写入成交记录失败: %w", err)
	}
	return nil
}

// GetOrderHistory 按时间升序返回某交易对的成交历史（limit<=0 时不限制）
func (s *Store) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	query := `
		SELECT order_id, symbol, side, quantity, price, maker, fee, fee_asset, trade_type, timestamp
		FROM completed_orders WHERE symbol = ? ORDER BY timestamp ASC`
	args := []any{symbol}
	if limit > 0 {
		// 取最近 limit 条但保持升序
		query = `
			SELECT order_id, symbol, side, quantity, price, maker, fee, fee_asset, trade_type, timestamp
			FROM (
			    SELECT * FROM completed_orders WHERE symbol = ?
			    ORDER BY timestamp DESC LIMIT ?
			) ORDER BY timestamp ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询成交历史失败: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t          domain.Trade
			side       string
			qty, price string
			maker      int
			fee        string
			ts         time.Time
		)
		if err := rows.Scan(&t.OrderID, &t.Symbol, &side, &qty, &price, &maker,
			&fee, &t.FeeAsset, &t.TradeType, &ts); err != nil {
			return nil, fmt.Errorf("读取成交记录失败: %w", err)
		}
		t.Side = domain.Side(side)
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("解析数量失败: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("解析价格失败: %w", err)
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("解析手续费失败: %w", err)
		}
		t.Maker = maker != 0
		t.Timestamp = ts
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertDailyStats 累加当日统计（不存在则创建）
func (s *Store) UpsertDailyStats(ctx context.Context, st domain.DailyStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_stats
		    (date, symbol, maker_buy_volume, maker_sell_volume, taker_buy_volume,
		     taker_sell_volume, realized_profit, total_fees, net_profit, avg_spread,
		     trade_count, volatility)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date, symbol) DO UPDATE SET
		    maker_buy_volume = excluded.maker_buy_volume,
		    maker_sell_volume = excluded.maker_sell_volume,
		    taker_buy_volume = excluded.taker_buy_volume,
		    taker_sell_volume = excluded.taker_sell_volume,
		    realized_profit = excluded.realized_profit,
		    total_fees = excluded.total_fees,
		    net_profit = excluded.net_profit,
		    avg_spread = excluded.avg_spread,
		    trade_count = excluded.trade_count,
		    volatility = excluded.volatility`,
		st.Date, st.Symbol,
		st.MakerBuyVolume.String(), st.MakerSellVolume.String(),
		st.TakerBuyVolume.String(), st.TakerSellVolume.String(),
		st.RealizedProfit.String(), st.TotalFees.String(), st.NetProfit.String(),
		st.AvgSpread.String(), st.TradeCount, st.Volatility.String())
	if err != nil {
		return fmt.Errorf("写入每日统计失败: %w", err)
	}
	return nil
}

// GetDailyStats 读取某日统计；不存在时返回 (zero, false, nil)
func (s *Store) GetDailyStats(ctx context.Context, date, symbol string) (domain.DailyStats, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT date, symbol, maker_buy_volume, maker_sell_volume, taker_buy_volume,
		       taker_sell_volume, realized_profit, total_fees, net_profit, avg_spread,
		       trade_count, volatility
		FROM trading_stats WHERE date = ? AND symbol = ?`, date, symbol)

	st, err := scanDailyStats(row)
	if err == sql.ErrNoRows {
		return domain.DailyStats{}, false, nil
	}
	if err != nil {
		return domain.DailyStats{}, false, err
	}
	return st, true, nil
}

// ListDailyStats 按日期降序返回最近 limit 天的统计
func (s *Store) ListDailyStats(ctx context.Context, symbol string, limit int) ([]domain.DailyStats, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, symbol, maker_buy_volume, maker_sell_volume, taker_buy_volume,
		       taker_sell_volume, realized_profit, total_fees, net_profit, avg_spread,
		       trade_count, volatility
		FROM trading_stats WHERE symbol = ? ORDER BY date DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("查询每日统计失败: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyStats
	for rows.Next() {
		st, err := scanDailyStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDailyStats(row rowScanner) (domain.DailyStats, error) {
	var (
		st     domain.DailyStats
		fields [9]string
	)
	err := row.Scan(&st.Date, &st.Symbol, &fields[0], &fields[1], &fields[2],
		&fields[3], &fields[4], &fields[5], &fields[6], &fields[7],
		&st.TradeCount, &fields[8])
	if err != nil {
		return domain.DailyStats{}, err
	}

	dst := []*decimal.Decimal{
		&st.MakerBuyVolume, &st.MakerSellVolume, &st.TakerBuyVolume,
		&st.TakerSellVolume, &st.RealizedProfit, &st.TotalFees,
		&st.NetProfit, &st.AvgSpread, &st.Volatility,
	}
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return domain.DailyStats{}, fmt.Errorf("解析统计字段失败: %w", err)
		}
		*dst[i] = v
	}
	return st, nil
}

// GetAllTimeStats 汇总全部历史统计
func (s *Store) GetAllTimeStats(ctx context.Context, symbol string) (domain.AllTimeStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
		    COALESCE(SUM(CAST(maker_buy_volume AS REAL) + CAST(taker_buy_volume AS REAL)), 0),
		    COALESCE(SUM(CAST(maker_sell_volume AS REAL) + CAST(taker_sell_volume AS REAL)), 0),
		    COALESCE(SUM(CAST(realized_profit AS REAL)), 0),
		    COALESCE(SUM(CAST(total_fees AS REAL)), 0),
		    COALESCE(SUM(CAST(net_profit AS REAL)), 0),
		    COALESCE(SUM(trade_count), 0)
		FROM trading_stats WHERE symbol = ?`, symbol)

	var bought, sold, profit, fees, net float64
	var count int64
	if err := row.Scan(&bought, &sold, &profit, &fees, &net, &count); err != nil {
		return domain.AllTimeStats{}, fmt.Errorf("汇总统计失败: %w", err)
	}
	return domain.AllTimeStats{
		TotalBought:    decimal.NewFromFloat(bought),
		TotalSold:      decimal.NewFromFloat(sold),
		RealizedProfit: decimal.NewFromFloat(profit),
		TotalFees:      decimal.NewFromFloat(fees),
		NetProfit:      decimal.NewFromFloat(net),
		TradeCount:     count,
	}, nil
}

// GetRecentTrades 按时间降序返回最近 limit 条成交
func (s *Store) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 20
	}
	trades, err := s.GetOrderHistory(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	// GetOrderHistory 返回升序；这里反转为最近在前
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}
