// Package domain 定义网格交易的核心类型与纯函数：
// 订单/成交模型、网格几何、FIFO 利润匹配。
// 价格在比较与索引时一律使用 tick 计数（int64），不用浮点 key。
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向（与交易所一致：Bid 买 / Ask 卖）
type Side string

const (
	SideBid Side = "Bid"
	SideAsk Side = "Ask"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Order 本地跟踪的挂单。
// 订单按 ID 索引，是唯一的真实来源；按价格的分组由引擎派生，不单独维护。
type Order struct {
	ID         string
	ClientID   string
	Side       Side
	PriceTicks int64
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	CreatedAt  time.Time
}

// Fill 私有流推送的成交事件（已在 exchange 层归一化）
type Fill struct {
	OrderID   string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Maker     bool
	Fee       decimal.Decimal
	FeeAsset  string
	Timestamp time.Time
}

// Trade 持久化的成交记录
type Trade struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Maker     bool
	Fee       decimal.Decimal
	FeeAsset  string
	TradeType string // entry / grid_buy / grid_sell
	Timestamp time.Time
}

// MarketLimits 交易对的量化规则
type MarketLimits struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	TickSize       decimal.Decimal
	MinOrderSize   decimal.Decimal
	BasePrecision  int32
	QuotePrecision int32
}

// Balance 账户某资产余额
type Balance struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Total 可用 + 冻结
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// OpenOrder 交易所返回的挂单视图
type OpenOrder struct {
	ID       string
	ClientID string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// LevelStatus 网格价位的状态机
type LevelStatus int

const (
	LevelUnset LevelStatus = iota
	LevelBuyPlaced
	LevelBuyFilled
	LevelSellPlaced
	LevelSellFilled
)

func (s LevelStatus) String() string {
	switch s {
	case LevelBuyPlaced:
		return "buy_placed"
	case LevelBuyFilled:
		return "buy_filled"
	case LevelSellPlaced:
		return "sell_placed"
	case LevelSellFilled:
		return "sell_filled"
	default:
		return "unset"
	}
}

// DailyStats 每日交易统计（对应 trading_stats 表的一行）
type DailyStats struct {
	Date            string
	Symbol          string
	MakerBuyVolume  decimal.Decimal
	MakerSellVolume decimal.Decimal
	TakerBuyVolume  decimal.Decimal
	TakerSellVolume decimal.Decimal
	RealizedProfit  decimal.Decimal
	TotalFees       decimal.Decimal
	NetProfit       decimal.Decimal
	AvgSpread       decimal.Decimal
	TradeCount      int64
	Volatility      decimal.Decimal
}

// AllTimeStats 汇总统计
type AllTimeStats struct {
	TotalBought    decimal.Decimal
	TotalSold      decimal.Decimal
	RealizedProfit decimal.Decimal
	TotalFees      decimal.Decimal
	NetProfit      decimal.Decimal
	TradeCount     int64
}
