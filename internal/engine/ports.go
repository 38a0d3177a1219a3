package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/internal/exchange"
)

// VenueClient 引擎消费的交易所 REST 能力
type VenueClient interface {
	GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	GetMarketLimits(ctx context.Context, symbol string) (domain.MarketLimits, error)
	GetBalances(ctx context.Context) (map[string]domain.Balance, error)
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (domain.OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error)
	GetFillHistory(ctx context.Context, symbol string, limit int) ([]domain.Trade, error)
}

// StreamClient 引擎消费的行情/私有流能力
type StreamClient interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	OnFill(handler exchange.FillHandler)
	SubscribeDepth() error
	SubscribeBookTicker() error
	SubscribePrivate() error
	HasSubscription(stream string) bool
	CurrentPrice() decimal.Decimal
	BidAsk() (bid, ask decimal.Decimal)
	Volatility(window int) float64
	GetLiquidityProfile(depthPct decimal.Decimal) (exchange.LiquidityProfile, bool)
}

// StreamFactory 重建数据流；重连时引擎整体替换 stream 实例
type StreamFactory func() StreamClient

// StatsStore 引擎消费的持久化能力
type StatsStore interface {
	InsertTrade(ctx context.Context, t domain.Trade) error
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]domain.Trade, error)
	UpsertDailyStats(ctx context.Context, st domain.DailyStats) error
	GetDailyStats(ctx context.Context, date, symbol string) (domain.DailyStats, bool, error)
	GetAllTimeStats(ctx context.Context, symbol string) (domain.AllTimeStats, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error)
}
