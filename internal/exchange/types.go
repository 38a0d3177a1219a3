package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
)

// 交易所原始响应结构。所有字段在本包边界处归一化为 domain 类型，
// 原始形状不允许泄漏到引擎层。

type tickerResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	High               string `json:"high"`
	Low                string `json:"low"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type marketResponse struct {
	Symbol      string `json:"symbol"`
	BaseSymbol  string `json:"baseSymbol"`
	QuoteSymbol string `json:"quoteSymbol"`
	Filters     struct {
		Price struct {
			TickSize string `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			MinQuantity string `json:"minQuantity"`
			StepSize    string `json:"stepSize"`
		} `json:"quantity"`
	} `json:"filters"`
}

type orderResponse struct {
	ID            string `json:"id"`
	ClientID      any    `json:"clientId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	ExecutedQty   string `json:"executedQuantity"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	TimeInForce   string `json:"timeInForce"`
	SelfTradePrev string `json:"selfTradePrevention"`
}

type balanceEntry struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Staked    string `json:"staked"`
}

type fillRecord struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Fee       string `json:"fee"`
	FeeSymbol string `json:"feeSymbol"`
	IsMaker   bool   `json:"isMaker"`
	Timestamp string `json:"timestamp"`
}

// Kline K 线（归一化后）
type Kline struct {
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

type klineResponse struct {
	Start  string `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// Ticker 归一化的行情快照
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Volume    decimal.Decimal
}

// OrderBook 归一化的订单簿快照（bids 降序 / asks 升序）
type OrderBook struct {
	Bids [][2]decimal.Decimal
	Asks [][2]decimal.Decimal
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("解析 %s=%q 失败: %w", field, s, err)
	}
	return v, nil
}

func parseSide(s string) (domain.Side, error) {
	switch s {
	case "Bid":
		return domain.SideBid, nil
	case "Ask":
		return domain.SideAsk, nil
	default:
		return "", fmt.Errorf("未知的订单方向: %q", s)
	}
}

func (r orderResponse) toOpenOrder() (domain.OpenOrder, error) {
	side, err := parseSide(r.Side)
	if err != nil {
		return domain.OpenOrder{}, err
	}
	price, err := parseDecimal("price", r.Price)
	if err != nil {
		return domain.OpenOrder{}, err
	}
	qty, err := parseDecimal("quantity", r.Quantity)
	if err != nil {
		return domain.OpenOrder{}, err
	}
	return domain.OpenOrder{
		ID:       r.ID,
		ClientID: fmt.Sprint(r.ClientID),
		Side:     side,
		Price:    price,
		Quantity: qty,
	}, nil
}

func (r fillRecord) toTrade() (domain.Trade, error) {
	side, err := parseSide(r.Side)
	if err != nil {
		return domain.Trade{}, err
	}
	price, err := parseDecimal("price", r.Price)
	if err != nil {
		return domain.Trade{}, err
	}
	qty, err := parseDecimal("quantity", r.Quantity)
	if err != nil {
		return domain.Trade{}, err
	}
	fee, err := parseDecimal("fee", r.Fee)
	if err != nil {
		return domain.Trade{}, err
	}
	ts, _ := time.Parse(time.RFC3339, r.Timestamp)
	return domain.Trade{
		OrderID:   r.OrderID,
		Symbol:    r.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Maker:     r.IsMaker,
		Fee:       fee,
		FeeAsset:  r.FeeSymbol,
		Timestamp: ts,
	}, nil
}

func (r marketResponse) toLimits() (domain.MarketLimits, error) {
	tick, err := parseDecimal("tickSize", r.Filters.Price.TickSize)
	if err != nil {
		return domain.MarketLimits{}, err
	}
	minQty, err := parseDecimal("minQuantity", r.Filters.Quantity.MinQuantity)
	if err != nil {
		return domain.MarketLimits{}, err
	}
	step, err := parseDecimal("stepSize", r.Filters.Quantity.StepSize)
	if err != nil {
		return domain.MarketLimits{}, err
	}
	if tick.IsZero() {
		return domain.MarketLimits{}, fmt.Errorf("交易对 %s 缺少 tickSize", r.Symbol)
	}
	return domain.MarketLimits{
		Symbol:         r.Symbol,
		BaseAsset:      r.BaseSymbol,
		QuoteAsset:     r.QuoteSymbol,
		TickSize:       tick,
		MinOrderSize:   minQty,
		BasePrecision:  -step.Exponent(),
		QuotePrecision: -tick.Exponent(),
	}, nil
}
