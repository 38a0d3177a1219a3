// Package exchange 封装 Backpack 交易所的 REST 与 WebSocket 访问。
// 所有响应在本包内归一化为 domain 类型；引擎层不接触原始 JSON 形状。
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
)

var log = logrus.WithField("component", "exchange")

const (
	defaultBaseURL = "https://api.backpack.exchange"
	defaultWindow  = 5000
)

// 签名指令名（与服务端约定一致）
const (
	instructionBalanceQuery   = "balanceQuery"
	instructionOrderExecute   = "orderExecute"
	instructionOrderCancel    = "orderCancel"
	instructionOrderCancelAll = "orderCancelAll"
	instructionOrderQueryAll  = "orderQueryAll"
	instructionFillHistory    = "fillHistoryQueryAll"
)

// PlaceOrderRequest 下单参数
type PlaceOrderRequest struct {
	Symbol   string
	Side     domain.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	PostOnly bool
}

// Client Backpack REST 客户端
type Client struct {
	http   *resty.Client
	signer *Signer
	window int64
}

// NewClient 创建 REST 客户端；signer 为 nil 时只能访问公共接口
func NewClient(baseURL string, signer *Signer) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先使用 Retry-After 头
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{
		http:   http,
		signer: signer,
		window: defaultWindow,
	}
}

func (c *Client) signedRequest(ctx context.Context, instruction string, params map[string]string) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if c.signer == nil {
		return r
	}
	timestamp := time.Now().UnixMilli()
	signature := c.signer.Sign(instruction, params, timestamp, c.window)
	r.SetHeader("X-API-KEY", c.signer.APIKey())
	r.SetHeader("X-SIGNATURE", signature)
	r.SetHeader("X-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	r.SetHeader("X-WINDOW", strconv.FormatInt(c.window, 10))
	return r
}

func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return errors.Wrap(err, op)
	}
	if resp.IsError() {
		return errors.Errorf("%s: http %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetTicker 获取行情快照
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw tickerResponse
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/api/v1/ticker")
	if err := checkResponse(resp, err, "获取行情"); err != nil {
		return Ticker{}, err
	}

	last, err := parseDecimal("lastPrice", raw.LastPrice)
	if err != nil {
		return Ticker{}, err
	}
	volume, err := parseDecimal("volume", raw.Volume)
	if err != nil {
		return Ticker{}, err
	}
	return Ticker{Symbol: raw.Symbol, LastPrice: last, Volume: volume}, nil
}

// GetOrderBook 获取订单簿快照（bids 降序 / asks 升序）
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	var raw depthResponse
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/api/v1/depth")
	if err := checkResponse(resp, err, "获取订单簿"); err != nil {
		return OrderBook{}, err
	}

	book := OrderBook{}
	parseLevels := func(rows [][]string) ([][2]decimal.Decimal, error) {
		out := make([][2]decimal.Decimal, 0, len(rows))
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			price, err := parseDecimal("price", row[0])
			if err != nil {
				return nil, err
			}
			qty, err := parseDecimal("quantity", row[1])
			if err != nil {
				return nil, err
			}
			out = append(out, [2]decimal.Decimal{price, qty})
		}
		return out, nil
	}
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return OrderBook{}, err
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return OrderBook{}, err
	}

	// 服务端返回顺序不保证；按约定排序
	sortLevels(book.Bids, true)
	sortLevels(book.Asks, false)
	if limit > 0 {
		if len(book.Bids) > limit {
			book.Bids = book.Bids[:limit]
		}
		if len(book.Asks) > limit {
			book.Asks = book.Asks[:limit]
		}
	}
	return book, nil
}

func sortLevels(levels [][2]decimal.Decimal, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i][0].GreaterThan(levels[j][0])
		}
		return levels[i][0].LessThan(levels[j][0])
	})
}

// GetMarketLimits 获取交易对的量化规则（tick、最小下单量、精度）
func (c *Client) GetMarketLimits(ctx context.Context, symbol string) (domain.MarketLimits, error) {
	var raw []marketResponse
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&raw).
		Get("/api/v1/markets")
	if err := checkResponse(resp, err, "获取交易对信息"); err != nil {
		return domain.MarketLimits{}, err
	}

	for _, m := range raw {
		if m.Symbol == symbol {
			return m.toLimits()
		}
	}
	return domain.MarketLimits{}, errors.Errorf("交易对不存在: %s", symbol)
}

// GetKlines 获取 K 线
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	start := time.Now().Add(-time.Duration(limit) * intervalDuration(interval)).Unix()
	var raw []klineResponse
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"interval":  interval,
			"startTime": strconv.FormatInt(start, 10),
		}).
		SetResult(&raw).
		Get("/api/v1/klines")
	if err := checkResponse(resp, err, "获取K线"); err != nil {
		return nil, err
	}

	out := make([]Kline, 0, len(raw))
	for _, k := range raw {
		open, err := parseDecimal("open", k.Open)
		if err != nil {
			return nil, err
		}
		high, err := parseDecimal("high", k.High)
		if err != nil {
			return nil, err
		}
		low, err := parseDecimal("low", k.Low)
		if err != nil {
			return nil, err
		}
		closeP, err := parseDecimal("close", k.Close)
		if err != nil {
			return nil, err
		}
		volume, err := parseDecimal("volume", k.Volume)
		if err != nil {
			return nil, err
		}
		ts, _ := time.Parse("2006-01-02 15:04:05", k.Start)
		out = append(out, Kline{Start: ts, Open: open, High: high, Low: low, Close: closeP, Volume: volume})
	}
	return out, nil
}

func intervalDuration(interval string) time.Duration {
	if d, err := time.ParseDuration(interval); err == nil {
		return d
	}
	switch interval {
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// GetBalances 获取账户余额
func (c *Client) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	params := map[string]string{}
	var raw map[string]balanceEntry
	resp, err := c.signedRequest(ctx, instructionBalanceQuery, params).
		SetResult(&raw).
		Get("/api/v1/capital")
	if err := checkResponse(resp, err, "获取余额"); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Balance, len(raw))
	for asset, entry := range raw {
		available, err := parseDecimal("available", entry.Available)
		if err != nil {
			return nil, err
		}
		locked, err := parseDecimal("locked", entry.Locked)
		if err != nil {
			return nil, err
		}
		out[asset] = domain.Balance{Available: available, Locked: locked}
	}
	return out, nil
}

// PlaceOrder 下限价单；返回归一化的挂单视图
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (domain.OpenOrder, error) {
	clientID := uuid.New().String()
	params := map[string]string{
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Limit",
		"price":       req.Price.String(),
		"quantity":    req.Quantity.String(),
		"timeInForce": "GTC",
	}
	if req.PostOnly {
		params["postOnly"] = "true"
	}

	body := map[string]any{
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Limit",
		"price":       req.Price.String(),
		"quantity":    req.Quantity.String(),
		"timeInForce": "GTC",
	}
	if req.PostOnly {
		body["postOnly"] = true
	}

	var raw orderResponse
	resp, err := c.signedRequest(ctx, instructionOrderExecute, params).
		SetBody(body).
		SetResult(&raw).
		Post("/api/v1/order")
	if err := checkResponse(resp, err, "下单"); err != nil {
		return domain.OpenOrder{}, err
	}

	order, err := raw.toOpenOrder()
	if err != nil {
		return domain.OpenOrder{}, err
	}
	if order.ClientID == "" || order.ClientID == "<nil>" {
		order.ClientID = clientID
	}
	log.Debugf("下单成功: %s %s %s@%s id=%s", req.Symbol, req.Side, req.Quantity, req.Price, order.ID)
	return order, nil
}

// CancelOrder 撤销单个订单
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	resp, err := c.signedRequest(ctx, instructionOrderCancel, params).
		SetBody(map[string]string{"symbol": symbol, "orderId": orderID}).
		Delete("/api/v1/order")
	return checkResponse(resp, err, fmt.Sprintf("撤单 %s", orderID))
}

// CancelAll 撤销交易对的全部挂单
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	resp, err := c.signedRequest(ctx, instructionOrderCancelAll, params).
		SetBody(map[string]string{"symbol": symbol}).
		Delete("/api/v1/orders")
	return checkResponse(resp, err, "撤销全部挂单")
}

// ListOpenOrders 列出当前挂单
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := map[string]string{"symbol": symbol}
	var raw []orderResponse
	resp, err := c.signedRequest(ctx, instructionOrderQueryAll, params).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/api/v1/orders")
	if err := checkResponse(resp, err, "获取挂单列表"); err != nil {
		return nil, err
	}

	out := make([]domain.OpenOrder, 0, len(raw))
	for _, r := range raw {
		order, err := r.toOpenOrder()
		if err != nil {
			log.Warnf("跳过无法解析的挂单 %s: %v", r.ID, err)
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

// GetFillHistory 获取成交历史（升序返回）
func (c *Client) GetFillHistory(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	var raw []fillRecord
	resp, err := c.signedRequest(ctx, instructionFillHistory, params).
		SetQueryParams(params).
		SetResult(&raw).
		Get("/wapi/v1/history/fills")
	if err := checkResponse(resp, err, "获取成交历史"); err != nil {
		return nil, err
	}

	out := make([]domain.Trade, 0, len(raw))
	for _, r := range raw {
		trade, err := r.toTrade()
		if err != nil {
			log.Warnf("跳过无法解析的成交 %s: %v", r.OrderID, err)
			continue
		}
		out = append(out, trade)
	}
	// 服务端按时间降序返回；统一转为升序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
