package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yanowo/Backpack-Grid-Trading/internal/domain"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/sigchan"
)

var streamLog = logrus.WithField("component", "ws")

const (
	defaultWSURL         = "wss://ws.backpack.exchange"
	pingInterval         = 30 * time.Second
	readTimeout          = 60 * time.Second
	writeTimeout         = 10 * time.Second
	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxDelay    = 30 * time.Second
	maxReconnectAttempts = 10
	maxPriceHistory      = 100
)

// FillHandler 成交事件回调；由读 goroutine 同步调用
type FillHandler func(domain.Fill)

// LiquidityProfile 订单簿两侧在中间价附近的流动性概况
type LiquidityProfile struct {
	BidVolume decimal.Decimal
	AskVolume decimal.Decimal
	Imbalance decimal.Decimal // (bid-ask)/(bid+ask)
	MidPrice  decimal.Decimal
}

// Stream Backpack WebSocket 数据流。
// 维护订单簿快照 + 增量、最优买卖价、价格历史，并把私有成交事件分发给回调。
type Stream struct {
	symbol   string
	wsURL    string
	signer   *Signer
	rest     *Client
	proxyURL string
	window   int64

	// 连接管理
	conn       *websocket.Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	connMu     sync.Mutex
	connected  bool

	// 重连管理
	reconnectC *sigchan.Chan
	closeC     chan struct{}
	closeOnce  sync.Once
	attempts   int

	wg     sync.WaitGroup
	connWg sync.WaitGroup

	// 已订阅频道（重连后重放）
	subMu sync.Mutex
	subs  map[string]bool

	// 行情状态
	stateMu   sync.RWMutex
	bids      [][2]decimal.Decimal // 降序
	asks      [][2]decimal.Decimal // 升序
	bidPrice  decimal.Decimal
	askPrice  decimal.Decimal
	lastPrice decimal.Decimal
	history   []float64

	// 心跳
	pongMu   sync.Mutex
	lastPong time.Time

	handlerMu   sync.RWMutex
	fillHandler FillHandler
}

// StreamOptions Stream 可选参数
type StreamOptions struct {
	WSURL    string
	ProxyURL string
}

// NewStream 创建数据流；rest 用于初始化订单簿快照
func NewStream(symbol string, signer *Signer, rest *Client, opts StreamOptions) *Stream {
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &Stream{
		symbol:     symbol,
		wsURL:      wsURL,
		signer:     signer,
		rest:       rest,
		proxyURL:   opts.ProxyURL,
		window:     defaultWindow,
		reconnectC: sigchan.New(1),
		closeC:     make(chan struct{}),
		subs:       make(map[string]bool),
		lastPong:   time.Now(),
	}
}

// OnFill 注册成交回调
func (s *Stream) OnFill(handler FillHandler) {
	s.handlerMu.Lock()
	s.fillHandler = handler
	s.handlerMu.Unlock()
}

// Connect 建立连接并启动重连器
func (s *Stream) Connect(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconnector(ctx)
	}()
	return s.dialAndConnect(ctx)
}

func (s *Stream) dialAndConnect(ctx context.Context) error {
	select {
	case <-s.closeC:
		return fmt.Errorf("数据流已关闭，取消连接")
	default:
	}

	conn, err := s.dial()
	if err != nil {
		return err
	}

	connCtx := s.setConn(ctx, conn)

	// 等待旧连接的 goroutine 退出，避免多个读循环并存
	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		streamLog.Debugf("等待旧连接 goroutine 退出超时，继续启动新连接")
	}

	s.connWg.Add(2)
	go func() {
		defer s.connWg.Done()
		s.readLoop(connCtx, conn)
	}()
	go func() {
		defer s.connWg.Done()
		s.pingLoop(connCtx, conn)
	}()

	if err := s.InitializeOrderBook(ctx); err != nil {
		streamLog.Warnf("初始化订单簿失败: %v", err)
	}

	// 重放已有订阅；首次连接时 subs 为空，由引擎驱动订阅
	s.subMu.Lock()
	pending := make([]string, 0, len(s.subs))
	for sub := range s.subs {
		pending = append(pending, sub)
	}
	s.subMu.Unlock()
	for _, sub := range pending {
		if err := s.subscribe(sub); err != nil {
			streamLog.Warnf("重放订阅失败 %s: %v", sub, err)
		}
	}

	s.connMu.Lock()
	s.connected = true
	s.attempts = 0
	s.connMu.Unlock()
	streamLog.Infof("WebSocket 已连接: %s", s.symbol)
	return nil
}

func (s *Stream) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	if s.proxyURL != "" {
		if proxyURL, err := url.Parse(s.proxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
			streamLog.Infof("使用代理连接 WebSocket: %s", s.proxyURL)
		}
	}

	conn, _, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket 拨号失败: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(readTimeout * 2))
	})
	return conn, nil
}

func (s *Stream) setConn(ctx context.Context, conn *websocket.Conn) context.Context {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.connCancel != nil {
		s.connCancel()
	}
	connCtx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.connCtx = connCtx
	s.connCancel = cancel
	return connCtx
}

// Reconnect 触发重连（非阻塞）
func (s *Stream) Reconnect() {
	s.reconnectC.Emit()
}

func (s *Stream) reconnector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-s.reconnectC.C():
			s.connMu.Lock()
			s.connected = false
			s.attempts++
			attempts := s.attempts
			s.connMu.Unlock()

			if attempts > maxReconnectAttempts {
				streamLog.Errorf("重连次数超过上限 (%d)，停止重连", maxReconnectAttempts)
				return
			}

			delay := reconnectBaseDelay * time.Duration(1<<uint(attempts-1))
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			streamLog.Warnf("第 %d 次重连，等待 %s...", attempts, delay)

			select {
			case <-s.closeC:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			if err := s.dialAndConnect(ctx); err != nil {
				streamLog.Warnf("重连失败: %v，将再次尝试", err)
				s.Reconnect()
			}
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			streamLog.Errorf("设置读取超时失败: %v", err)
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				streamLog.Debugf("WebSocket 正常关闭")
				return
			}
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.closeC:
				return
			default:
			}
			streamLog.Warnf("WebSocket 读取错误: %v，触发重连", err)
			_ = conn.Close()
			s.connMu.Lock()
			s.connected = false
			s.connMu.Unlock()
			s.Reconnect()
			return
		}

		s.handleMessage(message)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				streamLog.Warnf("发送 PING 失败: %v，触发重连", err)
				s.Reconnect()
				return
			}
		}
	}
}

// InitializeOrderBook 通过 REST 快照重建订单簿
func (s *Stream) InitializeOrderBook(ctx context.Context) error {
	if s.rest == nil {
		return fmt.Errorf("缺少 REST 客户端")
	}
	book, err := s.rest.GetOrderBook(ctx, s.symbol, 100)
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.bids = book.Bids
	s.asks = book.Asks
	if len(s.bids) > 0 {
		s.bidPrice = s.bids[0][0]
	}
	if len(s.asks) > 0 {
		s.askPrice = s.asks[0][0]
	}
	if s.bidPrice.IsPositive() && s.askPrice.IsPositive() {
		s.lastPrice = s.bidPrice.Add(s.askPrice).Div(decimal.NewFromInt(2))
		s.pushHistoryLocked(s.lastPrice)
	}
	bidCount, askCount := len(s.bids), len(s.asks)
	s.stateMu.Unlock()

	streamLog.Infof("订单簿初始化完成: %d 个买档, %d 个卖档", bidCount, askCount)
	return nil
}

func (s *Stream) pushHistoryLocked(price decimal.Decimal) {
	f, _ := price.Float64()
	s.history = append(s.history, f)
	if len(s.history) > maxPriceHistory {
		s.history = s.history[len(s.history)-maxPriceHistory:]
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("连接未建立")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// SubscribeDepth 订阅深度增量
func (s *Stream) SubscribeDepth() error {
	return s.subscribeAndRecord("depth." + s.symbol)
}

// SubscribeBookTicker 订阅最优买卖价
func (s *Stream) SubscribeBookTicker() error {
	return s.subscribeAndRecord("bookTicker." + s.symbol)
}

// SubscribePrivate 订阅私有流（订单更新）；需要签名
func (s *Stream) SubscribePrivate() error {
	return s.subscribeAndRecord("account.orderUpdate." + s.symbol)
}

// HasSubscription 检查频道是否已订阅
func (s *Stream) HasSubscription(stream string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subs[stream]
}

func (s *Stream) subscribeAndRecord(stream string) error {
	if err := s.subscribe(stream); err != nil {
		return err
	}
	s.subMu.Lock()
	s.subs[stream] = true
	s.subMu.Unlock()
	return nil
}

func (s *Stream) subscribe(stream string) error {
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{stream},
	}

	// 私有流需要附加签名数组 [apiKey, signature, timestamp, window]
	if isPrivateStream(stream) {
		if s.signer == nil {
			return fmt.Errorf("订阅私有流需要 API 密钥: %s", stream)
		}
		timestamp := time.Now().UnixMilli()
		signature := s.signer.Sign("subscribe", nil, timestamp, s.window)
		msg["signature"] = []string{
			s.signer.APIKey(),
			signature,
			strconv.FormatInt(timestamp, 10),
			strconv.FormatInt(s.window, 10),
		}
	}

	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", stream, err)
	}
	streamLog.Infof("已订阅: %s", stream)
	return nil
}

func isPrivateStream(stream string) bool {
	return len(stream) > 8 && stream[:8] == "account."
}

type wsEnvelope struct {
	Ping   *int64          `json:"ping,omitempty"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	Bid string `json:"b"`
	Ask string `json:"a"`
}

type depthEvent struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

type orderUpdateEvent struct {
	EventType string          `json:"e"`
	OrderID   string          `json:"i"`
	Side      string          `json:"S"`
	FillQty   string          `json:"l"`
	FillPrice string          `json:"L"`
	Maker     bool            `json:"m"`
	Fee       string          `json:"n"`
	FeeAsset  string          `json:"N"`
	Timestamp json.RawMessage `json:"T"`
}

func (s *Stream) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		streamLog.Debugf("解析消息失败: %v", err)
		return
	}

	// 应用层心跳：收到 {"ping": n} 回复 {"pong": n}
	if env.Ping != nil {
		if err := s.writeJSON(map[string]int64{"pong": *env.Ping}); err != nil {
			streamLog.Warnf("回复 pong 失败: %v", err)
		}
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return
	}

	if env.Stream == "" || len(env.Data) == 0 {
		return
	}

	switch {
	case hasPrefix(env.Stream, "bookTicker."):
		s.handleBookTicker(env.Data)
	case hasPrefix(env.Stream, "depth."):
		s.handleDepth(env.Data)
	case hasPrefix(env.Stream, "account.orderUpdate."):
		s.handleOrderUpdate(env.Data)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Stream) handleBookTicker(data json.RawMessage) {
	var ev bookTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		streamLog.Debugf("解析 bookTicker 失败: %v", err)
		return
	}
	bid, err1 := decimal.NewFromString(ev.Bid)
	ask, err2 := decimal.NewFromString(ev.Ask)
	if err1 != nil || err2 != nil {
		return
	}

	s.stateMu.Lock()
	s.bidPrice = bid
	s.askPrice = ask
	s.lastPrice = bid.Add(ask).Div(decimal.NewFromInt(2))
	s.pushHistoryLocked(s.lastPrice)
	s.stateMu.Unlock()
}

func (s *Stream) handleDepth(data json.RawMessage) {
	var ev depthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		streamLog.Debugf("解析深度增量失败: %v", err)
		return
	}

	s.stateMu.Lock()
	s.bids = applyDepthDeltas(s.bids, ev.Bids, true)
	s.asks = applyDepthDeltas(s.asks, ev.Asks, false)
	if len(s.bids) > 0 {
		s.bidPrice = s.bids[0][0]
	}
	if len(s.asks) > 0 {
		s.askPrice = s.asks[0][0]
	}
	s.stateMu.Unlock()
}

// applyDepthDeltas 把增量合并进排序后的订单簿一侧；数量为 0 表示删除价位
func applyDepthDeltas(side [][2]decimal.Decimal, deltas [][]string, desc bool) [][2]decimal.Decimal {
	for _, row := range deltas {
		if len(row) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(row[0])
		qty, err2 := decimal.NewFromString(row[1])
		if err1 != nil || err2 != nil {
			continue
		}

		idx := sort.Search(len(side), func(i int) bool {
			if desc {
				return !side[i][0].GreaterThan(price)
			}
			return !side[i][0].LessThan(price)
		})

		exists := idx < len(side) && side[idx][0].Equal(price)
		switch {
		case qty.IsZero() && exists:
			side = append(side[:idx], side[idx+1:]...)
		case qty.IsZero():
			// 删除不存在的价位，忽略
		case exists:
			side[idx][1] = qty
		default:
			side = append(side, [2]decimal.Decimal{})
			copy(side[idx+1:], side[idx:])
			side[idx] = [2]decimal.Decimal{price, qty}
		}
	}
	return side
}

func (s *Stream) handleOrderUpdate(data json.RawMessage) {
	var ev orderUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		streamLog.Warnf("解析订单更新失败: %v", err)
		return
	}
	if ev.EventType != "orderFill" {
		return
	}

	side, err := parseSide(ev.Side)
	if err != nil {
		streamLog.Warnf("订单更新方向无效: %v", err)
		return
	}
	qty, err := parseDecimal("l", ev.FillQty)
	if err != nil || !qty.IsPositive() {
		return
	}
	price, err := parseDecimal("L", ev.FillPrice)
	if err != nil || !price.IsPositive() {
		return
	}
	fee, _ := parseDecimal("n", ev.Fee)

	fill := domain.Fill{
		OrderID:   ev.OrderID,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Maker:     ev.Maker,
		Fee:       fee,
		FeeAsset:  ev.FeeAsset,
		Timestamp: time.Now(),
	}

	s.handlerMu.RLock()
	handler := s.fillHandler
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(fill)
	}
}

// IsConnected 检查连接状态
func (s *Stream) IsConnected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connected && s.conn != nil
}

// CurrentPrice 最近的中间价；无数据时返回零值
func (s *Stream) CurrentPrice() decimal.Decimal {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastPrice
}

// BidAsk 最优买卖价
func (s *Stream) BidAsk() (bid, ask decimal.Decimal) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.bidPrice, s.askPrice
}

// Volatility 基于价格历史的波动率（百分比）
func (s *Stream) Volatility(window int) float64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return marketmath.Volatility(s.history, window)
}

// GetLiquidityProfile 中间价 ±depthPct 范围内的流动性概况
func (s *Stream) GetLiquidityProfile(depthPct decimal.Decimal) (LiquidityProfile, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if len(s.bids) == 0 || len(s.asks) == 0 || !s.bidPrice.IsPositive() || !s.askPrice.IsPositive() {
		return LiquidityProfile{}, false
	}

	mid := s.bidPrice.Add(s.askPrice).Div(decimal.NewFromInt(2))
	minPrice := mid.Mul(decimal.NewFromInt(1).Sub(depthPct))
	maxPrice := mid.Mul(decimal.NewFromInt(1).Add(depthPct))

	var bidVol, askVol decimal.Decimal
	for _, lv := range s.bids {
		if lv[0].GreaterThanOrEqual(minPrice) {
			bidVol = bidVol.Add(lv[1])
		}
	}
	for _, lv := range s.asks {
		if lv[0].LessThanOrEqual(maxPrice) {
			askVol = askVol.Add(lv[1])
		}
	}

	total := bidVol.Add(askVol)
	profile := LiquidityProfile{BidVolume: bidVol, AskVolume: askVol, MidPrice: mid}
	if total.IsPositive() {
		profile.Imbalance = bidVol.Sub(askVol).Div(total)
	}
	return profile, true
}

// Close 关闭数据流；幂等
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeC)

		s.connMu.Lock()
		s.connected = false
		if s.connCancel != nil {
			s.connCancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()

		done := make(chan struct{})
		go func() {
			s.connWg.Wait()
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			streamLog.Warnf("等待数据流 goroutine 退出超时，继续关闭")
		}
		streamLog.Info("WebSocket 数据流已关闭")
	})
	return nil
}
