package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"titan-control-plane/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// venueError 是交易所业务层返回的错误 ({code, msg})。
// 业务层拒单是终态,不重试;传输层错误才进入重试。
type venueError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

func (e *venueError) Error() string {
	return fmt.Sprintf("venue error code=%d, msg=%s", e.Code, e.Msg)
}

const (
	listenKeyKeepAlive = 25 * time.Minute
	wsReconnectDelay   = 5 * time.Second
	wsStaleAfter       = 90 * time.Second
)

// LiveExecutor 通过签名 REST 请求向币安合约下单,并用用户数据流
// WebSocket 监控执行通道健康。所有出站请求都经过熔断器;熔断打开时
// 快速失败,避免在场所故障期间堆积重试。
type LiveExecutor struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	logger     *zap.Logger
	breaker    *gobreaker.CircuitBreaker

	retryAttempts int
	retryDelay    time.Duration
	timeOffset    int64

	mu        sync.Mutex
	wsConn    *websocket.Conn
	listenKey string
	healthy   bool
	detail    string
	lastEvent time.Time

	updates  chan OrderUpdate
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLiveExecutor 创建 LiveExecutor,与服务器同步时间并启动
// WebSocket 健康监控。
func NewLiveExecutor(apiKey, secretKey string, cfg *models.Config, logger *zap.Logger) (*LiveExecutor, error) {
	e := &LiveExecutor{
		apiKey:        apiKey,
		secretKey:     secretKey,
		baseURL:       cfg.APIURL(),
		wsBaseURL:     cfg.WSURL(),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryInitialDelay(),
		updates:       make(chan OrderUpdate, 128),
		stopChan:      make(chan struct{}),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("module", "executor"),
				zap.String("action", "breaker_transition"),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if err := e.syncTime(); err != nil {
		return nil, fmt.Errorf("与交易所服务器同步时间失败: %w", err)
	}

	e.wg.Add(1)
	go e.monitorHealth()
	return e, nil
}

// syncTime 与交易所服务器同步时间,计算本地时钟偏移。
func (e *LiveExecutor) syncTime() error {
	data, err := e.doRequest(context.Background(), "GET", "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}
	var st struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	e.timeOffset = st.ServerTime - time.Now().UnixMilli()
	e.logger.Info("时间同步完成", zap.Int64("timeOffset (ms)", e.timeOffset))
	return nil
}

// sign 对请求参数进行签名。
func (e *LiveExecutor) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest 是通用的请求处理函数。返回 *venueError 表示业务层拒绝,
// 其余错误一律视为传输层失败。
func (e *LiveExecutor) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", e.baseURL, endpoint)
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + e.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payload, e.sign(payload))
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequestWithContext(ctx, method, finalURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	// 4xx 携带 {code,msg} 的是场所拒绝;5xx 与无法解析的响应按传输失败处理。
	if resp.StatusCode < http.StatusInternalServerError {
		var ve venueError
		if json.Unmarshal(body, &ve) == nil && ve.Code != 0 {
			return body, &ve
		}
	}
	return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
}

// Execute 提交一笔市价单。场所拒单立即返回 VENUE_REJECTED;传输失败
// 按指数退避重试,重试耗尽后归类为 UNCERTAIN,等待对账。
func (e *LiveExecutor) Execute(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	result := models.ExecutionResult{
		SignalID:      req.SignalID,
		ClientOrderID: req.ClientOrderID,
		Timestamp:     time.Now(),
	}

	if err := e.setLeverage(ctx, req.Instrument, int(req.Leverage)); err != nil {
		e.logger.Warn("设置杠杆失败,沿用当前杠杆",
			zap.String("module", "executor"),
			zap.String("instrument", req.Instrument),
			zap.Error(err))
	}

	params := url.Values{}
	params.Set("symbol", req.Instrument)
	params.Set("side", orderSide(req.Direction))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")

	delay := e.retryDelay
	var lastErr error
	for attempt := 0; attempt <= e.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				result.Outcome = models.OutcomeUncertain
				result.Reason = ctx.Err().Error()
				result.Retries = attempt - 1
				return result, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, err := e.breaker.Execute(func() (interface{}, error) {
			return e.doRequest(ctx, "POST", "/fapi/v1/order", params, true)
		})
		if err == nil {
			var order struct {
				OrderID     int64  `json:"orderId"`
				AvgPrice    string `json:"avgPrice"`
				ExecutedQty string `json:"executedQty"`
			}
			if jerr := json.Unmarshal(body.([]byte), &order); jerr != nil {
				lastErr = jerr
				continue
			}
			result.Outcome = models.OutcomeFilled
			result.VenueOrderID = strconv.FormatInt(order.OrderID, 10)
			result.FilledPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
			if result.FilledPrice == 0 {
				result.FilledPrice = req.Price
			}
			if qty, qerr := decimal.NewFromString(order.ExecutedQty); qerr == nil && qty.IsPositive() {
				result.FilledQuantity = qty
			} else {
				result.FilledQuantity = req.Quantity
			}
			result.Retries = attempt
			e.placeProtectiveOrders(ctx, req)
			return result, nil
		}

		var ve *venueError
		if errors.As(err, &ve) {
			e.logger.Warn("场所拒单",
				zap.String("module", "executor"),
				zap.String("action", "venue_rejected"),
				zap.String("client_order_id", req.ClientOrderID),
				zap.Int64("code", ve.Code),
				zap.String("msg", ve.Msg))
			result.Outcome = models.OutcomeVenueRejected
			result.Reason = ve.Msg
			result.Retries = attempt
			return result, nil
		}

		lastErr = err
		e.logger.Warn("下单传输失败,准备重试",
			zap.String("module", "executor"),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	// 重试耗尽:订单可能已到达场所,必须对账后才能结清。
	result.Outcome = models.OutcomeUncertain
	result.Retries = e.retryAttempts
	if lastErr != nil {
		result.Reason = lastErr.Error()
	}
	return result, nil
}

// placeProtectiveOrders 在成交后挂出止损/止盈保护单。保护单的客户端
// 订单号由入场单订单号加后缀派生,用户数据流据此把保护单成交归并到
// 对应持仓。失败只记录,不影响主订单的结果。
func (e *LiveExecutor) placeProtectiveOrders(ctx context.Context, req models.ExecutionRequest) {
	closeSide := orderSide(opposite(req.Direction))
	protect := func(orderType, suffix string, stopPrice float64) {
		if stopPrice <= 0 {
			return
		}
		params := url.Values{}
		params.Set("symbol", req.Instrument)
		params.Set("side", closeSide)
		params.Set("type", orderType)
		params.Set("stopPrice", strconv.FormatFloat(stopPrice, 'f', -1, 64))
		params.Set("closePosition", "true")
		params.Set("newClientOrderId", req.ClientOrderID+suffix)
		if _, err := e.doRequest(ctx, "POST", "/fapi/v1/order", params, true); err != nil {
			e.logger.Error("挂保护单失败",
				zap.String("module", "executor"),
				zap.String("type", orderType),
				zap.String("instrument", req.Instrument),
				zap.Error(err))
		}
	}
	protect("STOP_MARKET", StopSuffix, req.StopLoss)
	protect("TAKE_PROFIT_MARKET", TakeProfitSuffix, req.TakeProfit)
}

// Cancel 按 clientOrderId 撤单。
func (e *LiveExecutor) Cancel(ctx context.Context, req models.ExecutionRequest) error {
	params := url.Values{}
	params.Set("symbol", req.Instrument)
	params.Set("origClientOrderId", req.ClientOrderID)
	_, err := e.doRequest(ctx, "DELETE", "/fapi/v1/order", params, true)
	return err
}

func (e *LiveExecutor) setLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		leverage = 1
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := e.doRequest(ctx, "POST", "/fapi/v1/leverage", params, true)
	return err
}

// Health 返回执行通道当前的健康状况。
func (e *LiveExecutor) Health() HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	healthy := e.healthy
	detail := e.detail
	if healthy && !e.lastEvent.IsZero() && time.Since(e.lastEvent) > wsStaleAfter {
		healthy = false
		detail = "user data stream stale"
	}
	if e.breaker.State() == gobreaker.StateOpen {
		healthy = false
		detail = "circuit breaker open"
	}
	return HealthStatus{Healthy: healthy, Detail: detail, LastEvent: e.lastEvent}
}

// Close 停止健康监控并关闭 WebSocket 连接。
func (e *LiveExecutor) Close() error {
	close(e.stopChan)
	e.mu.Lock()
	if e.wsConn != nil {
		e.wsConn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// monitorHealth 维护用户数据流连接:创建 listenKey、定期续期、
// 断线重连,并以收到消息的时间作为通道存活的依据。
func (e *LiveExecutor) monitorHealth() {
	defer e.wg.Done()
	keepAlive := time.NewTicker(listenKeyKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		if err := e.connectStream(); err != nil {
			e.setHealth(false, err.Error())
			select {
			case <-e.stopChan:
				return
			case <-time.After(wsReconnectDelay):
			}
			continue
		}
		e.setHealth(true, "")

		e.readStream(keepAlive)
	}
}

func (e *LiveExecutor) connectStream() error {
	data, err := e.doRequest(context.Background(), "POST", "/fapi/v1/listenKey", nil, true)
	if err != nil {
		return fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("解析 listenKey 响应失败: %w", err)
	}

	wsURL := fmt.Sprintf("%s/ws/%s", e.wsBaseURL, resp.ListenKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}

	e.mu.Lock()
	e.wsConn = conn
	e.listenKey = resp.ListenKey
	e.lastEvent = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *LiveExecutor) readStream(keepAlive *time.Ticker) {
	e.mu.Lock()
	conn := e.wsConn
	key := e.listenKey
	e.mu.Unlock()
	if conn == nil {
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			e.mu.Lock()
			e.lastEvent = time.Now()
			e.mu.Unlock()
			if up, ok := parseOrderEvent(msg); ok {
				select {
				case e.updates <- up:
				default:
					e.logger.Warn("order update dropped, consumer lagging",
						zap.String("module", "executor"),
						zap.String("client_order_id", up.ClientOrderID))
				}
			}
		}
	}()

	for {
		select {
		case <-e.stopChan:
			conn.Close()
			return
		case err := <-readErr:
			e.logger.Warn("用户数据流断开,准备重连",
				zap.String("module", "executor"),
				zap.Error(err))
			e.setHealth(false, "user data stream disconnected")
			conn.Close()
			return
		case <-keepAlive.C:
			params := url.Values{}
			params.Set("listenKey", key)
			if _, err := e.doRequest(context.Background(), "PUT", "/fapi/v1/listenKey", params, true); err != nil {
				e.logger.Warn("listenKey 续期失败", zap.Error(err))
			}
		}
	}
}

// OrderUpdates 暴露用户数据流解析出的订单终态事件。通道在消费滞后
// 时丢弃事件而不是阻塞读循环。
func (e *LiveExecutor) OrderUpdates() <-chan OrderUpdate {
	return e.updates
}

// parseOrderEvent 从用户数据流消息中提取订单终态事件。非订单事件与
// 非终态(NEW、PARTIALLY_FILLED 等)返回 false。
func parseOrderEvent(msg []byte) (OrderUpdate, bool) {
	var ev struct {
		Event string `json:"e"`
		Order struct {
			ClientOrderID string `json:"c"`
			Status        string `json:"X"`
			AvgPrice      string `json:"ap"`
			FilledQty     string `json:"z"`
			Commission    string `json:"n"`
			TradeTime     int64  `json:"T"`
		} `json:"o"`
	}
	if json.Unmarshal(msg, &ev) != nil || ev.Event != "ORDER_TRADE_UPDATE" {
		return OrderUpdate{}, false
	}
	switch ev.Order.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
	default:
		return OrderUpdate{}, false
	}

	up := OrderUpdate{
		ClientOrderID: ev.Order.ClientOrderID,
		Status:        ev.Order.Status,
		Timestamp:     time.UnixMilli(ev.Order.TradeTime),
	}
	up.AvgPrice, _ = strconv.ParseFloat(ev.Order.AvgPrice, 64)
	if qty, err := decimal.NewFromString(ev.Order.FilledQty); err == nil {
		up.Quantity = qty
	}
	if fee, err := decimal.NewFromString(ev.Order.Commission); err == nil {
		up.Fee = fee
	}
	return up, true
}

func (e *LiveExecutor) setHealth(healthy bool, detail string) {
	e.mu.Lock()
	e.healthy = healthy
	e.detail = detail
	e.mu.Unlock()
}

func orderSide(d models.Direction) string {
	if d == models.Long {
		return "BUY"
	}
	return "SELL"
}

func opposite(d models.Direction) models.Direction {
	if d == models.Long {
		return models.Short
	}
	return models.Long
}
