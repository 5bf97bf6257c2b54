package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"market-data-pipeline/internal/model"
	"market-data-pipeline/internal/service"
)

var (
	ErrConnectTimeout = errors.New("connection timeout")
	ErrNotConnected   = errors.New("not connected")
)

// Conn 是 Connector 使用的 WebSocket 连接子集, *websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 建立 WebSocket 连接, ctx 取消即放弃握手
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer 基于 gorilla/websocket 的 Dialer
type WSDialer struct {
	dialer *websocket.Dialer
}

func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{dialer: &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectorOptions 连接管理器参数
type ConnectorOptions struct {
	URL                  string
	Source               string
	APIKey               string
	SecretKey            string
	Symbols              []string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	SubscribeBatchSize   int
	SubscribeBatchDelay  time.Duration
	UpdateBuffer         int
}

// ConnectorOptionsFromConfig 由交易所配置与订阅列表组装参数
func ConnectorOptionsFromConfig(cfg service.ExchangeConfig, symbols []string, updateBuffer int) ConnectorOptions {
	return ConnectorOptions{
		URL:                  cfg.WSURL,
		Source:               cfg.Name,
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		Symbols:              symbols,
		ConnectTimeout:       cfg.ConnectTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		SubscribeBatchSize:   cfg.SubscribeBatchSize,
		SubscribeBatchDelay:  cfg.SubscribeBatchDelay,
		UpdateBuffer:         updateBuffer,
	}
}

// BackoffDelay 第 attempt 次重连 (从 1 开始) 的等待时间: min(max, base*2^(attempt-1))
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt-1 >= 30 {
		return max
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Connector 管理单条行情 WebSocket 连接的生命周期
// 状态机: disconnected -> connecting -> connected -> (断开) -> reconnecting -> connecting ...
// 重试耗尽后进入 failed, 只有调用 Connect 才会再次拨号
type Connector struct {
	opts   ConnectorOptions
	dialer Dialer
	sched  service.Scheduler
	logger *zap.Logger

	updates chan model.PriceUpdate

	mu             sync.Mutex
	state          model.ConnectionState
	attempts       int
	manual         bool
	generation     uint64 // 每次拨号或手动断开递增, 旧连接的回调据此失效
	conn           Conn
	sessionID      string
	dialCancel     context.CancelFunc
	sessionCancel  context.CancelFunc
	connectTimer   service.Timer
	reconnectTimer service.Timer
	heartbeat      service.Timer
	observers      []func(model.ConnectionState)
	changes        []model.ConnectionState

	writeMu sync.Mutex

	messages     atomic.Int64
	priceUpdates atomic.Int64
	serverErrors atomic.Int64
	malformed    atomic.Int64
	dropped      atomic.Int64
	lastMessage  atomic.Int64
	lastPong     atomic.Int64
}

func NewConnector(opts ConnectorOptions, dialer Dialer, sched service.Scheduler, logger *zap.Logger) *Connector {
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 2048
	}
	if opts.Source == "" {
		opts.Source = "websocket"
	}

	logger.Info("Connector initialized",
		zap.String("URL", opts.URL),
		zap.Int("Symbols", len(opts.Symbols)),
		zap.Int("MaxReconnectAttempts", opts.MaxReconnectAttempts))

	return &Connector{
		opts:    opts,
		dialer:  dialer,
		sched:   sched,
		logger:  logger,
		updates: make(chan model.PriceUpdate, opts.UpdateBuffer),
		state:   model.StateDisconnected,
	}
}

// Updates 归一化后的行情流, 下游消费过慢时新消息被丢弃
func (c *Connector) Updates() <-chan model.PriceUpdate {
	return c.updates
}

// OnStateChange 注册状态变化回调, 回调在锁外按变化顺序执行
func (c *Connector) OnStateChange(fn func(model.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Connector) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health 连接健康度快照
func (c *Connector) Health() model.ConnectionHealth {
	c.mu.Lock()
	h := model.ConnectionHealth{
		State:             c.state,
		SessionID:         c.sessionID,
		ReconnectAttempts: c.attempts,
	}
	c.mu.Unlock()

	h.MessagesReceived = c.messages.Load()
	h.PriceUpdates = c.priceUpdates.Load()
	h.ServerErrors = c.serverErrors.Load()
	h.MalformedFrames = c.malformed.Load()
	h.DroppedUpdates = c.dropped.Load()
	h.LastMessageAt = unixNanoTime(c.lastMessage.Load())
	h.LastPongAt = unixNanoTime(c.lastPong.Load())
	return h
}

// Connect 开始连接; 已在连接中或已连接时无操作
// 手动调用会清零重试计数, 因此也用于从 failed 状态恢复
func (c *Connector) Connect() {
	c.mu.Lock()
	if c.state == model.StateConnecting || c.state == model.StateConnected {
		c.mu.Unlock()
		return
	}
	c.manual = false
	c.attempts = 0
	stopTimer(&c.reconnectTimer)
	gen := c.beginDialLocked()
	c.unlockAndNotify()

	go c.dial(gen)
}

// Disconnect 手动断开: 取消待执行的重连与心跳, 关闭连接, 之后不再自动重连
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.generation++
	stopTimer(&c.reconnectTimer)
	c.teardownLocked()
	c.setStateLocked(model.StateDisconnected)
	c.unlockAndNotify()

	c.logger.Info("Connector disconnected by caller")
}

// reconnect 由退避定时器触发
func (c *Connector) reconnect() {
	c.mu.Lock()
	if c.manual || c.state != model.StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	gen := c.beginDialLocked()
	attempt := c.attempts
	c.unlockAndNotify()

	c.logger.Info("Reconnecting to WS", zap.Int("Attempt", attempt), zap.String("URL", c.opts.URL))
	go c.dial(gen)
}

func (c *Connector) beginDialLocked() uint64 {
	c.generation++
	c.setStateLocked(model.StateConnecting)
	return c.generation
}

func (c *Connector) dial(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := c.sched.AfterFunc(c.opts.ConnectTimeout, cancel)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		timer.Stop()
		cancel()
		return
	}
	c.connectTimer = timer
	c.dialCancel = cancel
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.opts.URL)
	timedOut := ctx.Err() != nil
	timer.Stop()

	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		cancel()
		c.handleConnectFailure(gen, err)
		return
	}
	c.handleOpen(gen, conn, cancel)
}

func (c *Connector) handleConnectFailure(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	c.dialCancel = nil
	c.logger.Warn("Failed to connect to WS", zap.String("URL", c.opts.URL), zap.Error(err))
	c.setStateLocked(model.StateError)
	c.scheduleReconnectLocked()
	c.unlockAndNotify()
}

func (c *Connector) handleOpen(gen uint64, conn Conn, dialCancel context.CancelFunc) {
	dialCancel()

	c.mu.Lock()
	if gen != c.generation || c.manual {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.connectTimer = nil
	c.dialCancel = nil
	c.conn = conn
	c.attempts = 0
	c.sessionID = uuid.NewString()
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.sessionCancel = cancel
	c.setStateLocked(model.StateConnected)
	if c.opts.HeartbeatInterval > 0 {
		c.heartbeat = c.sched.Every(c.opts.HeartbeatInterval, func() { c.sendPing(gen) })
	}
	sessionID := c.sessionID
	c.unlockAndNotify()

	c.logger.Info("WS connected", zap.String("URL", c.opts.URL), zap.String("SessionID", sessionID))

	go c.readLoop(gen, conn)
	go c.handshake(sessionCtx, gen)
}

// handshake 发送鉴权 (如已配置) 与分批订阅
func (c *Connector) handshake(ctx context.Context, gen uint64) {
	if c.opts.APIKey != "" {
		frame := newAuthFrame(c.opts.APIKey, c.opts.SecretKey, c.sched.Now().Unix())
		if err := c.writeJSON(gen, frame); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to send auth frame", zap.Error(err))
		}
	}

	limit := rate.Inf
	if c.opts.SubscribeBatchDelay > 0 {
		limit = rate.Every(c.opts.SubscribeBatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	batches := batchSymbols(c.opts.Symbols, c.opts.SubscribeBatchSize)
	for i, batch := range batches {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		frame := SubscribeFrame{
			Action:    "subscribe",
			Channel:   "ticker",
			Symbols:   batch,
			Timestamp: c.sched.Now().Unix(),
		}
		if err := c.writeJSON(gen, frame); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Failed to send WS subscription", zap.Int("Batch", i), zap.Error(err))
			}
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	c.logger.Info("Subscribed to ticker streams",
		zap.Int("Symbols", len(c.opts.Symbols)),
		zap.Int("Batches", len(batches)))
}

func (c *Connector) readLoop(gen uint64, conn Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(gen, message)
	}
}

func (c *Connector) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.state != model.StateConnected {
		c.mu.Unlock()
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("WS closed by server", zap.Error(err))
	} else {
		c.logger.Error("Error reading WS message, attempting to reconnect...", zap.Error(err))
	}

	c.teardownLocked()
	c.setStateLocked(model.StateDisconnected)
	c.scheduleReconnectLocked()
	c.unlockAndNotify()
}

func (c *Connector) handleMessage(gen uint64, message []byte) {
	now := c.sched.Now()
	c.messages.Add(1)
	c.lastMessage.Store(now.UnixNano())

	frame, err := ParseFrame(message, now, c.opts.Source)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Debug("Dropping malformed WS frame", zap.Error(err))
		return
	}

	switch frame.Kind {
	case FramePrice:
		if frame.Rejected > 0 {
			c.malformed.Add(int64(frame.Rejected))
		}
		for _, u := range frame.Updates {
			c.priceUpdates.Add(1)
			// 使用 select/default 防止阻塞读循环
			select {
			case c.updates <- u:
			default:
				c.dropped.Add(1)
				c.logger.Warn("Update channel full! Dropping price update for", zap.String("Symbol", u.Symbol))
			}
		}
	case FrameAuth:
		c.logger.Info("WS auth response", zap.String("Message", frame.Message))
	case FrameSubscription:
		c.logger.Debug("WS subscription confirmed", zap.String("Message", frame.Message))
	case FramePing:
		if err := c.writeJSON(gen, ControlFrame{Type: "pong", Timestamp: now.UnixMilli()}); err != nil {
			c.logger.Debug("Failed to answer ping", zap.Error(err))
		}
	case FramePong:
		c.lastPong.Store(now.UnixNano())
	case FrameError:
		c.serverErrors.Add(1)
		c.logger.Warn("WS server error", zap.String("Message", frame.Message))
	default:
		c.logger.Debug("Ignoring WS frame", zap.String("Type", frame.Type))
	}
}

func (c *Connector) sendPing(gen uint64) {
	if err := c.writeJSON(gen, ControlFrame{Type: "ping", Timestamp: c.sched.Now().UnixMilli()}); err != nil {
		c.logger.Debug("Failed to send heartbeat", zap.Error(err))
	}
}

func (c *Connector) writeJSON(gen uint64, v any) error {
	c.mu.Lock()
	conn := c.conn
	current := gen == c.generation
	c.mu.Unlock()
	if !current || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// scheduleReconnectLocked 安排下一次重连或进入 failed
func (c *Connector) scheduleReconnectLocked() {
	if c.manual {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.logger.Error("Max reconnect attempts reached, giving up",
			zap.Int("Attempts", c.attempts),
			zap.String("URL", c.opts.URL))
		c.setStateLocked(model.StateFailed)
		return
	}

	c.attempts++
	delay := BackoffDelay(c.attempts, c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay)
	c.setStateLocked(model.StateReconnecting)
	c.reconnectTimer = c.sched.AfterFunc(delay, c.reconnect)

	c.logger.Info("Scheduling WS reconnect",
		zap.Int("Attempt", c.attempts),
		zap.Duration("Delay", delay))
}

// teardownLocked 释放当前会话的所有资源
func (c *Connector) teardownLocked() {
	stopTimer(&c.heartbeat)
	stopTimer(&c.connectTimer)
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
}

func (c *Connector) setStateLocked(s model.ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	c.changes = append(c.changes, s)
}

// unlockAndNotify 释放锁后通知观察者
func (c *Connector) unlockAndNotify() {
	changes := c.changes
	c.changes = nil
	observers := c.observers
	c.mu.Unlock()

	for _, s := range changes {
		for _, fn := range observers {
			fn(s)
		}
	}
}

func stopTimer(t *service.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
