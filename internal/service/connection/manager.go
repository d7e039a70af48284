package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
)

// FrameHandler 接收单个入站帧，由读循环按到达顺序调用
type FrameHandler func(kind stream.FrameKind, data []byte)

// Options 连接管理器配置选项
type Options struct {
	Endpoint     string        // WebSocket地址
	Base         time.Duration // 重连基础延迟
	MaxAttempts  int           // 最大重连次数
	DialTimeout  time.Duration // 单次拨号超时
	PingInterval time.Duration // Ping间隔，0表示关闭
	Dialer       Dialer
	Scheduler    Scheduler
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// DefaultOptions 默认选项
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:     endpoint,
		Base:         time.Second,
		MaxAttempts:  5,
		DialTimeout:  15 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Manager 维护到助手服务的唯一双工连接，并负责断线重连
type Manager struct {
	opts    Options
	handler FrameHandler
	log     *zap.Logger

	mu         sync.Mutex
	state      State
	seq        uint64 // bumped on every state change
	conn       Conn
	generation uint64
	retry      Task
	cancelDial context.CancelFunc
	stopPing   chan struct{}

	writeMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []func(State)
	published   uint64 // seq of the last state handed to listeners

	failures chan error
}

// NewManager 创建连接管理器
func NewManager(opts Options, handler FrameHandler) *Manager {
	if opts.Base <= 0 {
		opts.Base = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(DialOptions{ReadTimeout: readTimeoutFor(opts.PingInterval)})
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timerScheduler{}
	}
	if handler == nil {
		handler = func(stream.FrameKind, []byte) {}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		opts:     opts,
		handler:  handler,
		log:      log.With(zap.String("endpoint", opts.Endpoint)),
		failures: make(chan error, 8),
	}
}

func readTimeoutFor(ping time.Duration) time.Duration {
	if ping <= 0 {
		return 0
	}
	return 2*ping + 10*time.Second
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe 注册状态变化监听器
func (m *Manager) Subscribe(fn func(State)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Failures 重连耗尽时发布的连接错误
func (m *Manager) Failures() <-chan error {
	return m.failures
}

// Connect 建立连接。已在连接、已连接或重连中时直接返回
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Phase != Disconnected {
		m.mu.Unlock()
		return nil
	}
	gen := m.generation
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	m.cancelDial = cancel
	connecting := m.setStateLocked(State{Phase: Connecting})
	m.mu.Unlock()
	m.publish(connecting)

	conn, err := m.opts.Dialer.Dial(dialCtx, m.opts.Endpoint)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		// 拨号期间被手动断开
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return &ConnectionError{Endpoint: m.opts.Endpoint, Err: ErrClosed}
	}
	m.cancelDial = nil
	if err != nil {
		connErr := &ConnectionError{Endpoint: m.opts.Endpoint, Err: err}
		s := m.setStateLocked(State{Phase: Disconnected, Cause: connErr})
		m.mu.Unlock()
		m.publish(s)
		m.log.Warn("initial connect failed", zap.Error(err))
		return connErr
	}
	s := m.attachLocked(conn)
	m.mu.Unlock()
	m.publish(s)
	m.log.Info("connected")
	return nil
}

// Send 发送一条出站消息
func (m *Manager) Send(msg stream.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	m.mu.Lock()
	if m.state.Phase != Connected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, websocket.TextMessage, data); err != nil {
		// 读循环会感知关闭并进入重连
		conn.Close()
		return &ConnectionError{Endpoint: m.opts.Endpoint, Err: fmt.Errorf("send: %w", err)}
	}
	return nil
}

// Disconnect 手动断开，取消已调度的重连且不再重连
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.generation++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.stopPingLocked()
	conn := m.conn
	m.conn = nil
	prev := m.state
	s := m.setStateLocked(State{Phase: Disconnected, Cause: ErrClosed})
	m.mu.Unlock()

	if conn != nil {
		m.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if prev.Phase != Disconnected {
		m.publish(s)
		m.log.Info("disconnected by client")
	}
	return nil
}

func (m *Manager) write(conn Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// attachLocked 接管新连接并启动读循环
func (m *Manager) attachLocked(conn Conn) stateChange {
	m.generation++
	m.conn = conn
	gen := m.generation
	go m.readLoop(gen, conn)
	if m.opts.PingInterval > 0 {
		m.stopPing = make(chan struct{})
		go m.pingLoop(conn, m.stopPing)
	}
	return m.setStateLocked(State{Phase: Connected})
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			m.handler(stream.TextFrame, data)
		case websocket.BinaryMessage:
			m.handler(stream.BinaryFrame, data)
		}
	}
}

// pingLoop 定期发送ping消息，失败即关闭连接交由读循环处理
func (m *Manager) pingLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write(conn, websocket.PingMessage, nil); err != nil {
				m.log.Warn("ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// handleClose 处理非手动的连接关闭
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.state.Phase != Connected {
		m.mu.Unlock()
		return
	}
	m.stopPingLocked()
	m.conn.Close()
	m.conn = nil
	s := m.scheduleLocked(1)
	m.mu.Unlock()

	m.log.Warn("connection lost", zap.String("reason", closeReason(err)), zap.Error(err))
	m.publish(s)
}

// scheduleLocked 进入reconnecting(attempt)并调度下一次重连
func (m *Manager) scheduleLocked(attempt int) stateChange {
	delay := Backoff(m.opts.Base, attempt)
	gen := m.generation
	s := m.setStateLocked(State{Phase: Reconnecting, Attempt: attempt})
	m.retry = m.opts.Scheduler.AfterFunc(delay, func() {
		m.reconnect(gen, attempt)
	})
	if m.opts.Metrics != nil {
		m.opts.Metrics.ReconnectAttempts.Inc()
	}
	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	return s
}

func (m *Manager) reconnect(gen uint64, attempt int) {
	m.mu.Lock()
	if gen != m.generation || m.state.Phase != Reconnecting || m.state.Attempt != attempt {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel
	m.mu.Unlock()

	conn, err := m.opts.Dialer.Dial(ctx, m.opts.Endpoint)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err == nil {
		s := m.attachLocked(conn)
		m.mu.Unlock()
		m.log.Info("reconnected", zap.Int("attempt", attempt))
		m.publish(s)
		return
	}

	m.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	if attempt < m.opts.MaxAttempts {
		s := m.scheduleLocked(attempt + 1)
		m.mu.Unlock()
		m.publish(s)
		return
	}

	connErr := &ConnectionError{Endpoint: m.opts.Endpoint, Attempt: attempt, Exhausted: true, Err: err}
	s := m.setStateLocked(State{Phase: Disconnected, Cause: connErr})
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.ReconnectFailures.Inc()
	}
	m.log.Error("reconnect attempts exhausted", zap.Int("attempts", attempt))
	m.publish(s)
	select {
	case m.failures <- connErr:
	default:
		m.log.Warn("failure channel full, dropping connection error")
	}
}

func (m *Manager) stopPingLocked() {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
}

// stateChange is a state paired with its position in the change sequence.
type stateChange struct {
	state State
	seq   uint64
}

func (m *Manager) setStateLocked(s State) stateChange {
	m.state = s
	m.seq++
	if m.opts.Metrics != nil {
		m.opts.Metrics.ConnectionState.Set(float64(s.Phase))
	}
	return stateChange{state: s, seq: m.seq}
}

// publish 通知监听器。晚于更新状态到达的旧状态直接丢弃，监听器看到的最后一个状态总是当前状态
func (m *Manager) publish(c stateChange) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if c.seq <= m.published {
		m.log.Debug("dropping stale state", zap.Stringer("state", c.state))
		return
	}
	m.published = c.seq
	for _, fn := range m.listeners {
		fn(c.state)
	}
}
