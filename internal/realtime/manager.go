package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send when the connection is not CONNECTED.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrReconnectExhausted is recorded as the last error on entering FAILED.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	// ErrHeartbeatTimeout closes a connection whose pongs stopped arriving.
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
	// ErrStopped is returned by operations on a manager that has been stopped.
	ErrStopped = errors.New("realtime: manager stopped")
)

const guardTimeout = 5 * time.Second

// Config holds the connection policy.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	MaxMissedPongs       int // 0 disables liveness enforcement
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
}

// DefaultConfig returns the default connection policy.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		MaxMissedPongs:       2,
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.MaxMissedPongs < 0 {
		c.MaxMissedPongs = 0
	}
	return c
}

// CredentialSource supplies the auth token. An empty token means signed out.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// Flags are the persisted switches that gate connecting.
type Flags interface {
	SyncEnabled(ctx context.Context) (bool, error)
	SetSyncEnabled(ctx context.Context, on bool) error
	RealtimeEnabled(ctx context.Context) (bool, error)
	SetRealtimeEnabled(ctx context.Context, on bool) error
}

// LifecycleKind names a connection lifecycle notification.
type LifecycleKind string

const (
	ConnectionOpened LifecycleKind = "opened"
	ConnectionClosed LifecycleKind = "closed"
	ConnectionFailed LifecycleKind = "failed"
)

// Lifecycle is delivered to lifecycle handlers in the same ordered stream as frames.
type Lifecycle struct {
	Kind  LifecycleKind
	Clean bool // for ConnectionClosed: closed on purpose rather than lost
	Err   error
}

// Manager owns one logical realtime connection. A single loop goroutine owns
// every piece of mutable state; timers and the read pump post commands into it.
type Manager struct {
	cfg     Config
	dialer  Dialer
	creds   CredentialSource
	flags   Flags
	bus     *bus.Bus
	logger  *zap.Logger
	machine *Machine

	cmds chan func()
	done chan struct{}
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	handlersMu        sync.RWMutex
	frameHandlers     []func(protocol.Envelope)
	lifecycleHandlers []func(Lifecycle)

	// live is read by Send from caller goroutines.
	liveMu sync.RWMutex
	live   Conn

	// Loop-owned.
	token          string
	attempt        int
	dialGen        uint64
	dialCancel     context.CancelFunc
	connGen        uint64
	timerGen       uint64
	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer
	pendingPing    string
	missedPongs    int
}

// NewManager creates a manager in DISCONNECTED state. Call Start to run it.
func NewManager(cfg Config, dialer Dialer, creds CredentialSource, flags Flags, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		creds:   creds,
		flags:   flags,
		bus:     b,
		logger:  logger,
		machine: NewMachine(b),
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
	}
}

// OnFrame registers a handler invoked once per parsed inbound frame, in
// arrival order, on the manager loop. Handlers must not call back into
// Enable, Disable or CredentialChanged.
func (m *Manager) OnFrame(h func(protocol.Envelope)) {
	m.handlersMu.Lock()
	m.frameHandlers = append(m.frameHandlers, h)
	m.handlersMu.Unlock()
}

// OnLifecycle registers a handler for opened/closed/failed notifications,
// delivered on the same loop as frames.
func (m *Manager) OnLifecycle(h func(Lifecycle)) {
	m.handlersMu.Lock()
	m.lifecycleHandlers = append(m.lifecycleHandlers, h)
	m.handlersMu.Unlock()
}

// Snapshot returns the current connection state.
func (m *Manager) Snapshot() Snapshot {
	return m.machine.Snapshot()
}

// Start runs the loop and connects if sync is enabled and a token is present.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.stop = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
	m.post(m.resume)
}

// Stop tears the connection down, cancels every timer and waits for the loop
// to exit. It does not touch the persisted flags.
func (m *Manager) Stop() {
	if m.stop == nil {
		return
	}
	m.do(context.Background(), func() { m.teardown(nil) })
	m.stop()
	m.wg.Wait()
}

// Enable persists sync_enabled=true and connects when the guards hold. From
// FAILED it restarts the cycle with a fresh attempt counter.
func (m *Manager) Enable(ctx context.Context) error {
	if err := m.flags.SetSyncEnabled(ctx, true); err != nil {
		return fmt.Errorf("persist sync flag: %w", err)
	}
	return m.do(ctx, m.resume)
}

// Disable persists sync_enabled=false and closes the connection cleanly.
func (m *Manager) Disable(ctx context.Context) error {
	if err := m.flags.SetSyncEnabled(ctx, false); err != nil {
		return fmt.Errorf("persist sync flag: %w", err)
	}
	return m.do(ctx, m.shutdown)
}

// SetRealtimeEnabled persists ws_enabled and applies it like Enable/Disable.
func (m *Manager) SetRealtimeEnabled(ctx context.Context, on bool) error {
	if err := m.flags.SetRealtimeEnabled(ctx, on); err != nil {
		return fmt.Errorf("persist realtime flag: %w", err)
	}
	if on {
		return m.do(ctx, m.resume)
	}
	return m.do(ctx, m.shutdown)
}

// CredentialChanged re-reads the token. A missing token disconnects from any
// state; a new token cycles a live connection and revives FAILED.
func (m *Manager) CredentialChanged(ctx context.Context) error {
	return m.do(ctx, m.credentialChanged)
}

// Send writes one frame. It fails with ErrNotConnected unless the connection
// is CONNECTED and never buffers.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.liveMu.RLock()
	conn := m.live
	m.liveMu.RUnlock()
	if conn == nil || m.machine.Current() != Connected {
		return ErrNotConnected
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		// The read pump observes the close and drives the reconnect.
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.ctx.Done():
			m.teardown(nil)
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guards reports whether both flags are on and a token is present.
func (m *Manager) guards() (string, bool) {
	ctx, cancel := context.WithTimeout(m.ctx, guardTimeout)
	defer cancel()

	syncOn, err := m.flags.SyncEnabled(ctx)
	if err != nil {
		m.logger.Warn("read sync flag", zap.Error(err))
		return "", false
	}
	wsOn, err := m.flags.RealtimeEnabled(ctx)
	if err != nil {
		m.logger.Warn("read realtime flag", zap.Error(err))
		return "", false
	}
	token, err := m.creds.Token(ctx)
	if err != nil {
		m.logger.Warn("read credential", zap.Error(err))
		return "", false
	}
	return token, syncOn && wsOn && token != ""
}

func (m *Manager) resume() {
	switch m.machine.Current() {
	case Disconnected, Failed:
	default:
		return
	}
	token, ok := m.guards()
	if !ok {
		return
	}
	m.attempt = 0
	m.connect(token)
}

func (m *Manager) shutdown() {
	switch m.machine.Current() {
	case Disconnected, Failed:
		return
	}
	m.teardown(nil)
}

func (m *Manager) credentialChanged() {
	ctx, cancel := context.WithTimeout(m.ctx, guardTimeout)
	token, err := m.creds.Token(ctx)
	cancel()
	if err != nil {
		m.logger.Warn("read credential", zap.Error(err))
		return
	}
	if token == "" {
		m.teardown(nil)
		return
	}

	switch m.machine.Current() {
	case Connected:
		if token == m.token {
			return
		}
		m.teardown(nil)
	case Connecting:
		if token == m.token {
			return
		}
		m.teardown(nil)
	case Reconnecting:
		m.stopTimers()
	}
	token, ok := m.guards()
	if !ok {
		m.teardown(nil)
		return
	}
	m.attempt = 0
	m.connect(token)
}

func (m *Manager) connect(token string) {
	if err := m.machine.Transition(Connecting, m.attempt, nil); err != nil {
		m.logger.Error("connect", zap.Error(err))
		return
	}
	m.token = token
	m.dialGen++
	gen := m.dialGen
	dctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel

	m.logger.Info("connecting", zap.Int("attempt", m.attempt))
	go func() {
		conn, err := m.dialer.Dial(dctx, token)
		if !m.post(func() { m.dialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if gen != m.dialGen || m.machine.Current() != Connecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel()
	m.dialCancel = nil
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err), zap.Int("attempt", m.attempt))
		m.lost(err)
		return
	}

	m.connGen++
	m.setLive(conn)
	m.attempt = 0
	m.missedPongs = 0
	m.pendingPing = ""
	if err := m.machine.Transition(Connected, 0, nil); err != nil {
		m.logger.Error("connected", zap.Error(err))
	}
	m.logger.Info("connected")

	gen = m.connGen
	go m.readPump(gen, conn)
	m.scheduleHeartbeat()
	m.emitLifecycle(Lifecycle{Kind: ConnectionOpened})
}

func (m *Manager) readPump(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.transportClosed(gen, err) })
			return
		}
		if !m.post(func() { m.frame(gen, data) }) {
			_ = conn.Close()
			return
		}
	}
}

func (m *Manager) transportClosed(gen uint64, err error) {
	if gen != m.connGen || m.machine.Current() != Connected {
		return
	}
	m.logger.Warn("transport closed", zap.Error(err))
	m.lost(err)
}

// lost handles an unclean close or a failed dial: schedule a fixed-delay
// retry while attempts remain, otherwise fail.
func (m *Manager) lost(cause error) {
	wasConnected := m.machine.Current() == Connected
	m.stopTimers()
	m.dropConn()
	if wasConnected {
		m.emitLifecycle(Lifecycle{Kind: ConnectionClosed, Err: cause})
	}

	if m.attempt >= m.cfg.MaxReconnectAttempts {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt, cause)
		if terr := m.machine.Transition(Failed, m.attempt, err); terr != nil {
			m.logger.Error("fail", zap.Error(terr))
			return
		}
		m.logger.Error("connection failed", zap.Error(err))
		m.emitLifecycle(Lifecycle{Kind: ConnectionFailed, Err: err})
		return
	}

	m.attempt++
	if err := m.machine.Transition(Reconnecting, m.attempt, cause); err != nil {
		m.logger.Error("reconnect", zap.Error(err))
		return
	}
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempt),
		zap.Duration("delay", m.cfg.ReconnectDelay),
	)
	m.reconnectTimer = m.after(m.cfg.ReconnectDelay, m.reconnectDue)
}

func (m *Manager) reconnectDue() {
	if m.machine.Current() != Reconnecting {
		return
	}
	token, ok := m.guards()
	if !ok {
		m.teardown(nil)
		return
	}
	m.connect(token)
}

func (m *Manager) scheduleHeartbeat() {
	m.heartbeatTimer = m.after(m.cfg.HeartbeatInterval, m.heartbeatDue)
}

func (m *Manager) heartbeatDue() {
	if m.machine.Current() != Connected {
		return
	}
	if m.pendingPing != "" {
		m.missedPongs++
		m.logger.Debug("pong missed", zap.Int("missed", m.missedPongs))
		if m.cfg.MaxMissedPongs > 0 && m.missedPongs >= m.cfg.MaxMissedPongs {
			m.logger.Warn("heartbeat timeout", zap.Int("missed", m.missedPongs))
			m.lost(ErrHeartbeatTimeout)
			return
		}
	}

	id := "ping-" + uuid.NewString()
	data, err := protocol.Encode(protocol.MustNew(protocol.TypePing, protocol.Ping{RequestID: id}))
	if err == nil {
		err = m.liveConn().WriteMessage(data)
	}
	if err != nil {
		m.logger.Warn("ping failed", zap.Error(err))
		m.lost(err)
		return
	}
	m.pendingPing = id
	m.machine.MarkHeartbeat(time.Now())
	m.scheduleHeartbeat()
}

func (m *Manager) frame(gen uint64, data []byte) {
	if gen != m.connGen || m.machine.Current() != Connected {
		return
	}
	env, err := protocol.Parse(data)
	if err != nil {
		m.logger.Warn("dropping inbound frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if env.Type == protocol.TypePong {
		m.pong(env)
		return
	}

	m.handlersMu.RLock()
	handlers := m.frameHandlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (m *Manager) pong(env protocol.Envelope) {
	p, err := protocol.Decode[protocol.Pong](env)
	if err != nil || p.RequestID == m.pendingPing {
		// A bare pong still proves liveness.
		m.pendingPing = ""
		m.missedPongs = 0
	}
}

// teardown performs a clean close to DISCONNECTED, cancelling every timer and
// any dial in flight.
func (m *Manager) teardown(cause error) {
	wasConnected := m.machine.Current() == Connected
	m.stopTimers()
	m.dialGen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.dropConn()
	m.attempt = 0
	if wasConnected {
		m.emitLifecycle(Lifecycle{Kind: ConnectionClosed, Clean: true, Err: cause})
	}
	if m.machine.Current() != Disconnected {
		if err := m.machine.Transition(Disconnected, 0, cause); err != nil {
			m.logger.Error("disconnect", zap.Error(err))
			return
		}
		m.logger.Info("disconnected")
	}
}

// after schedules fn on the loop. Bumping timerGen invalidates callbacks that
// already fired but have not run yet.
func (m *Manager) after(d time.Duration, fn func()) *time.Timer {
	gen := m.timerGen
	return time.AfterFunc(d, func() {
		m.post(func() {
			if gen != m.timerGen {
				return
			}
			fn()
		})
	})
}

func (m *Manager) stopTimers() {
	m.timerGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	m.pendingPing = ""
	m.missedPongs = 0
}

func (m *Manager) setLive(c Conn) {
	m.liveMu.Lock()
	m.live = c
	m.liveMu.Unlock()
}

func (m *Manager) liveConn() Conn {
	m.liveMu.RLock()
	defer m.liveMu.RUnlock()
	return m.live
}

func (m *Manager) dropConn() {
	m.liveMu.Lock()
	c := m.live
	m.live = nil
	m.liveMu.Unlock()
	m.connGen++
	if c != nil {
		_ = c.Close()
	}
}

func (m *Manager) emitLifecycle(l Lifecycle) {
	switch l.Kind {
	case ConnectionOpened:
		m.bus.Emit(bus.KindConnectionOpened, l)
	case ConnectionClosed:
		m.bus.Emit(bus.KindConnectionClosed, l)
	case ConnectionFailed:
		m.bus.Emit(bus.KindConnectionFailed, l)
	}

	m.handlersMu.RLock()
	handlers := m.lifecycleHandlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(l)
	}
}
