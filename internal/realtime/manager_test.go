package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	autoPong bool

	mu      sync.Mutex
	written []protocol.Envelope
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 128),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	env, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	if c.autoPong && env.Type == protocol.TypePing {
		ping, _ := protocol.Decode[protocol.Ping](env)
		c.push(protocol.MustNew(protocol.TypePong, protocol.Pong{RequestID: ping.RequestID}))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(env protocol.Envelope) {
	data, _ := protocol.Encode(env)
	c.in <- data
}

func (c *fakeConn) writes(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.written {
		if env.Type == typ {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     error
	autoPong bool
	dials    int
	tokens   []string
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn(d.autoPong)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[len(d.tokens)-1]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeFlags struct {
	mu     sync.Mutex
	syncOn bool
	wsOn   bool
}

func (f *fakeFlags) SyncEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncOn, nil
}

func (f *fakeFlags) SetSyncEnabled(_ context.Context, on bool) error {
	f.mu.Lock()
	f.syncOn = on
	f.mu.Unlock()
	return nil
}

func (f *fakeFlags) RealtimeEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsOn, nil
}

func (f *fakeFlags) SetRealtimeEnabled(_ context.Context, on bool) error {
	f.mu.Lock()
	f.wsOn = on
	f.mu.Unlock()
	return nil
}

type fakeCreds struct {
	mu    sync.Mutex
	token string
}

func (c *fakeCreds) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *fakeCreds) set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	flags  *fakeFlags
	creds  *fakeCreds
	bus    *bus.Bus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		flags:  &fakeFlags{wsOn: true},
		creds:  &fakeCreds{token: "tok-1"},
		bus:    bus.New(),
	}
	h.m = NewManager(cfg, h.dialer, h.creds, h.flags, h.bus, zap.NewNop())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.m.Start(context.Background())
	t.Cleanup(h.m.Stop)
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:    time.Hour,
		MaxMissedPongs:       2,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}
}

func waitFor(t *testing.T, m *Manager, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Snapshot(); s.State == want {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s, state = %s", want, m.Snapshot().State)
	return Snapshot{}
}

func TestStaysDisconnectedWithoutGuards(t *testing.T) {
	tests := []struct {
		name   string
		enable bool
		token  string
	}{
		{"sync disabled", false, "tok"},
		{"no token", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.creds.set(tt.token)
			h.start(t)
			if tt.enable {
				if err := h.m.Enable(context.Background()); err != nil {
					t.Fatal(err)
				}
			}
			time.Sleep(30 * time.Millisecond)
			if s := h.m.Snapshot(); s.State != Disconnected {
				t.Errorf("state = %s, want DISCONNECTED", s.State)
			}
			if n := h.dialer.dialCount(); n != 0 {
				t.Errorf("dials = %d, want 0", n)
			}
		})
	}
}

func TestRealtimeFlagGatesConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.flags.wsOn = false
	h.start(t)
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := h.m.Snapshot(); s.State != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED while ws disabled", s.State)
	}
	if err := h.m.SetRealtimeEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, h.m, Connected)

	if err := h.m.SetRealtimeEnabled(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if s := h.m.Snapshot(); s.State != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State)
	}
}

func TestStartConnectsWhenAlreadyEnabled(t *testing.T) {
	h := newHarness(t, testConfig())
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)
	if tok := h.dialer.lastToken(); tok != "tok-1" {
		t.Errorf("dialed with token %q, want tok-1", tok)
	}
}

// Enable with a valid token connects; killing the transport enters
// RECONNECTING with attempt 1; five failed retries end in FAILED.
func TestReconnectUntilFailed(t *testing.T) {
	h := newHarness(t, testConfig())
	changes, unsub := h.bus.Subscribe(bus.KindConnectionState, 64)
	defer unsub()
	lifecycle, unsubLife := h.bus.Subscribe("connection.failed", 4)
	defer unsubLife()

	h.start(t)
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := waitFor(t, h.m, Connected)
	if s.Attempt != 0 {
		t.Errorf("attempt after connect = %d, want 0", s.Attempt)
	}

	h.dialer.setFail(errors.New("connection refused"))
	h.dialer.last().Close()
	s = waitFor(t, h.m, Failed)

	if s.Attempt != 5 {
		t.Errorf("attempt in FAILED = %d, want 5", s.Attempt)
	}
	if !errors.Is(s.LastError, ErrReconnectExhausted) {
		t.Errorf("LastError = %v, want ErrReconnectExhausted", s.LastError)
	}
	if n := h.dialer.dialCount(); n != 6 {
		t.Errorf("dials = %d, want 6 (initial + 5 retries)", n)
	}

	var got []StateChange
	for len(changes) > 0 {
		got = append(got, (<-changes).Payload.(StateChange))
	}
	want := []StateChange{
		{From: Disconnected, To: Connecting, Attempt: 0},
		{From: Connecting, To: Connected, Attempt: 0},
		{From: Connected, To: Reconnecting, Attempt: 1},
	}
	if len(got) < len(want) {
		t.Fatalf("got %d transitions, want at least %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].From != w.From || got[i].To != w.To || got[i].Attempt != w.Attempt {
			t.Errorf("transition %d = %s->%s (attempt %d), want %s->%s (attempt %d)",
				i, got[i].From, got[i].To, got[i].Attempt, w.From, w.To, w.Attempt)
		}
	}
	for _, c := range got {
		if c.To == Failed && c.Attempt != 5 {
			t.Errorf("FAILED entered with attempt %d", c.Attempt)
		}
	}

	select {
	case evt := <-lifecycle:
		if l := evt.Payload.(Lifecycle); l.Kind != ConnectionFailed {
			t.Errorf("lifecycle = %s, want failed", l.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection.failed")
	}
}

func TestAttemptResetsOnReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	h.dialer.setFail(errors.New("refused"))
	h.dialer.last().Close()
	waitFor(t, h.m, Reconnecting)
	for h.dialer.dialCount() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	h.dialer.setFail(nil)

	s := waitFor(t, h.m, Connected)
	if s.Attempt != 0 {
		t.Errorf("attempt = %d, want 0 after reconnect", s.Attempt)
	}
}

func TestNoTimerFiresAfterTeardown(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.dialer.autoPong = true
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	conn := h.dialer.last()
	for conn.writes(protocol.TypePing) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := h.m.Disable(context.Background()); err != nil {
		t.Fatal(err)
	}
	pings := conn.writes(protocol.TypePing)

	// Disconnect while a reconnect is pending.
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, h.m, Connected)
	h.dialer.setFail(errors.New("refused"))
	h.dialer.last().Close()
	waitFor(t, h.m, Reconnecting)
	if err := h.m.Disable(context.Background()); err != nil {
		t.Fatal(err)
	}
	dials := h.dialer.dialCount()

	time.Sleep(100 * time.Millisecond)
	if got := conn.writes(protocol.TypePing); got != pings {
		t.Errorf("pings after teardown = %d, want %d", got, pings)
	}
	if got := h.dialer.dialCount(); got != dials {
		t.Errorf("dials after teardown = %d, want %d", got, dials)
	}
	if s := h.m.Snapshot(); s.State != Disconnected || s.Attempt != 0 {
		t.Errorf("snapshot = %+v, want DISCONNECTED attempt 0", s)
	}
}

func TestMissedPongsCloseConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.ReconnectDelay = time.Hour
	h := newHarness(t, cfg)
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	s := waitFor(t, h.m, Reconnecting)
	if !errors.Is(s.LastError, ErrHeartbeatTimeout) {
		t.Errorf("LastError = %v, want ErrHeartbeatTimeout", s.LastError)
	}
	if s.LastHeartbeatAt.IsZero() {
		t.Error("LastHeartbeatAt not recorded")
	}
}

func TestAnsweredPingsKeepConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.dialer.autoPong = true
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	time.Sleep(60 * time.Millisecond)
	if s := h.m.Snapshot(); s.State != Connected {
		t.Errorf("state = %s, want CONNECTED", s.State)
	}
	if n := h.dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestMissedPongsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.MaxMissedPongs = 0
	h := newHarness(t, cfg)
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	time.Sleep(50 * time.Millisecond)
	if s := h.m.Snapshot(); s.State != Connected {
		t.Errorf("state = %s, want CONNECTED with liveness enforcement off", s.State)
	}
}

func TestFramesDeliveredInOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	var mu sync.Mutex
	var got []string
	h.m.OnFrame(func(env protocol.Envelope) {
		mu.Lock()
		got = append(got, string(env.Payload))
		mu.Unlock()
	})
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	conn := h.dialer.last()
	conn.in <- []byte("not json")
	conn.in <- []byte(`{"payload":{}}`)
	for i := range 20 {
		conn.push(protocol.MustNew(protocol.TypePresenceChanged, map[string]int{"n": i}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 20 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("delivered %d frames, want 20 (malformed frames dropped)", len(got))
	}
	for i, p := range got {
		want := `{"n":` + strconv.Itoa(i) + `}`
		if p != want {
			t.Errorf("frame %d = %s, want %s", i, p, want)
		}
	}
	if s := h.m.Snapshot(); s.State != Connected {
		t.Errorf("state = %s, malformed frames must not close the connection", s.State)
	}
}

func TestSendRequiresConnected(t *testing.T) {
	h := newHarness(t, testConfig())
	env := protocol.MustNew(protocol.TypeMarkRead, protocol.MarkRead{ChatID: "c1"})
	if err := h.m.Send(context.Background(), env); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect = %v, want ErrNotConnected", err)
	}

	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)
	if err := h.m.Send(context.Background(), env); err != nil {
		t.Fatalf("Send while connected = %v", err)
	}
	if n := h.dialer.last().writes(protocol.TypeMarkRead); n != 1 {
		t.Errorf("mark_read writes = %d, want 1", n)
	}

	h.dialer.setFail(errors.New("refused"))
	h.dialer.last().Close()
	waitFor(t, h.m, Reconnecting)
	if err := h.m.Send(context.Background(), env); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while reconnecting = %v, want ErrNotConnected", err)
	}
}

func TestCredentialRemovedDisconnects(t *testing.T) {
	h := newHarness(t, testConfig())
	var mu sync.Mutex
	var events []Lifecycle
	h.m.OnLifecycle(func(l Lifecycle) {
		mu.Lock()
		events = append(events, l)
		mu.Unlock()
	})
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)

	h.creds.set("")
	if err := h.m.CredentialChanged(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := h.m.Snapshot(); s.State != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Kind != ConnectionOpened || events[1].Kind != ConnectionClosed || !events[1].Clean {
		t.Errorf("lifecycle = %+v, want opened then clean close", events)
	}
}

func TestCredentialChangeCyclesConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.flags.syncOn = true
	h.start(t)
	waitFor(t, h.m, Connected)
	first := h.dialer.last()

	h.creds.set("tok-2")
	if err := h.m.CredentialChanged(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, h.m, Connected)
	if h.dialer.last() == first {
		t.Fatal("expected a new connection after token change")
	}
	select {
	case <-first.closed:
	default:
		t.Error("old connection not closed")
	}
	if tok := h.dialer.lastToken(); tok != "tok-2" {
		t.Errorf("redialed with %q, want tok-2", tok)
	}
}

func TestFailedRevivedByCredentialOrEnable(t *testing.T) {
	tests := []struct {
		name   string
		revive func(h *harness) error
	}{
		{"credential change", func(h *harness) error {
			h.creds.set("tok-2")
			return h.m.CredentialChanged(context.Background())
		}},
		{"re-enable", func(h *harness) error {
			return h.m.Enable(context.Background())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxReconnectAttempts = 1
			h := newHarness(t, cfg)
			h.dialer.setFail(errors.New("refused"))
			h.flags.syncOn = true
			h.start(t)
			waitFor(t, h.m, Failed)

			// FAILED is terminal on its own.
			dials := h.dialer.dialCount()
			time.Sleep(40 * time.Millisecond)
			if h.dialer.dialCount() != dials {
				t.Fatal("dialed while FAILED")
			}

			h.dialer.setFail(nil)
			if err := tt.revive(h); err != nil {
				t.Fatal(err)
			}
			s := waitFor(t, h.m, Connected)
			if s.Attempt != 0 {
				t.Errorf("attempt = %d, want 0", s.Attempt)
			}
		})
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	for range 2 {
		if err := h.m.Disable(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if on, _ := h.flags.SyncEnabled(context.Background()); on {
		t.Error("sync flag still on")
	}
	if s := h.m.Snapshot(); s.State != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State)
	}
}

func TestStopClosesConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.flags.syncOn = true
	h.m.Start(context.Background())
	waitFor(t, h.m, Connected)
	conn := h.dialer.last()

	h.m.Stop()
	select {
	case <-conn.closed:
	default:
		t.Error("connection not closed by Stop")
	}
	if err := h.m.Enable(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Enable after Stop = %v, want ErrStopped", err)
	}
}

func TestWSDialerEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" || r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		created := protocol.MustNew(protocol.TypeMessageCreated, protocol.MessageCreated{ID: "m1", ChatID: "c1"})
		data, _ := protocol.Encode(created)
		_ = c.WriteMessage(websocket.TextMessage, data)
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Parse(raw)
			if err != nil || env.Type != protocol.TypePing {
				continue
			}
			ping, _ := protocol.Decode[protocol.Ping](env)
			pong, _ := protocol.Encode(protocol.MustNew(protocol.TypePong, protocol.Pong{RequestID: ping.RequestID}))
			_ = c.WriteMessage(websocket.TextMessage, pong)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	frames := make(chan protocol.Envelope, 4)
	m := NewManager(cfg, NewWSDialer(url, time.Second), &fakeCreds{token: "tok-1"},
		&fakeFlags{syncOn: true, wsOn: true}, nil, zap.NewNop())
	m.OnFrame(func(env protocol.Envelope) { frames <- env })
	m.Start(context.Background())
	defer m.Stop()

	select {
	case env := <-frames:
		if env.Type != protocol.TypeMessageCreated {
			t.Errorf("frame type = %s, want %s", env.Type, protocol.TypeMessageCreated)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame received, state = %s", m.Snapshot().State)
	}

	time.Sleep(60 * time.Millisecond)
	if s := m.Snapshot(); s.State != Connected {
		t.Errorf("state = %s, want CONNECTED with pongs answered", s.State)
	}
}

func TestWSDialerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
	_, err := d.Dial(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Dial error = %v, want status 401", err)
	}
}
