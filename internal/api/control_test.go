package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/focuscircle/focussync/internal/auth"
	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/kv"
	"github.com/focuscircle/focussync/internal/presence"
	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/focuscircle/focussync/internal/realtime"
	"github.com/focuscircle/focussync/internal/social"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeConn struct {
	mu          sync.Mutex
	state       realtime.State
	enables     int
	credChanges int
}

func (f *fakeConn) Snapshot() realtime.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return realtime.Snapshot{State: f.state}
}

func (f *fakeConn) Enable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	f.state = realtime.Connected
	return nil
}

func (f *fakeConn) Disable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = realtime.Disconnected
	return nil
}

func (f *fakeConn) SetRealtimeEnabled(context.Context, bool) error { return nil }

func (f *fakeConn) CredentialChanged(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credChanges++
	return nil
}

type switchSender struct {
	mu  sync.Mutex
	err error
}

func (s *switchSender) Send(context.Context, protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type harness struct {
	client  *Client
	conn    *fakeConn
	sender  *switchSender
	store   *social.Store
	tracker *presence.Tracker
	tokens  *auth.TokenSource
	bus     *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "fs-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	b := bus.New()
	mem := kv.NewMemory()
	tokens := auth.NewTokenSource(mem)
	tracker := presence.NewTracker(b, zap.NewNop())
	sender := &switchSender{}
	store := social.NewStore("me", sender, social.NewInviteRegistry(), tracker, b, zap.NewNop())
	conn := &fakeConn{state: realtime.Disconnected}
	svc := NewControl("test", conn, kv.NewFlags(mem), tokens, store, tracker, b, zap.NewNop())

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	RegisterControlServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewClient(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return &harness{client: c, conn: conn, sender: sender, store: store, tracker: tracker, tokens: tokens, bus: b}
}

func (h *harness) call(t *testing.T, method string, args map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.client.Call(ctx, method, args)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp.AsMap()
}

func callCode(t *testing.T, h *harness, method string, args map[string]any) codes.Code {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.client.Call(ctx, method, args)
	return grpcstatus.Code(err)
}

func TestStatusAndEnable(t *testing.T) {
	h := newHarness(t)

	st := h.call(t, MethodGetStatus, nil)
	if st["state"] != "DISCONNECTED" || st["profile"] != "test" || st["user_id"] != "me" {
		t.Fatalf("status = %v", st)
	}
	if st["ws_enabled"] != true || st["sync_enabled"] != false {
		t.Errorf("flags = %v / %v", st["sync_enabled"], st["ws_enabled"])
	}

	st = h.call(t, MethodEnable, nil)
	if st["state"] != "CONNECTED" {
		t.Errorf("state after Enable = %v", st["state"])
	}
}

func TestSetTokenNotifiesConnection(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodSetToken, map[string]any{"token": "abc"})

	if tok, _ := h.tokens.Token(context.Background()); tok != "abc" {
		t.Errorf("stored token = %q", tok)
	}
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	if h.conn.credChanges != 1 {
		t.Errorf("CredentialChanged calls = %d, want 1", h.conn.credChanges)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	h := newHarness(t)

	chat := h.call(t, MethodCreateGroup, map[string]any{"title": "Study", "members": []any{"u2"}})
	code, _ := chat["invite_code"].(string)
	if len(code) != social.InviteCodeLength {
		t.Fatalf("invite_code = %v", chat["invite_code"])
	}

	for range 2 {
		res := h.call(t, MethodJoinByCode, map[string]any{"code": "focussync://join/" + code})
		if res["found"] != true || res["chat_id"] != chat["id"] {
			t.Fatalf("join = %v", res)
		}
	}
	miss := h.call(t, MethodJoinByCode, map[string]any{"code": "ZZZZZZ"})
	if miss["found"] != false {
		t.Errorf("unknown code found = %v", miss["found"])
	}
	if got := callCode(t, h, MethodJoinByCode, map[string]any{"code": "x"}); got != codes.InvalidArgument {
		t.Errorf("malformed code = %v, want InvalidArgument", got)
	}

	qr := h.call(t, MethodInviteQR, map[string]any{"chat_id": chat["id"]})
	if qr["code"] != code || qr["qr"] == "" {
		t.Errorf("InviteQR = %v", qr)
	}

	list := h.call(t, MethodListChats, nil)
	chats, _ := list["chats"].([]any)
	if len(chats) != 1 {
		t.Fatalf("chats = %v", list)
	}
	members, _ := chats[0].(map[string]any)["members"].([]any)
	if len(members) != 2 {
		t.Errorf("members = %v, want creator and u2 once", members)
	}
}

func TestSendTextReportsTransportFailure(t *testing.T) {
	h := newHarness(t)
	chat := h.call(t, MethodCreateDirect, map[string]any{"peer_id": "u2"})

	if got := callCode(t, h, MethodSendText, map[string]any{"chat_id": chat["id"], "text": "  "}); got != codes.InvalidArgument {
		t.Errorf("empty text = %v, want InvalidArgument", got)
	}

	h.sender.mu.Lock()
	h.sender.err = realtime.ErrNotConnected
	h.sender.mu.Unlock()

	msg := h.call(t, MethodSendText, map[string]any{"chat_id": chat["id"], "text": "hi"})
	if msg["status"] != "sending" || msg["send_error"] == nil {
		t.Fatalf("offline send = %v", msg)
	}

	h.sender.mu.Lock()
	h.sender.err = nil
	h.sender.mu.Unlock()

	retried := h.call(t, MethodRetrySend, map[string]any{"chat_id": chat["id"], "message_id": msg["id"]})
	if retried["status"] != "sent" || retried["id"] != msg["id"] {
		t.Errorf("retry = %v", retried)
	}
	if got := callCode(t, h, MethodRetrySend, map[string]any{"chat_id": chat["id"], "message_id": msg["id"]}); got != codes.FailedPrecondition {
		t.Errorf("second retry = %v, want FailedPrecondition", got)
	}
}

func TestReactAndMarkRead(t *testing.T) {
	h := newHarness(t)
	chat := h.call(t, MethodCreateDirect, map[string]any{"peer_id": "u2"})
	msg := h.call(t, MethodSendText, map[string]any{"chat_id": chat["id"], "text": "hi"})

	r := h.call(t, MethodReact, map[string]any{"chat_id": chat["id"], "message_id": msg["id"], "kind": "heart"})
	if r["key"] == "" {
		t.Error("missing reaction key")
	}
	if got := callCode(t, h, MethodReact, map[string]any{"chat_id": chat["id"], "message_id": msg["id"], "kind": "boo"}); got != codes.InvalidArgument {
		t.Errorf("unknown reaction = %v", got)
	}
	if got := callCode(t, h, MethodMarkRead, map[string]any{"chat_id": "nope"}); got != codes.NotFound {
		t.Errorf("MarkRead unknown chat = %v, want NotFound", got)
	}
	if res := h.call(t, MethodMarkRead, map[string]any{"chat_id": chat["id"]}); res["changed"] != float64(0) {
		t.Errorf("MarkRead own messages changed = %v", res["changed"])
	}
}

func TestFriendFlow(t *testing.T) {
	h := newHarness(t)
	h.store.ApplyInbound(protocol.MustNew(protocol.TypeFriendRequestCreated, protocol.FriendRequestCreated{
		ID:              "fr1",
		FromUserID:      "u2",
		ToUserID:        "me",
		FromDisplayName: "Bea",
	}))

	res := h.call(t, MethodResolveFriendRequest, map[string]any{"request_id": "fr1", "accept": true})
	if res["state"] != "accepted" {
		t.Fatalf("resolve = %v", res)
	}
	if got := callCode(t, h, MethodResolveFriendRequest, map[string]any{"request_id": "fr1", "accept": true}); got != codes.FailedPrecondition {
		t.Errorf("second resolve = %v", got)
	}
	list := h.call(t, MethodListFriends, nil)
	friends, _ := list["friends"].([]any)
	if len(friends) != 1 {
		t.Errorf("friends = %v", list)
	}
}

func TestPresenceLookup(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, MethodPresence, map[string]any{"user_ids": []any{"u2"}})
	entry, _ := res["entries"].(map[string]any)["u2"].(map[string]any)
	if res["checked"] != false || entry["status"] != "unknown" {
		t.Errorf("before connect = %v", res)
	}

	h.tracker.ConnectionOpened()
	h.tracker.Observe(protocol.PresenceChanged{UserID: "u3", Status: "online"})
	res = h.call(t, MethodPresence, nil)
	entries, _ := res["entries"].(map[string]any)
	if len(entries) != 1 || entries["u3"].(map[string]any)["status"] != "online" {
		t.Errorf("snapshot = %v", res)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.Watch(ctx, "social.")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is registered asynchronously; publish until one arrives.
	got := make(chan map[string]any, 1)
	go func() {
		evt, err := stream.Recv()
		if err == nil {
			got <- evt.AsMap()
		}
	}()
	for {
		h.bus.Emit(bus.KindChatRead, social.ReadEvent{ChatID: "c1", Changed: 2})
		select {
		case evt := <-got:
			if evt["kind"] != bus.KindChatRead {
				t.Fatalf("kind = %v", evt["kind"])
			}
			payload, _ := evt["payload"].(map[string]any)
			if payload["chat_id"] != "c1" || payload["changed"] != float64(2) {
				t.Errorf("payload = %v", payload)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timeout waiting for watch event")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{social.ErrChatNotFound, codes.NotFound},
		{social.ErrEmptyText, codes.InvalidArgument},
		{social.ErrRequestResolved, codes.FailedPrecondition},
		{realtime.ErrNotConnected, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
		{grpcstatus.Error(codes.Canceled, "x"), codes.Canceled},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if toStatus(nil) != nil {
		t.Error("toStatus(nil) should be nil")
	}
}
