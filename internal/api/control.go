package api

import (
	"context"
	"errors"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/invite"
	"github.com/focuscircle/focussync/internal/presence"
	"github.com/focuscircle/focussync/internal/realtime"
	"github.com/focuscircle/focussync/internal/social"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Connection is the part of realtime.Manager the service drives.
type Connection interface {
	Snapshot() realtime.Snapshot
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	SetRealtimeEnabled(ctx context.Context, on bool) error
	CredentialChanged(ctx context.Context) error
}

// Credentials stores the auth token.
type Credentials interface {
	SetToken(ctx context.Context, token string) error
}

// Presence answers presence lookups.
type Presence interface {
	Lookup(userID string) presence.Entry
	Checked() bool
	Snapshot() map[string]presence.Entry
}

// Control implements ControlServer on top of the connection manager, the
// social store and the presence tracker.
type Control struct {
	profile  string
	conn     Connection
	flags    realtime.Flags
	creds    Credentials
	store    *social.Store
	presence Presence
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewControl creates the service for one profile.
func NewControl(profile string, conn Connection, flags realtime.Flags, creds Credentials, store *social.Store, p Presence, b *bus.Bus, logger *zap.Logger) *Control {
	return &Control{
		profile:  profile,
		conn:     conn,
		flags:    flags,
		creds:    creds,
		store:    store,
		presence: p,
		bus:      b,
		logger:   logger,
	}
}

// GetStatus returns the connection snapshot, both flags and the profile.
func (c *Control) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	m := snapshotMap(c.conn.Snapshot())
	m["profile"] = c.profile
	m["user_id"] = c.store.UserID()
	m["presence_checked"] = c.presence.Checked()
	if on, err := c.flags.SyncEnabled(ctx); err == nil {
		m["sync_enabled"] = on
	}
	if on, err := c.flags.RealtimeEnabled(ctx); err == nil {
		m["ws_enabled"] = on
	}
	return toStruct(m)
}

func (c *Control) Enable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := c.conn.Enable(ctx); err != nil {
		return nil, toStatus(err)
	}
	return c.GetStatus(ctx, req)
}

func (c *Control) Disable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := c.conn.Disable(ctx); err != nil {
		return nil, toStatus(err)
	}
	return c.GetStatus(ctx, req)
}

// SetRealtime: {enabled}.
func (c *Control) SetRealtime(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := c.conn.SetRealtimeEnabled(ctx, boolean(req, "enabled")); err != nil {
		return nil, toStatus(err)
	}
	return c.GetStatus(ctx, req)
}

// SetToken: {token}. An empty token signs out.
func (c *Control) SetToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := c.creds.SetToken(ctx, str(req, "token")); err != nil {
		return nil, toStatus(err)
	}
	if err := c.conn.CredentialChanged(ctx); err != nil {
		return nil, toStatus(err)
	}
	return c.GetStatus(ctx, req)
}

func (c *Control) ListChats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	chats := c.store.Chats()
	out := make([]any, 0, len(chats))
	for _, ch := range chats {
		out = append(out, chatMap(ch))
	}
	return toStruct(map[string]any{"chats": out})
}

// ListMessages: {chat_id}.
func (c *Control) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msgs, err := c.store.Messages(str(req, "chat_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageMap(m))
	}
	return toStruct(map[string]any{"messages": out})
}

// SendText: {chat_id, text}. A transport failure is not an RPC error: the
// message exists locally in sending state and send_error says why.
func (c *Control) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return sent(c.store.SendText(ctx, str(req, "chat_id"), str(req, "text")))
}

// SendVoice: {chat_id, uri, duration_sec}.
func (c *Control) SendVoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return sent(c.store.SendVoice(ctx, str(req, "chat_id"), str(req, "uri"), num(req, "duration_sec")))
}

// RetrySend: {chat_id, message_id}.
func (c *Control) RetrySend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := c.store.RetrySend(ctx, str(req, "chat_id"), str(req, "message_id"))
	if errors.Is(err, social.ErrNotRetryable) {
		return nil, toStatus(err)
	}
	return sent(msg, err)
}

func sent(msg social.Message, err error) (*structpb.Struct, error) {
	if err != nil && msg.ID == "" {
		return nil, toStatus(err)
	}
	m := messageMap(msg)
	if err != nil {
		m["send_error"] = err.Error()
	}
	return toStruct(m)
}

// React: {chat_id, message_id, kind}.
func (c *Control) React(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := c.store.ReactMessage(ctx, str(req, "chat_id"), str(req, "message_id"), social.ReactionKind(str(req, "kind")))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"key": key})
}

// MarkRead: {chat_id}.
func (c *Control) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n, err := c.store.MarkRead(ctx, str(req, "chat_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"changed": n})
}

// CreateGroup: {title, members}.
func (c *Control) CreateGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ch, err := c.store.CreateGroup(ctx, str(req, "title"), strs(req, "members"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(chatMap(ch))
}

// CreateDirect: {peer_id}.
func (c *Control) CreateDirect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ch, err := c.store.CreateDirect(ctx, str(req, "peer_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(chatMap(ch))
}

// JoinByCode: {code}. code may also be a share link. An unknown code is
// found=false, not an error.
func (c *Control) JoinByCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, found, err := c.store.JoinByCode(ctx, invite.CodeFromLink(str(req, "code")))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"found": found, "chat_id": chatID})
}

// InviteQR: {chat_id} or {code}. Returns the share link and a terminal QR.
func (c *Control) InviteQR(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	code := str(req, "code")
	if id := str(req, "chat_id"); id != "" {
		ch, ok := c.store.Chat(id)
		if !ok {
			return nil, toStatus(social.ErrChatNotFound)
		}
		if ch.InviteCode == "" {
			return nil, grpcstatus.Errorf(codes.FailedPrecondition, "chat %s has no invite code", id)
		}
		code = ch.InviteCode
	}
	link, err := invite.Link(code)
	if err != nil {
		return nil, toStatus(err)
	}
	qr, err := invite.Terminal(code)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"code": code, "link": link, "qr": qr})
}

// SendFriendRequest: {to_user_id, note}.
func (c *Control) SendFriendRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := c.store.SendFriendRequest(ctx, str(req, "to_user_id"), str(req, "note"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(requestMap(r))
}

// ResolveFriendRequest: {request_id, accept}.
func (c *Control) ResolveFriendRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "request_id")
	if !boolean(req, "accept") {
		if err := c.store.RejectFriendRequest(ctx, id); err != nil {
			return nil, toStatus(err)
		}
		return toStruct(map[string]any{"state": string(social.Rejected)})
	}
	f, err := c.store.AcceptFriendRequest(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"state": string(social.Accepted), "friend": friendMap(f)})
}

// ListFriends returns friends and unresolved requests.
func (c *Control) ListFriends(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var friends, pending []any
	for _, f := range c.store.Friends() {
		friends = append(friends, friendMap(f))
	}
	for _, r := range c.store.PendingRequests() {
		pending = append(pending, requestMap(r))
	}
	return toStruct(map[string]any{"friends": friends, "pending": pending})
}

// Presence: {user_ids}. Without ids every known entry is returned.
func (c *Control) Presence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entries := make(map[string]any)
	if ids := strs(req, "user_ids"); len(ids) > 0 {
		for _, id := range ids {
			entries[id] = entryMap(c.presence.Lookup(id))
		}
	} else {
		for id, e := range c.presence.Snapshot() {
			entries[id] = entryMap(e)
		}
	}
	return toStruct(map[string]any{"checked": c.presence.Checked(), "entries": entries})
}

// Watch streams bus events whose kind starts with {namespace} ("" for all)
// until the client goes away.
func (c *Control) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := c.bus.Subscribe(str(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(map[string]any{
				"event_id":       uuid.NewString(),
				"profile":        c.profile,
				"kind":           evt.Kind,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        eventMap(evt.Payload),
			})
			if err != nil {
				c.logger.Warn("watch: encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
