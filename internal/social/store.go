package social

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"go.uber.org/zap"
)

// Sender delivers outbound frames. realtime.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// PresenceObserver receives presence_changed events routed through the store.
type PresenceObserver interface {
	Observe(p protocol.PresenceChanged)
}

// Store is the single source of truth for chats, messages, reactions and
// friends. Every operation runs under one mutex; network sends happen outside
// it and the result is applied afterwards.
type Store struct {
	userID   string
	sender   Sender
	invites  *InviteRegistry
	presence PresenceObserver
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	chats        map[string]*chatState
	chatOrder    []string
	directByPeer map[string]string
	localToAuth  map[string]string
	authToLocal  map[string]string
	requests     map[string]*FriendRequest
	friends      map[string]Friend // keyed by pairKey
	pending      []protocol.ReactionChanged
}

type chatState struct {
	chat     Chat
	members  map[string]struct{}
	messages []*messageState
	byID     map[string]*messageState
}

type messageState struct {
	msg  Message
	keys map[string]ReactionKind
}

// NewStore creates an empty store for the signed-in userID. presence may be nil.
func NewStore(userID string, sender Sender, invites *InviteRegistry, presence PresenceObserver, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		userID:       userID,
		sender:       sender,
		invites:      invites,
		presence:     presence,
		bus:          b,
		logger:       logger,
		now:          time.Now,
		chats:        make(map[string]*chatState),
		directByPeer: make(map[string]string),
		localToAuth:  make(map[string]string),
		authToLocal:  make(map[string]string),
		requests:     make(map[string]*FriendRequest),
		friends:      make(map[string]Friend),
	}
}

// UserID returns the local user.
func (s *Store) UserID() string {
	return s.userID
}

// Chat returns a copy of one chat.
func (s *Store) Chat(chatID string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return cs.snapshot(), true
}

// Chats returns every chat in creation order.
func (s *Store) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, 0, len(s.chatOrder))
	for _, id := range s.chatOrder {
		out = append(out, s.chats[id].snapshot())
	}
	return out
}

// Messages returns a chat's messages in arrival order.
func (s *Store) Messages(chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	out := make([]Message, 0, len(cs.messages))
	for _, ms := range cs.messages {
		out = append(out, ms.snapshot())
	}
	return out, nil
}

// Message returns a copy of one message.
func (s *Store) Message(chatID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.findMessage(chatID, messageID)
	if ms == nil {
		return Message{}, false
	}
	return ms.snapshot(), true
}

// AuthoritativeID returns the server id a local message was acknowledged with.
func (s *Store) AuthoritativeID(localID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.localToAuth[localID]
	return id, ok
}

// Friends returns the local user's friends ordered by display name.
func (s *Store) Friends() []Friend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.friends))
	slices.SortFunc(out, func(a, b Friend) int {
		if a.DisplayName != b.DisplayName {
			return cmp.Compare(a.DisplayName, b.DisplayName)
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out
}

// PendingRequests returns unresolved friend requests, incoming and outgoing.
func (s *Store) PendingRequests() []FriendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FriendRequest
	for _, r := range s.requests {
		if r.State == Pending {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b FriendRequest) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// findMessage resolves messageID as either a local or an authoritative id.
func (s *Store) findMessage(chatID, messageID string) *messageState {
	cs, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	if ms, ok := cs.byID[messageID]; ok {
		return ms
	}
	if local, ok := s.authToLocal[messageID]; ok {
		return cs.byID[local]
	}
	return nil
}

func (s *Store) addChat(c Chat) *chatState {
	cs := &chatState{
		chat:    c,
		members: make(map[string]struct{}, len(c.Members)),
		byID:    make(map[string]*messageState),
	}
	for _, m := range c.Members {
		if m != "" {
			cs.members[m] = struct{}{}
		}
	}
	s.chats[c.ID] = cs
	s.chatOrder = append(s.chatOrder, c.ID)
	if c.Kind == Direct {
		for m := range cs.members {
			if m != s.userID {
				s.directByPeer[m] = c.ID
			}
		}
	}
	return cs
}

func (cs *chatState) snapshot() Chat {
	c := cs.chat
	c.Members = slices.Sorted(maps.Keys(cs.members))
	return c
}

func (cs *chatState) append(ms *messageState) {
	cs.messages = append(cs.messages, ms)
	cs.byID[ms.msg.ID] = ms
}

func newMessageState(m Message) *messageState {
	if m.Reactions == nil {
		m.Reactions = make(map[ReactionKind]int)
	}
	return &messageState{msg: m, keys: make(map[string]ReactionKind)}
}

func (ms *messageState) snapshot() Message {
	m := ms.msg
	m.Reactions = maps.Clone(ms.msg.Reactions)
	if ms.msg.Voice != nil {
		v := *ms.msg.Voice
		m.Voice = &v
	}
	return m
}

// advance moves the status forward and reports whether it changed.
func (ms *messageState) advance(to MessageStatus) bool {
	if to <= ms.msg.Status {
		return false
	}
	ms.msg.Status = to
	return true
}

// MessageEvent is the payload of message bus events.
type MessageEvent struct {
	ChatID    string
	MessageID string
	Status    MessageStatus
	Err       error
}

// ReactionEvent is the payload of reaction bus events.
type ReactionEvent struct {
	ChatID    string
	MessageID string
	Kind      ReactionKind
	Count     int
}

// ReadEvent is the payload of chat-read bus events.
type ReadEvent struct {
	ChatID  string
	Changed int
}

// Inconsistency is published when an inbound event cannot be applied.
type Inconsistency struct {
	Type   string
	Reason string
}

func (s *Store) publishMessage(ms *messageState) {
	s.bus.Emit(bus.KindMessageUpserted, MessageEvent{
		ChatID:    ms.msg.ChatID,
		MessageID: ms.msg.ID,
		Status:    ms.msg.Status,
	})
}

func (s *Store) inconsistent(typ, reason string, fields ...zap.Field) {
	s.logger.Warn("inbound inconsistency", append(fields, zap.String("type", typ), zap.String("reason", reason))...)
	s.bus.Emit(bus.KindInconsistency, Inconsistency{Type: typ, Reason: reason})
}

// sendBestEffort is used for frames whose loss the remote side recovers from.
func (s *Store) sendBestEffort(ctx context.Context, typ string, payload any) {
	env, err := protocol.New(typ, payload)
	if err == nil {
		err = s.sender.Send(ctx, env)
	}
	if err != nil {
		s.logger.Debug("frame not sent", zap.String("type", typ), zap.Error(err))
	}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
