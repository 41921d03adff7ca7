// Package relay is a development stand-in for the realtime backend. It
// authenticates a websocket by token, assigns authoritative ids and fans
// events out to the members of each chat.
package relay

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type chat struct {
	title   string
	kind    string
	code    string
	members map[string]struct{}
}

type message struct {
	chatID  string
	author  string
	created protocol.MessageCreated
}

type request struct {
	from, to string
	resolved bool
}

// Hub holds every connection and the relay's view of chats. Frames from one
// connection are handled in order; the hub lock is never held during I/O.
type Hub struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	clients  map[string]map[*client]struct{}
	chats    map[string]*chat
	messages map[string]message
	aliases  map[string]string // author + "/" + client msg id -> message id
	byChat   map[string][]string
	requests map[string]*request
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		now:      time.Now,
		clients:  make(map[string]map[*client]struct{}),
		chats:    make(map[string]*chat),
		messages: make(map[string]message),
		aliases:  make(map[string]string),
		byChat:   make(map[string][]string),
		requests: make(map[string]*request),
	}
}

// Online returns the users with at least one connection.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.clients))
}

// Close disconnects every client and waits for their pumps.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, cs := range h.clients {
		for c := range cs {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	for _, c := range all {
		c.wait()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	first := len(h.clients[c.userID]) == 0
	if first {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	others := h.onlineExceptLocked(c.userID)
	h.mu.Unlock()

	c.enqueue(protocol.MustNew(protocol.TypeAuthenticated, protocol.Authenticated{UserID: c.userID}))
	for _, u := range others {
		c.enqueue(protocol.MustNew(protocol.TypePresenceChanged, protocol.PresenceChanged{UserID: u, Status: "online"}))
	}
	if first {
		h.logger.Info("user online", zap.String("user_id", c.userID))
		h.sendTo(others, protocol.MustNew(protocol.TypePresenceChanged, protocol.PresenceChanged{
			UserID: c.userID,
			Status: "online",
		}))
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	cs, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := cs[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(cs, c)
	last := len(cs) == 0
	if last {
		delete(h.clients, c.userID)
	}
	others := h.onlineExceptLocked(c.userID)
	h.mu.Unlock()

	if last {
		h.logger.Info("user offline", zap.String("user_id", c.userID))
		h.sendTo(others, protocol.MustNew(protocol.TypePresenceChanged, protocol.PresenceChanged{
			UserID:     c.userID,
			Status:     "offline",
			LastSeenAt: h.now().UnixMilli(),
		}))
	}
}

func (h *Hub) onlineExceptLocked(userID string) []string {
	out := make([]string, 0, len(h.clients))
	for u := range h.clients {
		if u != userID {
			out = append(out, u)
		}
	}
	return out
}

// sendTo delivers env to every connection of every user in users.
func (h *Hub) sendTo(users []string, env protocol.Envelope) {
	h.mu.Lock()
	var targets []*client
	for _, u := range users {
		for c := range h.clients[u] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(env)
	}
}

func (h *Hub) handle(_ context.Context, c *client, env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypePing:
		var p protocol.Ping
		if p, err = protocol.Decode[protocol.Ping](env); err == nil {
			c.enqueue(protocol.MustNew(protocol.TypePong, protocol.Pong{RequestID: p.RequestID}))
		}
	case protocol.TypeSendText:
		var p protocol.SendText
		if p, err = protocol.Decode[protocol.SendText](env); err == nil {
			h.post(c.userID, p.ChatID, protocol.MessageCreated{
				ClientMsgID: p.ClientMsgID,
				Kind:        "text",
				Body:        p.Body,
			})
		}
	case protocol.TypeSendVoice:
		var p protocol.SendVoice
		if p, err = protocol.Decode[protocol.SendVoice](env); err == nil {
			voice := p.Voice
			h.post(c.userID, p.ChatID, protocol.MessageCreated{
				ClientMsgID: p.ClientMsgID,
				Kind:        "voice",
				Voice:       &voice,
			})
		}
	case protocol.TypeReact:
		var p protocol.React
		if p, err = protocol.Decode[protocol.React](env); err == nil {
			h.react(c, p)
		}
	case protocol.TypeMarkRead:
		var p protocol.MarkRead
		if p, err = protocol.Decode[protocol.MarkRead](env); err == nil {
			h.markRead(c.userID, p.ChatID)
		}
	case protocol.TypeCreateGroup:
		var p protocol.CreateGroup
		if p, err = protocol.Decode[protocol.CreateGroup](env); err == nil {
			h.createGroup(c.userID, p)
		}
	case protocol.TypeJoinGroup:
		var p protocol.JoinGroup
		if p, err = protocol.Decode[protocol.JoinGroup](env); err == nil {
			h.joinGroup(c, p)
		}
	case protocol.TypeFriendRequest:
		var p protocol.FriendRequest
		if p, err = protocol.Decode[protocol.FriendRequest](env); err == nil {
			h.friendRequest(c.userID, p)
		}
	case protocol.TypeFriendRequestResolve:
		var p protocol.FriendRequestResolve
		if p, err = protocol.Decode[protocol.FriendRequestResolve](env); err == nil {
			h.resolveFriendRequest(c, p)
		}
	default:
		c.enqueue(protocol.MustNew(protocol.TypeError, protocol.ServerError{Message: "unsupported type " + env.Type}))
		return
	}
	if err != nil {
		c.enqueue(protocol.MustNew(protocol.TypeError, protocol.ServerError{Message: err.Error()}))
	}
}

// audienceLocked returns the members of chatID. A chat the relay has never seen is
// adopted with the author as its first member and broadcast to everyone
// online, which is how direct chats created offline reach their peer.
func (h *Hub) audienceLocked(author, chatID string) []string {
	ch, ok := h.chats[chatID]
	if !ok {
		ch = &chat{kind: "direct", members: map[string]struct{}{author: {}}}
		h.chats[chatID] = ch
		return slices.Collect(maps.Keys(h.clients))
	}
	ch.members[author] = struct{}{}
	return slices.Collect(maps.Keys(ch.members))
}

// post assigns an authoritative id and fans the message out. A repeated
// client msg id from the same author is acknowledged again to the author
// instead of creating a second message.
func (h *Hub) post(author, chatID string, m protocol.MessageCreated) {
	if chatID == "" {
		return
	}

	h.mu.Lock()
	if m.ClientMsgID != "" {
		if id, ok := h.aliases[author+"/"+m.ClientMsgID]; ok {
			existing := h.messages[id].created
			h.mu.Unlock()
			h.sendTo([]string{author}, protocol.MustNew(protocol.TypeMessageCreated, existing))
			return
		}
	}
	m.ID = uuid.NewString()
	m.ChatID = chatID
	m.AuthorID = author
	m.Timestamp = h.now().UnixMilli()
	to := h.audienceLocked(author, chatID)
	h.messages[m.ID] = message{chatID: chatID, author: author, created: m}
	if m.ClientMsgID != "" {
		h.aliases[author+"/"+m.ClientMsgID] = m.ID
	}
	h.byChat[chatID] = append(h.byChat[chatID], m.ID)
	h.mu.Unlock()

	h.sendTo(to, protocol.MustNew(protocol.TypeMessageCreated, m))
}

// react accepts either the authoritative id or, from the author, the client
// msg id the message was sent under. Peers always see the authoritative id.
func (h *Hub) react(c *client, p protocol.React) {
	h.mu.Lock()
	id := p.MessageID
	if _, ok := h.messages[id]; !ok {
		id = h.aliases[c.userID+"/"+p.MessageID]
	}
	msg, ok := h.messages[id]
	if !ok || msg.chatID != p.ChatID {
		h.mu.Unlock()
		c.enqueue(protocol.MustNew(protocol.TypeError, protocol.ServerError{Message: "react: unknown message " + p.MessageID}))
		return
	}
	to := h.audienceLocked(c.userID, p.ChatID)
	h.mu.Unlock()

	h.sendTo(to, protocol.MustNew(protocol.TypeReactionChanged, protocol.ReactionChanged{
		ChatID:    p.ChatID,
		MessageID: id,
		ReactorID: c.userID,
		Kind:      p.Kind,
		Key:       p.Key,
	}))
}

// markRead sends a read receipt to the author of every message in the chat
// written by someone else.
func (h *Hub) markRead(reader, chatID string) {
	h.mu.Lock()
	receipts := make(map[string][]string)
	for _, id := range h.byChat[chatID] {
		if m := h.messages[id]; m.author != reader {
			receipts[m.author] = append(receipts[m.author], id)
		}
	}
	h.mu.Unlock()

	for author, ids := range receipts {
		for _, id := range ids {
			h.sendTo([]string{author}, protocol.MustNew(protocol.TypeMessageStatus, protocol.MessageStatus{
				ChatID:    chatID,
				MessageID: id,
				Status:    "read",
			}))
		}
	}
}

func (h *Hub) createGroup(creator string, p protocol.CreateGroup) {
	if p.ChatID == "" {
		return
	}
	h.mu.Lock()
	if _, exists := h.chats[p.ChatID]; exists {
		h.mu.Unlock()
		return
	}
	ch := &chat{title: p.Title, kind: "group", code: p.InviteCode, members: map[string]struct{}{creator: {}}}
	for _, m := range p.Members {
		if m != "" {
			ch.members[m] = struct{}{}
		}
	}
	h.chats[p.ChatID] = ch
	created := chatCreated(p.ChatID, ch)
	h.mu.Unlock()

	h.sendTo(created.Members, protocol.MustNew(protocol.TypeChatCreated, created))
}

func (h *Hub) joinGroup(c *client, p protocol.JoinGroup) {
	h.mu.Lock()
	ch, ok := h.chats[p.ChatID]
	if !ok || ch.kind != "group" || ch.code != p.InviteCode {
		h.mu.Unlock()
		c.enqueue(protocol.MustNew(protocol.TypeError, protocol.ServerError{Message: "unknown group or invite code"}))
		return
	}
	ch.members[c.userID] = struct{}{}
	created := chatCreated(p.ChatID, ch)
	h.mu.Unlock()

	h.sendTo(created.Members, protocol.MustNew(protocol.TypeChatCreated, created))
}

func chatCreated(id string, ch *chat) protocol.ChatCreated {
	return protocol.ChatCreated{
		ID:         id,
		Title:      ch.title,
		Kind:       ch.kind,
		Members:    slices.Sorted(maps.Keys(ch.members)),
		InviteCode: ch.code,
	}
}

func (h *Hub) friendRequest(from string, p protocol.FriendRequest) {
	if p.ID == "" || p.ToUserID == "" || p.ToUserID == from {
		return
	}
	h.mu.Lock()
	if _, exists := h.requests[p.ID]; exists {
		h.mu.Unlock()
		return
	}
	h.requests[p.ID] = &request{from: from, to: p.ToUserID}
	h.mu.Unlock()

	h.sendTo([]string{from, p.ToUserID}, protocol.MustNew(protocol.TypeFriendRequestCreated, protocol.FriendRequestCreated{
		ID:         p.ID,
		FromUserID: from,
		ToUserID:   p.ToUserID,
		Note:       p.Note,
	}))
}

func (h *Hub) resolveFriendRequest(c *client, p protocol.FriendRequestResolve) {
	h.mu.Lock()
	r, ok := h.requests[p.ID]
	if !ok || r.to != c.userID || r.resolved {
		h.mu.Unlock()
		c.enqueue(protocol.MustNew(protocol.TypeError, protocol.ServerError{Message: "no pending request " + p.ID}))
		return
	}
	r.resolved = true
	from, to := r.from, r.to
	h.mu.Unlock()

	state := "rejected"
	if p.Accept {
		state = "accepted"
	}
	h.sendTo([]string{from, to}, protocol.MustNew(protocol.TypeFriendRequestResolved, protocol.FriendRequestResolved{
		ID:         p.ID,
		State:      state,
		FromUserID: from,
		ToUserID:   to,
	}))
}
