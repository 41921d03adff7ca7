package social

import (
	"time"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"go.uber.org/zap"
)

// maxPendingReactions bounds reactions held back until their message arrives.
const maxPendingReactions = 64

// ApplyInbound applies one authoritative event. Unknown types are ignored.
// Payloads that fail to decode are logged and dropped.
func (s *Store) ApplyInbound(env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeMessageCreated:
		var p protocol.MessageCreated
		if p, err = protocol.Decode[protocol.MessageCreated](env); err == nil {
			s.applyMessageCreated(p)
		}
	case protocol.TypeReactionChanged:
		var p protocol.ReactionChanged
		if p, err = protocol.Decode[protocol.ReactionChanged](env); err == nil {
			s.applyReactionChanged(p)
		}
	case protocol.TypePresenceChanged:
		var p protocol.PresenceChanged
		if p, err = protocol.Decode[protocol.PresenceChanged](env); err == nil && s.presence != nil {
			s.presence.Observe(p)
		}
	case protocol.TypeFriendRequestCreated:
		var p protocol.FriendRequestCreated
		if p, err = protocol.Decode[protocol.FriendRequestCreated](env); err == nil {
			s.applyFriendRequestCreated(p)
		}
	case protocol.TypeFriendRequestResolved:
		var p protocol.FriendRequestResolved
		if p, err = protocol.Decode[protocol.FriendRequestResolved](env); err == nil {
			s.applyFriendRequestResolved(p)
		}
	case protocol.TypeMessageStatus:
		var p protocol.MessageStatus
		if p, err = protocol.Decode[protocol.MessageStatus](env); err == nil {
			s.applyMessageStatus(p)
		}
	case protocol.TypeChatCreated:
		var p protocol.ChatCreated
		if p, err = protocol.Decode[protocol.ChatCreated](env); err == nil {
			s.applyChatCreated(p)
		}
	case protocol.TypeError:
		if p, derr := protocol.Decode[protocol.ServerError](env); derr == nil {
			s.logger.Warn("remote error", zap.String("message", p.Message))
		}
	default:
		s.logger.Debug("ignoring inbound event", zap.String("type", env.Type))
	}
	if err != nil {
		s.logger.Warn("dropping inbound event", zap.String("type", env.Type), zap.Error(err))
	}
}

func (s *Store) applyMessageCreated(p protocol.MessageCreated) {
	if p.ID == "" || p.ChatID == "" {
		s.inconsistent(protocol.TypeMessageCreated, "missing id or chat id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The acknowledgment of a message this client sent.
	if p.ClientMsgID != "" {
		if ms := s.findMessage(p.ChatID, p.ClientMsgID); ms != nil && ms.msg.AuthorID == s.userID {
			s.localToAuth[ms.msg.ID] = p.ID
			s.authToLocal[p.ID] = ms.msg.ID
			s.mergeAuthoritative(ms, p, Sent)
			s.publishMessage(ms)
			s.flushPendingReactions(ms, p.ID)
			return
		}
	}

	// A redelivery of a message already applied.
	if ms := s.findMessage(p.ChatID, p.ID); ms != nil {
		if s.mergeAuthoritative(ms, p, ms.msg.Status) {
			s.publishMessage(ms)
		}
		return
	}

	cs, ok := s.chats[p.ChatID]
	if !ok {
		// First sight of a chat; chat_created will fill in the details.
		cs = s.addChat(Chat{
			ID:      p.ChatID,
			Title:   p.AuthorID,
			Kind:    Direct,
			Members: []string{s.userID, p.AuthorID},
		})
	}

	status := Sent
	if st, ok := ParseMessageStatus(p.Status); ok {
		status = st
	} else if p.AuthorID != s.userID {
		status = Delivered
	}
	m := Message{
		ID:        p.ID,
		ChatID:    p.ChatID,
		AuthorID:  p.AuthorID,
		Kind:      Text,
		Body:      p.Body,
		Timestamp: timestamp(p.Timestamp, s.now),
		Status:    status,
	}
	if p.Kind == string(Voice) && p.Voice != nil {
		m.Kind = Voice
		m.Voice = &VoiceRef{URI: p.Voice.URI, DurationSec: p.Voice.DurationSec}
	}
	ms := newMessageState(m)
	cs.append(ms)
	if p.AuthorID != s.userID && status < Read {
		cs.chat.UnreadCount++
		s.bus.Emit(bus.KindChatUpdated, cs.snapshot())
	}
	s.publishMessage(ms)
	s.flushPendingReactions(ms, p.ID)
}

// mergeAuthoritative overwrites content fields with the server copy and moves
// the status forward to at least floor. The id and chat never change.
func (s *Store) mergeAuthoritative(ms *messageState, p protocol.MessageCreated, floor MessageStatus) bool {
	changed := false
	if p.Body != "" && p.Body != ms.msg.Body {
		ms.msg.Body = p.Body
		changed = true
	}
	if p.Timestamp > 0 {
		if ts := time.UnixMilli(p.Timestamp); !ts.Equal(ms.msg.Timestamp) {
			ms.msg.Timestamp = ts
			changed = true
		}
	}
	if st, ok := ParseMessageStatus(p.Status); ok && st > floor {
		floor = st
	}
	if ms.advance(floor) {
		changed = true
	}
	return changed
}

func (s *Store) applyReactionChanged(p protocol.ReactionChanged) {
	kind, ok := ParseReactionKind(p.Kind)
	if !ok && !p.Removed {
		s.logger.Debug("ignoring unknown reaction kind", zap.String("kind", p.Kind))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.findMessage(p.ChatID, p.MessageID)
	if ms == nil {
		s.bufferReaction(p)
		return
	}
	s.applyReaction(ms, reactionKey(p), kind, p.Removed)
}

// bufferReaction holds a reaction whose message has not arrived yet. The
// oldest entry is dropped when the buffer is full.
func (s *Store) bufferReaction(p protocol.ReactionChanged) {
	if len(s.pending) >= maxPendingReactions {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.inconsistent(protocol.TypeReactionChanged, "pending reaction buffer full, dropping oldest",
			zap.String("chat_id", dropped.ChatID),
			zap.String("msg_id", dropped.MessageID),
		)
	}
	s.pending = append(s.pending, p)
}

// flushPendingReactions retries, exactly once, the buffered reactions for a
// message that just arrived under authID.
func (s *Store) flushPendingReactions(ms *messageState, authID string) {
	if len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.MessageID != authID && p.MessageID != ms.msg.ID {
			kept = append(kept, p)
			continue
		}
		if p.ChatID != ms.msg.ChatID {
			s.inconsistent(protocol.TypeReactionChanged, "reaction chat does not match message chat",
				zap.String("chat_id", p.ChatID),
				zap.String("msg_id", p.MessageID),
			)
			continue
		}
		kind, _ := ParseReactionKind(p.Kind)
		s.applyReaction(ms, reactionKey(p), kind, p.Removed)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
}

// ConnectionLost drops reactions still waiting for their message. Each is
// reported as an inconsistency; the server replays state on the next
// connection.
func (s *Store) ConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		s.inconsistent(protocol.TypeReactionChanged, "message never arrived for pending reaction",
			zap.String("chat_id", p.ChatID),
			zap.String("msg_id", p.MessageID),
		)
	}
	clear(s.pending)
	s.pending = s.pending[:0]
}

// reactionKey identifies one logical reaction. Without a key the reactor and
// kind stand in, so one reactor counts once per kind.
func reactionKey(p protocol.ReactionChanged) string {
	if p.Key != "" {
		return p.Key
	}
	return p.ReactorID + "/" + p.Kind
}

func (s *Store) applyMessageStatus(p protocol.MessageStatus) {
	st, ok := ParseMessageStatus(p.Status)
	if !ok {
		s.logger.Debug("ignoring unknown message status", zap.String("status", p.Status))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.findMessage(p.ChatID, p.MessageID)
	if ms == nil {
		s.logger.Debug("status for unknown message", zap.String("msg_id", p.MessageID))
		return
	}
	if ms.advance(st) {
		s.publishMessage(ms)
	}
}

func (s *Store) applyChatCreated(p protocol.ChatCreated) {
	if p.ID == "" {
		s.inconsistent(protocol.TypeChatCreated, "missing chat id")
		return
	}
	kind := Direct
	if p.Kind == string(Group) {
		kind = Group
	}
	code := ""
	if kind == Group && p.InviteCode != "" {
		if err := s.invites.Claim(p.InviteCode, p.ID); err != nil {
			s.inconsistent(protocol.TypeChatCreated, err.Error(), zap.String("chat_id", p.ID))
		} else {
			code, _ = normalizeInviteCode(p.InviteCode)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[p.ID]
	if !ok {
		cs = s.addChat(Chat{ID: p.ID, Title: p.Title, Kind: kind, Members: p.Members, InviteCode: code})
		s.bus.Emit(bus.KindChatUpdated, cs.snapshot())
		return
	}

	// Authoritative fields win over what was known locally.
	if p.Title != "" {
		cs.chat.Title = p.Title
	}
	if cs.chat.Kind == Direct && kind == Group {
		for peer, id := range s.directByPeer {
			if id == p.ID {
				delete(s.directByPeer, peer)
			}
		}
	}
	cs.chat.Kind = kind
	if code != "" {
		cs.chat.InviteCode = code
	}
	if kind == Direct {
		cs.chat.InviteCode = ""
	}
	if len(p.Members) > 0 {
		clear(cs.members)
		for _, m := range p.Members {
			cs.members[m] = struct{}{}
		}
	}
	s.bus.Emit(bus.KindChatUpdated, cs.snapshot())
}

func (s *Store) applyFriendRequestCreated(p protocol.FriendRequestCreated) {
	if p.ID == "" || (p.FromUserID != s.userID && p.ToUserID != s.userID) || p.FromUserID == p.ToUserID {
		s.logger.Debug("ignoring friend request", zap.String("request_id", p.ID))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[p.ID]; ok {
		return
	}
	if _, ok := s.friends[pairKey(p.FromUserID, p.ToUserID)]; ok {
		return
	}
	name := p.FromDisplayName
	if p.FromUserID == s.userID {
		name = p.ToDisplayName
	}
	r := &FriendRequest{
		ID:          p.ID,
		FromUserID:  p.FromUserID,
		ToUserID:    p.ToUserID,
		Note:        p.Note,
		State:       Pending,
		DisplayName: name,
	}
	s.requests[r.ID] = r
	s.bus.Emit(bus.KindFriendRequest, *r)
}

func (s *Store) applyFriendRequestResolved(p protocol.FriendRequestResolved) {
	var state FriendRequestState
	switch FriendRequestState(p.State) {
	case Accepted, Rejected:
		state = FriendRequestState(p.State)
	default:
		s.logger.Debug("ignoring friend request state", zap.String("state", p.State))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[p.ID]
	if !ok {
		// Resolved before this client saw it; only the outcome matters.
		if state == Accepted && (p.FromUserID == s.userID || p.ToUserID == s.userID) {
			other := p.FromUserID
			if other == s.userID {
				other = p.ToUserID
			}
			if other != "" && other != s.userID {
				s.addFriend(other, p.DisplayName)
			}
		}
		return
	}
	if r.State != Pending {
		return
	}
	r.State = state
	s.bus.Emit(bus.KindFriendRequest, *r)
	if state == Accepted {
		other := r.FromUserID
		if other == s.userID {
			other = r.ToUserID
		}
		name := p.DisplayName
		if name == "" {
			name = r.DisplayName
		}
		s.addFriend(other, name)
	}
}

func timestamp(ms int64, now func() time.Time) time.Time {
	if ms <= 0 {
		return now()
	}
	return time.UnixMilli(ms)
}
