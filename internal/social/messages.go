package social

import (
	"context"
	"fmt"
	"strings"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendText appends a Sending text message to chatID and tries to deliver it.
// On a transport failure the message stays Sending and the error is returned;
// RetrySend delivers it later.
func (s *Store) SendText(ctx context.Context, chatID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	return s.send(ctx, Message{ChatID: chatID, Kind: Text, Body: text})
}

// SendVoice is SendText for a recorded clip.
func (s *Store) SendVoice(ctx context.Context, chatID, uri string, durationSec float64) (Message, error) {
	if !(durationSec > 0) {
		return Message{}, ErrInvalidDuration
	}
	return s.send(ctx, Message{
		ChatID: chatID,
		Kind:   Voice,
		Voice:  &VoiceRef{URI: uri, DurationSec: durationSec},
	})
}

// RetrySend re-sends a message that is still Sending under its original id,
// so the remote side can deduplicate.
func (s *Store) RetrySend(ctx context.Context, chatID, messageID string) (Message, error) {
	s.mu.Lock()
	ms := s.findMessage(chatID, messageID)
	if ms == nil {
		s.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	if ms.msg.AuthorID != s.userID || ms.msg.Status != Sending {
		m := ms.snapshot()
		s.mu.Unlock()
		return m, ErrNotRetryable
	}
	env := outboundFor(ms.msg)
	s.mu.Unlock()

	return s.deliver(ctx, chatID, messageID, env)
}

func (s *Store) send(ctx context.Context, m Message) (Message, error) {
	s.mu.Lock()
	cs, ok := s.chats[m.ChatID]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrChatNotFound, m.ChatID)
	}
	m.ID = uuid.NewString()
	m.AuthorID = s.userID
	m.Timestamp = s.now()
	m.Status = Sending
	ms := newMessageState(m)
	cs.append(ms)
	s.publishMessage(ms)
	env := outboundFor(ms.msg)
	s.mu.Unlock()

	return s.deliver(ctx, m.ChatID, m.ID, env)
}

// deliver sends env outside the lock and records the outcome on the message.
func (s *Store) deliver(ctx context.Context, chatID, messageID string, env protocol.Envelope) (Message, error) {
	err := s.sender.Send(ctx, env)

	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.findMessage(chatID, messageID)
	if ms == nil {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		s.logger.Warn("message left sending", zap.String("chat_id", chatID), zap.String("msg_id", messageID), zap.Error(err))
		s.bus.Emit(bus.KindMessageSendFailed, MessageEvent{
			ChatID:    chatID,
			MessageID: messageID,
			Status:    ms.msg.Status,
			Err:       err,
		})
		return ms.snapshot(), fmt.Errorf("send message %s: %w", messageID, err)
	}
	if ms.advance(Sent) {
		s.publishMessage(ms)
	}
	return ms.snapshot(), nil
}

func outboundFor(m Message) protocol.Envelope {
	if m.Kind == Voice {
		return protocol.MustNew(protocol.TypeSendVoice, protocol.SendVoice{
			ClientMsgID: m.ID,
			ChatID:      m.ChatID,
			Voice:       protocol.VoiceRef{URI: m.Voice.URI, DurationSec: m.Voice.DurationSec},
		})
	}
	return protocol.MustNew(protocol.TypeSendText, protocol.SendText{
		ClientMsgID: m.ID,
		ChatID:      m.ChatID,
		Body:        m.Body,
	})
}

// ReactMessage records one reaction by the local user and returns the key
// identifying it. Every call is a distinct reaction; the server echo carrying
// the same key is not counted again.
func (s *Store) ReactMessage(ctx context.Context, chatID, messageID string, kind ReactionKind) (string, error) {
	if _, ok := ParseReactionKind(string(kind)); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownReaction, kind)
	}

	s.mu.Lock()
	if _, ok := s.chats[chatID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	ms := s.findMessage(chatID, messageID)
	if ms == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	key := s.userID + "/" + string(kind) + "/" + uuid.NewString()
	s.applyReaction(ms, key, kind, false)
	wireID := ms.msg.ID
	if auth, ok := s.localToAuth[wireID]; ok {
		wireID = auth
	}
	s.mu.Unlock()

	s.sendBestEffort(ctx, protocol.TypeReact, protocol.React{
		ChatID:    chatID,
		MessageID: wireID,
		Kind:      string(kind),
		Key:       key,
	})
	return key, nil
}

// applyReaction adds or removes one keyed reaction. Adds of a known key and
// removals of an unknown key change nothing.
func (s *Store) applyReaction(ms *messageState, key string, kind ReactionKind, removed bool) bool {
	if removed {
		k, ok := ms.keys[key]
		if !ok {
			return false
		}
		delete(ms.keys, key)
		if ms.msg.Reactions[k] > 0 {
			ms.msg.Reactions[k]--
		}
		kind = k
	} else {
		if _, dup := ms.keys[key]; dup {
			return false
		}
		ms.keys[key] = kind
		ms.msg.Reactions[kind]++
	}
	s.bus.Emit(bus.KindReactionApplied, ReactionEvent{
		ChatID:    ms.msg.ChatID,
		MessageID: ms.msg.ID,
		Kind:      kind,
		Count:     ms.msg.Reactions[kind],
	})
	return true
}

// MarkRead marks every message from other authors in chatID as Read and
// zeroes the unread count. It returns how many messages changed; a repeated
// call changes nothing.
func (s *Store) MarkRead(ctx context.Context, chatID string) (int, error) {
	s.mu.Lock()
	cs, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	changed := 0
	for _, ms := range cs.messages {
		if ms.msg.AuthorID == s.userID {
			continue
		}
		if ms.advance(Read) {
			changed++
			s.publishMessage(ms)
		}
	}
	hadUnread := cs.chat.UnreadCount > 0
	cs.chat.UnreadCount = 0
	if changed > 0 || hadUnread {
		s.bus.Emit(bus.KindChatRead, ReadEvent{ChatID: chatID, Changed: changed})
	}
	s.mu.Unlock()

	if changed > 0 || hadUnread {
		s.sendBestEffort(ctx, protocol.TypeMarkRead, protocol.MarkRead{ChatID: chatID})
	}
	return changed, nil
}
