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

// CreateGroup creates a group with the local user and members, binds a fresh
// invite code to it and returns it without waiting for the network.
func (s *Store) CreateGroup(ctx context.Context, title string, members []string) (Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Chat{}, ErrEmptyTitle
	}

	chatID := uuid.NewString()
	code, err := s.invites.Generate(chatID)
	if err != nil {
		return Chat{}, fmt.Errorf("invite code: %w", err)
	}

	s.mu.Lock()
	cs := s.addChat(Chat{
		ID:         chatID,
		Title:      title,
		Kind:       Group,
		Members:    append([]string{s.userID}, members...),
		InviteCode: code,
	})
	c := cs.snapshot()
	s.bus.Emit(bus.KindChatUpdated, c)
	s.mu.Unlock()

	s.logger.Info("group created", zap.String("chat_id", chatID), zap.Int("members", len(c.Members)))
	s.sendBestEffort(ctx, protocol.TypeCreateGroup, protocol.CreateGroup{
		ChatID:     chatID,
		Title:      title,
		Members:    c.Members,
		InviteCode: code,
	})
	return c, nil
}

// CreateDirect returns the direct chat with peerID, creating it on first use.
// Direct chats never carry an invite code.
func (s *Store) CreateDirect(ctx context.Context, peerID string) (Chat, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" || peerID == s.userID {
		return Chat{}, ErrInvalidPeer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.directByPeer[peerID]; ok {
		return s.chats[id].snapshot(), nil
	}
	cs := s.addChat(Chat{
		ID:      uuid.NewString(),
		Title:   peerID,
		Kind:    Direct,
		Members: []string{s.userID, peerID},
	})
	c := cs.snapshot()
	s.bus.Emit(bus.KindChatUpdated, c)
	return c, nil
}

// JoinByCode adds the local user to the group owning code. A well-formed code
// that matches nothing returns found=false and no error; only malformed input
// is an error. A code whose chat has since become a direct chat also returns
// found=false. Joining twice leaves a single membership.
func (s *Store) JoinByCode(ctx context.Context, code string) (chatID string, found bool, err error) {
	chatID, found, err = s.invites.Resolve(code)
	if err != nil || !found {
		return "", false, err
	}

	s.mu.Lock()
	cs, ok := s.chats[chatID]
	if !ok || cs.chat.Kind != Group {
		s.mu.Unlock()
		return "", false, nil
	}
	_, member := cs.members[s.userID]
	if !member {
		cs.members[s.userID] = struct{}{}
		s.bus.Emit(bus.KindChatUpdated, cs.snapshot())
	}
	invite := cs.chat.InviteCode
	s.mu.Unlock()

	if !member {
		s.logger.Info("joined group", zap.String("chat_id", chatID))
		s.sendBestEffort(ctx, protocol.TypeJoinGroup, protocol.JoinGroup{ChatID: chatID, InviteCode: invite})
	}
	return chatID, true, nil
}
