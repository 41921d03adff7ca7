package social

import (
	"context"
	"fmt"
	"strings"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/google/uuid"
)

// SendFriendRequest creates a pending request to toUserID. If a pending
// request already links the two users, in either direction, it is returned
// instead of creating a second one.
func (s *Store) SendFriendRequest(ctx context.Context, toUserID, note string) (FriendRequest, error) {
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" || toUserID == s.userID {
		return FriendRequest{}, ErrInvalidPeer
	}

	s.mu.Lock()
	if _, ok := s.friends[pairKey(s.userID, toUserID)]; ok {
		s.mu.Unlock()
		return FriendRequest{}, ErrAlreadyFriends
	}
	for _, r := range s.requests {
		if r.State == Pending && pairKey(r.FromUserID, r.ToUserID) == pairKey(s.userID, toUserID) {
			req := *r
			s.mu.Unlock()
			return req, nil
		}
	}
	r := &FriendRequest{
		ID:         uuid.NewString(),
		FromUserID: s.userID,
		ToUserID:   toUserID,
		Note:       note,
		State:      Pending,
	}
	s.requests[r.ID] = r
	req := *r
	s.bus.Emit(bus.KindFriendRequest, req)
	s.mu.Unlock()

	s.sendBestEffort(ctx, protocol.TypeFriendRequest, protocol.FriendRequest{
		ID:       req.ID,
		ToUserID: toUserID,
		Note:     note,
	})
	return req, nil
}

// AcceptFriendRequest accepts a pending request addressed to the local user
// and creates the friendship.
func (s *Store) AcceptFriendRequest(ctx context.Context, requestID string) (Friend, error) {
	req, err := s.resolveRequest(requestID, Accepted)
	if err != nil {
		return Friend{}, err
	}

	s.mu.Lock()
	f := s.addFriend(req.FromUserID, req.DisplayName)
	s.mu.Unlock()

	s.sendBestEffort(ctx, protocol.TypeFriendRequestResolve, protocol.FriendRequestResolve{ID: requestID, Accept: true})
	return f, nil
}

// RejectFriendRequest rejects a pending request addressed to the local user.
func (s *Store) RejectFriendRequest(ctx context.Context, requestID string) error {
	if _, err := s.resolveRequest(requestID, Rejected); err != nil {
		return err
	}
	s.sendBestEffort(ctx, protocol.TypeFriendRequestResolve, protocol.FriendRequestResolve{ID: requestID, Accept: false})
	return nil
}

func (s *Store) resolveRequest(requestID string, to FriendRequestState) (FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok || r.ToUserID != s.userID {
		return FriendRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if r.State != Pending {
		return FriendRequest{}, fmt.Errorf("%w: %s is %s", ErrRequestResolved, requestID, r.State)
	}
	r.State = to
	s.bus.Emit(bus.KindFriendRequest, *r)
	return *r, nil
}

// addFriend records the edge between the local user and userID once.
func (s *Store) addFriend(userID, displayName string) Friend {
	key := pairKey(s.userID, userID)
	if f, ok := s.friends[key]; ok {
		if f.DisplayName == f.UserID && displayName != "" && displayName != userID {
			f.DisplayName = displayName
			s.friends[key] = f
		}
		return f
	}
	if displayName == "" {
		displayName = userID
	}
	f := Friend{ID: key, UserID: userID, DisplayName: displayName}
	s.friends[key] = f
	s.bus.Emit(bus.KindFriendAdded, f)
	return f
}
