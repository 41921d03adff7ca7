package social

import (
	"fmt"
	"time"
)

// ChatKind distinguishes one-to-one chats from groups.
type ChatKind string

const (
	Direct ChatKind = "direct"
	Group  ChatKind = "group"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	Text  MessageKind = "text"
	Voice MessageKind = "voice"
)

// MessageStatus is ordered: a message only ever moves forward.
type MessageStatus int

const (
	Sending MessageStatus = iota
	Sent
	Delivered
	Read
)

func (s MessageStatus) String() string {
	switch s {
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	}
	return fmt.Sprintf("MessageStatus(%d)", int(s))
}

// ParseMessageStatus maps a wire status to a MessageStatus.
func ParseMessageStatus(s string) (MessageStatus, bool) {
	switch s {
	case "sending":
		return Sending, true
	case "sent":
		return Sent, true
	case "delivered":
		return Delivered, true
	case "read":
		return Read, true
	}
	return 0, false
}

// ReactionKind is one of the fixed reaction counters on a message.
type ReactionKind string

const (
	Like  ReactionKind = "like"
	Heart ReactionKind = "heart"
	Clap  ReactionKind = "clap"
	Star  ReactionKind = "star"
)

// ParseReactionKind validates a reaction kind.
func ParseReactionKind(s string) (ReactionKind, bool) {
	switch k := ReactionKind(s); k {
	case Like, Heart, Clap, Star:
		return k, true
	}
	return "", false
}

// Chat is a read-only copy of a chat.
type Chat struct {
	ID          string
	Title       string
	Kind        ChatKind
	Members     []string // sorted
	InviteCode  string   // groups only
	UnreadCount int
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// VoiceRef points at a recorded clip.
type VoiceRef struct {
	URI         string
	DurationSec float64
}

// Message is a read-only copy of a message. ID never changes once assigned;
// a locally sent message keeps its local ID after the server acknowledges it.
type Message struct {
	ID        string
	ChatID    string
	AuthorID  string
	Kind      MessageKind
	Body      string
	Voice     *VoiceRef
	Timestamp time.Time
	Status    MessageStatus
	Reactions map[ReactionKind]int
}

// FriendRequestState is the lifecycle of a friend request.
type FriendRequestState string

const (
	Pending  FriendRequestState = "pending"
	Accepted FriendRequestState = "accepted"
	Rejected FriendRequestState = "rejected"
)

// FriendRequest is a request between the local user and someone else.
// DisplayName is the counterpart's name when the remote side supplied one.
type FriendRequest struct {
	ID          string
	FromUserID  string
	ToUserID    string
	Note        string
	State       FriendRequestState
	DisplayName string
}

// Friend is one symmetric friendship edge, seen from the local user.
type Friend struct {
	ID          string
	UserID      string
	DisplayName string
}
