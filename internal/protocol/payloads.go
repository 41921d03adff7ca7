package protocol

// VoiceRef points at a recorded voice clip.
type VoiceRef struct {
	URI         string  `json:"uri"`
	DurationSec float64 `json:"duration_sec"`
}

// MessageCreated announces an authoritative message. ClientMsgID is set when the
// message is the server's copy of one this client sent.
type MessageCreated struct {
	ID          string    `json:"id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	ChatID      string    `json:"chat_id"`
	AuthorID    string    `json:"author_id"`
	Kind        string    `json:"kind"`
	Body        string    `json:"body,omitempty"`
	Voice       *VoiceRef `json:"voice,omitempty"`
	Timestamp   int64     `json:"timestamp"`
	Status      string    `json:"status,omitempty"`
}

// ReactionChanged carries one logical reaction event. Key identifies the event
// for deduplication; when empty the reactor and kind identify it.
type ReactionChanged struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	ReactorID string `json:"reactor_id"`
	Kind      string `json:"kind"`
	Key       string `json:"key,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
}

// PresenceChanged reports a user's online status.
type PresenceChanged struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	LastSeenAt int64  `json:"last_seen_at,omitempty"`
}

// FriendRequestCreated announces a new request addressed to or sent by the local user.
type FriendRequestCreated struct {
	ID              string `json:"id"`
	FromUserID      string `json:"from_user_id"`
	ToUserID        string `json:"to_user_id"`
	FromDisplayName string `json:"from_display_name,omitempty"`
	ToDisplayName   string `json:"to_display_name,omitempty"`
	Note            string `json:"note,omitempty"`
}

// FriendRequestResolved reports the outcome of a pending request.
type FriendRequestResolved struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	FromUserID  string `json:"from_user_id,omitempty"`
	ToUserID    string `json:"to_user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// MessageStatus is a delivery or read receipt for a message.
type MessageStatus struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ChatCreated announces a chat the local user is a member of.
type ChatCreated struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Kind       string   `json:"kind"`
	Members    []string `json:"members"`
	InviteCode string   `json:"invite_code,omitempty"`
}

// Pong answers a Ping with the same request id.
type Pong struct {
	RequestID string `json:"request_id"`
}

// Authenticated is sent once after the remote side accepts the credential.
type Authenticated struct {
	UserID string `json:"user_id"`
}

// ServerError is an error reported by the remote side.
type ServerError struct {
	Message string `json:"message"`
}

// SendText is the outbound form of a text message.
type SendText struct {
	ClientMsgID string `json:"client_msg_id"`
	ChatID      string `json:"chat_id"`
	Body        string `json:"body"`
}

// SendVoice is the outbound form of a voice message.
type SendVoice struct {
	ClientMsgID string   `json:"client_msg_id"`
	ChatID      string   `json:"chat_id"`
	Voice       VoiceRef `json:"voice"`
}

// React is the outbound form of a reaction.
type React struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Key       string `json:"key"`
}

// MarkRead tells the remote side the local user has read a chat.
type MarkRead struct {
	ChatID string `json:"chat_id"`
}

// Ping is the heartbeat probe.
type Ping struct {
	RequestID string `json:"request_id"`
}

// CreateGroup synchronizes a locally created group.
type CreateGroup struct {
	ChatID     string   `json:"chat_id"`
	Title      string   `json:"title"`
	Members    []string `json:"members"`
	InviteCode string   `json:"invite_code"`
}

// JoinGroup synchronizes a join through an invite code.
type JoinGroup struct {
	ChatID     string `json:"chat_id"`
	InviteCode string `json:"invite_code"`
}

// FriendRequest is the outbound form of a new friend request.
type FriendRequest struct {
	ID       string `json:"id"`
	ToUserID string `json:"to_user_id"`
	Note     string `json:"note,omitempty"`
}

// FriendRequestResolve is the outbound form of accepting or rejecting a request.
type FriendRequestResolve struct {
	ID     string `json:"id"`
	Accept bool   `json:"accept"`
}
