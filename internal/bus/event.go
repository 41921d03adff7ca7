package bus

import "time"

// Event kinds published by the engine. Subscribers filter on the namespace
// prefix (for example "social." or "connection.").
const (
	KindConnectionState   = "connection.state_changed"
	KindConnectionOpened  = "connection.opened"
	KindConnectionClosed  = "connection.closed"
	KindConnectionFailed  = "connection.failed"
	KindMessageUpserted   = "social.message_upserted"
	KindMessageSendFailed = "social.message_send_failed"
	KindReactionApplied   = "social.reaction_applied"
	KindChatUpdated       = "social.chat_updated"
	KindChatRead          = "social.chat_read"
	KindFriendRequest     = "social.friend_request"
	KindFriendAdded       = "social.friend_added"
	KindPresenceChanged   = "presence.changed"
	KindPresenceCleared   = "presence.cleared"
	KindInconsistency     = "sync.inconsistency"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
