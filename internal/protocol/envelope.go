package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a received frame cannot be parsed into an Envelope.
var ErrMalformedFrame = errors.New("malformed inbound frame")

// Inbound event types.
const (
	TypeMessageCreated        = "message_created"
	TypeReactionChanged       = "reaction_changed"
	TypePresenceChanged       = "presence_changed"
	TypeFriendRequestCreated  = "friend_request_created"
	TypeFriendRequestResolved = "friend_request_resolved"
	TypeMessageStatus         = "message_status"
	TypeChatCreated           = "chat_created"
	TypePong                  = "pong"
	TypeAuthenticated         = "authenticated"
	TypeError                 = "error"
)

// Outbound event types.
const (
	TypeSendText             = "send_text"
	TypeSendVoice            = "send_voice"
	TypeReact                = "react"
	TypeMarkRead             = "mark_read"
	TypePing                 = "ping"
	TypeCreateGroup          = "create_group"
	TypeJoinGroup            = "join_group"
	TypeFriendRequest        = "friend_request"
	TypeFriendRequestResolve = "friend_request_resolve"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope by marshaling payload.
func New(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// MustNew is New for payloads that are known to marshal (plain structs of strings and numbers).
func MustNew(typ string, payload any) Envelope {
	env, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Parse decodes a raw frame. Frames that are not JSON objects or carry no type
// are reported as ErrMalformedFrame.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// Encode serializes an envelope for the transport.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode unmarshals the payload of env into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: %s has no payload", ErrMalformedFrame, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, env.Type, err)
	}
	return v, nil
}
