package protocol

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"message created", `{"type":"message_created","payload":{"id":"m1"}}`, TypeMessageCreated, false},
		{"pong without payload", `{"type":"pong"}`, TypePong, false},
		{"unknown type is still a frame", `{"type":"typing","payload":{}}`, "typing", false},
		{"not json", `hello`, "", true},
		{"array", `[1,2]`, "", true},
		{"missing type", `{"payload":{}}`, "", true},
		{"empty", ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("Parse(%q) error = %v, want ErrMalformedFrame", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if env.Type != tt.want {
				t.Errorf("type = %q, want %q", env.Type, tt.want)
			}
		})
	}
}

func TestDecodeMessageCreated(t *testing.T) {
	env, err := Parse([]byte(`{"type":"message_created","payload":{"id":"srv-1","client_msg_id":"c-1","chat_id":"chat","author_id":"u2","kind":"voice","voice":{"uri":"file://a.m4a","duration_sec":3.5},"timestamp":1000}}`))
	if err != nil {
		t.Fatal(err)
	}
	mc, err := Decode[MessageCreated](env)
	if err != nil {
		t.Fatal(err)
	}
	if mc.ID != "srv-1" || mc.ClientMsgID != "c-1" || mc.ChatID != "chat" {
		t.Errorf("decoded = %+v", mc)
	}
	if mc.Voice == nil || mc.Voice.DurationSec != 3.5 {
		t.Errorf("voice = %+v, want duration 3.5", mc.Voice)
	}
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	env := Envelope{Type: TypeReactionChanged, Payload: []byte(`"not an object"`)}
	if _, err := Decode[ReactionChanged](env); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Decode error = %v, want ErrMalformedFrame", err)
	}
	if _, err := Decode[ReactionChanged](Envelope{Type: TypeReactionChanged}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Decode(no payload) error = %v, want ErrMalformedFrame", err)
	}
}

func TestNewAndEncode(t *testing.T) {
	env, err := New(TypePing, Ping{RequestID: "ping-1"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"ping","payload":{"request_id":"ping-1"}}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}

	bare, err := New(TypePong, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = Encode(bare)
	if string(data) != `{"type":"pong"}` {
		t.Errorf("Encode(no payload) = %s", data)
	}
}
