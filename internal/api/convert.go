package api

import (
	"time"

	"github.com/focuscircle/focussync/internal/presence"
	"github.com/focuscircle/focussync/internal/realtime"
	"github.com/focuscircle/focussync/internal/social"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request field accessors. Missing fields read as zero values.

func str(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func num(req *structpb.Struct, name string) float64 {
	return req.GetFields()[name].GetNumberValue()
}

func boolean(req *structpb.Struct, name string) bool {
	return req.GetFields()[name].GetBoolValue()
}

func strs(req *structpb.Struct, name string) []string {
	var out []string
	for _, v := range req.GetFields()[name].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// list converts a string slice for structpb, which only accepts []any.
func list(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func errString(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

func snapshotMap(s realtime.Snapshot) map[string]any {
	return map[string]any{
		"state":             string(s.State),
		"attempt":           s.Attempt,
		"last_heartbeat_at": millis(s.LastHeartbeatAt),
		"last_error":        errString(s.LastError),
	}
}

func chatMap(c social.Chat) map[string]any {
	m := map[string]any{
		"id":           c.ID,
		"title":        c.Title,
		"kind":         string(c.Kind),
		"members":      list(c.Members),
		"unread_count": c.UnreadCount,
	}
	if c.InviteCode != "" {
		m["invite_code"] = c.InviteCode
	}
	return m
}

func messageMap(msg social.Message) map[string]any {
	reactions := make(map[string]any, len(msg.Reactions))
	for k, n := range msg.Reactions {
		if n > 0 {
			reactions[string(k)] = n
		}
	}
	m := map[string]any{
		"id":        msg.ID,
		"chat_id":   msg.ChatID,
		"author_id": msg.AuthorID,
		"kind":      string(msg.Kind),
		"body":      msg.Body,
		"timestamp": millis(msg.Timestamp),
		"status":    msg.Status.String(),
		"reactions": reactions,
	}
	if msg.Voice != nil {
		m["voice"] = map[string]any{
			"uri":          msg.Voice.URI,
			"duration_sec": msg.Voice.DurationSec,
		}
	}
	return m
}

func requestMap(r social.FriendRequest) map[string]any {
	return map[string]any{
		"id":           r.ID,
		"from_user_id": r.FromUserID,
		"to_user_id":   r.ToUserID,
		"note":         r.Note,
		"state":        string(r.State),
		"display_name": r.DisplayName,
	}
}

func friendMap(f social.Friend) map[string]any {
	return map[string]any{
		"id":           f.ID,
		"user_id":      f.UserID,
		"display_name": f.DisplayName,
	}
}

func entryMap(e presence.Entry) map[string]any {
	return map[string]any{
		"status":       string(e.Status),
		"last_seen_at": millis(e.LastSeenAt),
	}
}

// eventMap renders a bus payload. Unknown payload types carry only the kind.
func eventMap(payload any) map[string]any {
	switch p := payload.(type) {
	case realtime.StateChange:
		return map[string]any{
			"from":    string(p.From),
			"to":      string(p.To),
			"attempt": p.Attempt,
			"error":   errString(p.Err),
		}
	case realtime.Lifecycle:
		return map[string]any{
			"kind":  string(p.Kind),
			"clean": p.Clean,
			"error": errString(p.Err),
		}
	case social.MessageEvent:
		return map[string]any{
			"chat_id":    p.ChatID,
			"message_id": p.MessageID,
			"status":     p.Status.String(),
			"error":      errString(p.Err),
		}
	case social.ReactionEvent:
		return map[string]any{
			"chat_id":    p.ChatID,
			"message_id": p.MessageID,
			"kind":       string(p.Kind),
			"count":      p.Count,
		}
	case social.ReadEvent:
		return map[string]any{"chat_id": p.ChatID, "changed": p.Changed}
	case social.Inconsistency:
		return map[string]any{"type": p.Type, "reason": p.Reason}
	case social.Chat:
		return chatMap(p)
	case social.FriendRequest:
		return requestMap(p)
	case social.Friend:
		return friendMap(p)
	case presence.Change:
		m := entryMap(p.Entry)
		m["user_id"] = p.UserID
		return m
	}
	return map[string]any{}
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(m)
}
