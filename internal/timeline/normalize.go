package timeline

import (
	"time"

	"github.com/matrixchat/matrixchat/internal/matrix"
)

// Normalize converts a raw wire event into a timeline event, or nil when
// the event type is not part of the message timeline. Encrypted events are
// kept as opaque placeholders so conversations show that something was
// said even without decryption support.
func Normalize(roomID string, raw matrix.RawEvent) *Event {
	switch raw.Type {
	case "m.room.message", "m.room.encrypted":
	default:
		return nil
	}

	ev := &Event{
		EventID:       raw.EventID,
		RoomID:        roomID,
		SenderID:      raw.Sender,
		SenderName:    matrix.DisplayNameFromID(raw.Sender),
		Type:          raw.Type,
		Timestamp:     raw.OriginServerTS,
		Content:       raw.Content,
		Status:        StatusSent,
		TransactionID: raw.Unsigned.TransactionID,
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	if raw.Type == "m.room.encrypted" {
		ev.Encrypted = true
		ev.DisplayBody = "[Encrypted message]"
		return ev
	}

	if body, ok := raw.Content["body"].(string); ok {
		ev.Body = body
		ev.DisplayBody = body
	}
	return ev
}

// NormalizeBatch converts a slice of raw events, dropping those that do
// not belong in the timeline.
func NormalizeBatch(roomID string, raws []matrix.RawEvent) []Event {
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		if ev := Normalize(roomID, raw); ev != nil {
			out = append(out, *ev)
		}
	}
	return out
}
