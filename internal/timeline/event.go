// Package timeline holds the message timeline model and the merge rules
// that reconcile server history, live deltas, and locally-echoed sends
// into one ordered, deduplicated view per room.
package timeline

import "strings"

// Status is the delivery state of a timeline event.
type Status string

const (
	// StatusSent means the homeserver has acknowledged the event.
	StatusSent Status = "sent"
	// StatusPending means a local echo awaiting server acknowledgement.
	StatusPending Status = "pending"
	// StatusError means the send failed; the event stays visible for retry.
	StatusError Status = "error"
)

// statusPriority orders statuses for merge conflicts. A higher value is
// "more final" from the user's perspective and wins over a lower one.
var statusPriority = map[Status]int{
	StatusSent:    1,
	StatusPending: 2,
	StatusError:   3,
}

// MaxEventsPerRoom caps the in-memory and persisted timeline per room.
// When exceeded, the oldest events are dropped.
const MaxEventsPerRoom = 200

// Event is one message in a room timeline.
type Event struct {
	EventID       string         `json:"eventId"`
	RoomID        string         `json:"roomId"`
	SenderID      string         `json:"senderId"`
	SenderName    string         `json:"senderName,omitempty"`
	Type          string         `json:"type"`
	Timestamp     int64          `json:"timestamp"`
	Body          string         `json:"body,omitempty"`
	Encrypted     bool           `json:"encrypted,omitempty"`
	DisplayBody   string         `json:"displayBody,omitempty"`
	Content       map[string]any `json:"content,omitempty"`
	Status        Status         `json:"status,omitempty"`
	TransactionID string         `json:"transactionId,omitempty"`
}

// LocalEventID builds the placeholder event id used for an optimistic echo
// until the server assigns a real one.
func LocalEventID(txnID string) string {
	return "local-" + txnID
}

// IsLocalEventID reports whether an event id is a local placeholder rather
// than a server-assigned one.
func IsLocalEventID(eventID string) bool {
	return strings.HasPrefix(eventID, "local-")
}

// EqualPosition reports whether two events occupy the same timeline slot
// with the same user-visible content. Used to suppress redundant
// persistence and notifications when a merge changed nothing.
func EqualPosition(a, b Event) bool {
	return a.EventID == b.EventID &&
		a.Timestamp == b.Timestamp &&
		a.Body == b.Body &&
		a.DisplayBody == b.DisplayBody &&
		a.Status == b.Status
}

// EqualSlices reports positional equality over whole timelines.
func EqualSlices(a, b []Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !EqualPosition(a[i], b[i]) {
			return false
		}
	}
	return true
}
