package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync reconciler and session orchestrator.
// Subscribers filter by namespace prefix ("room.", "timeline.", ...).
const (
	KindRoomUpdated      = "room.updated"
	KindRoomRemoved      = "room.removed"
	KindTimelineUpdated  = "timeline.updated"
	KindMessageSendAck   = "message.send_ack"
	KindMessageSendFail  = "message.send_failed"
	KindSessionChanged   = "session.status_changed"
	KindSessionLoggedIn  = "session.logged_in"
	KindSessionLoggedOut = "session.logged_out"
	KindSyncCompleted    = "sync.completed"
	KindSyncFailed       = "sync.failed"
)
