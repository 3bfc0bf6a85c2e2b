// Package rooms builds display-ready room summaries out of raw sync state.
package rooms

import "github.com/matrixchat/matrixchat/internal/timeline"

// Membership is the session user's relationship to a room.
type Membership string

const (
	MembershipJoined  Membership = "join"
	MembershipInvited Membership = "invite"
)

// LastEvent is the preview of the most recent timeline message, shown in
// the room list.
type LastEvent struct {
	EventID    string `json:"eventId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Summary is everything the room list and conversation header need for one
// room. Timeline events live in the reconciler, not here; the summary only
// carries the preview.
type Summary struct {
	RoomID            string     `json:"roomId"`
	Membership        Membership `json:"membership"`
	Name              string     `json:"name"`
	Topic             string     `json:"topic,omitempty"`
	AvatarURL         string     `json:"avatarUrl,omitempty"`
	IsDirect          bool       `json:"isDirect"`
	NotificationCount int        `json:"notificationCount"`
	HighlightCount    int        `json:"highlightCount"`
	LastEvent         *LastEvent `json:"lastEvent,omitempty"`
	InviterID         string     `json:"inviterId,omitempty"`
}

// PreviewFrom derives the room-list preview from the newest timeline event.
func PreviewFrom(events []timeline.Event) *LastEvent {
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	body := last.DisplayBody
	if body == "" {
		body = last.Body
	}
	return &LastEvent{
		EventID:    last.EventID,
		SenderID:   last.SenderID,
		SenderName: last.SenderName,
		Body:       body,
		Timestamp:  last.Timestamp,
	}
}
