package matrix

import "encoding/json"

// Session holds the credentials and sync cursor for an authenticated
// homeserver session. It is created on login/registration, persisted by the
// store, and destroyed on logout.
type Session struct {
	AccessToken   string `json:"access_token"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	Homeserver    string `json:"homeserver"`
	NextSyncToken string `json:"next_sync_token,omitempty"`
}

// RawEvent is a client-server API event as returned by /sync and /messages.
// Content stays untyped; the timeline normalizer narrows it.
type RawEvent struct {
	EventID        string         `json:"event_id"`
	Sender         string         `json:"sender"`
	Type           string         `json:"type"`
	StateKey       *string        `json:"state_key,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	Unsigned       RawUnsigned    `json:"unsigned"`
}

// RawUnsigned carries the subset of unsigned event data the client uses.
type RawUnsigned struct {
	TransactionID string `json:"transaction_id"`
}

// EventList wraps the {"events": [...]} blocks of a sync response.
type EventList struct {
	Events []RawEvent `json:"events"`
}

// RoomSummaryBlock is the per-room summary of a joined room in a sync
// response, as served by the homeserver this client targets.
type RoomSummaryBlock struct {
	NotificationCount int  `json:"notification_count"`
	HighlightCount    int  `json:"highlight_count"`
	IsDirect          bool `json:"is_direct"`
}

// JoinedRoom is the sync block for a room the user has joined.
type JoinedRoom struct {
	State       EventList        `json:"state"`
	Timeline    EventList        `json:"timeline"`
	AccountData EventList        `json:"account_data"`
	Summary     RoomSummaryBlock `json:"summary"`
}

// InvitedRoom is the sync block for a room the user has been invited to.
// Invite state is the stripped state the server shares pre-join.
type InvitedRoom struct {
	InviteState EventList `json:"invite_state"`
}

// SyncResponse is the raw result of a /sync call.
type SyncResponse struct {
	NextBatch   string    `json:"next_batch"`
	AccountData EventList `json:"account_data"`
	Rooms       struct {
		Join   map[string]JoinedRoom      `json:"join"`
		Invite map[string]InvitedRoom     `json:"invite"`
		Leave  map[string]json.RawMessage `json:"leave"`
	} `json:"rooms"`
}

// LeftRoomIDs returns the ids of rooms reported in the leave block.
func (r *SyncResponse) LeftRoomIDs() []string {
	ids := make([]string, 0, len(r.Rooms.Leave))
	for id := range r.Rooms.Leave {
		ids = append(ids, id)
	}
	return ids
}

// Empty reports whether the response carried no room deltas at all.
func (r *SyncResponse) Empty() bool {
	return len(r.Rooms.Join) == 0 && len(r.Rooms.Invite) == 0 && len(r.Rooms.Leave) == 0
}

// DirectRooms extracts the global m.direct account-data map
// (partner user id -> room ids) from the sync response.
func (r *SyncResponse) DirectRooms() map[string][]string {
	for _, ev := range r.AccountData.Events {
		if ev.Type != "m.direct" {
			continue
		}
		return ParseDirectContent(ev.Content)
	}
	return nil
}

// ParseDirectContent converts an m.direct content payload into a
// partner -> room-ids map, skipping malformed entries.
func ParseDirectContent(content map[string]any) map[string][]string {
	if len(content) == 0 {
		return nil
	}
	out := make(map[string][]string, len(content))
	for userID, v := range content {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if roomID, ok := item.(string); ok {
				out[userID] = append(out[userID], roomID)
			}
		}
	}
	return out
}

// UserProfile is the result of a profile lookup.
type UserProfile struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// UserSearchResult is one entry from the user directory.
type UserSearchResult struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}
