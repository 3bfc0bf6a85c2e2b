package store

import (
	"encoding/json"
	"time"

	"github.com/matrixchat/matrixchat/internal/rooms"
)

// SaveRoomSummary upserts one room's summary. Summaries nest a preview, so
// they are stored as a JSON payload instead of flat columns.
func (db *DB) SaveRoomSummary(userID string, summary *rooms.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO room_summaries (user_id, room_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, room_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		userID, summary.RoomID, string(payload), time.Now().UnixMilli())
	return err
}

// LoadRoomSummaries returns every cached summary for a user, keyed by room.
func (db *DB) LoadRoomSummaries(userID string) (map[string]*rooms.Summary, error) {
	rows, err := db.Query(`SELECT payload FROM room_summaries WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*rooms.Summary)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var summary rooms.Summary
		if err := json.Unmarshal([]byte(payload), &summary); err != nil {
			continue
		}
		out[summary.RoomID] = &summary
	}
	return out, rows.Err()
}

// RemoveRoomSummary drops one room's cached summary.
func (db *DB) RemoveRoomSummary(userID, roomID string) error {
	_, err := db.Exec(`DELETE FROM room_summaries WHERE user_id = ? AND room_id = ?`, userID, roomID)
	return err
}

// ClearRoomSummaries drops every cached summary for a user.
func (db *DB) ClearRoomSummaries(userID string) error {
	_, err := db.Exec(`DELETE FROM room_summaries WHERE user_id = ?`, userID)
	return err
}
