package store

import (
	"encoding/json"

	"github.com/matrixchat/matrixchat/internal/timeline"
)

// SaveRoomEvents replaces the cached timeline of one room. The merge layer
// owns ordering and the cap; the store just persists the result atomically.
func (db *DB) SaveRoomEvents(userID, roomID string, events []timeline.Event) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM room_events WHERE user_id = ? AND room_id = ?`, userID, roomID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO room_events (user_id, room_id, event_id, sender_id, sender_name, event_type, body, display_body, encrypted, status, txn_id, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		content := ""
		if ev.Content != nil {
			if raw, err := json.Marshal(ev.Content); err == nil {
				content = string(raw)
			}
		}
		if _, err := stmt.Exec(userID, roomID, ev.EventID, ev.SenderID, ev.SenderName, ev.Type,
			ev.Body, ev.DisplayBody, ev.Encrypted, string(ev.Status), ev.TransactionID, content, ev.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadRoomEvents returns the cached timeline of one room, oldest first.
func (db *DB) LoadRoomEvents(userID, roomID string) ([]timeline.Event, error) {
	rows, err := db.Query(`
		SELECT room_id, event_id, sender_id, sender_name, event_type, body, display_body, encrypted, status, txn_id, content, timestamp
		FROM room_events
		WHERE user_id = ? AND room_id = ?
		ORDER BY timestamp ASC`, userID, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// LoadAllRoomEvents returns every cached timeline for a user, keyed by room.
func (db *DB) LoadAllRoomEvents(userID string) (map[string][]timeline.Event, error) {
	rows, err := db.Query(`
		SELECT room_id, event_id, sender_id, sender_name, event_type, body, display_body, encrypted, status, txn_id, content, timestamp
		FROM room_events
		WHERE user_id = ?
		ORDER BY room_id, timestamp ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]timeline.Event)
	for _, ev := range events {
		out[ev.RoomID] = append(out[ev.RoomID], ev)
	}
	return out, nil
}

// RemoveRoomEvents drops the cached timeline of one room.
func (db *DB) RemoveRoomEvents(userID, roomID string) error {
	_, err := db.Exec(`DELETE FROM room_events WHERE user_id = ? AND room_id = ?`, userID, roomID)
	return err
}

// ClearRoomEvents drops every cached timeline for a user.
func (db *DB) ClearRoomEvents(userID string) error {
	_, err := db.Exec(`DELETE FROM room_events WHERE user_id = ?`, userID)
	return err
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows rowScanner) ([]timeline.Event, error) {
	var events []timeline.Event
	for rows.Next() {
		var ev timeline.Event
		var status, content string
		if err := rows.Scan(&ev.RoomID, &ev.EventID, &ev.SenderID, &ev.SenderName, &ev.Type,
			&ev.Body, &ev.DisplayBody, &ev.Encrypted, &status, &ev.TransactionID, &content, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Status = timeline.Status(status)
		if content != "" {
			_ = json.Unmarshal([]byte(content), &ev.Content)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
