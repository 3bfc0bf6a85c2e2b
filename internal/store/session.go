package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matrixchat/matrixchat/internal/matrix"
)

// SaveSession persists the session credentials and sync cursor. There is at
// most one session per store.
func (db *DB) SaveSession(sess *matrix.Session) error {
	_, err := db.Exec(`
		INSERT INTO session (id, user_id, access_token, device_id, homeserver, next_sync_token, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			access_token = excluded.access_token,
			device_id = excluded.device_id,
			homeserver = excluded.homeserver,
			next_sync_token = excluded.next_sync_token,
			updated_at = excluded.updated_at`,
		sess.UserID, sess.AccessToken, sess.DeviceID, sess.Homeserver, sess.NextSyncToken, time.Now().UnixMilli())
	return err
}

// LoadSession returns the stored session, or nil when none exists.
func (db *DB) LoadSession() (*matrix.Session, error) {
	var sess matrix.Session
	err := db.QueryRow(`
		SELECT user_id, access_token, device_id, homeserver, next_sync_token
		FROM session WHERE id = 1`).
		Scan(&sess.UserID, &sess.AccessToken, &sess.DeviceID, &sess.Homeserver, &sess.NextSyncToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ClearSession removes the stored session.
func (db *DB) ClearSession() error {
	_, err := db.Exec(`DELETE FROM session`)
	return err
}
