package store

import (
	"database/sql"
	"errors"
	"time"
)

// SavePendingRecovery records a recovery-key hash that still needs to be
// flushed to the server-side backup.
func (db *DB) SavePendingRecovery(userID, keyHash string) error {
	_, err := db.Exec(`
		INSERT INTO recovery_pending (user_id, recovery_key_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			recovery_key_hash = excluded.recovery_key_hash,
			created_at = excluded.created_at`,
		userID, keyHash, time.Now().UnixMilli())
	return err
}

// LoadPendingRecovery returns the unflushed recovery-key hash for a user,
// or "" when nothing is pending.
func (db *DB) LoadPendingRecovery(userID string) (string, error) {
	var hash string
	err := db.QueryRow(`SELECT recovery_key_hash FROM recovery_pending WHERE user_id = ?`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// ClearPendingRecovery removes the pending marker after a successful flush.
func (db *DB) ClearPendingRecovery(userID string) error {
	_, err := db.Exec(`DELETE FROM recovery_pending WHERE user_id = ?`, userID)
	return err
}
