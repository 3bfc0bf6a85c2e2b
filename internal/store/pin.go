package store

import (
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MaxPINAttempts is how many wrong entries are allowed before the gate
// triggers a security wipe.
const MaxPINAttempts = 4

// SavePIN hashes and stores the PIN, resetting the attempt counter.
func (db *DB) SavePIN(pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO pin_record (id, pin_hash, attempts_remaining, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pin_hash = excluded.pin_hash,
			attempts_remaining = excluded.attempts_remaining,
			updated_at = excluded.updated_at`,
		string(hash), MaxPINAttempts, time.Now().UnixMilli())
	return err
}

// HasPIN reports whether a PIN gate is configured.
func (db *DB) HasPIN() (bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pin_record`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// VerifyPIN checks the entry against the stored hash. A wrong entry
// decrements the attempt counter; a correct one resets it. The remaining
// count is returned either way so callers can warn, and wipe at zero.
func (db *DB) VerifyPIN(pin string) (ok bool, remaining int, err error) {
	var hash string
	err = db.QueryRow(`SELECT pin_hash, attempts_remaining FROM pin_record WHERE id = 1`).Scan(&hash, &remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, errors.New("no pin configured")
	}
	if err != nil {
		return false, 0, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil {
		if _, err := db.Exec(`UPDATE pin_record SET attempts_remaining = ? WHERE id = 1`, MaxPINAttempts); err != nil {
			return true, MaxPINAttempts, err
		}
		return true, MaxPINAttempts, nil
	}

	remaining--
	if remaining < 0 {
		remaining = 0
	}
	if _, err := db.Exec(`UPDATE pin_record SET attempts_remaining = ? WHERE id = 1`, remaining); err != nil {
		return false, remaining, err
	}
	return false, remaining, nil
}

// ClearPIN removes the PIN gate.
func (db *DB) ClearPIN() error {
	_, err := db.Exec(`DELETE FROM pin_record`)
	return err
}
