package matrix

import (
	"errors"
	"fmt"
)

// ErrNotLoggedIn is returned by operations that require an authenticated
// session when none is active.
var ErrNotLoggedIn = errors.New("not logged in")

// Error is a non-2xx response from the homeserver, carrying the HTTP status
// and the Matrix errcode when the body could be decoded.
type Error struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	RawBody    []byte `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("homeserver returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("homeserver returned %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the homeserver.
func IsNotFound(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.StatusCode == 404
}

// IsConflict reports whether err is a 409 from the homeserver.
// Conflicts on idempotent writes are treated as success by callers.
func IsConflict(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.StatusCode == 409
}

// IsAuthFailure reports whether err is an authentication or authorization
// rejection. These are surfaced to the caller and never retried.
func IsAuthFailure(err error) bool {
	var me *Error
	return errors.As(err, &me) && (me.StatusCode == 401 || me.StatusCode == 403)
}
