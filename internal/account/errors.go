package account

import "errors"

// ErrRecoveryMismatch means the supplied recovery phrase does not match
// the backed-up key for that user.
var ErrRecoveryMismatch = errors.New("recovery phrase does not match")
