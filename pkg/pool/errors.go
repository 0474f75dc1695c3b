package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted means no connection became available within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("ldap pool: exhausted")

	// ErrClosed means the pool has been shut down.
	ErrClosed = errors.New("ldap pool: closed")

	// ErrDirectoryUnavailable means the upstream directory could not be
	// reached or stopped answering. Distinct from bad credentials so
	// callers never conflate infrastructure failure with a failed login.
	ErrDirectoryUnavailable = errors.New("ldap pool: directory unavailable")

	// ErrInvalidCredentials means the directory answered and rejected the
	// presented credentials.
	ErrInvalidCredentials = errors.New("ldap pool: invalid credentials")
)

// errTagged keeps the sentinel matchable with errors.Is while preserving
// the underlying cause in the message.
func errTagged(sentinel, cause error) error {
	return fmt.Errorf("%w: %v", sentinel, cause)
}
