package doorman

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the parent of every error caused by a programming or
// deployment mistake. These are never retried.
var ErrConfiguration = errors.New("doorman: configuration error")

var (
	ErrDuplicateScheme     = fmt.Errorf("%w: duplicate scheme name", ErrConfiguration)
	ErrMissingScheme       = fmt.Errorf("%w: no default scheme could be resolved", ErrConfiguration)
	ErrMissingHandler      = fmt.Errorf("%w: no handler registered for scheme", ErrConfiguration)
	ErrUnknownSchemeType   = fmt.Errorf("%w: unknown scheme type", ErrConfiguration)
	ErrInvalidOptions      = fmt.Errorf("%w: invalid scheme options", ErrConfiguration)
	ErrInvalidSecretLength = fmt.Errorf("%w: protector secret must be at least 32 bytes", ErrConfiguration)
)

var (
	ErrRecursiveForwarding  = errors.New("doorman: recursive scheme forwarding detected")
	ErrUnsupportedOperation = errors.New("doorman: operation not supported by scheme")
	ErrCorrelationFailed    = errors.New("doorman: correlation failed")
	ErrRemoteFailure        = errors.New("doorman: remote authentication failed")
	ErrInvalidCredentials   = errors.New("doorman: invalid credentials")
	ErrTicketExpired        = errors.New("doorman: ticket expired")
	ErrInvalidTicket        = errors.New("doorman: invalid ticket")
	ErrAccessDenied         = errors.New("doorman: access denied by remote")
)

// RemoteFailureError is returned by a remote scheme when its callback failed and
// no OnRemoteFailure callback handled the failure.
type RemoteFailureError struct {
	Scheme     string
	Properties *Properties
	Err        error
}

func (e *RemoteFailureError) Error() string {
	return fmt.Sprintf("%s (scheme %q): %v", ErrRemoteFailure, e.Scheme, e.Err)
}

func (e *RemoteFailureError) Unwrap() []error { return []error{ErrRemoteFailure, e.Err} }
