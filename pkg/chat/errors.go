package chat

import (
	"errors"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrAuthorizationRejected = errors.New("authorization rejected")
	ErrTransportFailure      = errors.New("transport failure")
	ErrSendFailed            = errors.New("send failed")
	ErrValidation            = errors.New("validation error")
	ErrNotConnected          = errors.New("not connected")
)

// Fatal reports whether err ends the session and requires re-authentication.
func Fatal(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrAuthorizationRejected)
}
