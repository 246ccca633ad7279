// Package auth drives session authentication: credential verification,
// expired password changes and single-sign-on token handling.
package auth

import (
	"errors"
	"net/http"

	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/status"
)

var (
	// ErrNotAuthenticated means the session has no verified credentials.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAuthenticationFailed means the credentials were rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrPasswordExpired means the credentials are valid but the password
	// must be changed before the session can be used.
	ErrPasswordExpired = errors.New("password expired")
	// ErrPasswordChangeFailed means an expired password could not be replaced.
	ErrPasswordChangeFailed = errors.New("password change failed")
)

// Error carries a user-facing message for one of the sentinel errors above.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

// Is lets errors.Is match the sentinel kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Unwrap returns the sentinel kind.
func (e *Error) Unwrap() error { return e.Kind }

// Failed returns an ErrAuthenticationFailed with msg.
func Failed(msg string) error { return &Error{Kind: ErrAuthenticationFailed, Message: msg} }

// Expired returns an ErrPasswordExpired with msg.
func Expired(msg string) error { return &Error{Kind: ErrPasswordExpired, Message: msg} }

// ChangeFailed returns an ErrPasswordChangeFailed with msg.
func ChangeFailed(msg string) error { return &Error{Kind: ErrPasswordChangeFailed, Message: msg} }

// Status maps an authentication error onto a response status.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, session.ErrExpired):
		return status.BadRequestUnauth
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		return status.BadRequest
	case errors.Is(err, ErrPasswordExpired):
		return status.BadRequestPasswordExpired
	case errors.Is(err, ErrAuthenticationFailed):
		return status.BadRequestAuthFailed
	case errors.Is(err, ErrPasswordChangeFailed):
		return status.BadRequest
	}
	return status.ServerError
}
