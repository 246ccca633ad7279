package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/metrics"
	"grimm.is/umc/internal/session"
)

// Verifier is the identity backend consulted for credentials.
// Implementations may block on network I/O.
type Verifier interface {
	// Verify returns nil, an ErrPasswordExpired or an ErrAuthenticationFailed.
	Verify(ctx context.Context, username, password string) error
	// ChangeExpiredPassword returns nil or an ErrPasswordChangeFailed.
	ChangeExpiredPassword(ctx context.Context, username, oldPassword, newPassword string) error
	// LookupIdentity returns the directory entry of username, or nil.
	LookupIdentity(ctx context.Context, username string) (*session.Identity, error)
}

// Credentials are the values submitted for authentication.
type Credentials struct {
	Username    string
	Password    string
	NewPassword string
}

// Options configures an Authenticator.
type Options struct {
	Verifier Verifier
	Sessions *session.Store
	Tokens   session.TokenStore
	SSOTTL   time.Duration
	// MaxConcurrent bounds concurrently running backend calls.
	MaxConcurrent int
	Logger        *logging.Logger
}

// Authenticator runs the per-session authentication state machine.
type Authenticator struct {
	verifier Verifier
	sessions *session.Store
	tokens   session.TokenStore
	ssoTTL   time.Duration
	slots    chan struct{}
	logger   *logging.Logger
}

// New creates an Authenticator.
func New(opts Options) *Authenticator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.CompAuth)
	}
	return &Authenticator{
		verifier: opts.Verifier,
		sessions: opts.Sessions,
		tokens:   opts.Tokens,
		ssoTTL:   opts.SSOTTL,
		slots:    make(chan struct{}, opts.MaxConcurrent),
		logger:   opts.Logger,
	}
}

// RequireAuthenticated fails with ErrNotAuthenticated unless s is authenticated.
func RequireAuthenticated(s *session.Session) error {
	if s == nil || !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return nil
}

// Authenticate verifies creds for s. On success the session is marked
// authenticated, the client address is bound to it and a fresh SSO token is
// returned. Backend calls run in a bounded pool of goroutines and the call
// returns early if ctx is cancelled.
func (a *Authenticator) Authenticate(ctx context.Context, s *session.Session, creds Credentials, clientIP string) (string, error) {
	a.logger.Info("Trying to authenticate user", "username", creds.Username, "ip", clientIP)

	password, err := runBlocking(ctx, a.slots, func() (string, error) {
		return a.verify(ctx, creds)
	})
	if err != nil {
		metrics.Get().AuthAttempts.WithLabelValues(outcome(err)).Inc()
		a.logger.Warn("Authentication failed", "username", creds.Username, "ip", clientIP, "error", err)
		return "", err
	}

	if err := s.MarkAuthenticated(creds.Username, password); err != nil {
		metrics.Get().AuthAttempts.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Get().AuthAttempts.WithLabelValues("success").Inc()
	a.logger.Info("Authentication was successful", "username", creds.Username)
	a.logger.Audit("login", "session", map[string]any{"username": creds.Username, "ip": clientIP})

	a.loadIdentity(ctx, s, creds.Username)
	return a.onAuthenticated(ctx, s, clientIP)
}

// verify checks the credentials and returns the password the session should
// keep, which is the new one after an expired password change.
func (a *Authenticator) verify(ctx context.Context, creds Credentials) (string, error) {
	err := a.verifier.Verify(ctx, creds.Username, creds.Password)
	switch {
	case err == nil:
		return creds.Password, nil
	case errors.Is(err, ErrPasswordExpired):
		if creds.NewPassword == "" {
			return "", err
		}
		if cerr := a.verifier.ChangeExpiredPassword(ctx, creds.Username, creds.Password, creds.NewPassword); cerr != nil {
			if !errors.Is(cerr, ErrPasswordChangeFailed) {
				cerr = ChangeFailed(cerr.Error())
			}
			return "", cerr
		}
		a.logger.Info("Password change was successful", "username", creds.Username)
		a.logger.Audit("password_change", "user", map[string]any{"username": creds.Username})
		return creds.NewPassword, nil
	case errors.Is(err, ErrAuthenticationFailed):
		return "", err
	}
	// Any other rejection counts as a failed authentication; the cause is
	// only logged.
	a.logger.Error("Credential backend error", "username", creds.Username, "error", err)
	return "", Failed("The authentication has failed")
}

func (a *Authenticator) loadIdentity(ctx context.Context, s *session.Session, username string) {
	id, err := runBlocking(ctx, a.slots, func() (*session.Identity, error) {
		return a.verifier.LookupIdentity(ctx, username)
	})
	if err != nil {
		a.logger.Warn("Could not look up directory entry", "username", username, "error", err)
		return
	}
	s.SetIdentity(id)
}

// onAuthenticated runs after the session is marked authenticated.
func (a *Authenticator) onAuthenticated(ctx context.Context, s *session.Session, clientIP string) (string, error) {
	s.SetIP(clientIP)
	if a.tokens == nil {
		return "", nil
	}
	token, err := a.tokens.Issue(ctx, s.ID(), a.ssoTTL)
	if err != nil {
		// The login itself succeeded; SSO is a convenience.
		a.logger.Warn("Could not issue SSO token", "username", s.Username(), "error", err)
		return "", nil
	}
	return token, nil
}

// RedeemSSO pops token and returns the authenticated session it belongs to,
// rebound to clientIP. ok is false for unknown, expired or orphaned tokens.
func (a *Authenticator) RedeemSSO(ctx context.Context, token, clientIP string) (*session.Session, bool, error) {
	if token == "" || a.tokens == nil {
		return nil, false, nil
	}
	sid, ok, err := a.tokens.Redeem(ctx, token)
	if err != nil {
		return nil, false, fmt.Errorf("redeem sso token: %w", err)
	}
	if !ok {
		a.logger.Warn("Unknown SSO token", "ip", clientIP)
		return nil, false, nil
	}
	s, ok := a.sessions.Get(sid)
	if !ok || !s.IsAuthenticated() {
		a.logger.Warn("SSO token refers to a dead session", "ip", clientIP)
		return nil, false, nil
	}
	s.SetIP(clientIP)
	a.logger.Audit("sso", "session", map[string]any{"username": s.Username(), "ip": clientIP})
	return s, true, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrPasswordExpired):
		return "password_expired"
	case errors.Is(err, ErrPasswordChangeFailed):
		return "password_change_failed"
	case errors.Is(err, ErrAuthenticationFailed):
		return "failed"
	}
	return "error"
}

// runBlocking runs fn in its own goroutine once a slot is free and waits for
// it or for ctx. A cancelled caller does not leak the slot; the goroutine
// releases it when fn returns.
func runBlocking[T any](ctx context.Context, slots chan struct{}, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-slots }()
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
