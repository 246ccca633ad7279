// Package session holds per-client server state and single-sign-on tokens.
package session

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/text/language"

	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/i18n"
)

// State is the authentication status of a session.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	}
	return "unknown"
}

var (
	// ErrExpired is returned when mutating a session that has expired.
	ErrExpired = errors.New("session expired")
	// ErrAlreadyAuthenticated is returned when a session is authenticated twice
	// for a different user.
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
)

// Identity is the cached directory entry of the session's user.
type Identity struct {
	DN         string            `json:"dn"`
	Groups     []string          `json:"groups,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Session is the server-side state of one client.
type Session struct {
	id      string
	created time.Time

	mu         sync.RWMutex
	state      State
	username   string
	password   string
	identity   *Identity
	ip         string
	locale     language.Tag
	lastAccess time.Time
	timer      clock.Timer
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:         id,
		created:    now,
		state:      Unauthenticated,
		locale:     i18n.DefaultLang,
		lastAccess: now,
	}
}

// ID returns the opaque session identifier carried in the session cookie.
func (s *Session) ID() string { return s.id }

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsAuthenticated reports whether credentials have been verified.
func (s *Session) IsAuthenticated() bool {
	return s.State() == Authenticated
}

// MarkAuthenticated moves the session to Authenticated and caches the
// credentials needed to derive worker credentials. A session that is already
// authenticated may only refresh the password of the same user.
func (s *Session) MarkAuthenticated(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Expired:
		return ErrExpired
	case Authenticated:
		if s.username != username {
			return ErrAlreadyAuthenticated
		}
	}
	s.state = Authenticated
	s.username = username
	s.password = password
	return nil
}

// Credentials returns the cached username and password.
func (s *Session) Credentials() (username, password string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.password
}

// Username returns the authenticated username, or "".
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Identity returns the cached directory entry, if it was looked up.
func (s *Session) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetIdentity caches the directory entry for the session's user.
func (s *Session) SetIdentity(id *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// IP returns the client address bound to the session.
func (s *Session) IP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ip
}

// SetIP binds a client address to the session.
func (s *Session) SetIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ip = ip
}

// Locale returns the active locale.
func (s *Session) Locale() language.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locale
}

// SetLocale changes the active locale.
func (s *Session) SetLocale(tag language.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locale = tag
}

// LastAccess returns the time of the last request seen for the session.
func (s *Session) LastAccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccess
}

// expire moves the session to Expired, reporting whether this call did it.
func (s *Session) expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Expired {
		return false
	}
	s.state = Expired
	s.password = ""
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}
