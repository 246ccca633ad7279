package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/metrics"
)

// ExpireFunc is called once when a session expires or is destroyed.
type ExpireFunc func(s *Session)

// Store holds live sessions and expires them after an idle timeout.
type Store struct {
	clock   clock.Clock
	timeout time.Duration
	logger  *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	onExpire []ExpireFunc
}

// NewStore creates a session store with the given idle timeout.
func NewStore(clk clock.Clock, timeout time.Duration, logger *logging.Logger) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = logging.WithComponent(logging.CompCore)
	}
	return &Store{
		clock:    clk,
		timeout:  timeout,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// OnExpire registers a callback run synchronously on every expiry. Register
// callbacks before serving requests.
func (st *Store) OnExpire(fn ExpireFunc) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onExpire = append(st.onExpire, fn)
}

// Get returns the live session for id and refreshes its idle timer.
func (st *Store) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	st.mu.Lock()
	s, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok || s.State() == Expired {
		return nil, false
	}
	st.touch(s)
	return s, true
}

// Lookup returns the live session for id without refreshing it.
func (st *Store) Lookup(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.State() == Expired {
		return nil, false
	}
	return s, true
}

// Create starts a new unauthenticated session with a random identifier.
func (st *Store) Create() *Session {
	s := newSession(uuid.NewString(), st.clock.Now())
	id := s.id

	st.mu.Lock()
	st.sessions[id] = s
	n := len(st.sessions)
	st.mu.Unlock()

	s.mu.Lock()
	s.timer = st.clock.AfterFunc(st.timeout, func() { st.Expire(id) })
	s.mu.Unlock()

	metrics.Get().ActiveSessions.Set(float64(n))
	st.logger.Debug("Session created", "session", shortID(id))
	return s
}

// GetOrCreate returns the live session for id or a fresh one.
func (st *Store) GetOrCreate(id string) (s *Session, created bool) {
	if s, ok := st.Get(id); ok {
		return s, false
	}
	return st.Create(), true
}

// Expire destroys the session and runs the expiry callbacks exactly once.
// In-flight requests holding the session keep running, but every later
// lookup fails.
func (st *Store) Expire(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	n := len(st.sessions)
	callbacks := append([]ExpireFunc(nil), st.onExpire...)
	st.mu.Unlock()

	if !ok || !s.expire() {
		return
	}
	metrics.Get().ActiveSessions.Set(float64(n))
	st.logger.Info("Session expired", "session", shortID(id), "username", s.Username())
	for _, fn := range callbacks {
		fn(s)
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Close expires all sessions.
func (st *Store) Close() {
	st.mu.Lock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.Unlock()
	for _, id := range ids {
		st.Expire(id)
	}
}

func (st *Store) touch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = st.clock.Now()
	if s.timer != nil {
		s.timer.Reset(st.timeout)
	}
}

// shortID keeps session identifiers out of logs in full.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
