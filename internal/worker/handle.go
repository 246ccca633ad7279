package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"grimm.is/umc/internal/metrics"
)

// State is the connection state of a handle.
type State int

const (
	NotStarted State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle is one module process serving one session.
type Handle struct {
	Module  string
	Session string
	Socket  string

	mu       sync.Mutex
	state    State
	proc     Process
	attempts int
	killed   bool
	client   *http.Client

	killOnce sync.Once
	active   bool // counted in ActiveWorkers
}

func newHandle(session, module, socket string) *Handle {
	return &Handle{Module: module, Session: session, Socket: socket}
}

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempts returns how many connect attempts the handle needed.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Pid returns the module process id, or 0 before spawning.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid()
}

func (h *Handle) isKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// attach records the spawned process. It fails when the handle was killed
// while the spawn was in progress.
func (h *Handle) attach(p Process) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = p
	if h.killed {
		_ = p.Terminate()
		h.state = Failed
		return ErrKilled
	}
	h.state = Connecting
	return nil
}

// connected installs the proxy client.
func (h *Handle) connected(attempts int, dial DialFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = attempts
	if h.killed {
		return ErrKilled
	}
	socket := h.Socket
	h.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx, socket)
			},
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
	}
	h.state = Connected
	h.active = true
	metrics.Get().ActiveWorkers.Inc()
	return nil
}

// exited marks the handle failed after its process died.
func (h *Handle) exited() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Failed
	h.release()
}

// release must be called with h.mu held.
func (h *Handle) release() {
	if h.active {
		h.active = false
		metrics.Get().ActiveWorkers.Dec()
	}
	if h.client != nil {
		h.client.CloseIdleConnections()
	}
}

// Kill terminates the module process. Only the first call has any effect.
func (h *Handle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		h.mu.Lock()
		h.killed = true
		h.state = Failed
		h.release()
		proc := h.proc
		h.mu.Unlock()

		if proc != nil {
			metrics.Get().WorkerKills.Inc()
			err = proc.Terminate()
		}
		_ = os.Remove(h.Socket)
	})
	return err
}

// Request is one exchange forwarded to the module process.
type Request struct {
	// Method is the module method name, sent as X-UMC-Method.
	Method      string
	Path        string
	Body        io.Reader
	ContentType string
	Language    string
	Accept      string
	UserAgent   string
	ClientIP    string
	Flavor      string
	Username    string
	Password    string
	UserDN      string
	ACLs        string
}

// Header builds the headers the module process expects.
func (r *Request) Header() http.Header {
	hdr := make(http.Header)
	if r.ContentType != "" {
		hdr.Set("Content-Type", r.ContentType)
	}
	if r.Language != "" {
		hdr.Set("Accept-Language", r.Language)
	}
	if r.Accept != "" {
		hdr.Set("Accept", r.Accept)
	}
	if r.UserAgent != "" {
		hdr.Set("User-Agent", r.UserAgent)
	}
	if r.ClientIP != "" {
		hdr.Set("X-Forwarded-For", r.ClientIP)
	}
	hdr.Set("X-UMC-Method", r.Method)
	if r.Flavor != "" {
		hdr.Set("X-UMC-Flavor", r.Flavor)
	}
	if r.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(r.Username + ":" + r.Password))
		hdr.Set("Authorization", "Basic "+creds)
	}
	if r.UserDN != "" {
		hdr.Set("X-User-Dn", r.UserDN)
	}
	if r.ACLs != "" {
		hdr.Set("X-UMC-Acls", r.ACLs)
	}
	return hdr
}

// Forward relays req to the module process. Transport failures are
// reported as *CouldNotConnect. The caller closes the response body.
func (h *Handle) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	h.mu.Lock()
	client, state := h.client, h.state
	h.mu.Unlock()
	if state != Connected || client == nil {
		return nil, &CouldNotConnect{Module: h.Module, Cause: fmt.Errorf("handle is %s", state)}
	}

	path := req.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://module"+path, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build module request: %w", err)
	}
	hreq.Header = req.Header()

	resp, err := client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrKilled) || h.State() == Failed {
			err = errors.Join(ErrProcessExited, err)
		}
		return nil, &CouldNotConnect{Module: h.Module, Cause: err}
	}
	return resp, nil
}
