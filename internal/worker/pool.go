// Package worker manages the module processes serving each session. A
// process is spawned lazily on the first command for a (session, module)
// pair, polled until its unix socket accepts connections and then reused
// until the session ends.
package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"grimm.is/umc/internal/config"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/metrics"
)

// DialFunc connects to a module socket.
type DialFunc func(ctx context.Context, socket string) (net.Conn, error)

// Options configures a Pool. Zero values take the config defaults.
type Options struct {
	Spawner     Spawner
	Dial        DialFunc
	SocketDir   string
	DebugLevel  int
	Interval    time.Duration
	MaxAttempts int
	Logger      *logging.Logger
}

// closedRetention is how long a killed session id is remembered. Requests
// that passed the auth gate before the kill finish well within it.
const closedRetention = time.Hour

type poolKey struct {
	session string
	module  string
}

func (k poolKey) String() string { return k.session + "\x00" + k.module }

// Pool owns the module processes of all sessions.
type Pool struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	handles map[poolKey]*Handle
	closed  map[string]time.Time
	group   singleflight.Group
	seq     atomic.Uint64
}

// NewPool creates a pool.
func NewPool(opts Options) *Pool {
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, socket string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultConnectInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxConnectAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Pool{
		opts:    opts,
		logger:  logger.WithComponent(logging.CompWorker),
		handles: make(map[poolKey]*Handle),
		closed:  make(map[string]time.Time),
	}
}

// Get returns the connected handle for (session, module), spawning the
// module process if there is none. Concurrent callers for the same key share
// one spawn. Creation continues when ctx is cancelled so that other waiters
// still get the handle.
func (p *Pool) Get(ctx context.Context, sessionID, module, locale string) (*Handle, error) {
	k := poolKey{sessionID, module}
	if h := p.lookup(k); h != nil {
		return h, nil
	}

	ch := p.group.DoChan(k.String(), func() (any, error) {
		if h := p.lookup(k); h != nil {
			return h, nil
		}
		return p.create(context.WithoutCancel(ctx), k, locale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup returns a usable handle. Failed handles are evicted.
func (p *Pool) lookup(k poolKey) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[k]
	if !ok {
		return nil
	}
	switch h.State() {
	case Connected:
		return h
	case Failed:
		delete(p.handles, k)
	}
	return nil
}

func (p *Pool) create(ctx context.Context, k poolKey, locale string) (*Handle, error) {
	h := newHandle(k.session, k.module, p.socketPath())

	// Registered before spawning so that KillSession reaches it.
	p.mu.Lock()
	if _, dead := p.closed[k.session]; dead {
		p.mu.Unlock()
		return nil, &CouldNotConnect{Module: k.module, Cause: ErrKilled}
	}
	p.handles[k] = h
	p.mu.Unlock()

	if err := p.start(ctx, h, locale); err != nil {
		_ = h.Kill()
		p.remove(k, h)
		return nil, err
	}
	return h, nil
}

func (p *Pool) start(ctx context.Context, h *Handle, locale string) error {
	m := metrics.Get()
	proc, err := p.opts.Spawner.Spawn(ctx, SpawnRequest{
		Module:     h.Module,
		Socket:     h.Socket,
		Locale:     locale,
		DebugLevel: p.opts.DebugLevel,
	})
	if err != nil {
		m.WorkerSpawns.WithLabelValues(h.Module, "error").Inc()
		p.logger.Error("Failed to spawn module process", "module", h.Module, "error", err)
		return &CouldNotConnect{Module: h.Module, Cause: err}
	}
	if err := h.attach(proc); err != nil {
		m.WorkerSpawns.WithLabelValues(h.Module, "killed").Inc()
		return &CouldNotConnect{Module: h.Module, Cause: err}
	}
	p.logger.Debug("Spawned module process", "module", h.Module, "pid", proc.Pid(), "socket", h.Socket)

	go func() {
		<-proc.Exited()
		if h.State() != Failed {
			p.logger.Warn("Module process exited", "module", h.Module, "pid", proc.Pid())
		}
		h.exited()
	}()

	attempts, err := p.connect(ctx, h, proc)
	m.WorkerConnectAttempts.WithLabelValues(h.Module).Observe(float64(attempts))
	if err == nil {
		err = h.connected(attempts, p.opts.Dial)
	}
	if err != nil {
		m.WorkerSpawns.WithLabelValues(h.Module, "failed").Inc()
		p.logger.Error("Could not connect to module process", "module", h.Module, "attempts", attempts, "error", err)
		var cnc *CouldNotConnect
		if errors.As(err, &cnc) {
			return err
		}
		return &CouldNotConnect{Module: h.Module, Attempts: attempts, Cause: err}
	}
	m.WorkerSpawns.WithLabelValues(h.Module, "ok").Inc()
	p.logger.Info("Connected to module process", "module", h.Module, "pid", proc.Pid(), "attempts", attempts)
	return nil
}

// connect polls the socket every Interval. It gives up when the process
// exits, the handle is killed or MaxAttempts dials have failed.
func (p *Pool) connect(ctx context.Context, h *Handle, proc Process) (int, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 1; ; attempt++ {
		select {
		case <-proc.Exited():
			return attempt - 1, &CouldNotConnect{Module: h.Module, Attempts: attempt - 1, Cause: ErrProcessExited}
		default:
		}
		if h.isKilled() {
			return attempt - 1, &CouldNotConnect{Module: h.Module, Attempts: attempt - 1, Cause: ErrKilled}
		}

		dialCtx, cancel := context.WithTimeout(ctx, p.opts.Interval)
		conn, err := p.opts.Dial(dialCtx, h.Socket)
		cancel()
		if err == nil {
			conn.Close()
			return attempt, nil
		}
		if attempt >= p.opts.MaxAttempts {
			return attempt, &CouldNotConnect{Module: h.Module, Attempts: attempt, Cause: err}
		}

		timer.Reset(p.opts.Interval)
		select {
		case <-timer.C:
		case <-proc.Exited():
		}
	}
}

func (p *Pool) remove(k poolKey, h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handles[k] == h {
		delete(p.handles, k)
	}
}

// socketPath derives a unique socket path from pid, time and a counter.
func (p *Pool) socketPath() string {
	name := strconv.Itoa(os.Getpid()) + "-" +
		strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" +
		strconv.FormatUint(p.seq.Add(1), 10) + ".socket"
	return filepath.Join(p.opts.SocketDir, name)
}

// KillSession kills every module process of the session. Handles still
// being created are killed as soon as their process exists, and no new
// process is spawned for the session afterwards.
func (p *Pool) KillSession(sessionID string) {
	now := time.Now()
	p.mu.Lock()
	for id, at := range p.closed {
		if now.Sub(at) > closedRetention {
			delete(p.closed, id)
		}
	}
	p.closed[sessionID] = now
	var victims []*Handle
	for k, h := range p.handles {
		if k.session == sessionID {
			victims = append(victims, h)
			delete(p.handles, k)
		}
	}
	p.mu.Unlock()

	for _, h := range victims {
		if err := h.Kill(); err != nil {
			p.logger.Warn("Failed to kill module process", "module", h.Module, "pid", h.Pid(), "error", err)
			continue
		}
		p.logger.Audit("kill", "module:"+h.Module, map[string]any{"pid": h.Pid(), "session": shortID(sessionID)})
	}
}

// Handles returns the handles of a session.
func (p *Pool) Handles(sessionID string) []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Handle
	for k, h := range p.handles {
		if k.session == sessionID {
			out = append(out, h)
		}
	}
	return out
}

// Len returns the number of tracked handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close kills all module processes.
func (p *Pool) Close() {
	p.mu.Lock()
	sessions := make(map[string]struct{})
	for k := range p.handles {
		sessions[k.session] = struct{}{}
	}
	p.mu.Unlock()
	for s := range sessions {
		p.KillSession(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
