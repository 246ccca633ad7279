package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
)

// InProcessSpawner serves modules from the current process instead of
// forking. Each "process" is an http.Server on its own unix socket.
type InProcessSpawner struct {
	NewHandler func(req SpawnRequest) (http.Handler, error)
}

func (s InProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	h, err := s.NewHandler(req)
	if err != nil {
		return nil, fmt.Errorf("failed to start module %s: %w", req.Module, err)
	}
	ln, err := net.Listen("unix", req.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", req.Socket, err)
	}
	if err := os.Chmod(req.Socket, 0o600); err != nil {
		ln.Close()
		return nil, err
	}

	p := &inProcess{srv: &http.Server{Handler: h}, exited: make(chan struct{})}
	go func() {
		_ = p.srv.Serve(ln)
		p.once.Do(func() { close(p.exited) })
	}()
	return p, nil
}

type inProcess struct {
	srv    *http.Server
	exited chan struct{}
	once   sync.Once
}

func (p *inProcess) Pid() int                { return os.Getpid() }
func (p *inProcess) Exited() <-chan struct{} { return p.exited }

func (p *inProcess) Terminate() error {
	err := p.srv.Close()
	p.once.Do(func() { close(p.exited) })
	return err
}
