package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Process is a spawned module process.
type Process interface {
	Pid() int
	// Exited is closed once the process has terminated.
	Exited() <-chan struct{}
	// Terminate asks the process to exit. It is a no-op for a dead process.
	Terminate() error
}

// SpawnRequest describes one module process to start.
type SpawnRequest struct {
	Module     string
	Socket     string
	Locale     string
	DebugLevel int
}

// Spawner starts module processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner runs "<command> module -l <locale> -d <level> <socket> <module>".
type ExecSpawner struct {
	// Command is the executable. Empty means the running binary.
	Command string
}

func (s ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	exe := s.Command
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		exe = self
	}
	args := []string{"module"}
	if req.Locale != "" {
		args = append(args, "-l", req.Locale)
	}
	args = append(args, "-d", strconv.Itoa(req.DebugLevel), req.Socket, req.Module)

	// Not CommandContext: the process outlives the request that spawned it.
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start module %s: %w", req.Module, err)
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (p *execProcess) Pid() int                { return p.cmd.Process.Pid }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Terminate() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := unix.Kill(p.Pid(), unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
