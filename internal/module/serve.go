package module

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/umc/internal/logging"
)

// Serve listens on socket and serves h until ctx is cancelled. The socket is
// only accessible to the owner.
func Serve(ctx context.Context, socket string, h http.Handler, logger *logging.Logger) error {
	_ = os.Remove(socket)

	old := unix.Umask(0o077)
	ln, err := net.Listen("unix", socket)
	unix.Umask(old)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socket, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("Module process listening", "socket", socket, "pid", os.Getpid())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down module process")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	_ = os.Remove(socket)
	return err
}
