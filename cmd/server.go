package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/api"
	"grimm.is/umc/internal/audit"
	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/config"
	"grimm.is/umc/internal/directory"
	"grimm.is/umc/internal/dispatch"
	"grimm.is/umc/internal/health"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/module"
	"grimm.is/umc/internal/payload"
	"grimm.is/umc/internal/ratelimit"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/worker"
)

const (
	rateLimitCleanupInterval = time.Minute
	rateLimitMaxAge          = 10 * time.Minute
	auditPruneInterval       = time.Hour
)

// ServerOptions are the command line settings of the server subcommand.
type ServerOptions struct {
	ConfigFile string
	// InProcess serves modules from goroutines instead of child processes.
	InProcess bool
}

// RunServer runs the console server until SIGINT or SIGTERM.
func RunServer(opts ServerOptions) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.RealClock{}
	dir, err := directory.Open(cfg.Directory.Path, clk)
	if err != nil {
		return fmt.Errorf("failed to open user directory: %w", err)
	}
	defer dir.Close()

	catalog, err := acl.LoadCatalog(cfg.ACL.Catalog)
	if err != nil {
		return fmt.Errorf("failed to load module catalog: %w", err)
	}

	if err := os.MkdirAll(cfg.Module.SocketDir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	pool := worker.NewPool(worker.Options{
		Spawner:     newSpawner(cfg, opts.InProcess, logger),
		SocketDir:   cfg.Module.SocketDir,
		DebugLevel:  cfg.Module.DebugLevel,
		Interval:    cfg.Module.ConnectInterval,
		MaxAttempts: cfg.Module.MaxConnectAttempts,
		Logger:      logger,
	})
	defer pool.Close()

	var auditLog api.AuditRecorder
	sessions := session.NewStore(clk, cfg.Server.SessionTimeout, logger.WithComponent(logging.CompCore))
	sessions.OnExpire(func(s *session.Session) { pool.KillSession(s.ID()) })
	if cfg.Audit.Path != "" {
		store, err := audit.Open(cfg.Audit.Path, clk, cfg.Audit.RetentionDays)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer store.Close()
		store.StartPruning(ctx, auditPruneInterval, func(err error) {
			logger.Warn("Failed to prune audit log", "error", err)
		})
		sessions.OnExpire(func(s *session.Session) {
			if s.Username() == "" {
				return
			}
			err := store.Record(context.Background(), audit.Event{
				Username: s.Username(),
				Session:  s.ID(),
				Action:   audit.ActionSessionExpired,
				ClientIP: s.IP(),
			})
			if err != nil {
				logger.Warn("Failed to record session expiry", "error", err)
			}
		})
		auditLog = store
	}
	defer sessions.Close()

	tokens, err := newTokenStore(ctx, cfg, clk)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiterWithClock(clk)
	limiter.StartCleanup(ctx, rateLimitCleanupInterval, rateLimitMaxAge)

	checker := health.NewChecker(clk)
	checker.Register("directory", health.Ping(dir.Ping, false))
	checker.Register("module_sockets", health.DirWritable(cfg.Module.SocketDir))
	checker.Register("upload_space", health.FreeSpace(cfg.Upload.TempDir, cfg.Upload.MinFreeBytes(), payload.FreeSpace))
	if pinger, ok := tokens.(interface{ Ping(context.Context) error }); ok {
		checker.Register("sso_tokens", health.Ping(pinger.Ping, true))
	}

	srv, err := api.NewServer(api.ServerOptions{
		Config:   cfg,
		Sessions: sessions,
		Authenticator: auth.New(auth.Options{
			Verifier: dir,
			Sessions: sessions,
			Tokens:   tokens,
			SSOTTL:   cfg.SSO.Timeout,
			Logger:   logger.WithComponent(logging.CompAuth),
		}),
		Catalog:     catalog,
		Router:      dispatch.NewRouter(pool, logger),
		Preferences: dir,
		Audit:       auditLog,
		Health:      checker,
		RateLimiter: limiter,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reload(catalog, srv, logger)
			default:
				logger.Info("Received signal, shutting down...", "signal", sig)
				cancel()
				return <-errCh
			}
		}
	}
}

// reload re-reads the module catalog and the HTTPS certificate. Everything
// else in the configuration needs a restart.
func reload(catalog *acl.Catalog, srv *api.Server, logger *logging.Logger) {
	logger.Info("Received SIGHUP, reloading...")
	if err := catalog.Reload(); err != nil {
		logger.Error("Failed to reload module catalog", "error", err)
	}
	if err := srv.ReloadCertificate(); err != nil {
		logger.Error("Failed to reload TLS certificate", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.JSON = cfg.Log.JSON
	lc.File = cfg.Log.File
	if lc.File != "" && !filepath.IsAbs(lc.File) {
		lc.File = filepath.Join(brand.GetLogDir(), lc.File)
	}
	return logging.New(lc), nil
}

func newTokenStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (session.TokenStore, error) {
	if cfg.SSO.RedisAddr == "" {
		return session.NewMemoryTokens(clk), nil
	}
	tokens, err := session.NewRedisTokens(ctx, cfg.SSO.RedisAddr, cfg.SSO.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSO token store: %w", err)
	}
	return tokens, nil
}

func newSpawner(cfg *config.Config, inProcess bool, logger *logging.Logger) worker.Spawner {
	if !inProcess {
		return worker.ExecSpawner{Command: cfg.Module.Command}
	}
	logger.Warn("Serving modules in-process; sessions are not isolated")
	return worker.InProcessSpawner{NewHandler: func(req worker.SpawnRequest) (http.Handler, error) {
		m, ok := module.Lookup(req.Module)
		if !ok {
			return nil, fmt.Errorf("unknown module %q", req.Module)
		}
		return module.NewServer(req.Module, m, logger.WithComponent(logging.CompModule)), nil
	}}
}
