// Package api is the HTTP front end of the console. Every request runs
// through the same lifecycle: decode the payload, resume or authenticate the
// session, run the endpoint and write exactly one response envelope.
package api

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/audit"
	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/config"
	"grimm.is/umc/internal/dispatch"
	"grimm.is/umc/internal/health"
	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/payload"
	"grimm.is/umc/internal/ratelimit"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/tls"
)

// certificateWarnBefore is how long before expiry the HTTPS certificate
// turns the health report degraded.
const certificateWarnBefore = 14 * 24 * time.Hour

// ServerConfig holds HTTP server timeouts and limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns the default server limits. There is no write
// timeout because module commands may run for a long time.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// PreferenceStore keeps per-user console preferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, username string) (map[string]string, error)
	MergePreferences(ctx context.Context, username string, prefs map[string]string) error
}

// AuditRecorder persists security relevant events.
type AuditRecorder interface {
	Record(ctx context.Context, evt audit.Event) error
}

// Server handles console requests.
type Server struct {
	Config      *config.Config
	sessions    *session.Store
	auth        *auth.Authenticator
	catalog     *acl.Catalog
	router      *dispatch.Router
	decoder     *payload.Decoder
	preferences PreferenceStore
	auditLog    AuditRecorder
	health      *health.Checker
	certificate *tls.Reloader
	rateLimiter *ratelimit.Limiter
	clock       clock.Clock
	logger      *logging.Logger
	startTime   time.Time

	mux *http.ServeMux
}

// ServerOptions holds the dependencies of the server.
type ServerOptions struct {
	Config        *config.Config
	Sessions      *session.Store
	Authenticator *auth.Authenticator
	Catalog       *acl.Catalog
	Router        *dispatch.Router
	Preferences   PreferenceStore // Optional
	Audit         AuditRecorder   // Optional
	Health        *health.Checker // Optional
	RateLimiter   *ratelimit.Limiter
	Clock         clock.Clock
	Logger        *logging.Logger
}

// NewServer creates a server with the provided options.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Sessions == nil || opts.Authenticator == nil || opts.Catalog == nil || opts.Router == nil {
		return nil, errors.New("api: sessions, authenticator, catalog and router are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker(clk)
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NewLimiterWithClock(clk)
	}

	s := &Server{
		Config:      cfg,
		sessions:    opts.Sessions,
		auth:        opts.Authenticator,
		catalog:     opts.Catalog,
		router:      opts.Router,
		decoder:     payload.NewDecoder(cfg.Upload.TempDir, cfg.Upload.MaxBytes(), cfg.Upload.MinFreeBytes(), logger),
		preferences: opts.Preferences,
		auditLog:    opts.Audit,
		health:      checker,
		rateLimiter: limiter,
		clock:       clk,
		logger:      logger.WithComponent(logging.CompCore),
		startTime:   clk.Now(),
	}
	if cfg.Server.HTTPSListen != "" {
		certFile, keyFile := cfg.Server.CertFile, cfg.Server.KeyFile
		if certFile == "" {
			certFile = filepath.Join(brand.GetStateDir(), "certs", "server.crt")
		}
		if keyFile == "" {
			keyFile = filepath.Join(brand.GetStateDir(), "certs", "server.key")
		}
		cert, err := tls.NewReloader(certFile, keyFile, cfg.Hosts)
		if err != nil {
			return nil, fmt.Errorf("failed to ensure TLS certificate: %w", err)
		}
		s.certificate = cert
		checker.Register("tls_certificate", health.CertificateExpiry(cert.NotAfter, clk, certificateWarnBefore))
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()

	mux.Handle("/auth", s.endpoint(endpointOptions{}, s.handleAuth))
	mux.Handle("/auth/", s.endpoint(endpointOptions{}, s.handleAuth))
	mux.HandleFunc("/sso", s.handleSSO)
	mux.HandleFunc("/logout", s.handleLogout)

	mux.Handle("/command/", s.endpoint(endpointOptions{protected: true}, s.handleCommand("command")))
	mux.Handle("/upload", s.endpoint(endpointOptions{protected: true, upload: true}, s.handleUpload))
	mux.Handle("/upload/", s.endpoint(endpointOptions{protected: true, upload: true}, s.handleCommand("upload")))

	mux.Handle("/get/modules", s.endpoint(endpointOptions{protected: true}, s.handleGetModules))
	mux.Handle("/get/categories", s.endpoint(endpointOptions{protected: true}, s.handleGetCategories))
	mux.Handle("/get/user/preferences", s.endpoint(endpointOptions{protected: true}, s.handleGetPreferences))
	mux.Handle("/get/hosts", s.endpoint(endpointOptions{protected: true}, s.handleGetHosts))
	mux.Handle("/get/ucr", s.endpoint(endpointOptions{protected: true}, s.handleGetUCR))
	mux.Handle("/get/info", s.endpoint(endpointOptions{protected: true}, s.handleGetInfo))
	mux.Handle("/get/", s.endpoint(endpointOptions{}, s.handleNotFound))

	mux.Handle("/set", s.endpoint(endpointOptions{protected: true}, s.handleSet))
	mux.Handle("/set/locale", s.endpoint(endpointOptions{protected: true}, s.handleSetLocale))
	mux.Handle("/set/user", s.endpoint(endpointOptions{protected: true}, s.handleSetUser))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.health.Handler())
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler())
	mux.HandleFunc("GET /livez", health.LivenessHandler())
	mux.Handle("/", s.endpoint(endpointOptions{}, s.handleNotFound))

	s.mux = mux
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = i18n.Middleware(h)
	h = s.maxBodyMiddleware(s.Config.Server.MaxBodyBytes)(h)
	h = s.accessLog(h)
	h = s.requestID(h)
	h = s.serverHeader(h)
	return h
}

func (s *Server) httpServer() *http.Server {
	cfg := DefaultServerConfig()
	return &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// ReloadCertificate re-reads the HTTPS key pair. It is a no-op without an
// HTTPS listener.
func (s *Server) ReloadCertificate() error {
	if s.certificate == nil {
		return nil
	}
	if err := s.certificate.Reload(); err != nil {
		return err
	}
	s.logger.Info("TLS certificate reloaded", "not_after", s.certificate.NotAfter())
	return nil
}

// Start serves HTTP (and HTTPS when configured) until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var listeners []net.Listener
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}

	ln, err := s.listen(s.Config.Server.Listen)
	if err != nil {
		return err
	}
	listeners = append(listeners, ln)

	if addr := s.Config.Server.HTTPSListen; addr != "" && s.certificate != nil {
		tln, err := s.listen(addr)
		if err != nil {
			closeAll()
			return err
		}
		listeners = append(listeners, cryptotls.NewListener(tln, tls.ServerConfig(s.certificate)))
	}

	errCh := make(chan error, len(listeners))
	servers := make([]*http.Server, len(listeners))
	for i, l := range listeners {
		srv := s.httpServer()
		servers[i] = srv
		s.logger.Info("Console server listening", "addr", l.Addr().String())
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return serveErr
}

// record writes evt to the audit trail, if one is configured.
func (s *Server) record(ctx context.Context, evt audit.Event) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Record(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Error("Failed to record audit event", "action", evt.Action, "error", err)
	}
}

// listen opens a TCP listener bounded by server.max_connections.
func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if n := s.Config.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	return ln, nil
}
