package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/metrics"
)

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// accessLogWriter wraps http.ResponseWriter to capture the status code
type accessLogWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *accessLogWriter) WriteHeader(status int) {
	if rw.status == 0 {
		rw.status = status
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *accessLogWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func (rw *accessLogWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *accessLogWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// accessLog logs every request and records request metrics.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rw := &accessLogWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		duration := s.clock.Since(start)

		resource := resourceLabel(r.URL.Path)
		m := metrics.Get()
		m.Requests.WithLabelValues(resource, strconv.Itoa(rw.status)).Inc()
		m.RequestLatency.WithLabelValues(resource).Observe(duration.Seconds())

		switch r.URL.Path {
		case "/metrics", "/healthz", "/readyz", "/livez":
			return
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"client", clientIP(r),
			"status", rw.status,
			"size", rw.size,
			"duration", duration.Round(time.Millisecond),
			"request_id", RequestID(r.Context()),
		}
		switch {
		case rw.status >= 500:
			s.logger.Error("HTTP request", args...)
		case rw.status >= 400:
			s.logger.Warn("HTTP request", args...)
		default:
			s.logger.Info("HTTP request", args...)
		}
	})
}

// resourceLabel keeps metric cardinality bounded: the first path segment.
func resourceLabel(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	switch path {
	case "auth", "sso", "logout", "command", "upload", "get", "set", "metrics":
		return path
	}
	return "other"
}

// requestID tags each request with a ULID, echoed in X-Request-Id.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ulid.Make().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// serverHeader sets the Server banner on every response.
func (s *Server) serverHeader(next http.Handler) http.Handler {
	banner := brand.ServerBanner()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", banner)
		next.ServeHTTP(w, r)
	})
}

// maxBodyMiddleware limits the size of request bodies to prevent memory exhaustion.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, body := encodeEnvelope(Envelope{Status: http.StatusRequestEntityTooLarge, Message: "Request Entity Too Large"}, false)
				w.Write(body)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
