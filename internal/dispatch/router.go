// Package dispatch routes module commands to the module process of the
// calling session.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/metrics"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/status"
	"grimm.is/umc/internal/worker"
)

// Error is a routing failure rendered as an envelope.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Handles hands out module process handles. Implemented by *worker.Pool.
type Handles interface {
	Get(ctx context.Context, sessionID, module, locale string) (*worker.Handle, error)
}

// Request is one command invocation.
type Request struct {
	Session   *session.Session
	Authority acl.Authority
	// Kind is "command" or "upload".
	Kind      string
	Command   string
	Options   any
	Flavor    string
	ClientIP  string
	Locale    string // POSIX locale for the module process
	Language  string // Accept-Language forwarded to the module
	Accept    string
	UserAgent string
}

// Response is the relayed module answer. Exactly one of Result and Body is
// set. A non-nil Body must be closed by the caller.
type Response struct {
	Status  int
	Message any
	Header  http.Header
	Result  json.RawMessage
	Body    io.ReadCloser
}

// notForwarded are response headers the front end recomputes.
var notForwarded = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Range":             true,
	"Date":              true,
	"Content-Encoding":  true,
	"Connection":        true,
	"Server":            true,
	"Set-Cookie":        true,
}

// Router checks permissions and forwards commands.
type Router struct {
	handles Handles
	logger  *logging.Logger
}

// NewRouter creates a router on top of a handle source.
func NewRouter(handles Handles, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{handles: handles, logger: logger.WithComponent(logging.CompModule)}
}

// Dispatch runs req. Permission and routing failures are returned as
// *Error before any module process is involved.
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	m := metrics.Get()
	a := req.Authority

	// The session may have expired since the request passed the auth gate.
	if err := auth.RequireAuthenticated(req.Session); err != nil {
		m.Dispatches.WithLabelValues("", "unauthenticated").Inc()
		return nil, &Error{Status: status.BadRequestUnauth, Message: status.Description(status.BadRequestUnauth), Err: err}
	}

	module, ok := a.ModuleProviding(req.Command)
	if !ok {
		r.logger.Warn("No module provides command", "command", req.Command)
		m.Dispatches.WithLabelValues("", "forbidden").Inc()
		return nil, &Error{Status: status.BadRequestForbidden, Message: status.Description(status.BadRequestForbidden)}
	}

	r.logger.Debug("Checking ACLs", "command", req.Command, "module", module)
	if !a.IsAllowed(req.Command, req.Options, req.Flavor) {
		r.logger.Warn("Command is not allowed", "command", req.Command, "username", req.Session.Username())
		m.Dispatches.WithLabelValues(module, "forbidden").Inc()
		return nil, &Error{Status: status.BadRequestForbidden, Message: status.Description(status.BadRequestForbidden)}
	}

	method, ok := a.MethodFor(module, req.Command)
	if !ok {
		r.logger.Warn("Command does not exist", "command", req.Command, "module", module)
		m.Dispatches.WithLabelValues(module, "not_found").Inc()
		return nil, &Error{Status: status.BadRequestNotFound, Message: status.Description(status.BadRequestNotFound)}
	}

	resp, err := r.forward(ctx, req, module, method)
	if errors.Is(err, worker.ErrKilled) && !req.Session.IsAuthenticated() {
		m.Dispatches.WithLabelValues(module, "unauthenticated").Inc()
		r.logger.Info("Session ended while the command was in flight", "command", req.Command, "module", module)
		return nil, &Error{Status: status.BadRequestUnauth, Message: status.Description(status.BadRequestUnauth), Err: auth.ErrNotAuthenticated}
	}
	if err != nil {
		m.Dispatches.WithLabelValues(module, "failed").Inc()
		r.logger.Error("Module request failed", "command", req.Command, "module", module, "error", err)
		return nil, &Error{Status: status.ServerError, Message: err.Error(), Err: err}
	}
	m.Dispatches.WithLabelValues(module, "ok").Inc()
	return resp, nil
}

func (r *Router) forward(ctx context.Context, req *Request, module, method string) (*Response, error) {
	body, err := json.Marshal(req.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	acls, err := req.Authority.Serialize()
	if err != nil {
		return nil, err
	}

	h, err := r.handles.Get(ctx, req.Session.ID(), module, req.Locale)
	if err != nil {
		return nil, err
	}

	username, password := req.Session.Credentials()
	wreq := &worker.Request{
		Method:      method,
		Path:        "/" + req.Kind + "/" + req.Command,
		Body:        bytes.NewReader(body),
		ContentType: "application/json",
		Language:    req.Language,
		Accept:      req.Accept,
		UserAgent:   req.UserAgent,
		ClientIP:    req.ClientIP,
		Flavor:      req.Flavor,
		Username:    username,
		Password:    password,
		ACLs:        acls,
	}
	if id := req.Session.Identity(); id != nil {
		wreq.UserDN = id.DN
	}
	r.logger.Info("Passing request to module", "module", module, "method", method)

	wresp, err := h.Forward(ctx, wreq)
	if err != nil {
		return nil, err
	}
	return relay(wresp)
}

// relay filters headers and buffers JSON bodies. Other bodies are streamed.
func relay(wresp *http.Response) (*Response, error) {
	resp := &Response{
		Status:  wresp.StatusCode,
		Message: decodeMessage(wresp.Header.Get("X-UMC-Message")),
		Header:  make(http.Header),
	}
	for k, v := range wresp.Header {
		if notForwarded[http.CanonicalHeaderKey(k)] {
			continue
		}
		resp.Header[k] = v
	}

	if !isJSON(wresp.Header.Get("Content-Type")) {
		resp.Body = wresp.Body
		return resp, nil
	}

	defer wresp.Body.Close()
	data, err := io.ReadAll(wresp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read module response: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		data = []byte("null")
	}
	if !json.Valid(data) {
		return nil, errors.New("module returned malformed JSON")
	}
	resp.Result = data
	return resp, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mt == "application/json"
}

// decodeMessage reads the JSON encoded X-UMC-Message header.
func decodeMessage(raw string) any {
	if raw == "" {
		return nil
	}
	var msg any
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return raw
	}
	if s, ok := msg.(string); ok && s == "" {
		return nil
	}
	return msg
}
