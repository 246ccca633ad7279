package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/text/message"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/status"
)

var commandPath = regexp.MustCompile(`^/(command|upload)(/.*)$`)

// Server serves one module instance.
type Server struct {
	name   string
	module Module
	logger *logging.Logger

	initOnce sync.Once
	initErr  error
	user     *User
}

// NewServer wraps a module instance.
func NewServer(name string, m Module, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		name:   name,
		module: m,
		logger: logger.WithComponent(logging.CompModule).WithFields(map[string]any{"module": name}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	match := commandPath.FindStringSubmatch(r.URL.Path)
	if match == nil {
		s.reply(w, status.BadRequestNotFound, status.Description(status.BadRequestNotFound), nil)
		return
	}
	kind, command := match[1], strings.TrimPrefix(match[2], "/")
	methodName := r.Header.Get("X-UMC-Method")
	printer := i18n.NewPrinter(i18n.MatchLanguage(r.Header.Get("Accept-Language")))

	method, ok := s.module.Methods()[methodName]
	if !ok {
		s.logger.Info("Method does not exist", "method", methodName, "command", command)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if err := s.initialize(r); err != nil {
		s.logger.Error("Module initialization failed", "error", err)
		s.reply(w, status.ModuleErrorInitFailed, printer.Sprintf("The module failed to initialize: %s", err.Error()), nil)
		return
	}

	req := &Request{
		Kind:     kind,
		Command:  command,
		Method:   methodName,
		Flavor:   r.Header.Get("X-UMC-Flavor"),
		ClientIP: r.Header.Get("X-Forwarded-For"),
		Locale:   r.Header.Get("Accept-Language"),
		User:     s.user,
	}
	if body, _ := io.ReadAll(r.Body); len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req.Options); err != nil {
			s.reply(w, status.BadRequestInvalidOpts, printer.Sprintf("An option passed to %s has the wrong type: %s", methodName, err.Error()), nil)
			return
		}
	}

	if !s.user.ACLs.IsAllowed(command, req.Options, req.Flavor) {
		s.logger.Warn("Command is not allowed", "command", command, "username", s.user.Username)
		s.reply(w, status.BadRequestForbidden, status.Description(status.BadRequestForbidden), nil)
		return
	}

	s.logger.Info("Executing command", "command", command, "method", methodName)
	result, err := s.call(r.Context(), method, req)
	if err != nil {
		code, msg := s.classify(printer, methodName, r.URL.Path, err)
		s.reply(w, code, msg, nil)
		return
	}
	if raw, ok := result.(Raw); ok {
		ct := raw.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Write(raw.Data)
		return
	}
	s.reply(w, status.Success, "", result)
}

// initialize takes the user from the first request.
func (s *Server) initialize(r *http.Request) error {
	s.initOnce.Do(func() {
		user := &User{DN: r.Header.Get("X-User-Dn")}
		user.Username, user.Password, _ = r.BasicAuth()
		rules, err := acl.Deserialize(r.Header.Get("X-UMC-Acls"))
		if err != nil {
			s.initErr = err
			return
		}
		user.ACLs = rules
		s.user = user
		s.initErr = s.module.Init(r.Context(), user)
	})
	return s.initErr
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("%v\n\n%s", p.value, p.stack)
}

func (s *Server) call(ctx context.Context, m Method, req *Request) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v, stack: debug.Stack()}
		}
	}()
	return m(ctx, req)
}

func (s *Server) classify(p *message.Printer, method, path string, err error) (int, string) {
	var optErr *OptionError
	var cmdErr *CommandError
	switch {
	case errors.As(err, &optErr):
		if optErr.Missing {
			return status.BadRequestInvalidOpts, p.Sprintf("One or more options to %s are missing: %s", method, optErr.Error())
		}
		return status.BadRequestInvalidOpts, p.Sprintf("An option passed to %s has the wrong type: %s", method, optErr.Error())
	case errors.As(err, &cmdErr):
		return status.BadRequest, p.Sprintf("The command has failed: %s", cmdErr.Message)
	default:
		s.logger.Error("Command failed", "path", path, "error", err)
		return status.ModuleErrorCommandFailed, p.Sprintf("Execution of command '%s' has failed:\n\n%s", path, err.Error())
	}
}

// reply writes a JSON result with the message in X-UMC-Message.
func (s *Server) reply(w http.ResponseWriter, code int, msg string, result any) {
	encoded, _ := json.Marshal(msg)
	w.Header().Set("X-UMC-Message", string(encoded))
	body, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to encode result", "error", err)
		code, body = status.ServerError, []byte("null")
	}
	if result == nil {
		body = []byte(`""`)
	}
	w.WriteHeader(code)
	w.Write(body)
}
