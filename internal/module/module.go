// Package module is the module process side: an HTTP server on a unix
// socket that runs the methods of one module for one session.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"grimm.is/umc/internal/acl"
)

// Request is one method invocation inside a module process.
type Request struct {
	// Kind is "command" or "upload".
	Kind     string
	Command  string
	Method   string
	Options  any
	Flavor   string
	ClientIP string
	Locale   string
	User     *User
}

// OptionsMap returns the options as a mapping, or nil.
func (r *Request) OptionsMap() map[string]any {
	m, _ := r.Options.(map[string]any)
	return m
}

// String returns a string option.
func (r *Request) String(name string) (string, error) {
	m := r.OptionsMap()
	v, ok := m[name]
	if !ok {
		return "", &OptionError{Missing: true, Name: name}
	}
	s, ok := v.(string)
	if !ok {
		return "", &OptionError{Name: name, Err: fmt.Errorf("expected a string, got %T", v)}
	}
	return s, nil
}

// User is the identity the front end passes along with each request.
type User struct {
	Username string
	Password string
	DN       string
	ACLs     acl.Rules
}

// Raw is a method result sent verbatim instead of JSON encoded.
type Raw struct {
	ContentType string
	Data        []byte
}

// Method implements one command.
type Method func(ctx context.Context, req *Request) (any, error)

// Module is a set of methods. Init runs once, on the first request, after
// the user is known.
type Module interface {
	Methods() map[string]Method
	Init(ctx context.Context, user *User) error
}

// Factory creates a fresh module instance for a module process.
type Factory func() Module

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a module available under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns a new instance of the named module.
func Lookup(name string) (Module, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names lists the registered modules.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OptionError is a missing or ill-typed option.
type OptionError struct {
	Name    string
	Missing bool
	Err     error
}

func (e *OptionError) Error() string {
	if e.Missing {
		return e.Name
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *OptionError) Unwrap() error { return e.Err }

// CommandError is an expected command failure with a user-facing message.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string { return e.Message }

// Failf returns a CommandError.
func Failf(format string, args ...any) error {
	return &CommandError{Message: fmt.Sprintf(format, args...)}
}
