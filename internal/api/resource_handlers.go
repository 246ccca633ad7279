package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/status"
)

func (s *Server) userACL(c *call) *acl.UserACL {
	var groups []string
	if id := c.session.Identity(); id != nil {
		groups = id.Groups
	}
	return s.catalog.For(c.session.Username(), groups)
}

func (s *Server) handleGetModules(c *call) (*reply, error) {
	modules := s.userACL(c).Modules()
	if modules == nil {
		modules = []acl.Module{}
	}
	return &reply{Result: map[string]any{
		"categories": s.catalog.Categories(),
		"modules":    modules,
	}}, nil
}

func (s *Server) handleGetCategories(c *call) (*reply, error) {
	return &reply{Result: map[string]any{"categories": s.catalog.Categories()}}, nil
}

func (s *Server) handleGetPreferences(c *call) (*reply, error) {
	if s.preferences == nil {
		return nil, newError(status.BadRequestInvalidOpts, "No user preferences available")
	}
	prefs, err := s.preferences.Preferences(c.ctx(), c.session.Username())
	if err != nil {
		s.logger.Warn("Failed to read preferences", "username", c.session.Username(), "error", err)
		return nil, newError(status.BadRequestInvalidOpts, "No user preferences available")
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	return &reply{Result: map[string]any{"preferences": prefs}}, nil
}

func (s *Server) handleGetHosts(c *call) (*reply, error) {
	hosts := s.Config.Hosts
	if len(hosts) == 0 {
		if name, err := os.Hostname(); err == nil {
			hosts = []string{name}
		}
	}
	if hosts == nil {
		hosts = []string{}
	}
	return &reply{Result: hosts}, nil
}

// handleGetUCR returns the exposed configuration values for the requested
// keys. A key ending in "*" selects every key with that prefix.
func (s *Server) handleGetUCR(c *call) (*reply, error) {
	keys, ok := c.payload.Options().([]any)
	if !ok {
		return nil, newError(status.BadRequestInvalidOpts, "Expected a list of variable names")
	}
	result := map[string]any{}
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			return nil, newError(status.BadRequestInvalidOpts, "Expected a list of variable names")
		}
		if prefix, wildcard := strings.CutSuffix(key, "*"); wildcard {
			for name, value := range s.Config.Exposed {
				if strings.HasPrefix(name, prefix) {
					result[name] = value
				}
			}
			continue
		}
		if value, ok := s.Config.Exposed[key]; ok {
			result[key] = value
		} else {
			result[key] = nil
		}
	}
	return &reply{Result: result}, nil
}

func (s *Server) handleGetInfo(c *call) (*reply, error) {
	hostname, _ := os.Hostname()
	return &reply{Result: map[string]any{
		"version":  brand.Version,
		"hostname": hostname,
		"uptime":   s.clock.Now().Sub(s.startTime).Truncate(time.Second).String(),
		"sessions": s.sessions.Len(),
	}}, nil
}

// handleSet dispatches on the option key: {"locale": ...} or {"user": ...}.
func (s *Server) handleSet(c *call) (*reply, error) {
	opts := c.payload.OptionsMap()
	switch {
	case opts["locale"] != nil:
		return s.handleSetLocale(c)
	case opts["user"] != nil:
		return s.handleSetUser(c)
	}
	return nil, newError(status.BadRequest, "Unknown setting")
}

func (s *Server) handleSetLocale(c *call) (*reply, error) {
	locale, _ := c.payload.OptionsMap()["locale"].(string)
	tag, ok := i18n.Supported(locale)
	if !ok {
		return nil, newError(status.BadRequestUnavailableLocale, status.Description(status.BadRequestUnavailableLocale))
	}
	c.session.SetLocale(tag)
	c.printer = i18n.NewPrinter(tag)
	s.logger.Debug("Locale changed", "username", c.session.Username(), "locale", tag.String())
	return &reply{Message: c.printer.Sprintf("Locale changed"), Result: nil}, nil
}

// handleSetUser merges options.user.preferences into the stored preferences.
// Values that are not strings are stored JSON encoded.
func (s *Server) handleSetUser(c *call) (*reply, error) {
	user, _ := c.payload.OptionsMap()["user"].(map[string]any)
	raw, ok := user["preferences"].(map[string]any)
	if !ok {
		return nil, newError(status.BadRequestInvalidOpts, "user.preferences has to be a dictionary")
	}
	if s.preferences == nil {
		return nil, newError(status.BadRequestInvalidOpts, "No user preferences available")
	}

	prefs := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			prefs[k] = str
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, newError(status.BadRequestInvalidOpts, fmt.Sprintf("invalid preference %q", k))
		}
		prefs[k] = string(data)
	}

	if err := s.preferences.MergePreferences(c.ctx(), c.session.Username(), prefs); err != nil {
		s.logger.Error("Failed to store preferences", "username", c.session.Username(), "error", err)
		return nil, errors.New("failed to store user preferences")
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.logger.Audit("set_preferences", "user", map[string]any{"username": c.session.Username(), "keys": keys})
	return &reply{}, nil
}

func (s *Server) handleNotFound(c *call) (*reply, error) {
	return nil, newError(status.BadRequestNotFound, status.Description(status.BadRequestNotFound))
}
