// Package acl decides which module serves a command and whether a user may
// run it. Permissions come from a YAML module catalog.
package acl

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
)

// Authority answers routing and permission questions for one user.
type Authority interface {
	// ModuleProviding returns the module that claims command.
	ModuleProviding(command string) (string, bool)
	// IsAllowed reports whether command may run with options and flavor.
	IsAllowed(command string, options any, flavor string) bool
	// MethodFor returns the module method name implementing command.
	MethodFor(module, command string) (string, bool)
	// Serialize encodes the applicable rules for the worker to re-check.
	Serialize() (string, error)
}

// Rule grants (or with Deny, revokes) access to commands matching Command.
type Rule struct {
	Users   []string          `yaml:"users,omitempty" json:"-"`
	Groups  []string          `yaml:"groups,omitempty" json:"-"`
	Command string            `yaml:"command" json:"command"`
	Flavor  string            `yaml:"flavor,omitempty" json:"flavor,omitempty"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
	Deny    bool              `yaml:"deny,omitempty" json:"deny,omitempty"`
}

func (r Rule) appliesTo(username string, groups []string) bool {
	if len(r.Users) == 0 && len(r.Groups) == 0 {
		return true
	}
	if slices.Contains(r.Users, username) || slices.Contains(r.Users, "*") {
		return true
	}
	for _, g := range groups {
		if slices.Contains(r.Groups, g) {
			return true
		}
	}
	return false
}

func (r Rule) matches(command string, options any, flavor string) bool {
	if !glob(r.Command, command) {
		return false
	}
	if r.Flavor != "" && !glob(r.Flavor, flavor) {
		return false
	}
	if len(r.Options) == 0 {
		return true
	}
	opts, ok := options.(map[string]any)
	if !ok {
		return false
	}
	for key, pattern := range r.Options {
		v, ok := opts[key]
		if !ok || !glob(pattern, fmt.Sprint(v)) {
			return false
		}
	}
	return true
}

// glob matches with path.Match and treats a trailing "*" as a prefix match
// across slashes.
func glob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, "*?[") {
		return strings.HasPrefix(s, prefix)
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// Rules is an ordered rule list. Deny rules win over allow rules.
type Rules []Rule

// IsAllowed evaluates the rules for one command invocation.
func (rs Rules) IsAllowed(command string, options any, flavor string) bool {
	allowed := false
	for _, r := range rs {
		if !r.matches(command, options, flavor) {
			continue
		}
		if r.Deny {
			return false
		}
		allowed = true
	}
	return allowed
}

// Serialize encodes the rules as a single-line JSON blob.
func (rs Rules) Serialize() (string, error) {
	data, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("failed to serialize acls: %w", err)
	}
	return string(data), nil
}

// Deserialize decodes a blob produced by Serialize.
func Deserialize(blob string) (Rules, error) {
	if blob == "" {
		return nil, nil
	}
	var rs Rules
	if err := json.Unmarshal([]byte(blob), &rs); err != nil {
		return nil, fmt.Errorf("invalid acl blob: %w", err)
	}
	return rs, nil
}
