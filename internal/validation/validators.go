// Package validation checks names that cross a trust boundary: module
// names end up on worker command lines, usernames in directory DNs and
// forwarded addresses in logs and session bindings.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// A command path is one or more identifiers separated by slashes.
	commandRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+(/[a-zA-Z0-9_.-]+)*$`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// ValidateIdentifier validates a general identifier (module and flavor ids).
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}
	return nil
}

// ValidateCommand validates a command path such as "sysinfo/get".
func ValidateCommand(cmd string) error {
	if cmd == "" {
		return fmt.Errorf("command cannot be empty")
	}
	if !commandRegex.MatchString(cmd) {
		return fmt.Errorf("invalid command: %s", cmd)
	}
	for _, seg := range strings.Split(cmd, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("invalid command: %s", cmd)
		}
	}
	return nil
}

// ValidateUsername rejects names that would break a DN or a log line.
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("username too long (max 255 characters)")
	}
	if strings.ContainsAny(name, ",=+") {
		return fmt.Errorf("invalid username %q", name)
	}
	for _, char := range dangerousChars {
		if strings.Contains(name, char) {
			return fmt.Errorf("username contains dangerous character: %q", char)
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("username contains control characters")
		}
	}
	return nil
}

// ValidateIP validates a bare IPv4 or IPv6 address.
func ValidateIP(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address: %q", s)
	}
	return nil
}

// SanitizeString removes dangerous characters from a string (for display purposes)
func SanitizeString(s string) string {
	for _, char := range dangerousChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
