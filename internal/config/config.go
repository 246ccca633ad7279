// Package config loads the server configuration from HCL.
//
// A config file only needs to name the settings it changes; everything else
// keeps the value from Default().
package config

import (
	"path/filepath"
	"time"

	"grimm.is/umc/internal/brand"
)

const (
	// MinSessionTimeout is the lower bound applied to server.session_timeout.
	MinSessionTimeout = 15 * time.Second

	DefaultSessionTimeout     = 600 * time.Second
	DefaultSSOTimeout         = 15 * time.Second
	DefaultConnectInterval    = 50 * time.Millisecond
	DefaultMaxConnectAttempts = 200
	DefaultUploadMaxKB        = 64
	DefaultUploadMinFreeKB    = 51200
	DefaultAuditRetentionDays = 90
)

// Config is the runtime configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	SSO       SSOConfig       `json:"sso"`
	Upload    UploadConfig    `json:"upload"`
	Module    ModuleConfig    `json:"module"`
	ACL       ACLConfig       `json:"acl"`
	Directory DirectoryConfig `json:"directory"`
	Audit     AuditConfig     `json:"audit"`
	Log       LogConfig       `json:"log"`
	Hosts     []string        `json:"hosts,omitempty"`
	// Exposed holds the key/value pairs readable through /get/ucr.
	Exposed map[string]string `json:"exposed,omitempty"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Listen         string        `json:"listen"`
	HTTPSListen    string        `json:"https_listen,omitempty"`
	CertFile       string        `json:"cert_file,omitempty"`
	KeyFile        string        `json:"key_file,omitempty"`
	SessionTimeout time.Duration `json:"session_timeout"`
	MaxConnections int           `json:"max_connections"`
	MaxBodyBytes   int64         `json:"max_body"`
}

// SSOConfig configures single-sign-on token issuance.
type SSOConfig struct {
	Timeout   time.Duration `json:"timeout"`
	RedisAddr string        `json:"redis_addr,omitempty"`
	RedisDB   int           `json:"redis_db,omitempty"`
}

// UploadConfig bounds multipart uploads.
type UploadConfig struct {
	TempDir   string `json:"temp_dir"`
	MaxSizeKB int64  `json:"max_size_kb"`
	MinFreeKB int64  `json:"min_free_kb"`
}

// MaxBytes returns the upload size limit in bytes.
func (u UploadConfig) MaxBytes() int64 { return u.MaxSizeKB * 1024 }

// MinFreeBytes returns the free space that must remain after an upload.
func (u UploadConfig) MinFreeBytes() int64 { return u.MinFreeKB * 1024 }

// ModuleConfig configures worker process spawning.
type ModuleConfig struct {
	// Command overrides the worker executable. Empty means the running binary
	// invoked with the "module" subcommand.
	Command            string        `json:"command,omitempty"`
	SocketDir          string        `json:"socket_dir"`
	DebugLevel         int           `json:"debug_level"`
	ConnectInterval    time.Duration `json:"connect_interval"`
	MaxConnectAttempts int           `json:"max_connect_attempts"`
}

// ACLConfig points at the module catalog.
type ACLConfig struct {
	Catalog string `json:"catalog"`
}

// DirectoryConfig points at the user directory database.
type DirectoryConfig struct {
	Path string `json:"path"`
}

// AuditConfig configures the persistent login and session trail. An
// empty Path disables it.
type AuditConfig struct {
	Path          string `json:"path,omitempty"`
	RetentionDays int    `json:"retention_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
	JSON  bool   `json:"json"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "127.0.0.1:6670",
			SessionTimeout: DefaultSessionTimeout,
			MaxConnections: 1024,
			MaxBodyBytes:   10 << 20,
		},
		SSO: SSOConfig{
			Timeout: DefaultSSOTimeout,
		},
		Upload: UploadConfig{
			TempDir:   brand.DefaultUploadDir,
			MaxSizeKB: DefaultUploadMaxKB,
			MinFreeKB: DefaultUploadMinFreeKB,
		},
		Module: ModuleConfig{
			SocketDir:          brand.GetSocketDir(),
			DebugLevel:         2,
			ConnectInterval:    DefaultConnectInterval,
			MaxConnectAttempts: DefaultMaxConnectAttempts,
		},
		ACL: ACLConfig{
			Catalog: filepath.Join(brand.DefaultConfigDir, "modules.yaml"),
		},
		Directory: DirectoryConfig{
			Path: filepath.Join(brand.GetStateDir(), "directory.db"),
		},
		Audit: AuditConfig{
			Path:          filepath.Join(brand.GetStateDir(), "audit.db"),
			RetentionDays: DefaultAuditRetentionDays,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// normalize enforces lower bounds after a file has been applied.
func (c *Config) normalize() {
	if c.Server.SessionTimeout < MinSessionTimeout {
		c.Server.SessionTimeout = MinSessionTimeout
	}
	if c.Module.ConnectInterval <= 0 {
		c.Module.ConnectInterval = DefaultConnectInterval
	}
	if c.Module.MaxConnectAttempts <= 0 {
		c.Module.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if c.SSO.Timeout <= 0 {
		c.SSO.Timeout = DefaultSSOTimeout
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = DefaultAuditRetentionDays
	}
}
