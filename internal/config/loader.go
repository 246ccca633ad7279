package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// fileConfig mirrors the HCL layout. Every setting is optional; unset
// attributes stay zero and do not override defaults.
type fileConfig struct {
	Server    *serverBlock      `hcl:"server,block"`
	SSO       *ssoBlock         `hcl:"sso,block"`
	Upload    *uploadBlock      `hcl:"upload,block"`
	Module    *moduleBlock      `hcl:"module,block"`
	ACL       *aclBlock         `hcl:"acl,block"`
	Directory *directoryBlock   `hcl:"directory,block"`
	Audit     *auditBlock       `hcl:"audit,block"`
	Log       *logBlock         `hcl:"log,block"`
	Hosts     []string          `hcl:"hosts,optional"`
	Exposed   map[string]string `hcl:"exposed,optional"`
}

type serverBlock struct {
	Listen         string `hcl:"listen,optional"`
	HTTPSListen    string `hcl:"https_listen,optional"`
	CertFile       string `hcl:"cert_file,optional"`
	KeyFile        string `hcl:"key_file,optional"`
	SessionTimeout string `hcl:"session_timeout,optional"`
	MaxConnections int    `hcl:"max_connections,optional"`
	MaxBodyBytes   int64  `hcl:"max_body,optional"`
}

type ssoBlock struct {
	Timeout   string `hcl:"timeout,optional"`
	RedisAddr string `hcl:"redis_addr,optional"`
	RedisDB   int    `hcl:"redis_db,optional"`
}

type uploadBlock struct {
	TempDir   string `hcl:"temp_dir,optional"`
	MaxSizeKB int64  `hcl:"max_size_kb,optional"`
	MinFreeKB int64  `hcl:"min_free_kb,optional"`
}

type moduleBlock struct {
	Command            string `hcl:"command,optional"`
	SocketDir          string `hcl:"socket_dir,optional"`
	DebugLevel         *int   `hcl:"debug_level,optional"`
	ConnectInterval    string `hcl:"connect_interval,optional"`
	MaxConnectAttempts int    `hcl:"max_connect_attempts,optional"`
}

type aclBlock struct {
	Catalog string `hcl:"catalog,optional"`
}

type directoryBlock struct {
	Path string `hcl:"path,optional"`
}

type auditBlock struct {
	Path          *string `hcl:"path,optional"`
	RetentionDays int     `hcl:"retention_days,optional"`
}

type logBlock struct {
	Level string `hcl:"level,optional"`
	File  string `hcl:"file,optional"`
	JSON  *bool  `hcl:"json,optional"`
}

// LoadFile reads an HCL config file and applies it over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL parses HCL bytes and applies them over the defaults.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &fc); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}

	cfg := Default()
	if err := fc.apply(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// evalContext exposes env(name, default) to config expressions.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

func (fc *fileConfig) apply(cfg *Config) error {
	if b := fc.Server; b != nil {
		setString(&cfg.Server.Listen, b.Listen)
		setString(&cfg.Server.HTTPSListen, b.HTTPSListen)
		setString(&cfg.Server.CertFile, b.CertFile)
		setString(&cfg.Server.KeyFile, b.KeyFile)
		if err := setDuration(&cfg.Server.SessionTimeout, b.SessionTimeout, "server.session_timeout"); err != nil {
			return err
		}
		if b.MaxConnections > 0 {
			cfg.Server.MaxConnections = b.MaxConnections
		}
		if b.MaxBodyBytes > 0 {
			cfg.Server.MaxBodyBytes = b.MaxBodyBytes
		}
	}
	if b := fc.SSO; b != nil {
		if err := setDuration(&cfg.SSO.Timeout, b.Timeout, "sso.timeout"); err != nil {
			return err
		}
		setString(&cfg.SSO.RedisAddr, b.RedisAddr)
		cfg.SSO.RedisDB = b.RedisDB
	}
	if b := fc.Upload; b != nil {
		setString(&cfg.Upload.TempDir, b.TempDir)
		if b.MaxSizeKB > 0 {
			cfg.Upload.MaxSizeKB = b.MaxSizeKB
		}
		if b.MinFreeKB > 0 {
			cfg.Upload.MinFreeKB = b.MinFreeKB
		}
	}
	if b := fc.Module; b != nil {
		setString(&cfg.Module.Command, b.Command)
		setString(&cfg.Module.SocketDir, b.SocketDir)
		if b.DebugLevel != nil {
			cfg.Module.DebugLevel = *b.DebugLevel
		}
		if err := setDuration(&cfg.Module.ConnectInterval, b.ConnectInterval, "module.connect_interval"); err != nil {
			return err
		}
		if b.MaxConnectAttempts > 0 {
			cfg.Module.MaxConnectAttempts = b.MaxConnectAttempts
		}
	}
	if b := fc.ACL; b != nil {
		setString(&cfg.ACL.Catalog, b.Catalog)
	}
	if b := fc.Directory; b != nil {
		setString(&cfg.Directory.Path, b.Path)
	}
	if b := fc.Audit; b != nil {
		if b.Path != nil {
			cfg.Audit.Path = *b.Path
		}
		if b.RetentionDays > 0 {
			cfg.Audit.RetentionDays = b.RetentionDays
		}
	}
	if b := fc.Log; b != nil {
		setString(&cfg.Log.Level, b.Level)
		setString(&cfg.Log.File, b.File)
		if b.JSON != nil {
			cfg.Log.JSON = *b.JSON
		}
	}
	if len(fc.Hosts) > 0 {
		cfg.Hosts = fc.Hosts
	}
	if len(fc.Exposed) > 0 {
		cfg.Exposed = fc.Exposed
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = d
	return nil
}
