// Package brand provides the product identity and default filesystem layout.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultLogDir    string `json:"defaultLogDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	DefaultUploadDir string `json:"defaultUploadDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	CookieSession    string `json:"cookieSession"`
	CookieUsername   string `json:"cookieUsername"`
	ConsolePath      string `json:"consolePath"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultLogDir = b.DefaultLogDir
	DefaultRunDir = b.DefaultRunDir
	DefaultUploadDir = b.DefaultUploadDir
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	CookieSession = b.CookieSession
	CookieUsername = b.CookieUsername
	ConsolePath = b.ConsolePath
}

var (
	Name             string
	LowerName        string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultLogDir    string
	DefaultRunDir    string
	DefaultUploadDir string
	BinaryName       string
	ConfigFileName   string
	CookieSession    string
	CookieUsername   string
	ConsolePath      string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// ServerBanner returns the value of the Server response header.
func ServerBanner() string {
	return Name + "/" + Version
}

// GetConfigPath returns the default configuration file path.
// Priority: UMC_CONFIG_DIR > UMC_PREFIX/config > DefaultConfigDir
func GetConfigPath() string {
	return filepath.Join(dirFromEnv("_CONFIG_DIR", "config", DefaultConfigDir), ConfigFileName)
}

// GetStateDir returns the state directory holding the user directory database.
func GetStateDir() string {
	return dirFromEnv("_STATE_DIR", "state", DefaultStateDir)
}

// GetLogDir returns the log directory.
func GetLogDir() string {
	return dirFromEnv("_LOG_DIR", "log", DefaultLogDir)
}

// GetSocketDir returns the directory worker processes create their sockets in.
func GetSocketDir() string {
	return dirFromEnv("_RUN_DIR", "run", DefaultRunDir)
}

func dirFromEnv(suffix, sub, def string) string {
	if dir := os.Getenv(ConfigEnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}
