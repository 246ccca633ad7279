package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkCatalog = `
modules:
  - id: echo
    name: Echo
    commands:
      echo/run: run
rules:
  - command: "*"
`

func writeCheckConfig(t *testing.T, catalog string) string {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "modules.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalog), 0o644))
	configPath := filepath.Join(dir, "umc.hcl")
	cfg := `
server {
  listen          = "127.0.0.1:0"
  session_timeout = "5m"
}
acl {
  catalog = "` + catalogPath + `"
}
`
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return configPath
}

func TestRunCheck_ValidConfig(t *testing.T) {
	var out bytes.Buffer
	err := RunCheck(&out, writeCheckConfig(t, checkCatalog), true)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Configuration valid!")
	assert.Contains(t, out.String(), "Session timeout: 5m0s")
	assert.Contains(t, out.String(), "echo")
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.hcl")
	require.NoError(t, os.WriteFile(path, []byte("server {\n  # Missing closing brace\n"), 0o644))

	err := RunCheck(&bytes.Buffer{}, path, false)
	assert.ErrorContains(t, err, "configuration invalid")
}

func TestRunCheck_UnknownModule(t *testing.T) {
	catalog := `
modules:
  - id: mystery
    name: Mystery
    commands:
      mystery/run: run
`
	err := RunCheck(&bytes.Buffer{}, writeCheckConfig(t, catalog), false)
	assert.ErrorContains(t, err, "mystery")
}

func TestRunCheck_MissingFile(t *testing.T) {
	assert.Error(t, RunCheck(&bytes.Buffer{}, "", false))
}

func TestRunModule_Usage(t *testing.T) {
	assert.Error(t, RunModule([]string{"only-socket"}))
	assert.ErrorContains(t, RunModule([]string{filepath.Join(t.TempDir(), "s"), "nope"}), "unknown module")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6670", cfg.Server.Listen)
}
