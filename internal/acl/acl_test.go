package acl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadCatalog("testdata/modules.yaml")
	require.NoError(t, err)
	return c
}

func TestModuleProviding(t *testing.T) {
	a := loadTestCatalog(t).For("alice", []string{"Domain Admins"})

	mod, ok := a.ModuleProviding("sysinfo/load")
	assert.True(t, ok)
	assert.Equal(t, "sysinfo", mod)

	_, ok = a.ModuleProviding("nope/nothing")
	assert.False(t, ok)
}

func TestMethodFor(t *testing.T) {
	a := loadTestCatalog(t).For("alice", nil)

	m, ok := a.MethodFor("echo", "echo/run")
	assert.True(t, ok)
	assert.Equal(t, "run", m)

	_, ok = a.MethodFor("echo", "echo/broken")
	assert.False(t, ok, "empty method name")
	_, ok = a.MethodFor("echo", "sysinfo/get")
	assert.False(t, ok, "command of another module")
	_, ok = a.MethodFor("missing", "echo/run")
	assert.False(t, ok)
}

func TestIsAllowed(t *testing.T) {
	c := loadTestCatalog(t)
	admin := c.For("alice", []string{"Domain Admins"})
	bob := c.For("bob", []string{"Users"})
	eve := c.For("eve", nil)

	tests := []struct {
		name    string
		acl     *UserACL
		command string
		options any
		flavor  string
		want    bool
	}{
		{"admin any command", admin, "sysinfo/load", nil, "", true},
		{"admin denied flavor", admin, "echo/raw", nil, "loud", false},
		{"admin other flavor", admin, "echo/raw", nil, "plain", true},
		{"bob exact command", bob, "sysinfo/get", nil, "", true},
		{"bob other command", bob, "sysinfo/load", nil, "", false},
		{"bob option matches", bob, "echo/run", map[string]any{"mode": "safe-1"}, "plain", true},
		{"bob option mismatch", bob, "echo/run", map[string]any{"mode": "danger"}, "plain", false},
		{"bob option missing", bob, "echo/run", map[string]any{}, "plain", false},
		{"bob options not a map", bob, "echo/run", []any{"x"}, "plain", false},
		{"bob wrong flavor", bob, "echo/run", map[string]any{"mode": "safe"}, "loud", false},
		{"no rules", eve, "sysinfo/get", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.acl.IsAllowed(tt.command, tt.options, tt.flavor))
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	bob := loadTestCatalog(t).For("bob", nil)

	blob, err := bob.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, blob, "\n")
	assert.NotContains(t, blob, "users", "principal lists stay on the server")

	rules, err := Deserialize(blob)
	require.NoError(t, err)
	assert.True(t, rules.IsAllowed("sysinfo/get", nil, ""))
	assert.False(t, rules.IsAllowed("sysinfo/load", nil, ""))

	empty, err := Deserialize("")
	require.NoError(t, err)
	assert.False(t, empty.IsAllowed("sysinfo/get", nil, ""))

	_, err = Deserialize("{not json")
	assert.Error(t, err)
}

func TestModulesAndCategories(t *testing.T) {
	c := loadTestCatalog(t)

	mods := c.For("bob", nil).Modules()
	require.Len(t, mods, 2)
	assert.Equal(t, "sysinfo", mods[0].ID)
	assert.Equal(t, "echo", mods[1].ID)
	assert.Equal(t, []Flavor{{ID: "plain", Name: "Plain"}}, mods[1].Flavors)

	assert.Empty(t, c.For("eve", nil).Modules())
	assert.Len(t, c.Modules(), 2)
	assert.Len(t, c.Modules()[1].Flavors, 2)

	cats := c.Categories()
	require.Len(t, cats, 2)
	assert.Equal(t, "system", cats[0].ID)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("modules:\n  - id: a\n    commands: {x: run}\n  - id: b\n    commands: {x: run}\n"))
	assert.ErrorContains(t, err, "provided by both")

	_, err = ParseCatalog([]byte("modules:\n  - name: noid\n"))
	assert.ErrorContains(t, err, "no id")

	_, err = ParseCatalog([]byte("rules:\n  - users: [a]\n"))
	assert.ErrorContains(t, err, "no command")

	_, err = ParseCatalog([]byte("bogus: true\n"))
	assert.Error(t, err)
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - id: a\n    commands: {a/x: x}\n"), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	_, ok := c.For("u", nil).ModuleProviding("b/x")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - id: b\n    commands: {b/x: x}\n"), 0o644))
	require.NoError(t, c.Reload())
	mod, ok := c.For("u", nil).ModuleProviding("b/x")
	assert.True(t, ok)
	assert.Equal(t, "b", mod)

	require.NoError(t, os.WriteFile(path, []byte("modules: [unclosed"), 0o644))
	assert.Error(t, c.Reload())
	_, ok = c.For("u", nil).ModuleProviding("b/x")
	assert.True(t, ok, "previous catalog kept on error")
}
