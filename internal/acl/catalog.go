package acl

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"grimm.is/umc/internal/validation"
)

// Category groups modules in the console overview.
type Category struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority,omitempty" json:"priority"`
}

// Flavor is a variant of a module.
type Flavor struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Module is one catalog entry. Commands maps a command path to the method
// name the worker implements.
type Module struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description"`
	Categories  []string          `yaml:"categories,omitempty" json:"categories"`
	Flavors     []Flavor          `yaml:"flavors,omitempty" json:"flavors,omitempty"`
	Commands    map[string]string `yaml:"commands" json:"-"`
}

type catalogFile struct {
	Categories []Category `yaml:"categories"`
	Modules    []Module   `yaml:"modules"`
	Rules      []Rule     `yaml:"rules"`
}

type snapshot struct {
	categories []Category
	modules    []Module
	commands   map[string]int // command -> index into modules
	rules      []Rule
}

// Catalog is the set of installed modules and the rules granting access to
// them. It is safe for concurrent use and can be reloaded.
type Catalog struct {
	path string

	mu   sync.RWMutex
	snap *snapshot
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseCatalog builds a catalog from YAML bytes. Reload is a no-op on it.
func ParseCatalog(data []byte) (*Catalog, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Catalog{snap: snap}, nil
}

// Reload re-reads the catalog file. On error the previous catalog stays.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read module catalog: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", c.path, err)
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return nil
}

func parse(data []byte) (*snapshot, error) {
	var f catalogFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse module catalog: %w", err)
	}
	snap := &snapshot{
		categories: f.Categories,
		modules:    f.Modules,
		commands:   make(map[string]int),
		rules:      f.Rules,
	}
	for i, m := range f.Modules {
		if m.ID == "" {
			return nil, fmt.Errorf("module #%d has no id", i)
		}
		if err := validation.ValidateIdentifier(m.ID); err != nil {
			return nil, fmt.Errorf("module #%d: %w", i, err)
		}
		for _, fl := range m.Flavors {
			if err := validation.ValidateIdentifier(fl.ID); err != nil {
				return nil, fmt.Errorf("module %s flavor: %w", m.ID, err)
			}
		}
		for cmd := range m.Commands {
			if err := validation.ValidateCommand(cmd); err != nil {
				return nil, fmt.Errorf("module %s: %w", m.ID, err)
			}
			if other, dup := snap.commands[cmd]; dup {
				return nil, fmt.Errorf("command %s is provided by both %s and %s", cmd, f.Modules[other].ID, m.ID)
			}
			snap.commands[cmd] = i
		}
	}
	for i, r := range f.Rules {
		if r.Command == "" {
			return nil, fmt.Errorf("rule #%d has no command", i)
		}
	}
	return snap, nil
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// For returns the Authority of one user.
func (c *Catalog) For(username string, groups []string) *UserACL {
	snap := c.current()
	var rules Rules
	for _, r := range snap.rules {
		if r.appliesTo(username, groups) {
			rules = append(rules, r)
		}
	}
	return &UserACL{snap: snap, rules: rules}
}

// Categories returns all categories ordered by priority.
func (c *Catalog) Categories() []Category {
	cats := append([]Category(nil), c.current().categories...)
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].Priority > cats[j].Priority })
	return cats
}

// Modules returns every installed module regardless of access rules.
func (c *Catalog) Modules() []Module {
	return append([]Module(nil), c.current().modules...)
}

// UserACL is the Authority of one user against one catalog snapshot.
type UserACL struct {
	snap  *snapshot
	rules Rules
}

var _ Authority = (*UserACL)(nil)

func (u *UserACL) ModuleProviding(command string) (string, bool) {
	i, ok := u.snap.commands[command]
	if !ok {
		return "", false
	}
	return u.snap.modules[i].ID, true
}

func (u *UserACL) IsAllowed(command string, options any, flavor string) bool {
	return u.rules.IsAllowed(command, options, flavor)
}

func (u *UserACL) MethodFor(module, command string) (string, bool) {
	for _, m := range u.snap.modules {
		if m.ID != module {
			continue
		}
		method, ok := m.Commands[command]
		return method, ok && method != ""
	}
	return "", false
}

func (u *UserACL) Serialize() (string, error) {
	return u.rules.Serialize()
}

// Modules lists modules the user may open: at least one command allowed
// for the module (and flavor, for flavored modules).
func (u *UserACL) Modules() []Module {
	var out []Module
	for _, m := range u.snap.modules {
		if len(m.Flavors) == 0 {
			if u.anyCommand(m, "") {
				out = append(out, m)
			}
			continue
		}
		var flavors []Flavor
		for _, f := range m.Flavors {
			if u.anyCommand(m, f.ID) {
				flavors = append(flavors, f)
			}
		}
		if len(flavors) > 0 {
			m.Flavors = flavors
			out = append(out, m)
		}
	}
	return out
}

// anyCommand ignores option constraints, which only apply per invocation.
func (u *UserACL) anyCommand(m Module, flavor string) bool {
	for cmd := range m.Commands {
		for _, r := range u.rules {
			if !r.Deny && glob(r.Command, cmd) && (r.Flavor == "" || glob(r.Flavor, flavor)) {
				return true
			}
		}
	}
	return false
}
