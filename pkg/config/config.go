// Package config loads the two on-disk configuration surfaces every
// service in this repository shares: the YAML pipeline catalog (jobs,
// platforms, runtimes, build configs, trees, fragments) and the TOML
// settings file (per-lab tokens, JWT secret), mirroring
// original_source/src/scheduler.py's `configs = kernelci.config.load(...)`
// and lava_callback.py's `SETTINGS = toml.load(...)` respectively.
// Grounded in shape on cmd/warren/apply.go's YAML-resource idiom.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Tree is one entry in the catalog's `trees` table: a named upstream
// kernel repository.
type Tree struct {
	URL string `yaml:"url"`
}

// BuildConfig is one entry in the catalog's `build_configs` table:
// binds a tree/branch pair to a priority used for tree_priority
// stamping, mirroring scheduler.py's _get_tree_priority.
type BuildConfig struct {
	Tree     string `yaml:"tree"`
	Branch   string `yaml:"branch"`
	Priority int    `yaml:"priority"`
}

// RuntimeConfig describes one execution backend entry in the
// catalog's `runtimes` table.
type RuntimeConfig struct {
	LabType string `yaml:"lab_type"`
	URL     string `yaml:"url,omitempty"`
}

// PlatformConfig is one entry in the catalog's `platforms` table: a
// lab device/platform a job can be scheduled on.
type PlatformConfig struct {
	Name    string         `yaml:"name"`
	LabType string         `yaml:"lab_type"`
	Attrs   map[string]any `yaml:",inline"`
}

// JobConfig is one entry in the catalog's `jobs` table, mirroring the
// fields scheduler.py reads off a kernelci.config job_config object.
type JobConfig struct {
	Name               string         `yaml:"name"`
	Image              string         `yaml:"image,omitempty"`
	Kind               string         `yaml:"kind,omitempty"` // "kbuild", "job", "test"
	RuntimeName        string         `yaml:"runtime,omitempty"`
	Frequency          string         `yaml:"frequency,omitempty"` // "1d2h30m"-style, see translate_freq
	ArchitectureFilter []string       `yaml:"architecture_filter,omitempty"`
	Params             map[string]any `yaml:"params,omitempty"`
	Fragments          []string       `yaml:"fragments,omitempty"`
}

// Catalog is the parsed pipeline YAML configuration. Fragment bodies
// are kept as raw maps, mirroring _resolve_fragment_configs treating
// fragments.yaml as free-form rather than a typed schema.
type Catalog struct {
	Jobs          map[string]JobConfig      `yaml:"jobs"`
	Platforms     map[string]PlatformConfig `yaml:"platforms"`
	Runtimes      map[string]RuntimeConfig  `yaml:"runtimes"`
	BuildConfigs  map[string]BuildConfig    `yaml:"build_configs"`
	Trees         map[string]Tree           `yaml:"trees"`
	Fragments     map[string]map[string]any `yaml:"fragments"`
	StorageConfig map[string]any            `yaml:"storage_configs,omitempty"`
	API           map[string]any            `yaml:"api,omitempty"`
}

// LoadCatalog reads and parses the pipeline YAML file at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("config: parse catalog: %w", err)
	}
	return &cat, nil
}

// TreePriority looks up the priority stamped onto tree_priority for a
// (tree, branch) pair, mirroring scheduler.py's _get_tree_priority:
// nil if no build config names that pair.
func (c *Catalog) TreePriority(tree, branch string) *int {
	for _, bc := range c.BuildConfigs {
		if bc.Tree == tree && bc.Branch == branch {
			p := bc.Priority
			return &p
		}
	}
	return nil
}

// ResolveFragments resolves fragment names to their raw bodies,
// mirroring _resolve_fragment_configs. Unknown names are simply
// omitted from the result (the original only logs a warning).
func (c *Catalog) ResolveFragments(names []string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		if body, ok := c.Fragments[name]; ok {
			out[name] = body
		}
	}
	return out
}

// FindTree resolves a tree URL to the catalog's name for it, mirroring
// lava_callback.py's find_tree: the branch argument is accepted but,
// just like the original, never consulted once a tree name matching
// url is found — only build_configs entries naming that tree (any
// branch) gate the lookup.
func (c *Catalog) FindTree(url, branch string) string {
	var treename string
	for name, tree := range c.Trees {
		if tree.URL == url {
			treename = name
		}
	}
	if treename == "" {
		return ""
	}
	for _, bc := range c.BuildConfigs {
		if bc.Tree == treename {
			return treename
		}
	}
	return ""
}

// HasJob reports whether name is a known job in the catalog, mirroring
// lava_callback.py's is_job_exist.
func (c *Catalog) HasJob(name string) bool {
	_, ok := c.Jobs[name]
	return ok
}

// HasPlatform reports whether name is a known platform in the
// catalog, mirroring lava_callback.py's is_platform_exist.
func (c *Catalog) HasPlatform(name string) bool {
	_, ok := c.Platforms[name]
	return ok
}

// LabTokens is one lab's entry in the settings `lab` table: the
// bearer token(s) that authenticate its callback requests, mirroring
// lava_callback.py's tokens.items() loop over SETTINGS['lab'].
type LabTokens struct {
	RuntimeToken  string `toml:"runtime_token,omitempty"`
	CallbackToken string `toml:"callback_token,omitempty"`
}

// Settings is the parsed TOML settings file (KCI_SETTINGS env var),
// mirroring lava_callback.py's SETTINGS global.
type Settings struct {
	Lab map[string]LabTokens `toml:"lab"`
	JWT struct {
		Secret string `toml:"secret"`
	} `toml:"jwt"`
	API struct {
		DefaultConfig string `toml:"default_config,omitempty"`
	} `toml:"api"`
}

// LoadSettings reads and parses the TOML settings file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read settings: %w", err)
	}
	var s Settings
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse settings: %w", err)
	}
	return &s, nil
}

// LabByToken resolves a bearer token to a lab name, checking each
// lab's runtime_token then callback_token in turn, mirroring
// lava_callback.py's lookup loop: `for lab, tokens in tokens.items():
// if tokens.get('runtime_token') == lab_token: ...; if
// tokens.get('callback_token') == lab_token: ...`.
func (s *Settings) LabByToken(token string) (string, bool) {
	for lab, tokens := range s.Lab {
		if tokens.RuntimeToken == token {
			return lab, true
		}
		if tokens.CallbackToken == token {
			return lab, true
		}
	}
	return "", false
}
