// Package config loads dispatcher configuration from .whs/config.json. The
// lookup walks up from the working directory so whs can be started from a
// project checkout; a project may also hold a pointer config that names the
// orchestrator root holding the real config.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/tracing"
)

// Defaults applied to sparse configs.
const (
	DefaultBaseBranch    = "main"
	DefaultAgentsPath    = "docs/llm/agents"
	DefaultBeadsMode     = "committed"
	DefaultMaxTotal      = 3
	DefaultMaxPerProject = 1
	DefaultTickSeconds   = 5
	DefaultRunnerType    = "claude"
	DefaultNotifier      = "log"
	DefaultSyncBranch    = "beads-sync"
)

// ConfigDir and ConfigFile name the per-orchestrator config location.
const (
	ConfigDir  = ".whs"
	ConfigFile = "config.json"
)

// Project describes one managed repository.
type Project struct {
	Name       string `mapstructure:"name" json:"name"`
	RepoPath   string `mapstructure:"repoPath" json:"repoPath"`
	BaseBranch string `mapstructure:"baseBranch" json:"baseBranch"`
	AgentsPath string `mapstructure:"agentsPath" json:"agentsPath"`
	BeadsMode  string `mapstructure:"beadsMode" json:"beadsMode"`
}

// Concurrency bounds parallel agent work.
type Concurrency struct {
	MaxTotal      int `mapstructure:"maxTotal" json:"maxTotal"`
	MaxPerProject int `mapstructure:"maxPerProject" json:"maxPerProject"`
}

// Config is the full dispatcher configuration.
type Config struct {
	OrchestratorPath string         `mapstructure:"orchestratorPath" json:"orchestratorPath"`
	Projects         []Project      `mapstructure:"projects" json:"projects"`
	Concurrency      Concurrency    `mapstructure:"concurrency" json:"concurrency"`
	Notifier         string         `mapstructure:"notifier" json:"notifier"`
	RunnerType       string         `mapstructure:"runnerType" json:"runnerType"`
	TickSeconds      int            `mapstructure:"tickSeconds" json:"tickSeconds"`
	SyncBranch       string         `mapstructure:"syncBranch" json:"syncBranch"`
	LogFile          string         `mapstructure:"logFile" json:"logFile"`
	Tracing          tracing.Config `mapstructure:"tracing" json:"tracing"`
}

// SyncBranchOrDefault returns the tracker sync branch, defaulting for
// configs built without the viper layer.
func (c *Config) SyncBranchOrDefault() string {
	if c.SyncBranch == "" {
		return DefaultSyncBranch
	}
	return c.SyncBranch
}

// Project returns the project with the given name, or nil.
func (c *Config) Project(name string) *Project {
	for i := range c.Projects {
		if c.Projects[i].Name == name {
			return &c.Projects[i]
		}
	}
	return nil
}

// FindConfigPath walks up from startDir looking for .whs/config.json,
// falling back to the user config directory.
func FindConfigPath(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, ConfigDir, ConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no config found and no home directory: %w", err)
	}
	candidate := filepath.Join(home, ".config", "whs", ConfigFile)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", fmt.Errorf("no %s/%s found from %s upward or in %s", ConfigDir, ConfigFile, startDir, filepath.Join(home, ".config", "whs"))
}

// Load reads configuration starting the lookup at startDir. A pointer
// config (orchestratorPath set, no projects) redirects to the config under
// the named orchestrator root.
func Load(startDir string) (*Config, error) {
	path, err := FindConfigPath(startDir)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads and validates a specific config file.
func LoadFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	// Pointer config: a project directory naming its orchestrator.
	if len(cfg.Projects) == 0 && cfg.OrchestratorPath != "" {
		target := filepath.Join(cfg.OrchestratorPath, ConfigDir, ConfigFile)
		if target != path {
			log.Debug(log.CatConfig, "following pointer config", "from", path, "to", target)
			return LoadFile(target)
		}
	}

	if cfg.OrchestratorPath == "" {
		// The config's own directory is <orchestrator>/.whs.
		cfg.OrchestratorPath = filepath.Dir(filepath.Dir(path))
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	log.Info(log.CatConfig, "config loaded", "path", path, "projects", len(cfg.Projects))
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("concurrency.maxTotal", DefaultMaxTotal)
	v.SetDefault("concurrency.maxPerProject", DefaultMaxPerProject)
	v.SetDefault("tickSeconds", DefaultTickSeconds)
	v.SetDefault("runnerType", DefaultRunnerType)
	v.SetDefault("notifier", DefaultNotifier)
	v.SetDefault("syncBranch", DefaultSyncBranch)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		if p.BaseBranch == "" {
			p.BaseBranch = DefaultBaseBranch
		}
		if p.AgentsPath == "" {
			p.AgentsPath = DefaultAgentsPath
		}
		if p.BeadsMode == "" {
			p.BeadsMode = DefaultBeadsMode
		}
	}
	if cfg.Concurrency.MaxTotal <= 0 {
		cfg.Concurrency.MaxTotal = DefaultMaxTotal
	}
	if cfg.Concurrency.MaxPerProject <= 0 {
		cfg.Concurrency.MaxPerProject = DefaultMaxPerProject
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = DefaultTickSeconds
	}
	if cfg.RunnerType == "" {
		cfg.RunnerType = DefaultRunnerType
	}
	if cfg.Notifier == "" {
		cfg.Notifier = DefaultNotifier
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.OrchestratorPath, ConfigDir, "whs.log")
	}
}

// Validate checks mandatory fields.
func (c *Config) Validate() error {
	if c.OrchestratorPath == "" {
		return fmt.Errorf("orchestratorPath is required")
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("at least one project is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("project %d: name is required", i)
		}
		if p.RepoPath == "" {
			return fmt.Errorf("project %q: repoPath is required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate project name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
