package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all fleet configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Container     ContainerConfig     `toml:"container"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Routing       RoutingConfig       `toml:"routing"`
	Limits        LimitsConfig        `toml:"limits"`
	Prompt        PromptConfig        `toml:"prompt"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds sandbox and storage settings
type GeneralConfig struct {
	RepoDir      string `toml:"repo_dir"`
	WorktreeDir  string `toml:"worktree_dir"`
	SnapshotDir  string `toml:"snapshot_dir"`
	SecretDir    string `toml:"secret_dir"`
	InsightDir   string `toml:"insight_dir"`
	DatabasePath string `toml:"database_path"`
	Mode         string `toml:"mode"` // local | container
	InstallCmd   string `toml:"install_cmd"`
	CacheDir     string `toml:"cache_dir"`
}

// ContainerConfig holds container-mode sandbox settings
type ContainerConfig struct {
	Image          string `toml:"image"`
	Memory         string `toml:"memory"`
	CPUs           string `toml:"cpus"`
	Network        string `toml:"network"`
	SeccompProfile string `toml:"seccomp_profile"`
	UsernsMode     string `toml:"userns_mode"`
	DockerHost     string `toml:"docker_host"`
}

// MonitorConfig holds health-cycle thresholds. Durations are strings in
// time.ParseDuration format ("30s", "20m").
type MonitorConfig struct {
	Interval         string `toml:"interval"`
	StallAfter       string `toml:"stall_after"`
	MaxTaskDuration  string `toml:"max_task_duration"`
	CycleDeadline    string `toml:"cycle_deadline"`
	ProbeConcurrency int    `toml:"probe_concurrency"`
}

// RoutingConfig maps task classifications to models
type RoutingConfig struct {
	Table        map[string]string `toml:"table"`
	DefaultModel string            `toml:"default_model"`
}

// LimitsConfig maps operator tiers to concurrent-task caps
type LimitsConfig struct {
	Tiers map[string]int `toml:"tiers"`
}

// PromptConfig holds the fixed prompt sections
type PromptConfig struct {
	System      string `toml:"system"`
	Constraints string `toml:"constraints"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds the event/status endpoint settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".agent-fleet")
	return &Config{
		General: GeneralConfig{
			WorktreeDir:  filepath.Join(base, "worktrees"),
			SnapshotDir:  filepath.Join(base, "snapshots"),
			SecretDir:    filepath.Join(base, "secrets"),
			InsightDir:   filepath.Join(base, "insights"),
			DatabasePath: filepath.Join(base, "fleet.db"),
			Mode:         "local",
			InstallCmd:   "npm ci",
		},
		Container: ContainerConfig{
			Network: "none",
		},
		Monitor: MonitorConfig{
			Interval:         "30s",
			StallAfter:       "20m",
			MaxTaskDuration:  "2h",
			CycleDeadline:    "25s",
			ProbeConcurrency: 8,
		},
		Routing: RoutingConfig{
			DefaultModel: "claude-sonnet-4-20250514",
		},
		Prompt: PromptConfig{
			System: "You are an autonomous coding agent working on an isolated branch.",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.RepoDir = ExpandPath(cfg.General.RepoDir)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.SnapshotDir = ExpandPath(cfg.General.SnapshotDir)
	cfg.General.SecretDir = ExpandPath(cfg.General.SecretDir)
	cfg.General.InsightDir = ExpandPath(cfg.General.InsightDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.CacheDir = ExpandPath(cfg.General.CacheDir)

	if _, err := cfg.MonitorDurations(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MonitorDurations parses the monitor threshold strings. Empty strings
// fall back to the defaults.
func (c *Config) MonitorDurations() (Durations, error) {
	def := Default().Monitor
	var d Durations
	var err error
	if d.Interval, err = parseOr(c.Monitor.Interval, def.Interval); err != nil {
		return d, fmt.Errorf("monitor.interval: %w", err)
	}
	if d.StallAfter, err = parseOr(c.Monitor.StallAfter, def.StallAfter); err != nil {
		return d, fmt.Errorf("monitor.stall_after: %w", err)
	}
	if d.MaxTaskDuration, err = parseOr(c.Monitor.MaxTaskDuration, def.MaxTaskDuration); err != nil {
		return d, fmt.Errorf("monitor.max_task_duration: %w", err)
	}
	if d.CycleDeadline, err = parseOr(c.Monitor.CycleDeadline, def.CycleDeadline); err != nil {
		return d, fmt.Errorf("monitor.cycle_deadline: %w", err)
	}
	return d, nil
}

// Durations is MonitorConfig with the strings parsed
type Durations struct {
	Interval        time.Duration
	StallAfter      time.Duration
	MaxTaskDuration time.Duration
	CycleDeadline   time.Duration
}

func parseOr(s, fallback string) (time.Duration, error) {
	if s == "" {
		s = fallback
	}
	return time.ParseDuration(s)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-fleet", "config.toml")
}
