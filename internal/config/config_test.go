package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.Mode != "local" {
		t.Errorf("Mode = %q, want local", cfg.General.Mode)
	}
	if cfg.General.InstallCmd != "npm ci" {
		t.Errorf("InstallCmd = %q, want npm ci", cfg.General.InstallCmd)
	}
	if cfg.Container.Network != "none" {
		t.Errorf("Container.Network = %q, want none", cfg.Container.Network)
	}
	if cfg.Monitor.ProbeConcurrency != 8 {
		t.Errorf("ProbeConcurrency = %d, want 8", cfg.Monitor.ProbeConcurrency)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
repo_dir = "/test/project"
mode = "container"
install_cmd = "pnpm install --frozen-lockfile"

[container]
image = "fleet-agent:latest"
memory = "2g"

[monitor]
interval = "1m"
stall_after = "45m"

[limits.tiers]
free = 1
standard = 5
premium = 20

[routing.table]
bugfix = "claude-sonnet-4-20250514"
research = "claude-opus-4-20250514"

[web]
port = 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.RepoDir != "/test/project" {
		t.Errorf("RepoDir = %q", cfg.General.RepoDir)
	}
	if cfg.General.Mode != "container" {
		t.Errorf("Mode = %q", cfg.General.Mode)
	}
	if cfg.Container.Image != "fleet-agent:latest" || cfg.Container.Memory != "2g" {
		t.Errorf("Container = %+v", cfg.Container)
	}
	if cfg.Limits.Tiers["premium"] != 20 {
		t.Errorf("Tiers = %v", cfg.Limits.Tiers)
	}
	if cfg.Routing.Table["research"] != "claude-opus-4-20250514" {
		t.Errorf("Routing = %v", cfg.Routing.Table)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d", cfg.Web.Port)
	}

	d, err := cfg.MonitorDurations()
	if err != nil {
		t.Fatal(err)
	}
	if d.Interval != time.Minute || d.StallAfter != 45*time.Minute {
		t.Errorf("durations = %+v", d)
	}
	// Unset durations keep defaults.
	if d.MaxTaskDuration != 2*time.Hour {
		t.Errorf("MaxTaskDuration = %v, want 2h default", d.MaxTaskDuration)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Mode != "local" {
		t.Errorf("Mode = %q", cfg.General.Mode)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeTempConfig(t, `
[monitor]
interval = "thirty seconds"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparsable duration")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, `
[monitor]
interval = "30s"
`)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(10 * time.Millisecond)
	w.Start(context.Background())

	content := `
[monitor]
interval = "2m"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		d, err := cfg.MonitorDurations()
		if err != nil {
			t.Fatal(err)
		}
		if d.Interval != 2*time.Minute {
			t.Errorf("reloaded interval = %v", d.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config write")
	}
}

func TestWatcherKeepsPreviousOnParseError(t *testing.T) {
	path := writeTempConfig(t, `
[monitor]
interval = "30s"
`)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(10 * time.Millisecond)
	w.Start(context.Background())

	if err := os.WriteFile(path, []byte("not toml at [[["), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("broken config triggered the callback")
	case <-time.After(500 * time.Millisecond):
	}
}
