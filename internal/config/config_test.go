package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synthesis.DefaultLanguage != "ru" {
		t.Fatalf("expected default language ru, got %q", cfg.Synthesis.DefaultLanguage)
	}
	if got := cfg.Synthesis.LanguageCodes(); len(got) != 5 {
		t.Fatalf("expected 5 languages, got %v", got)
	}
	if cfg.Synthesis.DefaultBlockChars != 360 || cfg.Synthesis.DefaultPauseMS != 120 {
		t.Fatalf("unexpected synthesis defaults: %+v", cfg.Synthesis)
	}
	if cfg.Storage.TmpDir != filepath.Join("./data", "tmp") {
		t.Fatalf("expected tmp dir under root, got %q", cfg.Storage.TmpDir)
	}
	if cfg.Progress.MinElapsed() != time.Millisecond {
		t.Fatalf("expected 1ms min elapsed, got %v", cfg.Progress.MinElapsed())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NARRATOR_HTTP_PORT", "8088")
	t.Setenv("NARRATOR_STORAGE_ROOT", "/srv/narrator")
	t.Setenv("NARRATOR_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("NARRATOR_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("NARRATOR_PROGRESS_SMOOTHING", "0.5")
	t.Setenv("NARRATOR_SYNTHESIS_DEFAULT_BLOCK_CHARS", "200")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.HTTP.Port != 8088 {
		t.Fatalf("expected http port override")
	}
	if cfg.Storage.OutputsDir != filepath.Join("/srv/narrator", "outputs") {
		t.Fatalf("expected outputs dir under overridden root, got %q", cfg.Storage.OutputsDir)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store max jobs override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Progress.Smoothing != 0.5 {
		t.Fatalf("expected smoothing override, got %v", cfg.Progress.Smoothing)
	}
	if cfg.Synthesis.DefaultBlockChars != 200 {
		t.Fatalf("expected block chars override")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "narrator.yaml")
	content := `
runtime_name: narrator-test
storage:
  root: ` + dir + `
  outputs_dir: ` + filepath.Join(dir, "out") + `
synthesis:
  mode: exec
  command: "piper --json"
  languages:
    - code: en
      label: English
  default_language: en
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "narrator-test" {
		t.Fatalf("expected runtime name from file")
	}
	if cfg.Synthesis.Mode != "exec" || cfg.Synthesis.Command != "piper --json" {
		t.Fatalf("unexpected synthesis config: %+v", cfg.Synthesis)
	}
	if cfg.Storage.OutputsDir != filepath.Join(dir, "out") {
		t.Fatalf("explicit outputs dir should win, got %q", cfg.Storage.OutputsDir)
	}
	if cfg.Storage.VoicesDir != filepath.Join(dir, "voices") {
		t.Fatalf("voices dir should resolve under root, got %q", cfg.Storage.VoicesDir)
	}
	if err := cfg.Storage.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(cfg.Storage.TmpDir); err != nil {
		t.Fatalf("tmp dir not created: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) { c.Synthesis.Mode = "exec" },
		"unknown mode":         func(c *Config) { c.Synthesis.Mode = "cloud" },
		"default language":     func(c *Config) { c.Synthesis.DefaultLanguage = "xx" },
		"block chars":          func(c *Config) { c.Synthesis.DefaultBlockChars = 0 },
		"negative pause":       func(c *Config) { c.Synthesis.DefaultPauseMS = -1 },
		"smoothing":            func(c *Config) { c.Progress.Smoothing = 1 },
		"retention mode":       func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"log level":            func(c *Config) { c.Telemetry.LogLevel = "trace" },
		"remote bus servers": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Embedded = false
			c.Bus.Servers = nil
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage = cfg.Storage.resolved()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("NARRATOR_HTTP_PORT=7070\nNARRATOR_SYNTHESIS_MODE=mock\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// t.Setenv restores both keys after the test
	for _, key := range []string{"NARRATOR_HTTP_PORT", "NARRATOR_SYNTHESIS_MODE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Fatalf("expected port from env file, got %d", cfg.HTTP.Port)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
