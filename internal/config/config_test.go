package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	d, err := os.MkdirTemp("", "argon-config-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(d) })
	if content == "" {
		return d
	}
	dir := filepath.Join(d, ".argon")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestLoad_Missing(t *testing.T) {
	d := writeConfig(t, "")

	res := Load(d)
	if res.Found {
		t.Fatalf("expected not found")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	// defaults
	if res.Config.Server.Port != 8765 {
		t.Fatalf("unexpected default port: %d", res.Config.Server.Port)
	}
	if res.Config.Orchestrator.DefaultPromptTimeoutSec != 300 {
		t.Fatalf("unexpected default prompt timeout: %d", res.Config.Orchestrator.DefaultPromptTimeoutSec)
	}
	if !res.Config.Safety.Enabled || res.Config.Safety.MaxSteps != 50 {
		t.Fatalf("unexpected safety defaults: %+v", res.Config.Safety)
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	d := writeConfig(t, `
[server]
port = 9999

[orchestrator]
planning_timeout_ms = 1500

[safety]
blocked_domains = ["evil.example"]

[store]
driver = "memory"
`)
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	c := res.Config
	if c.Server.Port != 9999 || c.Server.Host != "127.0.0.1" {
		t.Fatalf("server not merged: %+v", c.Server)
	}
	if c.Orchestrator.PlanningTimeoutMS != 1500 || c.Orchestrator.DefaultStepTimeoutMS != 30000 {
		t.Fatalf("orchestrator not merged: %+v", c.Orchestrator)
	}
	if len(c.Safety.BlockedDomains) != 1 || c.Safety.BlockedDomains[0] != "evil.example" {
		t.Fatalf("blocked domains not applied: %v", c.Safety.BlockedDomains)
	}
	if !c.Safety.Enabled {
		t.Fatalf("safety must stay enabled when the key is absent")
	}
	if len(c.Safety.ConfirmKeywords) == 0 {
		t.Fatalf("confirm keywords should keep defaults")
	}
	if c.Store.Driver != "memory" {
		t.Fatalf("store driver not applied: %q", c.Store.Driver)
	}
}

func TestLoad_SafetyDisabled(t *testing.T) {
	d := writeConfig(t, "[safety]\nenabled = false\n")
	res := Load(d)
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	if res.Config.Safety.Enabled {
		t.Fatalf("expected safety disabled")
	}
}

func TestLoad_InvalidToml(t *testing.T) {
	d := writeConfig(t, "x = [1,\n")
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	d := writeConfig(t, "[planner]\nprovider = \"oracle\"\n")
	res := Load(d)
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
	if res.Config.Planner.Provider != "rules" {
		t.Fatalf("expected defaults after invalid config, got %q", res.Config.Planner.Provider)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ARGON_PORT", "9100")
	t.Setenv("ARGON_STORE", "memory")
	t.Setenv("GOOGLE_API_KEY", "k-123")
	t.Setenv("ARGON_OTLP_ENDPOINT", "http://collector:4318")
	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Store.Driver != "memory" || cfg.Planner.APIKey != "k-123" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "http://collector:4318" {
		t.Fatalf("telemetry env not applied: %+v", cfg.Telemetry)
	}

	t.Setenv("ARGON_PORT", "eighty")
	cfg = Default()
	if err := ApplyEnv(&cfg); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad port, got %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	d := writeConfig(t, "")
	if err := LoadEnv(d); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
	if err := os.WriteFile(filepath.Join(d, ".env"), []byte("ARGON_TEST_ONLY_VAR=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ARGON_TEST_ONLY_VAR") })
	if err := LoadEnv(d); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("ARGON_TEST_ONLY_VAR"); got != "from-dotenv" {
		t.Fatalf("expected dotenv value, got %q", got)
	}
}
