package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/paths"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Safety       SafetyConfig       `toml:"safety"`
	Store        StoreConfig        `toml:"store"`
	Planner      PlannerConfig      `toml:"planner"`
	Driver       DriverConfig       `toml:"driver"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type OrchestratorConfig struct {
	DefaultPromptTimeoutSec int `toml:"default_prompt_timeout_sec"`
	MaxPromptTimeoutSec     int `toml:"max_prompt_timeout_sec"`
	DefaultStepTimeoutMS    int `toml:"default_step_timeout_ms"`
	MaxStepTimeoutMS        int `toml:"max_step_timeout_ms"`
	PlanningTimeoutMS       int `toml:"planning_timeout_ms"`
	ObserveTimeoutMS        int `toml:"observe_timeout_ms"`
	RetryBackoffMS          int `toml:"retry_backoff_ms"`
	RetryBackoffMaxMS       int `toml:"retry_backoff_max_ms"`
}

// SafetyConfig holds the static rule set. Empty lists fall back to the
// built-in defaults; Enabled is taken as written.
type SafetyConfig struct {
	Enabled               bool     `toml:"enabled"`
	AllowedKinds          []string `toml:"allowed_kinds"`
	MaliciousPatterns     []string `toml:"malicious_patterns"`
	BlockedDomains        []string `toml:"blocked_domains"`
	SensitiveSelectors    []string `toml:"sensitive_selectors"`
	ConfirmKeywords       []string `toml:"confirm_keywords"`
	ConfirmPromptPatterns []string `toml:"confirm_prompt_patterns"`
	MaxSteps              int      `toml:"max_steps"`
	MaxPlanDurationSec    int      `toml:"max_plan_duration_sec"`
	AuditLog              string   `toml:"audit_log"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type PlannerConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type DriverConfig struct {
	Kind           string `toml:"kind"`
	URL            string `toml:"url"`
	UserAgent      string `toml:"user_agent"`
	ViewportWidth  int    `toml:"viewport_width"`
	ViewportHeight int    `toml:"viewport_height"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Host: api.DefaultHost, Port: api.DefaultPort},
		Orchestrator: OrchestratorConfig{
			DefaultPromptTimeoutSec: 300,
			MaxPromptTimeoutSec:     3600,
			DefaultStepTimeoutMS:    30000,
			MaxStepTimeoutMS:        300000,
			PlanningTimeoutMS:       60000,
			ObserveTimeoutMS:        10000,
			RetryBackoffMS:          250,
			RetryBackoffMaxMS:       2000,
		},
		Safety: SafetyConfig{
			Enabled:               true,
			AllowedKinds:          []string{"navigate", "click", "type", "extract", "wait", "screenshot", "hover", "scroll"},
			MaliciousPatterns:     []string{"install malware", "steal", "hack", "crack", "keylogger", "phishing", "spam", "botnet", "exploit", "virus", "trojan", "access private", "bypass security", "crack password", "brute force"},
			BlockedDomains:        []string{"malware", "phishing", "scam", "hacking", "keylogger", "trojan", "virus", "exploit", "spam", "botnet"},
			SensitiveSelectors:    []string{"password", "ssn", "credit-card", "cvv", "pin", "social-security", "bank-account", "routing-number", "api-key", "secret-key", "private-key"},
			ConfirmKeywords:       []string{"payment", "checkout", "purchase", "delete", "remove", "cancel", "secret", "private"},
			ConfirmPromptPatterns: []string{"purchase", "pay ", "transfer money", "delete account", "cancel subscription"},
			MaxSteps:              50,
			MaxPlanDurationSec:    300,
			AuditLog:              paths.AuditLogFile(),
		},
		Store:     StoreConfig{Driver: "sqlite", Path: paths.DBFile()},
		Planner:   PlannerConfig{Provider: "rules", Model: "gemini-1.5-flash"},
		Driver:    DriverConfig{Kind: "fetch", UserAgent: "argon/1 (+https://github.com/throw-if-null/argon)", ViewportWidth: 1280, ViewportHeight: 720},
		Telemetry: TelemetryConfig{Enabled: false, Endpoint: "http://127.0.0.1:4318", ServiceName: "argon"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <root>/.argon/config.toml over Default(). A missing file is not
// an error; the defaults are returned with Found=false.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, filepath.FromSlash(paths.ConfigFile()))
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	// Enabled defaults to true; an absent key must not switch the validator off.
	parsed.Safety.Enabled = true
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	if err := res.Config.Validate(); err != nil {
		res.ParseError = err
		res.Config = Default()
	}
	return res
}

// LoadEnv loads <root>/.env into the process environment. Variables already
// set win. A missing file is not an error.
func LoadEnv(root string) error {
	path := filepath.Join(root, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg from ARGON_* variables and GOOGLE_API_KEY.
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("ARGON_HOST", &cfg.Server.Host)
	str("ARGON_STORE", &cfg.Store.Driver)
	str("ARGON_DB_PATH", &cfg.Store.Path)
	str("ARGON_PLANNER", &cfg.Planner.Provider)
	str("ARGON_MODEL", &cfg.Planner.Model)
	str("GOOGLE_API_KEY", &cfg.Planner.APIKey)
	str("ARGON_DRIVER", &cfg.Driver.Kind)
	str("ARGON_DRIVER_URL", &cfg.Driver.URL)
	if v := os.Getenv("ARGON_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("ARGON_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ARGON_PORT=%q", ErrInvalid, v)
		}
		cfg.Server.Port = p
	}
	return cfg.Validate()
}

// Validate checks enumerations and bounds.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver %q (want memory or sqlite)", ErrInvalid, c.Store.Driver)
	}
	switch c.Planner.Provider {
	case "rules", "gemini":
	default:
		return fmt.Errorf("%w: planner.provider %q (want rules or gemini)", ErrInvalid, c.Planner.Provider)
	}
	switch c.Driver.Kind {
	case "fetch":
	case "remote":
		if c.Driver.URL == "" {
			return fmt.Errorf("%w: driver.url is required for the remote driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: driver.kind %q (want fetch or remote)", ErrInvalid, c.Driver.Kind)
	}
	o := c.Orchestrator
	if o.DefaultPromptTimeoutSec > o.MaxPromptTimeoutSec {
		return fmt.Errorf("%w: default prompt timeout exceeds max", ErrInvalid)
	}
	if o.DefaultStepTimeoutMS > o.MaxStepTimeoutMS {
		return fmt.Errorf("%w: default step timeout exceeds max", ErrInvalid)
	}
	for _, k := range c.Safety.AllowedKinds {
		if !api.StepKind(k).Valid() {
			return fmt.Errorf("%w: safety.allowed_kinds has unknown kind %q", ErrInvalid, k)
		}
	}
	return nil
}

func (o OrchestratorConfig) DefaultPromptTimeout() time.Duration {
	return time.Duration(o.DefaultPromptTimeoutSec) * time.Second
}

func (o OrchestratorConfig) MaxPromptTimeout() time.Duration {
	return time.Duration(o.MaxPromptTimeoutSec) * time.Second
}

func (o OrchestratorConfig) DefaultStepTimeout() time.Duration {
	return time.Duration(o.DefaultStepTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) MaxStepTimeout() time.Duration {
	return time.Duration(o.MaxStepTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) PlanningTimeout() time.Duration {
	return time.Duration(o.PlanningTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) ObserveTimeout() time.Duration {
	return time.Duration(o.ObserveTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) RetryBackoff() time.Duration {
	return time.Duration(o.RetryBackoffMS) * time.Millisecond
}

func (o OrchestratorConfig) RetryBackoffMax() time.Duration {
	return time.Duration(o.RetryBackoffMaxMS) * time.Millisecond
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// Orchestrator
	mergeInt(&def.Orchestrator.DefaultPromptTimeoutSec, cfg.Orchestrator.DefaultPromptTimeoutSec)
	mergeInt(&def.Orchestrator.MaxPromptTimeoutSec, cfg.Orchestrator.MaxPromptTimeoutSec)
	mergeInt(&def.Orchestrator.DefaultStepTimeoutMS, cfg.Orchestrator.DefaultStepTimeoutMS)
	mergeInt(&def.Orchestrator.MaxStepTimeoutMS, cfg.Orchestrator.MaxStepTimeoutMS)
	mergeInt(&def.Orchestrator.PlanningTimeoutMS, cfg.Orchestrator.PlanningTimeoutMS)
	mergeInt(&def.Orchestrator.ObserveTimeoutMS, cfg.Orchestrator.ObserveTimeoutMS)
	mergeInt(&def.Orchestrator.RetryBackoffMS, cfg.Orchestrator.RetryBackoffMS)
	mergeInt(&def.Orchestrator.RetryBackoffMaxMS, cfg.Orchestrator.RetryBackoffMaxMS)
	// Safety
	def.Safety.Enabled = cfg.Safety.Enabled
	mergeList(&def.Safety.AllowedKinds, cfg.Safety.AllowedKinds)
	mergeList(&def.Safety.MaliciousPatterns, cfg.Safety.MaliciousPatterns)
	mergeList(&def.Safety.BlockedDomains, cfg.Safety.BlockedDomains)
	mergeList(&def.Safety.SensitiveSelectors, cfg.Safety.SensitiveSelectors)
	mergeList(&def.Safety.ConfirmKeywords, cfg.Safety.ConfirmKeywords)
	mergeList(&def.Safety.ConfirmPromptPatterns, cfg.Safety.ConfirmPromptPatterns)
	mergeInt(&def.Safety.MaxSteps, cfg.Safety.MaxSteps)
	mergeInt(&def.Safety.MaxPlanDurationSec, cfg.Safety.MaxPlanDurationSec)
	if cfg.Safety.AuditLog != "" {
		def.Safety.AuditLog = cfg.Safety.AuditLog
	}
	// Store
	if cfg.Store.Driver != "" {
		def.Store.Driver = cfg.Store.Driver
	}
	if cfg.Store.Path != "" {
		def.Store.Path = cfg.Store.Path
	}
	// Planner
	if cfg.Planner.Provider != "" {
		def.Planner.Provider = cfg.Planner.Provider
	}
	if cfg.Planner.Model != "" {
		def.Planner.Model = cfg.Planner.Model
	}
	if cfg.Planner.APIKey != "" {
		def.Planner.APIKey = cfg.Planner.APIKey
	}
	// Driver
	if cfg.Driver.Kind != "" {
		def.Driver.Kind = cfg.Driver.Kind
	}
	if cfg.Driver.URL != "" {
		def.Driver.URL = cfg.Driver.URL
	}
	if cfg.Driver.UserAgent != "" {
		def.Driver.UserAgent = cfg.Driver.UserAgent
	}
	mergeInt(&def.Driver.ViewportWidth, cfg.Driver.ViewportWidth)
	mergeInt(&def.Driver.ViewportHeight, cfg.Driver.ViewportHeight)
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	return def
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeList(dst *[]string, v []string) {
	if len(v) != 0 {
		*dst = v
	}
}
