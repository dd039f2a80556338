package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultAPIVersion    = "2024-05-01-preview"
	DefaultAgentID       = "asst_Cabj69cF5rOLCHdSovbzP1fb"
	DefaultRecencyWindow = 60
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig   BasicConfig               `json:"basic_config"`
	Foundry       FoundryConfig             `json:"foundry"`
	FallbackModel ProviderConfig            `json:"fallback_model"`
	Databases     map[string]DatabaseConfig `json:"databases"`
	Redis         RedisConfig               `json:"redis"`
	Log           LogConfig                 `json:"log"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	MaxWorkers           int    `json:"max_workers"`
	QueueSize            int    `json:"queue_size"`
	WorkerIdleTimeout    int    `json:"worker_idle_timeout"` // minutes
	TokenTTLHours        int    `json:"token_ttl_hours"`
	CleanInterval        int    `json:"clean_interval"` // minutes
	SessionRetentionDays int    `json:"session_retention_days"`
	MaxMessageLength     int    `json:"max_message_length"`
	TurnTimeoutSeconds   int    `json:"turn_timeout_seconds"`
	EnableProxy          bool   `json:"enable_proxy"`
	StaticDir            string `json:"static_dir"`
}

// FoundryConfig describes how to reach the hosted agent.
type FoundryConfig struct {
	Mode            string   `json:"mode"`     // remote, mock or local
	Fallback        string   `json:"fallback"` // "", mock or local
	Endpoint        string   `json:"endpoint"`
	Resource        string   `json:"resource"`
	AgentID         string   `json:"agent_id"`
	APIKey          string   `json:"api_key"`
	BearerToken     string   `json:"bearer_token"`
	APIVersion      string   `json:"api_version"`
	Strategies      []string `json:"strategies"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	PollIntervalMs  int      `json:"poll_interval_ms"`
	MaxPollAttempts int      `json:"max_poll_attempts"`
	// RecencyWindowSeconds is nil when unset; an explicit 0 disables the window.
	RecencyWindowSeconds *int `json:"recency_window_seconds"`
}

type ProviderConfig struct {
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key"`
	ByAzure      bool   `json:"by_azure"`
	APIVersion   string `json:"api_version"`
	SystemPrompt string `json:"system_prompt"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
	File   string `json:"file"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error: the service can run from the
// environment alone.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(absPath))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AZURE_AI_FOUNDRY_PROJECT_ENDPOINT"); v != "" {
		c.Foundry.Endpoint = v
	}
	if v := os.Getenv("AZURE_AI_ORCHESTRATION_AGENT_ID"); v != "" {
		c.Foundry.AgentID = v
	}
	if v := os.Getenv("AZURE_AI_FOUNDRY_RESOURCE"); v != "" {
		c.Foundry.Resource = v
	}
	if v := os.Getenv("AZURE_API_KEY"); v != "" {
		c.Foundry.APIKey = v
	}
	if v := os.Getenv("AZURE_BEARER_TOKEN"); v != "" {
		c.Foundry.BearerToken = v
	}
	if v := os.Getenv("FOUNDRY_MODE"); v != "" {
		c.Foundry.Mode = strings.ToLower(v)
	}
}

func (c *Config) applyDefaults(baseDir string) {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 32
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 8
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 10
	}
	if b.TokenTTLHours <= 0 {
		b.TokenTTLHours = 24
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = 60
	}
	if b.MaxMessageLength <= 0 {
		b.MaxMessageLength = 4000
	}
	if b.TurnTimeoutSeconds <= 0 {
		b.TurnTimeoutSeconds = 120
	}

	f := &c.Foundry
	if f.Mode == "" {
		f.Mode = "remote"
	}
	if f.AgentID == "" {
		f.AgentID = DefaultAgentID
	}
	if f.APIVersion == "" {
		f.APIVersion = DefaultAPIVersion
	}
	if f.TimeoutSeconds <= 0 {
		f.TimeoutSeconds = 30
	}
	if f.PollIntervalMs <= 0 {
		f.PollIntervalMs = 1000
	}
	if f.MaxPollAttempts <= 0 {
		f.MaxPollAttempts = 30
	}
	if f.RecencyWindowSeconds == nil {
		window := DefaultRecencyWindow
		f.RecencyWindowSeconds = &window
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	sqliteCfg := c.Databases["sqlite3"]
	if sqliteCfg.DSN == "" {
		sqliteCfg.DSN = "data/foundrychat.db"
	}
	if sqliteCfg.DSN != ":memory:" && !strings.HasPrefix(sqliteCfg.DSN, "file:") && !filepath.IsAbs(sqliteCfg.DSN) {
		sqliteCfg.DSN = filepath.Join(baseDir, sqliteCfg.DSN)
	}
	c.Databases["sqlite3"] = sqliteCfg

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Foundry.Mode {
	case "remote", "mock", "local":
	default:
		return fmt.Errorf("unsupported foundry mode: %s", c.Foundry.Mode)
	}
	switch c.Foundry.Fallback {
	case "", "mock", "local":
	default:
		return fmt.Errorf("unsupported foundry fallback: %s", c.Foundry.Fallback)
	}
	if (c.Foundry.Mode == "local" || c.Foundry.Fallback == "local") && c.FallbackModel.Model == "" {
		return errors.New("fallback_model.model must be configured for local mode")
	}
	return nil
}

// PollInterval returns the delay between run status checks.
func (f FoundryConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMs) * time.Millisecond
}

// Timeout returns the per-request timeout for remote calls.
func (f FoundryConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// RecencyWindow returns how old an assistant reply may be and still count.
func (f FoundryConfig) RecencyWindow() time.Duration {
	if f.RecencyWindowSeconds == nil {
		return DefaultRecencyWindow * time.Second
	}
	return time.Duration(*f.RecencyWindowSeconds) * time.Second
}
