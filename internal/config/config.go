package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the server and the chat client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Assistant   AssistantConfig           `json:"assistant" yaml:"assistant"`
	Client      ClientConfig              `json:"client" yaml:"client"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	TokenTTL          int    `json:"token_ttl" yaml:"token_ttl"`                     // hours
	ReplyTimeout      int    `json:"reply_timeout" yaml:"reply_timeout"`             // seconds
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AssistantConfig selects the provider that answers getChatbotReply.
type AssistantConfig struct {
	Provider     string `json:"provider" yaml:"provider"`
	Model        string `json:"model" yaml:"model"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	WebSearch    bool   `json:"web_search" yaml:"web_search"`
}

// ClientConfig is read by `keepchat chat`.
type ClientConfig struct {
	ServerURL      string `json:"server_url" yaml:"server_url"`
	LocalStorePath string `json:"local_store_path" yaml:"local_store_path"`
	RequestTimeout int    `json:"request_timeout" yaml:"request_timeout"` // seconds
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg, err := Parse(data, filepath.Ext(absPath))
	if err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if p := cfg.Client.LocalStorePath; p != "" && !filepath.IsAbs(p) {
		cfg.Client.LocalStorePath = filepath.Join(filepath.Dir(absPath), p)
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".yaml", ".yml" or anything else for JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.TokenTTL <= 0 {
		c.BasicConfig.TokenTTL = 24
	}
	if c.BasicConfig.ReplyTimeout <= 0 {
		c.BasicConfig.ReplyTimeout = 120
	}
	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "http://127.0.0.1:8090"
	}
	if c.Client.LocalStorePath == "" {
		c.Client.LocalStorePath = "./data/local.db"
	}
	if c.Client.RequestTimeout <= 0 {
		c.Client.RequestTimeout = 150
	}
}

// Validate checks the sections required to run the server.
func (c *Config) Validate(dbType string) error {
	var errs []string
	if _, ok := c.Databases[dbType]; !ok {
		errs = append(errs, fmt.Sprintf("databases.%s must be configured", dbType))
	}
	if c.Assistant.Provider == "" {
		errs = append(errs, "assistant.provider is required")
	} else if _, ok := c.Providers[c.Assistant.Provider]; !ok {
		errs = append(errs, fmt.Sprintf("providers.%s must be configured", c.Assistant.Provider))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}
