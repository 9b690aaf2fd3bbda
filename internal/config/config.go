package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultConfigPath = "config.json"
	configPathEnv     = "TAXRESEARCH_CONFIG"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Chat        ChatConfig                `json:"chat"`
	Embedding   EmbeddingConfig           `json:"embedding"`
	Research    ResearchConfig            `json:"research"`
	Log         LogConfig                 `json:"log"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address"`
	AllowedOrigins    []string `json:"allowed_origins"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	MaxPendingPerUser int      `json:"max_pending_per_user"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // minutes
	VisitorTTL        int      `json:"visitor_ttl"`         // hours
	CleanInterval     int      `json:"clean_interval"`      // minutes
	RequestTimeout    int      `json:"request_timeout"`     // seconds
	RateLimit         float64  `json:"rate_limit"`          // requests per minute per client
	RateBurst         int      `json:"rate_burst"`
	SecureCookies     bool     `json:"secure_cookies"`
	TrustedProxies    []string `json:"trusted_proxies"` // forwarded client addresses are honoured only from these
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
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

// ChatConfig controls how questions are answered.
type ChatConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Title        string `json:"title"`
	TopK         int    `json:"top_k"`
	HistoryPairs int    `json:"history_pairs"`
}

type EmbeddingConfig struct {
	BaseURL     string `json:"base_url"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	Dimensions  int    `json:"dimensions"`
	BatchSize   int    `json:"batch_size"`
	Concurrency int    `json:"concurrency"`
	CacheTTL    int    `json:"cache_ttl"` // minutes
}

// ResearchConfig points at the Smartsheet sheets holding the research data.
type ResearchConfig struct {
	BaseURL string            `json:"base_url"`
	Token   string            `json:"token"`
	TaxYear string            `json:"tax_year"`
	Sheets  map[string]string `json:"sheets"`
	Dir     string            `json:"dir"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Sheet keys understood by the research importer.
const (
	SheetCarryforward = "cfp"
	SheetTaxRates     = "tax_rates"
	SheetMethodology  = "methods"
	SheetPrePost      = "pre_post"
	SheetNexus        = "nexus"
	SheetExclusions   = "exclusions"
	SheetLimitations  = "limitations"
)

// SheetKeys lists every research sheet in import order.
var SheetKeys = []string{
	SheetCarryforward,
	SheetTaxRates,
	SheetMethodology,
	SheetPrePost,
	SheetNexus,
	SheetExclusions,
	SheetLimitations,
}

// PathFromEnv returns the config path requested through the environment.
func PathFromEnv() string {
	return os.Getenv(configPathEnv)
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file is loaded first so secrets can live outside the JSON file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// run on defaults and environment
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	for name, db := range cfg.Databases {
		if db.DSN == "" || !isSQLite(name) || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if _, ok := c.Providers[c.Chat.Provider]; !ok {
		return fmt.Errorf("chat provider %s not configured", c.Chat.Provider)
	}
	if c.Chat.TopK <= 0 {
		return errors.New("chat.top_k must be positive")
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return errors.New("basic_config.max_workers must not be below min_workers")
	}
	return nil
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for provider, env := range map[string]string{
		"openai": "OPENAI_API_KEY",
		"claude": "ANTHROPIC_API_KEY",
		"gemini": "GEMINI_API_KEY",
	} {
		key := strings.TrimSpace(os.Getenv(env))
		if key == "" {
			continue
		}
		p := c.Providers[provider]
		p.APIKey = key
		c.Providers[provider] = p
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.Providers["openai"].APIKey
	}

	if v := os.Getenv("ss_url"); v != "" {
		c.Research.BaseURL = v
	}
	if v := os.Getenv("ss_token"); v != "" {
		c.Research.Token = v
	}
	if c.Research.Sheets == nil {
		c.Research.Sheets = make(map[string]string)
	}
	for _, key := range SheetKeys {
		if v := os.Getenv(key + "_sheet"); v != "" {
			c.Research.Sheets[key] = v
		}
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":5000"
	}
	if len(b.AllowedOrigins) == 0 {
		b.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 8
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.MaxPendingPerUser <= 0 {
		b.MaxPendingPerUser = 3
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.VisitorTTL <= 0 {
		b.VisitorTTL = 24 * 7
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = 60
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = 120
	}
	if b.RateLimit <= 0 {
		b.RateLimit = 20
	}
	if b.RateBurst <= 0 {
		b.RateBurst = 5
	}

	if _, ok := c.Providers["openai"]; !ok {
		c.Providers["openai"] = ProviderConfig{}
	}
	if p := c.Providers["openai"]; p.Model == "" {
		p.Model = "gpt-4o-mini"
		c.Providers["openai"] = p
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if db := c.Databases["sqlite3"]; db.DSN == "" {
		db.DSN = "data/taxresearch.db"
		c.Databases["sqlite3"] = db
	}

	if c.Chat.Provider == "" {
		c.Chat.Provider = "openai"
	}
	if c.Chat.Title == "" {
		c.Chat.Title = "TaxResearch.AI"
	}
	if c.Chat.TopK == 0 {
		c.Chat.TopK = 50
	}
	if c.Chat.HistoryPairs <= 0 {
		c.Chat.HistoryPairs = 10
	}

	e := &c.Embedding
	if e.Model == "" {
		e.Model = "text-embedding-3-large"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 3072
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 64
	}
	if e.Concurrency <= 0 {
		e.Concurrency = 4
	}
	if e.CacheTTL <= 0 {
		e.CacheTTL = 24 * 60
	}

	if c.Research.TaxYear == "" {
		c.Research.TaxYear = "2022"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
