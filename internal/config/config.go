package config

import (
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "DISCOVERY_SCANNER_CONFIG"
	databaseDriverEnv = "DATABASE_DRIVER"
	databaseDSNEnv    = "DATABASE_DSN"
	mongoURIEnv       = "MONGO_URI"
	natsURLEnv        = "NATS_URL"
	httpAddrEnv       = "HTTP_ADDR"
	logLevelEnv       = "LOG_LEVEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	intervalEnv       = "SCHEDULER_INTERVAL"

	defaultSourceTimeout = 60 * time.Second
	defaultMaxItems      = 50
)

// Database drivers understood by the storage layer.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	HTTP          HTTPConfig         `yaml:"http"`
	NATS          NATSConfig         `yaml:"nats"`
	Notifications NotificationConfig `yaml:"notifications"`
	Digest        DigestConfig       `yaml:"digest"`
	Normalizer    NormalizerConfig   `yaml:"normalizer"`
	Sources       []SourceConfig     `yaml:"sources"`
}

// LoggingConfig selects slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig picks the store backend and its connection details.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	MongoDatabase string `yaml:"mongoDatabase"`
}

// SchedulerConfig defines how often aggregation runs.
type SchedulerConfig struct {
	Interval       time.Duration  `yaml:"interval"`
	RunOverhead    time.Duration  `yaml:"runOverhead"`
	StaleAfterRuns int            `yaml:"staleAfterRuns"`
	RunOnStart     bool           `yaml:"runOnStart"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// HTTPConfig configures the query API listener.
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// NATSConfig enables run events and remote triggers when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	BaseURL  string `yaml:"baseUrl"`
}

// DigestConfig selects the digest window and category subset.
type DigestConfig struct {
	Frequency  string   `yaml:"frequency"`
	Categories []string `yaml:"categories"`
}

// NormalizerConfig bounds summary and tag sizes.
type NormalizerConfig struct {
	MaxSummaryLength int `yaml:"maxSummaryLength"`
	MaxTags          int `yaml:"maxTags"`
}

// SourceConfig describes a single source with its scanner strategy.
type SourceConfig struct {
	Name              string            `yaml:"name"`
	Scanner           string            `yaml:"scanner"`
	Enabled           *bool             `yaml:"enabled"`
	Timeout           time.Duration     `yaml:"timeout"`
	MaxItems          int               `yaml:"maxItems"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Listings          []ListingConfig   `yaml:"listings"`
	Options           map[string]string `yaml:"options"`
}

// IsEnabled treats a missing flag as enabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ListingConfig holds the concrete endpoints to crawl (trending pages, arXiv lists).
type ListingConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
// An empty path falls back to DISCOVERY_SCANNER_CONFIG.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	if len(cfg.Sources) == 0 {
		cfg.Sources = defaultConfig().Sources
	}
	cfg.fillSourceDefaults()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(mongoURIEnv); v != "" {
		c.Database.Driver = DriverMongo
		c.Database.DSN = v
	}

	if v := os.Getenv(natsURLEnv); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(httpAddrEnv); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(intervalEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Printf("config: invalid %s=%q, keeping %s", intervalEnv, v, c.Scheduler.Interval)
		} else {
			c.Scheduler.Interval = d
		}
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func (c *Config) fillSourceDefaults() {
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Scanner == "" {
			src.Scanner = src.Name
		}
		if src.Name == "" {
			src.Name = src.Scanner
		}
		if src.Timeout <= 0 {
			src.Timeout = defaultSourceTimeout
		}
		if src.MaxItems <= 0 {
			src.MaxItems = defaultMaxItems
		}
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Database.Driver != "" {
		base.Database.Driver = strings.ToLower(override.Database.Driver)
	}
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}
	if override.Database.MongoDatabase != "" {
		base.Database.MongoDatabase = override.Database.MongoDatabase
	}

	if override.Scheduler.Interval > 0 {
		base.Scheduler.Interval = override.Scheduler.Interval
	}
	if override.Scheduler.RunOverhead > 0 {
		base.Scheduler.RunOverhead = override.Scheduler.RunOverhead
	}
	if override.Scheduler.StaleAfterRuns > 0 {
		base.Scheduler.StaleAfterRuns = override.Scheduler.StaleAfterRuns
	}
	if override.Scheduler.RunOnStart {
		base.Scheduler.RunOnStart = true
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.HTTP.Addr != "" {
		base.HTTP.Addr = override.HTTP.Addr
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		base.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.NATS.URL != "" {
		base.NATS.URL = override.NATS.URL
	}
	if override.NATS.SubjectPrefix != "" {
		base.NATS.SubjectPrefix = override.NATS.SubjectPrefix
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}
	if override.Notifications.Telegram.BaseURL != "" {
		base.Notifications.Telegram.BaseURL = override.Notifications.Telegram.BaseURL
	}

	if override.Digest.Frequency != "" {
		base.Digest.Frequency = override.Digest.Frequency
	}
	if len(override.Digest.Categories) > 0 {
		base.Digest.Categories = override.Digest.Categories
	}

	if override.Normalizer.MaxSummaryLength > 0 {
		base.Normalizer.MaxSummaryLength = override.Normalizer.MaxSummaryLength
	}
	if override.Normalizer.MaxTags > 0 {
		base.Normalizer.MaxTags = override.Normalizer.MaxTags
	}

	if len(override.Sources) > 0 {
		base.Sources = override.Sources
	}

	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "file:discoveries.db", MongoDatabase: "discoveries"},
		Scheduler: SchedulerConfig{
			Interval:       24 * time.Hour,
			RunOverhead:    30 * time.Second,
			StaleAfterRuns: 3,
			Timezone:       defaultTimezone,
			location:       tz,
		},
		HTTP:          HTTPConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		NATS:          NATSConfig{SubjectPrefix: "discoveries"},
		Notifications: NotificationConfig{Telegram: TelegramConfig{BaseURL: "https://api.telegram.org"}},
		Digest:        DigestConfig{Frequency: "daily"},
		Normalizer:    NormalizerConfig{MaxSummaryLength: 500, MaxTags: 10},
		Sources: []SourceConfig{
			{
				Name:              "github",
				Scanner:           "github",
				Timeout:           defaultSourceTimeout,
				MaxItems:          defaultMaxItems,
				RequestsPerSecond: 1,
				Listings: []ListingConfig{
					{Name: "daily", URL: "https://github.com/trending?since=daily"},
					{Name: "python-weekly", URL: "https://github.com/trending/python?since=weekly"},
					{Name: "jupyter-monthly", URL: "https://github.com/trending/jupyter-notebook?since=monthly"},
				},
			},
			{
				Name:              "huggingface",
				Scanner:           "huggingface",
				Timeout:           defaultSourceTimeout,
				MaxItems:          defaultMaxItems,
				RequestsPerSecond: 2,
				Listings: []ListingConfig{
					{Name: "models-downloads", URL: "https://huggingface.co/api/models?sort=downloads&direction=-1"},
				},
			},
			{
				Name:              "arxiv",
				Scanner:           "arxiv",
				Timeout:           defaultSourceTimeout,
				MaxItems:          defaultMaxItems,
				RequestsPerSecond: 0.33,
				Listings: []ListingConfig{
					{Name: "cs.AI", URL: "https://export.arxiv.org/list/cs.AI/recent"},
				},
			},
		},
	}
}
