// Package config provides YAML-based configuration loading for customgpt,
// with .env and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverMongo  = "mongo"
)

// Config is the top-level configuration, loaded from customgpt.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host" env:"CGPT_HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	CORSOrigins    []string `yaml:"cors_origins" env:"CGPT_CORS_ORIGINS" envSeparator:","`
	BodyLimitBytes int64    `yaml:"body_limit_bytes" env:"CGPT_BODY_LIMIT_BYTES"`
}

// ProxyConfig bounds the outbound proxied call.
type ProxyConfig struct {
	Timeout          time.Duration `yaml:"timeout" env:"CGPT_PROXY_TIMEOUT"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" env:"CGPT_PROXY_MAX_RESPONSE_BYTES"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver         string        `yaml:"driver" env:"CGPT_STORE_DRIVER"`
	DSN            string        `yaml:"dsn" env:"CGPT_STORE_DSN"` // overrides mysql fields when set
	SQLitePath     string        `yaml:"sqlite_path" env:"CGPT_SQLITE_PATH"`
	MySQL          MySQLConfig   `yaml:"mysql"`
	Mongo          MongoConfig   `yaml:"mongo"`
	HealthTimeout  time.Duration `yaml:"health_timeout" env:"DB_HEALTH_TIMEOUT"`
	HealthSchedule string        `yaml:"health_schedule" env:"DB_HEALTH_SCHEDULE"`
}

// MySQLConfig holds connection settings for the MySQL backend.
type MySQLConfig struct {
	Host     string `yaml:"host" env:"CGPT_MYSQL_HOST"`
	Port     int    `yaml:"port" env:"CGPT_MYSQL_PORT"`
	User     string `yaml:"user" env:"CGPT_MYSQL_USER"`
	Password string `yaml:"password" env:"CGPT_MYSQL_PASSWORD"`
	Database string `yaml:"database" env:"CGPT_MYSQL_DATABASE"`
}

// MongoConfig holds connection settings for the MongoDB backend.
type MongoConfig struct {
	URI            string        `yaml:"uri" env:"MONGO_URI"`
	Database       string        `yaml:"database" env:"CGPT_MONGO_DATABASE"`
	Collection     string        `yaml:"collection" env:"CGPT_MONGO_COLLECTION"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CGPT_MONGO_CONNECT_TIMEOUT"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"CGPT_LOG_LEVEL"`
	Format string `yaml:"format" env:"CGPT_LOG_FORMAT"`
	File   string `yaml:"file" env:"CGPT_LOG_FILE"`
}

// ClientConfig is used by the console commands to reach a running server.
type ClientConfig struct {
	ServerURL string        `yaml:"server_url" env:"CGPT_SERVER_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"CGPT_CLIENT_TIMEOUT"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file in the working directory is loaded first. A missing config
// file is not an error: defaults and environment variables apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = b
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and defaults,
// and returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Addr returns the listen address for the server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.BodyLimitBytes == 0 {
		c.Server.BodyLimitBytes = 2 << 20
	}

	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 60 * time.Second
	}
	if c.Proxy.MaxResponseBytes == 0 {
		c.Proxy.MaxResponseBytes = 32 << 20
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "customgpt.db"
	}
	if c.Store.MySQL.Host == "" {
		c.Store.MySQL.Host = "127.0.0.1"
	}
	if c.Store.MySQL.Port == 0 {
		c.Store.MySQL.Port = 3306
	}
	if c.Store.MySQL.User == "" {
		c.Store.MySQL.User = "root"
	}
	if c.Store.Mongo.URI == "" && c.Store.Driver == DriverMongo {
		c.Store.Mongo.URI = "mongodb://localhost:27017/customgpt"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "customgpt"
	}
	if c.Store.Mongo.Collection == "" {
		c.Store.Mongo.Collection = "chats"
	}
	if c.Store.Mongo.ConnectTimeout == 0 {
		c.Store.Mongo.ConnectTimeout = 5 * time.Second
	}
	if c.Store.HealthTimeout == 0 {
		c.Store.HealthTimeout = 5 * time.Second
	}
	if c.Store.HealthSchedule == "" {
		c.Store.HealthSchedule = "@every 30s"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Client.ServerURL = strings.TrimRight(c.Client.ServerURL, "/")
	if c.Client.Timeout == 0 {
		// Covers the proxied call plus the persistence round trips.
		c.Client.Timeout = c.Proxy.Timeout + 15*time.Second
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.BodyLimitBytes < 0 {
		errs = append(errs, "server.body_limit_bytes must be positive")
	}
	if c.Proxy.Timeout < 0 {
		errs = append(errs, "proxy.timeout must be positive")
	}
	if c.Proxy.MaxResponseBytes < 0 {
		errs = append(errs, "proxy.max_response_bytes must be positive")
	}

	switch c.Store.Driver {
	case DriverSQLite:
	case DriverMySQL:
		if c.Store.DSN == "" && c.Store.MySQL.Database == "" {
			errs = append(errs, "store.mysql.database is required for the mysql driver")
		}
	case DriverMongo:
		if c.Store.Mongo.URI == "" {
			errs = append(errs, "store.mongo.uri is required for the mongo driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, mysql, mongo", c.Store.Driver))
	}
	if _, err := cron.ParseStandard(c.Store.HealthSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("store.health_schedule: %v", err))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
