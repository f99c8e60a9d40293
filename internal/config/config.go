// Package config loads TaskFlow settings from an optional YAML file, a .env
// file and TASKFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "TASKFLOW"

// Config holds all configuration for TaskFlow.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// CallbackBaseURL is the externally reachable address the backend posts
	// notifications to.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// Enabled turns the classifier off entirely; every request then runs as a
	// single unit.
	Enabled bool `mapstructure:"enabled"`
}

type DispatchConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	ClassifyTimeout  time.Duration `mapstructure:"classify_timeout"`
	DecomposeTimeout time.Duration `mapstructure:"decompose_timeout"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
}

type WatchdogConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxInFlightAge time.Duration `mapstructure:"max_in_flight_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.callback_base_url", "http://localhost:8080")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.enabled", true)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.classify_timeout", 15*time.Second)
	v.SetDefault("dispatch.decompose_timeout", 60*time.Second)
	v.SetDefault("dispatch.submit_timeout", 30*time.Second)
	v.SetDefault("watchdog.interval", time.Minute)
	v.SetDefault("watchdog.max_in_flight_age", 2*time.Hour)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. If path is empty, taskflow.yaml is looked up
// in the working directory and skipped when absent.
// Precedence (highest to lowest): environment, config file, defaults.
func Load(path string) (*Config, error) {
	// Load .env if present
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", envPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("log.level", envPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log.format", envPrefix+"_LOG_FORMAT", "LOG_FORMAT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return cfg, nil
}

// DatabaseURL returns database.url, falling back to the DB_USERNAME, DB_PASSWORD,
// DB_HOST, DB_PORT and DB_NAME variables.
func (c *Config) DatabaseURL() (string, error) {
	if c.Database.URL != "" {
		return c.Database.URL, nil
	}
	return DatabaseURLFromEnv()
}

func DatabaseURLFromEnv() (string, error) {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return "", errors.New("database.url or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName), nil
}

// Validate checks the settings needed to serve traffic.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is required (TASKFLOW_BACKEND_URL)")
	}
	if c.Dispatch.Concurrency <= 0 {
		return errors.Errorf("dispatch.concurrency must be positive, got %d", c.Dispatch.Concurrency)
	}
	return c.ValidateWatchdog()
}

// ValidateWatchdog checks only the settings the standalone watchdog needs.
func (c *Config) ValidateWatchdog() error {
	if c.Watchdog.MaxInFlightAge <= 0 {
		return errors.New("watchdog.max_in_flight_age must be positive")
	}
	if c.Watchdog.Interval <= 0 {
		return errors.New("watchdog.interval must be positive")
	}
	return nil
}
