// Package config loads worker settings from an optional YAML file overlaid by
// environment variables. Environment always wins.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	DatabaseURL         string `yaml:"database_url"`
	DB                  DB     `yaml:"db"`
	LLM                 LLM    `yaml:"llm"`
	Addr                string `yaml:"addr"`
	Log                 Log    `yaml:"log"`
	OTelStdout          bool   `yaml:"otel_stdout"`
	Notify              Notify `yaml:"notify"`
	SkipUnchanged       bool   `yaml:"skip_unchanged"`

	// SampleIntervalSeconds is how often the sensor writer logs a reading.
	// Zero leaves the interval unstated to the provider.
	SampleIntervalSeconds int `yaml:"sample_interval_seconds"`
}

// DB holds discrete Postgres settings, used when DatabaseURL is empty.
type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type LLM struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	OpenAIKey       string `yaml:"openai_api_key"`
	GoogleKey       string `yaml:"google_api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxPromptTokens int    `yaml:"max_prompt_tokens"`
	// PromptFile replaces the built-in instruction when set.
	PromptFile string `yaml:"prompt_file"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Notify struct {
	RedisAddr string `yaml:"redis_addr"`
	Topic     string `yaml:"topic"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		PollIntervalSeconds:   60,
		SampleIntervalSeconds: 10,
		DB:                    DB{Host: "localhost", Port: 5432, Name: "wellness"},
		LLM:                   LLM{Provider: "openai", TimeoutSeconds: 60},
		Addr:                  ":8000",
		Log:                   Log{Level: "info", Format: "json"},
		Notify:                Notify{Topic: "wellness.results"},
		SkipUnchanged:         true,
	}
}

// Load builds a Config from defaults, the YAML file at path (optional) and
// the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	var errs []error
	intVar := func(key string, dst *int) {
		v, err := getEnvInt(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	boolVar := func(key string, dst *bool) {
		v, err := getEnvBool(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	intVar("POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DB.Host = getEnv("DB_HOST", cfg.DB.Host)
	intVar("DB_PORT", &cfg.DB.Port)
	cfg.DB.User = getEnv("DB_USER", cfg.DB.User)
	cfg.DB.Password = getEnv("DB_PASSWORD", cfg.DB.Password)
	cfg.DB.Name = getEnv("DB_NAME", cfg.DB.Name)

	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.OpenAIKey = getEnv("OPENAI_API_KEY", cfg.LLM.OpenAIKey)
	cfg.LLM.GoogleKey = getEnv("GOOGLE_API_KEY", cfg.LLM.GoogleKey)
	intVar("LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds)
	intVar("MAX_PROMPT_TOKENS", &cfg.LLM.MaxPromptTokens)
	intVar("SAMPLE_INTERVAL_SECONDS", &cfg.SampleIntervalSeconds)
	cfg.LLM.PromptFile = getEnv("WELLNESS_PROMPT_FILE", cfg.LLM.PromptFile)

	cfg.Addr = getEnv("WELLNESS_ADDR", cfg.Addr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	boolVar("OTEL_STDOUT", &cfg.OTelStdout)
	cfg.Notify.RedisAddr = getEnv("NOTIFY_REDIS_ADDR", cfg.Notify.RedisAddr)
	cfg.Notify.Topic = getEnv("NOTIFY_TOPIC", cfg.Notify.Topic)
	boolVar("SKIP_UNCHANGED", &cfg.SkipUnchanged)
	return errors.Join(errs...)
}

// Validate reports settings the worker cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %d", c.PollIntervalSeconds))
	}
	if c.LLM.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("llm timeout must be positive, got %d", c.LLM.TimeoutSeconds))
	}
	if c.SampleIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("sample interval must not be negative, got %d", c.SampleIntervalSeconds))
	}
	if c.LLM.MaxPromptTokens < 0 {
		errs = append(errs, errors.New("max prompt tokens must not be negative"))
	}
	if strings.TrimSpace(c.LLM.Provider) == "" {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if c.DatabaseURL == "" && (c.DB.Port <= 0 || c.DB.Port > 65535) {
		errs = append(errs, fmt.Errorf("db port out of range: %d", c.DB.Port))
	}
	return errors.Join(errs...)
}

// PollInterval is the delay between cycles.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SampleInterval is the sensor logging interval, zero when unknown.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSeconds) * time.Second
}

// LLMTimeout bounds one provider call.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// DSN returns DatabaseURL or a postgres URL composed from the DB settings.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port)),
		Path:   "/" + c.DB.Name,
	}
	switch {
	case c.DB.User != "" && c.DB.Password != "":
		u.User = url.UserPassword(c.DB.User, c.DB.Password)
	case c.DB.User != "":
		u.User = url.User(c.DB.User)
	}
	return u.String()
}

// APIKey returns the key matching the configured provider.
func (c Config) APIKey() string {
	switch strings.ToLower(c.LLM.Provider) {
	case "gemini":
		return c.LLM.GoogleKey
	case "openai":
		return c.LLM.OpenAIKey
	default:
		return ""
	}
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}
