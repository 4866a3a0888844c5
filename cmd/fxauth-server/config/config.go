// Package config loads the fxauth-server configuration: a JSON file first,
// then FXAUTH_* environment overrides, then validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"

	"github.com/MrEthical07/fxauth"
	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/notify"
)

const (
	TokenStoreRedis = "redis"
	TokenStoreBolt  = "bolt"
)

// Duration accepts "90s" style strings in JSON and in the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Listen          string   `json:"listen" env:"LISTEN"`
	ShutdownTimeout Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	PurgeSchedule   string   `json:"purge_schedule" env:"PURGE_SCHEDULE"`

	Log            LogConfig            `json:"log" envPrefix:"LOG_"`
	Redis          RedisConfig          `json:"redis" envPrefix:"REDIS_"`
	TokenStore     TokenStoreConfig     `json:"token_store" envPrefix:"TOKEN_STORE_"`
	Database       DatabaseConfig       `json:"database" envPrefix:"DB_"`
	Customs        CustomsConfig        `json:"customs" envPrefix:"CUSTOMS_"`
	SMTP           SMTPConfig           `json:"smtp" envPrefix:"SMTP_"`
	PasswordForgot PasswordForgotConfig `json:"password_forgot" envPrefix:"PASSWORD_FORGOT_"`
	Metrics        MetricsConfig        `json:"metrics" envPrefix:"METRICS_"`
	Audit          AuditConfig          `json:"audit" envPrefix:"AUDIT_"`
}

type LogConfig struct {
	Level       string `json:"level" env:"LEVEL"`
	Development bool   `json:"development" env:"DEVELOPMENT"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"ADDR"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
}

type TokenStoreConfig struct {
	Type     string `json:"type" env:"TYPE"`
	BoltPath string `json:"bolt_path" env:"BOLT_PATH"`
}

type DatabaseConfig struct {
	Driver string `json:"driver" env:"DRIVER"`
	DSN    string `json:"dsn" env:"DSN"`
}

type CustomsConfig struct {
	// URL is "none", "redis" or the customs service base URL.
	URL     string   `json:"url" env:"URL"`
	Timeout Duration `json:"timeout" env:"TIMEOUT"`
}

// SMTPConfig leaves Host empty to log emails instead of sending them.
type SMTPConfig struct {
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	From     string `json:"from" env:"FROM"`
	LinkBase string `json:"link_base" env:"LINK_BASE"`
}

type PasswordForgotConfig struct {
	Lifetime Duration `json:"lifetime" env:"LIFETIME"`
	MaxTries int      `json:"max_tries" env:"MAX_TRIES"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
	OTel    bool   `json:"otel" env:"OTEL"`
}

type AuditConfig struct {
	Enabled bool `json:"enabled" env:"ENABLED"`
}

// Default returns a config that runs against a local redis and sqlite file.
func Default() Config {
	return Config{
		Listen:          ":9000",
		ShutdownTimeout: Duration(15 * time.Second),
		PurgeSchedule:   "*/15 * * * *",
		Log:             LogConfig{Level: "info"},
		Redis:           RedisConfig{Addr: "127.0.0.1:6379"},
		TokenStore:      TokenStoreConfig{Type: TokenStoreRedis},
		Database:        DatabaseConfig{Driver: accounts.DriverSQLite, DSN: "fxauth.db"},
		Customs:         CustomsConfig{URL: "none", Timeout: Duration(3 * time.Second)},
		Metrics:         MetricsConfig{Path: "/metrics"},
	}
}

// Load reads path (when non-empty) over [Default], applies FXAUTH_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		dec := json.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "FXAUTH_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	switch c.TokenStore.Type {
	case TokenStoreRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis token store")
		}
	case TokenStoreBolt:
		if c.TokenStore.BoltPath == "" {
			return errors.New("token_store.bolt_path is required for the bolt token store")
		}
	default:
		return fmt.Errorf("token_store.type must be %s or %s", TokenStoreRedis, TokenStoreBolt)
	}
	if c.Customs.URL == "redis" && c.Redis.Addr == "" {
		return errors.New("redis.addr is required for the redis customs strategy")
	}
	switch c.Database.Driver {
	case accounts.DriverSQLite, accounts.DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %s or %s", accounts.DriverSQLite, accounts.DriverPostgres)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(c.PurgeSchedule); err != nil {
			return fmt.Errorf("purge_schedule: %w", err)
		}
	}
	if c.SMTP.Host != "" {
		if err := c.SMTPMailerConfig().Validate(); err != nil {
			return err
		}
	}
	engineCfg := c.Engine()
	return engineCfg.Validate()
}

// Engine maps the server settings onto the engine defaults.
func (c *Config) Engine() fxauth.Config {
	cfg := fxauth.DefaultConfig()
	cfg.Customs.URL = c.Customs.URL
	if c.Customs.Timeout > 0 {
		cfg.Customs.Timeout = time.Duration(c.Customs.Timeout)
	}
	if c.PasswordForgot.Lifetime > 0 {
		cfg.PasswordForgot.Lifetime = time.Duration(c.PasswordForgot.Lifetime)
	}
	if c.PasswordForgot.MaxTries > 0 {
		cfg.PasswordForgot.MaxTries = c.PasswordForgot.MaxTries
	}
	cfg.Audit.Enabled = c.Audit.Enabled
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Enabled
	if c.ShutdownTimeout > 0 {
		cfg.Notify.ShutdownTimeout = time.Duration(c.ShutdownTimeout)
	}
	return cfg
}

func (c *Config) SMTPMailerConfig() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		LinkBase: c.SMTP.LinkBase,
	}
}
