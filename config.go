package fxauth

import (
	"errors"
	"time"

	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/password"
	"github.com/MrEthical07/fxauth/tokens"
)

// Config defines every tunable of an [Engine].
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	PasswordForgot PasswordForgotConfig
	Tokens         TokensConfig
	Customs        CustomsConfig
	Password       PasswordConfig
	TOTP           TOTPConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	Notify         NotifyConfig
}

/*
====================================
PASSWORD FORGOT CONFIG
====================================
*/

// PasswordForgotConfig shapes the forgot-password token and its pass code.
type PasswordForgotConfig struct {
	Lifetime time.Duration
	MaxTries int
	// CodeBytes is the pass code size in bytes; clients see twice as many
	// hex characters.
	CodeBytes int
	// ResendRequiresLiveToken rejects resend_code for a token whose ttl has
	// run out but which the store still returned.
	ResendRequiresLiveToken bool
}

/*
====================================
TOKENS CONFIG
====================================
*/

// TokensConfig applies when the Engine builds its own token store.
type TokensConfig struct {
	RedisPrefix            string
	AccountResetLifetime   time.Duration
	PasswordChangeLifetime time.Duration
	KeyFetchLifetime       time.Duration
	SessionLifetime        time.Duration // 0 keeps sessions until deleted
}

/*
====================================
CUSTOMS CONFIG
====================================
*/

// CustomsConfig selects the customs strategy: "none", "redis" or a base URL.
type CustomsConfig struct {
	URL               string
	Timeout           time.Duration
	RedisPrefix       string
	MaxFailedAttempts int
	FailedWindow      time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig tunes the Argon2id stretch of authPW.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig tunes RFC 6238 codes.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int

	// EnforceReplayProtection rejects a code whose time step is not newer
	// than the last one accepted for the account.
	EnforceReplayProtection bool
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
NOTIFY CONFIG
====================================
*/

// NotifyConfig tunes background push delivery.
type NotifyConfig struct {
	PushTimeout     time.Duration
	PushConcurrency int
	// ShutdownTimeout bounds how long Close waits for in-flight pushes.
	ShutdownTimeout time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	tokenDefaults := tokens.DefaultOptions()
	pw := password.DefaultConfig()
	return Config{
		PasswordForgot: PasswordForgotConfig{
			Lifetime:                tokenDefaults.PasswordForgotLifetime,
			MaxTries:                tokenDefaults.PasswordForgotTries,
			CodeBytes:               tokenDefaults.PassCodeSize,
			ResendRequiresLiveToken: false,
		},
		Tokens: TokensConfig{
			RedisPrefix:            tokenDefaults.Prefix,
			AccountResetLifetime:   tokenDefaults.AccountResetLifetime,
			PasswordChangeLifetime: tokenDefaults.PasswordChangeLifetime,
			KeyFetchLifetime:       tokenDefaults.KeyFetchLifetime,
			SessionLifetime:        tokenDefaults.SessionLifetime,
		},
		Customs: CustomsConfig{
			URL:               "none",
			Timeout:           3 * time.Second,
			RedisPrefix:       "customs",
			MaxFailedAttempts: 5,
			FailedWindow:      time.Hour,
		},
		Password: PasswordConfig{
			Memory:      pw.Memory,
			Time:        pw.Time,
			Parallelism: pw.Parallelism,
			SaltLength:  pw.SaltLength,
		},
		TOTP: TOTPConfig{
			Issuer:                  "Firefox",
			Digits:                  6,
			Period:                  30,
			Algorithm:               "SHA1",
			Skew:                    1,
			EnforceReplayProtection: true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Notify: NotifyConfig{
			PushTimeout:     5 * time.Second,
			PushConcurrency: 8,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

// TokenOptions maps the forgot and token lifetimes onto store options, for
// callers that open a store themselves.
func (c Config) TokenOptions() tokens.Options {
	return tokens.Options{
		Prefix:                 c.Tokens.RedisPrefix,
		PasswordForgotLifetime: c.PasswordForgot.Lifetime,
		PasswordForgotTries:    c.PasswordForgot.MaxTries,
		PassCodeSize:           c.PasswordForgot.CodeBytes,
		AccountResetLifetime:   c.Tokens.AccountResetLifetime,
		PasswordChangeLifetime: c.Tokens.PasswordChangeLifetime,
		KeyFetchLifetime:       c.Tokens.KeyFetchLifetime,
		SessionLifetime:        c.Tokens.SessionLifetime,
	}
}

func (c Config) customsConfig() customs.Config {
	return customs.Config{
		URL:               c.Customs.URL,
		Timeout:           c.Customs.Timeout,
		RedisPrefix:       c.Customs.RedisPrefix,
		MaxFailedAttempts: c.Customs.MaxFailedAttempts,
		FailedWindow:      c.Customs.FailedWindow,
	}
}

func (c Config) passwordConfig() password.Config {
	return password.Config{
		Memory:      c.Password.Memory,
		Time:        c.Password.Time,
		Parallelism: c.Password.Parallelism,
		SaltLength:  c.Password.SaltLength,
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Password forgot
	if c.PasswordForgot.Lifetime <= 0 {
		return errors.New("PasswordForgot Lifetime must be > 0")
	}
	if c.PasswordForgot.MaxTries <= 0 || c.PasswordForgot.MaxTries > 255 {
		return errors.New("PasswordForgot MaxTries must be in 1..255")
	}
	if c.PasswordForgot.CodeBytes < 4 || c.PasswordForgot.CodeBytes > 64 {
		return errors.New("PasswordForgot CodeBytes must be in 4..64")
	}

	// Tokens
	if c.Tokens.AccountResetLifetime <= 0 {
		return errors.New("Tokens AccountResetLifetime must be > 0")
	}
	if c.Tokens.PasswordChangeLifetime <= 0 {
		return errors.New("Tokens PasswordChangeLifetime must be > 0")
	}
	if c.Tokens.KeyFetchLifetime <= 0 {
		return errors.New("Tokens KeyFetchLifetime must be > 0")
	}
	if c.Tokens.SessionLifetime < 0 {
		return errors.New("Tokens SessionLifetime must be >= 0")
	}

	// Customs
	if c.Customs.Timeout < 0 {
		return errors.New("Customs Timeout must be >= 0")
	}
	if c.Customs.URL == "redis" && c.Customs.MaxFailedAttempts <= 0 {
		return errors.New("Customs MaxFailedAttempts must be > 0 for the redis strategy")
	}

	// Password
	if err := c.passwordConfig().Validate(); err != nil {
		return err
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be in 0..3")
	}
	if _, err := hmacFunc(c.TOTP.Algorithm); err != nil {
		return err
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Notify
	if c.Notify.PushTimeout <= 0 {
		return errors.New("Notify PushTimeout must be > 0")
	}
	if c.Notify.PushConcurrency <= 0 {
		return errors.New("Notify PushConcurrency must be > 0")
	}
	if c.Notify.ShutdownTimeout < 0 {
		return errors.New("Notify ShutdownTimeout must be >= 0")
	}

	return nil
}
