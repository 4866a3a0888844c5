package fxauth

import (
	"errors"
	"time"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/internal/l10n"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/password"
	"github.com/MrEthical07/fxauth/tokens"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	tokenStore   tokens.Store
	accountStore accounts.Store
	customsGate  customs.Gate
	mailer       notify.Mailer
	pusher       notify.Pusher
	logger       *zap.Logger
	auditSink    AuditSink
	localizer    *l10n.Localizer
	now          func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
//
// The client backs the token store when none is supplied with WithTokenStore,
// and the "redis" customs strategy.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithTokenStore overrides the Redis token store, for example with a
// [tokens.BoltStore].
func (b *Builder) WithTokenStore(store tokens.Store) *Builder {
	b.tokenStore = store
	return b
}

// WithAccountStore sets the account store. It is required.
func (b *Builder) WithAccountStore(store accounts.Store) *Builder {
	b.accountStore = store
	return b
}

// WithCustoms overrides the strategy selected by Config.Customs.URL.
func (b *Builder) WithCustoms(gate customs.Gate) *Builder {
	b.customsGate = gate
	return b
}

func (b *Builder) WithMailer(m notify.Mailer) *Builder {
	b.mailer = m
	return b
}

func (b *Builder) WithPusher(p notify.Pusher) *Builder {
	b.pusher = p
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// The sink only receives events when Config.Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLocalizer(l *l10n.Localizer) *Builder {
	b.localizer = l
	return b
}

// WithClock replaces time.Now for token ttls and TOTP checks.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every collaborator.
//
// Build may return an error when the configuration is invalid or a required
// collaborator is missing.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.accountStore == nil {
		return nil, errors.New("account store required")
	}
	if b.tokenStore == nil && b.redis == nil {
		return nil, errors.New("redis client or token store required")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:   cfg,
		logger:   logger,
		now:      now,
		accounts: b.accountStore,
		metrics:  NewMetrics(cfg.Metrics),
		totp:     newTOTPManager(cfg.TOTP),
	}
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, now)

	// -------- TOKEN STORE --------
	engine.tokens = b.tokenStore
	if engine.tokens == nil {
		opts := cfg.TokenOptions()
		opts.Now = now
		engine.tokens = tokens.NewRedisStore(b.redis, opts)
	}

	// -------- CUSTOMS --------
	engine.customs = b.customsGate
	if engine.customs == nil {
		gateOpts := []customs.Option{
			customs.WithLogger(logger.Named("customs")),
			customs.WithObserver(engine.observeCustoms),
		}
		if b.redis != nil {
			gateOpts = append(gateOpts, customs.WithRedis(b.redis))
		}
		gate, err := customs.New(cfg.customsConfig(), gateOpts...)
		if err != nil {
			engine.audit.Close()
			return nil, err
		}
		engine.customs = gate
	}

	// -------- PASSWORD --------
	stretcher, err := password.NewStretcher(cfg.passwordConfig())
	if err != nil {
		engine.audit.Close()
		return nil, err
	}
	engine.stretcher = stretcher

	// -------- NOTIFY --------
	engine.mailer = b.mailer
	if engine.mailer == nil {
		engine.mailer = notify.LogMailer{Logger: logger.Named("mailer")}
	}
	engine.pusher = b.pusher
	if engine.pusher == nil {
		engine.pusher = notify.NewWebhookPusher(cfg.Notify.PushTimeout, cfg.Notify.PushConcurrency)
	}

	engine.localizer = b.localizer
	if engine.localizer == nil {
		localizer, err := l10n.New()
		if err != nil {
			engine.audit.Close()
			return nil, err
		}
		engine.localizer = localizer
	}

	engine.deps = engine.flowDeps()
	b.built = true

	return engine, nil
}
