package customs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Action tags a checked operation; per-action policies key off it.
type Action string

const (
	ActionPasswordForgotSendCode   Action = "passwordForgotSendCode"
	ActionPasswordForgotResendCode Action = "passwordForgotResendCode"
	ActionPasswordForgotVerifyCode Action = "passwordForgotVerifyCode"
	ActionPasswordChange           Action = "passwordChange"
	ActionAccountLogin             Action = "accountLogin"
	ActionAccountCreate            Action = "accountCreate"
	ActionAccountReset             Action = "accountReset"
	ActionRecoveryEmailCreate      Action = "recoveryEmailCreate"
	ActionVerifyTotpCode           Action = "verifyTotpCode"
)

// UnexpectedErrno is reported by Flag when the caller supplies no errno.
const UnexpectedErrno = 999

// ErrUnavailable is returned when the customs backend cannot give a verdict.
var ErrUnavailable = errors.New("customs unavailable")

// Request carries the request attributes customs decides on.
type Request struct {
	IP      string
	Headers map[string]string
	Query   map[string]string
	Payload map[string]any
}

// FlagInfo describes a failed attempt reported to customs.
type FlagInfo struct {
	Email string
	Errno int
}

// Result is a customs verdict.
type Result struct {
	Block       bool
	BlockReason string
	Suspect     bool
	Unblock     bool
	RetryAfter  time.Duration
}

// BlockedError is returned by checks that customs refused.
type BlockedError struct {
	Action     Action
	Reason     string
	RetryAfter time.Duration
	Unblock    bool
}

func (e *BlockedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("customs blocked %s: retry after %s", e.Action, e.RetryAfter)
	}
	return fmt.Sprintf("customs blocked %s", e.Action)
}

// Gate is the customs capability shared by every strategy.
type Gate interface {
	Check(ctx context.Context, req Request, email string, action Action) error
	CheckAuthenticated(ctx context.Context, req Request, uid string, action Action) error
	CheckIPOnly(ctx context.Context, req Request, action Action) error
	// Flag reports a failed attempt. It is best effort and never fails the caller.
	Flag(ctx context.Context, ip string, info FlagInfo)
	Reset(ctx context.Context, email string) error
	Close() error
}

// Observer receives every verdict a strategy reaches.
type Observer func(ctx context.Context, action Action, r Result)

// Config selects and tunes a strategy.
type Config struct {
	// URL is "none" (or empty) for Disabled, "redis" for Local, otherwise
	// the base URL of the customs service.
	URL     string
	Timeout time.Duration

	RedisPrefix       string
	Policies          map[Action]Policy
	MaxFailedAttempts int
	FailedWindow      time.Duration
}

type options struct {
	logger   *zap.Logger
	observer Observer
	redis    redis.UniversalClient
}

// Option configures optional collaborators of a strategy.
type Option func(*options)

// WithLogger sets the logger used for swallowed backend errors.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers a verdict observer.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithRedis supplies the client used by the Local strategy.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) observe(ctx context.Context, action Action, r Result) {
	if o.observer != nil {
		o.observer(ctx, action, r)
	}
}

// New returns the strategy selected by cfg.URL.
func New(cfg Config, opts ...Option) (Gate, error) {
	switch cfg.URL {
	case "", "none":
		return Disabled{}, nil
	case "redis":
		o := buildOptions(opts)
		if o.redis == nil {
			return nil, errors.New("customs: redis strategy requires a redis client")
		}
		return NewLocal(o.redis, cfg, opts...), nil
	default:
		return NewHTTPGate(cfg.URL, cfg.Timeout, opts...)
	}
}

func verdict(action Action, r Result) error {
	if !r.Block {
		return nil
	}
	return &BlockedError{
		Action:     action,
		Reason:     r.BlockReason,
		RetryAfter: r.RetryAfter,
		Unblock:    r.Unblock,
	}
}

var sensitivePayloadFields = []string{"authPW", "oldAuthPW", "paymentToken"}

// SanitizePayload returns a copy of payload without credential fields.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, k := range sensitivePayloadFields {
		delete(out, k)
	}
	return out
}
