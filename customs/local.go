package customs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Policy bounds how often an action may be attempted inside Window. A zero
// limit disables that dimension.
type Policy struct {
	PerEmail int
	PerIP    int
	PerUID   int
	Window   time.Duration
	// Unblock marks blocks the user may lift with an unblock code.
	Unblock bool
}

// DefaultPolicies returns the limits applied when none are configured.
func DefaultPolicies() map[Action]Policy {
	window := 15 * time.Minute
	return map[Action]Policy{
		ActionPasswordForgotSendCode:   {PerEmail: 3, PerIP: 30, Window: window},
		ActionPasswordForgotResendCode: {PerEmail: 3, PerIP: 30, Window: window},
		ActionPasswordForgotVerifyCode: {PerEmail: 10, PerIP: 50, Window: window},
		ActionPasswordChange:           {PerEmail: 5, PerIP: 50, Window: window},
		ActionAccountLogin:             {PerEmail: 10, PerIP: 100, Window: window, Unblock: true},
		ActionAccountCreate:            {PerIP: 10, Window: window},
		ActionAccountReset:             {PerUID: 5, PerIP: 50, Window: window},
		ActionRecoveryEmailCreate:      {PerUID: 5, Window: window},
		ActionVerifyTotpCode:           {PerUID: 10, Window: window},
	}
}

// failureGatedActions are refused once too many failed attempts were flagged.
var failureGatedActions = map[Action]bool{
	ActionAccountLogin:   true,
	ActionPasswordChange: true,
}

// Local is a self-contained customs strategy built on Redis fixed-window
// counters. Each check counts as one attempt.
type Local struct {
	redis        redis.UniversalClient
	prefix       string
	policies     map[Action]Policy
	maxFailed    int
	failedTTL    time.Duration
	opts         options
	emailActions []Action
}

var _ Gate = (*Local)(nil)

// NewLocal creates a [Local] strategy.
func NewLocal(client redis.UniversalClient, cfg Config, opts ...Option) *Local {
	policies := cfg.Policies
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "customs"
	}
	maxFailed := cfg.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = 5
	}
	failedTTL := cfg.FailedWindow
	if failedTTL <= 0 {
		failedTTL = time.Hour
	}

	l := &Local{
		redis:     client,
		prefix:    prefix,
		policies:  policies,
		maxFailed: maxFailed,
		failedTTL: failedTTL,
		opts:      buildOptions(opts),
	}
	for action, p := range policies {
		if p.PerEmail > 0 {
			l.emailActions = append(l.emailActions, action)
		}
	}
	return l
}

func (l *Local) counterKey(action Action, dim, value string) string {
	return l.prefix + ":" + string(action) + ":" + dim + ":" + strings.ToLower(value)
}

func (l *Local) failedKey(dim, value string) string {
	return l.prefix + ":failed:" + dim + ":" + strings.ToLower(value)
}

func (l *Local) Check(ctx context.Context, req Request, email string, action Action) error {
	return l.evaluate(ctx, action, map[string]string{"email": email, "ip": req.IP})
}

func (l *Local) CheckAuthenticated(ctx context.Context, req Request, uid string, action Action) error {
	return l.evaluate(ctx, action, map[string]string{"uid": uid, "ip": req.IP})
}

func (l *Local) CheckIPOnly(ctx context.Context, req Request, action Action) error {
	return l.evaluate(ctx, action, map[string]string{"ip": req.IP})
}

func (l *Local) evaluate(ctx context.Context, action Action, dims map[string]string) error {
	r := Result{}

	if failureGatedActions[action] {
		for _, dim := range []string{"email", "ip"} {
			value := dims[dim]
			if value == "" {
				continue
			}
			blocked, retry, err := l.over(ctx, l.failedKey(dim, value), l.maxFailed)
			if err != nil {
				return err
			}
			if blocked {
				r = Result{Block: true, BlockReason: "too_many_failed_attempts", Unblock: true, RetryAfter: retry}
				break
			}
		}
	}

	if p, ok := l.policies[action]; ok && !r.Block {
		limits := map[string]int{"email": p.PerEmail, "ip": p.PerIP, "uid": p.PerUID}
		for _, dim := range []string{"email", "uid", "ip"} {
			value, limit := dims[dim], limits[dim]
			if value == "" || limit <= 0 {
				continue
			}
			count, err := l.incrementWithTTL(ctx, l.counterKey(action, dim, value), p.Window)
			if err != nil {
				return err
			}
			if count > int64(limit) {
				retry, err := l.retryAfter(ctx, l.counterKey(action, dim, value))
				if err != nil {
					return err
				}
				r = Result{Block: true, BlockReason: "rate_limited", Unblock: p.Unblock, RetryAfter: retry}
				break
			}
		}
	}

	l.opts.observe(ctx, action, r)
	return verdict(action, r)
}

func (l *Local) Flag(ctx context.Context, ip string, info FlagInfo) {
	for dim, value := range map[string]string{"email": info.Email, "ip": ip} {
		if value == "" {
			continue
		}
		if _, err := l.incrementWithTTL(ctx, l.failedKey(dim, value), l.failedTTL); err != nil {
			l.opts.logger.Warn("customs flag failed", zap.String("dimension", dim), zap.Error(err))
		}
	}
}

// Reset clears every email-keyed counter, as after a successful password reset.
func (l *Local) Reset(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	keys := []string{l.failedKey("email", email)}
	for _, action := range l.emailActions {
		keys = append(keys, l.counterKey(action, "email", email))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *Local) Close() error { return nil }

func (l *Local) over(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < int64(limit) {
		return false, 0, nil
	}
	retry, err := l.retryAfter(ctx, key)
	return true, retry, err
}

func (l *Local) retryAfter(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *Local) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Fixed window: the first hit opens it.
	if count == 1 {
		if err := l.redis.PExpire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}
