package tokens

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a token does not exist, was consumed or expired.
	ErrNotFound = errors.New("token not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("token store unavailable")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("token record corrupt")
)

// Store persists tokens. Every method is safe for concurrent use and every
// mutation is atomic per token.
type Store interface {
	CreatePasswordForgotToken(ctx context.Context, owner Owner) (*PasswordForgotToken, error)
	PasswordForgotToken(ctx context.Context, id string) (*PasswordForgotToken, error)
	UpdatePasswordForgotToken(ctx context.Context, t *PasswordForgotToken) error
	DeletePasswordForgotToken(ctx context.Context, t *PasswordForgotToken) error
	// FailPasswordForgotAttempt consumes one try of the stored token and
	// deletes it once exhausted. The returned token reflects the committed state.
	FailPasswordForgotAttempt(ctx context.Context, id string) (*PasswordForgotToken, bool, error)
	// ForgotPasswordVerified deletes the forgot token and mints an account reset
	// token in one step. It returns ErrNotFound if the forgot token is gone.
	ForgotPasswordVerified(ctx context.Context, t *PasswordForgotToken) (*AccountResetToken, error)

	AccountResetToken(ctx context.Context, id string) (*AccountResetToken, error)
	ConsumeAccountResetToken(ctx context.Context, id string) (*AccountResetToken, error)

	CreatePasswordChangeToken(ctx context.Context, owner Owner) (*PasswordChangeToken, error)
	PasswordChangeToken(ctx context.Context, id string) (*PasswordChangeToken, error)
	DeletePasswordChangeToken(ctx context.Context, t *PasswordChangeToken) error

	CreateSessionToken(ctx context.Context, opts SessionOptions) (*SessionToken, error)
	SessionToken(ctx context.Context, id string) (*SessionToken, error)
	VerifyTokensWithMethod(ctx context.Context, id string, method VerificationMethod) error

	CreateKeyFetchToken(ctx context.Context, opts KeyFetchOptions) (*KeyFetchToken, error)
	// KeyFetchToken returns and deletes the token.
	KeyFetchToken(ctx context.Context, id string) (*KeyFetchToken, error)

	DeleteAllForUser(ctx context.Context, uid string) error
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

// Options tunes token lifetimes and the pass code shape.
type Options struct {
	Prefix string

	PasswordForgotLifetime time.Duration
	PasswordForgotTries    int
	PassCodeSize           int

	AccountResetLifetime   time.Duration
	PasswordChangeLifetime time.Duration
	KeyFetchLifetime       time.Duration
	// SessionLifetime of zero keeps sessions until they are deleted.
	SessionLifetime time.Duration

	Now func() time.Time
}

// DefaultOptions returns the lifetimes used by the account server.
func DefaultOptions() Options {
	return Options{
		Prefix:                 "fxa",
		PasswordForgotLifetime: 60 * time.Minute,
		PasswordForgotTries:    3,
		PassCodeSize:           16,
		AccountResetLifetime:   15 * time.Minute,
		PasswordChangeLifetime: 15 * time.Minute,
		KeyFetchLifetime:       5 * time.Minute,
		SessionLifetime:        28 * 24 * time.Hour,
		Now:                    time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Prefix == "" {
		o.Prefix = d.Prefix
	}
	if o.PasswordForgotLifetime <= 0 {
		o.PasswordForgotLifetime = d.PasswordForgotLifetime
	}
	if o.PasswordForgotTries <= 0 {
		o.PasswordForgotTries = d.PasswordForgotTries
	}
	if o.PassCodeSize <= 0 {
		o.PassCodeSize = d.PassCodeSize
	}
	if o.AccountResetLifetime <= 0 {
		o.AccountResetLifetime = d.AccountResetLifetime
	}
	if o.PasswordChangeLifetime <= 0 {
		o.PasswordChangeLifetime = d.PasswordChangeLifetime
	}
	if o.KeyFetchLifetime <= 0 {
		o.KeyFetchLifetime = d.KeyFetchLifetime
	}
	if o.SessionLifetime < 0 {
		o.SessionLifetime = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// factory builds fresh token values; both backends share it so records look
// the same regardless of where they are stored.
type factory struct {
	opts Options
}

func (f factory) now() time.Time {
	return f.opts.Now().UTC().Truncate(time.Millisecond)
}

func (f factory) passwordForgot(owner Owner) (*PasswordForgotToken, error) {
	d, id, err := mint(KindPasswordForgot)
	if err != nil {
		return nil, err
	}
	code, err := newPassCode(f.opts.PassCodeSize)
	if err != nil {
		return nil, err
	}
	return &PasswordForgotToken{
		ID:        id,
		Data:      d,
		UID:       owner.UID,
		Email:     owner.Email,
		PassCode:  code,
		Tries:     f.opts.PasswordForgotTries,
		CreatedAt: f.now(),
		Lifetime:  f.opts.PasswordForgotLifetime,
	}, nil
}

func (f factory) accountReset(uid string) (*AccountResetToken, error) {
	d, id, err := mint(KindAccountReset)
	if err != nil {
		return nil, err
	}
	return &AccountResetToken{
		ID:        id,
		Data:      d,
		UID:       uid,
		CreatedAt: f.now(),
		Lifetime:  f.opts.AccountResetLifetime,
	}, nil
}

func (f factory) passwordChange(owner Owner) (*PasswordChangeToken, error) {
	d, id, err := mint(KindPasswordChange)
	if err != nil {
		return nil, err
	}
	return &PasswordChangeToken{
		ID:        id,
		Data:      d,
		UID:       owner.UID,
		CreatedAt: f.now(),
		Lifetime:  f.opts.PasswordChangeLifetime,
	}, nil
}

func (f factory) session(opts SessionOptions) (*SessionToken, error) {
	d, id, err := mint(KindSession)
	if err != nil {
		return nil, err
	}
	now := f.now()
	return &SessionToken{
		ID:                 id,
		Data:               d,
		UID:                opts.UID,
		Email:              opts.Email,
		EmailVerified:      opts.EmailVerified,
		TokenVerified:      opts.TokenVerified,
		VerificationMethod: opts.VerificationMethod,
		DeviceID:           opts.DeviceID,
		UserAgent:          opts.UserAgent,
		CreatedAt:          now,
		LastAuthAt:         now,
		Lifetime:           f.opts.SessionLifetime,
	}, nil
}

func (f factory) keyFetch(opts KeyFetchOptions) (*KeyFetchToken, error) {
	d, id, err := mint(KindKeyFetch)
	if err != nil {
		return nil, err
	}
	bundle := make([]byte, len(opts.KeyBundle))
	copy(bundle, opts.KeyBundle)
	return &KeyFetchToken{
		ID:            id,
		Data:          d,
		UID:           opts.UID,
		KeyBundle:     bundle,
		EmailVerified: opts.EmailVerified,
		CreatedAt:     f.now(),
		Lifetime:      f.opts.KeyFetchLifetime,
	}, nil
}

// expired reports whether a record created at createdAt with the given
// lifetime has no time left. The window is half-open, so a record is gone at
// exactly createdAt+lifetime. A zero lifetime never expires.
func expired(now, createdAt time.Time, lifetime time.Duration) bool {
	if lifetime <= 0 {
		return false
	}
	return !now.Before(createdAt.Add(lifetime))
}
