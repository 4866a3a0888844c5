package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/password"
	"github.com/MrEthical07/fxauth/tokens"
	"go.uber.org/zap"
)

// Errnos reported to customs when flagging a failed attempt.
const (
	errnoUnknownAccount    = 102
	errnoIncorrectPassword = 103
)

// Metrics maps flow outcomes to engine metric ids.
type Metrics struct {
	ForgotSendCode        int
	ForgotResendCode      int
	ForgotVerifySuccess   int
	ForgotVerifyFailure   int
	ForgotExhausted       int
	AccountReset          int
	PasswordChangeStart   int
	PasswordChangeFinish  int
	PasswordIncorrect     int
	AccountCreated        int
	SignInSuccess         int
	SignInFailure         int
	SessionCreated        int
	SessionsInvalidated   int
	TOTPSuccess           int
	TOTPFailure           int
	NotificationFailure   int
	SecondaryEmailCreated int
	CustomsLatency        int
}

// Events names the audit events emitted by flows.
type Events struct {
	ForgotSendCode   string
	ForgotResendCode string
	ForgotVerify     string
	AccountReset     string
	PasswordChange   string
	AccountCreate    string
	SignIn           string
	TOTPSetup        string
	TOTPVerify       string
	SecondaryEmail   string
}

// Errors is the set of terminal errors flows raise. The engine supplies its
// wire errors here.
type Errors struct {
	UnknownAccount      error
	IncorrectPassword   error
	InvalidToken        error
	InvalidParameter    error
	UnverifiedSession   error
	SecondaryEmailReset error
	AccountExists       error
	EmailTaken          error
	InvalidTotpCode     error
	TOTPNotConfigured   error
	InvalidVerification func(tries int, ttl time.Duration) error
}

// TOTP verifies time-based one-time codes.
type TOTP interface {
	GenerateSecret() (secret string, err error)
	ProvisionURI(secret, account string) string
	Verify(secret, code string, now time.Time) (ok bool, counter int64, err error)
}

// Deps groups everything a flow may touch. The root engine builds this once
// and delegates request methods to the matching flow implementation.
type Deps struct {
	Tokens   tokens.Store
	Accounts accounts.Store
	Customs  customs.Gate
	Mailer   notify.Mailer
	Pusher   notify.Pusher
	Password *password.Stretcher
	TOTP     TOTP
	Logger   *zap.Logger

	ResendRequiresLiveToken bool
	EnforceReplayProtection bool

	Now             func() time.Time
	CustomsRequest  func(context.Context) customs.Request
	ClientIP        func(context.Context) string
	UserAgent       func(context.Context) string
	AcceptLanguage  func(context.Context) string
	MapCustomsError func(context.Context, customs.Action, error) error
	MapStoreError   func(error) error
	MetricInc       func(int)
	Observe         func(int, time.Duration)
	EmitAudit       func(ctx context.Context, event string, success bool, uid string, err error, metadata func() map[string]string)
	Background      func(func(context.Context))

	Metrics Metrics
	Events  Events
	Errors  Errors
}

func (d *Deps) check(ctx context.Context, email string, action customs.Action) error {
	start := time.Now()
	err := d.Customs.Check(ctx, d.CustomsRequest(ctx), email, action)
	d.Observe(d.Metrics.CustomsLatency, time.Since(start))
	if err != nil {
		return d.MapCustomsError(ctx, action, err)
	}
	return nil
}

func (d *Deps) checkAuthenticated(ctx context.Context, uid string, action customs.Action) error {
	start := time.Now()
	err := d.Customs.CheckAuthenticated(ctx, d.CustomsRequest(ctx), uid, action)
	d.Observe(d.Metrics.CustomsLatency, time.Since(start))
	if err != nil {
		return d.MapCustomsError(ctx, action, err)
	}
	return nil
}

func (d *Deps) flag(ctx context.Context, email string, errno int) {
	d.Customs.Flag(ctx, d.ClientIP(ctx), customs.FlagInfo{Email: email, Errno: errno})
}

// lookupAccount loads the account owning email. An unknown address is flagged
// with customs before the error is returned.
func (d *Deps) lookupAccount(ctx context.Context, email string) (*accounts.Account, error) {
	account, err := d.Accounts.AccountRecord(ctx, email)
	if err != nil {
		if errors.Is(err, accounts.ErrUnknownAccount) {
			d.flag(ctx, email, errnoUnknownAccount)
			return nil, d.Errors.UnknownAccount
		}
		return nil, d.MapStoreError(err)
	}
	return account, nil
}

// warn logs a swallowed side-effect failure.
func (d *Deps) warn(op, uid string, err error) {
	d.MetricInc(d.Metrics.NotificationFailure)
	d.Logger.Warn("notification failed",
		zap.String("op", op),
		zap.String("uid", uid),
		zap.Error(err),
	)
}

// bearer resolves a hex credential into the stored id of kind.
func (d *Deps) bearer(kind tokens.Kind, credential string) (string, error) {
	id, err := tokens.IDFromBearer(kind, credential)
	if err != nil {
		return "", d.Errors.InvalidToken
	}
	return id, nil
}

// tokenError maps a token lookup failure. A missing token is an invalid
// credential; everything else goes through the store mapping.
func (d *Deps) tokenError(err error) error {
	if errors.Is(err, tokens.ErrNotFound) {
		return d.Errors.InvalidToken
	}
	return d.MapStoreError(err)
}
