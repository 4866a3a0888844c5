package flows

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/tokens"
)

type SendCodeInput struct {
	Email      string
	Service    string
	RedirectTo string
}

type ForgotTokenResult struct {
	PasswordForgotToken string
	TTL                 time.Duration
	CodeLength          int
	Tries               int
}

type VerifyCodeInput struct {
	Code                        string
	AccountResetWithRecoveryKey bool
}

type VerifyCodeResult struct {
	AccountResetToken string
	UID               string
}

type ForgotStatusResult struct {
	Tries int
	TTL   time.Duration
}

// RunSendCode moves an account from NoToken to ForgotTokenActive: it mints a
// forgot token for a primary address and mails its pass code.
func RunSendCode(ctx context.Context, in SendCodeInput, deps Deps) (ForgotTokenResult, error) {
	fail := func(uid string, err error) (ForgotTokenResult, error) {
		deps.EmitAudit(ctx, deps.Events.ForgotSendCode, false, uid, err, func() map[string]string {
			return map[string]string{"email": in.Email}
		})
		return ForgotTokenResult{}, err
	}

	if err := deps.check(ctx, in.Email, customs.ActionPasswordForgotSendCode); err != nil {
		return fail("", err)
	}

	account, err := deps.lookupAccount(ctx, in.Email)
	if err != nil {
		return fail("", err)
	}
	if accounts.NormalizeEmail(account.PrimaryEmail) != accounts.NormalizeEmail(in.Email) {
		return fail(account.UID, deps.Errors.SecondaryEmailReset)
	}

	token, err := deps.Tokens.CreatePasswordForgotToken(ctx, tokens.Owner{
		UID:           account.UID,
		Email:         account.PrimaryEmail,
		EmailVerified: account.EmailVerified,
	})
	if err != nil {
		return fail(account.UID, deps.MapStoreError(err))
	}

	credential := token.Data.String()
	deps.sendRecoveryEmail(ctx, token, credential, in.Service, in.RedirectTo)

	deps.MetricInc(deps.Metrics.ForgotSendCode)
	deps.EmitAudit(ctx, deps.Events.ForgotSendCode, true, account.UID, nil, nil)
	return forgotResult(token, credential, deps.Now()), nil
}

// RunResendCode mails the pass code of an active forgot token again. Tries
// and the lifetime are left untouched.
func RunResendCode(ctx context.Context, credential string, in SendCodeInput, deps Deps) (ForgotTokenResult, error) {
	token, err := deps.forgotToken(ctx, credential)
	if err != nil {
		return ForgotTokenResult{}, err
	}

	now := deps.Now()
	if deps.ResendRequiresLiveToken && token.TTL(now) <= 0 {
		return ForgotTokenResult{}, deps.Errors.InvalidToken
	}

	if err := deps.check(ctx, token.Email, customs.ActionPasswordForgotResendCode); err != nil {
		deps.EmitAudit(ctx, deps.Events.ForgotResendCode, false, token.UID, err, nil)
		return ForgotTokenResult{}, err
	}

	deps.sendRecoveryEmail(ctx, token, credential, in.Service, in.RedirectTo)

	deps.MetricInc(deps.Metrics.ForgotResendCode)
	deps.EmitAudit(ctx, deps.Events.ForgotResendCode, true, token.UID, nil, nil)
	return forgotResult(token, credential, now), nil
}

// RunVerifyCode checks a pass code. A matching code on a live token swaps the
// forgot token for an account reset token; anything else burns one try.
func RunVerifyCode(ctx context.Context, credential string, in VerifyCodeInput, deps Deps) (VerifyCodeResult, error) {
	token, err := deps.forgotToken(ctx, credential)
	if err != nil {
		return VerifyCodeResult{}, err
	}

	if err := deps.check(ctx, token.Email, customs.ActionPasswordForgotVerifyCode); err != nil {
		deps.EmitAudit(ctx, deps.Events.ForgotVerify, false, token.UID, err, nil)
		return VerifyCodeResult{}, err
	}

	if !codesMatch(token.PassCode, in.Code) || token.TTL(deps.Now()) <= 0 {
		return VerifyCodeResult{}, deps.failVerifyAttempt(ctx, token)
	}

	reset, err := deps.Tokens.ForgotPasswordVerified(ctx, token)
	if err != nil {
		// A concurrent verify won the race for this token.
		mapped := deps.tokenError(err)
		deps.EmitAudit(ctx, deps.Events.ForgotVerify, false, token.UID, mapped, nil)
		return VerifyCodeResult{}, mapped
	}

	if !in.AccountResetWithRecoveryKey {
		// The recovery key path sends its notification from the account reset.
		err := deps.Mailer.SendPasswordResetEmail(ctx, notify.AccountEmail{
			To:        token.Email,
			UID:       token.UID,
			Locale:    deps.AcceptLanguage(ctx),
			IP:        deps.ClientIP(ctx),
			UserAgent: deps.UserAgent(ctx),
		})
		if err != nil {
			deps.warn("send_password_reset_email", token.UID, err)
		}
	}

	deps.MetricInc(deps.Metrics.ForgotVerifySuccess)
	deps.EmitAudit(ctx, deps.Events.ForgotVerify, true, token.UID, nil, func() map[string]string {
		if in.AccountResetWithRecoveryKey {
			return map[string]string{"recovery_key": "true"}
		}
		return nil
	})
	return VerifyCodeResult{AccountResetToken: reset.Data.String(), UID: token.UID}, nil
}

// RunForgotStatus reports the remaining tries and lifetime of a forgot token.
func RunForgotStatus(ctx context.Context, credential string, deps Deps) (ForgotStatusResult, error) {
	token, err := deps.forgotToken(ctx, credential)
	if err != nil {
		return ForgotStatusResult{}, err
	}
	return ForgotStatusResult{Tries: token.Tries, TTL: clampTTL(token.TTL(deps.Now()))}, nil
}

func (d *Deps) forgotToken(ctx context.Context, credential string) (*tokens.PasswordForgotToken, error) {
	id, err := d.bearer(tokens.KindPasswordForgot, credential)
	if err != nil {
		return nil, err
	}
	token, err := d.Tokens.PasswordForgotToken(ctx, id)
	if err != nil {
		return nil, d.tokenError(err)
	}
	return token, nil
}

// failVerifyAttempt burns one try and returns the error the client sees. The
// error carries the committed tries and ttl whether the token was updated or
// deleted.
func (d *Deps) failVerifyAttempt(ctx context.Context, token *tokens.PasswordForgotToken) error {
	updated, exhausted, err := d.Tokens.FailPasswordForgotAttempt(ctx, token.ID)
	switch {
	case errors.Is(err, tokens.ErrNotFound):
		// Deleted by a concurrent attempt or a successful verify.
		updated, exhausted = token, true
		updated.Tries = 0
	case err != nil:
		mapped := d.MapStoreError(err)
		d.EmitAudit(ctx, d.Events.ForgotVerify, false, token.UID, mapped, nil)
		return mapped
	}

	d.MetricInc(d.Metrics.ForgotVerifyFailure)
	if exhausted {
		d.MetricInc(d.Metrics.ForgotExhausted)
	}

	verr := d.Errors.InvalidVerification(updated.Tries, clampTTL(updated.TTL(d.Now())))
	d.EmitAudit(ctx, d.Events.ForgotVerify, false, token.UID, verr, func() map[string]string {
		if exhausted {
			return map[string]string{"exhausted": "true"}
		}
		return nil
	})
	return verr
}

func (d *Deps) sendRecoveryEmail(ctx context.Context, token *tokens.PasswordForgotToken, credential, service, redirectTo string) {
	err := d.Mailer.SendRecoveryEmail(ctx, notify.RecoveryEmail{
		To:         token.Email,
		UID:        token.UID,
		Code:       hex.EncodeToString(token.PassCode),
		Token:      credential,
		Service:    service,
		RedirectTo: redirectTo,
		Locale:     d.AcceptLanguage(ctx),
		IP:         d.ClientIP(ctx),
		UserAgent:  d.UserAgent(ctx),
	})
	if err != nil {
		d.warn("send_recovery_email", token.UID, err)
	}
}

func forgotResult(token *tokens.PasswordForgotToken, credential string, now time.Time) ForgotTokenResult {
	return ForgotTokenResult{
		PasswordForgotToken: credential,
		TTL:                 clampTTL(token.TTL(now)),
		CodeLength:          hex.EncodedLen(len(token.PassCode)),
		Tries:               token.Tries,
	}
}

// codesMatch compares the hex code a client sent with the stored pass code in
// constant time. Malformed input never matches.
func codesMatch(passCode []byte, code string) bool {
	supplied, err := hex.DecodeString(code)
	if err != nil || len(passCode) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(passCode, supplied) == 1
}

func clampTTL(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
