package fxauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/internal/flows"
	"github.com/MrEthical07/fxauth/internal/l10n"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/password"
	"github.com/MrEthical07/fxauth/tokens"
	"go.uber.org/zap"
)

// Engine runs the account flows: password forgot and reset, password change,
// sign-in and second factor. Build one with [New].
//
// Engine methods are safe for concurrent use.
type Engine struct {
	config    Config
	logger    *zap.Logger
	now       func() time.Time
	tokens    tokens.Store
	accounts  accounts.Store
	customs   customs.Gate
	mailer    notify.Mailer
	pusher    notify.Pusher
	stretcher *password.Stretcher
	totp      *totpManager
	localizer *l10n.Localizer
	audit     *auditDispatcher
	metrics   *Metrics
	deps      flows.Deps

	bgMu     sync.Mutex
	bgWG     sync.WaitGroup
	bgClosed bool
	bgCtx    context.Context
	bgCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Close describes the close operation and its observable behavior.
//
// Close waits up to Notify.ShutdownTimeout for background pushes, cancels
// whatever is still running, then releases the audit dispatcher, customs
// and both stores. Later calls return the first result.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.drainBackground()
		e.audit.Close()

		var errs []error
		if err := e.customs.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.tokens.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.accounts.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// AuditDropped returns how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of every counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Metrics exposes the counters to exporters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// PurgeExpired removes expired tokens from stores without native expiry and
// prunes stale index entries from those with it.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	n, err := e.tokens.PurgeExpired(ctx)
	if err != nil {
		return n, e.mapStoreError(err)
	}
	return n, nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

/*
====================================
FLOW WIRING
====================================
*/

func (e *Engine) flowDeps() flows.Deps {
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())

	return flows.Deps{
		Tokens:   e.tokens,
		Accounts: e.accounts,
		Customs:  e.customs,
		Mailer:   e.mailer,
		Pusher:   e.pusher,
		Password: e.stretcher,
		TOTP:     e.totp,
		Logger:   e.logger,

		ResendRequiresLiveToken: e.config.PasswordForgot.ResendRequiresLiveToken,
		EnforceReplayProtection: e.config.TOTP.EnforceReplayProtection,

		Now:            e.now,
		CustomsRequest: customsRequestFromContext,
		ClientIP:       clientIPFromContext,
		UserAgent:      userAgentFromContext,
		AcceptLanguage: func(ctx context.Context) string {
			return e.localizer.Language(acceptLanguageFromContext(ctx))
		},
		MapCustomsError: e.mapCustomsError,
		MapStoreError:   e.mapStoreError,
		MetricInc:       func(id int) { e.metricInc(MetricID(id)) },
		Observe:         func(id int, d time.Duration) { e.metrics.Observe(MetricID(id), d) },
		EmitAudit:       e.emitAudit,
		Background:      e.background,

		Metrics: flows.Metrics{
			ForgotSendCode:        int(MetricForgotSendCode),
			ForgotResendCode:      int(MetricForgotResendCode),
			ForgotVerifySuccess:   int(MetricForgotVerifySuccess),
			ForgotVerifyFailure:   int(MetricForgotVerifyFailure),
			ForgotExhausted:       int(MetricForgotExhausted),
			AccountReset:          int(MetricAccountReset),
			PasswordChangeStart:   int(MetricPasswordChangeStart),
			PasswordChangeFinish:  int(MetricPasswordChangeFinish),
			PasswordIncorrect:     int(MetricPasswordIncorrect),
			AccountCreated:        int(MetricAccountCreated),
			SignInSuccess:         int(MetricSignInSuccess),
			SignInFailure:         int(MetricSignInFailure),
			SessionCreated:        int(MetricSessionCreated),
			SessionsInvalidated:   int(MetricSessionsInvalidated),
			TOTPSuccess:           int(MetricTOTPSuccess),
			TOTPFailure:           int(MetricTOTPFailure),
			NotificationFailure:   int(MetricNotificationFailure),
			SecondaryEmailCreated: int(MetricSecondaryEmailCreated),
			CustomsLatency:        int(MetricCustomsLatency),
		},
		Events: flows.Events{
			ForgotSendCode:   auditEventForgotSendCode,
			ForgotResendCode: auditEventForgotResendCode,
			ForgotVerify:     auditEventForgotVerifyCode,
			AccountReset:     auditEventAccountReset,
			PasswordChange:   auditEventPasswordChange,
			AccountCreate:    auditEventAccountCreate,
			SignIn:           auditEventSignIn,
			TOTPSetup:        auditEventTOTPSetup,
			TOTPVerify:       auditEventTOTPVerify,
			SecondaryEmail:   auditEventSecondaryEmail,
		},
		Errors: flows.Errors{
			UnknownAccount:      ErrUnknownAccount,
			IncorrectPassword:   ErrIncorrectPassword,
			InvalidToken:        ErrInvalidToken,
			InvalidParameter:    ErrInvalidParameter,
			UnverifiedSession:   ErrUnverifiedSession,
			SecondaryEmailReset: ErrCannotResetPasswordWithSecondaryEmail,
			AccountExists:       ErrAccountExists,
			EmailTaken:          ErrEmailTaken,
			InvalidTotpCode:     ErrInvalidTotpCode,
			TOTPNotConfigured:   ErrTotpTokenNotFound,
			InvalidVerification: func(tries int, ttl time.Duration) error {
				return InvalidVerificationCode(tries, ttl)
			},
		},
	}
}

// background runs fn on a tracked goroutine. After Close starts, new work is
// dropped.
func (e *Engine) background(fn func(context.Context)) {
	e.bgMu.Lock()
	if e.bgClosed {
		e.bgMu.Unlock()
		e.logger.Warn("background task dropped after close")
		return
	}
	e.bgWG.Add(1)
	e.bgMu.Unlock()

	go func() {
		defer e.bgWG.Done()
		fn(e.bgCtx)
	}()
}

func (e *Engine) drainBackground() {
	e.bgMu.Lock()
	e.bgClosed = true
	e.bgMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.bgWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.config.Notify.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("background tasks still running at shutdown; cancelling")
		e.bgCancel()
		<-done
	}
	e.bgCancel()
}

/*
====================================
ERROR MAPPING
====================================
*/

// mapCustomsError turns a customs refusal into its wire error. A block with
// a retry window is a 429 with a localized hint; one without is errno 125.
func (e *Engine) mapCustomsError(ctx context.Context, action customs.Action, err error) error {
	var blocked *customs.BlockedError
	if errors.As(err, &blocked) {
		e.metricInc(MetricCustomsBlocked)
		e.emitAudit(ctx, auditEventCustomsBlocked, false, "", nil, func() map[string]string {
			return map[string]string{
				"action": string(action),
				"reason": blocked.Reason,
			}
		})
		if blocked.RetryAfter > 0 {
			localized := e.localizer.RetryAfter(acceptLanguageFromContext(ctx), blocked.RetryAfter)
			return TooManyRequests(blocked.RetryAfter, localized, blocked.Unblock)
		}
		return RequestBlocked(blocked.Unblock)
	}

	if errors.Is(err, customs.ErrUnavailable) || isTimeout(err) {
		e.metricInc(MetricCustomsUnavailable)
		e.emitAudit(ctx, auditEventCustomsUnavailable, false, "", err, func() map[string]string {
			return map[string]string{"action": string(action)}
		})
		return ServiceUnavailable(err)
	}
	return e.mapStoreError(err)
}

// mapStoreError classifies backend failures. Wire errors pass through.
func (e *Engine) mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, tokens.ErrUnavailable),
		errors.Is(err, customs.ErrUnavailable),
		isTimeout(err):
		return ServiceUnavailable(err)
	case errors.Is(err, tokens.ErrNotFound):
		return ErrInvalidToken
	case errors.Is(err, accounts.ErrUnknownAccount):
		return ErrUnknownAccount
	case errors.Is(err, password.ErrInvalidKeySize):
		return InvalidParameter("key material must be 32 bytes")
	}

	e.logger.Error("unexpected backend error", zap.Error(err))
	return Unexpected(err)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// observeCustoms receives every verdict. Suspect verdicts are counted and
// audited even when the request is allowed.
func (e *Engine) observeCustoms(ctx context.Context, action customs.Action, r customs.Result) {
	if !r.Suspect {
		return
	}
	e.metricInc(MetricCustomsSuspect)
	e.emitAudit(ctx, auditEventCustomsSuspect, !r.Block, "", nil, func() map[string]string {
		return map[string]string{"action": string(action)}
	})
}
