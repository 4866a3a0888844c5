package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/tokens"
)

type TOTPSetupResult struct {
	Secret string
	URI    string
}

// RunSetupTOTP enrols a new, not yet enabled, TOTP secret for the account of
// session. It is enabled by the first successful verification.
func RunSetupTOTP(ctx context.Context, session *tokens.SessionToken, deps Deps) (TOTPSetupResult, error) {
	account, err := deps.Accounts.Account(ctx, session.UID)
	if err != nil {
		return TOTPSetupResult{}, deps.MapStoreError(err)
	}

	secret, err := deps.TOTP.GenerateSecret()
	if err != nil {
		return TOTPSetupResult{}, deps.MapStoreError(err)
	}
	if err := deps.Accounts.SetTOTP(ctx, account.UID, secret, false); err != nil {
		return TOTPSetupResult{}, deps.MapStoreError(err)
	}

	deps.EmitAudit(ctx, deps.Events.TOTPSetup, true, account.UID, nil, nil)
	return TOTPSetupResult{
		Secret: secret,
		URI:    deps.TOTP.ProvisionURI(secret, account.PrimaryEmail),
	}, nil
}

// RunVerifySessionTOTP checks a TOTP code and, on success, marks the session
// verified with method totp-2fa, raising it to AAL 2.
func RunVerifySessionTOTP(ctx context.Context, session *tokens.SessionToken, code string, deps Deps) error {
	fail := func(err error) error {
		deps.EmitAudit(ctx, deps.Events.TOTPVerify, false, session.UID, err, nil)
		return err
	}

	if err := deps.checkAuthenticated(ctx, session.UID, customs.ActionVerifyTotpCode); err != nil {
		return fail(err)
	}
	account, err := deps.Accounts.Account(ctx, session.UID)
	if err != nil {
		return fail(deps.MapStoreError(err))
	}
	if account.TOTPSecret == "" {
		return fail(deps.Errors.TOTPNotConfigured)
	}

	ok, counter, err := deps.TOTP.Verify(account.TOTPSecret, code, deps.Now())
	if err != nil {
		return fail(deps.MapStoreError(err))
	}
	if !ok {
		deps.MetricInc(deps.Metrics.TOTPFailure)
		return fail(deps.Errors.InvalidTotpCode)
	}

	if deps.EnforceReplayProtection {
		if counter <= account.TOTPLastCounter {
			deps.MetricInc(deps.Metrics.TOTPFailure)
			return fail(deps.Errors.InvalidTotpCode)
		}
		// The store re-checks the counter so two racing requests cannot both
		// spend the same code.
		if err := deps.Accounts.UpdateTOTPLastUsedCounter(ctx, account.UID, counter); err != nil {
			if errors.Is(err, accounts.ErrTOTPCounterUsed) {
				deps.MetricInc(deps.Metrics.TOTPFailure)
				return fail(deps.Errors.InvalidTotpCode)
			}
			return fail(deps.MapStoreError(err))
		}
	}

	if !account.TOTPEnabled {
		if err := deps.Accounts.SetTOTP(ctx, account.UID, account.TOTPSecret, true); err != nil {
			return fail(deps.MapStoreError(err))
		}
	}
	if err := deps.Tokens.VerifyTokensWithMethod(ctx, session.ID, tokens.MethodTOTP2FA); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return fail(deps.Errors.InvalidToken)
		}
		return fail(deps.MapStoreError(err))
	}

	deps.MetricInc(deps.Metrics.TOTPSuccess)
	deps.EmitAudit(ctx, deps.Events.TOTPVerify, true, session.UID, nil, nil)
	return nil
}
