package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/password"
	"github.com/MrEthical07/fxauth/tokens"
	"go.uber.org/zap"
)

type ResetAccountInput struct {
	AuthPW []byte
	// WrapKb is kept when supplied (recovery key path); otherwise a fresh
	// one is generated and the old class-B keys are lost.
	WrapKb           []byte
	Keys             bool
	SessionToken     bool
	SendNotification bool
}

// SessionResult is the session a flow hands back to the client.
type SessionResult struct {
	UID           string
	SessionToken  string
	Verified      bool
	AuthAt        time.Time
	KeyFetchToken string
}

// RunResetAccount consumes an account reset token and installs new password
// material. Every token of the account is invalidated.
func RunResetAccount(ctx context.Context, credential string, in ResetAccountInput, deps Deps) (SessionResult, error) {
	if !validKey(in.AuthPW) || (in.WrapKb != nil && !validKey(in.WrapKb)) {
		return SessionResult{}, deps.Errors.InvalidParameter
	}
	id, err := deps.bearer(tokens.KindAccountReset, credential)
	if err != nil {
		return SessionResult{}, err
	}

	// Peek first so a customs block does not burn the token.
	pending, err := deps.Tokens.AccountResetToken(ctx, id)
	if err != nil {
		return SessionResult{}, deps.tokenError(err)
	}
	if err := deps.checkAuthenticated(ctx, pending.UID, customs.ActionAccountReset); err != nil {
		deps.EmitAudit(ctx, deps.Events.AccountReset, false, pending.UID, err, nil)
		return SessionResult{}, err
	}

	reset, err := deps.Tokens.ConsumeAccountResetToken(ctx, id)
	if err != nil {
		mapped := deps.tokenError(err)
		deps.EmitAudit(ctx, deps.Events.AccountReset, false, pending.UID, mapped, func() map[string]string {
			return map[string]string{"reason": "token_consumed"}
		})
		return SessionResult{}, mapped
	}

	account, err := deps.Accounts.Account(ctx, reset.UID)
	if err != nil {
		return SessionResult{}, deps.MapStoreError(err)
	}

	wrapKb := in.WrapKb
	if wrapKb == nil {
		if wrapKb, err = password.RandomKey(); err != nil {
			return SessionResult{}, deps.MapStoreError(err)
		}
	}
	data, err := deps.newPasswordMaterial(in.AuthPW, wrapKb)
	if err != nil {
		return SessionResult{}, err
	}
	if err := deps.Accounts.ResetAccount(ctx, account.UID, data); err != nil {
		return SessionResult{}, deps.MapStoreError(err)
	}
	if err := deps.Tokens.DeleteAllForUser(ctx, account.UID); err != nil {
		return SessionResult{}, deps.MapStoreError(err)
	}
	deps.MetricInc(deps.Metrics.SessionsInvalidated)

	if err := deps.Customs.Reset(ctx, account.PrimaryEmail); err != nil {
		deps.Logger.Warn("customs reset failed", zap.String("uid", account.UID), zap.Error(err))
	}

	if in.SendNotification {
		err := deps.Mailer.SendPasswordResetEmail(ctx, notify.AccountEmail{
			To:        account.PrimaryEmail,
			UID:       account.UID,
			Locale:    deps.AcceptLanguage(ctx),
			IP:        deps.ClientIP(ctx),
			UserAgent: deps.UserAgent(ctx),
		})
		if err != nil {
			deps.warn("send_password_reset_email", account.UID, err)
		}
	}

	result := SessionResult{UID: account.UID}
	if in.SessionToken {
		session, err := deps.Tokens.CreateSessionToken(ctx, tokens.SessionOptions{
			Owner:              ownerOf(account),
			TokenVerified:      true,
			VerificationMethod: tokens.MethodEmail,
			UserAgent:          deps.UserAgent(ctx),
		})
		if err != nil {
			return SessionResult{}, deps.MapStoreError(err)
		}
		deps.MetricInc(deps.Metrics.SessionCreated)
		result = sessionResult(session)
	}
	if in.Keys {
		keyFetch, err := deps.Tokens.CreateKeyFetchToken(ctx, tokens.KeyFetchOptions{
			Owner:     ownerOf(account),
			KeyBundle: keyBundle(account.KA, wrapKb),
		})
		if err != nil {
			return SessionResult{}, deps.MapStoreError(err)
		}
		result.KeyFetchToken = keyFetch.Data.String()
	}

	deps.MetricInc(deps.Metrics.AccountReset)
	deps.EmitAudit(ctx, deps.Events.AccountReset, true, account.UID, nil, nil)
	return result, nil
}

// newPasswordMaterial derives a fresh salt, verifier and wrapped wrapKb.
func (d *Deps) newPasswordMaterial(authPW, wrapKb []byte) (accounts.ResetData, error) {
	salt, err := d.Password.NewSalt()
	if err != nil {
		return accounts.ResetData{}, d.MapStoreError(err)
	}
	pw, err := d.Password.Derive(authPW, salt)
	if err != nil {
		return accounts.ResetData{}, d.Errors.InvalidParameter
	}
	wrapWrapKb, err := pw.Wrap(wrapKb)
	if err != nil {
		return accounts.ResetData{}, d.Errors.InvalidParameter
	}
	return accounts.ResetData{
		AuthSalt:        salt,
		VerifyHash:      pw.VerifyHash(),
		WrapWrapKb:      wrapWrapKb,
		VerifierVersion: password.Version,
		VerifierSetAt:   d.Now().UTC(),
	}, nil
}

func validKey(b []byte) bool {
	return len(b) == password.KeySize
}

func ownerOf(a *accounts.Account) tokens.Owner {
	return tokens.Owner{UID: a.UID, Email: a.PrimaryEmail, EmailVerified: a.EmailVerified}
}

func keyBundle(kA, wrapKb []byte) []byte {
	bundle := make([]byte, 0, len(kA)+len(wrapKb))
	bundle = append(bundle, kA...)
	return append(bundle, wrapKb...)
}

func sessionResult(s *tokens.SessionToken) SessionResult {
	return SessionResult{
		UID:          s.UID,
		SessionToken: s.Data.String(),
		Verified:     s.EmailVerified && s.TokenVerified,
		AuthAt:       s.LastAuthAt,
	}
}
