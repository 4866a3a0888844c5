package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/tokens"
)

type ChangeStartInput struct {
	Email     string
	OldAuthPW []byte
}

type ChangeStartResult struct {
	KeyFetchToken       string
	PasswordChangeToken string
	Verified            bool
}

type ChangeFinishInput struct {
	AuthPW []byte
	WrapKb []byte
	// SessionToken is the hex credential of the session that started the
	// change. Without it the response is empty.
	SessionToken string
	Keys         bool
}

// ChangeFinishResult is empty (Legacy) when no session token was supplied.
type ChangeFinishResult struct {
	Legacy bool
	SessionResult
}

// RunChangeStart proves knowledge of the current password and hands out a
// password change token plus a key fetch token for the current keys.
func RunChangeStart(ctx context.Context, in ChangeStartInput, deps Deps) (ChangeStartResult, error) {
	fail := func(uid string, err error) (ChangeStartResult, error) {
		deps.EmitAudit(ctx, deps.Events.PasswordChange, false, uid, err, func() map[string]string {
			return map[string]string{"phase": "start", "email": in.Email}
		})
		return ChangeStartResult{}, err
	}

	if !validKey(in.OldAuthPW) {
		return fail("", deps.Errors.InvalidParameter)
	}
	if err := deps.check(ctx, in.Email, customs.ActionPasswordChange); err != nil {
		return fail("", err)
	}
	account, err := deps.lookupAccount(ctx, in.Email)
	if err != nil {
		return fail("", err)
	}

	pw, err := deps.Password.Derive(in.OldAuthPW, account.AuthSalt)
	if err != nil {
		return fail(account.UID, deps.Errors.InvalidParameter)
	}
	if !pw.Matches(account.VerifyHash) {
		deps.flag(ctx, in.Email, errnoIncorrectPassword)
		deps.MetricInc(deps.Metrics.PasswordIncorrect)
		return fail(account.UID, deps.Errors.IncorrectPassword)
	}
	wrapKb, err := pw.Unwrap(account.WrapWrapKb)
	if err != nil {
		return fail(account.UID, deps.MapStoreError(err))
	}

	keyFetch, err := deps.Tokens.CreateKeyFetchToken(ctx, tokens.KeyFetchOptions{
		Owner:     ownerOf(account),
		KeyBundle: keyBundle(account.KA, wrapKb),
	})
	if err != nil {
		return fail(account.UID, deps.MapStoreError(err))
	}
	change, err := deps.Tokens.CreatePasswordChangeToken(ctx, ownerOf(account))
	if err != nil {
		return fail(account.UID, deps.MapStoreError(err))
	}

	deps.MetricInc(deps.Metrics.PasswordChangeStart)
	return ChangeStartResult{
		KeyFetchToken:       keyFetch.Data.String(),
		PasswordChangeToken: change.Data.String(),
		Verified:            keyFetch.EmailVerified,
	}, nil
}

// changeState is threaded through the change/finish phases.
type changeState struct {
	in     ChangeFinishInput
	change *tokens.PasswordChangeToken

	account  *accounts.Account
	hasTOTP  bool
	previous *tokens.SessionToken
	verified bool

	originatingDevice string
	devices           []accounts.Device

	session  *tokens.SessionToken
	keyFetch *tokens.KeyFetchToken
	result   ChangeFinishResult
}

type changePhase struct {
	name string
	run  func(ctx context.Context, deps *Deps, st *changeState) error
}

// changeFinishPhases run in order; the first error stops the pipeline.
var changeFinishPhases = []changePhase{
	{"checkTotp", checkTotp},
	{"getSessionStatus", getSessionStatus},
	{"fetchDevices", fetchDevices},
	{"changePassword", changePassword},
	{"notify", notifyPasswordChanged},
	{"createSession", createSession},
	{"verifySession", verifySession},
	{"createKeyFetch", createKeyFetch},
	{"buildResponse", buildChangeResponse},
}

// RunChangeFinish installs the new password for the bearer of a password
// change token. All existing sessions are invalidated; a replacement session
// is returned when the caller supplied the one it started from.
func RunChangeFinish(ctx context.Context, credential string, in ChangeFinishInput, deps Deps) (ChangeFinishResult, error) {
	if !validKey(in.AuthPW) || !validKey(in.WrapKb) {
		return ChangeFinishResult{}, deps.Errors.InvalidParameter
	}
	id, err := deps.bearer(tokens.KindPasswordChange, credential)
	if err != nil {
		return ChangeFinishResult{}, err
	}
	change, err := deps.Tokens.PasswordChangeToken(ctx, id)
	if err != nil {
		return ChangeFinishResult{}, deps.tokenError(err)
	}

	st := &changeState{in: in, change: change}
	for _, phase := range changeFinishPhases {
		if err := phase.run(ctx, &deps, st); err != nil {
			name := phase.name
			deps.EmitAudit(ctx, deps.Events.PasswordChange, false, change.UID, err, func() map[string]string {
				return map[string]string{"phase": name}
			})
			return ChangeFinishResult{}, err
		}
	}

	deps.MetricInc(deps.Metrics.PasswordChangeFinish)
	deps.EmitAudit(ctx, deps.Events.PasswordChange, true, change.UID, nil, nil)
	return st.result, nil
}

// checkTotp requires accounts with TOTP to prove a second factor through the
// session they started from.
func checkTotp(ctx context.Context, deps *Deps, st *changeState) error {
	account, err := deps.Accounts.Account(ctx, st.change.UID)
	if err != nil {
		return deps.MapStoreError(err)
	}
	st.account = account
	st.hasTOTP = account.TOTPEnabled
	if st.hasTOTP && st.in.SessionToken == "" {
		return deps.Errors.UnverifiedSession
	}
	return nil
}

func getSessionStatus(ctx context.Context, deps *Deps, st *changeState) error {
	if st.in.SessionToken == "" {
		// No verified session unless the caller already had one.
		st.verified = false
		return nil
	}

	id, err := deps.bearer(tokens.KindSession, st.in.SessionToken)
	if err != nil {
		return err
	}
	previous, err := deps.Tokens.SessionToken(ctx, id)
	if err != nil {
		return deps.tokenError(err)
	}
	if previous.UID != st.change.UID {
		return deps.Errors.InvalidToken
	}

	st.previous = previous
	st.verified = previous.TokenVerified
	st.originatingDevice = previous.DeviceID
	if st.hasTOTP && previous.AAL() <= 1 {
		return deps.Errors.UnverifiedSession
	}
	return nil
}

// fetchDevices runs before changePassword because the reset forgets every
// device of the account. The originating device learns of the change from
// its own response.
func fetchDevices(ctx context.Context, deps *Deps, st *changeState) error {
	devices, err := deps.Accounts.Devices(ctx, st.change.UID)
	if err != nil {
		return deps.MapStoreError(err)
	}
	for _, d := range devices {
		if st.originatingDevice != "" && d.ID == st.originatingDevice {
			continue
		}
		st.devices = append(st.devices, d)
	}
	return nil
}

func changePassword(ctx context.Context, deps *Deps, st *changeState) error {
	if err := deps.Tokens.DeletePasswordChangeToken(ctx, st.change); err != nil {
		// A concurrent finish already used the token.
		return deps.tokenError(err)
	}

	data, err := deps.newPasswordMaterial(st.in.AuthPW, st.in.WrapKb)
	if err != nil {
		return err
	}
	if err := deps.Accounts.ResetAccount(ctx, st.change.UID, data); err != nil {
		return deps.MapStoreError(err)
	}
	if err := deps.Tokens.DeleteAllForUser(ctx, st.change.UID); err != nil {
		return deps.MapStoreError(err)
	}
	deps.MetricInc(deps.Metrics.SessionsInvalidated)
	return nil
}

func notifyPasswordChanged(ctx context.Context, deps *Deps, st *changeState) error {
	uid := st.change.UID
	if len(st.devices) > 0 {
		devices := st.devices
		deps.Background(func(bctx context.Context) {
			if err := deps.Pusher.NotifyPasswordChanged(bctx, uid, devices); err != nil {
				deps.warn("push_password_changed", uid, err)
			}
		})
	}

	account, err := deps.Accounts.Account(ctx, uid)
	if err != nil {
		return deps.MapStoreError(err)
	}
	st.account = account

	err = deps.Mailer.SendPasswordChangedEmail(ctx, notify.AccountEmail{
		To:        account.PrimaryEmail,
		UID:       uid,
		Locale:    deps.AcceptLanguage(ctx),
		IP:        deps.ClientIP(ctx),
		UserAgent: deps.UserAgent(ctx),
	})
	if err != nil {
		deps.warn("send_password_changed_email", uid, err)
	}
	return nil
}

func createSession(ctx context.Context, deps *Deps, st *changeState) error {
	if st.in.SessionToken == "" {
		return nil
	}
	session, err := deps.Tokens.CreateSessionToken(ctx, tokens.SessionOptions{
		Owner:              ownerOf(st.account),
		TokenVerified:      st.verified,
		VerificationMethod: tokens.MethodEmail,
		DeviceID:           st.originatingDevice,
		UserAgent:          deps.UserAgent(ctx),
	})
	if err != nil {
		return deps.MapStoreError(err)
	}
	deps.MetricInc(deps.Metrics.SessionCreated)
	st.session = session
	return nil
}

// verifySession carries the verification method, and with it the assurance
// level, of the previous session over to the new one.
func verifySession(ctx context.Context, deps *Deps, st *changeState) error {
	if st.session == nil || st.previous == nil || !st.previous.TokenVerified {
		return nil
	}
	method := st.previous.VerificationMethod
	if err := deps.Tokens.VerifyTokensWithMethod(ctx, st.session.ID, method); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return deps.Errors.InvalidToken
		}
		return deps.MapStoreError(err)
	}
	st.session.TokenVerified = true
	st.session.VerificationMethod = method
	return nil
}

func createKeyFetch(ctx context.Context, deps *Deps, st *changeState) error {
	if !st.in.Keys {
		return nil
	}
	keyFetch, err := deps.Tokens.CreateKeyFetchToken(ctx, tokens.KeyFetchOptions{
		Owner:     ownerOf(st.account),
		KeyBundle: keyBundle(st.account.KA, st.in.WrapKb),
	})
	if err != nil {
		return deps.MapStoreError(err)
	}
	st.keyFetch = keyFetch
	return nil
}

func buildChangeResponse(_ context.Context, _ *Deps, st *changeState) error {
	if st.in.SessionToken == "" {
		st.result = ChangeFinishResult{Legacy: true}
		return nil
	}
	st.result = ChangeFinishResult{SessionResult: sessionResult(st.session)}
	if st.keyFetch != nil {
		st.result.KeyFetchToken = st.keyFetch.Data.String()
	}
	return nil
}
