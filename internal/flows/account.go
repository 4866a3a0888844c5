package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/password"
	"github.com/MrEthical07/fxauth/tokens"
	"github.com/google/uuid"
)

type CreateAccountInput struct {
	Email  string
	AuthPW []byte
	Locale string
	Keys   bool
}

type SignInInput struct {
	Email  string
	AuthPW []byte
	Keys   bool
	Device *DeviceInput
}

// DeviceInput registers the signing-in client as a device of the account.
type DeviceInput struct {
	Name          string
	Type          string
	PushCallback  string
	PushPublicKey string
}

type KeysResult struct {
	KA     []byte
	WrapKb []byte
}

// RunCreateAccount registers an account with an unverified primary email and
// returns its first session.
func RunCreateAccount(ctx context.Context, in CreateAccountInput, deps Deps) (SessionResult, error) {
	fail := func(err error) (SessionResult, error) {
		deps.EmitAudit(ctx, deps.Events.AccountCreate, false, "", err, func() map[string]string {
			return map[string]string{"email": in.Email}
		})
		return SessionResult{}, err
	}

	if !validKey(in.AuthPW) || strings.TrimSpace(in.Email) == "" {
		return fail(deps.Errors.InvalidParameter)
	}
	if err := deps.check(ctx, in.Email, customs.ActionAccountCreate); err != nil {
		return fail(err)
	}

	kA, err := password.RandomKey()
	if err != nil {
		return fail(deps.MapStoreError(err))
	}
	wrapKb, err := password.RandomKey()
	if err != nil {
		return fail(deps.MapStoreError(err))
	}
	material, err := deps.newPasswordMaterial(in.AuthPW, wrapKb)
	if err != nil {
		return fail(err)
	}

	now := deps.Now().UTC()
	account := &accounts.Account{
		UID:             newUID(),
		PrimaryEmail:    strings.TrimSpace(in.Email),
		AuthSalt:        material.AuthSalt,
		VerifyHash:      material.VerifyHash,
		WrapWrapKb:      material.WrapWrapKb,
		KA:              kA,
		VerifierVersion: material.VerifierVersion,
		VerifierSetAt:   now,
		CreatedAt:       now,
		Locale:          in.Locale,
	}
	if err := deps.Accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, accounts.ErrEmailTaken) {
			return fail(deps.Errors.AccountExists)
		}
		return fail(deps.MapStoreError(err))
	}

	session, err := deps.Tokens.CreateSessionToken(ctx, tokens.SessionOptions{
		Owner:     ownerOf(account),
		UserAgent: deps.UserAgent(ctx),
	})
	if err != nil {
		return fail(deps.MapStoreError(err))
	}
	result := sessionResult(session)
	if in.Keys {
		keyFetch, err := deps.Tokens.CreateKeyFetchToken(ctx, tokens.KeyFetchOptions{
			Owner:     ownerOf(account),
			KeyBundle: keyBundle(kA, wrapKb),
		})
		if err != nil {
			return fail(deps.MapStoreError(err))
		}
		result.KeyFetchToken = keyFetch.Data.String()
	}

	deps.MetricInc(deps.Metrics.AccountCreated)
	deps.MetricInc(deps.Metrics.SessionCreated)
	deps.EmitAudit(ctx, deps.Events.AccountCreate, true, account.UID, nil, nil)
	return result, nil
}

// RunSignIn checks the password and opens a session. Accounts with TOTP get
// an unverified session until a code is verified on it.
func RunSignIn(ctx context.Context, in SignInInput, deps Deps) (SessionResult, error) {
	fail := func(uid string, err error) (SessionResult, error) {
		deps.MetricInc(deps.Metrics.SignInFailure)
		deps.EmitAudit(ctx, deps.Events.SignIn, false, uid, err, func() map[string]string {
			return map[string]string{"email": in.Email}
		})
		return SessionResult{}, err
	}

	if !validKey(in.AuthPW) {
		return fail("", deps.Errors.InvalidParameter)
	}
	if err := deps.check(ctx, in.Email, customs.ActionAccountLogin); err != nil {
		return fail("", err)
	}
	account, err := deps.lookupAccount(ctx, in.Email)
	if err != nil {
		return fail("", err)
	}

	pw, err := deps.Password.Derive(in.AuthPW, account.AuthSalt)
	if err != nil {
		return fail(account.UID, deps.Errors.InvalidParameter)
	}
	if !pw.Matches(account.VerifyHash) {
		deps.flag(ctx, in.Email, errnoIncorrectPassword)
		deps.MetricInc(deps.Metrics.PasswordIncorrect)
		return fail(account.UID, deps.Errors.IncorrectPassword)
	}

	deviceID := ""
	if in.Device != nil {
		deviceID = uuid.NewString()
	}
	session, err := deps.Tokens.CreateSessionToken(ctx, tokens.SessionOptions{
		Owner:              ownerOf(account),
		TokenVerified:      !account.TOTPEnabled,
		VerificationMethod: tokens.MethodEmail,
		DeviceID:           deviceID,
		UserAgent:          deps.UserAgent(ctx),
	})
	if err != nil {
		return fail(account.UID, deps.MapStoreError(err))
	}
	if in.Device != nil {
		err := deps.Accounts.UpsertDevice(ctx, accounts.Device{
			ID:             deviceID,
			UID:            account.UID,
			SessionTokenID: session.ID,
			Name:           in.Device.Name,
			Type:           in.Device.Type,
			PushCallback:   in.Device.PushCallback,
			PushPublicKey:  in.Device.PushPublicKey,
			CreatedAt:      deps.Now().UTC(),
		})
		if err != nil {
			return fail(account.UID, deps.MapStoreError(err))
		}
	}

	result := sessionResult(session)
	if in.Keys {
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
		result.KeyFetchToken = keyFetch.Data.String()
	}

	deps.MetricInc(deps.Metrics.SignInSuccess)
	deps.MetricInc(deps.Metrics.SessionCreated)
	deps.EmitAudit(ctx, deps.Events.SignIn, true, account.UID, nil, nil)
	return result, nil
}

// RunSession authenticates a bearer session token.
func RunSession(ctx context.Context, credential string, deps Deps) (*tokens.SessionToken, error) {
	id, err := deps.bearer(tokens.KindSession, credential)
	if err != nil {
		return nil, err
	}
	session, err := deps.Tokens.SessionToken(ctx, id)
	if err != nil {
		return nil, deps.tokenError(err)
	}
	return session, nil
}

// RunFetchKeys redeems a key fetch token for the key bundle it carries.
func RunFetchKeys(ctx context.Context, credential string, deps Deps) (KeysResult, error) {
	id, err := deps.bearer(tokens.KindKeyFetch, credential)
	if err != nil {
		return KeysResult{}, err
	}
	keyFetch, err := deps.Tokens.KeyFetchToken(ctx, id)
	if err != nil {
		return KeysResult{}, deps.tokenError(err)
	}
	if len(keyFetch.KeyBundle) != 2*password.KeySize {
		return KeysResult{}, deps.MapStoreError(tokens.ErrCorrupt)
	}
	return KeysResult{
		KA:     keyFetch.KeyBundle[:password.KeySize],
		WrapKb: keyFetch.KeyBundle[password.KeySize:],
	}, nil
}

// RunAddSecondaryEmail attaches another address to the session's account.
// Secondary addresses can receive mail but never start a password reset.
func RunAddSecondaryEmail(ctx context.Context, session *tokens.SessionToken, email string, deps Deps) error {
	fail := func(err error) error {
		deps.EmitAudit(ctx, deps.Events.SecondaryEmail, false, session.UID, err, func() map[string]string {
			return map[string]string{"email": email}
		})
		return err
	}

	if strings.TrimSpace(email) == "" {
		return fail(deps.Errors.InvalidParameter)
	}
	if err := deps.checkAuthenticated(ctx, session.UID, customs.ActionRecoveryEmailCreate); err != nil {
		return fail(err)
	}
	if accounts.NormalizeEmail(email) == accounts.NormalizeEmail(session.Email) {
		return fail(deps.Errors.EmailTaken)
	}
	if err := deps.Accounts.AddEmail(ctx, session.UID, strings.TrimSpace(email)); err != nil {
		if errors.Is(err, accounts.ErrEmailTaken) {
			return fail(deps.Errors.EmailTaken)
		}
		return fail(deps.MapStoreError(err))
	}

	deps.MetricInc(deps.Metrics.SecondaryEmailCreated)
	deps.EmitAudit(ctx, deps.Events.SecondaryEmail, true, session.UID, nil, nil)
	return nil
}

// newUID returns a 32 character hex account id.
func newUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
