package fxauth

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/MrEthical07/fxauth/internal/flows"
	"github.com/MrEthical07/fxauth/tokens"
)

// CreateAccount describes the create account operation and its observable behavior.
//
// CreateAccount registers an account with an unverified primary email and
// returns its first session. A registered email fails with errno 101.
// CreateAccount may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) CreateAccount(ctx context.Context, req CreateAccountRequest) (*SessionResponse, error) {
	authPW, err := decodeKey("authPW", req.AuthPW, true)
	if err != nil {
		return nil, err
	}
	locale := req.Locale
	if locale == "" {
		locale = e.localizer.Language(acceptLanguageFromContext(ctx))
	}

	res, err := flows.RunCreateAccount(ctx, flows.CreateAccountInput{
		Email:  req.Email,
		AuthPW: authPW,
		Locale: locale,
		Keys:   req.Keys,
	}, e.deps)
	if err != nil {
		return nil, err
	}
	return sessionResponse(res), nil
}

// SignIn describes the sign in operation and its observable behavior.
//
// SignIn checks authPW and returns a new session. Accounts with TOTP get an
// unverified session that must be raised with VerifySessionTOTP. A wrong
// password fails with errno 103 and is reported to customs.
// SignIn does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SignIn(ctx context.Context, req SignInRequest) (*SessionResponse, error) {
	authPW, err := decodeKey("authPW", req.AuthPW, true)
	if err != nil {
		return nil, err
	}

	in := flows.SignInInput{
		Email:  req.Email,
		AuthPW: authPW,
		Keys:   req.Keys,
	}
	if req.Device != nil {
		in.Device = &flows.DeviceInput{
			Name:          req.Device.Name,
			Type:          req.Device.Type,
			PushCallback:  req.Device.PushCallback,
			PushPublicKey: req.Device.PushPublicKey,
		}
	}

	res, err := flows.RunSignIn(ctx, in, e.deps)
	if err != nil {
		return nil, err
	}
	return sessionResponse(res), nil
}

// Session authenticates a bearer session token. Unknown, expired and
// revoked sessions fail with errno 110.
func (e *Engine) Session(ctx context.Context, sessionToken string) (*SessionStatus, error) {
	session, err := flows.RunSession(ctx, sessionToken, e.deps)
	if err != nil {
		return nil, err
	}
	return sessionStatus(session), nil
}

// ResetAccount describes the reset account operation and its observable behavior.
//
// ResetAccount consumes an account reset token, installs the new password and
// revokes every token of the account, sessions included. A reset token is
// accepted exactly once. When RecoveryKeyID is set the reset notification
// that VerifyCode skipped is sent here.
// ResetAccount may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) ResetAccount(ctx context.Context, accountResetToken string, req ResetAccountRequest) (*SessionResponse, error) {
	authPW, err := decodeKey("authPW", req.AuthPW, true)
	if err != nil {
		return nil, err
	}
	wrapKb, err := decodeKey("wrapKb", req.WrapKb, false)
	if err != nil {
		return nil, err
	}

	res, err := flows.RunResetAccount(ctx, accountResetToken, flows.ResetAccountInput{
		AuthPW:           authPW,
		WrapKb:           wrapKb,
		Keys:             req.Keys,
		SessionToken:     req.SessionToken,
		SendNotification: req.RecoveryKeyID != "",
	}, e.deps)
	if err != nil {
		return nil, err
	}
	return sessionResponse(res), nil
}

// FetchKeys redeems a key fetch token. The token works once.
func (e *Engine) FetchKeys(ctx context.Context, keyFetchToken string) (*KeysResponse, error) {
	res, err := flows.RunFetchKeys(ctx, keyFetchToken, e.deps)
	if err != nil {
		return nil, err
	}
	return &KeysResponse{
		KA:     hex.EncodeToString(res.KA),
		WrapKb: hex.EncodeToString(res.WrapKb),
	}, nil
}

// AddSecondaryEmail attaches another address to the session's account. An
// address already in use fails with errno 139.
func (e *Engine) AddSecondaryEmail(ctx context.Context, sessionToken string, req AddSecondaryEmailRequest) error {
	session, err := flows.RunSession(ctx, sessionToken, e.deps)
	if err != nil {
		return err
	}
	return flows.RunAddSecondaryEmail(ctx, session, req.Email, e.deps)
}

// decodeKey parses 32 bytes of hex key material. Empty input is only
// accepted for optional fields and yields nil.
func decodeKey(field, value string, required bool) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return nil, InvalidParameter(field)
		}
		return nil, nil
	}
	b, err := hex.DecodeString(value)
	if err != nil || len(b) != 32 {
		return nil, InvalidParameter(field)
	}
	return b, nil
}

func sessionResponse(res flows.SessionResult) *SessionResponse {
	out := &SessionResponse{
		UID:           res.UID,
		SessionToken:  res.SessionToken,
		Verified:      res.Verified,
		KeyFetchToken: res.KeyFetchToken,
	}
	if !res.AuthAt.IsZero() {
		out.AuthAt = res.AuthAt.Unix()
	}
	return out
}

func sessionStatus(s *tokens.SessionToken) *SessionStatus {
	state := "unverified"
	if s.TokenVerified {
		state = "verified"
	}
	return &SessionStatus{
		UID:      s.UID,
		State:    state,
		AAL:      s.AAL(),
		Method:   s.VerificationMethod.String(),
		DeviceID: s.DeviceID,
	}
}
