package fxauth

import (
	"context"

	"github.com/MrEthical07/fxauth/internal/flows"
)

// ChangeStart describes the change start operation and its observable behavior.
//
// ChangeStart proves knowledge of the current password and returns a
// password change token together with a key fetch token for the current
// keys. A wrong password fails with errno 103 and is reported to customs.
// ChangeStart does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ChangeStart(ctx context.Context, req ChangeStartRequest) (*ChangeStartResponse, error) {
	oldAuthPW, err := decodeKey("oldAuthPW", req.OldAuthPW, true)
	if err != nil {
		return nil, err
	}

	res, err := flows.RunChangeStart(ctx, flows.ChangeStartInput{
		Email:     req.Email,
		OldAuthPW: oldAuthPW,
	}, e.deps)
	if err != nil {
		return nil, err
	}
	return &ChangeStartResponse{
		KeyFetchToken:       res.KeyFetchToken,
		PasswordChangeToken: res.PasswordChangeToken,
		Verified:            res.Verified,
	}, nil
}

// ChangeFinish describes the change finish operation and its observable behavior.
//
// ChangeFinish installs the new password and revokes every token of the
// account. Accounts with TOTP must pass a session at AAL 2 or the call fails
// with errno 138 before anything changes. Other devices are notified in the
// background.
//
// The returned response is nil when no session token was supplied; callers
// render it as an empty object. Otherwise it describes the replacement
// session, which inherits the verification state of the old one.
func (e *Engine) ChangeFinish(ctx context.Context, passwordChangeToken string, req ChangeFinishRequest) (*SessionResponse, error) {
	authPW, err := decodeKey("authPW", req.AuthPW, true)
	if err != nil {
		return nil, err
	}
	wrapKb, err := decodeKey("wrapKb", req.WrapKb, true)
	if err != nil {
		return nil, err
	}

	res, err := flows.RunChangeFinish(ctx, passwordChangeToken, flows.ChangeFinishInput{
		AuthPW:       authPW,
		WrapKb:       wrapKb,
		SessionToken: req.SessionToken,
		Keys:         req.Keys,
	}, e.deps)
	if err != nil {
		return nil, err
	}
	if res.Legacy {
		return nil, nil
	}
	return sessionResponse(res.SessionResult), nil
}
