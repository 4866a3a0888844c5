package fxauth

import (
	"context"

	"github.com/MrEthical07/fxauth/internal/flows"
)

// SendCode describes the send code operation and its observable behavior.
//
// SendCode mints a password-forgot token for a primary email and mails its
// pass code. Unknown emails fail with errno 102 after being reported to
// customs; secondary emails fail with errno 145 and no token is created.
// A failed recovery email does not fail the call.
// SendCode does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SendCode(ctx context.Context, req SendCodeRequest) (*PasswordForgotTokenResponse, error) {
	res, err := flows.RunSendCode(ctx, flows.SendCodeInput{
		Email:      req.Email,
		Service:    req.Service,
		RedirectTo: req.RedirectTo,
	}, e.deps)
	if err != nil {
		return nil, err
	}
	return forgotTokenResponse(res), nil
}

// ResendCode describes the resend code operation and its observable behavior.
//
// ResendCode mails the pass code of an existing forgot token again. The token
// is not modified and the response repeats its current state.
// ResendCode may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) ResendCode(ctx context.Context, passwordForgotToken string, req SendCodeRequest) (*PasswordForgotTokenResponse, error) {
	res, err := flows.RunResendCode(ctx, passwordForgotToken, flows.SendCodeInput{
		Email:      req.Email,
		Service:    req.Service,
		RedirectTo: req.RedirectTo,
	}, e.deps)
	if err != nil {
		return nil, err
	}
	return forgotTokenResponse(res), nil
}

// VerifyCode describes the verify code operation and its observable behavior.
//
// VerifyCode exchanges a correct, unexpired pass code for an account reset
// token. Of concurrent correct submissions exactly one succeeds. A wrong code
// consumes one try and fails with errno 105 carrying the tries and ttl left;
// the token is deleted when no tries remain.
// VerifyCode does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifyCode(ctx context.Context, passwordForgotToken string, req VerifyCodeRequest) (*VerifyCodeResponse, error) {
	res, err := flows.RunVerifyCode(ctx, passwordForgotToken, flows.VerifyCodeInput{
		Code:                        req.Code,
		AccountResetWithRecoveryKey: req.AccountResetWithRecoveryKey,
	}, e.deps)
	if err != nil {
		return nil, err
	}
	return &VerifyCodeResponse{AccountResetToken: res.AccountResetToken}, nil
}

// ForgotStatus reports the tries and ttl left on a forgot token. It never
// modifies the token.
func (e *Engine) ForgotStatus(ctx context.Context, passwordForgotToken string) (*ForgotStatusResponse, error) {
	res, err := flows.RunForgotStatus(ctx, passwordForgotToken, e.deps)
	if err != nil {
		return nil, err
	}
	return &ForgotStatusResponse{
		Tries: res.Tries,
		TTL:   secondsCeil(res.TTL),
	}, nil
}

func forgotTokenResponse(res flows.ForgotTokenResult) *PasswordForgotTokenResponse {
	return &PasswordForgotTokenResponse{
		PasswordForgotToken: res.PasswordForgotToken,
		TTL:                 secondsCeil(res.TTL),
		CodeLength:          res.CodeLength,
		Tries:               res.Tries,
	}
}
