package fxauth

import (
	"context"

	"github.com/MrEthical07/fxauth/internal/flows"
)

// SetupTOTP enrols a fresh TOTP secret for the session's account. The
// secret is inactive until the first successful VerifySessionTOTP.
func (e *Engine) SetupTOTP(ctx context.Context, sessionToken string) (*TOTPSetupResponse, error) {
	session, err := flows.RunSession(ctx, sessionToken, e.deps)
	if err != nil {
		return nil, err
	}
	res, err := flows.RunSetupTOTP(ctx, session, e.deps)
	if err != nil {
		return nil, err
	}
	return &TOTPSetupResponse{Secret: res.Secret, URI: res.URI}, nil
}

// VerifySessionTOTP describes the verify session totp operation and its observable behavior.
//
// VerifySessionTOTP checks code against the account secret and raises the
// session to AAL 2 with method totp-2fa. It fails with errno 155 before
// setup and errno 183 for a wrong code.
// VerifySessionTOTP does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifySessionTOTP(ctx context.Context, sessionToken string, req VerifyTOTPRequest) (*VerifyTOTPResponse, error) {
	session, err := flows.RunSession(ctx, sessionToken, e.deps)
	if err != nil {
		return nil, err
	}
	if err := flows.RunVerifySessionTOTP(ctx, session, req.Code, e.deps); err != nil {
		return nil, err
	}
	return &VerifyTOTPResponse{Success: true}, nil
}
