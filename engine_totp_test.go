package fxauth

import (
	"context"
	"strings"
	"testing"
	"time"
)

// totpCode computes the current code for the account owning email.
func (env *testEnv) totpCode(t *testing.T, email string) string {
	t.Helper()
	account, err := env.accounts.AccountRecord(context.Background(), email)
	if err != nil {
		t.Fatalf("AccountRecord failed: %v", err)
	}
	key, err := totpEncoding.DecodeString(account.TOTPSecret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	cfg := env.engine.config.TOTP
	code, err := hotpCode(key, env.clock.Now().Unix()/int64(cfg.Period), cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

// enableTOTP sets up and confirms TOTP for email through a fresh session.
func (env *testEnv) enableTOTP(t *testing.T, email, authPW string) {
	t.Helper()
	session := env.signIn(t, email, authPW, nil)
	if _, err := env.engine.SetupTOTP(context.Background(), session.SessionToken); err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if _, err := env.engine.VerifySessionTOTP(context.Background(), session.SessionToken, VerifyTOTPRequest{
		Code: env.totpCode(t, email),
	}); err != nil {
		t.Fatalf("VerifySessionTOTP failed: %v", err)
	}
}

func TestSetupTOTPReturnsProvisioningURI(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	session := env.signIn(t, "a@example.com", authPW, nil)

	res, err := env.engine.SetupTOTP(context.Background(), session.SessionToken)
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if res.Secret == "" || !strings.HasPrefix(res.URI, "otpauth://totp/") {
		t.Fatalf("unexpected setup response %+v", res)
	}
	if !strings.Contains(res.URI, "secret="+res.Secret) {
		t.Fatal("expected the secret in the provisioning URI")
	}

	account, err := env.accounts.Account(context.Background(), session.UID)
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if account.TOTPEnabled {
		t.Fatal("TOTP must stay disabled until the first verification")
	}
}

func TestVerifySessionTOTPBeforeSetup(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	session := env.signIn(t, "a@example.com", authPW, nil)

	_, err := env.engine.VerifySessionTOTP(context.Background(), session.SessionToken, VerifyTOTPRequest{Code: "123456"})
	requireErrno(t, err, ErrnoTotpTokenNotFound)
}

func TestVerifySessionTOTPWrongCode(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	session := env.signIn(t, "a@example.com", authPW, nil)
	if _, err := env.engine.SetupTOTP(context.Background(), session.SessionToken); err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}

	code := env.totpCode(t, "a@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err := env.engine.VerifySessionTOTP(context.Background(), session.SessionToken, VerifyTOTPRequest{Code: wrong})
	requireErrno(t, err, ErrnoInvalidTotpCode)
	if got := env.engine.MetricsSnapshot().Counters[MetricTOTPFailure]; got != 1 {
		t.Fatalf("expected totp failure metric 1, got %d", got)
	}
}

func TestTOTPSignInNeedsVerification(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	env.enableTOTP(t, "a@example.com", authPW)

	session := env.signIn(t, "a@example.com", authPW, nil)
	status, err := env.engine.Session(context.Background(), session.SessionToken)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if status.State != "unverified" || status.AAL != 1 {
		t.Fatalf("expected an unverified AAL 1 session, got %+v", status)
	}

	// One period later still verifies within the default skew.
	env.clock.Advance(30 * time.Second)
	res, err := env.engine.VerifySessionTOTP(context.Background(), session.SessionToken, VerifyTOTPRequest{
		Code: env.totpCode(t, "a@example.com"),
	})
	if err != nil {
		t.Fatalf("VerifySessionTOTP failed: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}

	status, err = env.engine.Session(context.Background(), session.SessionToken)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if status.State != "verified" || status.AAL != 2 || status.Method != "totp-2fa" {
		t.Fatalf("expected a verified AAL 2 session, got %+v", status)
	}
}

func TestVerifySessionTOTPRejectsReplayedCode(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	env.enableTOTP(t, "a@example.com", authPW)

	first := env.signIn(t, "a@example.com", authPW, nil)
	second := env.signIn(t, "a@example.com", authPW, nil)

	env.clock.Advance(time.Duration(env.engine.config.TOTP.Period) * time.Second)
	code := env.totpCode(t, "a@example.com")

	if _, err := env.engine.VerifySessionTOTP(context.Background(), first.SessionToken, VerifyTOTPRequest{Code: code}); err != nil {
		t.Fatalf("VerifySessionTOTP failed: %v", err)
	}
	_, err := env.engine.VerifySessionTOTP(context.Background(), second.SessionToken, VerifyTOTPRequest{Code: code})
	requireErrno(t, err, ErrnoInvalidTotpCode)

	status, err := env.engine.Session(context.Background(), second.SessionToken)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if status.AAL != 1 || status.State != "unverified" {
		t.Fatalf("a replayed code must not raise the session, got %+v", status)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricTOTPFailure]; got != 1 {
		t.Fatalf("expected totp failure metric 1, got %d", got)
	}

	// The enrolment step is older than the spent one and is refused too.
	env.clock.Advance(-time.Duration(env.engine.config.TOTP.Period) * time.Second)
	_, err = env.engine.VerifySessionTOTP(context.Background(), second.SessionToken, VerifyTOTPRequest{
		Code: env.totpCode(t, "a@example.com"),
	})
	requireErrno(t, err, ErrnoInvalidTotpCode)
}

func TestVerifySessionTOTPReplayAllowedWhenDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.TOTP.EnforceReplayProtection = false
	})
	authPW := env.createAccount(t, "a@example.com")
	env.enableTOTP(t, "a@example.com", authPW)

	session := env.signIn(t, "a@example.com", authPW, nil)
	if _, err := env.engine.VerifySessionTOTP(context.Background(), session.SessionToken, VerifyTOTPRequest{
		Code: env.totpCode(t, "a@example.com"),
	}); err != nil {
		t.Fatalf("VerifySessionTOTP failed: %v", err)
	}
}
