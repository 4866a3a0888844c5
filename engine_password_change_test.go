package fxauth

import (
	"context"
	"testing"
	"time"

	"github.com/MrEthical07/fxauth/tokens"
)

func (env *testEnv) sessionRecord(t *testing.T, sessionToken string) *tokens.SessionToken {
	t.Helper()
	id, err := tokens.IDFromBearer(tokens.KindSession, sessionToken)
	if err != nil {
		t.Fatalf("IDFromBearer failed: %v", err)
	}
	session, err := env.engine.tokens.SessionToken(context.Background(), id)
	if err != nil {
		t.Fatalf("SessionToken failed: %v", err)
	}
	return session
}

func (env *testEnv) signIn(t *testing.T, email, authPW string, device *DeviceRequest) *SessionResponse {
	t.Helper()
	res, err := env.engine.SignIn(context.Background(), SignInRequest{Email: email, AuthPW: authPW, Device: device})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	return res
}

func (env *testEnv) changeStart(t *testing.T, email, authPW string) *ChangeStartResponse {
	t.Helper()
	res, err := env.engine.ChangeStart(context.Background(), ChangeStartRequest{Email: email, OldAuthPW: authPW})
	if err != nil {
		t.Fatalf("ChangeStart failed: %v", err)
	}
	return res
}

func TestChangeStartWrongPasswordFlagsCustoms(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createAccount(t, "a@example.com")

	_, err := env.engine.ChangeStart(context.Background(), ChangeStartRequest{Email: "a@example.com", OldAuthPW: randomKeyHex(t)})
	requireErrno(t, err, ErrnoIncorrectPassword)

	flags := env.gate.flagged()
	if len(flags) != 1 || flags[0].Errno != ErrnoIncorrectPassword || flags[0].Email != "a@example.com" {
		t.Fatalf("expected incorrect password flag, got %+v", flags)
	}
}

func TestChangeStartKeyFetchCarriesCurrentKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := randomKeyHex(t)
	created, err := env.engine.CreateAccount(context.Background(), CreateAccountRequest{Email: "a@example.com", AuthPW: authPW, Keys: true})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	want, err := env.engine.FetchKeys(context.Background(), created.KeyFetchToken)
	if err != nil {
		t.Fatalf("FetchKeys failed: %v", err)
	}

	start := env.changeStart(t, "a@example.com", authPW)
	got, err := env.engine.FetchKeys(context.Background(), start.KeyFetchToken)
	if err != nil {
		t.Fatalf("FetchKeys failed: %v", err)
	}
	if *got != *want {
		t.Fatal("change start must hand out the current keys")
	}
}

func TestChangeFinishWithoutSessionIsLegacy(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	session := env.signIn(t, "a@example.com", authPW, nil)
	start := env.changeStart(t, "a@example.com", authPW)

	newAuthPW := randomKeyHex(t)
	res, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, ChangeFinishRequest{
		AuthPW: newAuthPW,
		WrapKb: randomKeyHex(t),
	})
	if err != nil {
		t.Fatalf("ChangeFinish failed: %v", err)
	}
	if res != nil {
		t.Fatalf("expected empty response, got %+v", res)
	}

	_, err = env.engine.Session(context.Background(), session.SessionToken)
	requireErrno(t, err, ErrnoInvalidToken)
	env.signIn(t, "a@example.com", newAuthPW, nil)

	if _, _, changed := env.mailer.counts(); changed != 1 {
		t.Fatalf("expected one password changed email, got %d", changed)
	}
}

func TestChangeFinishReplacesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	session := env.signIn(t, "a@example.com", authPW, nil)
	start := env.changeStart(t, "a@example.com", authPW)

	wrapKb := randomKeyHex(t)
	res, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, ChangeFinishRequest{
		AuthPW:       randomKeyHex(t),
		WrapKb:       wrapKb,
		SessionToken: session.SessionToken,
		Keys:         true,
	})
	if err != nil {
		t.Fatalf("ChangeFinish failed: %v", err)
	}
	if res == nil || res.SessionToken == "" || res.SessionToken == session.SessionToken {
		t.Fatalf("expected a new session, got %+v", res)
	}

	status, err := env.engine.Session(context.Background(), res.SessionToken)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if status.State != "verified" {
		t.Fatalf("expected the new session to inherit verification, got %q", status.State)
	}

	keys, err := env.engine.FetchKeys(context.Background(), res.KeyFetchToken)
	if err != nil {
		t.Fatalf("FetchKeys failed: %v", err)
	}
	if keys.WrapKb != wrapKb {
		t.Fatal("expected the new wrapKb in the key bundle")
	}
}

func TestChangeFinishTokenWorksOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	start := env.changeStart(t, "a@example.com", authPW)

	req := ChangeFinishRequest{AuthPW: randomKeyHex(t), WrapKb: randomKeyHex(t)}
	if _, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, req); err != nil {
		t.Fatalf("ChangeFinish failed: %v", err)
	}
	_, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, req)
	requireErrno(t, err, ErrnoInvalidToken)
}

func TestChangeFinishPushesOtherDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	phone := env.signIn(t, "a@example.com", authPW, &DeviceRequest{Name: "phone", PushCallback: "https://push.example.com/1"})
	laptop := env.signIn(t, "a@example.com", authPW, &DeviceRequest{Name: "laptop", PushCallback: "https://push.example.com/2"})
	start := env.changeStart(t, "a@example.com", authPW)

	_, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, ChangeFinishRequest{
		AuthPW:       randomKeyHex(t),
		WrapKb:       randomKeyHex(t),
		SessionToken: laptop.SessionToken,
	})
	if err != nil {
		t.Fatalf("ChangeFinish failed: %v", err)
	}

	select {
	case call := <-env.pusher.calls:
		if call.uid != phone.UID {
			t.Fatalf("unexpected push uid %q", call.uid)
		}
		if len(call.devices) != 1 || call.devices[0].Name != "phone" {
			t.Fatalf("expected only the phone to be notified, got %+v", call.devices)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a push notification")
	}
}

func TestChangeFinishKeepsOriginatingDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	laptop := env.signIn(t, "a@example.com", authPW, &DeviceRequest{Name: "laptop", PushCallback: "https://push.example.com/2"})
	deviceID := env.sessionRecord(t, laptop.SessionToken).DeviceID
	if deviceID == "" {
		t.Fatal("expected the sign-in session to carry its device")
	}

	start := env.changeStart(t, "a@example.com", authPW)
	res, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, ChangeFinishRequest{
		AuthPW:       randomKeyHex(t),
		WrapKb:       randomKeyHex(t),
		SessionToken: laptop.SessionToken,
	})
	if err != nil {
		t.Fatalf("ChangeFinish failed: %v", err)
	}

	if got := env.sessionRecord(t, res.SessionToken).DeviceID; got != deviceID {
		t.Fatalf("replacement session device = %q, want %q", got, deviceID)
	}
}

func TestChangeFinishRejectsForeignSession(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	otherPW := env.createAccount(t, "b@example.com")
	other := env.signIn(t, "b@example.com", otherPW, nil)
	start := env.changeStart(t, "a@example.com", authPW)

	_, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, ChangeFinishRequest{
		AuthPW:       randomKeyHex(t),
		WrapKb:       randomKeyHex(t),
		SessionToken: other.SessionToken,
	})
	requireErrno(t, err, ErrnoInvalidToken)

	// Nothing changed: the old password still works.
	env.signIn(t, "a@example.com", authPW, nil)
}

func TestChangeFinishTOTPRequiresSecondFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	authPW := env.createAccount(t, "a@example.com")
	env.enableTOTP(t, "a@example.com", authPW)

	start := env.changeStart(t, "a@example.com", authPW)
	req := ChangeFinishRequest{AuthPW: randomKeyHex(t), WrapKb: randomKeyHex(t)}
	_, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, req)
	requireErrno(t, err, ErrnoUnverifiedSession)

	session := env.signIn(t, "a@example.com", authPW, nil)
	req.SessionToken = session.SessionToken
	_, err = env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, req)
	requireErrno(t, err, ErrnoUnverifiedSession)

	// The enrolment code is spent; wait for the next time step.
	env.clock.Advance(time.Duration(env.engine.config.TOTP.Period) * time.Second)
	if _, err := env.engine.VerifySessionTOTP(context.Background(), session.SessionToken, VerifyTOTPRequest{
		Code: env.totpCode(t, "a@example.com"),
	}); err != nil {
		t.Fatalf("VerifySessionTOTP failed: %v", err)
	}

	res, err := env.engine.ChangeFinish(context.Background(), start.PasswordChangeToken, req)
	if err != nil {
		t.Fatalf("ChangeFinish after TOTP failed: %v", err)
	}
	status, err := env.engine.Session(context.Background(), res.SessionToken)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if status.AAL != 2 || status.Method != "totp-2fa" {
		t.Fatalf("expected the new session at AAL 2, got %+v", status)
	}
}
