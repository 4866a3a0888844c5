package fxauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/customs"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

// testConfig keeps production semantics with the cheapest allowed stretch.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16
	cfg.Notify.ShutdownTimeout = 2 * time.Second
	return cfg
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errMailerDown = errors.New("smtp unavailable")

type recordingMailer struct {
	mu       sync.Mutex
	fail     bool
	recovery []notify.RecoveryEmail
	resets   []notify.AccountEmail
	changed  []notify.AccountEmail
}

func (m *recordingMailer) SendRecoveryEmail(_ context.Context, msg notify.RecoveryEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errMailerDown
	}
	m.recovery = append(m.recovery, msg)
	return nil
}

func (m *recordingMailer) SendPasswordResetEmail(_ context.Context, msg notify.AccountEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errMailerDown
	}
	m.resets = append(m.resets, msg)
	return nil
}

func (m *recordingMailer) SendPasswordChangedEmail(_ context.Context, msg notify.AccountEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errMailerDown
	}
	m.changed = append(m.changed, msg)
	return nil
}

func (m *recordingMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recovery) == 0 {
		t.Fatal("no recovery email sent")
	}
	return m.recovery[len(m.recovery)-1].Code
}

func (m *recordingMailer) counts() (recovery, resets, changed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recovery), len(m.resets), len(m.changed)
}

type pushCall struct {
	uid     string
	devices []accounts.Device
}

type recordingPusher struct {
	calls chan pushCall
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{calls: make(chan pushCall, 8)}
}

func (p *recordingPusher) NotifyPasswordChanged(_ context.Context, uid string, devices []accounts.Device) error {
	p.calls <- pushCall{uid: uid, devices: devices}
	return nil
}

// stubGate is a customs gate whose verdicts are set per action.
type stubGate struct {
	mu     sync.Mutex
	block  map[customs.Action]error
	flags  []customs.FlagInfo
	resets []string
	checks []customs.Request
}

func newStubGate() *stubGate {
	return &stubGate{block: map[customs.Action]error{}}
}

func (g *stubGate) Block(action customs.Action, err error) {
	g.mu.Lock()
	g.block[action] = err
	g.mu.Unlock()
}

func (g *stubGate) verdict(req customs.Request, action customs.Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks = append(g.checks, req)
	return g.block[action]
}

func (g *stubGate) Check(_ context.Context, req customs.Request, _ string, action customs.Action) error {
	return g.verdict(req, action)
}

func (g *stubGate) CheckAuthenticated(_ context.Context, req customs.Request, _ string, action customs.Action) error {
	return g.verdict(req, action)
}

func (g *stubGate) CheckIPOnly(_ context.Context, req customs.Request, action customs.Action) error {
	return g.verdict(req, action)
}

func (g *stubGate) Flag(_ context.Context, _ string, info customs.FlagInfo) {
	g.mu.Lock()
	g.flags = append(g.flags, info)
	g.mu.Unlock()
}

func (g *stubGate) Reset(_ context.Context, email string) error {
	g.mu.Lock()
	g.resets = append(g.resets, email)
	g.mu.Unlock()
	return nil
}

func (g *stubGate) Close() error { return nil }

func (g *stubGate) flagged() []customs.FlagInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]customs.FlagInfo(nil), g.flags...)
}

type testEnv struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	accounts *accounts.Memory
	mailer   *recordingMailer
	pusher   *recordingPusher
	gate     *stubGate
	clock    *testClock
	sink     *captureSink
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 256
	cfg.Audit.DropIfFull = true
	if mutate != nil {
		mutate(&cfg)
	}

	mr, rdb := newTestRedis(t)
	env := &testEnv{
		mr:       mr,
		accounts: accounts.NewMemory(),
		mailer:   &recordingMailer{},
		pusher:   newRecordingPusher(),
		gate:     newStubGate(),
		clock:    newTestClock(),
		sink:     newCaptureSink(256),
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(env.accounts).
		WithCustoms(env.gate).
		WithMailer(env.mailer).
		WithPusher(env.pusher).
		WithAuditSink(env.sink).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	env.engine = engine

	t.Cleanup(func() {
		_ = engine.Close()
		mr.Close()
	})
	return env
}

func randomKeyHex(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	return hex.EncodeToString(b)
}

// createAccount registers email and returns its authPW.
func (env *testEnv) createAccount(t *testing.T, email string) string {
	t.Helper()
	authPW := randomKeyHex(t)
	if _, err := env.engine.CreateAccount(context.Background(), CreateAccountRequest{
		Email:  email,
		AuthPW: authPW,
	}); err != nil {
		t.Fatalf("CreateAccount(%s) failed: %v", email, err)
	}
	return authPW
}

// sendCode starts a reset for email and returns the forgot token and mailed code.
func (env *testEnv) sendCode(t *testing.T, email string) (*PasswordForgotTokenResponse, string) {
	t.Helper()
	res, err := env.engine.SendCode(context.Background(), SendCodeRequest{Email: email})
	if err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	return res, env.mailer.lastCode(t)
}

func wrongCode(code string) string {
	b, _ := hex.DecodeString(code)
	b[0] ^= 0xff
	return hex.EncodeToString(b)
}

func requireErrno(t *testing.T, err error, errno int) *AppError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected errno %d, got nil", errno)
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError with errno %d, got %T: %v", errno, err, err)
	}
	if appErr.Errno != errno {
		t.Fatalf("expected errno %d, got %d (%v)", errno, appErr.Errno, err)
	}
	return appErr
}
