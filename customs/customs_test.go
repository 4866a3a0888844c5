package customs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewSelectsStrategy(t *testing.T) {
	_, client := newTestRedis(t)

	g, err := New(Config{URL: "none"})
	require.NoError(t, err)
	assert.IsType(t, Disabled{}, g)

	g, err = New(Config{})
	require.NoError(t, err)
	assert.IsType(t, Disabled{}, g)

	g, err = New(Config{URL: "redis"}, WithRedis(client))
	require.NoError(t, err)
	assert.IsType(t, &Local{}, g)

	_, err = New(Config{URL: "redis"})
	assert.Error(t, err)

	g, err = New(Config{URL: "http://127.0.0.1:7000"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPGate{}, g)

	_, err = New(Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestDisabledNeverBlocks(t *testing.T) {
	ctx := context.Background()
	var g Gate = Disabled{}
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Check(ctx, Request{IP: "10.0.0.1"}, "a@example.com", ActionPasswordForgotSendCode))
	}
	g.Flag(ctx, "10.0.0.1", FlagInfo{Email: "a@example.com"})
	assert.NoError(t, g.Reset(ctx, "a@example.com"))
	assert.NoError(t, g.CheckIPOnly(ctx, Request{}, ActionAccountCreate))
	assert.NoError(t, g.CheckAuthenticated(ctx, Request{}, "uid", ActionVerifyTotpCode))
}

func TestLocalBlocksAfterPolicyLimit(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)

	var (
		mu       sync.Mutex
		verdicts []Result
	)
	g := NewLocal(client, Config{}, WithObserver(func(_ context.Context, _ Action, r Result) {
		mu.Lock()
		verdicts = append(verdicts, r)
		mu.Unlock()
	}))

	req := Request{IP: "10.0.0.1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Check(ctx, req, "Alice@Example.com", ActionPasswordForgotSendCode))
	}
	err := g.Check(ctx, req, "alice@example.com", ActionPasswordForgotSendCode)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ActionPasswordForgotSendCode, blocked.Action)
	assert.False(t, blocked.Unblock)
	assert.Greater(t, blocked.RetryAfter, 14*time.Minute)
	assert.LessOrEqual(t, blocked.RetryAfter, 15*time.Minute)
	require.Len(t, verdicts, 4)
	assert.True(t, verdicts[3].Block)

	require.NoError(t, g.Check(ctx, req, "bob@example.com", ActionPasswordForgotSendCode))

	require.NoError(t, g.Reset(ctx, "alice@example.com"))
	assert.NoError(t, g.Check(ctx, req, "alice@example.com", ActionPasswordForgotSendCode))
}

func TestLocalWindowExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	g := NewLocal(client, Config{Policies: map[Action]Policy{
		ActionAccountCreate: {PerIP: 1, Window: time.Minute},
	}})

	req := Request{IP: "10.0.0.2"}
	require.NoError(t, g.CheckIPOnly(ctx, req, ActionAccountCreate))
	require.Error(t, g.CheckIPOnly(ctx, req, ActionAccountCreate))

	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, g.CheckIPOnly(ctx, req, ActionAccountCreate))
}

func TestLocalFlagGatesLogin(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	g := NewLocal(client, Config{MaxFailedAttempts: 2})

	req := Request{IP: "10.0.0.3"}
	require.NoError(t, g.Check(ctx, req, "carol@example.com", ActionAccountLogin))

	g.Flag(ctx, req.IP, FlagInfo{Email: "carol@example.com", Errno: 103})
	g.Flag(ctx, req.IP, FlagInfo{Email: "carol@example.com", Errno: 103})

	err := g.Check(ctx, Request{IP: "10.9.9.9"}, "carol@example.com", ActionAccountLogin)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.True(t, blocked.Unblock)
	assert.Equal(t, "too_many_failed_attempts", blocked.Reason)

	// Actions without failure gating are unaffected.
	assert.NoError(t, g.Check(ctx, req, "carol@example.com", ActionPasswordForgotSendCode))
}

func TestLocalUnavailableWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	g := NewLocal(client, Config{})
	mr.Close()

	err := g.Check(context.Background(), Request{IP: "10.0.0.4"}, "dave@example.com", ActionPasswordChange)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSanitizePayload(t *testing.T) {
	in := map[string]any{"email": "a@example.com", "authPW": "secret", "oldAuthPW": "old", "paymentToken": "tok"}
	out := SanitizePayload(in)
	assert.Equal(t, map[string]any{"email": "a@example.com"}, out)
	assert.Contains(t, in, "authPW", "input must not be mutated")
	assert.Nil(t, SanitizePayload(nil))
}

type recordedCall struct {
	path string
	body map[string]any
}

func newCustomsServer(t *testing.T, handler func(path string, body map[string]any) (int, any)) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, recordedCall{path: r.URL.Path, body: body})
		mu.Unlock()
		status, resp := handler(r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPGateCheck(t *testing.T) {
	srv, calls := newCustomsServer(t, func(path string, body map[string]any) (int, any) {
		if body["email"] == "blocked@example.com" {
			return http.StatusOK, map[string]any{"block": true, "retryAfter": 90, "unblock": true, "blockReason": "other"}
		}
		return http.StatusOK, map[string]any{"block": false}
	})

	g, err := NewHTTPGate(srv.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	req := Request{IP: "10.1.1.1", Payload: map[string]any{"email": "ok@example.com", "authPW": "hunter2"}}
	require.NoError(t, g.Check(ctx, req, "ok@example.com", ActionPasswordChange))

	err = g.Check(ctx, Request{IP: "10.1.1.1"}, "blocked@example.com", ActionAccountLogin)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 90*time.Second, blocked.RetryAfter)
	assert.True(t, blocked.Unblock)
	assert.Equal(t, "other", blocked.Reason)

	require.Len(t, *calls, 2)
	first := (*calls)[0]
	assert.Equal(t, "/check", first.path)
	assert.Equal(t, "passwordChange", first.body["action"])
	payload, ok := first.body["payload"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, payload, "authPW")
	assert.Equal(t, "ok@example.com", payload["email"])
}

func TestHTTPGateEndpoints(t *testing.T) {
	srv, calls := newCustomsServer(t, func(string, map[string]any) (int, any) {
		return http.StatusOK, map[string]any{}
	})
	g, err := NewHTTPGate(srv.URL+"/", 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, g.CheckAuthenticated(ctx, Request{IP: "1.2.3.4"}, "uid-1", ActionVerifyTotpCode))
	require.NoError(t, g.CheckIPOnly(ctx, Request{IP: "1.2.3.4"}, ActionAccountCreate))
	g.Flag(ctx, "1.2.3.4", FlagInfo{Email: "e@example.com"})
	require.NoError(t, g.Reset(ctx, "e@example.com"))

	require.Len(t, *calls, 4)
	assert.Equal(t, "/checkAuthenticated", (*calls)[0].path)
	assert.Equal(t, "uid-1", (*calls)[0].body["uid"])
	assert.Equal(t, "/checkIpOnly", (*calls)[1].path)
	assert.Equal(t, "/failedLoginAttempt", (*calls)[2].path)
	assert.Equal(t, float64(UnexpectedErrno), (*calls)[2].body["errno"])
	assert.Equal(t, "/passwordReset", (*calls)[3].path)
}

func TestHTTPGateFailsClosed(t *testing.T) {
	ctx := context.Background()

	broken, _ := newCustomsServer(t, func(string, map[string]any) (int, any) {
		return http.StatusInternalServerError, map[string]string{"error": "boom"}
	})
	g, err := NewHTTPGate(broken.URL, time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Check(ctx, Request{}, "a@example.com", ActionPasswordChange), ErrUnavailable)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	g, err = NewHTTPGate(slow.URL, 50*time.Millisecond)
	require.NoError(t, err)
	err = g.Check(ctx, Request{}, "a@example.com", ActionPasswordChange)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, errors.As(err, new(*BlockedError)))

	// Flag swallows backend failures.
	g.Flag(ctx, "1.1.1.1", FlagInfo{})
}
