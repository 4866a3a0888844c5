package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/fxauth"
	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/api"
	"github.com/MrEthical07/fxauth/notify"
)

type codeMailer struct {
	notify.LogMailer

	mu    sync.Mutex
	codes []string
}

func (m *codeMailer) SendRecoveryEmail(_ context.Context, msg notify.RecoveryEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, msg.Code)
	return nil
}

func (m *codeMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.codes)
	return m.codes[len(m.codes)-1]
}

func setupRouter(t *testing.T) (http.Handler, *codeMailer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := fxauth.DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16

	mailer := &codeMailer{}
	engine, err := fxauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(accounts.NewMemory()).
		WithMailer(mailer).
		WithPusher(notify.NopPusher{}).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return api.NewRouter(engine, nil), mailer
}

func randomKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return hex.EncodeToString(b)
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "api-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return w.Code, out
}

func createAccount(t *testing.T, h http.Handler, email string) (authPW string, session map[string]any) {
	t.Helper()
	authPW = randomKey(t)
	code, body := do(t, h, http.MethodPost, "/v1/account/create?keys=true", "", map[string]any{
		"email":  email,
		"authPW": authPW,
	})
	require.Equal(t, http.StatusOK, code, body)
	return authPW, body
}

func TestHeartbeat(t *testing.T) {
	h, _ := setupRouter(t)
	code, body := do(t, h, http.MethodGet, "/__heartbeat__", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body)
}

func TestPasswordForgotFlow(t *testing.T) {
	h, mailer := setupRouter(t)
	createAccount(t, h, "a@example.com")

	code, body := do(t, h, http.MethodPost, "/v1/password/forgot/send_code", "", map[string]any{"email": "a@example.com"})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 3, body["tries"])
	assert.EqualValues(t, 3600, body["ttl"])
	assert.EqualValues(t, 32, body["codeLength"])
	forgotToken := body["passwordForgotToken"].(string)

	code, body = do(t, h, http.MethodGet, "/v1/password/forgot/status", forgotToken, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 3, body["tries"])

	passCode := mailer.lastCode(t)
	wrong := []byte(passCode)
	if wrong[0] == '0' {
		wrong[0] = '1'
	} else {
		wrong[0] = '0'
	}
	code, body = do(t, h, http.MethodPost, "/v1/password/forgot/verify_code", forgotToken, map[string]any{"code": string(wrong)})
	require.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 105, body["errno"])
	assert.EqualValues(t, 2, body["tries"])
	assert.EqualValues(t, 3600, body["ttl"])
	assert.Equal(t, "Bad Request", body["error"])

	code, body = do(t, h, http.MethodPost, "/v1/password/forgot/verify_code", forgotToken, map[string]any{"code": passCode})
	require.Equal(t, http.StatusOK, code, body)
	resetToken := body["accountResetToken"].(string)

	code, body = do(t, h, http.MethodPost, "/v1/account/reset?keys=true", resetToken, map[string]any{
		"authPW":       randomKey(t),
		"sessionToken": true,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["sessionToken"])
	assert.NotEmpty(t, body["keyFetchToken"])

	code, body = do(t, h, http.MethodGet, "/v1/account/keys", body["keyFetchToken"].(string), nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["kA"], 64)
}

func TestUnknownAccountWireFormat(t *testing.T) {
	h, _ := setupRouter(t)

	code, body := do(t, h, http.MethodPost, "/v1/password/forgot/send_code", "", map[string]any{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 400, body["code"])
	assert.EqualValues(t, 102, body["errno"])
	assert.Equal(t, "Unknown account", body["message"])
}

func TestBindFailureIsInvalidParameter(t *testing.T) {
	h, _ := setupRouter(t)

	code, body := do(t, h, http.MethodPost, "/v1/password/forgot/send_code", "", map[string]any{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 107, body["errno"])
	assert.NotEmpty(t, body["validation"])

	code, body = do(t, h, http.MethodPost, "/v1/account/create", "", map[string]any{"email": "a@example.com", "authPW": "short"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 107, body["errno"])
}

func TestMissingBearerIsInvalidToken(t *testing.T) {
	h, _ := setupRouter(t)

	code, body := do(t, h, http.MethodGet, "/v1/password/forgot/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.EqualValues(t, 110, body["errno"])

	code, body = do(t, h, http.MethodGet, "/v1/session/status", "deadbeef", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.EqualValues(t, 110, body["errno"])
}

func TestChangeFinishWithoutSessionIsEmptyObject(t *testing.T) {
	h, _ := setupRouter(t)
	authPW, _ := createAccount(t, h, "a@example.com")

	code, body := do(t, h, http.MethodPost, "/v1/password/change/start", "", map[string]any{
		"email":     "a@example.com",
		"oldAuthPW": authPW,
	})
	require.Equal(t, http.StatusOK, code, body)

	code, body = do(t, h, http.MethodPost, "/v1/password/change/finish", body["passwordChangeToken"].(string), map[string]any{
		"authPW": randomKey(t),
		"wrapKb": randomKey(t),
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Empty(t, body)
}

func TestSessionStatusAndSecondaryEmail(t *testing.T) {
	h, _ := setupRouter(t)
	_, created := createAccount(t, h, "a@example.com")
	session := created["sessionToken"].(string)

	code, body := do(t, h, http.MethodGet, "/v1/session/status", session, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, created["uid"], body["uid"])
	assert.EqualValues(t, 1, body["authenticatorAssuranceLevel"])

	code, body = do(t, h, http.MethodPost, "/v1/recovery_email", session, map[string]any{"email": "b@example.com"})
	require.Equal(t, http.StatusOK, code, body)

	code, body = do(t, h, http.MethodPost, "/v1/password/forgot/send_code", "", map[string]any{"email": "b@example.com"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 145, body["errno"])
}

func TestTOTPCreateReturnsQRCodeURL(t *testing.T) {
	h, _ := setupRouter(t)
	_, created := createAccount(t, h, "a@example.com")

	code, body := do(t, h, http.MethodPost, "/v1/totp/create", created["sessionToken"].(string), nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["secret"])
	assert.Contains(t, body["qrCodeUrl"], "otpauth://totp/")

	code, body = do(t, h, http.MethodPost, "/v1/session/verify/totp", created["sessionToken"].(string), map[string]any{"code": "12ab56"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.EqualValues(t, 107, body["errno"])
}

func TestUnknownRoute(t *testing.T) {
	h, _ := setupRouter(t)
	code, body := do(t, h, http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.EqualValues(t, 999, body["errno"])
}
