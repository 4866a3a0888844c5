package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MrEthical07/fxauth"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Bearer ", "", false},
		{"Hawk id=abc", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		token, ok := bearerToken(tc.header)
		require.Equal(t, tc.ok, ok, tc.header)
		require.Equal(t, tc.token, token, tc.header)
	}
}

func TestBearerAbortsWithoutHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/session/status", nil)

	Bearer()(c)
	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"errno":110`)
}

func TestErrorBodyKeepsReservedFields(t *testing.T) {
	e := fxauth.InvalidVerificationCode(2, 0)
	e.Extra["errno"] = 1

	body := errorBody(e)
	require.Equal(t, fxauth.ErrnoInvalidVerificationCode, body["errno"])
	require.Equal(t, 2, body["tries"])
	require.Equal(t, int64(0), body["ttl"])
}

func TestRenderErrorUnexpected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	renderError(c, context.Canceled)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), `"errno":999`)
	require.Len(t, c.Errors, 1)
}

func TestRequestContextAndLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)

	r := gin.New()
	r.Use(RequestID(), RequestLogger(zap.New(core)), RequestContext())

	var seen context.Context
	r.GET("/probe", func(c *gin.Context) {
		seen = c.Request.Context()
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/probe?service=sync", nil)
	req.Header.Set("User-Agent", "probe/1")
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
	require.NotNil(t, seen)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "/probe", fields["path"])
	require.Equal(t, "req-1", fields["request_id"])
	require.EqualValues(t, http.StatusNoContent, fields["status"])
}
