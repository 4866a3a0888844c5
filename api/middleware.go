package api

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/MrEthical07/fxauth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	contextBearerKey    = "fxauth_bearer"
	contextRequestIDKey = "request_id"
	requestIDHeader     = "X-Request-Id"
)

// forwardedHeaders are the request headers customs may see.
var forwardedHeaders = []string{"User-Agent", "Accept-Language", "X-Forwarded-For", "Origin", "Referer"}

// RequestContext copies the client IP, user agent, Accept-Language, a subset
// of headers and the query string onto the request context, where the Engine
// reads them for customs, notifications and audit.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = fxauth.WithClientIP(ctx, c.ClientIP())
		ctx = fxauth.WithUserAgent(ctx, c.Request.UserAgent())
		ctx = fxauth.WithAcceptLanguage(ctx, c.GetHeader("Accept-Language"))

		headers := make(map[string]string, len(forwardedHeaders))
		for _, name := range forwardedHeaders {
			if v := c.GetHeader(name); v != "" {
				headers[strings.ToLower(name)] = v
			}
		}
		ctx = fxauth.WithRequestHeaders(ctx, headers)

		if q := c.Request.URL.Query(); len(q) > 0 {
			query := make(map[string]string, len(q))
			for k := range q {
				query[k] = q.Get(k)
			}
			ctx = fxauth.WithRequestQuery(ctx, query)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Bearer requires an "Authorization: Bearer <token>" header and stores the
// token for the handler. A missing or malformed header fails with errno 110.
func Bearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			renderError(c, fxauth.ErrInvalidToken)
			c.Abort()
			return
		}
		c.Set(contextBearerKey, token)
		c.Next()
	}
}

func bearerToken(value string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func bearerFrom(c *gin.Context) string {
	return c.GetString(contextBearerKey)
}

// RequestID tags each request with the caller's X-Request-Id or a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = newRequestID()
		}
		c.Writer.Header().Set(requestIDHeader, reqID)
		c.Set(contextRequestIDKey, reqID)
		c.Next()
	}
}

func newRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RequestLogger writes one line per request. Bearer tokens and bodies are
// never logged.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", c.GetString(contextRequestIDKey)),
		}
		if errno, ok := c.Get(contextErrnoKey); ok {
			fields = append(fields, zap.Any("errno", errno))
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Info("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}
