package fxauth

import (
	"context"

	"github.com/MrEthical07/fxauth/customs"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type acceptLanguageContextKey struct{}
type requestHeadersContextKey struct{}
type requestQueryContextKey struct{}
type requestPayloadContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine forwards it
// to customs, stamps it on audit events and puts it in notification emails.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithAcceptLanguage attaches the raw Accept-Language header to ctx. It picks
// the language of emails and of localized retry hints.
func WithAcceptLanguage(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, acceptLanguageContextKey{}, header)
}

// WithRequestHeaders attaches the headers customs should see.
func WithRequestHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, requestHeadersContextKey{}, headers)
}

func WithRequestQuery(ctx context.Context, query map[string]string) context.Context {
	return context.WithValue(ctx, requestQueryContextKey{}, query)
}

// WithRequestPayload attaches the decoded request body. Credential fields are
// stripped before it reaches customs.
func WithRequestPayload(ctx context.Context, payload map[string]any) context.Context {
	return context.WithValue(ctx, requestPayloadContextKey{}, payload)
}

func stringFromContext(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func clientIPFromContext(ctx context.Context) string {
	return stringFromContext(ctx, clientIPContextKey{})
}

func userAgentFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userAgentContextKey{})
}

func acceptLanguageFromContext(ctx context.Context) string {
	return stringFromContext(ctx, acceptLanguageContextKey{})
}

func customsRequestFromContext(ctx context.Context) customs.Request {
	req := customs.Request{IP: clientIPFromContext(ctx)}
	if ctx == nil {
		return req
	}
	req.Headers, _ = ctx.Value(requestHeadersContextKey{}).(map[string]string)
	req.Query, _ = ctx.Value(requestQueryContextKey{}).(map[string]string)
	if payload, ok := ctx.Value(requestPayloadContextKey{}).(map[string]any); ok {
		req.Payload = customs.SanitizePayload(payload)
	}
	return req
}
