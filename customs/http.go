package customs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const defaultTimeout = 3 * time.Second

// HTTPGate talks to the customs service.
type HTTPGate struct {
	base   *url.URL
	client *http.Client
	opts   options
}

var _ Gate = (*HTTPGate)(nil)

// NewHTTPGate builds a client for the customs service at baseURL.
func NewHTTPGate(baseURL string, timeout time.Duration, opts ...Option) (*HTTPGate, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("customs: invalid url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPGate{
		base: u,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		opts: buildOptions(opts),
	}, nil
}

type checkBody struct {
	IP      string            `json:"ip"`
	Email   string            `json:"email,omitempty"`
	UID     string            `json:"uid,omitempty"`
	Action  Action            `json:"action"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
}

type verdictBody struct {
	Block       bool    `json:"block"`
	BlockReason string  `json:"blockReason,omitempty"`
	Suspect     bool    `json:"suspect,omitempty"`
	Unblock     bool    `json:"unblock,omitempty"`
	RetryAfter  float64 `json:"retryAfter,omitempty"`
}

func (g *HTTPGate) Check(ctx context.Context, req Request, email string, action Action) error {
	return g.check(ctx, "/check", action, checkBody{
		IP:      req.IP,
		Email:   email,
		Action:  action,
		Headers: req.Headers,
		Query:   req.Query,
		Payload: SanitizePayload(req.Payload),
	})
}

func (g *HTTPGate) CheckAuthenticated(ctx context.Context, req Request, uid string, action Action) error {
	return g.check(ctx, "/checkAuthenticated", action, checkBody{
		IP:      req.IP,
		UID:     uid,
		Action:  action,
		Headers: req.Headers,
	})
}

func (g *HTTPGate) CheckIPOnly(ctx context.Context, req Request, action Action) error {
	return g.check(ctx, "/checkIpOnly", action, checkBody{IP: req.IP, Action: action})
}

func (g *HTTPGate) check(ctx context.Context, path string, action Action, body checkBody) error {
	var v verdictBody
	if err := g.post(ctx, path, body, &v); err != nil {
		return err
	}
	r := Result{
		Block:       v.Block,
		BlockReason: v.BlockReason,
		Suspect:     v.Suspect,
		Unblock:     v.Unblock,
		RetryAfter:  time.Duration(v.RetryAfter * float64(time.Second)),
	}
	g.opts.observe(ctx, action, r)
	return verdict(action, r)
}

func (g *HTTPGate) Flag(ctx context.Context, ip string, info FlagInfo) {
	errno := info.Errno
	if errno == 0 {
		errno = UnexpectedErrno
	}
	body := map[string]any{"ip": ip, "email": info.Email, "errno": errno}
	if err := g.post(ctx, "/failedLoginAttempt", body, nil); err != nil {
		g.opts.logger.Warn("customs flag failed", zap.String("ip", ip), zap.Int("errno", errno), zap.Error(err))
	}
}

func (g *HTTPGate) Reset(ctx context.Context, email string) error {
	return g.post(ctx, "/passwordReset", map[string]string{"email": email}, nil)
}

func (g *HTTPGate) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

func (g *HTTPGate) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	target := g.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}
