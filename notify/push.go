package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/fxauth/accounts"
)

// CommandPasswordChanged is the push command sent after a password change.
const CommandPasswordChanged = "fxaccounts:password_changed"

// Pusher notifies devices of account events.
type Pusher interface {
	NotifyPasswordChanged(ctx context.Context, uid string, devices []accounts.Device) error
}

// NopPusher drops every notification.
type NopPusher struct{}

func (NopPusher) NotifyPasswordChanged(context.Context, string, []accounts.Device) error { return nil }

// WebhookPusher POSTs a JSON command to each device's push callback.
type WebhookPusher struct {
	client      *http.Client
	concurrency int
}

var _ Pusher = (*WebhookPusher)(nil)

// NewWebhookPusher returns a [WebhookPusher] delivering to at most
// concurrency devices at a time.
func NewWebhookPusher(timeout time.Duration, concurrency int) *WebhookPusher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &WebhookPusher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		concurrency: concurrency,
	}
}

type pushPayload struct {
	Version int            `json:"version"`
	Command string         `json:"command"`
	Data    map[string]any `json:"data,omitempty"`
}

// NotifyPasswordChanged delivers to every device with a callback. A failed
// device does not stop delivery to the others; all failures are joined.
func (p *WebhookPusher) NotifyPasswordChanged(ctx context.Context, uid string, devices []accounts.Device) error {
	body, err := json.Marshal(pushPayload{Version: 1, Command: CommandPasswordChanged})
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, d := range devices {
		if d.PushCallback == "" {
			continue
		}
		d := d
		g.Go(func() error {
			if err := p.deliver(gctx, d.PushCallback, body); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("device %s: %w", d.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *WebhookPusher) deliver(ctx context.Context, callback string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", "60")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
