package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
)

// LogTransport writes messages to the log. It is the delivery channel of last
// resort in development and the audit copy in production.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger.With(zap.String("transport", "log"))}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, m *notification.Message) error {
	fields := []zap.Field{
		zap.String("message_id", m.ID.String()),
		zap.String("kind", string(m.Kind)),
		zap.Any("payload", m.Payload),
	}
	if m.RecipientID != nil {
		fields = append(fields, zap.String("recipient_id", m.RecipientID.String()))
	} else {
		fields = append(fields, zap.String("recipient_role", string(m.RecipientRole)))
	}
	t.logger.Info("notification", fields...)
	return nil
}

// WebhookTransport posts messages as JSON, typically to a SIEM collector.
type WebhookTransport struct {
	url    string
	client *http.Client
}

func NewWebhookTransport(url string, timeout time.Duration) *WebhookTransport {
	return &WebhookTransport{url: url, client: &http.Client{Timeout: timeout}}
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Send(ctx context.Context, m *notification.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return Permanent(fmt.Errorf("encoding notification: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID.String())
	req.Header.Set("X-Notification-Kind", string(m.Kind))

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("webhook rejected notification with %d", resp.StatusCode))
	}
}

// Route sends a subset of messages through one transport.
type Route struct {
	Transport notification.Transport
	// Match selects messages; nil matches everything.
	Match func(*notification.Message) bool
}

// GovernanceOnly matches anomaly, breach, SLA and purge findings.
func GovernanceOnly(m *notification.Message) bool {
	return m.Kind.Governance()
}

// FanOut delivers each message through every matching route. Delivery is at
// least once: if one route fails the whole message is retried, so receivers
// deduplicate on the message id.
type FanOut struct {
	routes []Route
}

func NewFanOut(routes ...Route) *FanOut {
	return &FanOut{routes: routes}
}

func (f *FanOut) Name() string { return "fanout" }

func (f *FanOut) Send(ctx context.Context, m *notification.Message) error {
	var errs []error
	permanent := true
	for _, r := range f.routes {
		if r.Match != nil && !r.Match(m) {
			continue
		}
		if err := r.Transport.Send(ctx, m); err != nil {
			if !isPermanent(err) {
				permanent = false
			}
			errs = append(errs, fmt.Errorf("%s: %w", r.Transport.Name(), err))
		}
	}
	err := stderrors.Join(errs...)
	if err != nil && permanent {
		return Permanent(err)
	}
	return err
}
