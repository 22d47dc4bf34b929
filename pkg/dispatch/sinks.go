package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/mitigation"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/structlog"
)

// WebhookFirewall posts enforcement actions to an HTTP endpoint, typically
// an edge firewall controller.
type WebhookFirewall struct {
	name     string
	endpoint string
	client   *http.Client
}

func NewWebhookFirewall(name, endpoint string, timeout time.Duration) *WebhookFirewall {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookFirewall{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *WebhookFirewall) Name() string { return w.name }

func (w *WebhookFirewall) Enforce(ctx context.Context, action *mitigation.Action) error {
	body, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal action: %w", w.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: build request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", w.name, resp.StatusCode)
	}
	return nil
}

// NATSAlerter publishes alerts as JSON on a NATS subject so downstream
// consumers (SOC dashboards, pagers) can subscribe independently.
type NATSAlerter struct {
	name    string
	conn    *nats.Conn
	subject string
}

func NewNATSAlerter(conn *nats.Conn, subject string) *NATSAlerter {
	return &NATSAlerter{name: "nats", conn: conn, subject: subject}
}

func (n *NATSAlerter) Name() string { return n.name }

func (n *NATSAlerter) Notify(_ context.Context, alert *mitigation.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("nats alerter: marshal alert: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", n.subject, alert.Severity)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats alerter: publish %s: %w", subject, err)
	}
	return nil
}

// LogSink writes actions and alerts to the structured log. It is the
// default sink when no external collaborators are configured, and it
// never fails.
type LogSink struct {
	log *structlog.Logger
}

func NewLogSink(log *structlog.Logger) *LogSink {
	if log == nil {
		log = structlog.NewLogger("dispatch", structlog.LevelInfo, nil)
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Enforce(_ context.Context, action *mitigation.Action) error {
	s.log.AuditLog("mitigation_action", structlog.Fields{
		"action_id":  action.ID,
		"identity":   action.Identity,
		"kind":       string(action.Kind),
		"score":      action.Score,
		"expires_at": action.ExpiresAt,
	})
	return nil
}

func (s *LogSink) Notify(_ context.Context, alert *mitigation.Alert) error {
	s.log.Warn("alert", structlog.Fields{
		"alert_id":    alert.ID,
		"identity":    alert.Identity,
		"severity":    string(alert.Severity),
		"attack_type": alert.AttackType,
		"summary":     alert.Summary,
		"verdict_id":  alert.VerdictID,
	})
	return nil
}
