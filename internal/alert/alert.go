package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/circuitbreaker"
	"tripwire/detection-engine/internal/indicator"
)

// Alert is the payload handed to the alerting collaborator. This engine
// decides that and how urgently to alert; routing and delivery (paging,
// chat, mail) belong to the receiving side.
type Alert struct {
	Type            string              `json:"type"`
	Severity        indicator.Severity  `json:"severity"`
	Details         map[string]any      `json:"details"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Notifier delivers alerts. Implementations must be time-bounded; a failed
// delivery never blocks detection or response.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log, level keyed by severity.
// Used standalone in single-node deployments and as the webhook fallback.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	switch a.Severity {
	case indicator.SeverityCritical:
		ev = n.Logger.Error()
	case indicator.SeverityHigh:
		ev = n.Logger.Warn()
	default:
		ev = n.Logger.Info()
	}
	ev.Str("alert_type", a.Type).
		Str("severity", string(a.Severity)).
		Interface("details", a.Details).
		Strs("recommendations", a.Recommendations).
		Msg("security alert")
	return nil
}

// WebhookNotifier POSTs alerts to a configured endpoint behind a circuit
// breaker. An open breaker or delivery failure degrades to the log sink.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	fallback *LogNotifier
}

func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New("alert_webhook", circuitbreaker.DefaultConfig()),
		fallback: &LogNotifier{Logger: logger},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	err := n.breaker.Do(func() error {
		body, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("deliver alert: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		// Best effort: the alert still lands somewhere observable.
		_ = n.fallback.Notify(ctx, a)
		return err
	}
	return nil
}
