package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AlertNotifier delivers resource alerts to an external sink. The delivery
// mechanism is irrelevant to the core; failures are logged, never fatal.
type AlertNotifier interface {
	Notify(ctx context.Context, alert ResourceAlert) error
	Name() string
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-based alert notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, alert ResourceAlert) error {
	level := slog.LevelWarn
	if alert.Level == AlertEmergency {
		level = slog.LevelError
	}

	n.logger.Log(context.Background(), level, fmt.Sprintf("ALERT: %s", alert.Description),
		slog.String("alert_id", alert.ID),
		slog.String("resource", alert.Resource),
		slog.String("metric", alert.Metric),
		slog.String("level", string(alert.Level)),
		slog.Float64("value", alert.Value),
		slog.Float64("threshold", alert.Threshold),
		slog.Any("actions", alert.Actions),
	)
	return nil
}

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. Deliveries are
// rate limited so an alert storm cannot flood the receiver.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	dropped  int64
	lastSent time.Time
}

// NewWebhookNotifier creates a webhook notifier allowing at most burst
// deliveries per interval.
func NewWebhookNotifier(url string, interval time.Duration, burst int, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = 1
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  logger,
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, alert ResourceAlert) error {
	if !n.limiter.Allow() {
		n.mu.Lock()
		n.dropped++
		dropped := n.dropped
		n.mu.Unlock()

		n.logger.Debug("Webhook alert dropped by rate limiter",
			slog.String("alert_id", alert.ID),
			slog.Int64("dropped_total", dropped),
		)
		return nil
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering alert %s: %w", alert.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for alert %s", resp.StatusCode, alert.ID)
	}

	n.mu.Lock()
	n.lastSent = time.Now()
	n.mu.Unlock()
	return nil
}

// NotifierCallback adapts a set of notifiers into an AlertCallback.
// Notifier failures are logged and absorbed.
func NotifierCallback(logger *slog.Logger, notifiers ...AlertNotifier) AlertCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return func(alert ResourceAlert) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		for _, n := range notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				logger.Warn("Alert notification failed",
					slog.String("notifier", n.Name()),
					slog.String("alert_id", alert.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
