package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventKind names a user-facing notification.
type EventKind string

const (
	EventExecutionSucceeded    EventKind = "execution_succeeded"
	EventExecutionFailed       EventKind = "execution_failed"
	EventExecutionUnknown      EventKind = "execution_unknown"
	EventAutomationCompleted   EventKind = "automation_completed"
	EventSessionKeyRevoked     EventKind = "session_key_revoked"
	EventApprovalRequested     EventKind = "approval_requested"
	EventReconciliationFlagged EventKind = "reconciliation_flagged"
)

// Event is one notification about an automation or session key.
type Event struct {
	Kind         EventKind `json:"kind"`
	OwnerAddress string    `json:"owner_address"`
	AutomationID uuid.UUID `json:"automation_id,omitempty"`
	SessionKeyID uuid.UUID `json:"session_key_id,omitempty"`
	Message      string    `json:"message"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier delivers events on a best-effort basis. Delivery failures are
// logged and dropped; notification must never block or fail an execution.
type Notifier struct {
	logger     logrus.FieldLogger
	sdClient   *statsd.Client
	webhookURL string
	httpClient *http.Client
}

func New(sdClient *statsd.Client, webhookURL string, logger logrus.FieldLogger) *Notifier {
	return &Notifier{
		logger:     logger.WithField("service", "notify"),
		sdClient:   sdClient,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify records the event and, when a webhook is configured, forwards it.
func (n *Notifier) Notify(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	n.logger.WithFields(logrus.Fields{
		"kind":          event.Kind,
		"owner":         event.OwnerAddress,
		"automation_id": event.AutomationID,
	}).Info(event.Message)

	if n.sdClient != nil {
		if err := n.sdClient.Incr("notify.events", []string{"kind:" + string(event.Kind)}, 1); err != nil {
			n.logger.WithError(err).Debug("failed to report notify metric")
		}
	}

	if n.webhookURL == "" {
		return
	}
	if err := n.postWebhook(ctx, event); err != nil {
		n.logger.WithError(err).WithField("kind", event.Kind).Warn("failed to deliver webhook")
	}
}

func (n *Notifier) postWebhook(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
