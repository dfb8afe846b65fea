package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/site-logistics/internal/fleet"
)

// WebhookAlertSink posts surfaced alerts to an external notification backend.
type WebhookAlertSink struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewWebhookAlertSink(endpoint string, logger *slog.Logger) *WebhookAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookAlertSink{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

type webhookPayload struct {
	ProjectID string        `json:"project_id"`
	Alerts    []fleet.Alert `json:"alerts"`
}

// PublishAlerts delivers in the background so a slow backend never stalls the board.
func (d *WebhookAlertSink) PublishAlerts(projectID string, alerts []fleet.Alert) {
	go func() {
		if err := d.Post(context.Background(), projectID, alerts); err != nil {
			d.Logger.Warn("alert webhook failed", "project_id", projectID, "count", len(alerts), "error", err)
		}
	}()
}

func (d *WebhookAlertSink) Post(ctx context.Context, projectID string, alerts []fleet.Alert) error {
	b, err := json.Marshal(webhookPayload{ProjectID: projectID, Alerts: alerts})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", d.Endpoint, resp.StatusCode)
	}
	return nil
}
