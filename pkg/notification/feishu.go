// Package notification sends operational alerts to Feishu (Lark). With no
// webhook configured every send is a silent no-op, so callers never need to
// guard their notification calls.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"deskgrid/pkg/config"
	"deskgrid/pkg/logger"
)

// FeishuNotifier sends notifications to Feishu (Lark)
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a new Feishu notifier
func NewFeishuNotifier() *FeishuNotifier {
	// Priority: config file > environment variable
	var webhookURL string
	if config.GlobalConfig != nil && config.GlobalConfig.Notification.FeishuWebhookURL != "" {
		webhookURL = config.GlobalConfig.Notification.FeishuWebhookURL
		logger.Info("Using Feishu webhook URL from config file")
	} else {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
		if webhookURL != "" {
			logger.Info("Using Feishu webhook URL from environment variable")
		}
	}

	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check config file or FEISHU_WEBHOOK_URL env), Feishu notifications will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RunFailureNotification represents a failed scripted run alert
type RunFailureNotification struct {
	RunID      string
	TaskID     string
	Status     string
	FailedStep *int
	Error      string
	ReplicaID  string
	FinishedAt time.Time
}

// SendRunFailureNotification sends a failed-run alert to Feishu
func (f *FeishuNotifier) SendRunFailureNotification(ctx context.Context, notification *RunFailureNotification) error {
	if f.webhookURL == "" {
		return nil
	}

	message := f.buildRunFailureMessage(notification)

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu notification sent for run: %s", notification.RunID)
	return nil
}

// buildRunFailureMessage builds a Feishu message card for a failed run
func (f *FeishuNotifier) buildRunFailureMessage(notification *RunFailureNotification) map[string]interface{} {
	failedStep := "-"
	if notification.FailedStep != nil {
		failedStep = fmt.Sprintf("%d", *notification.FailedStep)
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": "red",
				"title": map[string]interface{}{
					"content": "Scripted Run Failed",
					"tag":     "plain_text",
				},
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Run**: %s\n**Task**: %s", notification.RunID, notification.TaskID),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "hr",
				},
				map[string]interface{}{
					"tag": "div",
					"fields": []interface{}{
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Status**\n%s", notification.Status),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Failed Step**\n%s", failedStep),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Replica**\n%s", notification.ReplicaID),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Finished**\n%s", notification.FinishedAt.Format("2006-01-02 15:04:05")),
								"tag":     "lark_md",
							},
						},
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Error**: %s", notification.Error),
						"tag":     "lark_md",
					},
				},
			},
		},
	}
}
