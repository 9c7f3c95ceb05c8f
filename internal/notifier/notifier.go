// Package notifier implements the fire-and-forget external-effect
// contract of spec §4.8: chat notifications that can later be edited
// (e.g. to append a discovered tracker URL), and the wandb tracker
// URL finder. Both are explicitly out of scope in depth — this
// package provides a thin, real implementation so the scheduler has
// something concrete to call, per §2's "contract only" note.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// Notifier sends and edits fire-and-forget chat notifications. A
// failure here is logged at warning and never surfaces to the
// caller or mutates job state (spec §7 "Transient external failure").
type Notifier interface {
	// Send posts a new message and returns an opaque message id the
	// caller can later pass to Edit.
	Send(ctx context.Context, channel, text string) (messageID string, err error)
	// Edit updates a previously sent message in place.
	Edit(ctx context.Context, channel, messageID, text string) error
}

// Noop is the default Notifier when no webhook is configured: every
// call is a silent success with no message id.
type Noop struct{}

func (Noop) Send(ctx context.Context, channel, text string) (string, error) { return "", nil }
func (Noop) Edit(ctx context.Context, channel, messageID, text string) error { return nil }

// Discord posts to a Discord incoming webhook. Discord's webhook API
// doesn't return a stable message id without requesting one
// explicitly (`?wait=true`), which this implementation does so Edit
// can later PATCH the same message.
type Discord struct {
	WebhookURL string
	HTTPClient *http.Client
}

func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	return &Discord{WebhookURL: webhookURL, HTTPClient: &http.Client{Timeout: timeout}}
}

func (d *Discord) Send(ctx context.Context, channel, text string) (string, error) {
	if d.WebhookURL == "" {
		return "", nil
	}
	body, _ := json.Marshal(map[string]string{"content": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL+"?wait=true", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		logging.Log.WithError(err).Warn("notifier: discord send failed")
		return "", nil
	}
	defer resp.Body.Close()

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", nil
	}
	return decoded.ID, nil
}

func (d *Discord) Edit(ctx context.Context, channel, messageID, text string) error {
	if d.WebhookURL == "" || messageID == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"content": text})
	url := fmt.Sprintf("%s/messages/%s", d.WebhookURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		logging.Log.WithError(err).Warn("notifier: discord edit failed")
		return nil
	}
	defer resp.Body.Close()
	return nil
}
