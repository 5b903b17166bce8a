package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// NotifyCallEnded sends a summary when a phone call finishes.
func (d *Discord) NotifyCallEnded(ctx context.Context, provider, personaName, fromNumber string, duration time.Duration) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title: "Call ended",
			Color: 0x5865F2,
			Fields: []embedField{
				{Name: "From", Value: fmt.Sprintf("`%s`", fromNumber), Inline: true},
				{Name: "Persona", Value: personaName, Inline: true},
				{Name: "Provider", Value: provider, Inline: true},
				{Name: "Duration", Value: duration.Round(time.Second).String(), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyProviderDown warns that a backend refused or dropped a session.
func (d *Discord) NotifyProviderDown(ctx context.Context, provider, detail string) {
	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Provider trouble",
			Description: detail,
			Color:       0xFF0000,
			Fields: []embedField{
				{Name: "Provider", Value: provider, Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
