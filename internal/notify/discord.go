package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embed colors per event family, chosen so an operator reads severity off the
// channel at a glance.
const (
	colorRoutine   = 0x2ecc71 // green: ordinary position lifecycle
	colorExecution = 0xe67e22 // orange: order or exit trouble
	colorMarket    = 0xf1c40f // yellow: streak and candle alerts
	colorLedger    = 0xe74c3c // red: ledger violations and repairs
)

// DiscordSender delivers notes via a Discord webhook as colored embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Footer      discordFooter `json:"footer"`
}

type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

// embedColor maps an event to its family's color.
func embedColor(event string) int {
	switch {
	case strings.HasPrefix(event, "ledger."), event == "integrity.alert":
		return colorLedger
	case event == "order.failed", event == "exit.retry", event == "urgency.exit":
		return colorExecution
	case event == "streak.alert", event == "candle.closed":
		return colorMarket
	default:
		return colorRoutine
	}
}

// Send posts the note as a single embed, with the event name in the footer.
func (d *DiscordSender) Send(ctx context.Context, note Note) error {
	payload := discordWebhook{
		Embeds: []discordEmbed{{
			Title:       note.Title,
			Description: note.Body,
			Color:       embedColor(note.Event),
			Footer:      discordFooter{Text: note.Event},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: discord: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: discord: send: %w", err)
	}
	defer resp.Body.Close()

	// Discord answers 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: discord: status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

// Name returns the channel identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
