// Package notify delivers operator-facing alerts for the bot's lifecycle
// events. Each alert carries the event name alongside the rendered text so a
// channel can style execution trouble, ledger repairs, and routine position
// traffic differently.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Note is one operator-facing alert: the lifecycle event it reports plus the
// rendered title and body.
type Note struct {
	Event string
	Title string
	Body  string
}

// Sender delivers a Note over one channel.
type Sender interface {
	Send(ctx context.Context, note Note) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// Notifier fans a Note out to every configured channel, muting events the
// operator did not subscribe to.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// named in the events list reach a channel; an empty list subscribes to
// everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers one alert to every channel. A failing channel never blocks
// the others; the combined error names each channel that failed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		n.logger.DebugContext(ctx, "event muted",
			slog.String("event", event))
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	note := Note{Event: event, Title: title, Body: message}
	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("channel", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()))
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert delivered",
			slog.String("channel", s.Name()),
			slog.String("event", event))
	}

	if len(failed) > 0 {
		return fmt.Errorf("notify: %s: %s", event, strings.Join(failed, "; "))
	}
	return nil
}
