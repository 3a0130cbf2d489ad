package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// EventPublisher fans a lifecycle event out to every sink: the Redis signal
// bus (live pub/sub plus the durable stream), the Postgres audit log, and the
// operator-facing Notifier. Sink failures are independent; one bad sink never
// suppresses the others, and the combined error is informational.
type EventPublisher struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier *Notifier
	logger   *slog.Logger
}

// NewEventPublisher creates an EventPublisher. Any sink may be nil and is
// then skipped.
func NewEventPublisher(bus domain.SignalBus, audit domain.AuditStore, notifier *Notifier, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Publish records a structured lifecycle event on the bus, the stream, and
// the audit log.
func (p *EventPublisher) Publish(ctx context.Context, event domain.Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event %s: %w", event.Name, err)
	}

	var failed []string
	if p.bus != nil {
		if err := p.bus.Publish(ctx, event.Name, payload); err != nil {
			p.logger.Warn("bus publish failed",
				slog.String("event", event.Name),
				slog.String("error", err.Error()))
			failed = append(failed, "publish")
		}
		if err := p.bus.StreamAppend(ctx, domain.StreamLifecycle, payload); err != nil {
			p.logger.Warn("stream append failed",
				slog.String("event", event.Name),
				slog.String("error", err.Error()))
			failed = append(failed, "stream")
		}
	}
	if p.audit != nil {
		detail := map[string]any{"preset": event.Preset}
		for k, v := range event.Detail {
			detail[k] = v
		}
		if err := p.audit.Log(ctx, event.Name, detail); err != nil {
			p.logger.Warn("audit log failed",
				slog.String("event", event.Name),
				slog.String("error", err.Error()))
			failed = append(failed, "audit")
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("notify: event %s: %d sink(s) failed", event.Name, len(failed))
	}
	return nil
}

// Notify publishes the event envelope and forwards the human-readable form to
// the chat senders. It satisfies the notifier dependency of the monitor,
// alerter, and history pipeline.
func (p *EventPublisher) Notify(ctx context.Context, event, title, message string) error {
	_ = p.Publish(ctx, domain.Event{
		Name:   event,
		Detail: map[string]string{"title": title, "message": message},
	})

	if p.notifier == nil {
		return nil
	}
	return p.notifier.Notify(ctx, event, title, message)
}
