// Package notify delivers operator alerts (unrecoverable writes, missing
// rows, transport loss, reconciliation anomalies) to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event names an alert type. Operators filter on these in config.
type Event string

const (
	EventWriteFailed     Event = "write_failed"
	EventMissingRow      Event = "missing_row"
	EventTransportClosed Event = "transport_closed"
	EventAnomaly         Event = "anomaly"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every sender. Only configured event types
// are forwarded; an empty filter forwards everything.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and event filter.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[Event(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends the alert if its event type passes the filter. Delivery runs
// with its own timeout so alerts still go out while ctx is shutting down.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(event)))
		return nil
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(sendCtx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(event)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
