// Package notify raises human-attention events for supervised projects.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/lucasnoah/steward/internal/logging"
)

// Notification is one escalation to a human.
type Notification struct {
	Project string
	Phase   string
	// Reason is a short machine-friendly cause, e.g. "quarantined".
	Reason  string
	Message string
	At      time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// EventLogger persists a project event row.
type EventLogger interface {
	LogProjectEvent(project, event, detail string) error
}

// LogNotifier writes notifications to the structured log and, when Events
// is set, to the event log as a project event.
type LogNotifier struct {
	Logger *logging.Logger
	Events EventLogger
	// Event is the project event name recorded; defaults to "notified".
	Event string
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	logging.OrNop(l.Logger).WithProject(n.Project).Warn("human attention requested",
		"reason", n.Reason, "phase", n.Phase, "message", n.Message)
	if l.Events == nil {
		return nil
	}
	event := l.Event
	if event == "" {
		event = "notified"
	}
	detail := n.Message
	if n.Reason != "" {
		detail = n.Reason + ": " + n.Message
	}
	return l.Events.LogProjectEvent(n.Project, event, detail)
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory. Used by tests and dry runs.
type Recorder struct {
	Sent []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.Sent = append(r.Sent, n)
	return nil
}
