// Package notify delivers short-lived, non-blocking user notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Kind is success or failure.
type Kind string

const (
	KindSuccess Kind = protocol.NotificationSuccess
	KindFailure Kind = protocol.NotificationFailure
)

type Notification struct {
	Kind       Kind
	Message    string
	DocumentID string
	Duration   time.Duration
	Timestamp  time.Time
}

// Notifier shows a notification. Implementations must not block for long;
// errors are for logging only.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// New picks the notifier for cfg.Mode. busClient may be nil unless mode is bus.
func New(cfg config.NotifyConfig, busClient *bus.Client, logger *slog.Logger) (Notifier, error) {
	switch cfg.Mode {
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("bus notifier requires a bus client")
		}
		return &BusNotifier{bus: busClient, subject: cfg.Subject, duration: duration(cfg)}, nil
	case "desktop":
		return &DesktopNotifier{appName: cfg.AppName, send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		}}, nil
	case "log", "":
		return &LogNotifier{logger: logger.With(slog.String("component", "notify"))}, nil
	default:
		return nil, fmt.Errorf("unknown notify mode %q", cfg.Mode)
	}
}

func duration(cfg config.NotifyConfig) time.Duration {
	if cfg.DurationMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(cfg.DurationMS) * time.Millisecond
}

// BusNotifier publishes notifications for UI shells to render as toasts.
type BusNotifier struct {
	bus      *bus.Client
	subject  string
	duration time.Duration
}

func (b *BusNotifier) Notify(_ context.Context, n Notification) error {
	if n.Duration <= 0 {
		n.Duration = b.duration
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(protocol.Notification{
		Kind:       string(n.Kind),
		Message:    n.Message,
		DurationMS: int(n.Duration / time.Millisecond),
		DocumentID: n.DocumentID,
		Timestamp:  n.Timestamp,
	})
	if err != nil {
		return err
	}
	return b.bus.Conn().Publish(b.subject, data)
}

// DesktopNotifier raises a system notification.
type DesktopNotifier struct {
	appName string
	send    func(title, message string) error
}

func (d *DesktopNotifier) Notify(_ context.Context, n Notification) error {
	title := d.appName
	if n.Kind == KindFailure {
		title += ": error"
	}
	message := n.Message
	if len(message) > 100 {
		message = message[:100] + "..."
	}
	return d.send(title, message)
}

type LogNotifier struct {
	logger *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	if n.Kind == KindFailure {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, n.Message,
		slog.String("kind", string(n.Kind)),
		slog.String("document_id", n.DocumentID))
	return nil
}
