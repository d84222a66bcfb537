// Package notification delivers chart-session alerts (new pattern
// findings, feed degradation and recovery) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"

	"chartfeed/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent. Finding and Spike carry the
// chart event behind the alert when there is one.
type Alert struct {
	Level   AlertLevel         `json:"level"`
	Symbol  string             `json:"symbol"`
	Title   string             `json:"title"`
	Message string             `json:"message"`
	Finding *model.Finding     `json:"finding,omitempty"`
	Spike   *model.VolumeSpike `json:"spike,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Send(_ context.Context, a Alert) error {
	attrs := []any{"level", a.Level, "symbol", a.Symbol, "title", a.Title, "message", a.Message}
	if f := a.Finding; f != nil {
		attrs = append(attrs, "kind", f.Kind, "strength", f.Strength, "price_level", f.Level)
	}
	if sp := a.Spike; sp != nil {
		attrs = append(attrs, "spike_ratio", sp.Ratio)
	}
	n.log.Info("alert", attrs...)
	return nil
}

// Multi sends each alert to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
