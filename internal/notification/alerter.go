package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chartfeed/internal/model"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
)

// Alerter turns published updates into alerts. It implements the update
// sink: Publish derives alerts on the caller's goroutine and never blocks;
// Run delivers them.
type Alerter struct {
	notifier Notifier
	log      *slog.Logger
	queue    chan Alert
	timeout  time.Duration

	// Owned by the publishing goroutine.
	symbol  string
	gen     uint64
	seen    map[string]bool
	state   model.Connectivity
	stale   bool
	errMsg  string
	spikeAt time.Time

	// Metrics hooks (optional, set externally)
	OnSent   func(level AlertLevel)
	OnFailed func()
	OnDrop   func()
}

// NewAlerter creates an alerter delivering through n.
func NewAlerter(n Notifier, queueSize int, log *slog.Logger) *Alerter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Alerter{
		notifier: n,
		log:      log.With("component", "alerter"),
		queue:    make(chan Alert, queueSize),
		timeout:  defaultSendTimeout,
		seen:     make(map[string]bool),
	}
}

// Publish inspects u for new findings and feed-state changes.
func (a *Alerter) Publish(u model.Update) {
	if u.Symbol == "" {
		a.symbol, a.gen, a.state, a.stale, a.errMsg = "", 0, "", false, ""
		a.spikeAt = time.Time{}
		clear(a.seen)
		return
	}
	if u.Symbol != a.symbol || u.Generation != a.gen {
		a.symbol, a.gen = u.Symbol, u.Generation
		a.state, a.stale, a.errMsg = "", false, ""
		a.spikeAt = time.Time{}
		clear(a.seen)
	}

	for _, f := range u.Patterns {
		key := fmt.Sprintf("%s/%d", f.Kind, f.Time)
		if a.seen[key] {
			continue
		}
		a.seen[key] = true
		found := f
		a.enqueue(Alert{
			Level:   AlertInfo,
			Symbol:  u.Symbol,
			Title:   fmt.Sprintf("%s (%s)", f.Kind, f.Strength),
			Message: describe(f),
			Finding: &found,
		})
	}

	if sp := u.Spike; sp != nil && !sp.ReceivedAt.Equal(a.spikeAt) {
		a.spikeAt = sp.ReceivedAt
		spike := *sp
		a.enqueue(Alert{
			Level:   AlertWarning,
			Symbol:  u.Symbol,
			Title:   "volume spike",
			Message: fmt.Sprintf("volume running %.1fx normal", sp.Ratio),
			Spike:   &spike,
		})
	}

	a.status(u.Symbol, u.Status)
}

func (a *Alerter) status(symbol string, st model.Status) {
	prev := a.state
	a.state = st.State
	switch {
	case prev == "" || prev == st.State:
	case st.State == model.StatePolling:
		a.enqueue(Alert{Level: AlertWarning, Symbol: symbol,
			Title: "feed degraded", Message: "live stream unavailable, polling snapshots"})
	case st.State == model.StateDisconnected:
		a.enqueue(Alert{Level: AlertCritical, Symbol: symbol,
			Title: "feed disconnected", Message: "no live or snapshot data"})
	case st.State == model.StateStreaming && (prev == model.StatePolling || prev == model.StateDisconnected):
		a.enqueue(Alert{Level: AlertInfo, Symbol: symbol,
			Title: "feed recovered", Message: "live stream resumed"})
	}

	if st.Stale && !a.stale {
		msg := "no quotes received"
		if st.StaleSince != nil {
			msg = "no quotes since " + st.StaleSince.UTC().Format(time.RFC3339)
		}
		a.enqueue(Alert{Level: AlertWarning, Symbol: symbol, Title: "feed stale", Message: msg})
	}
	a.stale = st.Stale

	if st.Error != "" && st.Error != a.errMsg {
		a.enqueue(Alert{Level: AlertWarning, Symbol: symbol, Title: "snapshot failed", Message: st.Error})
	}
	a.errMsg = st.Error
}

func describe(f model.Finding) string {
	msg := fmt.Sprintf("level %.4f", f.Level)
	if f.Stop != 0 {
		msg += fmt.Sprintf(", stop %.4f", f.Stop)
	}
	if f.Upper != 0 || f.Lower != 0 {
		msg += fmt.Sprintf(", zone %.4f-%.4f", f.Lower, f.Upper)
	}
	return msg + ", at " + time.Unix(f.Time, 0).UTC().Format("15:04")
}

func (a *Alerter) enqueue(al Alert) {
	select {
	case a.queue <- al:
	default:
		if a.OnDrop != nil {
			a.OnDrop()
		}
	}
}

// Run delivers queued alerts until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case al := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
			err := a.notifier.Send(sendCtx, al)
			cancel()
			if err != nil {
				a.log.Warn("alert delivery failed", "title", al.Title, "error", err)
				if a.OnFailed != nil {
					a.OnFailed()
				}
				continue
			}
			if a.OnSent != nil {
				a.OnSent(al.Level)
			}
		}
	}
}
