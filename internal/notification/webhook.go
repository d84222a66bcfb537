package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier that POSTs JSON to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

type webhookZone struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

type webhookFinding struct {
	Kind     string       `json:"kind"`
	Strength string       `json:"strength"`
	Time     string       `json:"time"`
	Level    float64      `json:"level"`
	Stop     *float64     `json:"stop,omitempty"`
	Zone     *webhookZone `json:"zone,omitempty"`
}

type webhookSpike struct {
	Ratio  float64 `json:"spike_ratio"`
	Volume int64   `json:"volume,omitempty"`
	Price  float64 `json:"price,omitempty"`
}

type webhookPayload struct {
	Level   AlertLevel      `json:"level"`
	Symbol  string          `json:"symbol"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	SentAt  string          `json:"ts"`
	Finding *webhookFinding `json:"finding,omitempty"`
	Spike   *webhookSpike   `json:"spike,omitempty"`
}

func (w *WebhookNotifier) payload(a Alert) webhookPayload {
	p := webhookPayload{
		Level:   a.Level,
		Symbol:  a.Symbol,
		Title:   a.Title,
		Message: a.Message,
		SentAt:  w.now().UTC().Format(time.RFC3339Nano),
	}
	if f := a.Finding; f != nil {
		wf := &webhookFinding{
			Kind:     f.Kind,
			Strength: f.Strength,
			Time:     time.Unix(f.Time, 0).UTC().Format(time.RFC3339),
			Level:    f.Level,
		}
		if f.Stop != 0 {
			stop := f.Stop
			wf.Stop = &stop
		}
		if f.Upper != 0 || f.Lower != 0 {
			wf.Zone = &webhookZone{Lower: f.Lower, Upper: f.Upper}
		}
		p.Finding = wf
	}
	if sp := a.Spike; sp != nil {
		p.Spike = &webhookSpike{Ratio: sp.Ratio, Volume: sp.Volume, Price: sp.Price}
	}
	return p
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(w.payload(alert))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send %s alert for %s: %w", alert.Level, alert.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
