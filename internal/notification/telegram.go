package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts via Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier for the bot token and
// target chat, group or channel ID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func levelEmoji(l AlertLevel) string {
	switch l {
	case AlertWarning:
		return "⚠️"
	case AlertCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// format renders the alert as MarkdownV2: the symbol leads the header,
// followed by the finding or spike figures when present.
func format(a Alert) string {
	var b strings.Builder
	b.WriteString(levelEmoji(a.Level))
	if a.Symbol != "" {
		fmt.Fprintf(&b, " *%s* ·", escapeMarkdown(a.Symbol))
	}
	fmt.Fprintf(&b, " %s\n\n%s", escapeMarkdown(a.Title), escapeMarkdown(a.Message))

	if f := a.Finding; f != nil {
		fmt.Fprintf(&b, "\n\nLevel: `%s`", escapeMarkdown(price(f.Level)))
		if f.Stop != 0 {
			fmt.Fprintf(&b, "\nStop: `%s`", escapeMarkdown(price(f.Stop)))
		}
		if f.Upper != 0 || f.Lower != 0 {
			fmt.Fprintf(&b, "\nZone: `%s`", escapeMarkdown(price(f.Lower)+" - "+price(f.Upper)))
		}
	}
	if sp := a.Spike; sp != nil {
		fmt.Fprintf(&b, "\n\nVolume: `%s`", escapeMarkdown(fmt.Sprintf("%.1fx", sp.Ratio)))
	}
	return b.String()
}

func price(v float64) string { return fmt.Sprintf("%.4f", v) }

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       format(alert),
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.apiBase, "/"), t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send %s: %w", alert.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!"
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
