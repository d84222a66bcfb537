// Package markethours answers exchange-calendar questions for the chart
// session: which timezone defines the trading day, whether a date is a
// business day, and whether the regular session is open.
package markethours

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// Regular session hours in exchange-local time, used when the exchange
// has no calendar and for open-time arithmetic.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

// DefaultExchange is the MIC used when none is configured.
const DefaultExchange = "xnys"

// Calendar wraps an exchange calendar. When the MIC is unknown it falls
// back to Mon–Fri with the regular session hours in America/New_York.
type Calendar struct {
	mic      string
	cal      *calendar.Calendar
	loc      *time.Location
	fallback bool
}

// ForExchange returns the calendar for an ISO 10383 MIC such as "xnys".
func ForExchange(mic string) *Calendar {
	mic = strings.ToLower(strings.TrimSpace(mic))
	if mic == "" {
		mic = DefaultExchange
	}
	if cal := calendar.GetCalendar(mic); cal != nil {
		return &Calendar{mic: mic, cal: cal, loc: cal.Loc}
	}

	slog.Warn("exchange calendar not found, using weekday fallback", "mic", mic)
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Calendar{mic: mic, loc: loc, fallback: true}
}

// MIC returns the exchange code.
func (c *Calendar) MIC() string { return c.mic }

// Location is the exchange timezone. Trading-day boundaries (VWAP resets)
// are computed in it.
func (c *Calendar) Location() *time.Location { return c.loc }

// Fallback reports whether the weekday fallback is in use.
func (c *Calendar) Fallback() bool { return c.fallback }

// SessionDate returns the exchange-local date of t as YYYY-MM-DD.
func (c *Calendar) SessionDate(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// IsTradingDay reports whether t's exchange-local date is a business day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}

// IsOpen reports whether the regular session is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	t = t.In(c.loc)
	if !c.fallback {
		return c.cal.IsOpen(t)
	}
	if !c.IsTradingDay(t) {
		return false
	}
	hm := t.Hour()*60 + t.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the next regular-session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	d := local
	for i := 0; i < 15; i++ { // weekends plus holiday clusters
		open := time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, c.loc)
		if c.IsTradingDay(open) && !open.Before(local) {
			return open
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(local.Year(), local.Month(), local.Day()+1, OpenHour, OpenMinute, 0, 0, c.loc)
}

// TodayClose returns the regular close on t's exchange-local date.
func (c *Calendar) TodayClose(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), CloseHour, CloseMinute, 0, 0, c.loc)
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsOpen(t) {
		d := c.TodayClose(t).Sub(t)
		if d < 0 {
			d = 0
		}
		return fmt.Sprintf("Market open, closes in %s", fmtDur(d))
	}
	next := c.NextOpen(t)
	local := next.In(c.loc)
	return fmt.Sprintf("Market closed, opens %s %s (%s)",
		local.Weekday().String()[:3], local.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
