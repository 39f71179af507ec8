package eventbot

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	calendarTemplateURL  = "https://calendar.google.com/calendar/render"
	calendarTimestampFmt = "20060102T150405"
)

// CalendarLink returns a Google Calendar "add event" link. When end is
// zero, the event ends at its start.
func CalendarLink(name string, description string, start time.Time, end time.Time) string {
	if end.IsZero() {
		end = start
	}
	if strings.TrimSpace(description) == "" {
		description = fmt.Sprintf("Discord event: %s", name)
	}
	dates := fmt.Sprintf(
		"%s/%s",
		start.UTC().Format(calendarTimestampFmt),
		end.UTC().Format(calendarTimestampFmt),
	)
	return fmt.Sprintf(
		"%s?action=TEMPLATE&text=%s&dates=%s&details=%s",
		calendarTemplateURL,
		calendarEscape(name),
		dates,
		calendarEscape(description),
	)
}

func calendarEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
