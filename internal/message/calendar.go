package message

import (
	"fmt"
	"strings"
	"time"

	"voebot/internal/schedule"
)

const (
	icsStamp    = "20060102T150405Z"
	icsLineMax  = 75
	alarmBefore = 10 * time.Minute
)

var icsEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)

// Calendar renders intervals as an iCalendar feed with one event per
// interval and a display alarm ten minutes before each start.
func Calendar(intervals []schedule.Interval, now time.Time) string {
	var b strings.Builder
	w := func(line string) {
		b.WriteString(foldLine(line))
		b.WriteString("\r\n")
	}

	w("BEGIN:VCALENDAR")
	w("VERSION:2.0")
	w("CALSCALE:GREGORIAN")
	w("PRODID:-//voebot//outage schedule//UK")
	w("METHOD:PUBLISH")
	w("X-PUBLISHED-TTL:PT1H")
	stamp := now.UTC().Format(icsStamp)
	for _, iv := range intervals {
		w("BEGIN:VEVENT")
		w(fmt.Sprintf("UID:voe_disconnection_%d", iv.To.UnixMilli()))
		w("SUMMARY:" + icsEscaper.Replace("Відключення світла "+iv.Certainty.Label()))
		w("DTSTAMP:" + stamp)
		w("DTSTART:" + iv.From.UTC().Format(icsStamp))
		w("DTEND:" + iv.To.UTC().Format(icsStamp))
		w("BEGIN:VALARM")
		w("ACTION:DISPLAY")
		w("DESCRIPTION:Reminder: Disconnection starting soon!")
		w(fmt.Sprintf("TRIGGER:-PT%dM", int(alarmBefore/time.Minute)))
		w("END:VALARM")
		w("END:VEVENT")
	}
	w("END:VCALENDAR")
	return b.String()
}

// foldLine splits content lines longer than 75 octets without breaking a
// UTF-8 sequence; continuation lines start with a space.
func foldLine(line string) string {
	if len(line) <= icsLineMax {
		return line
	}
	var b strings.Builder
	limit := icsLineMax
	for len(line) > limit {
		cut := limit
		for cut > 0 && !isRuneStart(line[cut]) {
			cut--
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n ")
		line = line[cut:]
		limit = icsLineMax - 1
	}
	b.WriteString(line)
	return b.String()
}

func isRuneStart(c byte) bool { return c&0xC0 != 0x80 }
