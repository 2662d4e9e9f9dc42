package message

import (
	"fmt"
	"strings"
	"time"

	"voebot/internal/schedule"
)

// Genitive month names, as used after a day number ("4 листопада").
var months = [...]string{
	"січня", "лютого", "березня", "квітня", "травня", "червня",
	"липня", "серпня", "вересня", "жовтня", "листопада", "грудня",
}

// DayMonth formats t as "4 листопада".
func DayMonth(t time.Time) string {
	return fmt.Sprintf("%d %s", t.Day(), months[t.Month()-1])
}

// Schedule renders a schedule notification in MarkdownV2. Intervals are
// grouped by the local day they start on; loc defaults to UTC+3.
func Schedule(intervals []schedule.Interval, alias string, lastUpdatedAt time.Time, loc *time.Location) string {
	if loc == nil {
		loc = schedule.FixedZone(schedule.DefaultOffset)
	}

	var updated string
	if !lastUpdatedAt.IsZero() {
		at := lastUpdatedAt.In(loc)
		updated = "\n🕐 " + Italic(fmt.Sprintf("Оновлено: %s о %s", DayMonth(at), at.Format("15:04")))
	}

	if len(intervals) == 0 {
		return Bold("Відключення відсутні 💡!") + "\n\n📍 " + Bold(alias) + updated
	}

	type day struct {
		label string
		lines []string
	}
	var days []*day
	byLabel := map[string]*day{}
	for _, iv := range intervals {
		from, to := iv.From.In(loc), iv.To.In(loc)
		label := DayMonth(from)
		d := byLabel[label]
		if d == nil {
			d = &day{label: label}
			byLabel[label] = d
			days = append(days, d)
		}
		d.lines = append(d.lines, fmt.Sprintf(`\- 🕛 *%s \- %s*  %s`,
			from.Format("15:04"), to.Format("15:04"), Italic(iv.Certainty.Label())))
	}

	blocks := make([]string, 0, len(days))
	for _, d := range days {
		blocks = append(blocks, "📅 "+Bold(d.label)+"\n\n"+strings.Join(d.lines, "\n"))
	}

	var b strings.Builder
	b.WriteString("🔔 ")
	b.WriteString(Bold("Графік відключень"))
	b.WriteString("\n\n📍 ")
	b.WriteString(Bold(alias))
	b.WriteString("\n\n")
	b.WriteString(strings.Join(blocks, "\n\n\n"))
	b.WriteString(updated)
	return b.String()
}
