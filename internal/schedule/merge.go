package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const (
	FullCell = time.Hour
	HalfCell = 30 * time.Minute
)

// DefaultOffset is the fixed UTC offset the source publishes its grid in.
const DefaultOffset = 3 * time.Hour

// Cell is one raw grid slot as emitted by the parser.
type Cell struct {
	DayLabel  string
	TimeLabel string
	Certainty Certainty
	Half      bool
}

func (c Cell) Duration() time.Duration {
	if c.Half {
		return HalfCell
	}
	return FullCell
}

// FixedZone returns the source region's zone for a UTC offset. The process
// local zone is never consulted.
func FixedZone(offset time.Duration) *time.Location {
	secs := int(offset / time.Second)
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	name := fmt.Sprintf("UTC%s%02d:%02d", sign, secs/3600, (secs%3600)/60)
	return time.FixedZone(name, int(offset/time.Second))
}

var (
	dayLabelRe  = regexp.MustCompile(`(\d{2})\.(\d{2})`)
	timeLabelRe = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
)

// CellStart resolves a cell's day/time labels to an absolute instant in loc.
// The year comes from now (in loc); a day whose month lies more than six
// months away from now's month belongs to the adjacent year.
func CellStart(c Cell, now time.Time, loc *time.Location) (time.Time, bool) {
	dm := dayLabelRe.FindStringSubmatch(c.DayLabel)
	hm := timeLabelRe.FindStringSubmatch(c.TimeLabel)
	if dm == nil || hm == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(dm[1])
	month, _ := strconv.Atoi(dm[2])
	hour, _ := strconv.Atoi(hm[1])
	minute, _ := strconv.Atoi(hm[2])
	if day < 1 || day > 31 || month < 1 || month > 12 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	ref := now.In(loc)
	year := ref.Year()
	switch diff := int(ref.Month()) - month; {
	case diff > 6:
		year++
	case diff < -6:
		year--
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Day() != day {
		// 31.04 and the like normalize into the next month.
		return time.Time{}, false
	}
	return t, true
}

// BuildIntervals converts cells to intervals and merges them. Cells with
// unrecognizable labels are skipped.
func BuildIntervals(cells []Cell, now time.Time, loc *time.Location) []Interval {
	if loc == nil {
		loc = FixedZone(DefaultOffset)
	}
	out := make([]Interval, 0, len(cells))
	for _, c := range cells {
		from, ok := CellStart(c, now, loc)
		if !ok {
			continue
		}
		out = append(out, Interval{From: from, To: from.Add(c.Duration()), Certainty: c.Certainty})
	}
	return Merge(out)
}

// Merge sorts intervals and folds touching or overlapping neighbours of the
// same certainty into one. The input is not modified.
func Merge(in []Interval) []Interval {
	ivs := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.Valid() {
			ivs = append(ivs, iv)
		}
	}
	sortIntervals(ivs)

	merged := make([]Interval, 0, len(ivs))
	for _, cur := range ivs {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if !cur.From.After(last.To) && cur.Certainty == last.Certainty {
				if cur.To.After(last.To) {
					last.To = cur.To
				}
				continue
			}
		}
		merged = append(merged, cur)
	}
	return merged
}

func sortIntervals(ivs []Interval) {
	sort.SliceStable(ivs, func(i, j int) bool {
		a, b := ivs[i], ivs[j]
		if !a.From.Equal(b.From) {
			return a.From.Before(b.From)
		}
		if !a.To.Equal(b.To) {
			return a.To.Before(b.To)
		}
		return a.Certainty < b.Certainty
	})
}
