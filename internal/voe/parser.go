package voe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"voebot/internal/schedule"
)

type Cell = schedule.Cell

// Day is one legend row of the grid with its outage cells in document order.
type Day struct {
	Label string
	Cells []Cell
}

// Grid is the parsed schedule: days in document order.
type Grid struct {
	Days []Day
}

// Cells flattens the grid.
func (g Grid) Cells() []Cell {
	var out []Cell
	for _, d := range g.Days {
		out = append(out, d.Cells...)
	}
	return out
}

var (
	dayRe  = regexp.MustCompile(`(\d{2})\.(\d{2})`)
	timeRe = regexp.MustCompile(`(\d{2}):(\d{2})`)
)

const (
	classWrapper   = "table_wrapper"
	classContainer = "disconnection-detailed-table-container"
	classHead      = "head"
	classLegend    = "legend"
	classCell      = "cell"
	classFull      = "has_disconnection"
	classConfirmed = "disconnection_confirm_1"
)

var (
	halfClasses       = []string{"has_disconnection_half", "half_disconnection"}
	secondHalfClasses = []string{"second_half", "half_second"}
)

// Parse walks the schedule grid of a fragment.
func Parse(fragment string) (Grid, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return Grid{}, &ParseError{Reason: err.Error()}
	}
	wrapper := findFirst(doc, func(n *html.Node) bool { return isDiv(n) && hasClass(n, classWrapper) })
	if wrapper == nil {
		return Grid{}, &ParseError{Reason: "table wrapper not found"}
	}
	container := findFirst(wrapper, func(n *html.Node) bool { return isDiv(n) && hasClass(n, classContainer) })
	if container == nil {
		return Grid{}, &ParseError{Reason: "table container not found"}
	}

	var (
		grid    Grid
		heads   []string
		current = -1
		column  int
		legends int
	)
	for n := container.FirstChild; n != nil; n = n.NextSibling {
		if !isDiv(n) {
			continue
		}
		switch {
		case hasClass(n, classHead):
			heads = append(heads, timeRe.FindString(textOf(n)))

		case hasClass(n, classLegend):
			text := strings.TrimSpace(textOf(n))
			if text == "" {
				continue
			}
			legends++
			column = 0
			current = -1
			if m := dayRe.FindString(text); m != "" {
				grid.Days = append(grid.Days, Day{Label: m})
				current = len(grid.Days) - 1
			}

		case hasClass(n, classCell):
			col := column
			column++
			if current < 0 {
				continue
			}
			cell, ok := readCell(n, heads, col)
			if !ok {
				continue
			}
			cell.DayLabel = grid.Days[current].Label
			grid.Days[current].Cells = append(grid.Days[current].Cells, cell)
		}
	}

	if len(heads) == 0 {
		return Grid{}, &ParseError{Reason: "no header cells"}
	}
	if legends == 0 {
		return Grid{}, &ParseError{Reason: "no day markers"}
	}
	return grid, nil
}

func readCell(n *html.Node, heads []string, col int) (Cell, bool) {
	full := hasClass(n, classFull)
	half := hasAnyClass(n, halfClasses)
	if !full && !half {
		return Cell{}, false
	}
	if col >= len(heads) || heads[col] == "" {
		return Cell{}, false
	}
	label := heads[col]
	if half && !full && hasAnyClass(n, secondHalfClasses) {
		var ok bool
		if label, ok = addMinutes(label, 30); !ok {
			return Cell{}, false
		}
	}
	c := Cell{TimeLabel: label, Half: half && !full, Certainty: schedule.Possible}
	// Only the cell's own first child div carries the confirmation marker.
	if m := firstChildDiv(n); m != nil && hasClass(m, classConfirmed) {
		c.Certainty = schedule.Confirmed
	}
	return c, true
}

func addMinutes(label string, minutes int) (string, bool) {
	m := timeRe.FindStringSubmatch(label)
	if m == nil {
		return "", false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	total := h*60 + mm + minutes
	if total >= 24*60 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60), true
}

func isDiv(n *html.Node) bool { return n.Type == html.ElementNode && n.Data == "div" }

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func hasAnyClass(n *html.Node, classes []string) bool {
	for _, c := range classes {
		if hasClass(n, c) {
			return true
		}
	}
	return false
}

func firstChildDiv(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if isDiv(c) {
				return c
			}
			return nil
		}
	}
	return nil
}

// findFirst is a depth-first search including n itself.
func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		if x.Type == html.TextNode {
			b.WriteString(x.Data)
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
