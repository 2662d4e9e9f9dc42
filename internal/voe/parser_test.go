package voe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"voebot/internal/schedule"
)

func readFixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(b)
}

func TestParseGrid(t *testing.T) {
	t.Parallel()
	grid, err := Parse(readFixture(t, "schedule.html"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(grid.Days) != 2 {
		t.Fatalf("days = %d, want 2", len(grid.Days))
	}

	want := []Cell{
		{DayLabel: "04.11", TimeLabel: "00:00", Certainty: schedule.Confirmed},
		{DayLabel: "04.11", TimeLabel: "01:00", Certainty: schedule.Confirmed},
		{DayLabel: "04.11", TimeLabel: "03:00", Certainty: schedule.Possible},
		{DayLabel: "05.11", TimeLabel: "01:30", Certainty: schedule.Possible, Half: true},
		{DayLabel: "05.11", TimeLabel: "02:00", Certainty: schedule.Possible},
	}
	got := grid.Cells()
	if len(got) != len(want) {
		t.Fatalf("cells = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cell[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseAndMerge(t *testing.T) {
	t.Parallel()
	grid, err := Parse(readFixture(t, "schedule.html"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	loc := schedule.FixedZone(schedule.DefaultOffset)
	now := time.Date(2024, 11, 1, 0, 0, 0, 0, loc)
	ivs := schedule.BuildIntervals(grid.Cells(), now, loc)

	// 04.11 00-02 confirmed, 04.11 03-04 possible, 05.11 01:30-03:00 possible.
	if len(ivs) != 3 {
		t.Fatalf("intervals = %v, want 3", ivs)
	}
	if ivs[0].Duration() != 2*time.Hour || ivs[0].Certainty != schedule.Confirmed {
		t.Fatalf("first = %v", ivs[0])
	}
	wantFrom := time.Date(2024, 11, 5, 1, 30, 0, 0, loc)
	if !ivs[2].From.Equal(wantFrom) || ivs[2].Duration() != 90*time.Minute {
		t.Fatalf("last = %v, want from %v lasting 90m", ivs[2], wantFrom)
	}
}

func TestParseEmptySchedule(t *testing.T) {
	t.Parallel()
	grid, err := Parse(readFixture(t, "empty.html"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(grid.Days) != 2 || len(grid.Cells()) != 0 {
		t.Fatalf("grid = %+v, want 2 empty days", grid)
	}
	ivs := schedule.BuildIntervals(grid.Cells(), time.Now(), nil)
	if len(ivs) != 0 {
		t.Fatalf("intervals = %v, want empty", ivs)
	}
	if schedule.Changed(&schedule.Record{}, ivs) {
		t.Fatal("empty schedule vs empty record must be unchanged")
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
	}{
		{"no wrapper", `<div class="other"></div>`},
		{"no container", `<div class="table_wrapper"><div class="x"></div></div>`},
		{"no heads", `<div class="table_wrapper"><div class="disconnection-detailed-table-container"><div class="legend">Пн 04.11</div></div></div>`},
		{"no legend", `<div class="table_wrapper"><div class="disconnection-detailed-table-container"><div class="head">00:00</div><div class="cell"></div></div></div>`},
	}
	for _, tt := range tests {
		_, err := Parse(tt.in)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: err = %v, want *ParseError", tt.name, err)
		}
	}
}

func TestParseSkipsCellsWithoutLabel(t *testing.T) {
	t.Parallel()
	frag := `<div class="table_wrapper"><div class="disconnection-detailed-table-container">
<div class="head">00:00</div>
<div class="legend">Пн 04.11</div>
<div class="cell has_disconnection"></div>
<div class="cell has_disconnection"></div>
<div class="legend">no date here</div>
<div class="cell has_disconnection"></div>
</div></div>`
	grid, err := Parse(frag)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cells := grid.Cells()
	if len(cells) != 1 || cells[0].TimeLabel != "00:00" {
		t.Fatalf("cells = %+v, want only the labelled one", cells)
	}
}

func TestParseConfirmationOnlyFromFirstChildDiv(t *testing.T) {
	t.Parallel()
	frag := `<div class="table_wrapper"><div class="disconnection-detailed-table-container">
<div class="head">00:00</div><div class="head">01:00</div><div class="head">02:00</div><div class="head">03:00</div>
<div class="legend">Пн 04.11</div>
<div class="cell has_disconnection">
  <div class="disconnection_confirm_1"></div>
</div>
<div class="cell has_disconnection"><div class="tip"><div class="disconnection_confirm_1"></div></div></div>
<div class="cell has_disconnection"><div class="tip"></div><div class="disconnection_confirm_1"></div></div>
<div class="cell has_disconnection"><span class="disconnection_confirm_1"></span></div>
</div></div>`
	grid, err := Parse(frag)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []schedule.Certainty{schedule.Confirmed, schedule.Possible, schedule.Possible, schedule.Possible}
	cells := grid.Cells()
	if len(cells) != len(want) {
		t.Fatalf("cells = %+v", cells)
	}
	for i, c := range cells {
		if c.Certainty != want[i] {
			t.Errorf("cell %s certainty = %v, want %v", c.TimeLabel, c.Certainty, want[i])
		}
	}
}
