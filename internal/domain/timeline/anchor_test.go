package timeline

import (
	"testing"
	"time"
)

func mustDate(t *testing.T, a Anchor, s string) time.Time {
	t.Helper()
	d, err := a.ParseDate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestToDate_DayZeroIsSurgery(t *testing.T) {
	surgery := mustDate(t, UTC, "2025-03-01")
	if got := UTC.ToDate(surgery, 0); !got.Equal(surgery) {
		t.Errorf("day 0 = %s, want %s", got, surgery)
	}
}

func TestToDate_Offsets(t *testing.T) {
	surgery := mustDate(t, UTC, "2025-03-01")
	cases := map[int]string{
		1:   "2025-03-02",
		90:  "2025-05-30",
		-45: "2025-01-15",
		200: "2025-09-17",
	}
	for day, want := range cases {
		if got := UTC.ToDate(surgery, day).Format(DateLayout); got != want {
			t.Errorf("ToDate(%d) = %s, want %s", day, got, want)
		}
	}
}

func TestToRecoveryDay_Inverse(t *testing.T) {
	surgery := mustDate(t, UTC, "2025-03-01")
	for day := -45; day <= 200; day++ {
		if got := UTC.ToRecoveryDay(surgery, UTC.ToDate(surgery, day)); got != day {
			t.Fatalf("round trip day %d returned %d", day, got)
		}
	}
}

func TestToRecoveryDay_IgnoresTimeOfDay(t *testing.T) {
	surgery := time.Date(2025, 3, 1, 17, 30, 0, 0, time.UTC)
	late := time.Date(2025, 3, 2, 23, 59, 59, 0, time.UTC)
	early := time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC)
	if UTC.ToRecoveryDay(surgery, late) != 1 || UTC.ToRecoveryDay(surgery, early) != 1 {
		t.Error("expected both instants on 2025-03-02 to be day 1")
	}
}

func TestToRecoveryDay_AcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	a := NewAnchor(ny)
	surgery := mustDate(t, a, "2025-03-01")
	// DST starts 2025-03-09 in New York; the day count must stay integral.
	if got := a.ToRecoveryDay(surgery, mustDate(t, a, "2025-03-10")); got != 9 {
		t.Errorf("expected day 9 across DST, got %d", got)
	}
	if got := a.ToDate(surgery, 9).Format(DateLayout); got != "2025-03-10" {
		t.Errorf("expected 2025-03-10, got %s", got)
	}
}

func TestToRecoveryDay_UsesAnchorLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	a := NewAnchor(tokyo)
	surgery := mustDate(t, a, "2025-03-01")
	// 20:00 UTC on 2025-03-01 is already 2025-03-02 in Tokyo.
	instant := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	if got := a.ToRecoveryDay(surgery, instant); got != 1 {
		t.Errorf("expected day 1 in JST, got %d", got)
	}
	if got := UTC.ToRecoveryDay(mustDate(t, UTC, "2025-03-01"), instant); got != 0 {
		t.Errorf("expected day 0 in UTC, got %d", got)
	}
}

func TestCurrentRecoveryDay(t *testing.T) {
	surgery := mustDate(t, UTC, "2025-03-01")
	today := mustDate(t, UTC, "2025-02-20")
	if got := UTC.CurrentRecoveryDay(surgery, today); got != -9 {
		t.Errorf("expected -9, got %d", got)
	}
}

func TestPhaseForDay(t *testing.T) {
	cases := []struct {
		day  int
		want Phase
	}{
		{-45, PhaseEnrollment},
		{-8, PhaseEnrollment},
		{-7, PhasePreOperation},
		{-1, PhasePreOperation},
		{0, PhaseSurgery},
		{1, PhaseEarlyRecovery},
		{7, PhaseEarlyRecovery},
		{8, PhaseIntermediateRecovery},
		{30, PhaseIntermediateRecovery},
		{31, PhaseAdvancedRecovery},
		{200, PhaseAdvancedRecovery},
	}
	for _, c := range cases {
		if got := PhaseForDay(c.day); got != c.want {
			t.Errorf("PhaseForDay(%d) = %q, want %q", c.day, got, c.want)
		}
	}
}

func TestPositionAt(t *testing.T) {
	surgery := mustDate(t, UTC, "2025-03-01")
	pos := UTC.PositionAt(surgery, mustDate(t, UTC, "2025-03-11"))
	if pos.RecoveryDay != 10 || pos.Phase != PhaseIntermediateRecovery || pos.Date != "2025-03-11" {
		t.Errorf("unexpected position: %+v", pos)
	}
}

func TestFromCivil(t *testing.T) {
	la := time.FixedZone("PST", -8*3600)
	a := NewAnchor(la)
	stored := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	got := a.FromCivil(stored)
	if got.Format(DateLayout) != "2025-03-02" || got.Location() != la {
		t.Errorf("unexpected civil conversion: %s", got)
	}
	// reading the UTC value directly in PST would land on the previous day
	if a.Day(stored).Format(DateLayout) != "2025-03-01" {
		t.Errorf("expected naive conversion to shift a day")
	}
}

func TestCompare(t *testing.T) {
	d1 := mustDate(t, UTC, "2025-03-01")
	d2 := mustDate(t, UTC, "2025-03-02")
	if UTC.Compare(d1, d2) != -1 || UTC.Compare(d2, d1) != 1 || UTC.Compare(d1, d1.Add(5*time.Hour)) != 0 {
		t.Error("unexpected comparison result")
	}
}

func TestToday(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 3, 5, 15, 4, 0, 0, time.UTC))
	got, err := UTC.Today(clock, "")
	if err != nil || got.Format(DateLayout) != "2025-03-05" {
		t.Errorf("unexpected today %s (%v)", got, err)
	}
	got, err = UTC.Today(clock, "2025-02-01")
	if err != nil || got.Format(DateLayout) != "2025-02-01" {
		t.Errorf("expected override, got %s (%v)", got, err)
	}
	if _, err := UTC.Today(clock, "yesterday"); err == nil {
		t.Error("expected parse error")
	}
	clock.Advance(24 * time.Hour)
	if got, _ := UTC.Today(clock, ""); got.Format(DateLayout) != "2025-03-06" {
		t.Errorf("expected clock advance to move today, got %s", got)
	}
}
