package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardiotriage/backend/internal/models"
)

// Monday 2024-01-15 07:00 UTC.
var monday = time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)

func newTestCalendar(now time.Time) *Calendar {
	return NewCalendar(30, time.UTC).WithClock(func() time.Time { return now })
}

func TestCandidatesSkipWeekendsAndPast(t *testing.T) {
	c := newTestCalendar(time.Date(2024, 1, 19, 15, 10, 0, 0, time.UTC)) // Friday afternoon
	slots, err := c.Candidates(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(slots) == 0 {
		t.Fatalf("expected slots")
	}
	if got := slots[0].Start; !got.Equal(time.Date(2024, 1, 19, 15, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected first slot 15:30 friday, got %s", got)
	}
	for _, s := range slots {
		if wd := s.Start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("weekend slot offered: %s", s.Start)
		}
		if s.Kind != models.SlotRegular {
			t.Fatalf("emergency slot offered without AllowEmergency: %s", s.ID)
		}
	}
}

func TestEmergencySlotsOnlyWhenAllowed(t *testing.T) {
	c := newTestCalendar(monday)
	until := monday.Add(24 * time.Hour)
	slots, _ := c.Candidates(context.Background(), Criteria{Until: until, AllowEmergency: true})
	if len(slots) != len(regularTimes)+len(emergencyTimes) {
		t.Fatalf("expected %d slots, got %d", len(regularTimes)+len(emergencyTimes), len(slots))
	}
	if slots[0].Kind != models.SlotEmergency || slots[0].Start.Hour() != 8 {
		t.Fatalf("expected 08:00 emergency slot first, got %+v", slots[0])
	}
}

func TestReserveConflicts(t *testing.T) {
	c := newTestCalendar(monday)
	slot, ok, err := c.FindSlot(context.Background(), Criteria{})
	if err != nil || !ok {
		t.Fatalf("expected a slot, got ok=%v err=%v", ok, err)
	}
	if err := c.Reserve(context.Background(), slot, "P001"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := c.Reserve(context.Background(), slot, "P002"); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	next, _, _ := c.FindSlot(context.Background(), Criteria{})
	if next.ID == slot.ID {
		t.Fatalf("reserved slot offered again")
	}
}

func TestHorizonBound(t *testing.T) {
	c := NewCalendar(3, time.UTC).WithClock(func() time.Time { return monday })
	slots, _ := c.Candidates(context.Background(), Criteria{})
	last := slots[len(slots)-1].Start
	if !last.Before(monday.AddDate(0, 0, 3)) {
		t.Fatalf("slot beyond horizon: %s", last)
	}
}
