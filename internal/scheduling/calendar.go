// Package scheduling is the clinic calendar the appointment handler books
// against.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cardiotriage/backend/internal/models"
)

var ErrSlotTaken = errors.New("slot already reserved")

var (
	regularTimes   = []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "14:00", "14:30", "15:00", "15:30", "16:00", "16:30"}
	emergencyTimes = []string{"08:00", "17:00"}
)

// Criteria narrows the candidate slots. A zero Until means the calendar
// horizon.
type Criteria struct {
	From           time.Time
	Until          time.Time
	AllowEmergency bool
}

type Calendar struct {
	mu       sync.Mutex
	booked   map[string]string
	horizon  int
	loc      *time.Location
	provider string
	now      func() time.Time
}

func NewCalendar(horizonDays int, loc *time.Location) *Calendar {
	if horizonDays <= 0 {
		horizonDays = 30
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		booked:   make(map[string]string),
		horizon:  horizonDays,
		loc:      loc,
		provider: "cardiology",
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Calendar) WithClock(now func() time.Time) *Calendar {
	c.now = now
	return c
}

// Candidates lists free future slots matching criteria in start order.
func (c *Calendar) Candidates(ctx context.Context, cr Criteria) ([]models.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := c.now().In(c.loc)
	from := now
	if cr.From.After(from) {
		from = cr.From.In(c.loc)
	}
	end := startOfDay(now).AddDate(0, 0, c.horizon)
	if !cr.Until.IsZero() && cr.Until.Before(end) {
		end = cr.Until.In(c.loc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Slot
	for day := startOfDay(from); day.Before(end); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = c.appendDay(out, day, regularTimes, models.SlotRegular, from, end)
		if cr.AllowEmergency {
			out = c.appendDay(out, day, emergencyTimes, models.SlotEmergency, from, end)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (c *Calendar) appendDay(out []models.Slot, day time.Time, times []string, kind models.SlotKind, from, end time.Time) []models.Slot {
	for _, hm := range times {
		var h, m int
		if _, err := fmt.Sscanf(hm, "%d:%d", &h, &m); err != nil {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, c.loc)
		if start.Before(from) || !start.Before(end) {
			continue
		}
		id := SlotID(start)
		if _, taken := c.booked[id]; taken {
			continue
		}
		provider := c.provider
		if kind == models.SlotEmergency {
			provider = "on-call " + c.provider
		}
		out = append(out, models.Slot{ID: id, Start: start, Kind: kind, Provider: provider})
	}
	return out
}

// Reserve books slot for patientID or returns ErrSlotTaken.
func (c *Calendar) Reserve(ctx context.Context, slot models.Slot, patientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.booked[slot.ID]; taken {
		return ErrSlotTaken
	}
	c.booked[slot.ID] = patientID
	return nil
}

// FindSlot returns the earliest free slot matching criteria.
func (c *Calendar) FindSlot(ctx context.Context, cr Criteria) (models.Slot, bool, error) {
	slots, err := c.Candidates(ctx, cr)
	if err != nil || len(slots) == 0 {
		return models.Slot{}, false, err
	}
	return slots[0], true, nil
}

func SlotID(start time.Time) string {
	return "CARD-" + start.Format("20060102-1504")
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
