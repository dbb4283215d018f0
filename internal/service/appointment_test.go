package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/scheduling"
)

func TestScenarioCEmergencyWithoutSameDaySlotIsRejected(t *testing.T) {
	// Monday 17:30: the last same-day slot (17:00) has passed.
	now := time.Date(2024, 1, 15, 17, 30, 0, 0, time.UTC)
	svc := newTestService(ai.MockGateway{}, now)
	ctx := context.Background()

	env, err := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	env, err = svc.Supervisor.Dispatch(ctx, RouteRequest{SessionID: env.SessionID, Message: "I need an appointment"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt, ok := env.StructuredData["appointment"].(models.AppointmentRequest)
	if !ok {
		t.Fatalf("expected appointment in structured data")
	}
	if appt.Priority != models.PrioritySameDay {
		t.Fatalf("expected same_day priority, got %s", appt.Priority)
	}
	if appt.Status != models.AppointmentRejected || appt.Reason != ReasonNoSlotInWindow {
		t.Fatalf("expected rejection with explicit reason, got %s %q", appt.Status, appt.Reason)
	}
	if appt.Slot != nil {
		t.Fatalf("rejected request must not carry a slot")
	}
	if got := svc.Book.ListByPatient("P001"); len(got) != 1 || got[0].Status != models.AppointmentRejected {
		t.Fatalf("expected rejected request recorded, got %+v", got)
	}
}

func TestEmergencyPriorityUsesEarliestSameDaySlot(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()

	env, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	env, err := svc.Supervisor.Dispatch(ctx, RouteRequest{SessionID: env.SessionID, Message: "book me in"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if appt.Status != models.AppointmentConfirmed || appt.Slot == nil {
		t.Fatalf("expected confirmation, got %+v", appt)
	}
	if want := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC); !appt.Slot.Start.Equal(want) {
		t.Fatalf("expected 08:00 emergency slot, got %s", appt.Slot.Start)
	}
}

func TestUrgentPriorityWithin24h(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.AssessmentSchema.Name] = `{"urgency_level":"urgent","severity_score":6}`
	gw.responses[ai.AppointmentSchema.Name] = `{"requested_type":"follow-up","requested_date":"2024-01-30"}`
	// Friday 16:45: the next regular slot is Monday, beyond 24h; 17:00 emergency slot fits.
	now := time.Date(2024, 1, 19, 16, 45, 0, 0, time.UTC)
	svc := newTestService(gw, now)
	ctx := context.Background()

	env, _ := svc.Supervisor.Dispatch(ctx, RouteRequest{PatientID: "P002", Message: "palpitations"}, models.HandlerTriage)
	env, err := svc.Supervisor.Dispatch(ctx, RouteRequest{SessionID: env.SessionID, Message: "follow-up please"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if appt.Priority != models.PriorityWithin24h {
		t.Fatalf("expected within_24h, got %s", appt.Priority)
	}
	if appt.Status != models.AppointmentConfirmed || appt.Slot.Start.Hour() != 17 {
		t.Fatalf("expected the 17:00 slot, got %+v", appt)
	}
	if appt.RequestedType != models.AppointmentFollowUp {
		t.Fatalf("expected follow-up, got %s", appt.RequestedType)
	}
}

func TestRoutinePrefersRequestedDate(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.AppointmentSchema.Name] = `{"requested_type":"consultation","requested_date":"2024-01-24"}`
	svc := newTestService(gw, testNow)

	env, err := svc.Supervisor.Dispatch(context.Background(), RouteRequest{PatientID: "P003", Message: "appointment on the 24th"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if appt.Priority != models.PriorityNoConstraint {
		t.Fatalf("expected no_constraint, got %s", appt.Priority)
	}
	if want := time.Date(2024, 1, 24, 9, 0, 0, 0, time.UTC); !appt.Slot.Start.Equal(want) {
		t.Fatalf("expected %s, got %s", want, appt.Slot.Start)
	}
}

func TestExtractionFailureDefaults(t *testing.T) {
	gw := newScripted()
	gw.errs[ai.AppointmentSchema.Name] = errors.New("boom")
	svc := newTestService(gw, testNow)

	env, err := svc.Supervisor.Dispatch(context.Background(), RouteRequest{PatientID: "P003", Message: "appointment"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if appt.RequestedType != models.AppointmentConsultation || appt.Status != models.AppointmentConfirmed {
		t.Fatalf("expected default consultation booked, got %+v", appt)
	}
}

// conflictingScheduler loses the race for the first n reservations.
type conflictingScheduler struct {
	*scheduling.Calendar
	conflicts int
}

func (c *conflictingScheduler) Reserve(ctx context.Context, slot models.Slot, patientID string) error {
	if c.conflicts > 0 {
		c.conflicts--
		return scheduling.ErrSlotTaken
	}
	return c.Calendar.Reserve(ctx, slot, patientID)
}

func TestConflictMovesToNextRankedSlot(t *testing.T) {
	svc := newTestService(newScripted(), testNow)
	svc.Supervisor.Appointments.Scheduler = &conflictingScheduler{Calendar: svc.Calendar, conflicts: 2}

	env, err := svc.Supervisor.Dispatch(context.Background(), RouteRequest{PatientID: "P001", Message: "appointment"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC); appt.Slot == nil || !appt.Slot.Start.Equal(want) {
		t.Fatalf("expected third slot 10:00, got %+v", appt.Slot)
	}
}

func TestEarliestSlotRetriesAfterConflict(t *testing.T) {
	cases := []struct {
		name      string
		conflicts int
		status    models.AppointmentStatus
	}{
		{"recovers", 2, models.AppointmentConfirmed},
		{"gives up", maxReserveAttempts + 1, models.AppointmentRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(ai.MockGateway{}, testNow)
			ctx := context.Background()
			env, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
			svc.Supervisor.Appointments.Scheduler = &conflictingScheduler{Calendar: svc.Calendar, conflicts: tc.conflicts}

			env, err := svc.Supervisor.Dispatch(ctx, RouteRequest{SessionID: env.SessionID, Message: "book me in"}, models.HandlerAppointment)
			if err != nil {
				t.Fatalf("appointment: %v", err)
			}
			if appt := env.StructuredData["appointment"].(models.AppointmentRequest); appt.Status != tc.status {
				t.Fatalf("expected %s, got %+v", tc.status, appt)
			}
		})
	}
}

type brokenScheduler struct{}

func (brokenScheduler) Candidates(context.Context, scheduling.Criteria) ([]models.Slot, error) {
	return nil, errors.New("calendar offline")
}

func (brokenScheduler) FindSlot(context.Context, scheduling.Criteria) (models.Slot, bool, error) {
	return models.Slot{}, false, errors.New("calendar offline")
}

func (brokenScheduler) Reserve(context.Context, models.Slot, string) error { return nil }

func TestSchedulerFailureIsUpstreamError(t *testing.T) {
	svc := newTestService(newScripted(), testNow)
	svc.Supervisor.Appointments.Scheduler = brokenScheduler{}

	_, err := svc.Supervisor.Dispatch(context.Background(), RouteRequest{PatientID: "P001", Message: "appointment"}, models.HandlerAppointment)
	if !models.IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestEmergencySchedulerFailureIsUpstreamError(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()

	env, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	svc.Supervisor.Appointments.Scheduler = brokenScheduler{}
	_, err := svc.Supervisor.Dispatch(ctx, RouteRequest{SessionID: env.SessionID, Message: "book me in"}, models.HandlerAppointment)
	if !models.IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

// lenientScheduler ignores Criteria and always offers the same slots.
type lenientScheduler struct {
	slots    []models.Slot
	reserved []string
}

func (l *lenientScheduler) FindSlot(context.Context, scheduling.Criteria) (models.Slot, bool, error) {
	if len(l.slots) == 0 {
		return models.Slot{}, false, nil
	}
	return l.slots[0], true, nil
}

func (l *lenientScheduler) Candidates(context.Context, scheduling.Criteria) ([]models.Slot, error) {
	return l.slots, nil
}

func (l *lenientScheduler) Reserve(_ context.Context, slot models.Slot, _ string) error {
	l.reserved = append(l.reserved, slot.ID)
	return nil
}

func TestSlotOutsideWindowIsRejected(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()
	lenient := &lenientScheduler{slots: []models.Slot{{ID: "late", Start: testNow.Add(72 * time.Hour), Kind: models.SlotRegular}}}

	env, err := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	svc.Supervisor.Appointments.Scheduler = lenient
	env, err = svc.Supervisor.Dispatch(ctx, RouteRequest{SessionID: env.SessionID, Message: "book me in"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if appt.Priority != models.PrioritySameDay {
		t.Fatalf("expected same_day priority, got %s", appt.Priority)
	}
	if appt.Status != models.AppointmentRejected || appt.Reason != ReasonNoSlotInWindow || appt.Slot != nil {
		t.Fatalf("expected rejection for a slot three days out, got %+v", appt)
	}
	if len(lenient.reserved) != 0 {
		t.Fatalf("out-of-window slot must not be reserved, got %v", lenient.reserved)
	}
}

func TestPastSlotIsSkipped(t *testing.T) {
	svc := newTestService(newScripted(), testNow)
	lenient := &lenientScheduler{slots: []models.Slot{
		{ID: "past", Start: testNow.Add(-time.Hour)},
		{ID: "next", Start: testNow.Add(2 * time.Hour)},
	}}
	svc.Supervisor.Appointments.Scheduler = lenient

	env, err := svc.Supervisor.Dispatch(context.Background(), RouteRequest{PatientID: "P003", Message: "appointment"}, models.HandlerAppointment)
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	appt := env.StructuredData["appointment"].(models.AppointmentRequest)
	if appt.Slot == nil || appt.Slot.ID != "next" {
		t.Fatalf("expected the future slot, got %+v", appt.Slot)
	}
	if len(lenient.reserved) != 1 || lenient.reserved[0] != "next" {
		t.Fatalf("expected only the future slot reserved, got %v", lenient.reserved)
	}
}

func TestRankSlots(t *testing.T) {
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	slots := []models.Slot{
		{ID: "a", Start: base.Add(48 * time.Hour)},
		{ID: "b", Start: base},
		{ID: "c", Start: base.Add(72 * time.Hour)},
	}
	requested := base.Add(70 * time.Hour)

	bounded := rankSlots(slots, models.PrioritySameDay, requested)
	if bounded[0].ID != "b" {
		t.Fatalf("bounded priority must rank by wait first, got %s", bounded[0].ID)
	}
	routine := rankSlots(slots, models.PriorityNoConstraint, requested)
	if routine[0].ID != "c" || routine[1].ID != "a" {
		t.Fatalf("routine must rank by proximity, got %s,%s", routine[0].ID, routine[1].ID)
	}
}
