package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/metrics"
	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/scheduling"
)

const ReasonNoSlotInWindow = "no slot within required window"

const maxReserveAttempts = 5

// Scheduler is the calendar collaborator.
type Scheduler interface {
	FindSlot(ctx context.Context, cr scheduling.Criteria) (models.Slot, bool, error)
	Candidates(ctx context.Context, cr scheduling.Criteria) ([]models.Slot, error)
	Reserve(ctx context.Context, slot models.Slot, patientID string) error
}

// AppointmentBook keeps every appointment request, per patient, in
// creation order.
type AppointmentBook struct {
	mu        sync.Mutex
	byPatient map[string][]models.AppointmentRequest
}

func NewAppointmentBook() *AppointmentBook {
	return &AppointmentBook{byPatient: make(map[string][]models.AppointmentRequest)}
}

func (b *AppointmentBook) Add(a models.AppointmentRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byPatient[a.PatientID] = append(b.byPatient[a.PatientID], a)
}

func (b *AppointmentBook) ListByPatient(patientID string) []models.AppointmentRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.AppointmentRequest, len(b.byPatient[patientID]))
	copy(out, b.byPatient[patientID])
	return out
}

// ListAppointments matches the Postgres store's signature so either can
// back the appointments endpoint.
func (b *AppointmentBook) ListAppointments(_ context.Context, patientID string) ([]models.AppointmentRequest, error) {
	return b.ListByPatient(patientID), nil
}

type appointmentExtraction struct {
	RequestedType *string `json:"requested_type"`
	RequestedDate *string `json:"requested_date"`
}

type AppointmentHandler struct {
	AI          ai.Gateway
	Scheduler   Scheduler
	Escalations *EscalationProtocol
	Book        *AppointmentBook
	Audit       AuditSink
	Timeout     time.Duration
	Location    *time.Location
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics

	now func() time.Time
}

func (h *AppointmentHandler) Kind() models.HandlerKind { return models.HandlerAppointment }

func (h *AppointmentHandler) clock() time.Time {
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	if h.now != nil {
		return h.now().In(loc)
	}
	return time.Now().In(loc)
}

// priorityFor reads the most recent open assessment of the session: the
// snapshot of its raised escalation, else its latest triage turn.
func (h *AppointmentHandler) priorityFor(sess *models.Session) (models.AppointmentPriority, *models.TriageAssessment) {
	if h.Escalations != nil {
		if ev, ok := h.Escalations.OpenFor(sess.ID); ok {
			a := ev.Snapshot
			return models.PriorityFor(a.UrgencyLevel), &a
		}
	}
	if a, ok := sess.LatestAssessment(); ok {
		return models.PriorityFor(a.UrgencyLevel), &a
	}
	return models.PriorityNoConstraint, nil
}

// window returns the latest acceptable start for a priority; zero means
// no bound.
func window(p models.AppointmentPriority, now time.Time) time.Time {
	switch p {
	case models.PrioritySameDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	case models.PriorityWithin24h:
		return now.Add(24 * time.Hour)
	}
	return time.Time{}
}

// rankSlots orders candidates by wait time for bounded priorities, then by
// distance from the requested date, then by start.
func rankSlots(slots []models.Slot, p models.AppointmentPriority, requested time.Time) []models.Slot {
	out := make([]models.Slot, len(slots))
	copy(out, slots)
	dist := func(s models.Slot) time.Duration {
		d := s.Start.Sub(requested)
		if d < 0 {
			return -d
		}
		return d
	}
	bounded := p != models.PriorityNoConstraint
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if bounded && !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if da, db := dist(a), dist(b); da != db {
			return da < db
		}
		return a.Start.Before(b.Start)
	})
	return out
}

// Schedule turns a message into an appointment request and tries to book
// it. A request that cannot honour its priority window is rejected, never
// moved to a later slot.
func (h *AppointmentHandler) Schedule(ctx context.Context, sess *models.Session, message string) (models.AppointmentRequest, error) {
	now := h.clock()
	log := h.Logger.With().Str("session_id", sess.ID).Logger()

	reqType, requested := h.extract(ctx, message, now, log)
	priority, _ := h.priorityFor(sess)

	appt := models.AppointmentRequest{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		PatientID:     sess.PatientID,
		RequestedType: reqType,
		RequestedDate: requested,
		Priority:      priority,
		Status:        models.AppointmentPending,
		CreatedAt:     now.UTC(),
	}

	until := window(priority, now)
	criteria := scheduling.Criteria{
		From:           now,
		Until:          until,
		AllowEmergency: priority != models.PriorityNoConstraint || reqType == models.AppointmentEmergency,
	}

	var (
		slot models.Slot
		ok   bool
		err  error
	)
	if priority == models.PriorityNoConstraint {
		slot, ok, err = h.bookRanked(ctx, criteria, requested, sess.PatientID, now, until)
	} else {
		slot, ok, err = h.bookEarliest(ctx, criteria, sess.PatientID, now, until)
	}
	if err != nil {
		return appt, err
	}
	if ok {
		appt.Slot = &slot
		appt.Status = models.AppointmentConfirmed
	}

	if appt.Status != models.AppointmentConfirmed {
		appt.Status = models.AppointmentRejected
		if priority == models.PriorityNoConstraint {
			appt.Reason = "no slot available within the scheduling horizon"
		} else {
			appt.Reason = ReasonNoSlotInWindow
		}
		log.Warn().Str("priority", string(priority)).Msg("appointment rejected")
	} else {
		log.Info().Str("priority", string(priority)).Str("slot_id", appt.Slot.ID).Msg("appointment confirmed")
	}

	if h.Book != nil {
		h.Book.Add(appt)
	}
	h.Metrics.AppointmentRecorded(string(appt.Status), string(appt.Priority))
	if h.Audit != nil {
		if err := h.Audit.RecordAppointment(ctx, appt); err != nil {
			log.Warn().Err(err).Str("appointment_id", appt.ID).Msg("appointment audit write failed")
		}
	}
	return appt, nil
}

// inWindow reports whether slot starts at or after now and, for a bounded
// priority, before until. Schedulers are not trusted to honour Criteria.
func inWindow(slot models.Slot, now, until time.Time) bool {
	if slot.Start.Before(now) {
		return false
	}
	return until.IsZero() || slot.Start.Before(until)
}

// bookRanked reserves the best ranked candidate for an unconstrained request.
func (h *AppointmentHandler) bookRanked(ctx context.Context, cr scheduling.Criteria, requested time.Time, patientID string, now, until time.Time) (models.Slot, bool, error) {
	slots, err := h.candidates(ctx, cr)
	if err != nil {
		return models.Slot{}, false, err
	}
	for _, slot := range rankSlots(slots, models.PriorityNoConstraint, requested) {
		if !inWindow(slot, now, until) {
			continue
		}
		err := h.reserve(ctx, slot, patientID)
		if errors.Is(err, scheduling.ErrSlotTaken) {
			continue
		}
		if err != nil {
			return models.Slot{}, false, err
		}
		return slot, true, nil
	}
	return models.Slot{}, false, nil
}

// bookEarliest asks the scheduler for its earliest slot and reserves it,
// asking again when the slot is lost to a concurrent booking.
func (h *AppointmentHandler) bookEarliest(ctx context.Context, cr scheduling.Criteria, patientID string, now, until time.Time) (models.Slot, bool, error) {
	for i := 0; i < maxReserveAttempts; i++ {
		slot, found, err := h.findSlot(ctx, cr)
		if err != nil {
			return models.Slot{}, false, err
		}
		if !found || !inWindow(slot, now, until) {
			return models.Slot{}, false, nil
		}
		err = h.reserve(ctx, slot, patientID)
		if errors.Is(err, scheduling.ErrSlotTaken) {
			continue
		}
		if err != nil {
			return models.Slot{}, false, err
		}
		return slot, true, nil
	}
	return models.Slot{}, false, nil
}

func (h *AppointmentHandler) extract(ctx context.Context, message string, now time.Time, log zerolog.Logger) (models.AppointmentType, time.Time) {
	reqType := models.AppointmentConsultation
	requested := now

	var ex appointmentExtraction
	prompt := buildPrompt(appointmentInstructions, nil, nil, nil, message, "Today is "+now.Format("2006-01-02")+".")
	if err := ai.ClassifyInto(ctx, h.AI, prompt, ai.AppointmentSchema, &ex); err != nil {
		log.Warn().Err(err).Msg("appointment extraction failed, using defaults")
		return reqType, requested
	}
	if ex.RequestedType != nil {
		switch t := models.AppointmentType(strings.ToLower(*ex.RequestedType)); t {
		case models.AppointmentConsultation, models.AppointmentFollowUp, models.AppointmentProcedure, models.AppointmentEmergency:
			reqType = t
		}
	}
	if ex.RequestedDate != nil {
		if d, err := time.ParseInLocation("2006-01-02", *ex.RequestedDate, now.Location()); err == nil {
			d = d.Add(9 * time.Hour)
			if d.After(now) {
				requested = d
			}
		}
	}
	return reqType, requested
}

func (h *AppointmentHandler) candidates(ctx context.Context, cr scheduling.Criteria) ([]models.Slot, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	slots, err := h.Scheduler.Candidates(ctx, cr)
	h.Metrics.ObserveUpstream("scheduling", "candidates", outcomeLabel(err), time.Since(start))
	if err != nil {
		return nil, &models.UpstreamError{Service: "scheduling", Op: "candidates", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	return slots, nil
}

func (h *AppointmentHandler) findSlot(ctx context.Context, cr scheduling.Criteria) (models.Slot, bool, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	slot, ok, err := h.Scheduler.FindSlot(ctx, cr)
	h.Metrics.ObserveUpstream("scheduling", "find_slot", outcomeLabel(err), time.Since(start))
	if err != nil {
		return models.Slot{}, false, &models.UpstreamError{Service: "scheduling", Op: "find_slot", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	return slot, ok, nil
}

func (h *AppointmentHandler) reserve(ctx context.Context, slot models.Slot, patientID string) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := h.Scheduler.Reserve(ctx, slot, patientID)
	if errors.Is(err, scheduling.ErrSlotTaken) {
		h.Metrics.ObserveUpstream("scheduling", "reserve", "conflict", time.Since(start))
		return err
	}
	h.Metrics.ObserveUpstream("scheduling", "reserve", outcomeLabel(err), time.Since(start))
	if err != nil {
		return &models.UpstreamError{Service: "scheduling", Op: "reserve", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	return nil
}

func (h *AppointmentHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.Timeout)
}

func (h *AppointmentHandler) Handle(ctx context.Context, req Request) (Result, error) {
	appt, err := h.Schedule(ctx, req.Session, req.Message)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Response:         appointmentResponse(appt),
		StructuredData:   map[string]any{"appointment": appt},
		StructuredResult: appt,
		RequiresFollowUp: appt.Status == models.AppointmentRejected,
	}, nil
}

func appointmentResponse(a models.AppointmentRequest) string {
	if a.Status == models.AppointmentConfirmed && a.Slot != nil {
		return fmt.Sprintf("Your %s appointment is confirmed for %s at %s with %s (reference %s).",
			a.RequestedType, a.Slot.Start.Format("Monday, January 2"), a.Slot.Start.Format("15:04"), a.Slot.Provider, a.Slot.ID)
	}
	switch a.Priority {
	case models.PrioritySameDay:
		return "We could not find a same-day appointment, and your recent assessment needs to be seen today. " +
			"Please call 911 or go to the nearest emergency department if your symptoms continue."
	case models.PriorityWithin24h:
		return "We could not find an appointment within the next 24 hours, which your recent assessment requires. " +
			"Please call the cardiology emergency line at 555-CARD-911 so the team can fit you in."
	}
	return "There are no open appointments right now. Please call the clinic and we will help you find a time."
}
