package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/alerting"
	"github.com/cardiotriage/backend/internal/metrics"
	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/resilience"
	"github.com/cardiotriage/backend/internal/session"
)

// EscalationProtocol owns the escalation event lifecycle. A session has at
// most one raised event; later escalations for it are merged into that
// event.
type EscalationProtocol struct {
	Notifier       alerting.Notifier
	Retry          resilience.RetryConfig
	AttemptTimeout time.Duration
	Sessions       *session.Store
	Audit          AuditSink
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics

	mu        sync.Mutex
	events    map[string]*models.EscalationEvent
	bySession map[string]string
	now       func() time.Time
}

func NewEscalationProtocol(n alerting.Notifier, sessions *session.Store, logger zerolog.Logger) *EscalationProtocol {
	return &EscalationProtocol{
		Notifier:       n,
		Retry:          resilience.DefaultRetryConfig(),
		AttemptTimeout: 10 * time.Second,
		Sessions:       sessions,
		Logger:         logger,
		events:         make(map[string]*models.EscalationEvent),
		bySession:      make(map[string]string),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Escalate raises an event for the session, or attaches the assessment to
// the one already raised. The caller must hold the session lock. A failed
// notification leaves the event recorded with NotificationPending set and
// is not returned as an error.
func (p *EscalationProtocol) Escalate(ctx context.Context, sess *models.Session, a models.TriageAssessment) (models.EscalationEvent, error) {
	now := p.now()

	p.mu.Lock()
	var (
		ev     *models.EscalationEvent
		merged bool
	)
	if id, ok := p.bySession[sess.ID]; ok {
		ev = p.events[id]
		ev.Snapshot = a
		ev.AttachedCount++
		ev.UpdatedAt = now
		merged = true
	} else {
		ev = &models.EscalationEvent{
			ID:                  uuid.NewString(),
			SessionID:           sess.ID,
			PatientID:           sess.PatientID,
			Snapshot:            a,
			Status:              models.EscalationRaised,
			RaisedAt:            now,
			UpdatedAt:           now,
			NotificationPending: true,
		}
		p.events[ev.ID] = ev
		p.bySession[sess.ID] = ev.ID
	}
	needNotify := ev.NotificationPending
	snapshot := *ev
	p.mu.Unlock()

	if sess.OpenEscalations == nil {
		sess.OpenEscalations = make(map[string]struct{})
	}
	sess.OpenEscalations[snapshot.ID] = struct{}{}

	log := p.Logger.With().Str("session_id", sess.ID).Str("escalation_id", snapshot.ID).Logger()
	if merged {
		p.Metrics.Escalation("merged")
		log.Warn().Int("attached_count", snapshot.AttachedCount).Msg("assessment attached to open escalation")
	} else {
		p.Metrics.Escalation("raised")
		log.Warn().Str("urgency", string(a.UrgencyLevel)).Int("severity", a.SeverityScore).Msg("escalation raised")
	}

	if needNotify {
		snapshot = p.notify(ctx, snapshot.ID)
	}
	p.audit(ctx, snapshot)
	return snapshot, nil
}

// notify delivers the current state of event id with bounded retry and
// records the outcome on the event.
func (p *EscalationProtocol) notify(ctx context.Context, id string) models.EscalationEvent {
	ev, _ := p.Get(id)
	if p.Notifier == nil {
		return p.recordNotification(id, 0, errors.New("no alert channel configured"))
	}

	cfg := p.Retry
	cfg.OnRetry = func(attempt int, err error) {
		p.Logger.Warn().Err(err).Str("escalation_id", id).Int("attempt", attempt).Msg("alert delivery failed, retrying")
	}
	attempts, err := resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		start := time.Now()
		err := p.Notifier.Notify(attemptCtx, ev)
		p.Metrics.ObserveUpstream("alerting", "notify", outcomeLabel(err), time.Since(start))
		return err
	})
	if err != nil {
		var maxErr resilience.ErrMaxRetriesExceeded
		if errors.As(err, &maxErr) && maxErr.LastErr != nil {
			err = maxErr.LastErr
		}
		failure := &models.EscalationNotificationFailure{EscalationID: id, Attempts: attempts, Err: err}
		p.Metrics.NotificationFailed()
		p.Logger.Error().Err(failure).Str("session_id", ev.SessionID).Str("escalation_id", id).Msg("escalation notification pending")
	}
	return p.recordNotification(id, attempts, err)
}

func (p *EscalationProtocol) recordNotification(id string, attempts int, err error) models.EscalationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := p.events[id]
	ev.NotificationAttempts += attempts
	if err != nil {
		ev.NotificationPending = true
		ev.LastNotificationError = err.Error()
	} else {
		ev.NotificationPending = false
		ev.LastNotificationError = ""
	}
	return *ev
}

// UpdateStatus applies a staff-driven transition: raised to acknowledged
// or closed, acknowledged to closed.
func (p *EscalationProtocol) UpdateStatus(ctx context.Context, id string, status models.EscalationStatus) (models.EscalationEvent, error) {
	if status != models.EscalationAcknowledged && status != models.EscalationClosed {
		return models.EscalationEvent{}, models.NewValidationError("status", "status must be acknowledged or closed")
	}

	p.mu.Lock()
	ev, ok := p.events[id]
	if !ok {
		p.mu.Unlock()
		return models.EscalationEvent{}, models.ErrEscalationNotFound
	}
	switch {
	case ev.Status == status:
	case ev.Status == models.EscalationClosed:
		p.mu.Unlock()
		return models.EscalationEvent{}, models.NewValidationError("status", "escalation is already closed")
	default:
		ev.Status = status
		ev.UpdatedAt = p.now()
	}
	if p.bySession[ev.SessionID] == id {
		delete(p.bySession, ev.SessionID)
	}
	out := *ev
	p.mu.Unlock()

	p.Metrics.Escalation(string(status))
	p.Logger.Info().Str("session_id", out.SessionID).Str("escalation_id", id).Str("status", string(status)).Msg("escalation status updated")

	if p.Sessions != nil {
		err := p.Sessions.Update(ctx, out.SessionID, func(sess *models.Session) error {
			delete(sess.OpenEscalations, id)
			return nil
		})
		if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			return out, err
		}
	}
	p.audit(ctx, out)
	return out, nil
}

type ReconcileSummary struct {
	Attempted    int      `json:"attempted"`
	Delivered    int      `json:"delivered"`
	StillPending []string `json:"still_pending"`
}

// ReconcilePending retries delivery for every raised event whose
// notification is still pending.
func (p *EscalationProtocol) ReconcilePending(ctx context.Context) ReconcileSummary {
	pending := p.List(EscalationFilter{Status: models.EscalationRaised, PendingOnly: true})
	summary := ReconcileSummary{StillPending: []string{}}
	for _, ev := range pending {
		if ctx.Err() != nil {
			summary.StillPending = append(summary.StillPending, ev.ID)
			continue
		}
		summary.Attempted++
		out := p.notify(ctx, ev.ID)
		p.audit(ctx, out)
		if out.NotificationPending {
			summary.StillPending = append(summary.StillPending, ev.ID)
			continue
		}
		summary.Delivered++
	}
	return summary
}

func (p *EscalationProtocol) Get(id string) (models.EscalationEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[id]
	if !ok {
		return models.EscalationEvent{}, models.ErrEscalationNotFound
	}
	return *ev, nil
}

// OpenFor returns the raised event of a session, if any.
func (p *EscalationProtocol) OpenFor(sessionID string) (models.EscalationEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.bySession[sessionID]
	if !ok {
		return models.EscalationEvent{}, false
	}
	return *p.events[id], true
}

type EscalationFilter struct {
	Status      models.EscalationStatus
	SessionID   string
	PendingOnly bool
}

// List returns matching events, most recently raised first.
func (p *EscalationProtocol) List(f EscalationFilter) []models.EscalationEvent {
	p.mu.Lock()
	out := make([]models.EscalationEvent, 0, len(p.events))
	for _, ev := range p.events {
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.SessionID != "" && ev.SessionID != f.SessionID {
			continue
		}
		if f.PendingOnly && !ev.NotificationPending {
			continue
		}
		out = append(out, *ev)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}

func (p *EscalationProtocol) audit(ctx context.Context, ev models.EscalationEvent) {
	if p.Audit == nil {
		return
	}
	if err := p.Audit.RecordEscalation(ctx, ev); err != nil {
		p.Logger.Warn().Err(err).Str("escalation_id", ev.ID).Msg("escalation audit write failed")
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
