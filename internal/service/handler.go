package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/models"
)

// Request is what a handler receives for one turn. Session is held under
// the session lock for the duration of Handle.
type Request struct {
	Session        *models.Session
	Message        string
	Patient        *models.Patient
	Classification models.IntentClassification
	ClientContext  []string
	TurnIndex      int
}

// Result is a handler's contribution to the response envelope.
type Result struct {
	Response         string
	StructuredData   map[string]any
	StructuredResult any
	Degraded         bool
	EmergencyAlert   bool
	RequiresFollowUp bool
}

// Handler is one member of the closed handler set.
type Handler interface {
	Kind() models.HandlerKind
	Handle(ctx context.Context, req Request) (Result, error)
}

// AuditSink receives a durable copy of what the core decided. Failures are
// logged and never fail the request.
type AuditSink interface {
	RecordTurn(ctx context.Context, sess models.Session, t models.Turn) error
	RecordEscalation(ctx context.Context, ev models.EscalationEvent) error
	RecordAppointment(ctx context.Context, a models.AppointmentRequest) error
}

func auditTurns(ctx context.Context, sink AuditSink, logger zerolog.Logger, sess models.Session, turns ...models.Turn) {
	if sink == nil {
		return
	}
	for _, t := range turns {
		if err := sink.RecordTurn(ctx, sess, t); err != nil {
			logger.Warn().Err(err).Str("session_id", sess.ID).Int("turn_index", t.Index).Msg("turn audit write failed")
		}
	}
}
