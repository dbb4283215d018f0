package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/metrics"
	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/patients"
	"github.com/cardiotriage/backend/internal/session"
)

const (
	DefaultTailTurns           = 5
	DefaultConfidenceThreshold = 0.5

	DegradedReason      = "service degraded - defaulting to safety triage"
	LowConfidenceReason = "low confidence - defaulting to virtual assistant"
)

type RouteRequest struct {
	SessionID     string
	PatientID     string
	Message       string
	ClientContext []string
}

// Supervisor classifies each message, runs the selected handler under the
// session lock and records both turns.
type Supervisor struct {
	Sessions            *session.Store
	AI                  ai.Gateway
	Patients            patients.Directory
	Triage              *TriageHandler
	Appointments        *AppointmentHandler
	Assistant           *VirtualAssistant
	Docs                *ClinicalDocs
	Audit               AuditSink
	TailTurns           int
	ConfidenceThreshold float64
	Logger              zerolog.Logger
	Metrics             *metrics.Metrics
}

func (s *Supervisor) handler(kind models.HandlerKind) Handler {
	switch kind {
	case models.HandlerTriage:
		return s.Triage
	case models.HandlerAppointment:
		return s.Appointments
	case models.HandlerClinicalDocs:
		return s.Docs
	default:
		return s.Assistant
	}
}

func (s *Supervisor) tail() int {
	if s.TailTurns <= 0 {
		return DefaultTailTurns
	}
	return s.TailTurns
}

func (s *Supervisor) threshold() float64 {
	if s.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return s.ConfidenceThreshold
}

// Classify asks the gateway which handler fits. It never fails: an
// unreachable gateway or unusable reply routes to triage, low confidence
// routes to the virtual assistant.
func (s *Supervisor) Classify(ctx context.Context, sess *models.Session, req RouteRequest) models.IntentClassification {
	prompt := buildPrompt(intentInstructions, sess.Tail(s.tail()), req.ClientContext, nil, req.Message)
	var ic models.IntentClassification
	if err := ai.ClassifyInto(ctx, s.AI, prompt, ai.IntentSchema, &ic); err != nil {
		s.Logger.Error().Err(err).Str("session_id", sess.ID).Int("turn_index", len(sess.Turns)).Msg("intent classification failed")
		return models.IntentClassification{
			TargetHandler: models.HandlerTriage,
			Confidence:    0,
			Degraded:      true,
			Reason:        DegradedReason,
		}
	}
	if !ic.TargetHandler.Valid() || ic.Confidence < s.threshold() {
		return models.IntentClassification{
			TargetHandler: models.HandlerVirtualAssistant,
			Confidence:    ic.Confidence,
			Reason:        LowConfidenceReason,
		}
	}
	return ic
}

// Route classifies the message and dispatches it.
func (s *Supervisor) Route(ctx context.Context, req RouteRequest) (models.ResponseEnvelope, error) {
	return s.run(ctx, req, "")
}

// Dispatch runs the named handler without classification.
func (s *Supervisor) Dispatch(ctx context.Context, req RouteRequest, kind models.HandlerKind) (models.ResponseEnvelope, error) {
	if !kind.Valid() {
		return models.ResponseEnvelope{}, models.NewValidationError("handler", fmt.Sprintf("unknown handler %q", kind))
	}
	return s.run(ctx, req, kind)
}

func (s *Supervisor) run(ctx context.Context, req RouteRequest, forced models.HandlerKind) (models.ResponseEnvelope, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return models.ResponseEnvelope{}, models.NewValidationError("message", "message must not be empty")
	}

	id, created, err := s.Sessions.Resolve(req.SessionID, req.PatientID)
	if err != nil {
		return models.ResponseEnvelope{}, err
	}
	if created {
		s.Metrics.SetActiveSessions(s.Sessions.Len())
	}

	var (
		env      models.ResponseEnvelope
		snapshot models.Session
		turns    []models.Turn
	)
	err = s.Sessions.Update(ctx, id, func(sess *models.Session) error {
		turnIndex := len(sess.Turns)
		log := s.Logger.With().Str("session_id", sess.ID).Int("turn_index", turnIndex).Logger()

		patient := s.lookupPatient(ctx, sess.PatientID, log)

		ic := models.IntentClassification{TargetHandler: forced, Confidence: 1}
		if forced == "" {
			ic = s.Classify(ctx, sess, req)
		}
		h := s.handler(ic.TargetHandler)

		res, err := h.Handle(ctx, Request{
			Session:        sess,
			Message:        req.Message,
			Patient:        patient,
			Classification: ic,
			ClientContext:  req.ClientContext,
			TurnIndex:      turnIndex,
		})
		if err != nil {
			log.Error().Err(err).Str("handler", string(h.Kind())).Msg("handler failed")
			return err
		}

		in := s.Sessions.Append(sess, models.Turn{Role: models.RolePatient, Text: req.Message})
		outTurn := s.Sessions.Append(sess, models.Turn{
			Role:             models.RoleSystem,
			Text:             res.Response,
			Timestamp:        in.Timestamp,
			HandlerUsed:      h.Kind(),
			StructuredResult: res.StructuredResult,
		})
		sess.LastHandler = h.Kind()

		data := res.StructuredData
		if data == nil {
			data = map[string]any{}
		}
		if forced == "" {
			data["intent"] = ic
		}
		env = models.ResponseEnvelope{
			SessionID:        sess.ID,
			TurnIndex:        outTurn.Index,
			Response:         res.Response,
			AgentUsed:        h.Kind(),
			Degraded:         ic.Degraded || res.Degraded,
			StructuredData:   data,
			EmergencyAlert:   res.EmergencyAlert,
			RequiresFollowUp: res.RequiresFollowUp,
		}
		turns = []models.Turn{in, outTurn}
		snapshot = models.Session{ID: sess.ID, PatientID: sess.PatientID, CreatedAt: sess.CreatedAt}
		log.Info().Str("handler", string(h.Kind())).Bool("degraded", env.Degraded).Float64("confidence", ic.Confidence).Msg("message routed")
		return nil
	})
	if err != nil {
		return models.ResponseEnvelope{}, err
	}

	s.Metrics.RouteCompleted(string(env.AgentUsed), env.Degraded)
	auditTurns(ctx, s.Audit, s.Logger, snapshot, turns...)
	return env, nil
}

func (s *Supervisor) lookupPatient(ctx context.Context, patientID string, log zerolog.Logger) *models.Patient {
	if s.Patients == nil || patientID == "" {
		return nil
	}
	p, err := s.Patients.Get(ctx, patientID)
	if err != nil {
		if !errors.Is(err, models.ErrPatientNotFound) {
			log.Warn().Err(err).Msg("patient lookup failed")
		}
		return nil
	}
	return &p
}
