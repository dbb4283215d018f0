package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/metrics"
	"github.com/cardiotriage/backend/internal/models"
)

type TriageState string

const (
	StateIntake    TriageState = "INTAKE"
	StateAssessed  TriageState = "ASSESSED"
	StateEscalated TriageState = "ESCALATED"
	StateClosed    TriageState = "CLOSED"
)

const DefaultSeverityThreshold = 8

// rawAssessment is the gateway's reply before defaults are applied. Every
// field may be absent.
type rawAssessment struct {
	UrgencyLevel       *string  `json:"urgency_level"`
	SeverityScore      *float64 `json:"severity_score"`
	IdentifiedSymptoms []string `json:"identified_symptoms"`
	RecommendedAction  *string  `json:"recommended_action"`
	EscalationRequired *bool    `json:"escalation_required"`
	Reasoning          *string  `json:"reasoning"`
}

// UrgencyForScore maps a severity score onto its urgency band.
func UrgencyForScore(score int) models.UrgencyLevel {
	switch {
	case score >= 8:
		return models.UrgencyEmergency
	case score >= 5:
		return models.UrgencyUrgent
	case score >= 2:
		return models.UrgencyRoutine
	default:
		return models.UrgencyInformational
	}
}

// representativeScore is used when only a label was given.
func representativeScore(u models.UrgencyLevel) int {
	switch u {
	case models.UrgencyEmergency:
		return 9
	case models.UrgencyUrgent:
		return 6
	case models.UrgencyRoutine:
		return 3
	default:
		return 1
	}
}

func defaultAction(u models.UrgencyLevel) string {
	switch u {
	case models.UrgencyEmergency:
		return "Call emergency services immediately"
	case models.UrgencyUrgent:
		return "Contact the cardiology team today"
	case models.UrgencyRoutine:
		return "Schedule a routine review with your cardiologist"
	default:
		return "No clinical action needed; ask if symptoms change"
	}
}

// EscalationRequired is the single rule deciding escalation.
func EscalationRequired(u models.UrgencyLevel, score, threshold int) bool {
	return u == models.UrgencyEmergency || score >= threshold
}

func clampScore(f float64) int {
	s := int(math.Round(f))
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// normalizeAssessment fills defaults and recomputes EscalationRequired.
// Missing urgency data yields routine/1, which never escalates with a sane
// threshold.
func normalizeAssessment(r rawAssessment, threshold int) models.TriageAssessment {
	var (
		label    models.UrgencyLevel
		hasLabel bool
		score    int
		hasScore bool
	)
	if r.UrgencyLevel != nil {
		label, hasLabel = models.ParseUrgency(*r.UrgencyLevel)
	}
	if r.SeverityScore != nil && !math.IsNaN(*r.SeverityScore) {
		score, hasScore = clampScore(*r.SeverityScore), true
	}

	switch {
	case !hasLabel && !hasScore:
		label, score = models.UrgencyRoutine, 1
	case !hasLabel:
		label = UrgencyForScore(score)
	case !hasScore:
		score = representativeScore(label)
	}

	a := models.TriageAssessment{
		UrgencyLevel:       label,
		SeverityScore:      score,
		IdentifiedSymptoms: dedupe(r.IdentifiedSymptoms),
		EscalationRequired: EscalationRequired(label, score, threshold),
	}
	if r.RecommendedAction != nil && strings.TrimSpace(*r.RecommendedAction) != "" {
		a.RecommendedAction = strings.TrimSpace(*r.RecommendedAction)
	} else {
		a.RecommendedAction = defaultAction(label)
	}
	if r.Reasoning != nil {
		a.Reasoning = strings.TrimSpace(*r.Reasoning)
	}
	if !hasLabel && !hasScore {
		a.Reasoning = strings.TrimSpace(a.Reasoning + " (urgency not reported; defaulted to routine for human review)")
	}
	return a
}

func failSafeAssessment(threshold int) models.TriageAssessment {
	return models.TriageAssessment{
		UrgencyLevel:       models.UrgencyRoutine,
		SeverityScore:      1,
		IdentifiedSymptoms: []string{},
		RecommendedAction:  "Contact your care team, or emergency services if symptoms worsen",
		EscalationRequired: EscalationRequired(models.UrgencyRoutine, 1, threshold),
		Reasoning:          "assessment service unavailable; defaulted to routine for human review",
	}
}

// TriageMachine runs INTAKE, ASSESSED, then ESCALATED or CLOSED for one
// message. It keeps no state between invocations.
type TriageMachine struct {
	AI                ai.Gateway
	Escalations       *EscalationProtocol
	SeverityThreshold int
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
}

// Outcome is one completed run of the machine.
type Outcome struct {
	State      TriageState
	Assessment models.TriageAssessment
	Escalation *models.EscalationEvent
	Degraded   bool
}

func (m *TriageMachine) threshold() int {
	if m.SeverityThreshold <= 0 {
		return DefaultSeverityThreshold
	}
	return m.SeverityThreshold
}

func (m *TriageMachine) Evaluate(ctx context.Context, sess *models.Session, message string, tail []models.Turn, patient *models.Patient) (Outcome, error) {
	out := Outcome{State: StateIntake}
	log := m.Logger.With().Str("session_id", sess.ID).Logger()

	prompt := buildPrompt(assessmentInstructions, tail, nil, patient, message)
	var raw rawAssessment
	if err := ai.ClassifyInto(ctx, m.AI, prompt, ai.AssessmentSchema, &raw); err != nil {
		log.Error().Err(err).Msg("triage assessment failed, using fail-safe default")
		out.Assessment = failSafeAssessment(m.threshold())
		out.Degraded = true
	} else {
		out.Assessment = normalizeAssessment(raw, m.threshold())
	}
	out.State = StateAssessed

	if !out.Assessment.EscalationRequired {
		out.State = StateClosed
		m.Metrics.TriageEvaluated(string(out.Assessment.UrgencyLevel), string(out.State))
		return out, nil
	}

	ev, err := m.Escalations.Escalate(ctx, sess, out.Assessment)
	if err != nil {
		return out, fmt.Errorf("escalate: %w", err)
	}
	out.State = StateEscalated
	out.Escalation = &ev
	m.Metrics.TriageEvaluated(string(out.Assessment.UrgencyLevel), string(out.State))
	return out, nil
}

var emergencyInstructions = []string{
	"Call 911 right now",
	"Do not drive yourself to the hospital",
	"If you are not allergic, chew an aspirin",
	"Stay calm and follow the dispatcher's instructions",
	"Have someone stay with you if possible",
}

var urgentInstructions = []string{
	"Call the cardiology emergency line: 555-CARD-911",
	"If you cannot reach cardiology, call 911",
	"Do not wait for symptoms to worsen",
}

// TriageHandler adapts the machine to the handler set and phrases the
// result for the patient.
type TriageHandler struct {
	Machine   *TriageMachine
	TailTurns int
}

func (h *TriageHandler) Kind() models.HandlerKind { return models.HandlerTriage }

func (h *TriageHandler) Handle(ctx context.Context, req Request) (Result, error) {
	out, err := h.Machine.Evaluate(ctx, req.Session, req.Message, req.Session.Tail(h.TailTurns), req.Patient)
	if err != nil {
		return Result{}, err
	}

	a := out.Assessment
	res := models.TriageResult{
		State:      string(out.State),
		Assessment: a,
		Degraded:   out.Degraded || req.Classification.Degraded,
	}
	if out.Escalation != nil {
		res.EscalationID = out.Escalation.ID
	}
	switch {
	case a.UrgencyLevel == models.UrgencyEmergency || out.State == StateEscalated:
		res.Instructions = emergencyInstructions
	case a.UrgencyLevel == models.UrgencyUrgent:
		res.Instructions = urgentInstructions
	}

	data := map[string]any{
		"triage_assessment": a,
		"triage_state":      out.State,
	}
	if out.Escalation != nil {
		data["escalation"] = out.Escalation
	}
	if len(res.Instructions) > 0 {
		data["instructions"] = res.Instructions
	}

	return Result{
		Response:         triageResponse(res),
		StructuredData:   data,
		StructuredResult: res,
		Degraded:         res.Degraded,
		EmergencyAlert:   out.State == StateEscalated,
		RequiresFollowUp: a.UrgencyLevel.Rank() >= models.UrgencyUrgent.Rank() || res.Degraded,
	}, nil
}

func triageResponse(r models.TriageResult) string {
	a := r.Assessment
	var b strings.Builder
	if r.Degraded {
		b.WriteString("Our automated assessment is running in a reduced mode, so a member of the care team will review your message. ")
		b.WriteString("If you have chest pain, trouble breathing or feel faint, call 911 now. ")
	}
	switch a.UrgencyLevel {
	case models.UrgencyEmergency:
		b.WriteString("Your symptoms may be a medical emergency. ")
	case models.UrgencyUrgent:
		b.WriteString("Your symptoms need attention today. ")
	case models.UrgencyRoutine:
		b.WriteString("Your symptoms do not look urgent, but they should be reviewed. ")
	default:
		b.WriteString("Thanks for the update. ")
	}
	b.WriteString(strings.TrimRight(a.RecommendedAction, ". "))
	b.WriteString(".")
	if r.EscalationID != "" {
		b.WriteString(" The on-call cardiology team has been alerted.")
	}
	if len(r.Instructions) > 0 {
		b.WriteString("\n")
		for _, in := range r.Instructions {
			b.WriteString("\n- ")
			b.WriteString(in)
		}
	}
	return b.String()
}
