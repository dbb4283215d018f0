package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/knowledge"
	"github.com/cardiotriage/backend/internal/models"
)

func TestLowConfidenceDefaultsToVirtualAssistant(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.IntentSchema.Name] = `{"target_handler":"appointment","confidence":0.49}`
	svc := newTestService(gw, testNow)

	env, err := svc.Supervisor.Route(context.Background(), RouteRequest{PatientID: "P001", Message: "hmm"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if env.AgentUsed != models.HandlerVirtualAssistant {
		t.Fatalf("expected virtual_assistant, got %s", env.AgentUsed)
	}
	if env.Degraded {
		t.Fatalf("ambiguous intent is not a degraded response")
	}
	ic := env.StructuredData["intent"].(models.IntentClassification)
	if ic.Reason != LowConfidenceReason {
		t.Fatalf("expected low confidence reason, got %q", ic.Reason)
	}
}

func TestConfidentIntentIsFollowed(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.IntentSchema.Name] = `{"target_handler":"clinical_docs","confidence":0.5}`
	svc := newTestService(gw, testNow)

	env, err := svc.Supervisor.Route(context.Background(), RouteRequest{PatientID: "P001", Message: "summarize my visit"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if env.AgentUsed != models.HandlerClinicalDocs {
		t.Fatalf("expected clinical_docs at threshold, got %s", env.AgentUsed)
	}
}

// blockingGateway never answers before the context is done.
type blockingGateway struct{}

func (blockingGateway) Classify(ctx context.Context, _ string, _ *ai.Schema) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingGateway) Generate(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestScenarioDGatewayTimeoutFallsBackToSafetyTriage(t *testing.T) {
	gw := ai.Guarded{Next: blockingGateway{}, Timeout: 20 * time.Millisecond, Retries: 1, Logger: zerolog.Nop()}
	svc := newTestService(gw, testNow)

	env, err := svc.Supervisor.Route(context.Background(), RouteRequest{PatientID: "P001", Message: "my chest feels strange"})
	if err != nil {
		t.Fatalf("expected safety triage, not an error: %v", err)
	}
	if env.AgentUsed != models.HandlerTriage || !env.Degraded {
		t.Fatalf("expected degraded triage, got %s degraded=%v", env.AgentUsed, env.Degraded)
	}
	ic := env.StructuredData["intent"].(models.IntentClassification)
	if ic.Reason != DegradedReason {
		t.Fatalf("expected degraded reason, got %q", ic.Reason)
	}
	a := env.StructuredData["triage_assessment"].(models.TriageAssessment)
	if a.UrgencyLevel != models.UrgencyRoutine || a.SeverityScore != 1 || a.EscalationRequired {
		t.Fatalf("expected fail-safe routine/1 assessment, got %+v", a)
	}
	if env.Response == "" {
		t.Fatalf("expected a patient-facing response")
	}
}

func TestMalformedIntentIsDegraded(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.IntentSchema.Name] = `{"target_handler":"billing","confidence":0.9}`
	svc := newTestService(gw, testNow)

	env, err := svc.Supervisor.Route(context.Background(), RouteRequest{PatientID: "P001", Message: "??"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if env.AgentUsed != models.HandlerTriage || !env.Degraded {
		t.Fatalf("expected degraded triage for schema violation, got %s", env.AgentUsed)
	}
}

func TestValidationErrors(t *testing.T) {
	svc := newTestService(newScripted(), testNow)
	ctx := context.Background()

	if _, err := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "   "}); !models.IsValidation(err) {
		t.Fatalf("expected validation error for empty message, got %v", err)
	}
	if _, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: "nope", Message: "hi"}); !models.IsValidation(err) {
		t.Fatalf("expected validation error for unknown session, got %v", err)
	}
	if _, err := svc.Supervisor.Dispatch(ctx, RouteRequest{PatientID: "P001", Message: "hi"}, "billing"); !models.IsValidation(err) {
		t.Fatalf("expected validation error for unknown handler, got %v", err)
	}
}

func TestAssistantUpstreamErrorSurfaces(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.IntentSchema.Name] = `{"target_handler":"virtual_assistant","confidence":0.9}`
	gw.genErr = errors.New("502 from provider")
	guarded := ai.Guarded{Next: gw, Retries: 1, Logger: zerolog.Nop()}
	svc := newTestService(guarded, testNow)

	_, err := svc.Supervisor.Route(context.Background(), RouteRequest{PatientID: "P001", Message: "what is a statin?"})
	if !models.IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if gw.count("generate") != 2 {
		t.Fatalf("expected one retry, got %d calls", gw.count("generate"))
	}
	id, _ := svc.Sessions.ForPatient("P001")
	sess, _ := svc.Sessions.Get(context.Background(), id)
	if len(sess.Turns) != 0 {
		t.Fatalf("failed turn must not be recorded, got %d turns", len(sess.Turns))
	}
}

func TestTurnsRecordedInOrder(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()

	env, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P002", Message: "what should I eat?"})
	env2, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P002", Message: "I'd like to book an appointment"})
	if env.SessionID != env2.SessionID {
		t.Fatalf("expected patient's session to be reused")
	}
	sess, err := svc.Sessions.Get(ctx, env.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sess.Turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(sess.Turns))
	}
	for i, tr := range sess.Turns {
		if tr.Index != i {
			t.Fatalf("turn %d has index %d", i, tr.Index)
		}
	}
	if sess.Turns[2].Role != models.RolePatient || sess.Turns[3].HandlerUsed != models.HandlerAppointment {
		t.Fatalf("unexpected turn layout %+v", sess.Turns)
	}
	if sess.LastHandler != models.HandlerAppointment || env2.TurnIndex != 3 {
		t.Fatalf("expected last handler appointment at turn 3, got %s at %d", sess.LastHandler, env2.TurnIndex)
	}
}

type turnSink struct {
	sessions []models.Session
	turns    []models.Turn
}

func (s *turnSink) RecordTurn(_ context.Context, sess models.Session, t models.Turn) error {
	s.sessions = append(s.sessions, sess)
	s.turns = append(s.turns, t)
	return nil
}

func (s *turnSink) RecordEscalation(context.Context, models.EscalationEvent) error { return nil }

func (s *turnSink) RecordAppointment(context.Context, models.AppointmentRequest) error { return nil }

func TestRecreatedSessionAuditsItsCreationTime(t *testing.T) {
	now := testNow
	svc := newTestService(ai.MockGateway{}, testNow)
	svc.Sessions.WithClock(func() time.Time { return now })
	sink := &turnSink{}
	svc.Supervisor.Audit = sink
	ctx := context.Background()

	if _, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: "s-1", PatientID: "P002", Message: "what is a statin?"}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := svc.Sessions.Expire(ctx, "s-1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	now = testNow.Add(time.Hour)
	if _, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: "s-1", PatientID: "P002", Message: "what is a statin?"}); err != nil {
		t.Fatalf("route again: %v", err)
	}

	if len(sink.turns) != 4 || sink.turns[2].Index != 0 {
		t.Fatalf("expected the recreated session to restart at index 0, got %+v", sink.turns)
	}
	if !sink.sessions[0].CreatedAt.Equal(testNow) || !sink.sessions[2].CreatedAt.Equal(now) {
		t.Fatalf("expected each incarnation's creation time, got %s and %s", sink.sessions[0].CreatedAt, sink.sessions[2].CreatedAt)
	}
}

func TestAssistantGroundsOnKnowledge(t *testing.T) {
	gw := newScripted()
	gw.responses[ai.IntentSchema.Name] = `{"target_handler":"virtual_assistant","confidence":0.9}`
	svc := newTestService(gw, testNow)
	ctx := context.Background()

	env, err := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "Does metoprolol cause tiredness?"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	refs, ok := env.StructuredData["references"].([]knowledge.Entry)
	if !ok || len(refs) != 1 || refs[0].Name != "Beta blockers" {
		t.Fatalf("expected beta blocker reference, got %+v", env.StructuredData["references"])
	}
	if len(gw.prompts) != 1 || !strings.Contains(gw.prompts[0], "Reference information:") {
		t.Fatalf("expected reference information in the prompt")
	}

	env, _ = svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "what are your opening hours?"})
	if _, ok := env.StructuredData["references"]; ok {
		t.Fatalf("no references expected for an unrelated question")
	}
	if strings.Contains(gw.prompts[1], "Reference information:") {
		t.Fatalf("unexpected reference block in the prompt")
	}
}
