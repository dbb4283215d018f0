package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/alerting"
	"github.com/cardiotriage/backend/internal/knowledge"
	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/patients"
	"github.com/cardiotriage/backend/internal/scheduling"
	"github.com/cardiotriage/backend/internal/session"
)

// Monday 2024-01-15 07:00 UTC.
var testNow = time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)

// scriptedGateway answers Classify per schema name and counts calls.
type scriptedGateway struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	text      string
	genErr    error
	calls     map[string]int
	prompts   []string
}

func newScripted() *scriptedGateway {
	return &scriptedGateway{
		responses: map[string]string{},
		errs:      map[string]error{},
		calls:     map[string]int{},
		text:      "generated text",
	}
}

func (g *scriptedGateway) Classify(ctx context.Context, prompt string, schema *ai.Schema) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[schema.Name]++
	if err := g.errs[schema.Name]; err != nil {
		return nil, err
	}
	if r, ok := g.responses[schema.Name]; ok {
		return json.RawMessage(r), nil
	}
	return json.RawMessage(`{}`), nil
}

func (g *scriptedGateway) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["generate"]++
	g.prompts = append(g.prompts, prompt)
	return g.text, g.genErr
}

func (g *scriptedGateway) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

// recordingNotifier acknowledges or fails every call and remembers them.
type recordingNotifier struct {
	mu     sync.Mutex
	events []models.EscalationEvent
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev models.EscalationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type testService struct {
	Supervisor  *Supervisor
	Escalations *EscalationProtocol
	Sessions    *session.Store
	Calendar    *scheduling.Calendar
	Book        *AppointmentBook
	Notifier    *recordingNotifier
}

func newTestService(gw ai.Gateway, now time.Time) *testService {
	logger := zerolog.Nop()
	clock := func() time.Time { return now }

	sessions := session.NewStore().WithClock(clock)
	notifier := &recordingNotifier{}
	escalations := NewEscalationProtocol(alerting.Notifier(notifier), sessions, logger)
	escalations.Retry.InitialDelay = time.Millisecond
	escalations.Retry.MaxDelay = 5 * time.Millisecond
	escalations.AttemptTimeout = time.Second
	escalations.now = clock

	calendar := scheduling.NewCalendar(30, time.UTC).WithClock(clock)
	book := NewAppointmentBook()
	directory, _ := patients.LoadYAML("")
	kb, _ := knowledge.Load("")

	machine := &TriageMachine{AI: gw, Escalations: escalations, SeverityThreshold: DefaultSeverityThreshold, Logger: logger}
	appointments := &AppointmentHandler{
		AI:          gw,
		Scheduler:   calendar,
		Escalations: escalations,
		Book:        book,
		Timeout:     time.Second,
		Location:    time.UTC,
		Logger:      logger,
		now:         clock,
	}

	sup := &Supervisor{
		Sessions:            sessions,
		AI:                  gw,
		Patients:            directory,
		Triage:              &TriageHandler{Machine: machine, TailTurns: DefaultTailTurns},
		Appointments:        appointments,
		Assistant:           &VirtualAssistant{AI: gw, Knowledge: kb, TailTurns: DefaultTailTurns},
		Docs:                &ClinicalDocs{AI: gw, TailTurns: DefaultTailTurns},
		TailTurns:           DefaultTailTurns,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		Logger:              logger,
	}
	return &testService{
		Supervisor:  sup,
		Escalations: escalations,
		Sessions:    sessions,
		Calendar:    calendar,
		Book:        book,
		Notifier:    notifier,
	}
}

func raisedCount(p *EscalationProtocol, sessionID string) int {
	return len(p.List(EscalationFilter{Status: models.EscalationRaised, SessionID: sessionID}))
}
