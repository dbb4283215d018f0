package service

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/alerting"
	"github.com/cardiotriage/backend/internal/knowledge"
	"github.com/cardiotriage/backend/internal/metrics"
	"github.com/cardiotriage/backend/internal/patients"
	"github.com/cardiotriage/backend/internal/session"
)

// Options wires the core. Zero values fall back to package defaults.
type Options struct {
	AI        ai.Gateway
	Notifier  alerting.Notifier
	Patients  patients.Directory
	Knowledge *knowledge.Base
	Scheduler Scheduler
	Audit     AuditSink
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Location  *time.Location

	TailTurns           int
	ConfidenceThreshold float64
	SeverityThreshold   int

	// UpstreamTimeout bounds scheduling and alerting calls.
	UpstreamTimeout time.Duration
	AlertAttempts   int
	AlertBackoff    time.Duration
}

// Service is the assembled core.
type Service struct {
	Supervisor  *Supervisor
	Escalations *EscalationProtocol
	Sessions    *session.Store
	Book        *AppointmentBook
}

func New(o Options) *Service {
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = 10 * time.Second
	}
	if o.TailTurns <= 0 {
		o.TailTurns = DefaultTailTurns
	}

	sessions := session.NewStore()

	escalations := NewEscalationProtocol(o.Notifier, sessions, o.Logger)
	escalations.AttemptTimeout = o.UpstreamTimeout
	escalations.Audit = o.Audit
	escalations.Metrics = o.Metrics
	if o.AlertAttempts > 0 {
		escalations.Retry.MaxAttempts = o.AlertAttempts
	}
	if o.AlertBackoff > 0 {
		escalations.Retry.InitialDelay = o.AlertBackoff
	}

	book := NewAppointmentBook()
	machine := &TriageMachine{
		AI:                o.AI,
		Escalations:       escalations,
		SeverityThreshold: o.SeverityThreshold,
		Logger:            o.Logger,
		Metrics:           o.Metrics,
	}
	appointments := &AppointmentHandler{
		AI:          o.AI,
		Scheduler:   o.Scheduler,
		Escalations: escalations,
		Book:        book,
		Audit:       o.Audit,
		Timeout:     o.UpstreamTimeout,
		Location:    o.Location,
		Logger:      o.Logger,
		Metrics:     o.Metrics,
	}

	sup := &Supervisor{
		Sessions:            sessions,
		AI:                  o.AI,
		Patients:            o.Patients,
		Triage:              &TriageHandler{Machine: machine, TailTurns: o.TailTurns},
		Appointments:        appointments,
		Assistant:           &VirtualAssistant{AI: o.AI, Knowledge: o.Knowledge, TailTurns: o.TailTurns},
		Docs:                &ClinicalDocs{AI: o.AI, TailTurns: o.TailTurns},
		Audit:               o.Audit,
		TailTurns:           o.TailTurns,
		ConfidenceThreshold: o.ConfidenceThreshold,
		Logger:              o.Logger,
		Metrics:             o.Metrics,
	}
	return &Service{Supervisor: sup, Escalations: escalations, Sessions: sessions, Book: book}
}
