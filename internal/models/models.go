package models

import (
	"strings"
	"time"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleSystem  Role = "system"
)

// HandlerKind is the closed set of handlers the supervisor can select.
type HandlerKind string

const (
	HandlerTriage           HandlerKind = "triage"
	HandlerAppointment      HandlerKind = "appointment"
	HandlerVirtualAssistant HandlerKind = "virtual_assistant"
	HandlerClinicalDocs     HandlerKind = "clinical_docs"
)

func (k HandlerKind) Valid() bool {
	switch k {
	case HandlerTriage, HandlerAppointment, HandlerVirtualAssistant, HandlerClinicalDocs:
		return true
	}
	return false
}

// UrgencyLevel is ordered emergency > urgent > routine > informational.
type UrgencyLevel string

const (
	UrgencyEmergency     UrgencyLevel = "emergency"
	UrgencyUrgent        UrgencyLevel = "urgent"
	UrgencyRoutine       UrgencyLevel = "routine"
	UrgencyInformational UrgencyLevel = "informational"
)

// Rank returns 4 for emergency down to 1 for informational, 0 if unknown.
func (u UrgencyLevel) Rank() int {
	switch u {
	case UrgencyEmergency:
		return 4
	case UrgencyUrgent:
		return 3
	case UrgencyRoutine:
		return 2
	case UrgencyInformational:
		return 1
	}
	return 0
}

func (u UrgencyLevel) Valid() bool { return u.Rank() > 0 }

// ParseUrgency accepts the labels an inference backend tends to produce.
func ParseUrgency(s string) (UrgencyLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emergency", "critical", "emergent":
		return UrgencyEmergency, true
	case "urgent", "high":
		return UrgencyUrgent, true
	case "routine", "moderate", "normal":
		return UrgencyRoutine, true
	case "informational", "info", "low", "none":
		return UrgencyInformational, true
	}
	return "", false
}

type Turn struct {
	Index            int         `json:"index"`
	Role             Role        `json:"role"`
	Text             string      `json:"text"`
	Timestamp        time.Time   `json:"timestamp"`
	HandlerUsed      HandlerKind `json:"handler_used,omitempty"`
	StructuredResult any         `json:"structured_result,omitempty"`
}

type Session struct {
	ID              string              `json:"session_id"`
	PatientID       string              `json:"patient_id"`
	Turns           []Turn              `json:"turns"`
	LastHandler     HandlerKind         `json:"last_handler,omitempty"`
	OpenEscalations map[string]struct{} `json:"-"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Tail returns up to n most recent turns in order.
func (s *Session) Tail(n int) []Turn {
	if n <= 0 || len(s.Turns) == 0 {
		return nil
	}
	if n > len(s.Turns) {
		n = len(s.Turns)
	}
	out := make([]Turn, n)
	copy(out, s.Turns[len(s.Turns)-n:])
	return out
}

func (s *Session) OpenEscalationIDs() []string {
	ids := make([]string, 0, len(s.OpenEscalations))
	for id := range s.OpenEscalations {
		ids = append(ids, id)
	}
	return ids
}

// LatestAssessment returns the assessment of the most recent triage turn.
func (s *Session) LatestAssessment() (TriageAssessment, bool) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Role != RoleSystem || t.HandlerUsed != HandlerTriage {
			continue
		}
		switch v := t.StructuredResult.(type) {
		case TriageAssessment:
			return v, true
		case *TriageAssessment:
			if v != nil {
				return *v, true
			}
		case TriageResult:
			return v.Assessment, true
		}
	}
	return TriageAssessment{}, false
}

// Clone deep-copies the parts of a session callers may mutate.
func (s *Session) Clone() Session {
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	copy(c.Turns, s.Turns)
	c.OpenEscalations = make(map[string]struct{}, len(s.OpenEscalations))
	for k := range s.OpenEscalations {
		c.OpenEscalations[k] = struct{}{}
	}
	return c
}

type IntentClassification struct {
	TargetHandler HandlerKind `json:"target_handler"`
	Confidence    float64     `json:"confidence"`
	Degraded      bool        `json:"degraded,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

type TriageAssessment struct {
	UrgencyLevel       UrgencyLevel `json:"urgency_level"`
	SeverityScore      int          `json:"severity_score"`
	IdentifiedSymptoms []string     `json:"identified_symptoms"`
	RecommendedAction  string       `json:"recommended_action"`
	EscalationRequired bool         `json:"escalation_required"`
	Reasoning          string       `json:"reasoning"`
}

// TriageResult is what the triage handler records on the session turn.
type TriageResult struct {
	State        string           `json:"state"`
	Assessment   TriageAssessment `json:"triage_assessment"`
	EscalationID string           `json:"escalation_id,omitempty"`
	Degraded     bool             `json:"degraded,omitempty"`
	Instructions []string         `json:"instructions,omitempty"`
}

type EscalationStatus string

const (
	EscalationRaised       EscalationStatus = "raised"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationClosed       EscalationStatus = "closed"
)

func (s EscalationStatus) Valid() bool {
	switch s {
	case EscalationRaised, EscalationAcknowledged, EscalationClosed:
		return true
	}
	return false
}

type EscalationEvent struct {
	ID                    string           `json:"escalation_id"`
	SessionID             string           `json:"session_id"`
	PatientID             string           `json:"patient_id"`
	Snapshot              TriageAssessment `json:"triage_assessment_snapshot"`
	Status                EscalationStatus `json:"status"`
	RaisedAt              time.Time        `json:"raised_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	AttachedCount         int              `json:"attached_count"`
	NotificationPending   bool             `json:"notification_pending"`
	NotificationAttempts  int              `json:"notification_attempts"`
	LastNotificationError string           `json:"last_notification_error,omitempty"`
}

type AppointmentPriority string

const (
	PrioritySameDay      AppointmentPriority = "same_day"
	PriorityWithin24h    AppointmentPriority = "within_24h"
	PriorityNoConstraint AppointmentPriority = "no_constraint"
)

// PriorityFor maps an urgency onto the scheduling window it requires.
func PriorityFor(u UrgencyLevel) AppointmentPriority {
	switch u {
	case UrgencyEmergency:
		return PrioritySameDay
	case UrgencyUrgent:
		return PriorityWithin24h
	default:
		return PriorityNoConstraint
	}
}

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentRejected  AppointmentStatus = "rejected"
)

type AppointmentType string

const (
	AppointmentConsultation AppointmentType = "consultation"
	AppointmentFollowUp     AppointmentType = "follow-up"
	AppointmentProcedure    AppointmentType = "procedure"
	AppointmentEmergency    AppointmentType = "emergency"
)

type SlotKind string

const (
	SlotRegular   SlotKind = "regular"
	SlotEmergency SlotKind = "emergency"
)

type Slot struct {
	ID       string    `json:"slot_id"`
	Start    time.Time `json:"start"`
	Kind     SlotKind  `json:"kind"`
	Provider string    `json:"provider"`
}

type AppointmentRequest struct {
	ID            string              `json:"appointment_id"`
	SessionID     string              `json:"session_id"`
	PatientID     string              `json:"patient_id"`
	RequestedType AppointmentType     `json:"requested_type"`
	RequestedDate time.Time           `json:"requested_date"`
	Priority      AppointmentPriority `json:"priority"`
	Status        AppointmentStatus   `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Slot          *Slot               `json:"slot,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

type Patient struct {
	ID          string   `json:"patient_id" yaml:"patient_id"`
	Name        string   `json:"name" yaml:"name"`
	Age         int      `json:"age" yaml:"age"`
	Conditions  []string `json:"conditions" yaml:"conditions"`
	Medications []string `json:"medications" yaml:"medications"`
	Allergies   []string `json:"allergies" yaml:"allergies"`
	RiskFactors []string `json:"risk_factors" yaml:"risk_factors"`
	LastVisit   string   `json:"last_visit,omitempty" yaml:"last_visit"`
}

type ResponseEnvelope struct {
	SessionID        string         `json:"session_id"`
	TurnIndex        int            `json:"turn_index"`
	Response         string         `json:"response"`
	AgentUsed        HandlerKind    `json:"agent_used"`
	Degraded         bool           `json:"degraded,omitempty"`
	StructuredData   map[string]any `json:"structured_data,omitempty"`
	EmergencyAlert   bool           `json:"emergency_alert"`
	RequiresFollowUp bool           `json:"requires_follow_up"`
}
