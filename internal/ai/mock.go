package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// MessageMarker prefixes the patient's own words inside every prompt the
// service builds. MockGateway only looks at that line.
const MessageMarker = "Patient message:"

var (
	criticalKeywords  = []string{"chest pain", "can't breathe", "cannot breathe", "heart attack", "cardiac arrest", "crushing"}
	emergencyKeywords = []string{"pain radiating", "radiating", "loss of consciousness", "passed out", "severe shortness of breath", "emergency", "911", "ambulance"}
	symptomKeywords   = []string{"palpitations", "shortness of breath", "dizzy", "dizziness", "faint", "swelling", "fatigue", "pain", "irregular heartbeat", "racing heart"}
	appointmentWords  = []string{"appointment", "schedule", "book", "reschedule", "slot", "see the doctor", "visit"}
	docsWords         = []string{"summary", "summarize", "document", "discharge", "care plan", "treatment plan", "note"}

	isoDate = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

// MockGateway is an offline stand-in for the inference service. It is
// deterministic: keyword rules for structured output, a hash of the prompt
// for prose variations.
type MockGateway struct {
	ModelVersion string
}

func (m MockGateway) Classify(ctx context.Context, prompt string, schema *Schema) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := strings.ToLower(ExtractMessage(prompt))
	var out any
	switch schema.Name {
	case IntentSchema.Name:
		out = mockIntent(msg)
	case AssessmentSchema.Name:
		out = mockAssessment(msg)
	case AppointmentSchema.Name:
		out = mockAppointment(msg)
	default:
		return nil, fmt.Errorf("mock gateway: unknown schema %q", schema.Name)
	}
	return json.Marshal(out)
}

func (m MockGateway) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	openers := []string{
		"Thanks for reaching out.",
		"I understand your question.",
		"Here is what I can tell you.",
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	pick := h.Sum64() % uint64(len(openers))
	msg := ExtractMessage(prompt)
	if r := []rune(msg); len(r) > 120 {
		msg = string(r[:120]) + "..."
	}
	return fmt.Sprintf("%s Regarding %q: please follow your care plan and contact the clinic if anything changes. (%s)",
		openers[pick], msg, m.ModelVersion), nil
}

// ExtractMessage returns the text after MessageMarker, or the whole prompt.
func ExtractMessage(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), MessageMarker); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(prompt)
}

func matchAny(msg string, words []string) []string {
	var hits []string
	for _, w := range words {
		if strings.Contains(msg, w) {
			hits = append(hits, w)
		}
	}
	return hits
}

func mockIntent(msg string) map[string]any {
	switch {
	case len(matchAny(msg, criticalKeywords)) > 0 || len(matchAny(msg, emergencyKeywords)) > 0:
		return map[string]any{"target_handler": "triage", "confidence": 0.95}
	case len(matchAny(msg, appointmentWords)) > 0:
		return map[string]any{"target_handler": "appointment", "confidence": 0.85}
	case len(matchAny(msg, docsWords)) > 0:
		return map[string]any{"target_handler": "clinical_docs", "confidence": 0.8}
	case len(matchAny(msg, symptomKeywords)) > 0:
		return map[string]any{"target_handler": "triage", "confidence": 0.75}
	case strings.HasSuffix(msg, "?"):
		return map[string]any{"target_handler": "virtual_assistant", "confidence": 0.7}
	}
	return map[string]any{"target_handler": "virtual_assistant", "confidence": 0.3}
}

func mockAssessment(msg string) map[string]any {
	critical := matchAny(msg, criticalKeywords)
	emergency := matchAny(msg, emergencyKeywords)
	symptoms := matchAny(msg, symptomKeywords)
	identified := append(append(append([]string{}, critical...), emergency...), symptoms...)

	switch {
	case len(critical) > 0 || len(emergency) >= 2:
		return map[string]any{
			"urgency_level":       "emergency",
			"severity_score":      9,
			"identified_symptoms": identified,
			"recommended_action":  "Call emergency services now",
			"reasoning":           "critical cardiac indicators present",
		}
	case len(emergency) == 1:
		return map[string]any{
			"urgency_level":       "urgent",
			"severity_score":      7,
			"identified_symptoms": identified,
			"recommended_action":  "Contact the cardiology emergency line",
			"reasoning":           "high risk indicator present",
		}
	case len(symptoms) > 0:
		return map[string]any{
			"severity_score":      3,
			"identified_symptoms": identified,
			"recommended_action":  "Book a routine review",
			"reasoning":           "non-acute cardiac symptoms",
		}
	}
	return map[string]any{
		"identified_symptoms": []string{},
		"reasoning":           "no symptoms described",
	}
}

func mockAppointment(msg string) map[string]any {
	out := map[string]any{}
	switch {
	case strings.Contains(msg, "follow-up") || strings.Contains(msg, "follow up"):
		out["requested_type"] = "follow-up"
	case strings.Contains(msg, "procedure") || strings.Contains(msg, "echo") || strings.Contains(msg, "stress test"):
		out["requested_type"] = "procedure"
	case strings.Contains(msg, "emergency"):
		out["requested_type"] = "emergency"
	default:
		out["requested_type"] = "consultation"
	}
	if d := isoDate.FindString(msg); d != "" {
		out["requested_date"] = d
	}
	return out
}
