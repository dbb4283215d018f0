package ai

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema for one kind of structured output.
type Schema struct {
	Name     string
	Document string
	compiled *gojsonschema.Schema
}

func NewSchema(name, document string) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Document: document, compiled: compiled}, nil
}

func MustSchema(name, document string) *Schema {
	s, err := NewSchema(name, document)
	if err != nil {
		panic(err)
	}
	return s
}

// InvalidOutputError lists the schema violations of a structured response.
type InvalidOutputError struct {
	Schema     string
	Violations []string
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("%s output failed validation: %s", e.Schema, strings.Join(e.Violations, "; "))
}

func (s *Schema) Validate(raw []byte) error {
	if len(raw) == 0 {
		return &InvalidOutputError{Schema: s.Name, Violations: []string{"empty document"}}
	}
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &InvalidOutputError{Schema: s.Name, Violations: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, re.String())
	}
	return &InvalidOutputError{Schema: s.Name, Violations: violations}
}

var IntentSchema = MustSchema("intent", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["target_handler", "confidence"],
  "properties": {
    "target_handler": {
      "type": "string",
      "enum": ["triage", "appointment", "virtual_assistant", "clinical_docs"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`)

// AssessmentSchema leaves every field optional; missing urgency data is
// defaulted by the triage machine rather than rejected here.
var AssessmentSchema = MustSchema("triage_assessment", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "urgency_level": {"type": ["string", "null"]},
    "severity_score": {"type": ["number", "null"]},
    "identified_symptoms": {"type": ["array", "null"], "items": {"type": "string"}},
    "recommended_action": {"type": ["string", "null"]},
    "escalation_required": {"type": ["boolean", "null"]},
    "reasoning": {"type": ["string", "null"]}
  }
}`)

var AppointmentSchema = MustSchema("appointment_request", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "requested_type": {
      "type": ["string", "null"],
      "enum": ["consultation", "follow-up", "procedure", "emergency", null]
    },
    "requested_date": {"type": ["string", "null"]}
  }
}`)
