package service

import (
	"fmt"
	"strings"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/models"
)

const intentInstructions = `Classify the patient's latest message for a cardiology practice.
Choose target_handler:
- triage: symptoms, feeling unwell, anything that may be urgent
- appointment: booking, moving or asking about appointments
- clinical_docs: summaries, care plans, discharge or visit documentation
- virtual_assistant: general questions, medication or lifestyle information
Report confidence between 0 and 1.`

const assessmentInstructions = `Assess the clinical urgency of the patient's message for a cardiology practice.
urgency_level is one of emergency, urgent, routine, informational.
severity_score is an integer from 0 to 10.
Treat crushing chest pain, pain radiating to arm, jaw or back, severe shortness of breath,
fainting and sudden severe palpitations with chest pain as emergencies.
List identified_symptoms, give a recommended_action and short reasoning.`

const appointmentInstructions = `Extract the appointment the patient is asking for.
requested_type is one of consultation, follow-up, procedure, emergency.
requested_date is YYYY-MM-DD when the patient names a date, otherwise null.`

const docsInstructions = `Draft clinical documentation for the care team based on the conversation below.
Structure it as: Summary, Current symptoms, Assessment, Plan, Follow-up.
Do not invent findings that are not in the conversation.`

const assistantInstructions = `Answer the patient's question for a cardiology practice in plain language.
Prefer the reference information when it is given. Do not diagnose. If the message describes chest pain, fainting or severe shortness of breath,
tell the patient to call emergency services.`

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeTail(b *strings.Builder, turns []models.Turn, clientContext []string) {
	if len(turns) == 0 && len(clientContext) == 0 {
		return
	}
	b.WriteString("\nConversation so far:\n")
	for _, c := range clientContext {
		fmt.Fprintf(b, "- earlier: %s\n", singleLine(c))
	}
	for _, t := range turns {
		fmt.Fprintf(b, "- %s: %s\n", t.Role, singleLine(t.Text))
	}
}

func writePatient(b *strings.Builder, p *models.Patient) {
	if p == nil {
		return
	}
	fmt.Fprintf(b, "\nPatient history: age %d", p.Age)
	if len(p.Conditions) > 0 {
		fmt.Fprintf(b, "; conditions: %s", strings.Join(p.Conditions, ", "))
	}
	if len(p.Medications) > 0 {
		fmt.Fprintf(b, "; medications: %s", strings.Join(p.Medications, ", "))
	}
	if len(p.Allergies) > 0 {
		fmt.Fprintf(b, "; allergies: %s", strings.Join(p.Allergies, ", "))
	}
	if len(p.RiskFactors) > 0 {
		fmt.Fprintf(b, "; risk factors: %s", strings.Join(p.RiskFactors, ", "))
	}
	b.WriteString("\n")
}

func buildPrompt(instructions string, tail []models.Turn, clientContext []string, patient *models.Patient, message string, extra ...string) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n")
	writePatient(&b, patient)
	writeTail(&b, tail, clientContext)
	for _, e := range extra {
		b.WriteString("\n")
		b.WriteString(e)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n%s %s\n", ai.MessageMarker, singleLine(message))
	return b.String()
}
