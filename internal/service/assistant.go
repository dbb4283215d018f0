package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/knowledge"
	"github.com/cardiotriage/backend/internal/models"
)

const maxReferences = 3

// VirtualAssistant answers general questions, grounded on matching
// knowledge entries. Gateway errors are returned as they come from the
// guarded gateway.
type VirtualAssistant struct {
	AI        ai.Gateway
	Knowledge *knowledge.Base
	TailTurns int
}

func (v *VirtualAssistant) Kind() models.HandlerKind { return models.HandlerVirtualAssistant }

func (v *VirtualAssistant) Handle(ctx context.Context, req Request) (Result, error) {
	refs := v.Knowledge.Lookup(req.Message, maxReferences)
	var extra []string
	if len(refs) > 0 {
		var b strings.Builder
		b.WriteString("Reference information:")
		for _, e := range refs {
			b.WriteString("\n- ")
			b.WriteString(e.Brief())
		}
		extra = append(extra, b.String())
	}
	prompt := buildPrompt(assistantInstructions, req.Session.Tail(v.TailTurns), req.ClientContext, req.Patient, req.Message, extra...)
	text, err := v.AI.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	data := map[string]any{}
	if len(refs) > 0 {
		data["references"] = refs
	}
	return Result{Response: text, StructuredData: data}, nil
}

// ClinicalDocs drafts documentation from the conversation and the latest
// assessment.
type ClinicalDocs struct {
	AI        ai.Gateway
	TailTurns int
}

func (d *ClinicalDocs) Kind() models.HandlerKind { return models.HandlerClinicalDocs }

func (d *ClinicalDocs) Handle(ctx context.Context, req Request) (Result, error) {
	var extra []string
	if a, ok := req.Session.LatestAssessment(); ok {
		b, _ := json.Marshal(a)
		extra = append(extra, "Latest triage assessment: "+string(b))
	}
	prompt := buildPrompt(docsInstructions, req.Session.Tail(d.TailTurns), req.ClientContext, req.Patient, req.Message, extra...)
	text, err := d.AI.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Response:         text,
		StructuredData:   map[string]any{"document": text},
		RequiresFollowUp: true,
	}, nil
}
