package ai

import (
	"context"
	"encoding/json"
	"time"
)

// Gateway is the inference service the router depends on. Classify returns
// a JSON object meant to satisfy schema; Generate returns prose.
type Gateway interface {
	Classify(ctx context.Context, prompt string, schema *Schema) (json.RawMessage, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Observer receives one call per upstream attempt.
type Observer interface {
	ObserveUpstream(service, op, outcome string, elapsed time.Duration)
}

// ClassifyInto classifies, validates against schema and decodes into out.
func ClassifyInto(ctx context.Context, gw Gateway, prompt string, schema *Schema, out any) error {
	raw, err := gw.Classify(ctx, prompt, schema)
	if err != nil {
		return err
	}
	if err := schema.Validate(raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
