package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/resilience"
)

const serviceName = "inference"

// Guarded bounds every call to Next with a per-attempt timeout, retries
// failed calls Retries times and reports failures as *models.UpstreamError.
// Classify output is validated against its schema inside the attempt, so a
// malformed reply is retried like any other failure.
type Guarded struct {
	Next     Gateway
	Timeout  time.Duration
	Retries  int
	Logger   zerolog.Logger
	Observer Observer
}

func (g Guarded) Classify(ctx context.Context, prompt string, schema *Schema) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.do(ctx, "classify:"+schema.Name, func(ctx context.Context) error {
		raw, err := g.Next.Classify(ctx, prompt, schema)
		if err != nil {
			return err
		}
		if err := schema.Validate(raw); err != nil {
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

func (g Guarded) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := g.do(ctx, "generate", func(ctx context.Context) error {
		text, err := g.Next.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

func (g Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = g.Retries + 1
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.OnRetry = func(attempt int, err error) {
		g.Logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("inference call failed, retrying")
	}

	_, err := resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		attemptCtx := ctx
		if g.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, g.Timeout)
			defer cancel()
		}
		start := time.Now()
		err := fn(attemptCtx)
		if g.Observer != nil {
			g.Observer.ObserveUpstream(serviceName, op, outcome(err), time.Since(start))
		}
		return err
	})
	if err == nil {
		return nil
	}

	var maxErr resilience.ErrMaxRetriesExceeded
	if errors.As(err, &maxErr) && maxErr.LastErr != nil {
		err = maxErr.LastErr
	}
	return &models.UpstreamError{Service: serviceName, Op: op, Timeout: IsTimeout(err), Err: err}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
