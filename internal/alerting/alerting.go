// Package alerting delivers escalation events to clinical staff.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cardiotriage/backend/internal/models"
)

// Notifier delivers one escalation event. A nil error is an acknowledgement.
type Notifier interface {
	Notify(ctx context.Context, ev models.EscalationEvent) error
}

// Message is the payload every channel carries.
type Message struct {
	Type   string                 `json:"type"`
	Event  models.EscalationEvent `json:"event"`
	SentAt time.Time              `json:"sent_at"`
}

func NewMessage(ev models.EscalationEvent) Message {
	return Message{Type: "escalation." + string(ev.Status), Event: ev, SentAt: time.Now().UTC()}
}

// Webhook posts the event to an on-call paging endpoint.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w Webhook) Notify(ctx context.Context, ev models.EscalationEvent) error {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	b, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to every notifier. Delivery counts as
// acknowledged when at least one notifier succeeds.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev models.EscalationEvent) error {
	if len(m) == 0 {
		return errors.New("no alert channels configured")
	}
	var errs []string
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) < len(m) {
		return nil
	}
	return fmt.Errorf("all alert channels failed: %s", strings.Join(errs, "; "))
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev models.EscalationEvent) error

func (f NotifierFunc) Notify(ctx context.Context, ev models.EscalationEvent) error {
	return f(ctx, ev)
}
