package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/models"
)

func emergencyAssessment(score int) models.TriageAssessment {
	return models.TriageAssessment{
		UrgencyLevel:       models.UrgencyEmergency,
		SeverityScore:      score,
		EscalationRequired: true,
	}
}

func TestEscalateIsIdempotentPerSession(t *testing.T) {
	svc := newTestService(newScripted(), testNow)
	id, _, err := svc.Sessions.Resolve("", "P001")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var first, second models.EscalationEvent
	err = svc.Sessions.Update(context.Background(), id, func(sess *models.Session) error {
		first, _ = svc.Escalations.Escalate(context.Background(), sess, emergencyAssessment(9))
		second, _ = svc.Escalations.Escalate(context.Background(), sess, emergencyAssessment(10))
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected re-escalation to update %s, got new event %s", first.ID, second.ID)
	}
	if second.AttachedCount != 1 || second.Snapshot.SeverityScore != 10 {
		t.Fatalf("expected updated snapshot and attached count, got %+v", second)
	}
	if svc.Notifier.count() != 1 {
		t.Fatalf("expected merge without re-notification, got %d notifications", svc.Notifier.count())
	}
}

func TestScenarioBTwoRapidEmergencies(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()

	env1, err := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	if err != nil {
		t.Fatalf("first route: %v", err)
	}
	env2, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: env1.SessionID, Message: "chest pain is worse, can't breathe"})
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if env1.SessionID != env2.SessionID {
		t.Fatalf("expected same session")
	}
	events := svc.Escalations.List(EscalationFilter{SessionID: env1.SessionID})
	if len(events) != 1 {
		t.Fatalf("expected exactly one escalation, got %d", len(events))
	}
	if events[0].Status != models.EscalationRaised || events[0].AttachedCount != 1 {
		t.Fatalf("expected second assessment attached, got %+v", events[0])
	}
}

func TestConcurrentEmergenciesRaiseOnce(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()
	env, err := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "hello?"})
	if err != nil {
		t.Fatalf("seed route: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: env.SessionID, Message: "heart attack, crushing chest pain"}); err != nil {
				t.Errorf("route: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := raisedCount(svc.Escalations, env.SessionID); got != 1 {
		t.Fatalf("expected one raised escalation, got %d", got)
	}
	ev, _ := svc.Escalations.OpenFor(env.SessionID)
	if ev.AttachedCount != 19 {
		t.Fatalf("expected 19 attached assessments, got %d", ev.AttachedCount)
	}
}

func TestNotificationFailureKeepsEvent(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	svc.Notifier.setErr(errors.New("pager down"))

	env, err := svc.Supervisor.Route(context.Background(), RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	if err != nil {
		t.Fatalf("notification failure must not fail the request: %v", err)
	}
	ev, ok := svc.Escalations.OpenFor(env.SessionID)
	if !ok {
		t.Fatalf("expected event recorded despite failed notification")
	}
	if !ev.NotificationPending || ev.NotificationAttempts != 3 || ev.LastNotificationError == "" {
		t.Fatalf("expected pending after 3 attempts, got %+v", ev)
	}

	svc.Notifier.setErr(nil)
	summary := svc.Escalations.ReconcilePending(context.Background())
	if summary.Attempted != 1 || summary.Delivered != 1 || len(summary.StillPending) != 0 {
		t.Fatalf("unexpected reconcile summary %+v", summary)
	}
	ev, _ = svc.Escalations.Get(ev.ID)
	if ev.NotificationPending {
		t.Fatalf("expected pending cleared after reconcile")
	}
}

func TestMergeRetriesPendingNotification(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	svc.Notifier.setErr(errors.New("pager down"))
	ctx := context.Background()

	env, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	svc.Notifier.setErr(nil)
	if _, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: env.SessionID, Message: "still crushing chest pain"}); err != nil {
		t.Fatalf("route: %v", err)
	}
	ev, _ := svc.Escalations.OpenFor(env.SessionID)
	if ev.NotificationPending {
		t.Fatalf("expected merge to deliver the pending notification")
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc := newTestService(ai.MockGateway{}, testNow)
	ctx := context.Background()

	env, _ := svc.Supervisor.Route(ctx, RouteRequest{PatientID: "P001", Message: "crushing chest pain"})
	ev, _ := svc.Escalations.OpenFor(env.SessionID)

	if _, err := svc.Escalations.UpdateStatus(ctx, ev.ID, models.EscalationRaised); !models.IsValidation(err) {
		t.Fatalf("expected validation error for raised, got %v", err)
	}
	acked, err := svc.Escalations.UpdateStatus(ctx, ev.ID, models.EscalationAcknowledged)
	if err != nil || acked.Status != models.EscalationAcknowledged {
		t.Fatalf("acknowledge: %+v %v", acked, err)
	}
	sess, _ := svc.Sessions.Get(ctx, env.SessionID)
	if len(sess.OpenEscalations) != 0 {
		t.Fatalf("expected open set cleared, got %v", sess.OpenEscalationIDs())
	}

	// A new emergency after acknowledgement raises a fresh event.
	if _, err := svc.Supervisor.Route(ctx, RouteRequest{SessionID: env.SessionID, Message: "crushing chest pain again"}); err != nil {
		t.Fatalf("route: %v", err)
	}
	next, ok := svc.Escalations.OpenFor(env.SessionID)
	if !ok || next.ID == ev.ID {
		t.Fatalf("expected a new raised event")
	}

	if _, err := svc.Escalations.UpdateStatus(ctx, ev.ID, models.EscalationClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Escalations.UpdateStatus(ctx, ev.ID, models.EscalationAcknowledged); !models.IsValidation(err) {
		t.Fatalf("expected closed event to reject acknowledge, got %v", err)
	}
	if _, err := svc.Escalations.UpdateStatus(ctx, "missing", models.EscalationClosed); !errors.Is(err, models.ErrEscalationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
