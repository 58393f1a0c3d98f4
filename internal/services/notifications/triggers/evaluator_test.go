package triggers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
	"github.com/ventushub/notifications/internal/services/notifications/storage/sqlite"
)

var evaluatorNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func TestEvaluateFiresMatchingTriggersInPriorityOrder(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	putTemplate(t, svc, "proposal.low", "Proposta {entityId}", "Atualizada por {broker}")
	putTemplate(t, svc, "proposal.high", "Proposta {entityId} aprovada", "Valor {newState.amount}")
	putTrigger(t, svc, domain.Trigger{Key: "b-low", EventType: "proposal.updated", TemplateKey: "proposal.low", Priority: 5, IsActive: true})
	putTrigger(t, svc, domain.Trigger{Key: "a-high", EventType: "proposal.updated", EntityType: "proposal", TemplateKey: "proposal.high", Priority: 10, IsActive: true})
	putTrigger(t, svc, domain.Trigger{Key: "other-event", EventType: "task.created", TemplateKey: "proposal.low", Priority: 99, IsActive: true})

	evaluator := NewEvaluator(svc, svc, Options{Clock: fixedClock(evaluatorNow)})
	result, err := evaluator.Evaluate(context.Background(), proposalEvent("approved"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Matched != 2 {
		t.Fatalf("matched = %d, want 2", result.Matched)
	}
	if len(result.Notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(result.Notifications))
	}
	first, second := result.Notifications[0], result.Notifications[1]
	if first.TriggerKey != "a-high" || second.TriggerKey != "b-low" {
		t.Fatalf("creation order = %s,%s, want a-high,b-low", first.TriggerKey, second.TriggerKey)
	}
	if first.Title != "Proposta 42 aprovada" || first.Message != "Valor 350000" {
		t.Fatalf("rendered = %q / %q", first.Title, first.Message)
	}
	if second.Message != "Atualizada por Ana" {
		t.Fatalf("message = %q, want context placeholder", second.Message)
	}
	if got := gjson.Get(first.Metadata, "trigger.key").String(); got != "a-high" {
		t.Fatalf("metadata trigger key = %q, want a-high", got)
	}

	count, err := store.CountUnreadNotifications(context.Background(), "user-1", evaluatorNow)
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 2 {
		t.Fatalf("stored notifications = %d, want 2", count)
	}
}

func TestEvaluateSkipsTriggerWhoseConditionFails(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	putTemplate(t, svc, "proposal.approved", "Aprovada", "Proposta aprovada")
	putTrigger(t, svc, domain.Trigger{
		Key:         "approved-only",
		EventType:   "proposal.updated",
		TemplateKey: "proposal.approved",
		Conditions: domain.All{Conditions: []domain.Condition{
			domain.Compare{Field: "newState.status", Op: domain.OpEq, Value: "approved"},
			domain.Changed{Field: "status"},
		}},
		IsActive: true,
	})

	evaluator := NewEvaluator(svc, svc, Options{Clock: fixedClock(evaluatorNow)})
	result, err := evaluator.Evaluate(context.Background(), proposalEvent("draft"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Matched != 0 || len(result.Notifications) != 0 {
		t.Fatalf("result = %+v, want no match", result)
	}

	result, err = evaluator.Evaluate(context.Background(), proposalEvent("approved"))
	if err != nil {
		t.Fatalf("evaluate approved: %v", err)
	}
	if len(result.Notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(result.Notifications))
	}
}

func TestEvaluateMissingPlaceholderSkipsOnlyThatTrigger(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	putTemplate(t, svc, "broken", "Proposta {doesNotExist}", "Mensagem")
	putTemplate(t, svc, "ok", "Proposta {entityId}", "Mensagem")
	putTrigger(t, svc, domain.Trigger{Key: "broken", EventType: "proposal.updated", TemplateKey: "broken", Priority: 10, IsActive: true})
	putTrigger(t, svc, domain.Trigger{Key: "ok", EventType: "proposal.updated", TemplateKey: "ok", Priority: 1, IsActive: true})

	evaluator := NewEvaluator(svc, svc, Options{Clock: fixedClock(evaluatorNow)})
	result, err := evaluator.Evaluate(context.Background(), proposalEvent("approved"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1", result.Failed)
	}
	if len(result.Notifications) != 1 || result.Notifications[0].TriggerKey != "ok" {
		t.Fatalf("notifications = %+v, want only ok", result.Notifications)
	}
}

func TestEvaluateFrequencyLimitAllowsOneFiringPerWindow(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	putTemplate(t, svc, "reminder", "Lembrete {entityId}", "Proposta pendente")
	putTrigger(t, svc, domain.Trigger{
		Key:            "daily-reminder",
		EventType:      "proposal.updated",
		TemplateKey:    "reminder",
		FrequencyLimit: domain.FrequencyLimit{Window: 24 * time.Hour},
		IsActive:       true,
	})

	evaluator := NewEvaluator(svc, svc, Options{Clock: fixedClock(evaluatorNow)})
	first, err := evaluator.Evaluate(context.Background(), proposalEvent("approved"))
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	second, err := evaluator.Evaluate(context.Background(), proposalEvent("approved"))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if len(first.Notifications) != 1 {
		t.Fatalf("first notifications = %d, want 1", len(first.Notifications))
	}
	if len(second.Notifications) != 0 || second.Limited != 1 {
		t.Fatalf("second = %+v, want frequency limited", second)
	}

	other := proposalEvent("approved")
	other.Entity.ID = "43"
	third, err := evaluator.Evaluate(context.Background(), other)
	if err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if len(third.Notifications) != 1 {
		t.Fatalf("other entity notifications = %d, want 1", len(third.Notifications))
	}
}

func TestEvaluateResolvesAudienceAndSchedule(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	ctx := context.Background()
	for _, contact := range []domain.Contact{
		{UserID: "manager-1", Roles: []string{"manager"}},
		{UserID: "user-1", Roles: []string{"manager"}},
	} {
		if _, err := svc.PutContact(ctx, contact); err != nil {
			t.Fatalf("put contact: %v", err)
		}
	}
	putTemplate(t, svc, "assigned", "Nova proposta {entityId}", "Atribuída a você")
	putTrigger(t, svc, domain.Trigger{
		Key:         "assigned",
		EventType:   "proposal.updated",
		TemplateKey: "assigned",
		Target:      domain.Target{Roles: []string{"manager"}, UserPaths: []string{"newState.assignees"}},
		Delay:       10 * time.Minute,
		Overrides:   domain.Overrides{Severity: domain.SeverityHigh, ExpiresIn: time.Hour, ActionURL: "/proposals/{entityId}"},
		IsActive:    true,
	})

	evaluator := NewEvaluator(svc, svc, Options{Clock: fixedClock(evaluatorNow)})
	result, err := evaluator.Evaluate(ctx, proposalEvent("approved"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := map[string]domain.Notification{}
	for _, n := range result.Notifications {
		got[n.UserID] = n
	}
	for _, userID := range []string{"broker-7", "broker-8", "manager-1", "user-1"} {
		if _, ok := got[userID]; !ok {
			t.Fatalf("recipients = %v, missing %s", result.NotificationIDs(), userID)
		}
	}
	if len(got) != 4 {
		t.Fatalf("recipients = %d, want 4 distinct", len(got))
	}

	n := got["manager-1"]
	if n.Severity != domain.SeverityHigh || n.ActionURL != "/proposals/42" {
		t.Fatalf("overrides not applied: %+v", n)
	}
	if n.ScheduledFor == nil || !n.ScheduledFor.Equal(evaluatorNow.Add(10*time.Minute)) {
		t.Fatalf("scheduled for = %v, want delay applied", n.ScheduledFor)
	}
	if n.ExpiresAt == nil || !n.ExpiresAt.Equal(evaluatorNow.Add(70*time.Minute)) {
		t.Fatalf("expires at = %v, want delay plus expiry", n.ExpiresAt)
	}

	visible, err := store.CountUnreadNotifications(ctx, "manager-1", evaluatorNow)
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if visible != 0 {
		t.Fatalf("visible before delay = %d, want 0", visible)
	}
}

func TestEvaluateFiltersRecipientsByTargetConditions(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, contact := range []domain.Contact{
		{UserID: "manager-1", Roles: []string{"manager"}},
		{UserID: "user-1", Roles: []string{"manager"}},
	} {
		if _, err := svc.PutContact(ctx, contact); err != nil {
			t.Fatalf("put contact: %v", err)
		}
	}
	putTemplate(t, svc, "review", "Revisar proposta {entityId}", "Aguardando revisão")
	putTrigger(t, svc, domain.Trigger{
		Key:         "review",
		EventType:   "proposal.updated",
		TemplateKey: "review",
		Target: domain.Target{
			Roles:     []string{"manager"},
			UserPaths: []string{"newState.assignees"},
			Conditions: domain.All{Conditions: []domain.Condition{
				domain.Not{Condition: domain.Compare{Field: "recipient.isActor", Op: domain.OpEq, Value: true}},
				domain.Any{Conditions: []domain.Condition{
					domain.Contains{Field: "recipient.roles", Value: "manager"},
					domain.In{Field: "recipient.userId", Values: []any{"broker-7"}},
				}},
			}},
		},
		IsActive: true,
	})

	evaluator := NewEvaluator(svc, svc, Options{Clock: fixedClock(evaluatorNow)})
	result, err := evaluator.Evaluate(ctx, proposalEvent("approved"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := map[string]bool{}
	for _, n := range result.Notifications {
		got[n.UserID] = true
	}
	if len(got) != 2 || !got["manager-1"] || !got["broker-7"] {
		t.Fatalf("recipients = %v, want manager-1 and broker-7", got)
	}
}

func TestEvaluateRejectsMalformedEvent(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	evaluator := NewEvaluator(svc, svc, Options{})
	_, err := evaluator.Evaluate(context.Background(), domain.Event{Action: "proposal.updated"})
	if !domain.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestEvaluateReportsTriggerLookupFailure(t *testing.T) {
	t.Parallel()

	rules := failingRules{err: errors.New("database is locked")}
	evaluator := NewEvaluator(rules, nil, Options{})
	if _, err := evaluator.Evaluate(context.Background(), proposalEvent("approved")); err == nil {
		t.Fatal("expected unconfigured evaluator error")
	}

	evaluator = NewEvaluator(rules, creatorFunc(func(context.Context, domain.Draft) (domain.Notification, error) {
		return domain.Notification{}, nil
	}), Options{})
	if _, err := evaluator.Evaluate(context.Background(), proposalEvent("approved")); !errors.Is(err, rules.err) {
		t.Fatalf("err = %v, want %v", err, rules.err)
	}
}

func proposalEvent(status string) domain.Event {
	return domain.Event{
		UserID:        "user-1",
		Action:        "proposal.updated",
		Entity:        domain.EntityRef{Type: "proposal", ID: "42"},
		Context:       map[string]any{"broker": "Ana"},
		Changes:       map[string]any{"status": status},
		PreviousState: map[string]any{"status": "draft"},
		NewState: map[string]any{
			"status":    status,
			"amount":    350000,
			"assignees": []any{"broker-7", "broker-8", "user-1"},
		},
	}
}

func newTestService(t *testing.T) (*domain.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "notifications.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := store.Close(); closeErr != nil {
			t.Fatalf("close store: %v", closeErr)
		}
	})
	return domain.NewService(store, domain.Options{Clock: fixedClock(evaluatorNow)}), store
}

func putTemplate(t *testing.T, svc *domain.Service, key, title, message string) {
	t.Helper()
	if _, err := svc.PutTemplate(context.Background(), domain.Template{
		Key:             key,
		TitleTemplate:   title,
		MessageTemplate: message,
		IsActive:        true,
	}); err != nil {
		t.Fatalf("put template %s: %v", key, err)
	}
}

func putTrigger(t *testing.T, svc *domain.Service, trigger domain.Trigger) {
	t.Helper()
	if _, err := svc.PutTrigger(context.Background(), trigger); err != nil {
		t.Fatalf("put trigger %s: %v", trigger.Key, err)
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

type failingRules struct {
	err error
}

func (r failingRules) TriggersForEvent(context.Context, string, string) ([]domain.Trigger, error) {
	return nil, r.err
}

func (r failingRules) Template(context.Context, string) (domain.Template, error) {
	return domain.Template{}, r.err
}

func (r failingRules) UsersWithRole(context.Context, string) ([]string, error) {
	return nil, r.err
}

type creatorFunc func(context.Context, domain.Draft) (domain.Notification, error)

func (f creatorFunc) Create(ctx context.Context, draft domain.Draft) (domain.Notification, error) {
	return f(ctx, draft)
}
