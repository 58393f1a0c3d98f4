// Package triggers turns ingested events into notifications by matching
// active trigger rules and rendering their templates.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	platformotel "github.com/ventushub/notifications/internal/platform/otel"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName = "github.com/ventushub/notifications/triggers"

	defaultConditionWorkers = 8
	triggerSource           = "trigger"
)

// Rules loads trigger definitions, templates and role membership.
type Rules interface {
	TriggersForEvent(ctx context.Context, eventType string, entityType string) ([]domain.Trigger, error)
	Template(ctx context.Context, key string) (domain.Template, error)
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// Creator persists one notification draft.
type Creator interface {
	Create(ctx context.Context, draft domain.Draft) (domain.Notification, error)
}

// Options configures an Evaluator.
type Options struct {
	Clock            func() time.Time
	ConditionWorkers int
	Tracer           trace.Tracer
}

// Evaluator matches events against trigger rules.
type Evaluator struct {
	rules   Rules
	creator Creator
	clock   func() time.Time
	workers int
	tracer  trace.Tracer
}

// Result summarizes one evaluation.
type Result struct {
	// Notifications lists created notifications in creation order.
	Notifications []domain.Notification
	Matched       int
	// Limited counts recipients skipped by a frequency window.
	Limited int
	// Failed counts triggers or recipients skipped because of an error.
	Failed int
}

// NotificationIDs returns the ids of the created notifications.
func (r Result) NotificationIDs() []string {
	ids := make([]string, 0, len(r.Notifications))
	for _, n := range r.Notifications {
		ids = append(ids, n.ID)
	}
	return ids
}

// NewEvaluator builds an evaluator. A *domain.Service satisfies both rules
// and creator.
func NewEvaluator(rules Rules, creator Creator, opts Options) *Evaluator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ConditionWorkers <= 0 {
		opts.ConditionWorkers = defaultConditionWorkers
	}
	if opts.Tracer == nil {
		opts.Tracer = platformotel.Tracer(tracerName)
	}
	return &Evaluator{
		rules:   rules,
		creator: creator,
		clock:   opts.Clock,
		workers: opts.ConditionWorkers,
		tracer:  opts.Tracer,
	}
}

// Evaluate fires every active trigger matching event, highest priority
// first. Per-trigger failures are logged and counted, never returned; only a
// malformed event or a failed trigger lookup is an error.
func (e *Evaluator) Evaluate(ctx context.Context, event domain.Event) (Result, error) {
	if e == nil || e.rules == nil || e.creator == nil {
		return Result{}, errors.New("trigger evaluator is not configured")
	}
	event, err := domain.NormalizeEvent(event)
	if err != nil {
		return Result{}, err
	}
	ctx, span := e.tracer.Start(ctx, "triggers.Evaluate", trace.WithAttributes(
		attribute.String("event.action", event.Action),
		attribute.String("event.entity_type", event.Entity.Type),
	))
	defer span.End()

	doc, err := event.Document()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	candidates, err := e.rules.TriggersForEvent(ctx, event.Action, event.Entity.Type)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("load triggers: %w", err)
	}
	domain.SortTriggers(candidates)

	matched, err := e.matchConditions(ctx, candidates, event, doc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	var result Result
	for i, trigger := range candidates {
		if !matched[i] {
			continue
		}
		result.Matched++
		e.fire(ctx, trigger, event, doc, &result)
	}
	span.SetAttributes(
		attribute.Int("triggers.matched", result.Matched),
		attribute.Int("notifications.created", len(result.Notifications)),
	)
	return result, nil
}

// matchConditions checks candidate predicates concurrently. The returned
// slice is index-aligned with candidates.
func (e *Evaluator) matchConditions(ctx context.Context, candidates []domain.Trigger, event domain.Event, doc domain.Document) ([]bool, error) {
	matched := make([]bool, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)
	for i, trigger := range candidates {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			matched[i] = trigger.Matches(event) && domain.EvaluateCondition(trigger.Conditions, doc)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("evaluate trigger conditions: %w", err)
	}
	return matched, nil
}

func (e *Evaluator) fire(ctx context.Context, trigger domain.Trigger, event domain.Event, doc domain.Document, result *Result) {
	ctx, span := e.tracer.Start(ctx, "triggers.Fire", trace.WithAttributes(
		attribute.String("trigger.key", trigger.Key),
		attribute.Int("trigger.priority", trigger.Priority),
	))
	defer span.End()

	drafts, err := e.drafts(ctx, trigger, event, doc)
	if err != nil {
		result.Failed++
		span.SetStatus(codes.Error, err.Error())
		log.Printf("trigger %s skipped: %v", trigger.Key, err)
		return
	}
	for _, draft := range drafts {
		notification, err := e.creator.Create(ctx, draft)
		switch {
		case err == nil:
			result.Notifications = append(result.Notifications, notification)
		case errors.Is(err, domain.ErrFrequencyLimited):
			result.Limited++
		default:
			result.Failed++
			span.RecordError(err)
			log.Printf("trigger %s notify %s: %v", trigger.Key, draft.UserID, err)
		}
	}
}

// drafts renders one draft per recipient of trigger. A nil slice with a nil
// error means the template's own conditions excluded the event.
func (e *Evaluator) drafts(ctx context.Context, trigger domain.Trigger, event domain.Event, doc domain.Document) ([]domain.Draft, error) {
	tpl, err := e.rules.Template(ctx, trigger.TemplateKey)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", trigger.TemplateKey, err)
	}
	if !tpl.IsActive {
		return nil, fmt.Errorf("template %s is inactive", tpl.Key)
	}
	if !domain.EvaluateCondition(tpl.Conditions, doc) {
		return nil, nil
	}
	rendered, err := tpl.Render(doc)
	if err != nil {
		return nil, err
	}
	actionURL := ""
	if raw := strings.TrimSpace(trigger.Overrides.ActionURL); raw != "" {
		if actionURL, err = domain.RenderText(raw, doc); err != nil {
			return nil, fmt.Errorf("render action url: %w", err)
		}
	}
	recipients, err := e.audience(ctx, trigger.Target, event, doc)
	if err != nil {
		return nil, err
	}
	if recipients, err = filterRecipients(trigger.Target.Conditions, recipients, event, doc); err != nil {
		return nil, err
	}
	metadata, err := firingMetadata(trigger, tpl, event)
	if err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	base := domain.Draft{
		Type:          firstNonEmpty(trigger.Overrides.Type, tpl.DefaultType),
		Severity:      firstNonEmpty(trigger.Overrides.Severity, tpl.DefaultSeverity),
		Title:         rendered.Title,
		Message:       rendered.Message,
		Category:      firstNonEmpty(trigger.Overrides.Category, tpl.DefaultCategory),
		Subcategory:   trigger.Overrides.Subcategory,
		Source:        triggerSource,
		RelatedEntity: event.Entity,
		ActionURL:     actionURL,
		Channels:      tpl.DefaultChannels,
		RichContent:   rendered.RichContent,
		Metadata:      metadata,
		TriggerKey:    trigger.Key,
	}
	if len(trigger.Overrides.Channels) > 0 {
		base.Channels = trigger.Overrides.Channels
	}
	visibleAt := now
	if trigger.Delay > 0 {
		visibleAt = now.Add(trigger.Delay)
		base.ScheduledFor = &visibleAt
	}
	if trigger.Overrides.ExpiresIn > 0 {
		expiresAt := visibleAt.Add(trigger.Overrides.ExpiresIn)
		base.ExpiresAt = &expiresAt
	}

	drafts := make([]domain.Draft, 0, len(recipients))
	for _, r := range recipients {
		userID := r.userID
		draft := base
		draft.UserID = userID
		if trigger.FrequencyLimit.Enabled() {
			draft.Firing = &domain.FiringClaim{
				TriggerKey: trigger.Key,
				UserID:     userID,
				EntityKey:  trigger.FrequencyEntityKey(event),
				Window:     trigger.FrequencyLimit.Window,
			}
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

type recipient struct {
	userID string
	roles  []string
}

// audience resolves target into distinct recipients in selector order. An
// empty target addresses the acting user.
func (e *Evaluator) audience(ctx context.Context, target domain.Target, event domain.Event, doc domain.Document) ([]recipient, error) {
	var (
		users []recipient
		seen  = map[string]int{}
	)
	add := func(userID string, role string) {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return
		}
		i, ok := seen[userID]
		if !ok {
			i = len(users)
			seen[userID] = i
			users = append(users, recipient{userID: userID})
		}
		if role != "" {
			users[i].roles = append(users[i].roles, role)
		}
	}

	if target.IsZero() || target.Actor {
		add(event.UserID, "")
	}
	for _, userID := range target.UserIDs {
		add(userID, "")
	}
	for _, path := range target.UserPaths {
		value := doc.Get(path)
		if value.IsArray() {
			value.ForEach(func(_, item gjson.Result) bool {
				add(item.String(), "")
				return true
			})
			continue
		}
		if value.Exists() && value.Type != gjson.Null {
			add(value.String(), "")
		}
	}
	for _, role := range target.Roles {
		members, err := e.rules.UsersWithRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("resolve role %s: %w", role, err)
		}
		for _, userID := range members {
			add(userID, role)
		}
	}
	return users, nil
}

// filterRecipients keeps the recipients the target conditions accept.
func filterRecipients(condition domain.Condition, recipients []recipient, event domain.Event, doc domain.Document) ([]recipient, error) {
	if condition == nil {
		return recipients, nil
	}
	kept := recipients[:0]
	for _, r := range recipients {
		roles := r.roles
		if roles == nil {
			roles = []string{}
		}
		view, err := doc.With("recipient", map[string]any{
			"userId":  r.userID,
			"isActor": r.userID == event.UserID,
			"roles":   roles,
		})
		if err != nil {
			return nil, err
		}
		if domain.EvaluateCondition(condition, view) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// firingMetadata records which rule produced a notification.
func firingMetadata(trigger domain.Trigger, tpl domain.Template, event domain.Event) (string, error) {
	metadata := "{}"
	for _, field := range []struct {
		path  string
		value any
	}{
		{path: "trigger.key", value: trigger.Key},
		{path: "trigger.priority", value: trigger.Priority},
		{path: "template.key", value: tpl.Key},
		{path: "template.version", value: tpl.Version},
		{path: "event.action", value: event.Action},
		{path: "event.actorId", value: event.UserID},
	} {
		var err error
		metadata, err = sjson.Set(metadata, field.path, field.value)
		if err != nil {
			return "", fmt.Errorf("encode trigger metadata: %w", err)
		}
	}
	return metadata, nil
}

func firstNonEmpty[T ~string](values ...T) T {
	for _, value := range values {
		if strings.TrimSpace(string(value)) != "" {
			return value
		}
	}
	var zero T
	return zero
}
