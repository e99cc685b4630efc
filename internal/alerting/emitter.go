package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otc-settlement/internal/metrics"
	"otc-settlement/internal/storage"
)

// EmitResult describes what Emit did.
type EmitResult string

const (
	Emitted   EmitResult = "emitted"
	Throttled EmitResult = "throttled"
	Skipped   EmitResult = "skipped"
)

// Emitter writes debounced alert events and fans them out to notifiers.
type Emitter struct {
	registry  *Registry
	events    storage.AlertEventStore
	metrics   *metrics.Metrics
	notifiers []Notifier
	now       func() time.Time
	logger    zerolog.Logger
}

// NewEmitter builds an Emitter. Nil notifiers are ignored.
func NewEmitter(registry *Registry, events storage.AlertEventStore, m *metrics.Metrics, now func() time.Time, logger zerolog.Logger, notifiers ...Notifier) *Emitter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &Emitter{
		registry:  registry,
		events:    events,
		metrics:   m,
		notifiers: active,
		now:       now,
		logger:    logger.With().Str("component", "alert_emitter").Logger(),
	}
}

// Emit records an alert event for ruleID unless the rule is unknown, inactive
// or already fired within its debounce window.
func (e *Emitter) Emit(ctx context.Context, ruleID uuid.UUID, severity string, details map[string]any) (EmitResult, error) {
	if e == nil {
		return Skipped, nil
	}
	rule, err := e.registry.Rule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Skipped, nil
		}
		return Skipped, fmt.Errorf("resolve alert rule: %w", err)
	}
	if !rule.IsActive {
		return Skipped, nil
	}
	if severity == "" {
		severity = rule.Severity
	}

	now := e.now()
	cutoff := now.Add(-time.Duration(rule.DebounceSeconds) * time.Second)
	event, inserted, err := e.events.InsertAlertEventIfQuiet(ctx, storage.AlertEvent{
		RuleID:    rule.ID,
		Status:    storage.AlertEventTriggered,
		Details:   details,
		CreatedAt: now,
	}, cutoff)
	if err != nil {
		return Skipped, fmt.Errorf("insert alert event: %w", err)
	}
	if !inserted {
		e.metrics.IncThrottle(rule.ID.String())
		e.logger.Debug().Str("rule", rule.Name).Msg("alert suppressed by debounce window")
		return Throttled, nil
	}

	e.metrics.IncAlert(severity)
	e.logger.Warn().Str("rule", rule.Name).Str("severity", severity).Interface("details", details).Msg("alert emitted")
	e.dispatch(ctx, Notification{Rule: rule, Event: event, Severity: severity})
	return Emitted, nil
}

// EmitByName ensures the rule described by spec and emits against it.
func (e *Emitter) EmitByName(ctx context.Context, spec RuleSpec, details map[string]any) (EmitResult, error) {
	if e == nil {
		return Skipped, nil
	}
	rule, err := e.registry.EnsureRule(ctx, spec)
	if err != nil {
		return Skipped, err
	}
	return e.Emit(ctx, rule.ID, rule.Severity, details)
}

func (e *Emitter) dispatch(ctx context.Context, note Notification) {
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			e.logger.Error().Err(err).Str("rule", note.Rule.Name).Msg("alert notification failed")
		}
	}
}
