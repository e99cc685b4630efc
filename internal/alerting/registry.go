package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/storage"
)

// Built-in rule names.
const (
	RuleAutoSettlementDisabled = "auto_settlement_disabled"
	RuleQueueBacklog           = "settlement_queue_backlog"
	RuleFlaggedSpike           = "settlement_flagged_spike"
	ruleErrorBurstPrefix       = "error_burst_"
)

// ErrorBurstRuleName returns the rule name used for a module's error bursts.
func ErrorBurstRuleName(module string) string {
	return ruleErrorBurstPrefix + module
}

// RuleSpec describes the desired state of a named rule. Zero windows and an
// empty owner fall back to the registry defaults.
type RuleSpec struct {
	Name            string
	MetricKey       string
	Threshold       decimal.Decimal
	Severity        string
	OwnerEmail      string
	WindowSeconds   int
	DebounceSeconds int
}

// RuleDefaults fill the optional parts of a RuleSpec.
type RuleDefaults struct {
	OwnerEmail      string
	WindowSeconds   int
	DebounceSeconds int
}

// Registry upserts rules by name and resolves them by id.
type Registry struct {
	store    storage.AlertRuleStore
	cache    *RuleCache
	defaults RuleDefaults
	logger   zerolog.Logger
}

// NewRegistry builds a Registry. A nil cache gets a private one.
func NewRegistry(store storage.AlertRuleStore, cache *RuleCache, defaults RuleDefaults, logger zerolog.Logger) *Registry {
	if cache == nil {
		cache = NewRuleCache()
	}
	if defaults.WindowSeconds <= 0 {
		defaults.WindowSeconds = 60
	}
	if defaults.DebounceSeconds <= 0 {
		defaults.DebounceSeconds = 60
	}
	return &Registry{
		store:    store,
		cache:    cache,
		defaults: defaults,
		logger:   logger.With().Str("component", "alert_registry").Logger(),
	}
}

// EnsureRule inserts the rule when absent, updates it when any specified field
// differs and returns the current record. Losing an insert race re-reads the
// winner instead of failing.
func (r *Registry) EnsureRule(ctx context.Context, spec RuleSpec) (storage.AlertRule, error) {
	if spec.Name == "" {
		return storage.AlertRule{}, fmt.Errorf("ensure alert rule: name is required")
	}
	want := r.desired(spec)

	if cached, ok := r.cache.GetByName(spec.Name); ok && !differs(cached, want) {
		return cached, nil
	}

	current, err := r.store.GetAlertRuleByName(ctx, spec.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current, err = r.store.InsertAlertRule(ctx, want)
		if errors.Is(err, storage.ErrDuplicate) {
			current, err = r.store.GetAlertRuleByName(ctx, spec.Name)
		}
		if err != nil {
			return storage.AlertRule{}, fmt.Errorf("ensure alert rule %s: %w", spec.Name, err)
		}
		if current.ID == want.ID {
			r.logger.Info().Str("rule", spec.Name).Msg("alert rule created")
		}
	case err != nil:
		return storage.AlertRule{}, fmt.Errorf("ensure alert rule %s: %w", spec.Name, err)
	}

	if differs(current, want) {
		want.ID = current.ID
		want.IsActive = current.IsActive
		current, err = r.store.UpdateAlertRule(ctx, want)
		if err != nil {
			return storage.AlertRule{}, fmt.Errorf("update alert rule %s: %w", spec.Name, err)
		}
		r.logger.Info().Str("rule", spec.Name).Msg("alert rule updated")
	}

	r.cache.Put(current)
	return current, nil
}

// Rule resolves a rule by id, cache first.
func (r *Registry) Rule(ctx context.Context, id uuid.UUID) (storage.AlertRule, error) {
	if rule, ok := r.cache.Get(id); ok {
		return rule, nil
	}
	rule, err := r.store.GetAlertRule(ctx, id)
	if err != nil {
		return storage.AlertRule{}, err
	}
	r.cache.Put(rule)
	return rule, nil
}

func (r *Registry) desired(spec RuleSpec) storage.AlertRule {
	rule := storage.AlertRule{
		ID:              uuid.New(),
		Name:            spec.Name,
		MetricKey:       spec.MetricKey,
		Threshold:       spec.Threshold,
		WindowSeconds:   spec.WindowSeconds,
		DebounceSeconds: spec.DebounceSeconds,
		Severity:        spec.Severity,
		OwnerEmail:      spec.OwnerEmail,
		IsActive:        true,
	}
	if rule.WindowSeconds <= 0 {
		rule.WindowSeconds = r.defaults.WindowSeconds
	}
	if rule.DebounceSeconds <= 0 {
		rule.DebounceSeconds = r.defaults.DebounceSeconds
	}
	if rule.OwnerEmail == "" {
		rule.OwnerEmail = r.defaults.OwnerEmail
	}
	if rule.Severity == "" {
		rule.Severity = storage.SeverityWarning
	}
	return rule
}

// differs compares the fields a RuleSpec controls. IsActive is left to operators.
func differs(have, want storage.AlertRule) bool {
	return have.MetricKey != want.MetricKey ||
		!have.Threshold.Equal(want.Threshold) ||
		have.WindowSeconds != want.WindowSeconds ||
		have.DebounceSeconds != want.DebounceSeconds ||
		have.Severity != want.Severity ||
		have.OwnerEmail != want.OwnerEmail
}
