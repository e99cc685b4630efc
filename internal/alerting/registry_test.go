package alerting

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
)

func TestEnsureRuleIsIdempotent(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry(store, nil, RuleDefaults{OwnerEmail: "alerts@example.com", DebounceSeconds: 90}, testLogger())
	ctx := context.Background()
	spec := RuleSpec{Name: "idempotent", MetricKey: "m", Threshold: decimal.NewFromInt(3), Severity: storage.SeverityInfo}

	first, err := registry.EnsureRule(ctx, spec)
	require.NoError(t, err)
	second, err := registry.EnsureRule(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alerts@example.com", first.OwnerEmail)
	assert.Equal(t, 60, first.WindowSeconds)
	assert.Equal(t, 90, first.DebounceSeconds)
	assert.True(t, first.IsActive)
}

func TestEnsureRuleUpdatesChangedFields(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry(store, nil, RuleDefaults{}, testLogger())
	ctx := context.Background()

	original, err := registry.EnsureRule(ctx, RuleSpec{Name: "changing", MetricKey: "m", Threshold: decimal.NewFromInt(5), Severity: storage.SeverityWarning})
	require.NoError(t, err)

	updated, err := registry.EnsureRule(ctx, RuleSpec{Name: "changing", MetricKey: "m", Threshold: decimal.NewFromInt(7), Severity: storage.SeverityCritical, DebounceSeconds: 30})
	require.NoError(t, err)

	assert.Equal(t, original.ID, updated.ID)
	assert.True(t, updated.Threshold.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, storage.SeverityCritical, updated.Severity)
	assert.Equal(t, 30, updated.DebounceSeconds)

	persisted, err := store.GetAlertRuleByName(ctx, "changing")
	require.NoError(t, err)
	assert.Equal(t, storage.SeverityCritical, persisted.Severity)
}

func TestEnsureRuleConcurrentCreatesOneRow(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	spec := RuleSpec{Name: "raced", MetricKey: "m", Threshold: decimal.NewFromInt(1), Severity: storage.SeverityWarning}

	ids := make(chan string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each caller owns a cache, like separate processes
			registry := NewRegistry(store, nil, RuleDefaults{}, testLogger())
			rule, err := registry.EnsureRule(ctx, spec)
			assert.NoError(t, err)
			ids <- rule.ID.String()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)
}

func TestRuleFallsBackToStoreAndCaches(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	seeded, err := store.InsertAlertRule(ctx, storage.AlertRule{Name: "seeded", MetricKey: "m", Severity: storage.SeverityInfo, DebounceSeconds: 60, IsActive: true})
	require.NoError(t, err)

	cache := NewRuleCache()
	registry := NewRegistry(store, cache, RuleDefaults{}, testLogger())
	require.Zero(t, cache.Len())

	rule, err := registry.Rule(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "seeded", rule.Name)
	assert.Equal(t, 1, cache.Len())

	byName, ok := cache.GetByName("seeded")
	require.True(t, ok)
	assert.Equal(t, seeded.ID, byName.ID)
}

func TestEnsureRuleRequiresName(t *testing.T) {
	registry := NewRegistry(memstore.New(), nil, RuleDefaults{}, testLogger())
	_, err := registry.EnsureRule(context.Background(), RuleSpec{MetricKey: "m"})
	require.Error(t, err)
}
