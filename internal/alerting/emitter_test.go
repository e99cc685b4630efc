package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/metrics"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type emitterFixture struct {
	store    *memstore.Store
	clock    *fakeClock
	metrics  *metrics.Metrics
	registry *Registry
	emitter  *Emitter
	notifier *recordingNotifier
}

func newEmitterFixture(t *testing.T) *emitterFixture {
	t.Helper()
	clock := newFakeClock()
	store := memstore.New(memstore.WithClock(clock.Now))
	m := metrics.New(prometheus.NewRegistry())
	registry := NewRegistry(store, NewRuleCache(), RuleDefaults{OwnerEmail: "alerts@example.com"}, testLogger())
	notifier := &recordingNotifier{}
	emitter := NewEmitter(registry, store, m, clock.Now, testLogger(), notifier)
	return &emitterFixture{
		store:    store,
		clock:    clock,
		metrics:  m,
		registry: registry,
		emitter:  emitter,
		notifier: notifier,
	}
}

func (f *emitterFixture) rule(t *testing.T, name string, debounce int) storage.AlertRule {
	t.Helper()
	rule, err := f.registry.EnsureRule(context.Background(), RuleSpec{
		Name:            name,
		MetricKey:       "test_metric",
		Threshold:       decimal.NewFromInt(1),
		Severity:        storage.SeverityWarning,
		DebounceSeconds: debounce,
	})
	require.NoError(t, err)
	return rule
}

func TestEmitDebouncesWithinWindow(t *testing.T) {
	for _, n := range []int{1, 2, 5, 20} {
		f := newEmitterFixture(t)
		ctx := context.Background()
		rule := f.rule(t, "test_debounce_rule", 120)

		emitted := 0
		for i := 0; i < n; i++ {
			result, err := f.emitter.Emit(ctx, rule.ID, storage.SeverityWarning, map[string]any{"attempt": i})
			require.NoError(t, err)
			if result == Emitted {
				emitted++
			}
			f.clock.Advance(time.Second)
		}

		count, err := f.store.CountAlertEvents(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count, "n=%d", n)
		assert.Equal(t, 1, emitted, "n=%d", n)
		assert.Equal(t, float64(n-1), testutil.ToFloat64(f.metrics.AlertThrottle.WithLabelValues(rule.ID.String())), "n=%d", n)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AlertRate.WithLabelValues(storage.SeverityWarning)), "n=%d", n)
		assert.Equal(t, 1, f.notifier.count(), "n=%d", n)
	}
}

func TestEmitFiresAgainAfterWindow(t *testing.T) {
	f := newEmitterFixture(t)
	ctx := context.Background()
	rule := f.rule(t, "windowed_rule", 60)

	result, err := f.emitter.Emit(ctx, rule.ID, "", nil)
	require.NoError(t, err)
	require.Equal(t, Emitted, result)

	f.clock.Advance(59 * time.Second)
	result, err = f.emitter.Emit(ctx, rule.ID, "", nil)
	require.NoError(t, err)
	require.Equal(t, Throttled, result)

	f.clock.Advance(2 * time.Second)
	result, err = f.emitter.Emit(ctx, rule.ID, "", nil)
	require.NoError(t, err)
	require.Equal(t, Emitted, result)

	count, err := f.store.CountAlertEvents(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestEmitConcurrentCallersProduceOneEvent(t *testing.T) {
	f := newEmitterFixture(t)
	ctx := context.Background()
	rule := f.rule(t, "concurrent_rule", 300)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.emitter.Emit(ctx, rule.ID, storage.SeverityWarning, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := f.store.CountAlertEvents(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, float64(15), testutil.ToFloat64(f.metrics.AlertThrottle.WithLabelValues(rule.ID.String())))
}

func TestEmitSkipsUnknownAndInactiveRules(t *testing.T) {
	f := newEmitterFixture(t)
	ctx := context.Background()

	result, err := f.emitter.Emit(ctx, uuid.New(), storage.SeverityCritical, nil)
	require.NoError(t, err)
	assert.Equal(t, Skipped, result)

	rule := f.rule(t, "inactive_rule", 60)
	rule.IsActive = false
	_, err = f.store.UpdateAlertRule(ctx, rule)
	require.NoError(t, err)

	fresh := NewRegistry(f.store, NewRuleCache(), RuleDefaults{}, testLogger())
	emitter := NewEmitter(fresh, f.store, f.metrics, f.clock.Now, testLogger())
	result, err = emitter.Emit(ctx, rule.ID, storage.SeverityWarning, nil)
	require.NoError(t, err)
	assert.Equal(t, Skipped, result)

	count, err := f.store.CountAlertEvents(ctx, rule.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEmitNotifierFailureDoesNotFail(t *testing.T) {
	f := newEmitterFixture(t)
	f.notifier.err = errors.New("telegram down")
	rule := f.rule(t, "notify_fail_rule", 60)

	result, err := f.emitter.Emit(context.Background(), rule.ID, storage.SeverityWarning, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, Emitted, result)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "v", f.notifier.notes[0].Event.Details["k"])
}
