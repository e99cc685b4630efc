package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/alerting"
)

func TestDispatcherSyncReturnsDecision(t *testing.T) {
	f := newFixture(t, fixtureOptions{autoDefault: true})
	d := NewDispatcher(f.engine, f.producers, DispatcherOptions{Workers: 1}, zerolog.Nop())
	defer d.Close()

	var seen Decision
	decision, err := d.Schedule(context.Background(), workItem(1000), ScheduleOptions{
		Sync:       true,
		OnComplete: func(dec Decision) { seen = dec },
	})
	require.NoError(t, err)
	assert.Equal(t, Queued, decision)
	assert.Equal(t, Queued, seen)
}

func TestDispatcherForceSync(t *testing.T) {
	f := newFixture(t, fixtureOptions{autoDefault: false})
	d := NewDispatcher(f.engine, f.producers, DispatcherOptions{ForceSync: true}, zerolog.Nop())
	defer d.Close()

	decision, err := d.Schedule(context.Background(), workItem(500), ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, Flagged, decision)
	assert.Len(t, f.store.FlaggedEvents(), 1)
}

func TestDispatcherDeferredRunsAfterCallerCancels(t *testing.T) {
	f := newFixture(t, fixtureOptions{autoDefault: true})
	d := NewDispatcher(f.engine, f.producers, DispatcherOptions{Workers: 2, QueueSize: 8}, zerolog.Nop())

	done := make(chan Decision, 3)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		decision, err := d.Schedule(ctx, workItem(100), ScheduleOptions{
			OnComplete: func(dec Decision) { done <- dec },
		})
		require.NoError(t, err)
		assert.Equal(t, Deferred, decision)
	}
	cancel()

	for i := 0; i < 3; i++ {
		select {
		case dec := <-done:
			assert.Equal(t, Queued, dec)
		case <-time.After(5 * time.Second):
			t.Fatal("deferred decision did not complete")
		}
	}
	require.NoError(t, d.Close())
	assert.Len(t, queuedJobs(t, f), 3)
}

func TestDispatcherCloseDrainsAndRejects(t *testing.T) {
	f := newFixture(t, fixtureOptions{autoDefault: true})
	d := NewDispatcher(f.engine, f.producers, DispatcherOptions{Workers: 1, QueueSize: 16}, zerolog.Nop())

	for i := 0; i < 10; i++ {
		_, err := d.Schedule(context.Background(), workItem(10), ScheduleOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())
	assert.Len(t, queuedJobs(t, f), 10)

	_, err := d.Schedule(context.Background(), workItem(10), ScheduleOptions{})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	require.NoError(t, d.Close())
}

type brokenFlags struct{}

func (brokenFlags) Enabled(context.Context, string) (bool, error) {
	return false, errors.New("flag store down")
}

func TestDispatcherDeferredFailureIsReported(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		flags:      brokenFlags{},
		thresholds: alerting.Thresholds{Queue: 50, Flagged: 5, Error: 10, Debounce: time.Minute},
	})
	d := NewDispatcher(f.engine, f.producers, DispatcherOptions{Workers: 1, QueueSize: 4}, zerolog.Nop())

	called := false
	decision, err := d.Schedule(context.Background(), workItem(100), ScheduleOptions{
		OnComplete: func(Decision) { called = true },
	})
	require.NoError(t, err)
	assert.Equal(t, Deferred, decision)
	require.NoError(t, d.Close())

	assert.False(t, called)
	assert.Equal(t, 1, f.producers.Bursts().Len(ErrorModule))

	_, err = d.Schedule(context.Background(), workItem(100), ScheduleOptions{Sync: true})
	assert.Error(t, err)
}
