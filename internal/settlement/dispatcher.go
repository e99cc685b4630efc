package settlement

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"otc-settlement/internal/alerting"
)

// ErrDispatcherClosed is returned when work is scheduled after Close.
var ErrDispatcherClosed = errors.New("settlement dispatcher closed")

// ErrorModule is the module name deferred failures are reported under.
const ErrorModule = "settlement"

// ScheduleOptions control a single Schedule call.
type ScheduleOptions struct {
	// Sync runs the decision inline and returns it.
	Sync bool
	// OnComplete, when set, receives the decision on both paths.
	OnComplete func(Decision)
}

// DispatcherOptions size the worker pool.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
	// ForceSync makes every Schedule call synchronous.
	ForceSync bool
}

type task struct {
	ctx        context.Context
	item       WorkItem
	onComplete func(Decision)
}

// Dispatcher submits work items to the Engine either inline or through a
// bounded pool of workers. Deferred failures are logged and reported to the
// error-burst producer; they never reach the caller.
type Dispatcher struct {
	engine    *Engine
	producers *alerting.Producers
	forceSync bool
	logger    zerolog.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan task
	group  errgroup.Group
	once   sync.Once
}

// NewDispatcher starts the worker pool.
func NewDispatcher(engine *Engine, producers *alerting.Producers, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	d := &Dispatcher{
		engine:    engine,
		producers: producers,
		forceSync: opts.ForceSync,
		logger:    logger.With().Str("component", "settlement_dispatcher").Logger(),
		tasks:     make(chan task, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.group.Go(func() error {
			for t := range d.tasks {
				d.run(t)
			}
			return nil
		})
	}
	return d
}

// Schedule hands item to the engine. The synchronous path returns the engine's
// decision and error; the deferred path returns Deferred once the item is queued.
func (d *Dispatcher) Schedule(ctx context.Context, item WorkItem, opts ScheduleOptions) (Decision, error) {
	if opts.Sync || d.forceSync {
		decision, err := d.engine.Decide(ctx, item)
		if err != nil {
			return "", err
		}
		if opts.OnComplete != nil {
			opts.OnComplete(decision)
		}
		return decision, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", ErrDispatcherClosed
	}

	t := task{
		ctx:        context.WithoutCancel(ctx),
		item:       item,
		onComplete: opts.OnComplete,
	}
	select {
	case d.tasks <- t:
		return Deferred, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops intake and waits for queued work to drain.
func (d *Dispatcher) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.tasks)
		d.mu.Unlock()
	})
	return d.group.Wait()
}

func (d *Dispatcher) run(t task) {
	decision, err := d.engine.Decide(t.ctx, t.item)
	if err != nil {
		d.logger.Error().Err(err).
			Str("rfq_id", t.item.RFQID.String()).
			Str("quote_id", t.item.QuoteID.String()).
			Str("fill_id", t.item.FillID.String()).
			Msg("deferred settlement decision failed")
		d.producers.RecordModuleError(t.ctx, ErrorModule, err)
		return
	}
	if t.onComplete != nil {
		t.onComplete(decision)
	}
}
