package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/audit"
	"otc-settlement/internal/bot"
	"otc-settlement/internal/chain"
	"otc-settlement/internal/config"
	"otc-settlement/internal/dualcontrol"
	"otc-settlement/internal/featureflag"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/rfq"
	"otc-settlement/internal/scheduler"
	"otc-settlement/internal/service"
	"otc-settlement/internal/settlement"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
	"otc-settlement/internal/users"
	"otc-settlement/internal/wallet"
)

// backend is everything the components persist to. Both the PostgreSQL store
// and the in-memory store satisfy it.
type backend interface {
	storage.RFQStore
	storage.SettlementStore
	storage.JobStore
	storage.WalletStore
	storage.AlertRuleStore
	storage.AlertEventStore
	storage.DualControlStore
	storage.UserStore
	storage.AuditStore
	storage.FeatureFlagStore
	storage.AdvisoryLocker
}

var (
	_ backend = (*storage.Store)(nil)
	_ backend = (*memstore.Store)(nil)
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out io.Writer
	// store overrides the configured database; used by tests.
	store backend
	now   func() time.Time
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		out:    os.Stdout,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetOutput redirects command output.
func (a *App) SetOutput(w io.Writer) {
	if w != nil {
		a.out = w
	}
}

// components is one fully wired instance of the settlement core.
type components struct {
	store      backend
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	recorder   *audit.Recorder
	flags      *featureflag.Source
	emitter    *alerting.Emitter
	producers  *alerting.Producers
	gauges     *settlement.Gauges
	engine     *settlement.Engine
	dispatcher *settlement.Dispatcher
	ledger     *wallet.Ledger
	verifier   *chain.Verifier
	queue      *settlement.Queue
	rfqs       *rfq.Service
	workflow   *dualcontrol.Workflow
	users      *users.Service
}

type buildOptions struct {
	notifiers []alerting.Notifier
	forceSync bool
}

func (a *App) build(store backend, opts buildOptions) *components {
	logger := a.Logger
	cfg := a.Config
	now := a.now

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	recorder := audit.NewRecorder(store, now, logger)
	flags := featureflag.New(store, featureflag.Options{
		Defaults: map[string]bool{featureflag.AutoSettlement: cfg.Settlement.AutoSettlementEnabled},
		Now:      now,
	}, logger)

	rules := alerting.NewRegistry(store, alerting.NewRuleCache(), alerting.RuleDefaults{
		OwnerEmail:      cfg.Alerting.OwnerEmail,
		WindowSeconds:   cfg.DebounceSeconds(),
		DebounceSeconds: cfg.DebounceSeconds(),
	}, logger)
	emitter := alerting.NewEmitter(rules, store, m, now, logger, opts.notifiers...)
	producers := alerting.NewProducers(emitter, store, nil, m, alerting.Thresholds{
		Queue:    cfg.Alerting.QueueThreshold,
		Flagged:  cfg.Alerting.FlaggedThreshold,
		Error:    cfg.Alerting.ErrorThreshold,
		Debounce: cfg.Alerting.Debounce,
	}, now, logger)

	gauges := settlement.NewGauges(store, store, m, producers, now, logger)
	engine := settlement.NewEngine(settlement.EngineDeps{
		Flags:     flags,
		Store:     store,
		Gauges:    gauges,
		Emitter:   emitter,
		Producers: producers,
		Metrics:   m,
		Now:       now,
	}, logger)
	dispatcher := settlement.NewDispatcher(engine, producers, settlement.DispatcherOptions{
		Workers:   cfg.Settlement.Workers,
		QueueSize: cfg.Settlement.QueueSize,
		ForceSync: cfg.Settlement.ForceSync || opts.forceSync,
	}, logger)

	ledger := wallet.NewLedger(store, m, wallet.Options{
		EVMNetworks: cfg.Wallet.EVMNetworks,
		Currency:    cfg.Settlement.Currency,
		Now:         now,
	}, logger)
	verifier := a.newVerifier()
	var txVerifier settlement.TxVerifier
	if verifier != nil {
		txVerifier = verifier
	}
	queue := settlement.NewQueue(store, ledger, gauges, txVerifier, now, logger)

	rfqs := rfq.NewService(store, dispatcher, producers, m, recorder, rfq.Options{
		SyncSettlement: cfg.Settlement.ForceSync || opts.forceSync,
		Now:            now,
	}, logger)
	workflow := dualcontrol.NewWorkflow(store, store, recorder, now, logger)
	accounts := users.NewService(store, workflow, recorder, users.Options{Now: now}, logger)

	return &components{
		store:      store,
		registry:   registry,
		metrics:    m,
		recorder:   recorder,
		flags:      flags,
		emitter:    emitter,
		producers:  producers,
		gauges:     gauges,
		engine:     engine,
		dispatcher: dispatcher,
		ledger:     ledger,
		verifier:   verifier,
		queue:      queue,
		rfqs:       rfqs,
		workflow:   workflow,
		users:      accounts,
	}
}

// close drains deferred settlement decisions.
func (c *components) close() {
	_ = c.dispatcher.Close()
}

func (a *App) newVerifier() *chain.Verifier {
	eth := a.Config.Ethereum
	if eth.RPCURL == "" {
		return nil
	}
	return chain.NewVerifier(chain.Options{
		RPCURL:           eth.RPCURL,
		Networks:         eth.Networks,
		MinConfirmations: eth.MinConfirmations,
		Timeout:          eth.RequestTimeout,
	}, a.Logger)
}

// newNotifiers returns the configured alert channels and a release func for
// any connection they hold.
func (a *App) newNotifiers(ctx context.Context) ([]alerting.Notifier, func()) {
	var notifiers []alerting.Notifier
	release := func() {}

	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}

	if rc := a.Config.Alerting.Redis; rc.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis 不可达，告警仍会尝试发布")
		}
		notifiers = append(notifiers, alerting.NewRedisPublisher(client, rc.Channel))
		release = func() { _ = client.Close() }
	}

	return notifiers, release
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openBackend returns the durable store. Commands that change state refuse to
// run without one.
func (a *App) openBackend(ctx context.Context) (backend, func(), error) {
	if a.store != nil {
		return a.store, func() {}, nil
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; set database.dsn")
	}
	return store, closeStore, nil
}

// withComponents opens the store, wires the core and runs fn.
func (a *App) withComponents(ctx context.Context, fn func(ctx context.Context, c *components) error) error {
	store, closeStore, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	notifiers, release := a.newNotifiers(ctx)
	defer release()

	c := a.build(store, buildOptions{notifiers: notifiers, forceSync: true})
	defer c.close()
	return fn(ctx, c)
}

// Run executes the long-running settlement service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		store  backend
		health func(context.Context) error
		pg     *storage.Store
	)
	if a.store == nil {
		opened, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
		pg = opened
	}
	switch {
	case a.store != nil:
		store = a.store
	case pg != nil:
		if a.Config.Database.AutoMigrate {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			a.Logger.Info().Strs("applied", applied).Msg("database migrations applied")
		}
		store = pg
		health = pg.Ping
	default:
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, state is lost on exit")
		store = memstore.New()
	}

	notifiers, release := a.newNotifiers(ctx)
	defer release()

	c := a.build(store, buildOptions{notifiers: notifiers})
	defer c.close()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Monitor.Interval,
		AlignToBucket: a.Config.Monitor.AlignToBucket,
		StartupDelay:  a.Config.Monitor.StartupDelay,
		RunOnStart:    true,
	}, a.Logger)
	monitor := service.New(service.Deps{
		Scheduler: sched,
		RFQs:      c.rfqs,
		Gauges:    c.gauges,
		Wallets:   c.ledger,
		Flags:     c.flags,
		Producers: c.producers,
		Metrics:   c.metrics,
		Locker:    store,
		LockKey:   a.Config.Monitor.AdvisoryLockKey,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Metrics.Enabled {
		srv := metrics.NewServer(a.Config.Metrics.Addr, a.Config.Metrics.Path,
			metrics.Handler(c.registry, a.Config.Metrics.BearerKey), a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if a.Config.Bot.Enabled {
		b, err := bot.New(a.Config.Bot.Token, bot.Deps{
			Approvals: c.workflow,
			Jobs:      c.queue,
			Flags:     c.flags,
			Health:    health,
		}, bot.Options{
			PollTimeout:  a.Config.Bot.PollTimeout,
			QueueLimit:   a.Config.Bot.QueueLimit,
			AllowedChats: a.Config.Bot.AllowedChats,
		}, a.Logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return b.Run(gctx) })
	}

	g.Go(func() error { return monitor.Run(gctx) })

	a.Logger.Info().
		Bool("metrics", a.Config.Metrics.Enabled).
		Bool("bot", a.Config.Bot.Enabled).
		Int("notifiers", len(notifiers)).
		Msg("starting settlement service")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement service stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.out, "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.out, "applied %s\n", name)
	}
	return nil
}

// ExportOptions hold parameters for exporting alert and flagged history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Approvals bool
}
