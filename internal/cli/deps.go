package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasnoah/nucleiforge/internal/command"
	"github.com/lucasnoah/nucleiforge/internal/config"
	"github.com/lucasnoah/nucleiforge/internal/db"
	"github.com/lucasnoah/nucleiforge/internal/events"
	"github.com/lucasnoah/nucleiforge/internal/feed"
	"github.com/lucasnoah/nucleiforge/internal/ledger"
	"github.com/lucasnoah/nucleiforge/internal/llm"
	"github.com/lucasnoah/nucleiforge/internal/logger"
	"github.com/lucasnoah/nucleiforge/internal/orchestrator"
	"github.com/lucasnoah/nucleiforge/internal/prompt"
	"github.com/lucasnoah/nucleiforge/internal/queue"
	"github.com/lucasnoah/nucleiforge/internal/rules"
	"github.com/lucasnoah/nucleiforge/internal/runtime"
	"github.com/lucasnoah/nucleiforge/internal/scan"
	"github.com/lucasnoah/nucleiforge/internal/targets"
	"github.com/lucasnoah/nucleiforge/internal/validator"
)

const queueName = "forge"

// app holds every collaborator a command may need. rdb and db are nil when
// not configured.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	rdb    *redis.Client
	db     *db.DB
	queue  *queue.Queue
	ledger ledger.Ledger
	store  *rules.Store
	orch   *orchestrator.Orchestrator
}

// shared reports whether queued work is visible to other processes.
func (a *app) shared() bool { return a.rdb != nil }

// newWorker returns a worker with every pipeline task registered.
func (a *app) newWorker(concurrency int) *queue.Worker {
	w := queue.NewWorker(a.queue, concurrency, a.log)
	a.orch.Register(w)
	return w
}

// appOptions selects optional pieces of the app.
type appOptions struct {
	// feedPath overrides the configured feed file.
	feedPath string
}

// newApp builds the full pipeline from configuration. The returned cleanup
// releases every connection that was opened.
func newApp(ctx context.Context, opts appOptions) (*app, func(), error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: rules.NewStore(cfg.RulesDir)}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = log.Sync()
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, nil, err
	}

	if cfg.Redis.URL != "" {
		rdb, err := openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return fail(err)
		}
		a.rdb = rdb
		closers = append(closers, func() { _ = rdb.Close() })
		a.queue = queue.New(queue.NewRedis(rdb, queueName))
		a.ledger = ledger.NewRedis(rdb)
	} else {
		log.Debug("no redis configured, using in-process queue and ledger")
		a.queue = queue.New(queue.NewMemory())
		a.ledger = ledger.NewMemory()
	}

	if cfg.Database.URL != "" {
		d, err := openDB(ctx, cfg.Database.URL)
		if err != nil {
			return fail(err)
		}
		a.db = d
		closers = append(closers, func() { _ = d.Close() })
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			return fail(err)
		}
		publisher = nc
		closers = append(closers, func() { _ = nc.Close() })
	}

	rt, err := runtime.New(ctx, cfg.Scanner.Backend, command.Exec{}, log)
	if err != nil {
		return fail(err)
	}
	if c, ok := rt.(io.Closer); ok {
		closers = append(closers, func() { _ = c.Close() })
	}
	scanner := scan.NewController(rt, a.store, scan.Options{
		Image:          cfg.Scanner.Image,
		Mount:          cfg.Scanner.TemplateMount,
		PollInterval:   cfg.PollInterval(),
		Timeout:        cfg.ScanTimeout(),
		LogTail:        cfg.Scanner.LogTail,
		KeepContainers: cfg.Scanner.KeepContainers,
		ExtraArgs:      cfg.Scanner.ExtraArgs,
	}, log)

	var resolver targets.Resolver = targets.NewStatic(cfg.Targets.Rules, cfg.Targets.Default)
	if a.rdb != nil {
		resolver = targets.NewRegistry(a.rdb, resolver)
	}

	feedPath := cfg.Feed.Path
	if opts.feedPath != "" {
		feedPath = opts.feedPath
	}
	var source feed.Source = feed.NewFile(feedPath)
	if a.rdb != nil && opts.feedPath == "" {
		source = feed.NewCached(source, a.rdb, cfg.FeedCacheTTL())
	}

	deps := orchestrator.Deps{
		Queue:    a.queue,
		Source:   source,
		Store:    a.store,
		Model:    llm.NewClient(cfg.Model.URL, cfg.Model.Name, cfg.ModelTimeout()),
		Prompts:  prompt.NewLibrary(cfg.Model.PromptDir),
		Ledger:   a.ledger,
		Checker:  validator.New(cfg.Scanner.ValidateCommand, command.Exec{}),
		Executor: scanner,
		Targets:  resolver,
		Events:   publisher,
	}
	if a.db != nil {
		deps.Attempts = a.db
		deps.EventLog = a.db
	}
	a.orch = orchestrator.New(deps, orchestrator.Options{
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		ScopeNoResult: cfg.Metrics.ScopeNoResult,
	}, log)

	return a, cleanup, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func openDB(ctx context.Context, url string) (*db.DB, error) {
	d, err := db.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// requireDB opens the configured database for commands that only read it.
func requireDB(ctx context.Context) (*db.DB, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("no database configured (set database.url or FORGE_DATABASE_URL)")
	}
	d, err := openDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { _ = d.Close() }, nil
}

// openLedger connects to the shared ledger only. Without Redis the ledger is
// per-process, so there is nothing to report.
func openLedger(ctx context.Context) (ledger.Ledger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Redis.URL == "" {
		return nil, nil, fmt.Errorf("no redis configured (set redis.url or FORGE_REDIS_URL)")
	}
	rdb, err := openRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewRedis(rdb), func() { _ = rdb.Close() }, nil
}
