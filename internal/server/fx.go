// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/ai/gemini"
	"github.com/JakeFAU/linkcascade/internal/ai/openai"
	"github.com/JakeFAU/linkcascade/internal/api"
	"github.com/JakeFAU/linkcascade/internal/browser"
	"github.com/JakeFAU/linkcascade/internal/captcha"
	"github.com/JakeFAU/linkcascade/internal/captcha/providers"
	"github.com/JakeFAU/linkcascade/internal/clock/system"
	"github.com/JakeFAU/linkcascade/internal/config"
	"github.com/JakeFAU/linkcascade/internal/content"
	"github.com/JakeFAU/linkcascade/internal/coordinator"
	"github.com/JakeFAU/linkcascade/internal/dispatcher"
	"github.com/JakeFAU/linkcascade/internal/id/uuid"
	"github.com/JakeFAU/linkcascade/internal/logging"
	"github.com/JakeFAU/linkcascade/internal/metrics"
	kafkanotify "github.com/JakeFAU/linkcascade/internal/notify/kafka"
	memorynotify "github.com/JakeFAU/linkcascade/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/linkcascade/internal/notify/pubsub"
	"github.com/JakeFAU/linkcascade/internal/pagemeta"
	"github.com/JakeFAU/linkcascade/internal/policy/ratelimit"
	"github.com/JakeFAU/linkcascade/internal/progress"
	progresssinks "github.com/JakeFAU/linkcascade/internal/progress/sinks"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/publisher"
	"github.com/JakeFAU/linkcascade/internal/publisher/browserform"
	memorypublisher "github.com/JakeFAU/linkcascade/internal/publisher/memory"
	"github.com/JakeFAU/linkcascade/internal/publisher/process"
	"github.com/JakeFAU/linkcascade/internal/publisher/telegraph"
	queueMemory "github.com/JakeFAU/linkcascade/internal/queue/memory"
	"github.com/JakeFAU/linkcascade/internal/registry"
	"github.com/JakeFAU/linkcascade/internal/scheduler"
	gcsstorage "github.com/JakeFAU/linkcascade/internal/storage/gcs"
	localstorage "github.com/JakeFAU/linkcascade/internal/storage/local"
	memoryStorage "github.com/JakeFAU/linkcascade/internal/storage/memory"
	miniostorage "github.com/JakeFAU/linkcascade/internal/storage/minio"
	pgstore "github.com/JakeFAU/linkcascade/internal/storage/postgres"
	s3storage "github.com/JakeFAU/linkcascade/internal/storage/s3"
	"github.com/JakeFAU/linkcascade/internal/worker"
)

// notifier is a promotion.Notifier that owns a connection.
type notifier interface {
	promotion.Notifier
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	catalog     *registry.Catalog
	apiServer   *api.Server
	coord       *coordinator.Coordinator
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	queue       *queueMemory.Queue
	storage     *storage.Client
	runStore    *pgstore.RunStore
	notifier    notifier
	browser     *browser.Browser
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		AuthMode       string `json:"auth_mode"`
		StorageBackend string `json:"storage_backend"`
		NotifyBackend  string `json:"notify_backend"`
		PoolSize       int    `json:"pool_size"`
		TestMode       bool   `json:"test_mode"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		AuthMode:       cfg.Auth.Mode,
		StorageBackend: cfg.Storage.Backend,
		NotifyBackend:  cfg.Notify.Backend,
		PoolSize:       cfg.Workers.PoolSize,
		TestMode:       cfg.TestMode,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := a.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if recovered > 0 {
		a.logger.Info("recovered unfinished runs", zap.Int("count", recovered))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Workers.PoolSize))
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", zap.Error(err))
			stop()
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.coord.Close(shutdownCtx); err != nil {
		a.logger.Warn("coordinator close failed", zap.Error(err))
	}
	a.queue.Close()
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return fmt.Errorf("logger sync: %w", err)
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("notifier close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
	if a.browser != nil {
		a.browser.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "linkcascade",
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")

	app.catalog, err = LoadCatalog(cfg.Registry)
	if err != nil {
		return nil, err
	}
	app.logger.Info("adapter catalog loaded", zap.Int("adapters", len(app.catalog.All())))

	runStore, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupNotifier(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Workers.QueueDepth)
	deps := coordinator.Deps{
		Store:     runStore,
		Queue:     app.queue,
		Scheduler: scheduler.New(app.catalog, cfg.Workers.PoolSize),
		IDs:       uuid.New(),
		Clock:     system.New(),
		Blobs:     blobStore,
		Observer:  metrics.RunObserver{},
		Logger:    logger.Named("coordinator"),
	}
	if app.progressHub != nil {
		deps.Events = app.progressHub
	}
	if cfg.PageMeta.Enabled {
		deps.Meta = pagemeta.New(pagemeta.Config{
			UserAgent:     cfg.PageMeta.UserAgent,
			RespectRobots: cfg.PageMeta.RespectRobots,
			Timeout:       cfg.PageMeta.Timeout,
			MaxTopics:     cfg.PageMeta.MaxTopics,
		})
	}
	app.coord, err = coordinator.New(cfg.Orchestrator(), deps)
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	app.dispatch, err = setupDispatcher(ctx, app)
	if err != nil {
		return nil, err
	}

	opts := api.Options{
		Runs:           app.coord,
		Auth:           cfg.Auth,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger.Named("api"),
	}
	if app.runStore != nil {
		opts.Ready = app.runStore.Ping
	}
	app.apiServer = api.NewServer(opts)

	return app, nil
}

// LoadCatalog reads the configured catalog, or the built-in one when no path is set.
func LoadCatalog(cfg config.RegistryConfig) (*registry.Catalog, error) {
	catalog, err := registry.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", cfg.CatalogPath, err)
	}
	return catalog, nil
}

func setupStore(ctx context.Context, app *App) (promotion.RunStore, error) {
	db := app.cfg.Database
	if db.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping runs in memory")
		return memoryStorage.NewRunStore(), nil
	}
	store, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:             db.DSN,
		Schema:          db.Schema,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}
	if db.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("run store migrate failed: %w", err)
		}
	}
	app.runStore = store
	app.logger.Info("postgres run store initialized", zap.String("schema", db.Schema))
	return store, nil
}

func setupStorage(ctx context.Context, app *App) (promotion.BlobStore, error) {
	sc := app.cfg.Storage
	switch sc.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.GCS.Bucket, Prefix: sc.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", sc.GCS.Bucket))
		return blobStore, nil
	case "s3":
		app.logger.Info("using S3 storage backend")
		blobStore, err := s3storage.New(ctx, s3storage.Config{
			Bucket:   sc.S3.Bucket,
			Prefix:   sc.S3.Prefix,
			Region:   sc.S3.Region,
			Endpoint: sc.S3.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return blobStore, nil
	case "minio":
		app.logger.Info("using MinIO storage backend")
		blobStore, err := miniostorage.New(miniostorage.Config{
			Endpoint:  sc.MinIO.Endpoint,
			AccessKey: sc.MinIO.AccessKey,
			SecretKey: sc.MinIO.SecretKey,
			UseSSL:    sc.MinIO.UseSSL,
			Region:    sc.MinIO.Region,
			Bucket:    sc.MinIO.Bucket,
			Prefix:    sc.MinIO.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("minio blob store init failed: %w", err)
		}
		if err := blobStore.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("minio bucket check failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", sc.Local.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupNotifier(ctx context.Context, app *App) error {
	nc := app.cfg.Notify
	switch nc.Backend {
	case "pubsub":
		n, err := pubsubnotify.New(ctx, nc.PubSub.ProjectID, app.logger.Named("notify"))
		if err != nil {
			return fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		app.notifier = n
		app.logger.Info("Pub/Sub notifier initialized",
			zap.String("project", nc.PubSub.ProjectID),
			zap.String("topic", nc.Topic),
		)
	case "kafka":
		n, err := kafkanotify.New(kafkanotify.Config{
			Brokers:      nc.Kafka.Brokers,
			MaxAttempts:  nc.Kafka.MaxAttempts,
			WriteTimeout: nc.Kafka.WriteTimeout,
		}, app.logger.Named("notify"))
		if err != nil {
			return fmt.Errorf("kafka notifier init failed: %w", err)
		}
		app.notifier = n
		app.logger.Info("Kafka notifier initialized", zap.Strings("brokers", nc.Kafka.Brokers))
	case "memory":
		app.notifier = memorynotify.New()
		app.logger.Info("using in-memory notifier")
	default:
		app.logger.Info("run notifications disabled")
	}
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	pc := app.cfg.Progress
	var sinkList []progress.Sink
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if pc.NotifyEnabled && app.notifier != nil {
		sinkList = append(sinkList, progresssinks.NewNotifySink(
			app.notifier,
			app.cfg.Notify.Topic,
			app.logger.Named("progress_notify"),
		))
		app.logger.Debug("Added progress notify sink", zap.String("topic", app.cfg.Notify.Topic))
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatch,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

// PublisherDeps carries what the in-process adapter builders need.
type PublisherDeps struct {
	Browser *browser.Browser
	Solver  browserform.CaptchaSolver
	Logger  *zap.Logger
}

// Builders returns the adapter builders keyed by kind. Process adapters are
// included only when withProcess is set, so an adapter subprocess never
// re-spawns itself.
func Builders(cfg *config.Config, deps PublisherDeps, withProcess bool) map[promotion.AdapterKind]publisher.Builder {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	builders := map[promotion.AdapterKind]publisher.Builder{
		promotion.KindTelegraph: func(desc promotion.AdapterDescriptor) (promotion.Publisher, error) {
			author := cfg.Telegraph.AuthorName
			if v := desc.Options["author_name"]; v != "" && author == "" {
				author = v
			}
			return telegraph.New(desc, telegraph.Config{
				BaseURL:     cfg.Telegraph.BaseURL,
				AccessToken: cfg.Telegraph.AccessToken,
				AuthorName:  author,
			}), nil
		},
		promotion.KindMemory: func(promotion.AdapterDescriptor) (promotion.Publisher, error) {
			return memorypublisher.New(""), nil
		},
	}
	if deps.Browser != nil {
		builders[promotion.KindBrowserForm] = func(desc promotion.AdapterDescriptor) (promotion.Publisher, error) {
			return browserform.New(desc, browserform.ChromeOpener(deps.Browser), deps.Solver, logger.Named(desc.Slug)), nil
		}
	}
	if withProcess {
		builders[promotion.KindProcess] = func(desc promotion.AdapterDescriptor) (promotion.Publisher, error) {
			return process.New(desc, os.Environ(), logger.Named(desc.Slug))
		}
	}
	return builders
}

// NewBrowser starts the Chrome pool used by browser form adapters.
func NewBrowser(cfg *config.Config) (*browser.Browser, error) {
	b, err := browser.New(browser.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Headless.UserAgent,
		NavigationTimeout: cfg.Headless.NavigationTimeout,
		Headless:          cfg.Headless.Headless,
		ExecPath:          cfg.Headless.ExecPath,
	})
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	return b, nil
}

// NewSolver builds the captcha resolver from the configured provider chain.
func NewSolver(cfg *config.Config, logger *zap.Logger) *captcha.Resolver {
	orch := cfg.Orchestrator()
	factory := providers.Factory(providers.Options{
		PollInterval: cfg.Captcha.PollInterval,
		BaseURLs:     cfg.CaptchaBaseURLs(),
	})
	return captcha.NewResolver(orch.Captcha, factory, logger, captcha.WithObserver(metrics.CaptchaObserver{}))
}

// NewContent returns the content generator, or nil when no AI key is configured.
func NewContent(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*content.Generator, error) {
	if cfg.AI.APIKey == "" {
		logger.Warn("No AI API key configured, content generation disabled")
		return nil, nil
	}
	var text content.TextGenerator
	switch cfg.AI.Provider {
	case "gemini":
		client, err := gemini.New(ctx, cfg.AI.APIKey, cfg.AI.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini client init failed: %w", err)
		}
		text = client
	default:
		text = openai.New(openai.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		})
	}
	logger.Info("content generation enabled", zap.String("provider", cfg.AI.Provider), zap.String("model", cfg.AI.Model))
	return content.NewGenerator(text, logger.Named("content")), nil
}

func setupDispatcher(ctx context.Context, app *App) (*dispatcher.Dispatcher, error) {
	cfg := app.cfg
	b, err := NewBrowser(cfg)
	if err != nil {
		app.logger.Warn("browser adapters unavailable", zap.Error(err))
	} else {
		app.browser = b
		app.logger.Info("using headless browser", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	registryLogger := app.logger.Named("publisher")
	pubs := publisher.NewRegistry(app.catalog, Builders(cfg, PublisherDeps{
		Browser: app.browser,
		Solver:  NewSolver(cfg, app.logger.Named("captcha")),
		Logger:  registryLogger,
	}, true), memorypublisher.New(""))

	gen, err := NewContent(ctx, cfg, app.logger)
	if err != nil {
		return nil, err
	}
	var source worker.ContentSource
	if gen != nil {
		source = gen
	}

	var limiter worker.Limiter
	if cfg.RateLimit.Enabled {
		per := make(map[string]ratelimit.Rate, len(cfg.RateLimit.PerAdapter))
		for slug, r := range cfg.RateLimit.PerAdapter {
			per[slug] = ratelimit.Rate{RPS: r.RPS, Burst: r.Burst}
		}
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			PerAdapter:   per,
			Observe:      metrics.ObserveRateLimitDelay,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	} else {
		app.logger.Info("rate limiter disabled")
	}

	workerCfg := worker.Config{
		NodeTimeout: cfg.Workers.NodeTimeout,
		AIProvider:  cfg.AI.Provider,
		AIAPIKey:    cfg.AI.APIKey,
		AuthorName:  cfg.Workers.AuthorName,
		AuthorEmail: cfg.Workers.AuthorEmail,
	}
	app.logger.Info("worker config",
		zap.Int("pool_size", cfg.Workers.PoolSize),
		zap.Duration("node_timeout", workerCfg.NodeTimeout),
		zap.String("ai_provider", workerCfg.AIProvider),
	)

	runners := make([]dispatcher.Runner, 0, cfg.Workers.PoolSize)
	for i := 0; i < cfg.Workers.PoolSize; i++ {
		runners = append(runners, worker.New(
			app.queue,
			app.coord,
			pubs,
			source,
			limiter,
			metrics.WorkerObserver{},
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, runners), nil
}
