package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/observability"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/pipeline"
	"github.com/Iron-Ham/conductor/internal/state"
	"github.com/Iron-Ham/conductor/internal/storage"
	"github.com/Iron-Ham/conductor/internal/storage/filestore"
	"github.com/Iron-Ham/conductor/internal/storage/memstore"
	"github.com/Iron-Ham/conductor/internal/storage/miniostore"
	"github.com/Iron-Ham/conductor/internal/storage/pgstore"
)

// runtime holds everything a command needs to drive pipelines. Build it
// with newRuntime and release it with Close.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	kv      storage.KV
	blob    storage.Blob
	sink    metrics.Sink
	bus     *event.Bus
	states  *state.Manager
	pool    *pipeline.WorkerPool
	closers []func(context.Context) error
}

// newRuntime wires storage, the event bus, metrics and tracing from cfg.
// withBus starts the event bus; read-only commands leave it off.
func newRuntime(ctx context.Context, cfg *config.Config, withBus bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, sink: metrics.Nop{}}

	rt.logger = createLogger(cfg)
	rt.onClose(func(context.Context) error { return rt.logger.Close() })

	if err := rt.openStorage(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if err := rt.startMetrics(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	shutdown, err := observability.Init(ctx, observability.Config{
		Enabled:       cfg.Tracing.Enabled,
		ServiceName:   cfg.Tracing.ServiceName,
		CollectorAddr: cfg.Tracing.CollectorAddr,
		SampleRatio:   cfg.Tracing.SampleRatio,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	rt.onClose(shutdown)

	var publisher state.Publisher
	if withBus {
		rt.bus = event.NewBus(busConfig(cfg),
			event.WithLogger(rt.logger),
			event.WithMetrics(rt.sink))
		if err := rt.bus.Start(ctx); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to start event bus: %w", err)
		}
		rt.onClose(func(ctx context.Context) error {
			// Deliver what is queued before stopping
			_ = rt.bus.WaitIdle(ctx)
			rt.bus.Stop()
			return nil
		})
		publisher = rt.bus
	}

	stCfg, err := stateConfig(cfg)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	opts := []state.Option{
		state.WithKV(rt.kv),
		state.WithBlob(rt.blob),
		state.WithLogger(rt.logger),
		state.WithMetrics(rt.sink),
	}
	if publisher != nil {
		opts = append(opts, state.WithPublisher(publisher))
	}
	rt.states = state.NewManager(stCfg, opts...)
	rt.pool = pipeline.NewWorkerPool(cfg.Orchestrator.WorkerPoolSize)

	return rt, nil
}

// Orchestrator builds an orchestrator over the runtime's state manager and
// event bus.
func (rt *runtime) Orchestrator() *orchestrator.Orchestrator {
	var bus orchestrator.Publisher
	if rt.bus != nil {
		bus = rt.bus
	}
	return orchestrator.New(orchestratorConfig(rt.cfg), rt.states, bus,
		orchestrator.WithLogger(rt.logger),
		orchestrator.WithMetrics(rt.sink))
}

// Close releases resources in reverse order of acquisition. Errors are
// logged to stderr since there is nothing left to do about them.
func (rt *runtime) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
		}
	}
	rt.closers = nil
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

func (rt *runtime) openStorage(ctx context.Context) error {
	s := rt.cfg.Storage

	// memory and file backends serve both roles from one store
	var shared *memstore.Store
	memory := func() *memstore.Store {
		if shared == nil {
			shared = memstore.New()
		}
		return shared
	}
	var files *filestore.Store
	fileStore := func() (*filestore.Store, error) {
		if files != nil {
			return files, nil
		}
		var err error
		files, err = filestore.New(s.StorageDir())
		if err != nil {
			return nil, fmt.Errorf("failed to open state directory: %w", err)
		}
		return files, nil
	}

	switch s.Backend {
	case "memory":
		rt.kv = memory()
	case "file":
		fs, err := fileStore()
		if err != nil {
			return err
		}
		rt.kv = fs
	case "postgres":
		pg, err := pgstore.Connect(ctx, postgresConfig(s.Postgres))
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		rt.onClose(func(context.Context) error { return pg.Close() })
		rt.kv = pg
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}

	switch s.BlobBackend {
	case "memory":
		rt.blob = memory()
	case "file":
		fs, err := fileStore()
		if err != nil {
			return err
		}
		rt.blob = fs
	case "minio":
		mc, err := miniostore.Connect(ctx, minioConfig(s.MinIO))
		if err != nil {
			return fmt.Errorf("failed to connect to object store: %w", err)
		}
		rt.blob = mc
	default:
		return fmt.Errorf("unknown blob backend %q", s.BlobBackend)
	}

	rt.logger.Debug("storage opened", "backend", s.Backend, "blob_backend", s.BlobBackend)
	return nil
}

func (rt *runtime) startMetrics(ctx context.Context) error {
	if !rt.cfg.Metrics.Enabled {
		return nil
	}

	prom, err := metrics.InitPrometheus(true)
	if err != nil {
		return err
	}
	sink := prom.Sink()
	sink.OnError(func(err error) {
		rt.logger.Warn("metric export failed", "error", err)
	})

	buffered := metrics.NewBuffered(sink, rt.cfg.Metrics.FlushInterval)
	buffered.Start(ctx)
	rt.sink = buffered

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := prom.Serve(serveCtx, rt.cfg.Metrics.ListenAddr); err != nil {
			rt.logger.Error("metrics server stopped", "error", err)
		}
	}()
	rt.logger.Info("serving metrics", "addr", rt.cfg.Metrics.ListenAddr)

	rt.onClose(func(ctx context.Context) error {
		buffered.Stop()
		cancel()
		<-served
		return prom.Shutdown(ctx)
	})
	return nil
}

// createLogger builds the process logger. A broken log file falls back to
// stderr rather than preventing the command from running.
func createLogger(cfg *config.Config) *logging.Logger {
	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}
	logger, err := logging.NewFileLogger(cfg.Logging.File, cfg.Logging.Level, rotation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create logger: %v\n", err)
		return logging.New(os.Stderr, cfg.Logging.Level)
	}
	return logger
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	o := cfg.Orchestrator
	return orchestrator.Config{
		MaxRetryAttempts: o.MaxRetryAttempts,
		StageTimeout:     o.StageTimeout,
		BackoffBase:      o.BackoffBase,
		BackoffCap:       o.BackoffCap,
		CacheEnabled:     o.CacheEnabled,
		CacheTTL:         o.CacheTTL,
	}
}

func busConfig(cfg *config.Config) event.Config {
	b := cfg.EventBus
	return event.Config{
		QueueSize:      b.QueueSize,
		HistorySize:    b.HistorySize,
		DeadLetterSize: b.DeadLetterSize,
		MaxRetries:     b.MaxRetries,
	}
}

func stateConfig(cfg *config.Config) (state.Config, error) {
	s := cfg.State
	strategy, err := state.ParseStrategy(s.CheckpointStrategy)
	if err != nil {
		return state.Config{}, err
	}
	return state.Config{
		Strategy:       strategy,
		CriticalStages: s.CriticalStages,
		Interval:       s.CheckpointInterval,
		TTL:            s.CheckpointTTL,
		Encoding:       state.Encoding(s.CheckpointEncoding),
	}, nil
}

func postgresConfig(p config.PostgresConfig) pgstore.Config {
	c := pgstore.DefaultConfig(p.URL)
	if p.MaxOpenConns > 0 {
		c.MaxOpenConns = p.MaxOpenConns
	}
	if p.MaxIdleConns >= 0 {
		c.MaxIdleConns = p.MaxIdleConns
	}
	if p.ConnMaxLifetime > 0 {
		c.ConnMaxLifetime = p.ConnMaxLifetime
	}
	return c
}

func minioConfig(m config.MinIOConfig) miniostore.Config {
	return miniostore.Config{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Region:    m.Region,
		UseSSL:    m.UseSSL,
	}
}
