// Package app wires the feedsync components together and manages the
// process lifecycle.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/zeebo/errs"

	httpapi "github.com/feedsync/feedsync/internal/api/http"
	"github.com/feedsync/feedsync/internal/archive"
	"github.com/feedsync/feedsync/internal/catalog"
	"github.com/feedsync/feedsync/internal/config"
	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/document"
	"github.com/feedsync/feedsync/internal/engine"
	"github.com/feedsync/feedsync/internal/events"
	"github.com/feedsync/feedsync/internal/manifest"
	"github.com/feedsync/feedsync/internal/observability"
	"github.com/feedsync/feedsync/internal/scheduler"
	"github.com/feedsync/feedsync/internal/server"
	"github.com/feedsync/feedsync/internal/storage"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/internal/syncer"
)

const maintenanceInterval = time.Hour

// App owns every long-lived resource of a feedsync process.
type App struct {
	cfg *config.Config

	storage  storage.ObjectStorage
	archive  *archive.Archive
	manifest *manifest.Catalog
	db       *sql.DB
	stats    *observability.SyncStats
	service  *syncer.Service
	shutdown *server.ShutdownManager

	daemon     *scheduler.Daemon
	httpServer *server.GracefulHTTPServer

	mu      sync.Mutex
	opened  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and prepares directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Service returns the sync service. Open must have been called.
func (a *App) Service() *syncer.Service {
	return a.service
}

// Open initializes shared resources: object storage, the manifest, the
// target database and the sync service. Every resource is registered for
// closing on shutdown.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}
	if err := a.initSharedResources(ctx); err != nil {
		a.shutdown.Shutdown(ctx, "initialization failed")
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	a.opened = true
	return nil
}

func (a *App) s3Config() storage.S3Config {
	s3Cfg := storage.DefaultS3Config()
	if a.cfg.Storage.S3.Region != "" {
		s3Cfg.Region = a.cfg.Storage.S3.Region
	}
	s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
	s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
	return s3Cfg
}

// openBucket opens object storage for s3:// feed sources.
func (a *App) openBucket(ctx context.Context, bucket string) (storage.ObjectStorage, error) {
	return storage.NewS3Storage(ctx, bucket, a.s3Config())
}

func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	if a.cfg.Archive.Enabled {
		switch a.cfg.Storage.Type {
		case "local":
			a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
		case "s3":
			a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, a.s3Config())
		default:
			return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
		}
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.archive = archive.New(a.storage, a.cfg.Archive.Prefix)
		log.Printf("app: snapshot archive enabled: storage=%s prefix=%s", a.cfg.Storage.Type, a.cfg.Archive.Prefix)
	}

	a.manifest, err = manifest.NewCatalog(a.cfg.ManifestPath())
	if err != nil {
		return fmt.Errorf("failed to initialize manifest: %w", err)
	}
	a.shutdown.RegisterCloser("manifest", a.manifest)
	log.Printf("app: manifest initialized: %s", a.cfg.ManifestPath())

	d, err := dialect.ForName(a.cfg.Database.Driver)
	if err != nil {
		return err
	}
	a.db, err = store.OpenContext(ctx, d, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open %s target: %w", d.Name(), err)
	}
	// Registered after the manifest so it closes first.
	a.shutdown.RegisterCloser("target database", a.db)
	reader, err := catalog.NewReader(d)
	if err != nil {
		return err
	}
	log.Printf("app: %s target opened", d.Name())

	var src document.Source
	if a.cfg.Source.URL != "" {
		src, err = document.NewSource(ctx, a.cfg.Source.URL, document.HTTPOptions{
			Timeout:     a.cfg.Source.Timeout,
			UserAgent:   a.cfg.Source.UserAgent,
			InsecureTLS: a.cfg.Source.InsecureTLS,
		}, a.openBucket)
		if err != nil {
			return fmt.Errorf("failed to configure source: %w", err)
		}
	}

	mode, _ := engine.ParseMode(a.cfg.Sync.Mode)
	policy, _ := engine.ParseBatchPolicy(a.cfg.Sync.BatchPolicy)

	a.stats = observability.NewSyncStats(24 * time.Hour)
	a.service = syncer.New(syncer.Deps{
		Engine:   engine.New(a.db, d, reader, nil),
		Source:   src,
		Archive:  a.archive,
		Manifest: a.manifest,
		Stats:    a.stats,
		Events:   events.NewBus(64),
	}, syncer.Options{
		Mode:          mode,
		Policy:        policy,
		Tables:        a.cfg.Sync.Tables,
		SkipUnchanged: a.cfg.Sync.SkipUnchanged,
		Root:          a.cfg.Source.Root,
	})
	return nil
}

// RunPass runs one pass with the configured defaults, tracked as in-flight
// work so shutdown waits for it.
func (a *App) RunPass(ctx context.Context, req syncer.Request) (*syncer.Report, error) {
	done, err := a.shutdown.Track("pass")
	if err != nil {
		return nil, err
	}
	defer done()
	return a.service.Sync(ctx, req)
}

func (a *App) scheduledPass(ctx context.Context, trigger scheduler.Trigger) error {
	_, err := a.RunPass(ctx, a.service.Request(string(trigger)))
	return err
}

// Start opens resources and starts the scheduler, the HTTP API and the
// maintenance loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}
	a.running = true

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.shutdown.OnShutdownStart(cancel)

	if err := a.startScheduler(ctx); err != nil {
		a.shutdown.Shutdown(ctx, "scheduler failed to start")
		return err
	}
	if a.cfg.HTTP.Addr != "" {
		a.startHTTP()
	}

	a.wg.Add(1)
	go a.maintenance(ctx)

	log.Printf("app: feedsync started in %s mode (source=%s)", a.cfg.Mode, a.cfg.Source.URL)
	return nil
}

func (a *App) startScheduler(ctx context.Context) error {
	if a.cfg.Scheduler.Interval == 0 && !a.cfg.Scheduler.Watch && !a.cfg.Scheduler.RunOnStart {
		return nil
	}
	cfg := scheduler.DefaultConfig()
	cfg.Interval = a.cfg.Scheduler.Interval
	cfg.WatchPath = a.cfg.WatchPath()
	cfg.Debounce = a.cfg.Scheduler.Debounce
	cfg.RunOnStart = a.cfg.Scheduler.RunOnStart

	a.daemon = scheduler.NewDaemon(cfg, a.scheduledPass)
	if err := a.daemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.shutdown.OnShutdownStart(func() {
		if err := a.daemon.Stop(); err != nil {
			log.Printf("app: [WARN] stop scheduler: %v", err)
		}
	})
	return nil
}

func (a *App) startHTTP() {
	var trigger func() bool
	if a.daemon != nil {
		trigger = a.daemon.Trigger
	}
	handler := httpapi.NewRouter(a.service, httpapi.RouterOptions{
		Trigger:    trigger,
		Middleware: []func(http.Handler) http.Handler{server.ShutdownMiddleware(a.shutdown)},
		Done:       a.shutdown.ShutdownCh(),
	})

	a.httpServer = server.NewGracefulHTTPServer(&http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil {
			log.Printf("app: HTTP server error: %v", err)
			a.shutdown.Shutdown(context.Background(), "HTTP server failed")
		}
	}()
}

// maintenance prunes expired run log entries, unreferenced snapshots and
// stale stats.
func (a *App) maintenance(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		if err := a.Prune(ctx); err != nil && ctx.Err() == nil {
			log.Printf("app: [WARN] maintenance: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune applies the retention settings once. Snapshots still referenced by
// the run log are kept, so the run log is pruned first.
func (a *App) Prune(ctx context.Context) error {
	var group errs.Group
	if a.cfg.Manifest.Retention > 0 {
		_, err := a.manifest.DeleteRunsBefore(ctx, a.cfg.Manifest.Retention)
		group.Add(err)
	}
	if a.archive != nil && a.cfg.Archive.Retention > 0 {
		keep, err := a.manifest.Fingerprints(ctx)
		if err != nil {
			group.Add(err)
		} else {
			_, err = a.archive.Prune(ctx, a.cfg.Archive.Retention, keep)
			group.Add(err)
		}
	}
	a.stats.Prune()
	return group.Err()
}

// Stop shuts the app down and waits for background goroutines.
func (a *App) Stop(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	return err
}

// Close releases resources of an app that was only opened.
func (a *App) Close() error {
	return a.Stop(context.Background())
}

// WaitForShutdown blocks until a signal arrives or ctx is done, then stops.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.wg.Wait()
	return err
}
