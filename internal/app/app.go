// Package app wires configuration into the feature store's runtime
// components: registry, compute engine, offline and online stores,
// materializer, retrieval readers, and the HTTP serving layer.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/kestrel-ml/kestrel/internal/api/http"
	"github.com/kestrel-ml/kestrel/internal/compute"
	"github.com/kestrel-ml/kestrel/internal/config"
	"github.com/kestrel-ml/kestrel/internal/materialize"
	"github.com/kestrel-ml/kestrel/internal/offline"
	"github.com/kestrel-ml/kestrel/internal/online"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/internal/retrieval"
	"github.com/kestrel-ml/kestrel/internal/server"
	"github.com/kestrel-ml/kestrel/internal/storage"
)

// App holds the wired components for a single process. Batch modes use the
// component accessors directly; serve mode additionally runs the HTTP server.
type App struct {
	cfg      *config.Config
	shutdown *server.ShutdownManager

	registry     *registry.Registry
	objStorage   storage.ObjectStorage
	catalog      *offline.SQLiteCatalog
	offlineStore *offline.Store
	onlineStore  online.Store
	watermarks   materialize.WatermarkStore
	engine       *compute.Engine
	materializer *materialize.Materializer
	historical   *retrieval.HistoricalReader
	onlineReader *retrieval.OnlineReader

	httpServer *http.Server
	errCh      chan error
	wg         sync.WaitGroup
}

// New resolves and validates the configuration, then initializes every
// component the configured mode needs.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}

	a := &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
		errCh:    make(chan error, 1),
	}

	if err := a.initComponents(); err != nil {
		a.closeAll()
		return nil, err
	}

	return a, nil
}

func (a *App) initComponents() error {
	var err error

	if a.cfg.RegistryPath != "" {
		a.registry, err = registry.Load(a.cfg.RegistryPath)
		if err != nil {
			return fmt.Errorf("loading feature registry: %w", err)
		}
		log.Printf("app: loaded registry from %s (%d views)", a.cfg.RegistryPath, len(a.registry.Views()))
	} else {
		a.registry = registry.Default()
		log.Printf("app: using built-in default registry")
	}

	a.objStorage, err = a.initObjectStorage()
	if err != nil {
		return err
	}

	a.catalog, err = offline.NewCatalog(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("opening segment catalog: %w", err)
	}
	a.shutdown.RegisterCloser(a.catalog)

	a.offlineStore = offline.NewStore(
		a.cfg.Offline.SegmentDir,
		a.catalog,
		a.objStorage,
		a.cfg.Offline.BloomFalsePositiveRate,
	)

	a.watermarks, err = materialize.NewWatermarkStore(a.cfg.WatermarkPath())
	if err != nil {
		return fmt.Errorf("opening watermark store: %w", err)
	}
	a.shutdown.RegisterCloser(a.watermarks)

	a.onlineStore, err = a.initOnlineStore()
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser(a.onlineStore)

	a.engine = compute.NewEngine(a.cfg.Compute.Concurrency, a.cfg.Compute.Precision)
	a.materializer = materialize.New(a.offlineStore, a.onlineStore, a.watermarks)
	a.historical = retrieval.NewHistoricalReader(a.offlineStore)
	a.onlineReader = retrieval.NewOnlineReader(a.onlineStore)

	return nil
}

func (a *App) initObjectStorage() (storage.ObjectStorage, error) {
	switch a.cfg.Storage.Type {
	case "none", "":
		return nil, nil

	case "local":
		store, err := storage.NewLocalStorage(a.cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing local object storage: %w", err)
		}
		log.Printf("app: object storage backend=local path=%s", a.cfg.Storage.Path)
		return store, nil

	case "s3":
		s3cfg := storage.S3Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.Endpoint != "",
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing s3 object storage: %w", err)
		}
		log.Printf("app: object storage backend=s3 bucket=%s region=%s", a.cfg.Storage.S3.Bucket, a.cfg.Storage.S3.Region)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", a.cfg.Storage.Type)
	}
}

func (a *App) initOnlineStore() (online.Store, error) {
	switch a.cfg.Online.Backend {
	case "memory":
		log.Printf("app: online store backend=memory")
		return online.NewMemoryStore(), nil

	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Online.DialTimeout)
		defer cancel()
		store, err := online.NewRedisStore(ctx, a.cfg.Online)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		log.Printf("app: online store backend=redis addr=%s namespace=%s", a.cfg.Online.RedisAddr, a.cfg.Online.Namespace)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown online backend: %s", a.cfg.Online.Backend)
	}
}

// Start launches the HTTP server when the app is in serve mode. Batch modes
// have nothing to start; their drivers call the component accessors.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Mode != config.ModeServe {
		return nil
	}

	mux := http.NewServeMux()
	handler := httpapi.NewFeaturesHandler(a.registry, a.historical, a.onlineReader, a.materializer)
	handler.Register(mux)

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      server.ShutdownMiddleware(a.shutdown)(mux),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("app: http server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case a.errCh <- err:
			default:
			}
		}
	}()

	return nil
}

// WaitForShutdown blocks until a termination signal arrives, the context is
// cancelled, or the HTTP server fails, then runs graceful shutdown.
func (a *App) WaitForShutdown(ctx context.Context) error {
	signalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.shutdown.ListenForSignals(signalCtx)
	}()

	select {
	case err := <-a.errCh:
		log.Printf("app: http server error: %v", err)
		cancel()
		<-done
		return err
	case err := <-done:
		a.wg.Wait()
		return err
	}
}

// Stop initiates graceful shutdown: the HTTP server drains, then components
// close in reverse initialization order.
func (a *App) Stop(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	return err
}

func (a *App) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.shutdown.Shutdown(ctx, "initialization failed")
}

// Registry returns the loaded feature view registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Engine returns the windowed feature computation engine.
func (a *App) Engine() *compute.Engine { return a.engine }

// OfflineStore returns the segment-backed offline feature store.
func (a *App) OfflineStore() *offline.Store { return a.offlineStore }

// Materializer returns the offline-to-online materializer.
func (a *App) Materializer() *materialize.Materializer { return a.materializer }

// HistoricalReader returns the point-in-time historical reader.
func (a *App) HistoricalReader() *retrieval.HistoricalReader { return a.historical }

// OnlineReader returns the online serving reader.
func (a *App) OnlineReader() *retrieval.OnlineReader { return a.onlineReader }
