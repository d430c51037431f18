package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/docstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/speech"
	"github.com/loqalabs/loqa-dictate/internal/submit"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      docstore.Writer
	storeClose func() error
	provider   speech.Provider
	controller *session.Controller
	submitter  *submit.Submitter
	control    *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer func() {
		cancel()
		r.shutdown()
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}
	if err := r.openStore(ctx); err != nil {
		return err
	}
	if err := r.startSession(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		r.startMetricsServer(metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) openStore(ctx context.Context) error {
	cfg := r.cfg.Persistence
	switch cfg.Backend {
	case "jetstream":
		r.store = docstore.NewKVStore(r.bus.JetStream(), cfg.BucketPrefix)
	case "redis":
		store, err := docstore.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to open redis document store: %w", err)
		}
		r.store = store
		r.storeClose = store.Close
	default:
		store, err := docstore.OpenSQLite(ctx, cfg, r.logger.With(slog.String("component", "docstore")))
		if err != nil {
			return fmt.Errorf("failed to open document store: %w", err)
		}
		r.store = store
		r.storeClose = store.Close
		if cfg.RetentionMode != "ephemeral" && (cfg.RetentionDays > 0 || cfg.MaxDocuments > 0) {
			r.wg.Add(1)
			go r.pruneLoop(ctx, store)
		}
	}
	r.logger.Info("document store ready", slog.String("backend", cfg.Backend), slog.String("collection", cfg.Collection))
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context, store *docstore.SQLiteStore) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("document store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) newProvider(ctx context.Context) (speech.Provider, error) {
	cfg := r.cfg.Speech
	if cfg.Mode != "bus" {
		return speech.NewMockProvider("", 500*time.Millisecond), nil
	}
	var recognizer speech.Recognizer
	switch cfg.Recognizer {
	case "exec":
		rec, err := speech.NewExecRecognizer(cfg)
		if err != nil {
			return nil, err
		}
		recognizer = rec
	default:
		recognizer = speech.NewMockRecognizer()
	}
	return speech.NewBusProvider(ctx, cfg, r.bus, recognizer, r.logger), nil
}

func (r *Runtime) startSession(ctx context.Context) error {
	provider, err := r.newProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to create speech provider: %w", err)
	}
	r.provider = provider

	controller, err := r.mountSession(provider)
	if err != nil {
		return err
	}
	r.controller = controller

	notifier, err := notify.New(r.cfg.Notify, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	r.submitter = submit.New(r.store, notifier, submit.Config{
		Collection:     r.cfg.Persistence.Collection,
		IDStrategy:     r.cfg.Persistence.IDStrategy,
		WriteTimeout:   time.Duration(r.cfg.Persistence.WriteTimeoutMS) * time.Millisecond,
		NotifyDuration: time.Duration(r.cfg.Notify.DurationMS) * time.Millisecond,
	}, r.logger)

	r.control = control.NewService(ctx, r.cfg.Control, r.bus, controller, r.submitter, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}
	return nil
}

// mountSession attaches the session controller; it tags its own logger.
func (r *Runtime) mountSession(provider speech.Provider) (*session.Controller, error) {
	controller, err := session.Mount(provider, session.Config{
		Locale:      r.cfg.Speech.Locale,
		ClearOnStop: r.cfg.Speech.ClearOnStop,
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to mount session controller: %w", err)
	}
	return controller, nil
}

func (r *Runtime) startMetricsServer(handler http.Handler) {
	bind := r.cfg.Telemetry.PrometheusBind
	if bind == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// shutdown releases components in reverse start order. Pending submissions
// are allowed to finish before the store and bus go away.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.controller != nil {
		if err := r.controller.Stop(shutdownCtx); err != nil && !errors.Is(err, session.ErrTornDown) {
			r.logger.Warn("failed to stop recognition on shutdown", slog.String("error", err.Error()))
		}
		r.controller.Teardown()
	}
	if closer, ok := r.provider.(interface{ Close() }); ok {
		closer.Close()
	}
	if r.submitter != nil {
		r.submitter.Wait()
	}
	if r.storeClose != nil {
		if err := r.storeClose(); err != nil {
			r.logger.Error("document store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.control.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
