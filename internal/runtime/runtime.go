package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/api"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/relay"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	handler       http.Handler
	telemetryStop func(context.Context) error
	pipeline      *Pipeline
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	relay         *relay.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires all components, serves HTTP and blocks until ctx is cancelled.
// Shutdown waits for running jobs to finish.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.build(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.teardown(context.Background())
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pipeline.PruneEvery(ctx, time.Hour, r.logger)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	stop, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = stop

	r.pipeline, err = NewPipeline(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	api.New(r.cfg, r.pipeline.Runner, r.pipeline.Voices, r.pipeline.Events, r.logger).Register(mux)
	r.handler = mux
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.relay = relay.NewService(ctx, r.cfg.Synthesis, r.bus, r.pipeline.Runner, r.pipeline.Voices, r.logger)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	r.pipeline.Runner.Observe(r.relay)
	return nil
}

// teardown releases whatever build managed to create, in reverse order.
func (r *Runtime) teardown(ctx context.Context) {
	if r.relay != nil {
		r.relay.Close()
	}
	if r.pipeline != nil {
		if err := r.pipeline.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.telemetryStop != nil {
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
