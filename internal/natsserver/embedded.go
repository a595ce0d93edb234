package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// EmbeddedServer runs NATS in-process so a single narratord needs no broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when the bus is not embedded. A port of -1 picks a free one.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log = log.With(slog.String("component", "nats-server"))
	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
