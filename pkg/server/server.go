// Package server provides the public entry point for initializing the
// Loopwire control plane server.
//
// This package exists in pkg/ (not internal/) so that deployment
// wrappers can import it and compose the relay with their own
// middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/loopwire/loopwire/internal/api"
	"github.com/loopwire/loopwire/internal/api/handlers"
	"github.com/loopwire/loopwire/internal/chat"
	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/internal/execplane"
	"github.com/loopwire/loopwire/internal/metrics"
	"github.com/loopwire/loopwire/internal/runtime"
	"github.com/loopwire/loopwire/internal/sessions"
	"github.com/loopwire/loopwire/internal/stream"
	"github.com/loopwire/loopwire/internal/telemetry"
)

// Server holds the initialized Loopwire control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It detaches
	// live streams, closes execution plane channels, and flushes
	// telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all relay components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var store sessions.Store
	var closeStore func()
	if cfg.Database.URL != "" {
		pg, err := sessions.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
		store = pg
		closeStore = pg.Close
	} else {
		store = sessions.NewMemoryStore()
		closeStore = func() {}
		log.Info().Msg("in-memory session store initialized")
	}

	buffer := stream.NewBuffer(cfg.Relay.BufferCapacity)
	registry := stream.NewRegistry(cfg.Relay, buffer, m)
	bridge := stream.NewBridge(m)

	// Events from the execution plane fan into the bridge, which routes
	// them to whichever stream currently serves the session.
	channels := execplane.NewChannels(cfg.ExecPlane, func(sessionID, kind string, payload json.RawMessage) {
		bridge.Deliver(sessionID, kind, payload)
	})

	// Detaching a stream releases the session's delivery target.
	registry.OnDetach(bridge.Unregister)

	gate := runtime.NewGate(execplane.NewHTTPProvisioner(cfg.ExecPlane))
	monitor := runtime.NewMonitor(cfg.Monitor, m)
	embedded := execplane.NewEmbeddedRunner(cfg.Fallback)

	svc := chat.NewService(*cfg, store, registry, bridge, gate, monitor, channels, embedded, m)

	h := handlers.New(svc, store, buffer, registry, bridge, monitor)
	router := api.NewRouter(cfg, h, reg)

	log.Info().
		Int("buffer_capacity", cfg.Relay.BufferCapacity).
		Int("max_per_user", cfg.Relay.MaxConnectionsPerUser).
		Int("max_per_org", cfg.Relay.MaxConnectionsPerOrg).
		Msg("relay initialized")

	shutdown := func(ctx context.Context) error {
		registry.Shutdown()
		channels.Shutdown()
		closeStore()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
