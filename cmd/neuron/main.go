// Command neuron runs the organization boundary broker: a WebSocket
// handshake server, an Axon registration/heartbeat loop, and an
// administrative HTTP API, all sharing one relationship store and one
// audit log.
//
// Wiring style is grounded on the prior cmd/helm/main.go runServer:
// open storage, construct each subsystem in dependency order, start the
// long-running ones as goroutines, then block on a signal channel and
// shut everything down in response. Unlike the prior dispatcher
// (many subcommands — proxy, export, verify, replay, trust, ...), this
// binary does one thing, so main.go only parses the one -config flag
// spec §6 calls for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/careagent/neuron/internal/admission"
	"github.com/careagent/neuron/internal/api"
	"github.com/careagent/neuron/internal/auditlog"
	"github.com/careagent/neuron/internal/axon"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/handshake"
	"github.com/careagent/neuron/internal/relstore"
	"github.com/careagent/neuron/internal/termination"
	"github.com/careagent/neuron/internal/wsserver"
	pkgapi "github.com/careagent/neuron/pkg/api"
	"github.com/careagent/neuron/pkg/auth"
	"github.com/careagent/neuron/pkg/identity"
	"github.com/careagent/neuron/pkg/kms"
	"github.com/careagent/neuron/pkg/observability"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("neuron", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a dotenv-style config file (optional; environment always wins)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath != "" {
		// A file source is read but never required: every field also
		// has an environment override, and in the common container
		// deployment there is no file at all.
		if err := loadDotenvIntoEnviron(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "neuron: %v\n", err)
			return 1
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, cfg, logger); err != nil {
		logger.Error("neuron exited with error", "error", err)
		return 1
	}
	logger.Info("neuron: clean shutdown")
	return 0
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "neuron",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Organization.Type,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	rels, err := relstore.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open relationship store: %w", err)
	}
	defer func() { _ = rels.Close() }()

	auditLog, err := auditlog.Open(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	km, err := kms.NewLocalKMS(cfg.Storage.Path + ".keystore.json")
	if err != nil {
		return fmt.Errorf("open kms: %w", err)
	}

	axonStore, err := axon.Open(cfg.Storage.Path+".axon.db", km)
	if err != nil {
		return fmt.Errorf("open axon store: %w", err)
	}
	defer func() { _ = axonStore.Close() }()

	challenges := challenge.New()
	handshakeEngine := handshake.New(handshake.Config{
		AuthTimeout:     cfg.WebSocket.AuthTimeout(),
		MaxPayloadBytes: cfg.WebSocket.MaxPayloadBytes,
		OrganizationNPI: cfg.Organization.NPI,
		EndpointBaseURL: cfg.Axon.EndpointURL,
	}, challenges, rels, auditLog).WithObservability(obs)

	limiter := admission.New(cfg.WebSocket.MaxConcurrentHandshakes)

	wsSrv := wsserver.New(wsserver.Config{
		ListenAddr:   fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Path:         cfg.WebSocket.Path,
		QueueTimeout: cfg.WebSocket.QueueTimeout(),
	}, limiter, handshakeEngine, logger)

	axonEngine := axon.New(axon.Config{
		OrganizationNPI:   cfg.Organization.NPI,
		OrganizationName:  cfg.Organization.Name,
		OrganizationType:  cfg.Organization.Type,
		RegistryURL:       cfg.Axon.RegistryURL,
		NeuronEndpointURL: cfg.Axon.EndpointURL,
		HeartbeatInterval: cfg.Heartbeat.Interval(),
		BackoffCeiling:    cfg.Axon.BackoffCeiling(),
	}, axon.NewHTTPClient(cfg.Axon.RegistryURL), axonStore, logger, nil).WithObservability(obs)

	termHandler := termination.New(rels, auditLog)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		return fmt.Errorf("init operator keyset: %w", err)
	}
	jwtValidator := auth.NewJWTValidator(keySet)

	status := &liveStatus{wsSrv: wsSrv, axonEngine: axonEngine}
	apiHandler := api.New(rels, axonStore, termHandler, status, cfg.Audit.Path, domain.RegistrationState{
		OrganizationNPI:  cfg.Organization.NPI,
		OrganizationName: cfg.Organization.Name,
		OrganizationType: cfg.Organization.Type,
	})

	windowSeconds := float64(cfg.API.RateLimit.WindowMs) / 1000
	rps := int(float64(cfg.API.RateLimit.MaxRequests) / windowSeconds)
	if rps < 1 {
		rps = 1
	}
	rateLimiter := pkgapi.NewGlobalRateLimiter(rps, cfg.API.RateLimit.MaxRequests)
	adminHandler := auth.RequestIDMiddleware(
		auth.CORSMiddleware(cfg.API.CORS.AllowedOrigins)(
			rateLimiter.Middleware(
				auth.NewMiddleware(jwtValidator)(apiHandler.Router()),
			),
		),
	)
	adminSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1), Handler: adminHandler}

	errCh := make(chan error, 3)

	go func() {
		logger.Info("neuron: handshake server listening", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), "path", cfg.WebSocket.Path)
		if err := wsSrv.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("handshake server: %w", err)
		}
	}()

	go func() {
		if err := axonEngine.Run(ctx); err != nil {
			errCh <- fmt.Errorf("axon registration loop: %w", err)
		}
	}()

	go func() {
		logger.Info("neuron: admin api listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("neuron: subsystem failed, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("handshake server shutdown error", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown error", "error", err)
	}
	return nil
}

// liveStatus adapts wsserver.Server and axon.Engine to internal/api's
// StatusSource — neither subsystem depends on the other, so the status
// snapshot's two live fields are sourced from two otherwise-unrelated
// components here rather than forcing one to depend on the other.
type liveStatus struct {
	wsSrv      *wsserver.Server
	axonEngine *axon.Engine
}

func (s *liveStatus) ActiveSessions() int           { return s.wsSrv.ActiveSessions() }
func (s *liveStatus) AxonHealth() domain.AxonHealth { return s.axonEngine.Health() }

// loadDotenvIntoEnviron reads KEY=VALUE lines from path and applies
// them via os.Setenv, skipping blank lines and '#' comments. Only
// values not already set in the real environment are applied, so a
// real NEURON_* environment variable always wins over the file — the
// file is a convenience for local/dev runs, never the source of truth
// spec §6 assigns to the environment.
func loadDotenvIntoEnviron(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, strings.TrimSpace(val))
		}
	}
	return nil
}
