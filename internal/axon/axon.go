package axon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/pkg/observability"
)

// Config holds the Engine's tunables, drawn from the axon.* and
// heartbeat.* configuration blocks.
type Config struct {
	OrganizationNPI   string
	OrganizationName  string
	OrganizationType  string
	RegistryURL       string
	NeuronEndpointURL string
	Providers         []string

	HeartbeatInterval time.Duration // base interval, spec default 60s
	BackoffCeiling    time.Duration
}

// Engine owns the registration lifecycle and the heartbeat loop. One
// Engine per process; Run blocks until ctx is canceled.
type Engine struct {
	cfg    Config
	client Client
	store  *Store
	logger *slog.Logger

	mu             sync.RWMutex
	health         domain.AxonHealth
	registrationID string
	bearerToken    string
	onStatusChange func(domain.AxonHealth)
	obs            *observability.Provider
}

// WithObservability attaches a Provider so every heartbeat attempt
// records a span and RED metrics under the "axon.heartbeat" operation
// name. Leaving this unset (the default) means heartbeats run
// uninstrumented — tests construct engines with New alone.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// New builds an Engine. onStatusChange, if non-nil, fires whenever the
// observed reachability status transitions (healthy <-> degraded).
func New(cfg Config, client Client, store *Store, logger *slog.Logger, onStatusChange func(domain.AxonHealth)) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:            cfg,
		client:         client,
		store:          store,
		logger:         logger.With("component", "axon"),
		health:         domain.AxonHealthy,
		onStatusChange: onStatusChange,
	}
}

// Health reports the current observed Axon reachability.
func (e *Engine) Health() domain.AxonHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

// Run executes the lifecycle: load persisted state, enroll if
// unregistered, register every configured provider not yet registered,
// then run the heartbeat loop until ctx is done. Cancellation during a
// scheduled sleep returns within that sleep's select, never waiting out
// the remainder of the backoff.
func (e *Engine) Run(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("axon: load registration state: %w", err)
	}

	if state.RegistrationID == "" {
		if err := e.enroll(ctx, state); err != nil {
			return fmt.Errorf("axon: enrollment failed: %w", err)
		}
	}

	e.mu.Lock()
	e.registrationID = state.RegistrationID
	e.bearerToken = state.BearerToken
	e.mu.Unlock()

	e.registerProviders(ctx, state)

	return e.heartbeatLoop(ctx)
}

func (e *Engine) enroll(ctx context.Context, state *domain.RegistrationState) error {
	resp, err := e.client.Enroll(ctx, EnrollRequest{
		OrganizationNPI:   e.cfg.OrganizationNPI,
		OrganizationName:  e.cfg.OrganizationName,
		OrganizationType:  e.cfg.OrganizationType,
		NeuronEndpointURL: e.cfg.NeuronEndpointURL,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	state.OrganizationNPI = e.cfg.OrganizationNPI
	state.OrganizationName = e.cfg.OrganizationName
	state.OrganizationType = e.cfg.OrganizationType
	state.AxonRegistryURL = e.cfg.RegistryURL
	state.EndpointURL = e.cfg.NeuronEndpointURL
	state.RegistrationID = resp.RegistrationID
	state.BearerToken = resp.BearerToken
	state.Status = domain.RegistrationRegistered
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	if err := e.store.Save(ctx, *state); err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}
	e.logger.Info("organization registered with axon", "registration_id", state.RegistrationID)
	return nil
}

// registerProviders enrolls every provider NPI that isn't yet
// registered with Axon. The candidate set is the union of cfg.Providers
// (a static seed list) and whatever the administrative API has since
// added to the store via Store.UpsertProvider — the latter is how a
// provider added after startup reaches Axon without a process restart,
// since Run calls this again on every successful heartbeat.
func (e *Engine) registerProviders(ctx context.Context, state *domain.RegistrationState) {
	pending := make(map[string]bool, len(e.cfg.Providers)+len(state.Providers))
	for _, npi := range e.cfg.Providers {
		pending[npi] = true
	}
	for _, p := range state.Providers {
		if !p.Registered {
			pending[p.ProviderNPI] = true
		}
	}
	for _, p := range state.Providers {
		if p.Registered {
			delete(pending, p.ProviderNPI)
		}
	}

	for npi := range pending {
		axonID, err := e.client.RegisterProvider(ctx, state.RegistrationID, state.BearerToken, npi)
		if err != nil {
			e.logger.Error("provider registration failed", "provider_npi", npi, "error", err)
			continue
		}
		pr := domain.ProviderRegistration{
			ProviderNPI:    npi,
			AxonProviderID: axonID,
			Registered:     true,
			RegisteredAt:   time.Now().UTC(),
		}
		if err := e.store.UpsertProvider(ctx, pr); err != nil {
			e.logger.Error("persist provider registration failed", "provider_npi", npi, "error", err)
			continue
		}
		e.logger.Info("provider registered with axon", "provider_npi", npi, "axon_provider_id", axonID)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) error {
	attempt := 0
	for {
		wait := e.cfg.HeartbeatInterval
		if attempt > 0 {
			wait = fullJitterBackoff(attempt, e.cfg.BackoffCeiling)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		regID, token := e.credentials()
		hbCtx := ctx
		var endOp func(error)
		if e.obs != nil {
			hbCtx, endOp = e.obs.TrackOperation(ctx, "axon.heartbeat")
		}
		err := e.client.Heartbeat(hbCtx, regID, token, HeartbeatRequest{EndpointURL: e.cfg.NeuronEndpointURL})
		if endOp != nil {
			endOp(err)
		}
		switch {
		case err == nil:
			attempt = 0
			e.setHealth(domain.AxonHealthy)
			observability.AddSpanEvent(hbCtx, "axon.heartbeat", observability.AxonOperation(regID, string(domain.AxonHealthy))...)
			e.registerPending(ctx)
			continue
		case errors.Is(err, ErrRegistrationLost):
			e.logger.Warn("axon registration lost, re-registering")
			if reErr := e.reregister(ctx); reErr != nil {
				e.logger.Error("re-registration failed", "error", reErr)
				attempt++
				e.setHealth(domain.AxonDegraded)
				continue
			}
			attempt = 0
			e.setHealth(domain.AxonHealthy)
			continue
		default:
			attempt++
			e.setHealth(domain.AxonDegraded)
			observability.AddSpanEvent(hbCtx, "axon.heartbeat", observability.AxonOperation(regID, string(domain.AxonDegraded))...)
			e.logger.Warn("heartbeat failed", "attempt", attempt, "error", err)
		}
	}
}

// registerPending reloads the persisted registration state and enrolls
// any provider the store has picked up since the last pass — this is
// what lets the administrative API's AddProvider take effect without
// restarting the process.
func (e *Engine) registerPending(ctx context.Context) {
	state, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Error("reload registration state for provider sync failed", "error", err)
		return
	}
	e.registerProviders(ctx, state)
}

func (e *Engine) reregister(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	state.RegistrationID = ""
	if err := e.enroll(ctx, state); err != nil {
		return err
	}
	e.mu.Lock()
	e.registrationID = state.RegistrationID
	e.bearerToken = state.BearerToken
	e.mu.Unlock()
	return nil
}

func (e *Engine) credentials() (registrationID, bearerToken string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registrationID, e.bearerToken
}

func (e *Engine) setHealth(h domain.AxonHealth) {
	e.mu.Lock()
	prev := e.health
	e.health = h
	cb := e.onStatusChange
	e.mu.Unlock()
	if cb != nil && prev != h {
		cb(h)
	}
}

// fullJitterBackoff computes min(ceiling, 2^attempt * 5000ms * rand[0,1)),
// an exponential-backoff-with-full-jitter formula. The 2^attempt
// term is computed by left shift, capped at a shift of 30 to avoid
// overflow on a long run of failures, mirroring the prior implementation's
// kernel/retry.ComputeBackoff exponent handling.
func fullJitterBackoff(attempt int, ceiling time.Duration) time.Duration {
	const base = 5000 * time.Millisecond

	exp := attempt
	if exp > 30 {
		exp = 30
	}
	factor := int64(1) << uint(exp)

	raw := time.Duration(float64(base) * float64(factor) * randomFraction())
	if ceiling > 0 && raw > ceiling {
		return ceiling
	}
	return raw
}

// randomFraction returns a uniform value in [0, 1), seeded from
// crypto/rand like the prior EnhancedClient jitter rather than a
// hash-seeded PRF — heartbeat scheduling has no replay requirement.
func randomFraction() float64 {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(precision)
}
