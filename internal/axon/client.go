// Package axon drives the organization's registration and heartbeat
// lifecycle against the Axon registry (C9): enroll once, register every
// configured provider, then maintain reachability with a
// fixed-interval heartbeat that backs off with full jitter on failure.
//
// Grounded on the prior pkg/util/resiliency/client.go
// (EnhancedClient: a retrying http.Client wrapper with a circuit
// breaker, seeding jitter from crypto/rand rather than a hash) and
// pkg/kernel/retry/backoff.go (the shift-based exponent-with-cap
// shape, here built for a multiplicative full-jitter backoff formula
// instead of that package's deterministic additive jitter — heartbeat
// scheduling has no replay requirement, so there is nothing to gain
// from determinism). httpClient keeps EnhancedClient's CircuitBreaker
// but not its retry loop, which axon.go's heartbeat scheduling already
// subsumes.
package axon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/careagent/neuron/pkg/util/resiliency"
)

// ErrRegistryUnreachable is returned when the circuit breaker guarding
// the registry connection is open — the caller (the heartbeat loop)
// treats this the same as any other heartbeat failure.
var ErrRegistryUnreachable = errors.New("axon: registry circuit breaker open")

// ErrRegistrationLost is returned by Client.Heartbeat when Axon no
// longer recognizes the registration (HTTP 404) — the engine treats
// this as a trigger to re-enroll, not a fatal error.
var ErrRegistrationLost = errors.New("axon: registration not found")

// EnrollRequest is the body of the organization enrollment call.
type EnrollRequest struct {
	OrganizationNPI   string `json:"organization_npi"`
	OrganizationName  string `json:"organization_name"`
	OrganizationType  string `json:"organization_type"`
	NeuronEndpointURL string `json:"neuron_endpoint_url"`
}

// EnrollResponse is what Axon hands back on successful enrollment.
type EnrollResponse struct {
	RegistrationID string `json:"registration_id"`
	BearerToken    string `json:"bearer_token"`
}

// HeartbeatRequest is the body of each heartbeat/endpoint-update call.
type HeartbeatRequest struct {
	EndpointURL string `json:"endpoint_url"`
}

// Client is the Axon registry's wire surface. Production code uses
// httpClient; tests substitute a fake to exercise the engine's retry
// and re-registration behavior without a network.
type Client interface {
	Enroll(ctx context.Context, req EnrollRequest) (EnrollResponse, error)
	RegisterProvider(ctx context.Context, registrationID, bearerToken, providerNPI string) (axonProviderID string, err error)
	Heartbeat(ctx context.Context, registrationID, bearerToken string, req HeartbeatRequest) error
}

// httpClient is the production Client, a thin JSON-over-HTTP wrapper.
// Unlike the prior EnhancedClient, it carries no retry loop of its
// own — the heartbeat loop in axon.go already owns backoff and attempt
// counting, so a second retry layer underneath it would just
// double-count failures. It does keep EnhancedClient's circuit
// breaker: a different concern from retry scheduling, since it governs
// whether a single already-scheduled attempt is even worth dialing out
// for, independent of how the caller paces its own retries.
type httpClient struct {
	http        *http.Client
	registryURL string
	breaker     *resiliency.CircuitBreaker
}

// NewHTTPClient builds a Client against the given Axon registry base URL.
func NewHTTPClient(registryURL string) Client {
	return &httpClient{
		http:        &http.Client{Timeout: 10 * time.Second},
		registryURL: registryURL,
		breaker:     resiliency.NewCircuitBreaker("axon-registry", 5, 30*time.Second),
	}
}

func (c *httpClient) Enroll(ctx context.Context, req EnrollRequest) (EnrollResponse, error) {
	var resp EnrollResponse
	err := c.do(ctx, http.MethodPost, "/v1/organizations", "", req, &resp)
	return resp, err
}

func (c *httpClient) RegisterProvider(ctx context.Context, registrationID, bearerToken, providerNPI string) (string, error) {
	var resp struct {
		AxonProviderID string `json:"axon_provider_id"`
	}
	path := fmt.Sprintf("/v1/organizations/%s/providers", registrationID)
	err := c.do(ctx, http.MethodPost, path, bearerToken, map[string]string{"provider_npi": providerNPI}, &resp)
	return resp.AxonProviderID, err
}

func (c *httpClient) Heartbeat(ctx context.Context, registrationID, bearerToken string, req HeartbeatRequest) error {
	path := fmt.Sprintf("/v1/organizations/%s/heartbeat", registrationID)
	return c.do(ctx, http.MethodPost, path, bearerToken, req, nil)
}

func (c *httpClient) do(ctx context.Context, method, path, bearerToken string, body, out interface{}) error {
	if !c.breaker.Allow() {
		return ErrRegistryUnreachable
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("axon: encode request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.registryURL+path, &buf)
	if err != nil {
		return fmt.Errorf("axon: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	if bearerToken != "" {
		httpReq.Header.Set("authorization", "Bearer "+bearerToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.Failure()
		return fmt.Errorf("axon: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.breaker.Success()
		return ErrRegistrationLost
	}
	if resp.StatusCode >= 300 {
		c.breaker.Failure()
		return fmt.Errorf("axon: unexpected status %d", resp.StatusCode)
	}

	c.breaker.Success()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("axon: decode response: %w", err)
		}
	}
	return nil
}
