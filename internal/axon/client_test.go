package axon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/careagent/neuron/internal/axon"
)

func TestHTTPClient_Enroll_ReturnsRegistrationAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/organizations" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req axon.EnrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.OrganizationNPI != "1234567893" {
			t.Errorf("expected organization_npi forwarded, got %s", req.OrganizationNPI)
		}
		_ = json.NewEncoder(w).Encode(axon.EnrollResponse{RegistrationID: "reg-001", BearerToken: "token-001"})
	}))
	defer srv.Close()

	client := axon.NewHTTPClient(srv.URL)
	resp, err := client.Enroll(context.Background(), axon.EnrollRequest{OrganizationNPI: "1234567893"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if resp.RegistrationID != "reg-001" || resp.BearerToken != "token-001" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHTTPClient_Heartbeat_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := axon.NewHTTPClient(srv.URL)
	if err := client.Heartbeat(context.Background(), "reg-001", "secret-token", axon.HeartbeatRequest{EndpointURL: "wss://x"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
}

func TestHTTPClient_Heartbeat_404MapsToRegistrationLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := axon.NewHTTPClient(srv.URL)
	err := client.Heartbeat(context.Background(), "reg-001", "token", axon.HeartbeatRequest{})
	if !errors.Is(err, axon.ErrRegistrationLost) {
		t.Errorf("expected ErrRegistrationLost, got %v", err)
	}
}

func TestHTTPClient_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := axon.NewHTTPClient(srv.URL)
	for i := 0; i < 5; i++ {
		if err := client.Heartbeat(context.Background(), "reg-001", "token", axon.HeartbeatRequest{}); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	hitsBeforeOpen := hits
	err := client.Heartbeat(context.Background(), "reg-001", "token", axon.HeartbeatRequest{})
	if !errors.Is(err, axon.ErrRegistryUnreachable) {
		t.Fatalf("expected breaker to open after threshold failures, got %v", err)
	}
	if hits != hitsBeforeOpen {
		t.Errorf("expected breaker-open call to skip the network entirely, got %d new hits", hits-hitsBeforeOpen)
	}
}

func TestHTTPClient_RegisterProvider_ReturnsAxonProviderID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/organizations/reg-001/providers" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"axon_provider_id": "axon-provider-9"})
	}))
	defer srv.Close()

	client := axon.NewHTTPClient(srv.URL)
	id, err := client.RegisterProvider(context.Background(), "reg-001", "token", "1234567893")
	if err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if id != "axon-provider-9" {
		t.Errorf("expected axon-provider-9, got %s", id)
	}
}
