package axon_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/careagent/neuron/internal/axon"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/pkg/kms"
)

type fakeClient struct {
	mu sync.Mutex

	enrollCalls      int
	registerCalls    map[string]int
	heartbeatCalls   int
	heartbeatResults []error // consumed in order; last one repeats

	registrationID string
	bearerToken    string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		registerCalls:  make(map[string]int),
		registrationID: "reg-001",
		bearerToken:    "token-001",
	}
}

func (f *fakeClient) Enroll(ctx context.Context, req axon.EnrollRequest) (axon.EnrollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrollCalls++
	return axon.EnrollResponse{RegistrationID: f.registrationID, BearerToken: f.bearerToken}, nil
}

func (f *fakeClient) RegisterProvider(ctx context.Context, registrationID, bearerToken, providerNPI string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls[providerNPI]++
	return "axon-" + providerNPI, nil
}

func (f *fakeClient) Heartbeat(ctx context.Context, registrationID, bearerToken string, req axon.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.heartbeatCalls
	f.heartbeatCalls++
	if idx < len(f.heartbeatResults) {
		return f.heartbeatResults[idx]
	}
	if len(f.heartbeatResults) == 0 {
		return nil
	}
	return f.heartbeatResults[len(f.heartbeatResults)-1]
}

func (f *fakeClient) calls() (enroll, heartbeat int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrollCalls, f.heartbeatCalls
}

func newTestEngine(t *testing.T, client axon.Client, heartbeatInterval time.Duration) (*axon.Engine, *axon.Store) {
	t.Helper()
	km, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("open kms: %v", err)
	}
	store, err := axon.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), km)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := axon.Config{
		OrganizationNPI:   "1234567893",
		OrganizationName:  "Test Clinic",
		OrganizationType:  "clinic",
		RegistryURL:       "https://axon.example",
		NeuronEndpointURL: "wss://neuron.example/ws",
		Providers:         []string{"1234567893"},
		HeartbeatInterval: heartbeatInterval,
		BackoffCeiling:    time.Second,
	}
	return axon.New(cfg, client, store, nil, nil), store
}

func TestEngine_Run_EnrollsAndRegistersProvidersOnce(t *testing.T) {
	client := newFakeClient()
	engine, store := newTestEngine(t, client, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	enrollCalls, _ := client.calls()
	if enrollCalls != 1 {
		t.Errorf("expected exactly one enrollment call, got %d", enrollCalls)
	}
	if client.registerCalls["1234567893"] != 1 {
		t.Errorf("expected provider registered exactly once, got %d", client.registerCalls["1234567893"])
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Status != domain.RegistrationRegistered {
		t.Errorf("expected registered status persisted, got %s", state.Status)
	}
	if len(state.Providers) != 1 || !state.Providers[0].Registered {
		t.Errorf("expected provider registration persisted, got %+v", state.Providers)
	}
}

func TestEngine_Run_SkipsEnrollmentWhenAlreadyRegistered(t *testing.T) {
	client := newFakeClient()
	engine, store := newTestEngine(t, client, 20*time.Millisecond)

	seeded := domain.RegistrationState{
		OrganizationNPI: "1234567893", RegistrationID: "existing-reg", BearerToken: "existing-token",
		Status: domain.RegistrationRegistered, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.Save(context.Background(), seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	enrollCalls, _ := client.calls()
	if enrollCalls != 0 {
		t.Errorf("expected no enrollment call when already registered, got %d", enrollCalls)
	}
}

func TestEngine_Heartbeat_SuccessReportsHealthy(t *testing.T) {
	client := newFakeClient()
	engine, _ := newTestEngine(t, client, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	_ = engine.Run(ctx)

	if engine.Health() != domain.AxonHealthy {
		t.Errorf("expected healthy after successful heartbeats, got %s", engine.Health())
	}
	_, heartbeats := client.calls()
	if heartbeats < 2 {
		t.Errorf("expected at least two heartbeats in 55ms at a 10ms interval, got %d", heartbeats)
	}
}

func TestEngine_Heartbeat_FailureReportsDegradedAndBacksOff(t *testing.T) {
	client := newFakeClient()
	client.heartbeatResults = []error{fmt.Errorf("axon unreachable")}

	var transitions []domain.AxonHealth
	var mu sync.Mutex
	km, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	store, err := axon.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), km)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := axon.Config{
		OrganizationNPI: "1234567893", OrganizationType: "clinic", RegistryURL: "https://axon.example",
		NeuronEndpointURL: "wss://neuron.example/ws", HeartbeatInterval: 10 * time.Millisecond, BackoffCeiling: 50 * time.Millisecond,
	}
	engine := axon.New(cfg, client, store, nil, func(h domain.AxonHealth) {
		mu.Lock()
		transitions = append(transitions, h)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = engine.Run(ctx)

	if engine.Health() != domain.AxonDegraded {
		t.Errorf("expected degraded after heartbeat failures, got %s", engine.Health())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[0] != domain.AxonDegraded {
		t.Errorf("expected a healthy->degraded transition to fire the callback, got %v", transitions)
	}
}

func TestEngine_Heartbeat_RegistrationLostTriggersReregistration(t *testing.T) {
	client := newFakeClient()
	client.heartbeatResults = []error{axon.ErrRegistrationLost}
	engine, store := newTestEngine(t, client, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = engine.Run(ctx)

	enrollCalls, _ := client.calls()
	if enrollCalls < 2 {
		t.Errorf("expected re-registration to call Enroll a second time, got %d total enroll calls", enrollCalls)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Status != domain.RegistrationRegistered {
		t.Errorf("expected registered status after re-registration, got %s", state.Status)
	}
}

func TestEngine_Heartbeat_RegistersProviderAddedMidRun(t *testing.T) {
	client := newFakeClient()
	engine, store := newTestEngine(t, client, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	time.Sleep(15 * time.Millisecond)
	if err := store.UpsertProvider(context.Background(), domain.ProviderRegistration{ProviderNPI: "1122334455"}); err != nil {
		t.Fatalf("add provider mid-run: %v", err)
	}

	<-done

	if client.registerCalls["1122334455"] == 0 {
		t.Error("expected provider added mid-run to be registered by a later heartbeat, got no RegisterProvider call")
	}
	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, p := range state.Providers {
		if p.ProviderNPI == "1122334455" && !p.Registered {
			t.Error("expected mid-run provider to be marked registered in the store")
		}
	}
}

func TestEngine_Run_CancellationReturnsPromptly(t *testing.T) {
	client := newFakeClient()
	engine, _ := newTestEngine(t, client, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean return on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
}
