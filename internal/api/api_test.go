package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/careagent/neuron/internal/api"
	"github.com/careagent/neuron/internal/auditlog"
	"github.com/careagent/neuron/internal/axon"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/relstore"
	"github.com/careagent/neuron/internal/termination"
	"github.com/careagent/neuron/pkg/kms"
)

type fakeStatus struct{}

func (fakeStatus) ActiveSessions() int             { return 3 }
func (fakeStatus) AxonHealth() domain.AxonHealth   { return domain.AxonHealthy }

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	rels, err := relstore.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open relstore: %v", err)
	}
	t.Cleanup(func() { _ = rels.Close() })

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	log, err := auditlog.Open(auditPath)
	if err != nil {
		t.Fatalf("open auditlog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	km, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("open kms: %v", err)
	}
	axonStore, err := axon.Open(fmt.Sprintf("file:%s-axon?mode=memory&cache=shared", t.Name()), km)
	if err != nil {
		t.Fatalf("open axon store: %v", err)
	}
	t.Cleanup(func() { _ = axonStore.Close() })

	term := termination.New(rels, log)

	org := domain.RegistrationState{
		OrganizationNPI:  "1234567893",
		OrganizationName: "Test Clinic",
		OrganizationType: "clinic",
	}
	return api.New(rels, axonStore, term, fakeStatus{}, auditPath, org)
}

func seedRelationship(t *testing.T, h *api.Handler, rels *relstore.Store, id, providerNPI string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	rel := domain.Relationship{
		RelationshipID:   id,
		PatientAgentID:   "patient-001",
		ProviderNPI:      providerNPI,
		Status:           domain.StatusActive,
		ConsentedActions: []string{"office_visit"},
		PatientPublicKey: "deadbeef",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := rels.Create(context.Background(), rel); err != nil {
		t.Fatalf("seed relationship: %v", err)
	}
}

// helperRels re-opens the same in-memory DB the handler's Store used,
// relying on sqlite's cache=shared DSN to hand back the same data.
func helperRels(t *testing.T) *relstore.Store {
	t.Helper()
	rels, err := relstore.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open relstore: %v", err)
	}
	t.Cleanup(func() { _ = rels.Close() })
	return rels
}

func TestListRelationships(t *testing.T) {
	h := newTestHandler(t)
	rels := helperRels(t)
	seedRelationship(t, h, rels, "rel-001", "1234567893")

	req := httptest.NewRequest(http.MethodGet, "/v1/relationships", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []domain.Relationship
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].RelationshipID != "rel-001" {
		t.Fatalf("unexpected relationships: %+v", got)
	}
	if got[0].PatientPublicKey != "" {
		t.Error("expected patient_public_key to be redacted")
	}
}

func TestGetRelationship_NotFound(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/relationships/does-not-exist", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetStatusSnapshot(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"active_sessions":3`) {
		t.Errorf("expected active_sessions from StatusSource, got %s", w.Body.String())
	}
}

func TestGetOrganizationSnapshot(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/organization", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"npi":"1234567893"`) {
		t.Errorf("expected organization npi in response, got %s", w.Body.String())
	}
}

func TestVerifyAudit_EmptyLogIsValid(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"valid":true`) {
		t.Errorf("expected valid chain, got %s", w.Body.String())
	}
}

func TestAddProvider(t *testing.T) {
	h := newTestHandler(t)

	body := strings.NewReader(`{"provider_npi":"1234567893"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/providers", body)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAddProvider_RejectsInvalidNPI(t *testing.T) {
	h := newTestHandler(t)

	body := strings.NewReader(`{"provider_npi":"not-an-npi"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/providers", body)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAddProvider_RecordsTimelineEntry(t *testing.T) {
	h := newTestHandler(t)

	body := strings.NewReader(`{"provider_npi":"1234567893"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/providers", body)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/observability/timeline", nil)
	w = httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "provider added") {
		t.Fatalf("expected timeline to record provider addition, got %s", w.Body.String())
	}
}

func TestTerminateRelationship(t *testing.T) {
	h := newTestHandler(t)
	rels := helperRels(t)
	seedRelationship(t, h, rels, "rel-001", "1234567893")

	body := strings.NewReader(`{"provider_npi":"1234567893","reason":"provider_request"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/relationships/rel-001/terminate", body)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rel, err := rels.FindByID(context.Background(), "rel-001")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rel.Status != domain.StatusTerminated {
		t.Errorf("expected terminated, got %s", rel.Status)
	}
}

func TestTerminateRelationship_WrongProviderReturnsForbidden(t *testing.T) {
	h := newTestHandler(t)
	rels := helperRels(t)
	seedRelationship(t, h, rels, "rel-001", "1234567893")

	body := strings.NewReader(`{"provider_npi":"9999999999","reason":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/relationships/rel-001/terminate", body)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}
