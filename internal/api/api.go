// Package api implements the administrative HTTP surface (A-series,
// §6 "Administrative HTTP API"): read-only snapshots of the broker's
// state plus the three mutating operations an operator drives by hand
// (add/remove provider, terminate a relationship).
//
// Each exported method is a plain net/http.HandlerFunc-shaped function
// so an external router can wire them up directly; Router additionally
// assembles a minimal http.ServeMux for cmd/neuron, since some router
// must exist for the binary to run end-to-end even though the routing
// layer itself is out of scope. Error responses use pkg/api's RFC 7807
// ProblemDetail writers; request/response JSON follows the prior implementation's
// handler shape in pkg/api/handlers.go (decode into a local request
// struct, validate required fields, call the domain operation, encode
// the result).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/careagent/neuron/internal/auditlog"
	"github.com/careagent/neuron/internal/axon"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/relstore"
	"github.com/careagent/neuron/internal/termination"
	pkgapi "github.com/careagent/neuron/pkg/api"
	"github.com/careagent/neuron/pkg/observability"
)

// StatusSource reports the handful of live, in-process values the
// status snapshot needs that neither relstore nor axon.Store persists.
type StatusSource interface {
	ActiveSessions() int
	AxonHealth() domain.AxonHealth
}

// Handler serves the administrative API over relstore, the axon
// registration store, and the termination handler.
type Handler struct {
	rels        *relstore.Store
	axonStore   *axon.Store
	termination *termination.Handler
	status      StatusSource
	auditPath   string
	startedAt   time.Time
	timeline    *observability.AuditTimeline

	org domain.RegistrationState // cached organization identity fields, set at construction
}

// New builds a Handler. org carries the organization.{npi,name,type}
// config fields the organization snapshot reports alongside axon
// status — these never change at runtime, unlike the axon store's own
// registration_id/bearer_token/status fields.
func New(rels *relstore.Store, axonStore *axon.Store, term *termination.Handler, status StatusSource, auditPath string, org domain.RegistrationState) *Handler {
	return &Handler{
		rels:        rels,
		axonStore:   axonStore,
		termination: term,
		status:      status,
		auditPath:   auditPath,
		startedAt:   time.Now().UTC(),
		timeline:    observability.NewAuditTimeline(),
		org:         org,
	}
}

// Router assembles the minimal net/http.ServeMux cmd/neuron needs to
// expose Handler's methods, decorated by the caller with rate-limit
// (A7) and CORS (A8) middleware.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/relationships", h.ListRelationships)
	mux.HandleFunc("/v1/relationships/", h.routeRelationshipByID)
	mux.HandleFunc("/v1/organization", h.GetOrganizationSnapshot)
	mux.HandleFunc("/v1/status", h.GetStatusSnapshot)
	mux.HandleFunc("/v1/audit/verify", h.VerifyAudit)
	mux.HandleFunc("/v1/providers", h.routeProviders)
	mux.HandleFunc("/v1/observability/timeline", h.GetTimeline)
	return mux
}

// routeRelationshipByID dispatches GET /v1/relationships/{id} and
// POST /v1/relationships/{id}/terminate — net/http.ServeMux has no path
// parameters, so the trailing segment is split by hand here, the same
// minimal, dependency-free approach rather than a full router.
func (h *Handler) routeRelationshipByID(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/v1/relationships/"):]
	if path == "" {
		pkgapi.WriteNotFound(w, "relationship id required")
		return
	}
	const terminateSuffix = "/terminate"
	if len(path) > len(terminateSuffix) && path[len(path)-len(terminateSuffix):] == terminateSuffix {
		r = withPathValue(r, path[:len(path)-len(terminateSuffix)])
		h.TerminateRelationship(w, r)
		return
	}
	r = withPathValue(r, path)
	h.GetRelationship(w, r)
}

func (h *Handler) routeProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.AddProvider(w, r)
	case http.MethodDelete:
		h.RemoveProvider(w, r)
	default:
		pkgapi.WriteMethodNotAllowed(w)
	}
}

type pathValueKey struct{}

func withPathValue(r *http.Request, v string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), pathValueKey{}, v))
}

func pathValue(r *http.Request) string {
	v, _ := r.Context().Value(pathValueKey{}).(string)
	return v
}

// ListRelationships handles GET /v1/relationships?status=&provider_npi=&offset=&limit=.
func (h *Handler) ListRelationships(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	rels, err := h.rels.List(r.Context(), domain.RelationshipStatus(q.Get("status")), q.Get("provider_npi"), offset, limit)
	if err != nil {
		pkgapi.WriteInternal(w, err)
		return
	}
	writeJSON(w, rels)
}

// GetRelationship handles GET /v1/relationships/{id}. patient_public_key
// is never included in the response, per spec.
func (h *Handler) GetRelationship(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	id := pathValue(r)
	rel, err := h.rels.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, relstore.ErrNotFound) {
			pkgapi.WriteNotFound(w, "relationship not found")
			return
		}
		pkgapi.WriteInternal(w, err)
		return
	}
	rel.PatientPublicKey = ""
	writeJSON(w, rel)
}

// organizationSnapshot is the §6 "Organization snapshot" shape.
type organizationSnapshot struct {
	NPI       string                        `json:"npi"`
	Name      string                        `json:"name"`
	Type      string                        `json:"type"`
	AxonStatus domain.RegistrationStatus    `json:"axon_status"`
	Providers []domain.ProviderRegistration `json:"providers"`
}

// GetOrganizationSnapshot handles GET /v1/organization.
func (h *Handler) GetOrganizationSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	state, err := h.axonStore.Load(r.Context())
	if err != nil {
		pkgapi.WriteInternal(w, err)
		return
	}
	writeJSON(w, organizationSnapshot{
		NPI:        h.org.OrganizationNPI,
		Name:       h.org.OrganizationName,
		Type:       h.org.OrganizationType,
		AxonStatus: state.Status,
		Providers:  state.Providers,
	})
}

// statusSnapshot is the §6 "Status snapshot" shape.
type statusSnapshot struct {
	Status         string                         `json:"status"`
	UptimeSeconds  int64                          `json:"uptime_seconds"`
	Organization   string                         `json:"organization"`
	AxonStatus     domain.AxonHealth              `json:"axon_status"`
	ActiveSessions int                            `json:"active_sessions"`
	Providers      []domain.ProviderRegistration  `json:"providers"`
}

// GetStatusSnapshot handles GET /v1/status.
func (h *Handler) GetStatusSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	state, err := h.axonStore.Load(r.Context())
	if err != nil {
		pkgapi.WriteInternal(w, err)
		return
	}
	writeJSON(w, statusSnapshot{
		Status:         "running",
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		Organization:   h.org.OrganizationNPI,
		AxonStatus:     h.status.AxonHealth(),
		ActiveSessions: h.status.ActiveSessions(),
		Providers:      state.Providers,
	})
}

// VerifyAudit handles GET /v1/audit/verify.
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	result, err := auditlog.Verify(h.auditPath)
	if err != nil {
		pkgapi.WriteInternal(w, err)
		return
	}
	writeJSON(w, result)
}

// GetTimeline handles GET /v1/observability/timeline?run_id=&limit=, an
// operator view over the in-process audit timeline — a queryable
// complement to /v1/audit/verify's tamper-evidence check, not a
// replacement for it.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	writeJSON(w, h.timeline.Query(observability.TimelineQuery{
		RunID:    q.Get("run_id"),
		TenantID: q.Get("tenant_id"),
		Limit:    limit,
	}))
}

type addProviderRequest struct {
	ProviderNPI string `json:"provider_npi"`
}

// AddProvider handles POST /v1/providers. Registration against Axon
// itself happens on the next Engine.Run heartbeat pass, which picks up
// the newly tracked NPI — this handler only records the intent.
func (h *Handler) AddProvider(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req addProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkgapi.WriteBadRequest(w, "invalid request body")
		return
	}
	if !domain.ValidNPI(req.ProviderNPI) {
		pkgapi.WriteBadRequest(w, "provider_npi is not a valid NPI")
		return
	}
	if err := h.axonStore.UpsertProvider(r.Context(), domain.ProviderRegistration{ProviderNPI: req.ProviderNPI}); err != nil {
		pkgapi.WriteInternal(w, err)
		return
	}
	_ = h.timeline.Record(observability.TimelineEntry{
		EntryType: observability.EntryTypeAction,
		TenantID:  h.org.OrganizationNPI,
		Summary:   "provider added",
		Details:   map[string]interface{}{"provider_npi": req.ProviderNPI},
	})
	w.WriteHeader(http.StatusAccepted)
}

type removeProviderRequest struct {
	ProviderNPI string `json:"provider_npi"`
}

// RemoveProvider handles DELETE /v1/providers.
func (h *Handler) RemoveProvider(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req removeProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkgapi.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.axonStore.RemoveProvider(r.Context(), req.ProviderNPI); err != nil {
		pkgapi.WriteInternal(w, err)
		return
	}
	_ = h.timeline.Record(observability.TimelineEntry{
		EntryType: observability.EntryTypeAction,
		TenantID:  h.org.OrganizationNPI,
		Summary:   "provider removed",
		Details:   map[string]interface{}{"provider_npi": req.ProviderNPI},
	})
	w.WriteHeader(http.StatusNoContent)
}

type terminateRequest struct {
	ProviderNPI string `json:"provider_npi"`
	Reason      string `json:"reason"`
}

// TerminateRelationship handles POST /v1/relationships/{id}/terminate.
func (h *Handler) TerminateRelationship(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		pkgapi.WriteMethodNotAllowed(w)
		return
	}
	id := pathValue(r)
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkgapi.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.ProviderNPI == "" {
		pkgapi.WriteBadRequest(w, "provider_npi required")
		return
	}

	record, err := h.termination.Terminate(r.Context(), id, req.ProviderNPI, req.Reason)
	switch {
	case err == nil:
		_ = h.timeline.Record(observability.TimelineEntry{
			EntryType: observability.EntryTypeDecision,
			RunID:     id,
			TenantID:  h.org.OrganizationNPI,
			Summary:   "relationship terminated",
			Details:   map[string]interface{}{"provider_npi": req.ProviderNPI, "reason": req.Reason},
		})
		writeJSON(w, record)
	case errors.Is(err, termination.ErrNotFound):
		pkgapi.WriteNotFound(w, "relationship not found")
	case errors.Is(err, termination.ErrAlreadyTerminated):
		pkgapi.WriteConflict(w, "relationship already terminated")
	case errors.Is(err, termination.ErrWrongProvider):
		pkgapi.WriteForbidden(w, "provider does not own this relationship")
	default:
		pkgapi.WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
