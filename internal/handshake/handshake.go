// Package handshake drives the per-connection handshake state machine
// (C6): OPEN -> AUTH_PARSED -> LOOKUP -> CHALLENGED -> VERIFYING ->
// PERSISTING -> CLOSED, orchestrating the consent verifier, challenge
// store, relationship store, and audit log for a single WebSocket
// stream.
//
// Grounded on the prior pkg/runtime/sandbox deadline-bounded
// execution style (context.Context + timer, deferred cleanup on every
// exit path) translated into the "blocking read + timer, selected
// against cancellation" rendering of that deadline-bounded style.
package handshake

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/careagent/neuron/internal/auditlog"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/relstore"
	"github.com/careagent/neuron/pkg/observability"
)

// Conn is the minimal surface the handshake engine needs from a
// WebSocket stream. *websocket.Conn (github.com/gorilla/websocket)
// satisfies it directly; tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// These mirror gorilla/websocket's frame-type and close-message
// constants so this package does not need to import gorilla/websocket
// just for two integers and a formatter.
const (
	textMessage  = 1
	binaryMessage = 2
	closeMessage = 8
)

func formatCloseMessage(code int, text string) []byte {
	buf := make([]byte, 2+len(text))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], text)
	return buf
}

// Config holds the per-engine tunables drawn from websocket.* config.
type Config struct {
	AuthTimeout     time.Duration
	MaxPayloadBytes int64
	OrganizationNPI string
	EndpointBaseURL string // advertised Neuron endpoint; provider_endpoint is derived from it
}

// Engine runs handshake sessions against shared C3–C5 + C2 components.
type Engine struct {
	cfg        Config
	challenges *challenge.Table
	rels       *relstore.Store
	audit      *auditlog.Log
	logger     *slog.Logger
	obs        *observability.Provider
}

// New constructs an Engine.
func New(cfg Config, challenges *challenge.Table, rels *relstore.Store, audit *auditlog.Log) *Engine {
	return &Engine{
		cfg:        cfg,
		challenges: challenges,
		rels:       rels,
		audit:      audit,
		logger:     slog.Default().With("component", "handshake"),
	}
}

// WithObservability attaches a Provider so every Run records a span and
// RED metrics under the "handshake.run" operation name. Skipping this
// call leaves obs nil, and Run simply does not instrument itself — tests
// construct engines with New alone.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// Run drives one connection through the full state machine. It always
// closes conn before returning, on every exit path, and never panics on
// a well-formed or malformed peer — every error is handled as a wire
// failure.
func (e *Engine) Run(ctx context.Context, sessionID string, conn Conn) {
	if e.obs != nil {
		var end func(error)
		ctx, end = e.obs.TrackOperation(ctx, "handshake.run", attribute.String("session.id", sessionID))
		defer end(nil)
	}
	defer func() { _ = conn.Close() }()

	actor := ""

	raw, err := e.readFrame(ctx, conn, time.Now().Add(e.cfg.AuthTimeout))
	if err != nil {
		we := e.classifyReadError(err, errAuthTimeout())
		if we.code == "AUTH_TIMEOUT" {
			e.appendAudit(domain.CategoryConnection, "connection.timeout", actor, nil)
		} else {
			e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		}
		e.sendErrorAndClose(conn, we)
		return
	}

	var auth inboundAuth
	if err := validateEnvelope(authSchema, raw); err != nil {
		we := errInvalidMessage(fmt.Sprintf("malformed handshake.auth envelope: %v", err))
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}
	if err := json.Unmarshal(raw, &auth); err != nil || auth.Type != typeAuth {
		we := errInvalidMessage("malformed handshake.auth envelope")
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}
	actor = auth.PatientAgentID

	// AUTH_PARSED: the envelope is structurally valid.
	e.appendAudit(domain.CategoryConnection, "connection.handshake_started", actor, nil)

	pubKey, err := consent.DecodePublicKey(auth.PatientPublicKey)
	if err != nil {
		e.failConsent(conn, actor, fmt.Sprintf("invalid patient_public_key: %v", err))
		return
	}
	sig, err := decodeSignature(auth.ConsentTokenSignature)
	if err != nil {
		e.failConsent(conn, actor, fmt.Sprintf("invalid consent_token_signature: %v", err))
		return
	}

	claims, err := consent.Verify(auth.ConsentTokenPayload, sig, pubKey)
	if err != nil {
		observability.AddSpanEvent(ctx, "consent.verify", observability.ConsentOperation(actor, "verify", false)...)
		e.failConsent(conn, actor, err.Error())
		return
	}
	observability.AddSpanEvent(ctx, "consent.verify", observability.ConsentOperation(actor, "verify", true)...)

	init := domain.HandshakeInit{
		PatientAgentID:        auth.PatientAgentID,
		ProviderNPI:           claims.ProviderNPI,
		PatientPublicKey:      auth.PatientPublicKey,
		PatientEndpoint:       auth.PatientEndpoint,
		ConsentedActions:      claims.ConsentedActions,
		ConsentTokenJSON:      string(auth.ConsentTokenPayload),
		ConsentTokenSignature: auth.ConsentTokenSignature,
	}

	// LOOKUP
	existing, err := e.rels.FindActiveByPair(ctx, init.PatientAgentID, init.ProviderNPI)
	if err == nil {
		e.appendAudit(domain.CategoryConnection, "connection.handshake_completed", actor, map[string]interface{}{
			"relationship_id": existing.RelationshipID,
			"status":          "existing",
		})
		e.sendComplete(conn, existing.RelationshipID, existing.ProviderNPI, "existing")
		return
	}
	if !errors.Is(err, relstore.ErrNotFound) {
		e.failInternal(conn, actor, fmt.Sprintf("relationship lookup failed: %v", err))
		return
	}

	nonce, err := e.challenges.Issue(init)
	if err != nil {
		var we *wireError
		if errors.Is(err, challenge.ErrFull) {
			we = errTooManyPending()
		} else {
			we = errInternal(fmt.Sprintf("issue challenge: %v", err))
		}
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}

	e.sendChallenge(conn, nonce, init.ProviderNPI, e.cfg.OrganizationNPI)

	// CHALLENGED: wait for handshake.challenge_response within the fixed
	// challenge TTL.
	raw2, err := e.readFrame(ctx, conn, time.Now().Add(challenge.TTL))
	if err != nil {
		we := e.classifyReadError(err, errConsentExpired("challenge expired before a response arrived"))
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}

	var cr inboundChallengeResponse
	if err := validateEnvelope(challengeResponseSchema, raw2); err != nil {
		we := errInvalidMessage(fmt.Sprintf("malformed handshake.challenge_response envelope: %v", err))
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}
	if err := json.Unmarshal(raw2, &cr); err != nil || cr.Type != typeChallengeResponse {
		we := errInvalidMessage("malformed handshake.challenge_response envelope")
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}

	// VERIFYING
	redeemed, err := e.challenges.Consume(nonce)
	if err != nil {
		var we *wireError
		switch {
		case errors.Is(err, challenge.ErrExpired):
			we = errConsentExpired("challenge expired")
		default:
			we = errInvalidMessage("unknown or already-consumed challenge")
		}
		e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
		e.sendErrorAndClose(conn, we)
		return
	}

	signedNonce, err := decodeSignature(cr.SignedNonce)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(nonce), signedNonce) {
		e.failConsent(conn, actor, "nonce signature verification failed")
		return
	}

	// Re-verify the consent token fresh — no cached trust from AUTH_PARSED.
	claims2, err := consent.Verify([]byte(redeemed.ConsentTokenJSON), mustDecodeSignature(redeemed.ConsentTokenSignature), pubKey)
	if err != nil {
		e.failConsent(conn, actor, fmt.Sprintf("consent re-verification failed: %v", err))
		return
	}
	if claims2.ProviderNPI != redeemed.ProviderNPI {
		e.failConsent(conn, actor, "consent token provider_npi does not match handshake init")
		return
	}

	// PERSISTING
	relationshipID, status, err := e.persist(ctx, redeemed)
	if err != nil {
		e.failInternal(conn, actor, fmt.Sprintf("persist relationship: %v", err))
		return
	}

	e.appendAudit(domain.CategoryConnection, "connection.handshake_completed", actor, map[string]interface{}{
		"relationship_id": relationshipID,
		"status":          status,
	})
	e.sendComplete(conn, relationshipID, redeemed.ProviderNPI, status)
}

// persist runs the PERSISTING step inside a single transaction: it
// re-checks for a concurrently-created active relationship (another
// connection for the same pair may have completed between this
// connection's LOOKUP and here), creates the relationship otherwise,
// and writes the linking audit entry before committing — an audit
// write failure aborts the whole transaction, so a relationship is
// never persisted without its linking audit entry.
func (e *Engine) persist(ctx context.Context, init domain.HandshakeInit) (relationshipID string, status string, err error) {
	tx, err := e.rels.BeginTx(ctx)
	if err != nil {
		return "", "", fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	txStore := e.rels.WithTx(tx)

	if existing, err := txStore.FindActiveByPair(ctx, init.PatientAgentID, init.ProviderNPI); err == nil {
		if cErr := tx.Commit(); cErr != nil {
			return "", "", fmt.Errorf("commit: %w", cErr)
		}
		committed = true
		return existing.RelationshipID, "existing", nil
	} else if !errors.Is(err, relstore.ErrNotFound) {
		return "", "", fmt.Errorf("relationship lookup: %w", err)
	}

	now := time.Now().UTC()
	rel := domain.Relationship{
		RelationshipID:   uuid.New().String(),
		PatientAgentID:   init.PatientAgentID,
		ProviderNPI:      init.ProviderNPI,
		Status:           domain.StatusActive,
		ConsentedActions: init.ConsentedActions,
		PatientPublicKey: init.PatientPublicKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := txStore.Create(ctx, rel); err != nil {
		return "", "", fmt.Errorf("create relationship: %w", err)
	}

	if _, err := e.audit.Append(domain.CategoryConsent, "consent.relationship_established", init.PatientAgentID, map[string]interface{}{
		"relationship_id": rel.RelationshipID,
		"provider_npi":    rel.ProviderNPI,
	}); err != nil {
		return "", "", fmt.Errorf("%w: %v", auditlog.ErrWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit: %w", err)
	}
	committed = true
	return rel.RelationshipID, "new", nil
}

func (e *Engine) failConsent(conn Conn, actor, detail string) {
	we := errConsentFailed(detail)
	e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
	e.sendErrorAndClose(conn, we)
}

func (e *Engine) failInternal(conn Conn, actor, detail string) {
	we := errInternal(detail)
	e.appendAudit(domain.CategoryConnection, "connection.handshake_failed", actor, map[string]interface{}{"error_code": we.code})
	e.logger.Error("handshake internal failure", "actor", actor, "detail", detail)
	e.sendErrorAndClose(conn, we)
}

func (e *Engine) appendAudit(category domain.AuditCategory, action, actor string, details map[string]interface{}) {
	if _, err := e.audit.Append(category, action, actor, details); err != nil {
		e.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func (e *Engine) providerEndpoint(providerNPI string) string {
	return fmt.Sprintf("%s/ws/provider/%s", e.cfg.EndpointBaseURL, providerNPI)
}

func (e *Engine) sendChallenge(conn Conn, nonce, providerNPI, organizationNPI string) {
	env := outboundChallenge{Type: typeChallenge, Nonce: nonce, ProviderNPI: providerNPI, OrganizationNPI: organizationNPI}
	e.writeJSON(conn, env)
}

func (e *Engine) sendComplete(conn Conn, relationshipID, providerNPI, status string) {
	env := outboundComplete{
		Type:             typeComplete,
		RelationshipID:   relationshipID,
		ProviderEndpoint: e.providerEndpoint(providerNPI),
		Status:           status,
	}
	e.writeJSON(conn, env)
	_ = conn.WriteMessage(closeMessage, formatCloseMessage(closeSuccess, ""))
}

func (e *Engine) sendErrorAndClose(conn Conn, we *wireError) {
	env := outboundError{Type: typeError, Code: we.code, Message: we.message}
	e.writeJSON(conn, env)
	_ = conn.WriteMessage(closeMessage, formatCloseMessage(we.closeCode, we.code))
}

func (e *Engine) writeJSON(conn Conn, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("marshal outbound envelope failed", "error", err)
		return
	}
	if err := conn.WriteMessage(textMessage, b); err != nil {
		e.logger.Warn("write outbound envelope failed", "error", err)
	}
}

// readFrame blocks for the next inbound text frame, subject to both ctx
// cancellation and deadline. Either one unblocks the underlying read by
// closing the connection, the idiomatic Go rendering of "blocking read
// plus timer, selected against a cancellation signal."
func (e *Engine) readFrame(ctx context.Context, conn Conn, deadline time.Time) ([]byte, error) {
	// Best-effort socket-level deadline in addition to the select below —
	// belt and suspenders for a real *websocket.Conn; fakeConn in tests
	// ignores it and relies solely on the timer.
	_ = conn.SetReadDeadline(deadline)

	type result struct {
		msgType int
		data    []byte
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		mt, data, err := conn.ReadMessage()
		resultCh <- result{mt, data, err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		if r.msgType == binaryMessage {
			return nil, errInvalidMessage("binary frames are rejected")
		}
		if r.msgType != textMessage {
			return nil, errInvalidMessage("unexpected frame type")
		}
		if e.cfg.MaxPayloadBytes > 0 && int64(len(r.data)) > e.cfg.MaxPayloadBytes {
			return nil, errInvalidMessage("payload exceeds max_payload_bytes")
		}
		return r.data, nil
	case <-timer.C:
		_ = conn.Close()
		return nil, errDeadlineExceeded
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}
}

var errDeadlineExceeded = errors.New("handshake: deadline exceeded")

// classifyReadError maps a readFrame error to a wireError. A *wireError
// produced directly by readFrame (binary frame, oversized payload) is
// returned unchanged; a bare deadline expiry becomes onTimeout; anything
// else (peer close, I/O error, ctx cancellation) is internal.
func (e *Engine) classifyReadError(err error, onTimeout *wireError) *wireError {
	var we *wireError
	if errors.As(err, &we) {
		return we
	}
	if errors.Is(err, errDeadlineExceeded) {
		return onTimeout
	}
	return errInternal(err.Error())
}

func decodeSignature(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64 signature encoding")
}

func mustDecodeSignature(s string) []byte {
	b, err := decodeSignature(s)
	if err != nil {
		return nil
	}
	return b
}
