package wsserver_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careagent/neuron/internal/admission"
	"github.com/careagent/neuron/internal/auditlog"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/handshake"
	"github.com/careagent/neuron/internal/relstore"
	"github.com/careagent/neuron/internal/wsserver"
)

func newTestServer(t *testing.T, maxActive int, queueTimeout, authTimeout time.Duration) (*wsserver.Server, *admission.Limiter) {
	t.Helper()
	rels, err := relstore.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open relstore: %v", err)
	}
	t.Cleanup(func() { _ = rels.Close() })

	log, err := auditlog.Open(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("open auditlog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	engine := handshake.New(handshake.Config{
		AuthTimeout:     authTimeout,
		MaxPayloadBytes: 64 * 1024,
		OrganizationNPI: "9999999999",
		EndpointBaseURL: "wss://neuron.example",
	}, challenge.New(), rels, log)

	limiter := admission.New(maxActive)
	srv := wsserver.New(wsserver.Config{Path: "/ws/handshake", QueueTimeout: queueTimeout}, limiter, engine, nil)
	return srv, limiter
}

func dial(t *testing.T, httpURL, path string) (*websocket.Conn, *int) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	if err != nil {
		return nil, &code
	}
	return conn, &code
}

func signedAuthFrame(t *testing.T, patientID, providerNPI string, pub ed25519.PublicKey, priv ed25519.PrivateKey) []byte {
	t.Helper()
	payload, sig, err := consent.Sign(consent.Claims{
		PatientAgentID:   patientID,
		ProviderNPI:      providerNPI,
		ConsentedActions: []string{"office_visit"},
		IssuedAt:         time.Now().Unix(),
		ExpiresAt:        time.Now().Add(time.Hour).Unix(),
	}, priv)
	if err != nil {
		t.Fatalf("sign claims: %v", err)
	}
	env := map[string]interface{}{
		"type":                    "handshake.auth",
		"consent_token_payload":   json.RawMessage(payload),
		"consent_token_signature": base64.StdEncoding.EncodeToString(sig),
		"patient_agent_id":        patientID,
		"patient_public_key":      base64.RawURLEncoding.EncodeToString(pub),
		"patient_endpoint":        "wss://patient.example/agent",
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal auth envelope: %v", err)
	}
	return b
}

func TestServer_AdmitsAndCompletesHandshake(t *testing.T) {
	srv, _ := newTestServer(t, 5, time.Second, 2*time.Second)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	pub, priv, _ := ed25519.GenerateKey(nil)
	conn, code := dial(t, httpSrv.URL, "/ws/handshake")
	if conn == nil {
		t.Fatalf("dial failed, status %d", *code)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, signedAuthFrame(t, "patient-001", "1234567893", pub, priv)); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	var challengeEnv map[string]interface{}
	if err := json.Unmarshal(raw, &challengeEnv); err != nil {
		t.Fatalf("unmarshal challenge: %v", err)
	}
	if challengeEnv["type"] != "handshake.challenge" {
		t.Fatalf("expected handshake.challenge, got %v", challengeEnv["type"])
	}
	nonce, _ := challengeEnv["nonce"].(string)

	signed := ed25519.Sign(priv, []byte(nonce))
	respEnv, _ := json.Marshal(map[string]interface{}{
		"type":         "handshake.challenge_response",
		"signed_nonce": base64.StdEncoding.EncodeToString(signed),
	})
	if err := conn.WriteMessage(websocket.TextMessage, respEnv); err != nil {
		t.Fatalf("write challenge response: %v", err)
	}

	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read complete: %v", err)
	}
	var completeEnv map[string]interface{}
	if err := json.Unmarshal(raw, &completeEnv); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if completeEnv["type"] != "handshake.complete" {
		t.Fatalf("expected handshake.complete, got %v", completeEnv["type"])
	}
	if completeEnv["status"] != "new" {
		t.Errorf("expected status=new, got %v", completeEnv["status"])
	}

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after handshake.complete")
	} else if ce, ok := err.(*websocket.CloseError); ok && ce.Code != 1000 {
		t.Errorf("expected close code 1000, got %d", ce.Code)
	}
}

func TestServer_RejectsNonMatchingPath(t *testing.T) {
	srv, _ := newTestServer(t, 5, time.Second, time.Second)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	conn, code := dial(t, httpSrv.URL, "/not-the-handshake-path")
	if conn != nil {
		conn.Close()
		t.Fatal("expected upgrade at a non-matching path to be refused")
	}
	if *code != 404 {
		t.Errorf("expected 404 for non-matching path, got %d", *code)
	}
}

func TestServer_QueueTimeoutRejectsWhenFull(t *testing.T) {
	srv, _ := newTestServer(t, 1, 50*time.Millisecond, 5*time.Second)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	// Saturate the single admission slot: open a connection and never
	// send handshake.auth, so the engine sits blocked in its auth wait.
	first, code := dial(t, httpSrv.URL, "/ws/handshake")
	if first == nil {
		t.Fatalf("expected first connection admitted, status %d", *code)
	}
	defer first.Close()

	waitUntil(t, func() bool { return srv.ActiveSessions() == 1 })

	second, code := dial(t, httpSrv.URL, "/ws/handshake")
	if second != nil {
		second.Close()
		t.Fatal("expected second connection to be refused while the limiter is saturated")
	}
	if *code != 503 {
		t.Errorf("expected 503 when admission queue times out, got %d", *code)
	}
}

func TestServer_StopClosesOpenSessionsWithGracefulCode(t *testing.T) {
	srv, _ := newTestServer(t, 5, time.Second, 10*time.Second)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	conn, code := dial(t, httpSrv.URL, "/ws/handshake")
	if conn == nil {
		t.Fatalf("dial failed, status %d", *code)
	}
	defer conn.Close()

	waitUntil(t, func() bool { return srv.ActiveSessions() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if ce.Code != 1001 {
		t.Errorf("expected graceful close code 1001, got %d", ce.Code)
	}

	if err := srv.Stop(ctx); err != nil {
		t.Errorf("second Stop call should be a no-op, got %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
