package challenge_test

import (
	"errors"
	"testing"
	"time"

	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/domain"
)

func sampleInit() domain.HandshakeInit {
	return domain.HandshakeInit{
		PatientAgentID:   "patient-001",
		ProviderNPI:      "1234567893",
		PatientPublicKey: "deadbeef",
		PatientEndpoint:  "wss://patient.example/agent",
		ConsentedActions: []string{"office_visit"},
		ConsentTokenJSON: `{"patient_agent_id":"patient-001"}`,
	}
}

func TestIssueAndConsume_RoundTrip(t *testing.T) {
	tbl := challenge.New()
	nonce, err := tbl.Issue(sampleInit())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if nonce == "" {
		t.Fatal("expected non-empty nonce")
	}

	init, err := tbl.Consume(nonce)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if init.PatientAgentID != "patient-001" {
		t.Errorf("expected patient-001, got %s", init.PatientAgentID)
	}
}

func TestConsume_SingleUse(t *testing.T) {
	tbl := challenge.New()
	nonce, err := tbl.Issue(sampleInit())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := tbl.Consume(nonce); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := tbl.Consume(nonce); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestConsume_UnknownNonce(t *testing.T) {
	tbl := challenge.New()
	if _, err := tbl.Consume("does-not-exist"); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIssue_UniqueNonces(t *testing.T) {
	tbl := challenge.New()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		nonce, err := tbl.Issue(sampleInit())
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if seen[nonce] {
			t.Fatalf("duplicate nonce generated: %s", nonce)
		}
		seen[nonce] = true
	}
}

func TestIssue_RefusesAtCapacity(t *testing.T) {
	tbl := challenge.New()
	for i := 0; i < challenge.MaxPending; i++ {
		if _, err := tbl.Issue(sampleInit()); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if _, err := tbl.Issue(sampleInit()); !errors.Is(err, challenge.ErrFull) {
		t.Errorf("expected ErrFull at capacity, got %v", err)
	}
}

func TestConsume_ExpiredNonceRemoved(t *testing.T) {
	current := time.Now()
	tbl := challenge.NewWithClock(func() time.Time { return current })

	nonce, err := tbl.Issue(sampleInit())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	current = current.Add(challenge.TTL + time.Second)

	if _, err := tbl.Consume(nonce); !errors.Is(err, challenge.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	// Consume removes the entry even on expiry.
	if _, err := tbl.Consume(nonce); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("expected ErrNotFound on re-consume of expired nonce, got %v", err)
	}
}

func TestPurge_RemovesExpiredEntries(t *testing.T) {
	current := time.Now()
	tbl := challenge.NewWithClock(func() time.Time { return current })

	if _, err := tbl.Issue(sampleInit()); err != nil {
		t.Fatalf("issue: %v", err)
	}
	current = current.Add(challenge.TTL + time.Second)

	if removed := tbl.Purge(); removed != 1 {
		t.Errorf("expected 1 expired entry purged, got %d", removed)
	}
	if tbl.Len() != 0 {
		t.Errorf("expected empty table after purge, got %d", tbl.Len())
	}
}

func TestLen_ReflectsOutstandingEntries(t *testing.T) {
	tbl := challenge.New()
	if tbl.Len() != 0 {
		t.Fatalf("expected 0, got %d", tbl.Len())
	}
	nonce, _ := tbl.Issue(sampleInit())
	if tbl.Len() != 1 {
		t.Fatalf("expected 1, got %d", tbl.Len())
	}
	_, _ = tbl.Consume(nonce)
	if tbl.Len() != 0 {
		t.Fatalf("expected 0 after consume, got %d", tbl.Len())
	}
}
