// Package termination implements provider-initiated relationship
// termination (C10): load, validate ownership, write the linking audit
// entry, and flip the relationship to terminated, with the SQL steps
// inside one transaction. A failure before the audit append leaves the
// relationship untouched and writes no audit entry; a failure after it
// rolls the SQL steps back, but the appended audit entry stays in the
// log (see Terminate).
//
// Grounded on the prior pkg/store/receipt_store_sqlite.go
// transactional-insert idiom, here a thin orchestrator over
// internal/relstore's TxStore and internal/auditlog rather than a
// store of its own.
package termination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careagent/neuron/internal/auditlog"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/relstore"
	"github.com/careagent/neuron/pkg/observability"
)

var (
	// ErrNotFound mirrors relstore.ErrNotFound for the relationship ID
	// the caller asked to terminate.
	ErrNotFound = errors.New("termination: relationship not found")
	// ErrAlreadyTerminated is returned when the relationship was already
	// terminated — termination is a one-way transition.
	ErrAlreadyTerminated = errors.New("termination: relationship already terminated")
	// ErrWrongProvider is returned when the calling provider NPI does
	// not own the relationship it is trying to terminate.
	ErrWrongProvider = errors.New("termination: calling provider does not own this relationship")
)

// Handler drives Terminate against a relationship store and audit log.
type Handler struct {
	rels  *relstore.Store
	audit *auditlog.Log
}

// New builds a Handler.
func New(rels *relstore.Store, audit *auditlog.Log) *Handler {
	return &Handler{rels: rels, audit: audit}
}

// Terminate ends relationshipID on behalf of providerNPI for reason.
// The audit append happens before the SQL commit, not after: if the
// append fails the transaction rolls back and no relationship changes
// land, matching how internal/handshake's PERSISTING step orders its
// own audit write relative to its transaction commit. The one gap
// this leaves — an audit entry appended successfully before a later
// failure of the termination-record insert, the status update or
// sql.Tx.Commit — is the same structural limitation
// already accepted there, inherent to pairing an append-only file log
// with a separate SQL transaction.
func (h *Handler) Terminate(ctx context.Context, relationshipID, providerNPI, reason string) (domain.TerminationRecord, error) {
	tx, err := h.rels.BeginTx(ctx)
	if err != nil {
		return domain.TerminationRecord{}, fmt.Errorf("termination: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	txStore := h.rels.WithTx(tx)

	rel, err := txStore.FindByID(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, relstore.ErrNotFound) {
			return domain.TerminationRecord{}, ErrNotFound
		}
		return domain.TerminationRecord{}, fmt.Errorf("termination: lookup relationship: %w", err)
	}
	if rel.Status == domain.StatusTerminated {
		return domain.TerminationRecord{}, ErrAlreadyTerminated
	}
	if rel.ProviderNPI != providerNPI {
		return domain.TerminationRecord{}, ErrWrongProvider
	}

	entry, err := h.audit.Append(domain.CategoryTermination, "termination.relationship_terminated", providerNPI, map[string]interface{}{
		"relationship_id": relationshipID,
		"provider_npi":    providerNPI,
		"reason":          reason,
	})
	if err != nil {
		return domain.TerminationRecord{}, err
	}

	record := domain.TerminationRecord{
		TerminationID:      uuid.New().String(),
		RelationshipID:     relationshipID,
		ProviderNPI:        providerNPI,
		Reason:             reason,
		TerminatedAt:       time.Now().UTC(),
		AuditEntrySequence: entry.Sequence,
	}
	if err := txStore.CreateTerminationRecord(ctx, record); err != nil {
		return domain.TerminationRecord{}, fmt.Errorf("termination: create termination record: %w", err)
	}
	if err := txStore.UpdateStatus(ctx, relationshipID, domain.StatusTerminated); err != nil {
		return domain.TerminationRecord{}, fmt.Errorf("termination: update relationship status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.TerminationRecord{}, fmt.Errorf("termination: commit: %w", err)
	}
	committed = true
	observability.AddSpanEvent(ctx, "termination.terminate", observability.RelationshipOperation(relationshipID, string(domain.StatusTerminated), "terminated")...)
	return record, nil
}
