// Package relstore implements the transactional relationship store (C4):
// CRUD over the relationships table with the terminated-is-permanent
// lifecycle invariant, backed by database/sql over a pure-Go sqlite
// driver.
//
// Grounded on the prior pkg/store/receipt_store_sqlite.go —
// migrate-on-construct, parameterized queries, sql.NullString for
// optional columns — generalized from receipts to relationships.
package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/pkg/observability"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no relationship matches the lookup.
	ErrNotFound = errors.New("relstore: relationship not found")
	// ErrAlreadyTerminated is returned by UpdateStatus when the current
	// row is already terminated — per spec, termination is permanent.
	ErrAlreadyTerminated = errors.New("relstore: relationship already terminated")
)

// Store is the relationship store. All methods are safe for concurrent
// use; writes serialize through the underlying database/sql connection
// pool and transactions.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed Store at path and
// runs its migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("relstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open *sql.DB (used by tests and by callers
// sharing one DB handle across relstore and the registration tables).
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			relationship_id TEXT PRIMARY KEY,
			patient_agent_id TEXT NOT NULL,
			provider_npi TEXT NOT NULL,
			status TEXT NOT NULL,
			consented_actions TEXT NOT NULL,
			patient_public_key TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_patient ON relationships(patient_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_provider ON relationships(provider_npi)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_status ON relationships(status)`,
		`CREATE TABLE IF NOT EXISTS termination_records (
			termination_id TEXT PRIMARY KEY,
			relationship_id TEXT NOT NULL,
			provider_npi TEXT NOT NULL,
			reason TEXT NOT NULL,
			terminated_at DATETIME NOT NULL,
			audit_entry_sequence INTEGER NOT NULL
		)`,
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("relstore: migration %d: %w", i, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (1, ?)`, time.Now().UTC()); err != nil {
		return fmt.Errorf("relstore: recording migration: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle so sibling stores (registration)
// can share one connection and one set of transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Create inserts a new relationship row. Callers are responsible for
// enforcing the at-most-one-non-terminated-row-per-pair invariant by
// checking FindActiveByPair first, inside the same transaction the
// handshake engine already holds open for C6's PERSISTING step.
func (s *Store) Create(ctx context.Context, r domain.Relationship) error {
	actionsJSON, err := json.Marshal(r.ConsentedActions)
	if err != nil {
		return fmt.Errorf("relstore: marshal consented_actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships (relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RelationshipID, r.PatientAgentID, r.ProviderNPI, string(r.Status), string(actionsJSON), r.PatientPublicKey, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("relstore: create: %w", err)
	}
	observability.AddSpanEvent(ctx, "relstore.create", observability.RelationshipOperation(r.RelationshipID, string(r.Status), "created")...)
	return nil
}

// FindByID returns the relationship with the given ID.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE relationship_id = ?`, id)
	return scanRelationship(row)
}

// FindActiveByPair returns the sole non-terminated relationship for a
// (patient_agent_id, provider_npi) pair, if one exists.
func (s *Store) FindActiveByPair(ctx context.Context, patientAgentID, providerNPI string) (*domain.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE patient_agent_id = ? AND provider_npi = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`, patientAgentID, providerNPI, string(domain.StatusTerminated))
	return scanRelationship(row)
}

// FindByPatient lists relationships for a patient.
func (s *Store) FindByPatient(ctx context.Context, patientAgentID string, offset, limit int) ([]domain.Relationship, error) {
	return s.query(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE patient_agent_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, patientAgentID, limit, offset)
}

// FindByProvider lists relationships for a provider.
func (s *Store) FindByProvider(ctx context.Context, providerNPI string, offset, limit int) ([]domain.Relationship, error) {
	return s.query(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE provider_npi = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, providerNPI, limit, offset)
}

// FindByStatus lists relationships in a given status.
func (s *Store) FindByStatus(ctx context.Context, status domain.RelationshipStatus, offset, limit int) ([]domain.Relationship, error) {
	return s.query(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, string(status), limit, offset)
}

// List returns relationships matching optional status/provider filters,
// the projection the administrative read API consumes. patient_public_key
// is stripped here — callers that need it use FindByID directly.
func (s *Store) List(ctx context.Context, status domain.RelationshipStatus, providerNPI string, offset, limit int) ([]domain.Relationship, error) {
	query := `SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at FROM relationships WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if providerNPI != "" {
		query += " AND provider_npi = ?"
		args = append(args, providerNPI)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rels, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range rels {
		rels[i].PatientPublicKey = ""
	}
	return rels, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Relationship
	for rows.Next() {
		r, err := scanRelationshipRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a relationship's status. It refuses to mutate
// a terminated row — that invariant is permanent.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.RelationshipStatus) error {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == domain.StatusTerminated {
		return ErrAlreadyTerminated
	}

	res, err := s.db.ExecContext(ctx, `UPDATE relationships SET status = ?, updated_at = ? WHERE relationship_id = ? AND status != ?`,
		string(status), time.Now().UTC(), id, string(domain.StatusTerminated))
	if err != nil {
		return fmt.Errorf("relstore: update_status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relstore: update_status rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyTerminated
	}
	observability.AddSpanEvent(ctx, "relstore.update_status", observability.RelationshipOperation(id, string(status), "status_updated")...)
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRelationship(row *sql.Row) (*domain.Relationship, error) {
	r, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func scanRelationshipRow(rows *sql.Rows) (*domain.Relationship, error) {
	return scanRow(rows)
}

func scanRow(s scanner) (*domain.Relationship, error) {
	var (
		r          domain.Relationship
		status     string
		actionsRaw string
	)
	if err := s.Scan(&r.RelationshipID, &r.PatientAgentID, &r.ProviderNPI, &status, &actionsRaw, &r.PatientPublicKey, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = domain.RelationshipStatus(status)
	if err := json.Unmarshal([]byte(actionsRaw), &r.ConsentedActions); err != nil {
		return nil, fmt.Errorf("relstore: unmarshal consented_actions: %w", err)
	}
	return &r, nil
}

// CreateTerminationRecord inserts a TerminationRecord row. Used by
// internal/termination inside its single transaction.
func (s *Store) CreateTerminationRecord(ctx context.Context, tr domain.TerminationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO termination_records (termination_id, relationship_id, provider_npi, reason, terminated_at, audit_entry_sequence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.TerminationID, tr.RelationshipID, tr.ProviderNPI, tr.Reason, tr.TerminatedAt, tr.AuditEntrySequence,
	)
	if err != nil {
		return fmt.Errorf("relstore: create termination record: %w", err)
	}
	return nil
}

// BeginTx starts a transaction for callers (internal/termination, C6's
// PERSISTING step) that must run several relstore operations atomically.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// WithTx returns a Store bound to tx instead of s.db, so the same method
// set can run inside a caller-managed transaction.
func (s *Store) WithTx(tx *sql.Tx) *TxStore {
	return &TxStore{tx: tx}
}

// TxStore is Store's method set bound to a single transaction.
type TxStore struct {
	tx *sql.Tx
}

func (t *TxStore) FindByID(ctx context.Context, id string) (*domain.Relationship, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE relationship_id = ?`, id)
	return scanRelationship(row)
}

func (t *TxStore) FindActiveByPair(ctx context.Context, patientAgentID, providerNPI string) (*domain.Relationship, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at
		FROM relationships WHERE patient_agent_id = ? AND provider_npi = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`, patientAgentID, providerNPI, string(domain.StatusTerminated))
	return scanRelationship(row)
}

func (t *TxStore) Create(ctx context.Context, r domain.Relationship) error {
	actionsJSON, err := json.Marshal(r.ConsentedActions)
	if err != nil {
		return fmt.Errorf("relstore: marshal consented_actions: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO relationships (relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RelationshipID, r.PatientAgentID, r.ProviderNPI, string(r.Status), string(actionsJSON), r.PatientPublicKey, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("relstore: create: %w", err)
	}
	observability.AddSpanEvent(ctx, "relstore.create", observability.RelationshipOperation(r.RelationshipID, string(r.Status), "created")...)
	return nil
}

func (t *TxStore) UpdateStatus(ctx context.Context, id string, status domain.RelationshipStatus) error {
	current, err := t.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == domain.StatusTerminated {
		return ErrAlreadyTerminated
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE relationships SET status = ?, updated_at = ? WHERE relationship_id = ? AND status != ?`,
		string(status), time.Now().UTC(), id, string(domain.StatusTerminated))
	if err != nil {
		return fmt.Errorf("relstore: update_status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyTerminated
	}
	observability.AddSpanEvent(ctx, "relstore.update_status", observability.RelationshipOperation(id, string(status), "status_updated")...)
	return nil
}

func (t *TxStore) CreateTerminationRecord(ctx context.Context, tr domain.TerminationRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO termination_records (termination_id, relationship_id, provider_npi, reason, terminated_at, audit_entry_sequence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.TerminationID, tr.RelationshipID, tr.ProviderNPI, tr.Reason, tr.TerminatedAt, tr.AuditEntrySequence,
	)
	if err != nil {
		return fmt.Errorf("relstore: create termination record: %w", err)
	}
	return nil
}
