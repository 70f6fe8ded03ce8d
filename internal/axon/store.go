package axon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/pkg/kms"
	"github.com/careagent/neuron/pkg/observability"

	_ "modernc.org/sqlite"
)

// Store persists RegistrationState across restarts: a single
// neuron_registration row plus a provider_registrations table, per
// spec §6's schema. Grounded on internal/relstore's migrate-on-
// construct shape (itself grounded on the prior implementation's
// pkg/store/receipt_store_sqlite.go), generalized to a single-row
// table instead of an append-only one.
//
// The bearer token is encrypted at rest with kms.Manager — Save
// encrypts before the INSERT/UPDATE, Load decrypts after the SELECT,
// so every other part of this package only ever handles it in
// plaintext.
type Store struct {
	db  *sql.DB
	kms kms.Manager
}

// Open opens (creating if necessary) a sqlite-backed Store at path.
func Open(path string, km kms.Manager) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("axon: open database: %w", err)
	}
	return New(db, km)
}

// New wraps an existing *sql.DB, running migrations against it.
func New(db *sql.DB, km kms.Manager) (*Store, error) {
	s := &Store{db: db, kms: km}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS neuron_registration (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	organization_npi TEXT NOT NULL,
	organization_name TEXT NOT NULL,
	organization_type TEXT NOT NULL,
	axon_registry_url TEXT NOT NULL,
	endpoint_url TEXT NOT NULL,
	registration_id TEXT NOT NULL DEFAULT '',
	bearer_token TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_registrations (
	provider_npi TEXT PRIMARY KEY,
	axon_provider_id TEXT NOT NULL DEFAULT '',
	registered INTEGER NOT NULL DEFAULT 0,
	registered_at DATETIME
);
`)
	if err != nil {
		return fmt.Errorf("axon: migrate: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("axon: read migration state: %w", err)
	}
	if version == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (1)`); err != nil {
			return fmt.Errorf("axon: record migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the persisted RegistrationState, or an unregistered
// zero-value state if the organization has never enrolled.
func (s *Store) Load(ctx context.Context) (*domain.RegistrationState, error) {
	var (
		state            domain.RegistrationState
		encryptedToken   string
		createdAt        time.Time
		updatedAt        time.Time
	)
	row := s.db.QueryRowContext(ctx, `
SELECT organization_npi, organization_name, organization_type, axon_registry_url,
       endpoint_url, registration_id, bearer_token, status, created_at, updated_at
FROM neuron_registration WHERE id = 1`)

	err := row.Scan(&state.OrganizationNPI, &state.OrganizationName, &state.OrganizationType,
		&state.AxonRegistryURL, &state.EndpointURL, &state.RegistrationID, &encryptedToken,
		&state.Status, &createdAt, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		state.Status = domain.RegistrationUnregistered
	case err != nil:
		return nil, fmt.Errorf("axon: load registration state: %w", err)
	default:
		state.CreatedAt = createdAt
		state.UpdatedAt = updatedAt
		if encryptedToken != "" {
			token, err := s.kms.Decrypt(encryptedToken)
			if err != nil {
				return nil, fmt.Errorf("axon: decrypt bearer token: %w", err)
			}
			state.BearerToken = token
			observability.AddSpanEvent(ctx, "kms.decrypt", observability.CryptoOperation("aes-256-gcm", "decrypt", "bearer_token")...)
		}
	}

	providers, err := s.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	state.Providers = providers
	return &state, nil
}

// Save upserts the single registration row, encrypting the bearer
// token before it touches disk.
func (s *Store) Save(ctx context.Context, state domain.RegistrationState) error {
	encryptedToken, err := s.kms.Encrypt(state.BearerToken)
	if err != nil {
		return fmt.Errorf("axon: encrypt bearer token: %w", err)
	}
	observability.AddSpanEvent(ctx, "kms.encrypt", observability.CryptoOperation("aes-256-gcm", "encrypt", "bearer_token")...)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO neuron_registration
	(id, organization_npi, organization_name, organization_type, axon_registry_url,
	 endpoint_url, registration_id, bearer_token, status, created_at, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	organization_npi = excluded.organization_npi,
	organization_name = excluded.organization_name,
	organization_type = excluded.organization_type,
	axon_registry_url = excluded.axon_registry_url,
	endpoint_url = excluded.endpoint_url,
	registration_id = excluded.registration_id,
	bearer_token = excluded.bearer_token,
	status = excluded.status,
	updated_at = excluded.updated_at`,
		state.OrganizationNPI, state.OrganizationName, state.OrganizationType, state.AxonRegistryURL,
		state.EndpointURL, state.RegistrationID, encryptedToken, state.Status, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("axon: save registration state: %w", err)
	}
	return nil
}

// UpsertProvider records one provider's Axon enrollment result.
func (s *Store) UpsertProvider(ctx context.Context, p domain.ProviderRegistration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO provider_registrations (provider_npi, axon_provider_id, registered, registered_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(provider_npi) DO UPDATE SET
	axon_provider_id = excluded.axon_provider_id,
	registered = excluded.registered,
	registered_at = excluded.registered_at`,
		p.ProviderNPI, p.AxonProviderID, p.Registered, p.RegisteredAt)
	if err != nil {
		return fmt.Errorf("axon: upsert provider registration: %w", err)
	}
	return nil
}

// RemoveProvider deletes a provider's registration row, used when the
// administrative API retires a provider NPI from this organization. It
// does not notify Axon, so Axon's own record of the provider is left in
// place. An NPI still listed in Config.Providers is registered again by
// the Engine after its next successful heartbeat.
func (s *Store) RemoveProvider(ctx context.Context, providerNPI string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_registrations WHERE provider_npi = ?`, providerNPI)
	if err != nil {
		return fmt.Errorf("axon: remove provider registration: %w", err)
	}
	return nil
}

// ListProviders returns every tracked provider registration.
func (s *Store) ListProviders(ctx context.Context) ([]domain.ProviderRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider_npi, axon_provider_id, registered, registered_at FROM provider_registrations
ORDER BY provider_npi`)
	if err != nil {
		return nil, fmt.Errorf("axon: list provider registrations: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderRegistration
	for rows.Next() {
		var p domain.ProviderRegistration
		var registeredAt sql.NullTime
		if err := rows.Scan(&p.ProviderNPI, &p.AxonProviderID, &p.Registered, &registeredAt); err != nil {
			return nil, fmt.Errorf("axon: scan provider registration: %w", err)
		}
		if registeredAt.Valid {
			p.RegisteredAt = registeredAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
