// Package identity maps a patient to the record-root id each host keeps for
// them. Identities are created once and never expire.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists (patient, host) -> record-root id.
type Store interface {
	Get(ctx context.Context, patientID, hostID string) (string, bool, error)
	Put(ctx context.Context, patientID, hostID, ehrID string) error
}

type key struct {
	patient string
	host    string
}

// MemoryStore keeps identities for the process lifetime.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[key]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[key]string)}
}

func (s *MemoryStore) Get(ctx context.Context, patientID, hostID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ids[key{patientID, hostID}]
	return id, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, patientID, hostID, ehrID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{patientID, hostID}
	if _, ok := s.ids[k]; !ok {
		s.ids[k] = ehrID
	}
	return nil
}

// Len returns the number of stored identities
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// querier is the part of pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ querier = (*pgxpool.Pool)(nil)

// PostgresStore keeps identities in the ehr_identities table.
type PostgresStore struct {
	db querier
}

// NewPostgresStore creates a store on a pgx pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (s *PostgresStore) Get(ctx context.Context, patientID, hostID string) (string, bool, error) {
	var ehrID string
	err := s.db.QueryRow(ctx,
		`SELECT ehr_id FROM ehr_identities WHERE patient_id = $1 AND host_id = $2`,
		patientID, hostID,
	).Scan(&ehrID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get identity: %w", err)
	}
	return ehrID, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, patientID, hostID, ehrID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ehr_identities (patient_id, host_id, ehr_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, host_id) DO NOTHING`,
		patientID, hostID, ehrID,
	)
	if err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}
