package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
)

// Mapping links a record of the discovery service to the local record it
// was merged into.
type Mapping struct {
	DiscoverySourceID string           `json:"discoverySourceId"`
	LocalSourceID     heading.SourceID `json:"localSourceId"`
	Heading           heading.Heading  `json:"heading"`
	PatientID         string           `json:"patientId"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// MappingStore keeps mappings in two directions that always agree.
type MappingStore interface {
	ByDiscovery(ctx context.Context, discoverySourceID string) (Mapping, bool, error)
	ByLocal(ctx context.Context, localSourceID heading.SourceID) (Mapping, bool, error)
	Add(ctx context.Context, m Mapping) error
	Remove(ctx context.Context, discoverySourceID string) error
	All(ctx context.Context) ([]Mapping, error)
}

// MemoryMappings keeps mappings for the process lifetime.
type MemoryMappings struct {
	mu          sync.RWMutex
	byDiscovery map[string]Mapping
	byLocal     map[heading.SourceID]string
}

// NewMemoryMappings creates an empty in-memory mapping store
func NewMemoryMappings() *MemoryMappings {
	return &MemoryMappings{
		byDiscovery: make(map[string]Mapping),
		byLocal:     make(map[heading.SourceID]string),
	}
}

func (s *MemoryMappings) ByDiscovery(ctx context.Context, discoverySourceID string) (Mapping, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byDiscovery[discoverySourceID]
	return m, ok, nil
}

func (s *MemoryMappings) ByLocal(ctx context.Context, localSourceID heading.SourceID) (Mapping, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLocal[localSourceID]
	if !ok {
		return Mapping{}, false, nil
	}
	return s.byDiscovery[id], true, nil
}

func (s *MemoryMappings) Add(ctx context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDiscovery[m.DiscoverySourceID]; ok {
		return fmt.Errorf("discovery record %s is already mapped", m.DiscoverySourceID)
	}
	if _, ok := s.byLocal[m.LocalSourceID]; ok {
		return fmt.Errorf("local record %s is already mapped", m.LocalSourceID)
	}
	s.byDiscovery[m.DiscoverySourceID] = m
	s.byLocal[m.LocalSourceID] = m.DiscoverySourceID
	return nil
}

func (s *MemoryMappings) Remove(ctx context.Context, discoverySourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byDiscovery[discoverySourceID]
	if !ok {
		return nil
	}
	delete(s.byDiscovery, discoverySourceID)
	delete(s.byLocal, m.LocalSourceID)
	return nil
}

func (s *MemoryMappings) All(ctx context.Context) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Mapping, 0, len(s.byDiscovery))
	for _, m := range s.byDiscovery {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoverySourceID < out[j].DiscoverySourceID })
	return out, nil
}

// Len returns the number of mappings. Both directions are checked to agree.
func (s *MemoryMappings) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.byDiscovery) != len(s.byLocal) {
		panic("discovery mapping directions disagree")
	}
	return len(s.byDiscovery)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ querier = (*pgxpool.Pool)(nil)

// PostgresMappings keeps mappings in the discovery_mappings table. Both
// columns are unique, so one row serves both directions.
type PostgresMappings struct {
	db querier
}

// NewPostgresMappings creates a mapping store on a pgx pool
func NewPostgresMappings(pool *pgxpool.Pool) *PostgresMappings {
	return &PostgresMappings{db: pool}
}

const mappingColumns = `discovery_source_id, local_source_id, heading, patient_id, created_at`

func scanMapping(row pgx.Row) (Mapping, error) {
	var m Mapping
	var local, h string
	if err := row.Scan(&m.DiscoverySourceID, &local, &h, &m.PatientID, &m.CreatedAt); err != nil {
		return Mapping{}, err
	}
	m.LocalSourceID = heading.SourceID(local)
	m.Heading = heading.Heading(h)
	return m, nil
}

func (s *PostgresMappings) get(ctx context.Context, column, value string) (Mapping, bool, error) {
	m, err := scanMapping(s.db.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM discovery_mappings WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, false, nil
	}
	if err != nil {
		return Mapping{}, false, fmt.Errorf("failed to get discovery mapping: %w", err)
	}
	return m, true, nil
}

func (s *PostgresMappings) ByDiscovery(ctx context.Context, discoverySourceID string) (Mapping, bool, error) {
	return s.get(ctx, "discovery_source_id", discoverySourceID)
}

func (s *PostgresMappings) ByLocal(ctx context.Context, localSourceID heading.SourceID) (Mapping, bool, error) {
	return s.get(ctx, "local_source_id", localSourceID.String())
}

func (s *PostgresMappings) Add(ctx context.Context, m Mapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO discovery_mappings (discovery_source_id, local_source_id, heading, patient_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.DiscoverySourceID, m.LocalSourceID.String(), m.Heading.String(), m.PatientID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add discovery mapping: %w", err)
	}
	return nil
}

func (s *PostgresMappings) Remove(ctx context.Context, discoverySourceID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM discovery_mappings WHERE discovery_source_id = $1`, discoverySourceID)
	if err != nil {
		return fmt.Errorf("failed to remove discovery mapping: %w", err)
	}
	return nil
}

func (s *PostgresMappings) All(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.Query(ctx, `SELECT `+mappingColumns+` FROM discovery_mappings ORDER BY discovery_source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list discovery mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discovery mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
