package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
)

// SQLClient reads headings straight from a Heliant HIS SQL Server database.
// The database has no notion of sessions, so a session is a successful
// connection check with a synthetic token. Writes are refused.
type SQLClient struct {
	cfg          config.HostConfig
	db           *sql.DB
	patientTable string
	logger       zerolog.Logger
}

// OpenSQLClient opens the connection pool of a heliant platform host.
// The connection is verified on the first session start.
func OpenSQLClient(cfg config.HostConfig, logger zerolog.Logger) (*SQLClient, error) {
	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		cfg.BaseURL,
		cfg.DBPort,
		cfg.Database,
		cfg.Username,
		cfg.Password,
	)
	if cfg.Encrypt {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return NewSQLClient(cfg, db, logger), nil
}

// NewSQLClient wraps an open database handle
func NewSQLClient(cfg config.HostConfig, db *sql.DB, logger zerolog.Logger) *SQLClient {
	return &SQLClient{
		cfg:          cfg,
		db:           db,
		patientTable: "dbo.Patients",
		logger:       logger.With().Str("host", cfg.ID).Logger(),
	}
}

func (c *SQLClient) ID() string               { return c.cfg.ID }
func (c *SQLClient) Queryable() bool          { return c.cfg.Queryable }
func (c *SQLClient) Dialect() heading.Dialect { return heading.DialectSQL }

// Close closes the connection pool
func (c *SQLClient) Close() error {
	return c.db.Close()
}

func (c *SQLClient) StartSession(ctx context.Context) (string, error) {
	start := time.Now()
	err := c.db.PingContext(ctx)
	metrics.RecordHostRequest(c.cfg.ID, "start_session", err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("failed to ping database: %w", err)
	}
	return uuid.NewString(), nil
}

func (c *SQLClient) StopSession(ctx context.Context, token string) error {
	return nil
}

// ResolveRecordRoot maps an NHS number to the HIS patient id
func (c *SQLClient) ResolveRecordRoot(ctx context.Context, token, patientID string) (string, error) {
	query := fmt.Sprintf(`SELECT CAST(PatientID AS NVARCHAR(64)) FROM %s WHERE NHSNumber = @nhs`, c.patientTable)

	start := time.Now()
	var id string
	err := c.db.QueryRowContext(ctx, query, sql.Named("nhs", patientID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordHostRequest(c.cfg.ID, "get_record_root", nil, time.Since(start))
		return "", ErrNoRecordRoot
	}
	metrics.RecordHostRequest(c.cfg.ID, "get_record_root", err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("failed to fetch patient: %w", err)
	}
	return id, nil
}

func (c *SQLClient) CreateRecordRoot(ctx context.Context, token, patientID string) (string, error) {
	return "", apperrors.WriteRejected(c.cfg.ID, "patient registration is not supported")
}

// Query runs a heading SQL template with the patient id bound to @ehrId and
// returns every row as a JSON object keyed by column alias.
func (c *SQLClient) Query(ctx context.Context, token, tmpl, ehrID string) ([]json.RawMessage, error) {
	start := time.Now()
	rows, err := c.query(ctx, tmpl, ehrID)
	metrics.RecordHostRequest(c.cfg.ID, "query", err, time.Since(start))
	return rows, err
}

func (c *SQLClient) query(ctx context.Context, tmpl, ehrID string) ([]json.RawMessage, error) {
	rows, err := c.db.QueryContext(ctx, tmpl, sql.Named("ehrId", ehrID))
	if err != nil {
		return nil, fmt.Errorf("failed to query heading: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []json.RawMessage
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = columnValue(values[i])
		}
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal row: %w", err)
		}
		out = append(out, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return out, nil
}

func columnValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return t
	}
}

func (c *SQLClient) CreateComposition(ctx context.Context, token, ehrID, templateID string, body map[string]any) (string, error) {
	return "", apperrors.WriteRejected(c.cfg.ID, "host is read only")
}

func (c *SQLClient) UpdateComposition(ctx context.Context, token, ehrID, templateID, uid string, body map[string]any) (string, error) {
	return "", apperrors.WriteRejected(c.cfg.ID, "host is read only")
}

func (c *SQLClient) DeleteComposition(ctx context.Context, token, uid string) error {
	return apperrors.WriteRejected(c.cfg.ID, "host is read only")
}
