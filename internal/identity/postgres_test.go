package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.value
	return nil
}

type fakeQuerier struct {
	rows  map[string]string
	execs []string
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, sql)
	k := args[0].(string) + "/" + args[1].(string)
	if _, ok := q.rows[k]; !ok {
		q.rows[k] = args[2].(string)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	v, ok := q.rows[args[0].(string)+"/"+args[1].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: v}
}

func TestPostgresStore(t *testing.T) {
	q := &fakeQuerier{rows: map[string]string{}}
	s := &PostgresStore{db: q}
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "9999999000", "ethercis")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "9999999000", "ethercis", "ehr-1"))
	require.Len(t, q.execs, 1)
	assert.True(t, strings.Contains(q.execs[0], "ON CONFLICT (patient_id, host_id) DO NOTHING"))

	id, ok, err := s.Get(ctx, "9999999000", "ethercis")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ehr-1", id)
}
