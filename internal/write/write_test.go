package write

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/cache"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/fetch"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host/hosttest"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/identity"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/events"
)

const patient = "9999999000"

type fixture struct {
	writer   *Writer
	fetcher  *fetch.Fetcher
	caches   *cache.Sessions
	journal  *events.Memory
	ethercis *hosttest.Fake
	marand   *hosttest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ethercis := hosttest.New("ethercis").WithRoot(patient, "ehr-e")
	marand := hosttest.New("marand").WithRoot(patient, "ehr-m")
	sessions := host.NewSessionManager(host.NewRegistry(ethercis, marand), time.Minute, zerolog.Nop())
	resolver := identity.NewResolver(identity.NewMemoryStore(), zerolog.Nop())
	caches := cache.NewSessions(0)
	registry := heading.DefaultRegistry()
	journal := &events.Memory{}

	fetcher := fetch.New(fetch.Config{
		Sessions:     sessions,
		Identities:   resolver,
		Transformers: registry,
		Caches:       caches,
		Logger:       zerolog.Nop(),
	})

	w := New(Config{
		Sessions:     sessions,
		Identities:   resolver,
		Transformers: registry,
		Caches:       caches,
		Fetcher:      fetcher,
		Events:       journal,
		DefaultHost:  "ethercis",
		Logger:       zerolog.Nop(),
	})

	return &fixture{writer: w, fetcher: fetcher, caches: caches, journal: journal, ethercis: ethercis, marand: marand}
}

func procedure() map[string]any {
	return map[string]any{
		"name":   "Biopsy",
		"date":   "2018-03-01T10:00:00Z",
		"author": "Dr Tony Shannon",
	}
}

func TestCreateGoesToDefaultHost(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.UIDs = []string{"A::ripple_osi.ehrscape.c4h::1"}

	result, err := fx.writer.Write(context.Background(), "scope-1", Request{
		PatientID: patient,
		Heading:   heading.Procedures,
		Payload:   procedure(),
	})
	require.NoError(t, err)

	assert.Equal(t, heading.OperationCreate, result.Action)
	assert.Equal(t, "ethercis", result.Host)
	assert.Equal(t, "A::ripple_osi.ehrscape.c4h::1", result.CompositionUID)
	assert.Equal(t, heading.SourceID("ethercis-A"), result.SourceID)

	created := fx.ethercis.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "ehr-e", created[0].EhrID)
	assert.Equal(t, "IDCR Procedures List.v0", created[0].TemplateID)
	assert.Empty(t, fx.marand.Created())

	// the new record is not written into the cache
	_, ok := fx.caches.For("scope-1").Get("ethercis-A")
	assert.False(t, ok)

	assert.Len(t, fx.journal.Events(events.TypeHeadingWritten), 1)
}

func TestCreateWithHostOverride(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.writer.Write(context.Background(), "scope-1", Request{
		PatientID: patient,
		Heading:   heading.Procedures,
		Payload:   procedure(),
		Host:      "marand",
	})
	require.NoError(t, err)
	assert.Equal(t, "marand", result.Host)
	assert.Len(t, fx.marand.Created(), 1)
}

func TestWriteInvalidatesPatientHeading(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.AddRow("ehr-e", `{"uid":"e1::c4h::1","procedure_name":"Biopsy","procedure_datetime":"2018-01-01T00:00:00Z"}`)
	fx.marand.AddRow("ehr-m", `{"uid":"m1::c4h::1","procedure_name":"Scan"}`)
	ctx := context.Background()

	_, err := fx.fetcher.Fetch(ctx, "scope-1", patient, heading.Procedures)
	require.NoError(t, err)
	c := fx.caches.For("scope-1")
	require.Equal(t, 2, c.Len())

	c.Put(heading.Record{
		SourceID: "ethercis-allergy", HostID: "ethercis", NativeID: "allergy",
		Heading: heading.Allergies, PatientID: patient,
	})

	result, err := fx.writer.Write(ctx, "scope-1", Request{
		PatientID: patient,
		Heading:   heading.Procedures,
		SourceID:  "marand-m1",
		Payload:   map[string]any{"notes": "healed"},
	})
	require.NoError(t, err)
	assert.Equal(t, heading.OperationUpdate, result.Action)
	assert.Equal(t, "marand", result.Host)

	updated := fx.marand.Updated()
	require.Len(t, updated, 1)
	assert.Equal(t, "m1::c4h::1", updated[0].UID)

	assert.Empty(t, c.ByDate(patient, heading.Procedures))
	assert.Empty(t, c.ByHost(patient, heading.Procedures, "ethercis"))
	assert.Empty(t, c.ByHost(patient, heading.Procedures, "marand"))
	assert.Empty(t, c.ByHeading(heading.Procedures))
	for _, id := range []heading.SourceID{"ethercis-e1", "marand-m1"} {
		_, ok := c.Get(id)
		assert.False(t, ok, id)
	}
	assert.False(t, c.Covered(patient, heading.Procedures, []string{"ethercis", "marand"}))
	assert.Len(t, c.ByHeading(heading.Allergies), 1)
	require.NoError(t, c.Verify())
}

func TestWriteRejected(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.CreateErr = apperrors.WriteRejected("ethercis", "template validation failed")

	_, err := fx.writer.Write(context.Background(), "scope-1", Request{
		PatientID: patient,
		Heading:   heading.Procedures,
		Payload:   procedure(),
	})
	assert.ErrorIs(t, err, apperrors.ErrWriteRejected)
	assert.Empty(t, fx.journal.Events(""))
}

func TestWriteHostErrorPropagates(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.StartErr = errors.New("connection refused")

	_, err := fx.writer.Write(context.Background(), "scope-1", Request{
		PatientID: patient,
		Heading:   heading.Procedures,
		Payload:   procedure(),
	})
	assert.ErrorIs(t, err, apperrors.ErrSession)
}

func TestWriteBadRequests(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"no write definition", Request{PatientID: patient, Heading: "topThreeThings", Payload: procedure()}},
		{"invalid patient", Request{PatientID: "abc", Heading: heading.Procedures, Payload: procedure()}},
		{"empty payload", Request{PatientID: patient, Heading: heading.Procedures}},
		{"bad source id", Request{PatientID: patient, Heading: heading.Procedures, SourceID: "nodash", Payload: procedure()}},
		{"missing required field", Request{PatientID: patient, Heading: heading.Procedures, Payload: map[string]any{"name": "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.writer.Write(ctx, "scope-1", tt.req)
			assert.ErrorIs(t, err, apperrors.ErrBadRequest)
		})
	}
	assert.Empty(t, fx.ethercis.Created())
}

func TestDeleteCachedRecord(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.AddRow("ehr-e", `{"uid":"e1::c4h::1","procedure_name":"Biopsy"}`)
	ctx := context.Background()

	_, err := fx.fetcher.Fetch(ctx, "scope-1", patient, heading.Procedures)
	require.NoError(t, err)

	result, err := fx.writer.Delete(ctx, "scope-1", patient, heading.Procedures, "ethercis-e1")
	require.NoError(t, err)
	assert.Equal(t, heading.OperationDelete, result.Action)
	assert.Equal(t, []string{"e1::c4h::1"}, fx.ethercis.Deleted())
	assert.Equal(t, 0, fx.caches.For("scope-1").Len())
}

func TestDeleteRefetchesUncachedRecord(t *testing.T) {
	fx := newFixture(t)
	fx.marand.AddRow("ehr-m", `{"uid":"m1::c4h::1","procedure_name":"Scan"}`)

	_, err := fx.writer.Delete(context.Background(), "scope-1", patient, heading.Procedures, "marand-m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1::c4h::1"}, fx.marand.Deleted())
	assert.Equal(t, 1, fx.marand.Queries())
}

func TestDeleteUnknownRecord(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.writer.Delete(context.Background(), "scope-1", patient, heading.Procedures, "ethercis-missing")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "ethercis-missing", appErr.Details["id"])
}

func TestDeleteUnreadableHostIsNotNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.AddRow("ehr-e", `{"uid":"e1::c4h::1","procedure_name":"Biopsy"}`)
	fx.ethercis.QueryErr = errors.New("connection refused")

	_, err := fx.writer.Delete(context.Background(), "scope-1", patient, heading.Procedures, "ethercis-e1")
	require.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, fx.ethercis.Deleted())
}

func TestDeleteHostNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.ethercis.AddRow("ehr-e", `{"uid":"e1::c4h::1","procedure_name":"Biopsy"}`)
	fx.ethercis.DeleteErr = apperrors.NotFound("composition", "e1::c4h::1")

	_, err := fx.writer.Delete(context.Background(), "scope-1", patient, heading.Procedures, "ethercis-e1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	// a failed delete leaves the cache alone
	assert.Equal(t, 1, fx.caches.For("scope-1").Len())
}
