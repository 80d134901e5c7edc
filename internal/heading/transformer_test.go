package heading

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []Heading{Allergies, Contacts, Medications, Problems, Procedures, Vaccinations}, r.Headings())

	_, ok := r.Get(Finished)
	assert.False(t, ok)

	for _, h := range r.Headings() {
		tr, ok := r.Writable(h)
		require.True(t, ok, h)
		q, ok := tr.Query(DialectAQL)
		require.True(t, ok, h)
		assert.Contains(t, q, "{{ehrId}}", h)
	}
}

func TestWritableRequiresTemplate(t *testing.T) {
	readOnly := &allergiesTransformer{base{heading: Allergies}}
	r := NewRegistry(readOnly)

	_, ok := r.Get(Allergies)
	assert.True(t, ok)
	_, ok = r.Writable(Allergies)
	assert.False(t, ok)
}

func TestRenderQuery(t *testing.T) {
	tr, _ := DefaultRegistry().Get(Procedures)
	tmpl, ok := tr.Query(DialectAQL)
	require.True(t, ok)

	q := RenderQuery(tmpl, "ehr-123")
	assert.Contains(t, q, "ehr_id/value = 'ehr-123'")
	assert.NotContains(t, q, "{{")

	sql, ok := tr.Query(DialectSQL)
	require.True(t, ok)
	assert.Equal(t, sql, RenderQuery(sql, "ehr-123"))
	assert.Contains(t, sql, "@ehrId")
}

func TestFromNative(t *testing.T) {
	tr, _ := DefaultRegistry().Get(Procedures)

	t.Run("iso date", func(t *testing.T) {
		n, err := tr.FromNative([]byte(`{
			"uid": "abc::ripple_osi.ehrscape.c4h::1",
			"procedure_name": "Appendectomy",
			"procedure_datetime": "2018-03-01T10:00:00Z",
			"author": "Dr Tony Shannon"
		}`))
		require.NoError(t, err)
		assert.Equal(t, "abc::ripple_osi.ehrscape.c4h::1", n.UID)
		assert.Equal(t, "Appendectomy", n.Payload["name"])
		require.NotNil(t, n.Date)
		assert.Equal(t, time.Date(2018, 3, 1, 10, 0, 0, 0, time.UTC), *n.Date)
	})

	t.Run("epoch millis", func(t *testing.T) {
		n, err := tr.FromNative([]byte(`{"uid": "x", "procedure_datetime": 1519898400000}`))
		require.NoError(t, err)
		require.NotNil(t, n.Date)
		assert.Equal(t, int64(1519898400000), n.Date.UnixMilli())
	})

	t.Run("undated", func(t *testing.T) {
		n, err := tr.FromNative([]byte(`{"uid": "x", "procedure_name": "Biopsy"}`))
		require.NoError(t, err)
		assert.Nil(t, n.Date)
	})

	t.Run("missing uid", func(t *testing.T) {
		_, err := tr.FromNative([]byte(`{"procedure_name": "Biopsy"}`))
		assert.ErrorIs(t, err, ErrNoNativeID)

		_, err = tr.FromNative([]byte(`{"uid": 42}`))
		assert.ErrorIs(t, err, ErrNoNativeID)
	})
}

func TestContactsAreUndated(t *testing.T) {
	tr, _ := DefaultRegistry().Get(Contacts)
	assert.Empty(t, tr.DateField())

	n, err := tr.FromNative([]byte(`{"uid": "c1", "name": "Jane Doe", "next_of_kin": true}`))
	require.NoError(t, err)
	assert.Nil(t, n.Date)
	assert.Equal(t, "true", n.Payload["nextOfKin"])
}

func TestToNative(t *testing.T) {
	r := DefaultRegistry()

	t.Run("create requires fields", func(t *testing.T) {
		tr, _ := r.Writable(Procedures)
		_, err := tr.ToNative(OperationCreate, map[string]any{"name": "Biopsy"})
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "date"))
	})

	t.Run("update accepts partial payload", func(t *testing.T) {
		tr, _ := r.Writable(Procedures)
		out, err := tr.ToNative(OperationUpdate, map[string]any{"notes": "healed"})
		require.NoError(t, err)
		assert.Equal(t, "healed", out["procedures_list/procedures_list:0/procedure:0/procedure_notes"])
		assert.Equal(t, "en", out["ctx/language"])
	})

	t.Run("dates are written as RFC3339", func(t *testing.T) {
		tr, _ := r.Writable(Procedures)
		out, err := tr.ToNative(OperationCreate, map[string]any{
			"name":   "Biopsy",
			"date":   float64(1519898400000),
			"author": "Dr Tony Shannon",
			"source": "discovery",
		})
		require.NoError(t, err)
		assert.Equal(t, "2018-03-01T10:00:00Z", out["procedures_list/procedures_list:0/procedure:0/time"])
		assert.Equal(t, "completed", out["procedures_list/procedures_list:0/procedure:0/ism_transition/current_state|value"])
		assert.Equal(t, "Dr Tony Shannon", out["ctx/composer_name"])
		assert.Equal(t, "discovery", out["ctx/health_care_facility|name"])
	})

	t.Run("problems default terminology", func(t *testing.T) {
		tr, _ := r.Writable(Problems)
		out, err := tr.ToNative(OperationCreate, map[string]any{
			"problem":     "Asthma",
			"code":        "195967001",
			"dateOfOnset": "2017-06-01",
		})
		require.NoError(t, err)
		assert.Equal(t, "SNOMED-CT", out["problems_and_issues/problem_diagnosis:0/problem_diagnosis_name|terminology"])
	})

	t.Run("medication route", func(t *testing.T) {
		tr, _ := r.Writable(Medications)
		_, err := tr.ToNative(OperationCreate, map[string]any{"name": "Aspirin", "doseAmount": "75mg", "route": "nasal spray"})
		assert.Error(t, err)

		_, err = tr.ToNative(OperationCreate, map[string]any{"name": "Aspirin", "doseAmount": "75mg", "route": "Oral"})
		assert.NoError(t, err)
	})

	t.Run("vaccination series", func(t *testing.T) {
		tr, _ := r.Writable(Vaccinations)
		_, err := tr.ToNative(OperationCreate, map[string]any{
			"vaccinationName":     "Influenza",
			"vaccinationDateTime": "2018-10-01",
			"seriesNumber":        float64(0),
		})
		assert.Error(t, err)
	})
}
