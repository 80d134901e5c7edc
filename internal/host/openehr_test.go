package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
)

// fakeEtherCIS serves the openEHR REST protocol for one patient.
func fakeEtherCIS(t *testing.T, queryBody string) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Post("/rest/v1/session", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "guest" || r.URL.Query().Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"sessionId":"ses-1"}`))
	})
	r.Delete("/rest/v1/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ehr-Session") != "ses-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/rest/v1/ehr", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("subjectId") != "9999999000" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "uk.nhs.nhs_number", r.URL.Query().Get("subjectNamespace"))
		w.Write([]byte(`{"ehrId":"ehr-42"}`))
	})
	r.Post("/rest/v1/ehr", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ehrId":"ehr-new"}`))
	})
	r.Get("/rest/v1/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("query"), "'ehr-42'")
		w.Write([]byte(queryBody))
	})
	r.Post("/rest/v1/composition", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("templateId") == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"templateId missing"}`))
			return
		}
		assert.Equal(t, "FLAT", q.Get("format"))
		body, _ := io.ReadAll(r.Body)
		var flat map[string]any
		assert.NoError(t, json.Unmarshal(body, &flat))
		w.Write([]byte(`{"compositionUid":"c1::ripple_osi.ehrscape.c4h::1"}`))
	})
	r.Put("/rest/v1/composition/{uid}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"compositionUid":"` + chi.URLParam(r, "uid") + `"}`))
	})
	r.Delete("/rest/v1/composition/{uid}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "uid") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRESTClient(url string) *RESTClient {
	cfg := config.HostConfig{
		ID:        "ethercis",
		BaseURL:   url,
		Username:  "guest",
		Password:  "secret",
		Queryable: true,
	}.WithDefaults()
	return NewRESTClient(cfg, zerolog.Nop())
}

func TestRESTClientSession(t *testing.T) {
	srv := fakeEtherCIS(t, `{}`)
	c := newTestRESTClient(srv.URL)
	ctx := context.Background()

	token, err := c.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ses-1", token)
	assert.NoError(t, c.StopSession(ctx, token))

	bad := newTestRESTClient(srv.URL)
	bad.cfg.Password = "wrong"
	_, err = bad.StartSession(ctx)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
}

func TestRESTClientRecordRoot(t *testing.T) {
	srv := fakeEtherCIS(t, `{}`)
	c := newTestRESTClient(srv.URL)
	ctx := context.Background()

	ehrID, err := c.ResolveRecordRoot(ctx, "ses-1", "9999999000")
	require.NoError(t, err)
	assert.Equal(t, "ehr-42", ehrID)

	_, err = c.ResolveRecordRoot(ctx, "ses-1", "9999999001")
	assert.ErrorIs(t, err, ErrNoRecordRoot)

	ehrID, err = c.CreateRecordRoot(ctx, "ses-1", "9999999001")
	require.NoError(t, err)
	assert.Equal(t, "ehr-new", ehrID)
}

func TestRESTClientQuery(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"rows", `{"resultSet":[{"uid":"a"},{"uid":"b"}]}`, 2},
		{"empty body", ``, 0},
		{"not json", `<html>oops</html>`, 0},
		{"no result set", `{"meta":{}}`, 0},
		{"non object rows skipped", `{"resultSet":[{"uid":"a"}, "junk", 3]}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeEtherCIS(t, tt.body)
			c := newTestRESTClient(srv.URL)

			rows, err := c.Query(context.Background(), "ses-1", "select a from EHR e [ehr_id/value = '{{ehrId}}']", "ehr-42")
			require.NoError(t, err)
			assert.Len(t, rows, tt.want)
		})
	}
}

func TestRESTClientQueryHostError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL)
	_, err := c.Query(context.Background(), "ses-1", "q", "ehr-42")
	assert.Error(t, err)
}

func TestRESTClientCompositions(t *testing.T) {
	srv := fakeEtherCIS(t, `{}`)
	c := newTestRESTClient(srv.URL)
	ctx := context.Background()

	uid, err := c.CreateComposition(ctx, "ses-1", "ehr-42", "IDCR Procedures List.v0", map[string]any{"ctx/language": "en"})
	require.NoError(t, err)
	assert.Equal(t, "c1::ripple_osi.ehrscape.c4h::1", uid)

	_, err = c.CreateComposition(ctx, "ses-1", "ehr-42", "", map[string]any{})
	assert.ErrorIs(t, err, apperrors.ErrWriteRejected)

	uid, err = c.UpdateComposition(ctx, "ses-1", "ehr-42", "IDCR Procedures List.v0", "c1::ripple_osi.ehrscape.c4h::1", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "c1::ripple_osi.ehrscape.c4h::1", uid)

	assert.NoError(t, c.DeleteComposition(ctx, "ses-1", "c1"))
	assert.ErrorIs(t, c.DeleteComposition(ctx, "ses-1", "gone"), apperrors.ErrNotFound)
}
