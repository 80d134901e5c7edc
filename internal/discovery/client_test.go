package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
)

func newDiscoveryServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Get("/discovery/{patientId}/{heading}", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer jwt-token", req.Header.Get("Authorization"))
		assert.Equal(t, patient, chi.URLParam(req, "patientId"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRead(t *testing.T) {
	srv := newDiscoveryServer(t, `{
		"status": "success",
		"results": [
			{"sourceId": "disc-a", "problem": "Asthma", "dateOfOnset": 1483228800000},
			{"problem": "no id"},
			"not an object",
			{"sourceId": "disc-b", "problem": "Gout"}
		]
	}`, http.StatusOK)

	c := NewClient(srv.URL+"/", time.Second, zerolog.Nop())
	items, err := c.Read(context.Background(), patient, heading.Problems, "jwt-token")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "disc-a", items[0].SourceID)
	assert.Equal(t, "Asthma", items[0].Fields["problem"])
	assert.Equal(t, float64(1483228800000), items[0].Fields["dateOfOnset"])
	assert.Equal(t, "disc-b", items[1].SourceID)
}

func TestClientReadWithoutResults(t *testing.T) {
	srv := newDiscoveryServer(t, `{"status": "success"}`, http.StatusOK)

	items, err := NewClient(srv.URL, time.Second, zerolog.Nop()).Read(context.Background(), patient, heading.Problems, "jwt-token")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestClientReadErrorStatus(t *testing.T) {
	srv := newDiscoveryServer(t, `{"error": "unavailable"}`, http.StatusBadGateway)

	_, err := NewClient(srv.URL, time.Second, zerolog.Nop()).Read(context.Background(), patient, heading.Problems, "jwt-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
