package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
)

// Item is one record held by the discovery service, in the normalized
// heading format.
type Item struct {
	SourceID string
	Fields   map[string]any
}

// Source reads the records of one heading from the discovery service.
type Source interface {
	Read(ctx context.Context, patientID string, h heading.Heading, authToken string) ([]Item, error)
}

// Client talks to the discovery service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a discovery service client
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "discovery-client").Logger(),
	}
}

// Read fetches GET /discovery/{patientId}/{heading}. Items without a
// sourceId are dropped.
func (c *Client) Read(ctx context.Context, patientID string, h heading.Heading, authToken string) ([]Item, error) {
	start := time.Now()
	items, err := c.read(ctx, patientID, h, authToken)
	metrics.RecordHostRequest("discovery", "read", err, time.Since(start))
	return items, err
}

func (c *Client) read(ctx context.Context, patientID string, h heading.Heading, authToken string) ([]Item, error) {
	endpoint := c.baseURL + "/discovery/" + url.PathEscape(patientID) + "/" + url.PathEscape(h.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery service returned %d for %s", resp.StatusCode, h)
	}

	status, _ := jsonparser.GetString(body, "status")
	var items []Item
	var parseErr error
	_, err = jsonparser.ArrayEach(body, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if parseErr != nil || dataType != jsonparser.Object {
			return
		}
		sourceID, err := jsonparser.GetString(value, "sourceId")
		if err != nil || sourceID == "" {
			c.logger.Warn().Str("heading", h.String()).Msg("discovery item without sourceId dropped")
			return
		}
		fields := make(map[string]any)
		if err := json.Unmarshal(value, &fields); err != nil {
			parseErr = err
			return
		}
		items = append(items, Item{SourceID: sourceID, Fields: fields})
	}, "results")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, fmt.Errorf("failed to parse discovery results: %w", err)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse discovery item: %w", parseErr)
	}

	c.logger.Debug().
		Str("heading", h.String()).
		Str("status", status).
		Int("items", len(items)).
		Msg("read discovery heading")
	return items, nil
}
