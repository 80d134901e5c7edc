package host

import (
	"bytes"
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
	"golang.org/x/time/rate"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
)

// RESTClient speaks the openEHR REST protocol of EtherCIS and Marand hosts.
// Calls are never retried.
type RESTClient struct {
	cfg        config.HostConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewRESTClient creates a client for an openehr platform host
func NewRESTClient(cfg config.HostConfig, logger zerolog.Logger) *RESTClient {
	c := &RESTClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("host", cfg.ID).Logger(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *RESTClient) ID() string               { return c.cfg.ID }
func (c *RESTClient) Queryable() bool          { return c.cfg.Queryable }
func (c *RESTClient) Dialect() heading.Dialect { return heading.DialectAQL }

// StatusError is a non-2xx answer from a host.
type StatusError struct {
	Host   string
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("host %s %s: status %d: %s", e.Host, e.Op, e.Status, e.Body)
}

type response struct {
	status int
	body   []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c *RESTClient) do(ctx context.Context, op, method, path string, query url.Values, token string, body any) (response, error) {
	start := time.Now()
	resp, err := c.send(ctx, method, path, query, token, body)
	recErr := err
	if err == nil && !resp.ok() {
		recErr = c.statusError(op, resp)
	}
	metrics.RecordHostRequest(c.cfg.ID, op, recErr, time.Since(start))
	return resp, err
}

func (c *RESTClient) send(ctx context.Context, method, path string, query url.Values, token string, body any) (response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(c.cfg.SessionHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("host %s: %w", c.cfg.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("host %s: failed to read response: %w", c.cfg.ID, err)
	}

	return response{status: resp.StatusCode, body: data}, nil
}

func (c *RESTClient) statusError(op string, resp response) *StatusError {
	body := string(resp.body)
	if len(body) > 200 {
		body = body[:200]
	}
	return &StatusError{Host: c.cfg.ID, Op: op, Status: resp.status, Body: body}
}

func (c *RESTClient) StartSession(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("username", c.cfg.Username)
	q.Set("password", c.cfg.Password)

	resp, err := c.do(ctx, "start_session", http.MethodPost, c.cfg.Paths.Session, q, "", nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", c.statusError("start_session", resp)
	}

	token, err := jsonparser.GetString(resp.body, "sessionId")
	if err != nil || token == "" {
		return "", fmt.Errorf("host %s: response has no sessionId", c.cfg.ID)
	}
	return token, nil
}

func (c *RESTClient) StopSession(ctx context.Context, token string) error {
	resp, err := c.do(ctx, "stop_session", http.MethodDelete, c.cfg.Paths.Session, nil, token, nil)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return c.statusError("stop_session", resp)
	}
	return nil
}

func (c *RESTClient) subject(patientID string) url.Values {
	q := url.Values{}
	q.Set("subjectId", patientID)
	q.Set("subjectNamespace", c.cfg.SubjectNamespace)
	return q
}

func (c *RESTClient) ResolveRecordRoot(ctx context.Context, token, patientID string) (string, error) {
	resp, err := c.do(ctx, "get_record_root", http.MethodGet, c.cfg.Paths.RecordRoot, c.subject(patientID), token, nil)
	if err != nil {
		return "", err
	}
	if resp.status == http.StatusNotFound || resp.status == http.StatusNoContent {
		return "", ErrNoRecordRoot
	}
	if !resp.ok() {
		return "", c.statusError("get_record_root", resp)
	}

	ehrID, err := jsonparser.GetString(resp.body, "ehrId")
	if err != nil || ehrID == "" {
		return "", ErrNoRecordRoot
	}
	return ehrID, nil
}

func (c *RESTClient) CreateRecordRoot(ctx context.Context, token, patientID string) (string, error) {
	resp, err := c.do(ctx, "create_record_root", http.MethodPost, c.cfg.Paths.RecordRoot, c.subject(patientID), token, nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", c.statusError("create_record_root", resp)
	}

	ehrID, err := jsonparser.GetString(resp.body, "ehrId")
	if err != nil || ehrID == "" {
		return "", fmt.Errorf("host %s: create record root returned no ehrId", c.cfg.ID)
	}
	return ehrID, nil
}

func (c *RESTClient) Query(ctx context.Context, token, tmpl, ehrID string) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("query", heading.RenderQuery(tmpl, ehrID))

	resp, err := c.do(ctx, "query", http.MethodGet, c.cfg.Paths.Query, q, token, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, c.statusError("query", resp)
	}
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, nil
	}

	resultSet, dataType, _, err := jsonparser.Get(resp.body, "resultSet")
	if err != nil || dataType != jsonparser.Array {
		c.logger.Warn().Err(err).Msg("query result has no resultSet, treating as empty")
		return nil, nil
	}

	var rows []json.RawMessage
	_, err = jsonparser.ArrayEach(resultSet, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.Object {
			rows = append(rows, append(json.RawMessage(nil), value...))
		}
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("malformed resultSet, treating as empty")
		return nil, nil
	}
	return rows, nil
}

func (c *RESTClient) composition(templateID, ehrID string) url.Values {
	q := url.Values{}
	q.Set("templateId", templateID)
	q.Set("ehrId", ehrID)
	q.Set("format", "FLAT")
	return q
}

func (c *RESTClient) CreateComposition(ctx context.Context, token, ehrID, templateID string, body map[string]any) (string, error) {
	resp, err := c.do(ctx, "create_composition", http.MethodPost, c.cfg.Paths.Composition, c.composition(templateID, ehrID), token, body)
	if err != nil {
		return "", err
	}
	return c.compositionUID("create_composition", resp)
}

func (c *RESTClient) UpdateComposition(ctx context.Context, token, ehrID, templateID, uid string, body map[string]any) (string, error) {
	path := c.cfg.Paths.Composition + "/" + url.PathEscape(uid)
	resp, err := c.do(ctx, "update_composition", http.MethodPut, path, c.composition(templateID, ehrID), token, body)
	if err != nil {
		return "", err
	}
	return c.compositionUID("update_composition", resp)
}

func (c *RESTClient) compositionUID(op string, resp response) (string, error) {
	if resp.status >= 400 && resp.status < 500 {
		return "", apperrors.WriteRejected(c.cfg.ID, c.statusError(op, resp).Body)
	}
	if !resp.ok() {
		return "", c.statusError(op, resp)
	}

	uid, err := jsonparser.GetString(resp.body, "compositionUid")
	if err != nil || uid == "" {
		return "", fmt.Errorf("host %s: %s returned no compositionUid", c.cfg.ID, op)
	}
	return uid, nil
}

func (c *RESTClient) DeleteComposition(ctx context.Context, token, uid string) error {
	path := c.cfg.Paths.Composition + "/" + url.PathEscape(uid)
	resp, err := c.do(ctx, "delete_composition", http.MethodDelete, path, nil, token, nil)
	if err != nil {
		return err
	}
	if resp.status == http.StatusNotFound {
		return apperrors.NotFound("composition", uid)
	}
	if !resp.ok() {
		return c.statusError("delete_composition", resp)
	}
	return nil
}
