// Package api exposes the gateway over HTTP. Every route under /api/v1 runs
// in the user session named by the caller's token.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/discovery"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/fetch"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/auth"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/write"
)

// DefaultSynopsisMax is the synopsis length when the request sets none.
const DefaultSynopsisMax = 2

// Reader serves heading reads.
type Reader interface {
	Summary(ctx context.Context, scope, patientID string, h heading.Heading) (*fetch.Result, error)
	Synopsis(ctx context.Context, scope, patientID string, h heading.Heading, max int) (*fetch.Result, error)
}

// Writer serves heading writes.
type Writer interface {
	Write(ctx context.Context, scope string, req write.Request) (*write.Result, error)
	Delete(ctx context.Context, scope, patientID string, h heading.Heading, sourceID heading.SourceID) (*write.Result, error)
}

// Config holds the collaborators of a Handler.
type Config struct {
	Reader     Reader
	Writer     Writer
	Engine     *discovery.SyncEngine
	Dispatcher *discovery.Dispatcher
	// Headings are synchronized when a sync request names none
	Headings []heading.Heading
	// Teardown ends every host session and cache of a user session
	Teardown func(ctx context.Context, scope string) error
	Logger   zerolog.Logger
}

// Handler provides the HTTP handlers of the gateway
type Handler struct {
	reader     Reader
	writer     Writer
	engine     *discovery.SyncEngine
	dispatcher *discovery.Dispatcher
	headings   []heading.Heading
	teardown   func(ctx context.Context, scope string) error
	logger     zerolog.Logger
}

// NewHandler creates a new handler
func NewHandler(cfg Config) *Handler {
	return &Handler{
		reader:     cfg.Reader,
		writer:     cfg.Writer,
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		headings:   cfg.Headings,
		teardown:   cfg.Teardown,
		logger:     cfg.Logger,
	}
}

// Routes registers the gateway routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/patients/{patientId}/headings/{heading}", func(r chi.Router) {
		r.Get("/", h.Summary)
		r.Post("/", h.Create)
		r.Get("/synopsis", h.Synopsis)
		r.Put("/{sourceId}", h.Update)
		r.Delete("/{sourceId}", h.Delete)
	})

	if h.engine != nil {
		r.Route("/discovery", func(r chi.Router) {
			r.Get("/status", h.SyncStatus)
			if h.dispatcher != nil {
				r.Post("/{patientId}/sync", h.Sync)
			}
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRoles("admin"))
				r.Delete("/mappings", h.RevertAll)
				r.Delete("/mappings/{discoverySourceId}", h.Revert)
			})
		})
	}

	if h.teardown != nil {
		r.Delete("/session", h.EndSession)
	}

	return r
}

// Summary lists every record of a heading, newest first
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	hd, err := headingParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.reader.Summary(r.Context(), scope(r), chi.URLParam(r, "patientId"), hd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Synopsis lists the newest records of a heading
func (h *Handler) Synopsis(w http.ResponseWriter, r *http.Request) {
	hd, err := headingParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := DefaultSynopsisMax
	if s := r.URL.Query().Get("max"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, errors.BadRequest("max must be a non-negative integer"))
			return
		}
	}

	result, err := h.reader.Synopsis(r.Context(), scope(r), chi.URLParam(r, "patientId"), hd, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type writeRequest struct {
	Host    string         `json:"host,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Create writes a new record to the default host or the named one
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, "", http.StatusCreated)
}

// Update replaces a record on the host that holds it
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, heading.SourceID(chi.URLParam(r, "sourceId")), http.StatusOK)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, sourceID heading.SourceID, status int) {
	hd, err := headingParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	result, err := h.writer.Write(r.Context(), scope(r), write.Request{
		PatientID: chi.URLParam(r, "patientId"),
		Heading:   hd,
		SourceID:  sourceID,
		Payload:   req.Payload,
		Host:      req.Host,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, result)
}

// Delete removes a record from the host that holds it
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	hd, err := headingParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.writer.Delete(r.Context(), scope(r), chi.URLParam(r, "patientId"), hd,
		heading.SourceID(chi.URLParam(r, "sourceId")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type syncRequest struct {
	Headings []string `json:"headings"`
}

// Sync runs a discovery synchronization pass for a patient
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	headings := h.headings
	if r.ContentLength != 0 {
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
		if len(req.Headings) > 0 {
			headings = make([]heading.Heading, 0, len(req.Headings))
			for _, s := range req.Headings {
				hd, err := heading.Parse(s)
				if err != nil {
					writeError(w, errors.BadRequest(err.Error()))
					return
				}
				headings = append(headings, hd)
			}
		}
	}

	token := ""
	if user := auth.GetUser(r.Context()); user != nil {
		token = user.Token
	}
	report := h.dispatcher.SyncAllHeadings(r.Context(), scope(r), chi.URLParam(r, "patientId"), headings, token)
	writeJSON(w, http.StatusOK, report)
}

// SyncStatus reports the synchronization state of the caller's session
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := h.engine.Status().Get(scope(r))
	if !ok {
		writeError(w, errors.NotFound("sync status", scope(r)))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Revert undoes the merge of one discovery record
func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "discoverySourceId")
	if err := h.engine.RevertOne(r.Context(), scope(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reverted": id})
}

// RevertAll undoes every discovery merge
func (h *Handler) RevertAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RevertAll(r.Context(), scope(r))
	if err != nil {
		h.logger.Error().Err(err).Int("reverted", n).Msg("revert all incomplete")
		writeJSON(w, http.StatusMultiStatus, map[string]any{"reverted": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reverted": n})
}

// EndSession tears down the host sessions and caches of the caller's session
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.teardown(r.Context(), scope(r)); err != nil {
		h.logger.Warn().Err(err).Msg("session teardown incomplete")
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func scope(r *http.Request) string {
	if user := auth.GetUser(r.Context()); user != nil {
		return user.SessionID
	}
	return ""
}

func headingParam(r *http.Request) (heading.Heading, error) {
	hd, err := heading.Parse(chi.URLParam(r, "heading"))
	if err != nil {
		return "", errors.BadRequest(err.Error())
	}
	return hd, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Internal(err)
	}

	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	})
}
