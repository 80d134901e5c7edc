// Package write sends heading creates, updates and deletes to exactly one
// host and invalidates the cached (patient, heading) subtree afterwards.
package write

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/cache"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/fetch"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/identity"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/events"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/types"
)

// Request is one heading write. An empty SourceID creates a record.
type Request struct {
	PatientID string           `json:"patientId"`
	Heading   heading.Heading  `json:"heading"`
	SourceID  heading.SourceID `json:"sourceId,omitempty"`
	Payload   map[string]any   `json:"payload"`
	// Host overrides the default host of a create
	Host string `json:"host,omitempty"`
}

// Result is what a host reported for a write.
type Result struct {
	CompositionUID string            `json:"compositionUid"`
	SourceID       heading.SourceID  `json:"sourceId"`
	Host           string            `json:"host"`
	Action         heading.Operation `json:"action"`
}

// Fetcher re-reads a heading when a record to delete is not cached.
type Fetcher interface {
	Fetch(ctx context.Context, scope, patientID string, h heading.Heading) (*fetch.Result, error)
}

// Config holds the collaborators of a Writer.
type Config struct {
	Sessions     *host.SessionManager
	Identities   *identity.Resolver
	Transformers *heading.Registry
	Caches       *cache.Sessions
	Fetcher      Fetcher
	Events       events.Publisher
	// DefaultHost receives creates that do not name a host
	DefaultHost      string
	StrictPatientIDs bool
	Logger           zerolog.Logger
}

// Writer writes heading records to hosts.
type Writer struct {
	sessions     *host.SessionManager
	identities   *identity.Resolver
	transformers *heading.Registry
	caches       *cache.Sessions
	fetcher      Fetcher
	events       events.Publisher
	defaultHost  string
	strictIDs    bool
	logger       zerolog.Logger
}

// New creates a writer
func New(cfg Config) *Writer {
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Writer{
		sessions:     cfg.Sessions,
		identities:   cfg.Identities,
		transformers: cfg.Transformers,
		caches:       cfg.Caches,
		fetcher:      cfg.Fetcher,
		events:       pub,
		defaultHost:  cfg.DefaultHost,
		strictIDs:    cfg.StrictPatientIDs,
		logger:       cfg.Logger,
	}
}

// Write creates or updates one heading record. The target host is the
// record's own host for an update and the default host for a create.
// Host rejections surface as WriteRejected; nothing is retried.
func (w *Writer) Write(ctx context.Context, scope string, req Request) (*Result, error) {
	if _, err := types.ParsePatientID(req.PatientID, w.strictIDs); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	tr, ok := w.transformers.Writable(req.Heading)
	if !ok {
		return nil, apperrors.BadRequest(fmt.Sprintf("heading %s has no write definition", req.Heading))
	}
	if len(req.Payload) == 0 {
		return nil, apperrors.BadRequest("payload must be defined")
	}

	op := heading.OperationCreate
	hostID := req.Host
	if hostID == "" {
		hostID = w.defaultHost
	}
	if req.SourceID != "" {
		if _, err := heading.ParseSourceID(req.SourceID.String()); err != nil {
			return nil, apperrors.BadRequest(err.Error())
		}
		op = heading.OperationUpdate
		hostID = req.SourceID.HostID()
	}
	if hostID == "" {
		return nil, apperrors.BadRequest("no host to write to")
	}

	result, err := w.write(ctx, scope, req, tr, op, hostID)
	metrics.RecordHeadingWrite(req.Heading.String(), string(op), err)
	if err != nil {
		w.logger.Error().Err(err).
			Str("heading", req.Heading.String()).
			Str("host", hostID).
			Str("action", string(op)).
			Msg("heading write failed")
		return nil, err
	}

	w.invalidate(scope, req.PatientID, req.Heading)
	w.publish(ctx, scope, req.PatientID, req.Heading, result)
	return result, nil
}

func (w *Writer) write(ctx context.Context, scope string, req Request, tr heading.Transformer, op heading.Operation, hostID string) (*Result, error) {
	client, token, ehrID, err := w.prepare(ctx, scope, hostID, req.PatientID)
	if err != nil {
		return nil, err
	}

	body, err := tr.ToNative(op, req.Payload)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	if op == heading.OperationCreate {
		uid, err := client.CreateComposition(ctx, token, ehrID, tr.TemplateID(), body)
		if err != nil {
			return nil, err
		}
		return &Result{
			CompositionUID: uid,
			SourceID:       heading.NewSourceID(hostID, heading.NativeIDFromUID(uid)),
			Host:           hostID,
			Action:         op,
		}, nil
	}

	target := req.SourceID.NativeID()
	if rec, ok := w.caches.For(scope).Get(req.SourceID); ok && rec.CompositionUID != "" {
		target = rec.CompositionUID
	}
	uid, err := client.UpdateComposition(ctx, token, ehrID, tr.TemplateID(), target, body)
	if err != nil {
		return nil, err
	}
	return &Result{
		CompositionUID: uid,
		SourceID:       req.SourceID,
		Host:           hostID,
		Action:         op,
	}, nil
}

// Delete removes one heading record from its host. The record must be cached
// for the scope, or found by fetching the heading again.
func (w *Writer) Delete(ctx context.Context, scope, patientID string, h heading.Heading, sourceID heading.SourceID) (*Result, error) {
	if _, err := types.ParsePatientID(patientID, w.strictIDs); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	if _, ok := w.transformers.Get(h); !ok {
		return nil, apperrors.BadRequest(fmt.Sprintf("heading %s is not recognised", h))
	}
	if _, err := heading.ParseSourceID(sourceID.String()); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	rec, err := w.locate(ctx, scope, patientID, h, sourceID)
	if err != nil {
		return nil, err
	}

	result, err := w.delete(ctx, scope, rec)
	metrics.RecordHeadingWrite(h.String(), string(heading.OperationDelete), err)
	if err != nil {
		w.logger.Error().Err(err).Str("heading", h.String()).Str("host", rec.HostID).Msg("heading delete failed")
		return nil, err
	}

	w.invalidate(scope, patientID, h)
	w.publish(ctx, scope, patientID, h, result)
	return result, nil
}

func (w *Writer) locate(ctx context.Context, scope, patientID string, h heading.Heading, sourceID heading.SourceID) (heading.Record, error) {
	c := w.caches.For(scope)
	rec, ok := c.Get(sourceID)
	if !ok && w.fetcher != nil {
		result, err := w.fetcher.Fetch(ctx, scope, patientID, h)
		if err != nil {
			w.logger.Warn().Err(err).Str("heading", h.String()).Msg("re-fetch before delete failed")
			return heading.Record{}, err
		}
		rec, ok = c.Get(sourceID)
		// an unread host says nothing about whether the record exists
		if reason, failed := result.FailedHosts[sourceID.HostID()]; !ok && failed {
			return heading.Record{}, apperrors.Unavailable(
				fmt.Sprintf("host %s could not be read to locate %s", sourceID.HostID(), sourceID),
				errors.New(reason),
			)
		}
	}
	if !ok || rec.PatientID != patientID || rec.Heading != h {
		return heading.Record{}, apperrors.NotFound("record", sourceID.String())
	}
	return rec, nil
}

func (w *Writer) delete(ctx context.Context, scope string, rec heading.Record) (*Result, error) {
	client, ok := w.sessions.Hosts().Get(rec.HostID)
	if !ok {
		return nil, apperrors.NotFound("host", rec.HostID)
	}
	token, err := w.sessions.EnsureSession(ctx, rec.HostID, scope)
	if err != nil {
		return nil, err
	}

	uid := rec.CompositionUID
	if uid == "" {
		uid = rec.NativeID
	}
	if err := client.DeleteComposition(ctx, token, uid); err != nil {
		return nil, err
	}

	return &Result{
		CompositionUID: uid,
		SourceID:       rec.SourceID,
		Host:           rec.HostID,
		Action:         heading.OperationDelete,
	}, nil
}

func (w *Writer) prepare(ctx context.Context, scope, hostID, patientID string) (host.Client, string, string, error) {
	client, ok := w.sessions.Hosts().Get(hostID)
	if !ok {
		return nil, "", "", apperrors.NotFound("host", hostID)
	}
	token, err := w.sessions.EnsureSession(ctx, hostID, scope)
	if err != nil {
		return nil, "", "", err
	}
	ehrID, err := w.identities.Resolve(ctx, client, token, patientID)
	if err != nil {
		return nil, "", "", err
	}
	return client, token, ehrID, nil
}

// invalidate purges (patient, heading) so the next read goes back to the
// hosts. Creates are not written into the cache.
func (w *Writer) invalidate(scope, patientID string, h heading.Heading) {
	n := w.caches.For(scope).PurgePatientHeading(patientID, h)
	metrics.RecordCachePurge(h.String())
	w.logger.Debug().Str("heading", h.String()).Int("records", n).Msg("purged cached heading")
}

func (w *Writer) publish(ctx context.Context, scope, patientID string, h heading.Heading, result *Result) {
	event := events.NewEvent(events.TypeHeadingWritten, "writer", map[string]any{
		"patientId":      patientID,
		"heading":        h,
		"sourceId":       result.SourceID,
		"host":           result.Host,
		"action":         result.Action,
		"compositionUid": result.CompositionUID,
	}).WithCorrelation(scope)

	if err := w.events.Publish(ctx, event); err != nil {
		w.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to journal event")
	}
}
