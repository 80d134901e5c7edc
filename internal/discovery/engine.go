// Package discovery merges records held by the external discovery service
// into the local record, at most once per discovery record, and reverts
// those merges on demand.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/cache"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/events"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/types"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/write"
)

// SourceName marks merged records as coming from the discovery service.
const SourceName = "discovery"

// Writer is the subset of the heading writer used by the engine.
type Writer interface {
	Write(ctx context.Context, scope string, req write.Request) (*write.Result, error)
	Delete(ctx context.Context, scope, patientID string, h heading.Heading, sourceID heading.SourceID) (*write.Result, error)
}

// EngineConfig holds the collaborators of a SyncEngine.
type EngineConfig struct {
	Writer   Writer
	Mappings MappingStore
	Caches   *cache.Sessions
	Status   *StatusTracker
	Events   events.Publisher
	// Host receives merged records; empty means the writer default
	Host   string
	Logger zerolog.Logger
}

// SyncEngine merges discovery items and reverts merges.
type SyncEngine struct {
	writer   Writer
	mappings MappingStore
	caches   *cache.Sessions
	status   *StatusTracker
	events   events.Publisher
	host     string
	logger   zerolog.Logger
	now      func() time.Time

	// mergeSlot serializes the check-then-write of a merge so a discovery
	// record can not be written twice by concurrent passes.
	mergeSlot chan struct{}
}

// NewSyncEngine creates a sync engine
func NewSyncEngine(cfg EngineConfig) *SyncEngine {
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	status := cfg.Status
	if status == nil {
		status = NewStatusTracker()
	}
	return &SyncEngine{
		writer:    cfg.Writer,
		mappings:  cfg.Mappings,
		caches:    cfg.Caches,
		status:    status,
		events:    pub,
		host:      cfg.Host,
		logger:    cfg.Logger.With().Str("component", "discovery-sync").Logger(),
		now:       time.Now,
		mergeSlot: make(chan struct{}, 1),
	}
}

// Status returns the tracker the engine reports to.
func (e *SyncEngine) Status() *StatusTracker {
	return e.status
}

// MergeOne writes one discovery item to the local record unless it was
// merged before. The finished sentinel marks the scope ready instead.
func (e *SyncEngine) MergeOne(ctx context.Context, scope string, item Item, h heading.Heading, patientID string) (bool, error) {
	if h.IsSentinel() {
		e.status.set(scope, StateReady)
		return false, nil
	}
	if item.SourceID == "" {
		return false, apperrors.BadRequest("discovery item has no sourceId")
	}

	select {
	case e.mergeSlot <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-e.mergeSlot }()

	if _, ok, err := e.mappings.ByDiscovery(ctx, item.SourceID); err != nil {
		metrics.RecordDiscoveryMerge(h.String(), "failed")
		return false, err
	} else if ok {
		metrics.RecordDiscoveryMerge(h.String(), "skipped")
		return false, nil
	}

	result, err := e.writer.Write(ctx, scope, write.Request{
		PatientID: patientID,
		Heading:   h,
		Payload:   reshape(item),
		Host:      e.host,
	})
	if err != nil {
		metrics.RecordDiscoveryMerge(h.String(), "failed")
		return false, fmt.Errorf("merge discovery record %s: %w", item.SourceID, err)
	}

	m := Mapping{
		DiscoverySourceID: item.SourceID,
		LocalSourceID:     result.SourceID,
		Heading:           h,
		PatientID:         patientID,
		CreatedAt:         e.now().UTC(),
	}
	if err := e.mappings.Add(ctx, m); err != nil {
		metrics.RecordDiscoveryMerge(h.String(), "failed")
		e.logger.Error().Err(err).
			Str("discovery_source_id", item.SourceID).
			Str("local_source_id", result.SourceID.String()).
			Msg("record written but mapping not stored")
		return false, err
	}

	e.purge(scope, patientID, h)
	metrics.RecordDiscoveryMerge(h.String(), "merged")
	e.publish(ctx, scope, events.TypeDiscoveryMerged, m)

	e.logger.Info().
		Str("heading", h.String()).
		Str("discovery_source_id", m.DiscoverySourceID).
		Str("local_source_id", m.LocalSourceID.String()).
		Msg("merged discovery record")
	return true, nil
}

// MergeBatch merges items in order. It reports whether any item was
// merged; the first failing item aborts the batch.
func (e *SyncEngine) MergeBatch(ctx context.Context, scope string, items []Item, h heading.Heading, patientID string) (bool, error) {
	if h.IsSentinel() {
		return e.MergeOne(ctx, scope, Item{}, h, patientID)
	}

	refresh := false
	for _, item := range items {
		merged, err := e.MergeOne(ctx, scope, item, h, patientID)
		if err != nil {
			return refresh, err
		}
		refresh = refresh || merged
	}
	return refresh, nil
}

// RevertOne deletes the local record a discovery record was merged into and
// forgets the mapping. A local record that is already gone counts as
// reverted; any other delete failure keeps the mapping.
func (e *SyncEngine) RevertOne(ctx context.Context, scope, discoverySourceID string) error {
	m, ok, err := e.mappings.ByDiscovery(ctx, discoverySourceID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("discovery mapping", discoverySourceID)
	}

	err = e.revert(ctx, scope, m)
	metrics.RecordDiscoveryRevert(err)
	return err
}

func (e *SyncEngine) revert(ctx context.Context, scope string, m Mapping) error {
	_, err := e.writer.Delete(ctx, scope, m.PatientID, m.Heading, m.LocalSourceID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		e.logger.Error().Err(err).
			Str("discovery_source_id", m.DiscoverySourceID).
			Str("local_source_id", m.LocalSourceID.String()).
			Msg("revert failed, mapping kept")
		return err
	}
	if err != nil {
		e.purge(scope, m.PatientID, m.Heading)
	}

	if err := e.mappings.Remove(ctx, m.DiscoverySourceID); err != nil {
		return err
	}
	e.publish(ctx, scope, events.TypeDiscoveryReverted, m)

	e.logger.Info().
		Str("discovery_source_id", m.DiscoverySourceID).
		Str("local_source_id", m.LocalSourceID.String()).
		Msg("reverted discovery record")
	return nil
}

// RevertAll reverts every mapping and returns how many were reverted.
func (e *SyncEngine) RevertAll(ctx context.Context, scope string) (int, error) {
	all, err := e.mappings.All(ctx)
	if err != nil {
		return 0, err
	}

	var errs error
	reverted := 0
	for _, m := range all {
		if err := ctx.Err(); err != nil {
			return reverted, multierr.Append(errs, err)
		}
		if err := e.RevertOne(ctx, scope, m.DiscoverySourceID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.DiscoverySourceID, err))
			continue
		}
		reverted++
	}
	return reverted, errs
}

func (e *SyncEngine) purge(scope, patientID string, h heading.Heading) {
	if e.caches == nil {
		return
	}
	e.caches.For(scope).PurgePatientHeading(patientID, h)
	metrics.RecordCachePurge(h.String())
}

func (e *SyncEngine) publish(ctx context.Context, scope, eventType string, m Mapping) {
	id := types.NewDeterministicID(eventType, m.DiscoverySourceID+"/"+m.LocalSourceID.String())
	event := events.NewEvent(eventType, "discovery", m).
		WithID(id.String()).
		WithCorrelation(scope)

	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("failed to journal event")
	}
}

// reshape turns a discovery item into a create payload that names the
// discovery service as its source.
func reshape(item Item) map[string]any {
	payload := make(map[string]any, len(item.Fields)+2)
	for k, v := range item.Fields {
		payload[k] = v
	}
	payload["source"] = SourceName
	payload["sourceId"] = item.SourceID
	return payload
}
