package discovery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/types"
)

// SyncReport summarizes one synchronization pass. Refresh tells the caller
// that cached headings changed.
type SyncReport struct {
	Refresh bool                       `json:"refresh"`
	Failed  map[heading.Heading]string `json:"failed,omitempty"`
}

// Dispatcher runs a synchronization pass over a list of headings.
type Dispatcher struct {
	source Source
	engine *SyncEngine
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(source Source, engine *SyncEngine, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		source: source,
		engine: engine,
		logger: logger.With().Str("component", "discovery-dispatcher").Logger(),
	}
}

// SyncAllHeadings reads and merges each heading in turn, then closes the
// pass with the finished sentinel. A failing heading is logged and skipped
// so the remaining headings still synchronize.
func (d *Dispatcher) SyncAllHeadings(ctx context.Context, scope, patientID string, headings []heading.Heading, authToken string) SyncReport {
	d.engine.status.set(scope, StateLoadingData)

	list := make([]heading.Heading, 0, len(headings)+1)
	for _, h := range headings {
		if !h.IsSentinel() {
			list = append(list, h)
		}
	}
	list = append(list, heading.Finished)

	report := SyncReport{Failed: make(map[heading.Heading]string)}
	for _, h := range list {
		refresh, err := d.syncHeading(ctx, scope, patientID, h, authToken)
		if err != nil {
			d.logger.Error().Err(err).
				Str("heading", h.String()).
				Str("patient", types.NHSNumber(patientID).Masked()).
				Msg("discovery heading sync failed")
			report.Failed[h] = err.Error()
		}
		report.Refresh = report.Refresh || refresh
	}

	d.logger.Info().
		Bool("refresh", report.Refresh).
		Int("failed", len(report.Failed)).
		Msg("discovery sync pass complete")
	return report
}

func (d *Dispatcher) syncHeading(ctx context.Context, scope, patientID string, h heading.Heading, authToken string) (bool, error) {
	if h.IsSentinel() {
		return d.engine.MergeBatch(ctx, scope, nil, h, patientID)
	}
	items, err := d.source.Read(ctx, patientID, h, authToken)
	if err != nil {
		return false, err
	}
	return d.engine.MergeBatch(ctx, scope, items, h, patientID)
}
