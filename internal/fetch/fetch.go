// Package fetch reads a heading for a patient from every queryable host and
// fills the heading cache of the user session.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/cache"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/identity"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/types"
)

// Result describes one fetch. Partial is set when at least one host could
// not be read, so callers can tell a short record from a complete one.
type Result struct {
	Records     []heading.Record  `json:"records"`
	Hosts       []string          `json:"hosts"`
	FailedHosts map[string]string `json:"failedHosts,omitempty"`
	Partial     bool              `json:"partial"`
	CacheHit    bool              `json:"cacheHit"`
}

// Fetcher fans a heading read out to the hosts.
type Fetcher struct {
	sessions     *host.SessionManager
	identities   *identity.Resolver
	transformers *heading.Registry
	caches       *cache.Sessions
	strictIDs    bool
	logger       zerolog.Logger
}

// Config holds the collaborators of a Fetcher.
type Config struct {
	Sessions     *host.SessionManager
	Identities   *identity.Resolver
	Transformers *heading.Registry
	Caches       *cache.Sessions
	// StrictPatientIDs enforces the NHS number check digit
	StrictPatientIDs bool
	Logger           zerolog.Logger
}

// New creates a fetcher
func New(cfg Config) *Fetcher {
	return &Fetcher{
		sessions:     cfg.Sessions,
		identities:   cfg.Identities,
		transformers: cfg.Transformers,
		caches:       cfg.Caches,
		strictIDs:    cfg.StrictPatientIDs,
		logger:       cfg.Logger,
	}
}

func (f *Fetcher) validate(patientID string, h heading.Heading) (heading.Transformer, error) {
	if _, err := types.ParsePatientID(patientID, f.strictIDs); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	tr, ok := f.transformers.Get(h)
	if !ok {
		return nil, apperrors.BadRequest(fmt.Sprintf("heading %s is not recognised", h))
	}
	return tr, nil
}

// Fetch makes sure (patient, heading) is cached for every queryable host and
// returns the cached records newest first. Hosts already covered are not
// called again. A host that fails contributes zero records; the fetch fails
// only when no host is covered and every host failed.
func (f *Fetcher) Fetch(ctx context.Context, scope, patientID string, h heading.Heading) (*Result, error) {
	tr, err := f.validate(patientID, h)
	if err != nil {
		return nil, err
	}

	c := f.caches.For(scope)
	hostIDs := f.sessions.Hosts().Queryable()

	uncovered := c.Uncovered(patientID, h, hostIDs)
	if len(uncovered) == 0 {
		metrics.RecordCacheLookup(h.String(), true)
		return &Result{
			Records:  c.ByDate(patientID, h),
			Hosts:    hostIDs,
			CacheHit: true,
		}, nil
	}
	metrics.RecordCacheLookup(h.String(), false)

	log := f.logger.With().Str("scope", scope).Str("heading", h.String()).Str("patient", types.NHSNumber(patientID).Masked()).Logger()

	tokens, err := f.sessions.EnsureSessionsFor(ctx, scope, uncovered)
	if err != nil {
		if len(uncovered) == len(hostIDs) {
			log.Error().Err(err).Msg("no host session available")
			return nil, err
		}
		log.Warn().Err(err).Msg("uncovered hosts have no session, serving covered hosts")
	}

	failed := make(map[string]string)
	var errs error
	for _, id := range uncovered {
		if _, ok := tokens[id]; !ok {
			failed[id] = "session unavailable"
		}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for hostID, token := range tokens {
		wg.Add(1)
		go func(hostID, token string) {
			defer wg.Done()

			err := f.fetchHost(ctx, c, tr, hostID, token, patientID)
			if err == nil {
				return
			}
			log.Warn().Err(err).Str("host", hostID).Msg("host contributed no records")

			mu.Lock()
			defer mu.Unlock()
			failed[hostID] = err.Error()
			errs = multierr.Append(errs, err)
		}(hostID, token)
	}
	wg.Wait()

	if len(failed) == len(hostIDs) {
		return nil, apperrors.Unavailable(fmt.Sprintf("no host could be read for %s", h), errs)
	}

	result := &Result{
		Records: c.ByDate(patientID, h),
		Partial: len(failed) > 0,
	}
	for _, id := range hostIDs {
		if _, ok := failed[id]; !ok {
			result.Hosts = append(result.Hosts, id)
		}
	}
	if len(failed) > 0 {
		result.FailedHosts = failed
	}
	return result, nil
}

// fetchHost reads one host and fills the cache with what it returned.
func (f *Fetcher) fetchHost(ctx context.Context, c *cache.Cache, tr heading.Transformer, hostID, token, patientID string) error {
	client, ok := f.sessions.Hosts().Get(hostID)
	if !ok {
		return fmt.Errorf("host %s is not configured", hostID)
	}

	tmpl, ok := tr.Query(client.Dialect())
	if !ok {
		// the host platform does not carry this heading
		c.Fill(patientID, tr.Heading(), hostID, nil)
		return nil
	}

	ehrID, err := f.identities.Resolve(ctx, client, token, patientID)
	if err != nil {
		return err
	}

	rows, err := client.Query(ctx, token, tmpl, ehrID)
	if err != nil {
		return err
	}

	records := make([]heading.Record, 0, len(rows))
	for _, raw := range rows {
		native, err := tr.FromNative(raw)
		if errors.Is(err, heading.ErrNoNativeID) {
			f.logger.Debug().Str("host", hostID).Msg("discarded row without native id")
			continue
		}
		if err != nil {
			f.logger.Warn().Err(err).Str("host", hostID).Msg("discarded unreadable row")
			continue
		}

		nativeID := heading.NativeIDFromUID(native.UID)
		records = append(records, heading.Record{
			SourceID:       heading.NewSourceID(hostID, nativeID),
			HostID:         hostID,
			NativeID:       nativeID,
			CompositionUID: native.UID,
			Heading:        tr.Heading(),
			PatientID:      patientID,
			Date:           native.Date,
			Payload:        native.Payload,
		})
	}

	c.Fill(patientID, tr.Heading(), hostID, records)
	return nil
}

// Summary fetches (patient, heading) and returns every record newest first,
// undated records last.
func (f *Fetcher) Summary(ctx context.Context, scope, patientID string, h heading.Heading) (*Result, error) {
	return f.Fetch(ctx, scope, patientID, h)
}

// Synopsis is Summary cut to the max newest records
func (f *Fetcher) Synopsis(ctx context.Context, scope, patientID string, h heading.Heading, max int) (*Result, error) {
	result, err := f.Fetch(ctx, scope, patientID, h)
	if err != nil {
		return nil, err
	}
	if max >= 0 && len(result.Records) > max {
		result.Records = result.Records[:max]
	}
	return result, nil
}

// FailedHostIDs lists the failed hosts of a result in name order
func (r *Result) FailedHostIDs() []string {
	out := make([]string, 0, len(r.FailedHosts))
	for id := range r.FailedHosts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
