package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
)

// Resolver finds or creates the record root of a patient on a host.
type Resolver struct {
	store  Store
	group  singleflight.Group
	logger zerolog.Logger
}

// NewResolver creates a resolver backed by store
func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the record-root id of patientID on client. An unknown
// patient is looked up on the host, created there when absent, and the
// result is stored for good.
func (r *Resolver) Resolve(ctx context.Context, client host.Client, token, patientID string) (string, error) {
	if id, ok, err := r.store.Get(ctx, patientID, client.ID()); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(client.ID()+"/"+patientID, func() (any, error) {
		ehrID, err := client.ResolveRecordRoot(ctx, token, patientID)
		if errors.Is(err, host.ErrNoRecordRoot) {
			ehrID, err = client.CreateRecordRoot(ctx, token, patientID)
			if err == nil {
				r.logger.Info().Str("host", client.ID()).Msg("created record root")
			}
		}
		if err != nil {
			return "", fmt.Errorf("resolve record root on %s: %w", client.ID(), err)
		}

		if err := r.store.Put(ctx, patientID, client.ID(), ehrID); err != nil {
			return "", err
		}
		return ehrID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
