// Package host talks to the backend clinical record hosts and owns the
// per user-session authentication sessions held against them.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
)

// ErrNoRecordRoot is returned when a host holds no record root for a patient.
var ErrNoRecordRoot = errors.New("no record root for patient")

// Client is one backend clinical record host.
type Client interface {
	ID() string
	Queryable() bool
	Dialect() heading.Dialect

	StartSession(ctx context.Context) (string, error)
	StopSession(ctx context.Context, token string) error

	// ResolveRecordRoot returns ErrNoRecordRoot when the patient is unknown.
	ResolveRecordRoot(ctx context.Context, token, patientID string) (string, error)
	CreateRecordRoot(ctx context.Context, token, patientID string) (string, error)

	// Query runs a heading query template against a record root and returns
	// the raw result rows. An empty or unparseable result is zero rows.
	Query(ctx context.Context, token, tmpl, ehrID string) ([]json.RawMessage, error)

	CreateComposition(ctx context.Context, token, ehrID, templateID string, body map[string]any) (string, error)
	UpdateComposition(ctx context.Context, token, ehrID, templateID, uid string, body map[string]any) (string, error)
	DeleteComposition(ctx context.Context, token, uid string) error
}

// Registry holds the configured hosts in configuration order.
type Registry struct {
	clients map[string]Client
	order   []string
}

// NewRegistry creates a registry from already built clients
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ID()] = c
		r.order = append(r.order, c.ID())
	}
	return r
}

// FromConfig builds a client per configured host
func FromConfig(hosts []config.HostConfig, logger zerolog.Logger) (*Registry, error) {
	clients := make([]Client, 0, len(hosts))
	for _, h := range hosts {
		h = h.WithDefaults()
		switch h.Platform {
		case "openehr":
			clients = append(clients, NewRESTClient(h, logger))
		case "heliant":
			c, err := OpenSQLClient(h, logger)
			if err != nil {
				return nil, fmt.Errorf("host %s: %w", h.ID, err)
			}
			clients = append(clients, c)
		default:
			return nil, fmt.Errorf("host %s: unknown platform %q", h.ID, h.Platform)
		}
	}
	return NewRegistry(clients...), nil
}

// Get returns the client of a host
func (r *Registry) Get(id string) (Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// IDs lists every configured host
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Queryable lists the hosts that take part in heading fetches
func (r *Registry) Queryable() []string {
	var out []string
	for _, id := range r.order {
		if r.clients[id].Queryable() {
			out = append(out, id)
		}
	}
	return out
}

// Close releases the resources of clients that hold any
func (r *Registry) Close() error {
	var err error
	for _, id := range r.order {
		if c, ok := r.clients[id].(interface{ Close() error }); ok {
			if cerr := c.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("host %s: %w", id, cerr))
			}
		}
	}
	return err
}
