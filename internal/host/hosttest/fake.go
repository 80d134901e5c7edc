// Package hosttest provides an in-memory host for tests of the packages
// that drive hosts.
package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
)

// Composition is a write received by a Fake host.
type Composition struct {
	UID        string
	EhrID      string
	TemplateID string
	Body       map[string]any
}

// Fake is a scriptable in-memory host. Set the exported error fields to make
// the matching calls fail.
type Fake struct {
	mu sync.Mutex

	id        string
	dialect   heading.Dialect
	queryable bool

	StartErr  error
	StopErr   error
	RootErr   error
	QueryErr  error
	CreateErr error
	UpdateErr error
	DeleteErr error

	// StartGate, when set, holds every session start until it is closed.
	StartGate chan struct{}

	// UIDs are handed out in order to created compositions.
	UIDs []string

	roots   map[string]string
	rows    map[string][]json.RawMessage
	seq     int
	created []Composition
	updated []Composition
	deleted []string

	starts      int
	stops       int
	queries     int
	rootCreates int
}

var _ host.Client = (*Fake)(nil)

// New creates a queryable AQL host
func New(id string) *Fake {
	return &Fake{
		id:        id,
		dialect:   heading.DialectAQL,
		queryable: true,
		roots:     make(map[string]string),
		rows:      make(map[string][]json.RawMessage),
	}
}

// WithRoot registers the record root of a patient
func (f *Fake) WithRoot(patientID, ehrID string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots[patientID] = ehrID
	return f
}

// AddRow adds a raw result row returned for every query on ehrID
func (f *Fake) AddRow(ehrID, row string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[ehrID] = append(f.rows[ehrID], json.RawMessage(row))
	return f
}

func (f *Fake) ID() string               { return f.id }
func (f *Fake) Queryable() bool          { return f.queryable }
func (f *Fake) Dialect() heading.Dialect { return f.dialect }

func (f *Fake) StartSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.starts++
	n, gate, err := f.starts, f.StartGate, f.StartErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-token-%d", f.id, n), nil
}

func (f *Fake) StopSession(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.StopErr
}

func (f *Fake) ResolveRecordRoot(ctx context.Context, token, patientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RootErr != nil {
		return "", f.RootErr
	}
	ehrID, ok := f.roots[patientID]
	if !ok {
		return "", host.ErrNoRecordRoot
	}
	return ehrID, nil
}

func (f *Fake) CreateRecordRoot(ctx context.Context, token, patientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rootCreates++
	ehrID := fmt.Sprintf("%s-ehr-%s", f.id, patientID)
	f.roots[patientID] = ehrID
	return ehrID, nil
}

func (f *Fake) Query(ctx context.Context, token, tmpl, ehrID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	return append([]json.RawMessage(nil), f.rows[ehrID]...), nil
}

func (f *Fake) nextUID() string {
	if len(f.UIDs) > 0 {
		uid := f.UIDs[0]
		f.UIDs = f.UIDs[1:]
		return uid
	}
	f.seq++
	return fmt.Sprintf("comp%d::%s::1", f.seq, f.id)
}

func (f *Fake) CreateComposition(ctx context.Context, token, ehrID, templateID string, body map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	uid := f.nextUID()
	f.created = append(f.created, Composition{UID: uid, EhrID: ehrID, TemplateID: templateID, Body: body})
	return uid, nil
}

func (f *Fake) UpdateComposition(ctx context.Context, token, ehrID, templateID, uid string, body map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return "", f.UpdateErr
	}
	f.updated = append(f.updated, Composition{UID: uid, EhrID: ehrID, TemplateID: templateID, Body: body})
	return heading.NativeIDFromUID(uid) + "::" + f.id + "::2", nil
}

func (f *Fake) DeleteComposition(ctx context.Context, token, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	for _, d := range f.deleted {
		if d == uid {
			return apperrors.NotFound("composition", uid)
		}
	}
	f.deleted = append(f.deleted, uid)
	return nil
}

// Starts returns the number of session starts
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Stops returns the number of session stops
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Queries returns the number of heading queries
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// RootCreates returns the number of record roots created
func (f *Fake) RootCreates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rootCreates
}

// Created returns the compositions created so far
func (f *Fake) Created() []Composition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Composition(nil), f.created...)
}

// Updated returns the compositions updated so far
func (f *Fake) Updated() []Composition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Composition(nil), f.updated...)
}

// Deleted returns the uids deleted so far
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
