package host

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/metrics"
)

// DefaultSessionTTL is how long a host session token is reused.
const DefaultSessionTTL = 120 * time.Second

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 10 * time.Second
)

// Session is an authentication session against one host for one user session.
type Session struct {
	HostID    string
	Scope     string
	Token     string
	CreatedAt time.Time
}

type sessionKey struct {
	host  string
	scope string
}

func (k sessionKey) String() string {
	return k.host + "\x00" + k.scope
}

// SessionManager keeps one live session per (host, user-session scope).
// Stale sessions are replaced when next used; nothing sweeps in the background.
type SessionManager struct {
	hosts  *Registry
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]Session
	starts   singleflight.Group
	stopping sync.WaitGroup

	now func() time.Time
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithClock replaces the wall clock used for session age.
func WithClock(now func() time.Time) Option {
	return func(m *SessionManager) {
		m.now = now
	}
}

// NewSessionManager creates a session manager; a zero ttl means DefaultSessionTTL
func NewSessionManager(hosts *Registry, ttl time.Duration, logger zerolog.Logger, opts ...Option) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &SessionManager{
		hosts:    hosts,
		ttl:      ttl,
		logger:   logger,
		sessions: make(map[sessionKey]Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hosts returns the host registry
func (m *SessionManager) Hosts() *Registry {
	return m.hosts
}

func (m *SessionManager) expired(s Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) >= m.ttl
}

// EnsureSession returns a live session token for (host, scope). A session
// younger than the TTL is reused without calling the host. A stale one is
// discarded and terminated in the background before a new one is started.
func (m *SessionManager) EnsureSession(ctx context.Context, hostID, scope string) (string, error) {
	client, ok := m.hosts.Get(hostID)
	if !ok {
		return "", apperrors.NotFound("host", hostID)
	}

	key := sessionKey{host: hostID, scope: scope}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		if !m.expired(s, m.now()) {
			m.mu.Unlock()
			return s.Token, nil
		}
		delete(m.sessions, key)
		m.terminate(ctx, client, s)
	}
	m.mu.Unlock()

	starts := m.starts.DoChan(key.String(), func() (any, error) {
		// a start that finished after the check above is reused
		m.mu.Lock()
		if s, ok := m.sessions[key]; ok && !m.expired(s, m.now()) {
			m.mu.Unlock()
			return s.Token, nil
		}
		m.mu.Unlock()

		// the start is shared by every waiter, so no single caller may cancel it
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startTimeout)
		defer cancel()

		token, err := client.StartSession(startCtx)
		if err != nil {
			m.logger.Error().Err(err).Str("host", hostID).Msg("failed to start host session")
			return "", apperrors.SessionFailed(hostID, err)
		}

		m.mu.Lock()
		m.sessions[key] = Session{HostID: hostID, Scope: scope, Token: token, CreatedAt: m.now()}
		m.mu.Unlock()

		metrics.RecordSessionStarted(hostID)
		m.logger.Debug().Str("host", hostID).Msg("host session started")
		return token, nil
	})

	select {
	case res := <-starts:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// terminate stops a stale session without blocking the caller. Failures are
// logged only.
func (m *SessionManager) terminate(ctx context.Context, client Client, s Session) {
	m.stopping.Add(1)
	go func() {
		defer m.stopping.Done()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()

		err := client.StopSession(stopCtx, s.Token)
		metrics.RecordSessionTerminated(s.HostID, err)
		if err != nil {
			m.logger.Warn().Err(err).Str("host", s.HostID).Msg("failed to terminate stale host session")
		}
	}()
}

// EnsureSessionsForAll starts or reuses a session on every configured host.
// See EnsureSessionsFor.
func (m *SessionManager) EnsureSessionsForAll(ctx context.Context, scope string) (map[string]string, error) {
	return m.EnsureSessionsFor(ctx, scope, m.hosts.IDs())
}

// EnsureSessionsFor runs EnsureSession concurrently for hostIDs. The result
// holds only the hosts that succeeded; a missing host is unavailable for this
// round. An error is returned only when every host failed.
func (m *SessionManager) EnsureSessionsFor(ctx context.Context, scope string, hostIDs []string) (map[string]string, error) {
	tokens := make(map[string]string, len(hostIDs))
	if len(hostIDs) == 0 {
		return tokens, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs error
	)
	for _, id := range hostIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			token, err := m.EnsureSession(ctx, id, scope)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return
			}
			tokens[id] = token
		}(id)
	}
	wg.Wait()

	if len(tokens) == 0 {
		sorted := append([]string(nil), hostIDs...)
		sort.Strings(sorted)
		return nil, apperrors.SessionFailed(strings.Join(sorted, ","), errs)
	}
	return tokens, nil
}

// StopSession terminates the session of (host, scope) only once it has
// expired. A live session is kept for reuse across patients.
func (m *SessionManager) StopSession(ctx context.Context, hostID, scope string) error {
	key := sessionKey{host: hostID, scope: scope}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok || !m.expired(s, m.now()) {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	client, ok := m.hosts.Get(hostID)
	if !ok {
		return nil
	}
	err := client.StopSession(ctx, s.Token)
	metrics.RecordSessionTerminated(hostID, err)
	return err
}

// Teardown terminates every host session of a scope, live or not.
func (m *SessionManager) Teardown(ctx context.Context, scope string) error {
	m.mu.Lock()
	var dropped []Session
	for key, s := range m.sessions {
		if key.scope == scope {
			dropped = append(dropped, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	var err error
	for _, s := range dropped {
		client, ok := m.hosts.Get(s.HostID)
		if !ok {
			continue
		}
		stopErr := client.StopSession(ctx, s.Token)
		metrics.RecordSessionTerminated(s.HostID, stopErr)
		err = multierr.Append(err, stopErr)
	}
	return err
}

// Session returns the cached session of (host, scope), live or stale.
func (m *SessionManager) Session(hostID, scope string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey{host: hostID, scope: scope}]
	return s, ok
}

// Close waits for background terminations to finish.
func (m *SessionManager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.stopping.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
