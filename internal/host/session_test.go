package host_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host/hosttest"
	apperrors "github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(clients ...host.Client) (*host.SessionManager, *clock) {
	c := &clock{now: time.Date(2018, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := host.NewSessionManager(host.NewRegistry(clients...), 120*time.Second, zerolog.Nop(), host.WithClock(c.Now))
	return m, c
}

func TestEnsureSessionReusesWithinTTL(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	m, clk := newManager(ethercis)
	ctx := context.Background()

	first, err := m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)

	clk.Advance(119 * time.Second)
	second, err := m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, ethercis.Starts())
}

func TestEnsureSessionIsScopedPerUserSession(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	m, _ := newManager(ethercis)
	ctx := context.Background()

	a, err := m.EnsureSession(ctx, "ethercis", "scope-a")
	require.NoError(t, err)
	b, err := m.EnsureSession(ctx, "ethercis", "scope-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, ethercis.Starts())
}

func TestStaleSessionTerminatedOnceBeforeRestart(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	m, clk := newManager(ethercis)
	ctx := context.Background()

	first, err := m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)

	clk.Advance(121 * time.Second)
	second, err := m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 1, ethercis.Stops())
	assert.Equal(t, 2, ethercis.Starts())
}

func TestStaleSessionTerminateFailureIsNotPropagated(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	ethercis.StopErr = errors.New("connection reset")
	m, clk := newManager(ethercis)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	_, err = m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return ethercis.Stops() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEnsureSessionFailureNamesHost(t *testing.T) {
	marand := hosttest.New("marand")
	marand.StartErr = errors.New("401 unauthorized")
	m, _ := newManager(marand)

	_, err := m.EnsureSession(context.Background(), "marand", "scope-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSession)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "marand", appErr.Details["host"])

	_, ok := m.Session("marand", "scope-1")
	assert.False(t, ok)
}

func TestEnsureSessionUnknownHost(t *testing.T) {
	m, _ := newManager()
	_, err := m.EnsureSession(context.Background(), "nowhere", "scope-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEnsureSessionConcurrentCallsShareOneStart(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	m, _ := newManager(ethercis)
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.EnsureSession(ctx, "ethercis", "scope-1")
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
	assert.Equal(t, 1, ethercis.Starts())
}

func TestEnsureSessionStartSurvivesCallerCancel(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	gate := make(chan struct{})
	ethercis.StartGate = gate
	m, _ := newManager(ethercis)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureSession(ctx, "ethercis", "scope-1")
		done <- err
	}()

	require.Eventually(t, func() bool { return ethercis.Starts() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool {
		_, ok := m.Session("ethercis", "scope-1")
		return ok
	}, time.Second, time.Millisecond)

	token, err := m.EnsureSession(context.Background(), "ethercis", "scope-1")
	require.NoError(t, err)
	assert.Equal(t, "ethercis-token-1", token)
	assert.Equal(t, 1, ethercis.Starts())
}

func TestEnsureSessionsForAllIsolatesFailures(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	marand := hosttest.New("marand")
	marand.StartErr = errors.New("timeout")
	m, _ := newManager(ethercis, marand)

	tokens, err := m.EnsureSessionsForAll(context.Background(), "scope-1")
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
	assert.Contains(t, tokens, "ethercis")
	assert.NotContains(t, tokens, "marand")
}

func TestEnsureSessionsForAllFailsWhenEveryHostFails(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	ethercis.StartErr = errors.New("down")
	marand := hosttest.New("marand")
	marand.StartErr = errors.New("down")
	m, _ := newManager(ethercis, marand)

	tokens, err := m.EnsureSessionsForAll(context.Background(), "scope-1")
	assert.Nil(t, tokens)
	assert.ErrorIs(t, err, apperrors.ErrSession)
}

func TestStopSessionOnlyStopsExpired(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	m, clk := newManager(ethercis)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "ethercis", "scope-1")
	require.NoError(t, err)

	require.NoError(t, m.StopSession(ctx, "ethercis", "scope-1"))
	assert.Equal(t, 0, ethercis.Stops())
	_, ok := m.Session("ethercis", "scope-1")
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	require.NoError(t, m.StopSession(ctx, "ethercis", "scope-1"))
	assert.Equal(t, 1, ethercis.Stops())
	_, ok = m.Session("ethercis", "scope-1")
	assert.False(t, ok)
}

func TestTeardownStopsEverySessionOfScope(t *testing.T) {
	ethercis := hosttest.New("ethercis")
	marand := hosttest.New("marand")
	m, _ := newManager(ethercis, marand)
	ctx := context.Background()

	_, err := m.EnsureSessionsForAll(ctx, "scope-1")
	require.NoError(t, err)
	_, err = m.EnsureSession(ctx, "ethercis", "scope-2")
	require.NoError(t, err)

	require.NoError(t, m.Teardown(ctx, "scope-1"))
	assert.Equal(t, 1, ethercis.Stops())
	assert.Equal(t, 1, marand.Stops())

	_, ok := m.Session("ethercis", "scope-2")
	assert.True(t, ok)
}
