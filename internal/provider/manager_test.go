package provider

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedResult struct {
	provider string
	success  bool
	kind     ErrorKind
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []recordedResult
}

func (r *fakeRecorder) RecordProviderResult(provider string, success bool, _ time.Duration, kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recordedResult{provider, success, kind})
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newTestManager registers providers in the given order with the given
// priorities, all enabled.
func newTestManager(t *testing.T, opts []Option, ps []*fakeProvider, priorities []int) *Manager {
	t.Helper()
	m := NewManager(append([]Option{WithLogger(quietLogger())}, opts...)...)
	for i, p := range ps {
		require.NoError(t, m.Register(Descriptor{Name: p.name, Type: TypeMock, Priority: priorities[i], Enabled: true}, p))
	}
	return m
}

func TestManager_FirstProviderSucceeds(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "from A", resp.Answer)
	assert.Equal(t, "A", resp.Provider)
	assert.False(t, resp.Fallback)
	assert.Equal(t, int32(0), b.calls.Load())
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, OutcomeSuccess, resp.Attempts[0].Outcome)
}

func TestManager_Failover(t *testing.T) {
	a := newFake("A", "", serverErr("A"))
	b := newFake("B", "from B", nil)
	rec := &fakeRecorder{}
	m := newTestManager(t, []Option{WithRecorder(rec)}, []*fakeProvider{a, b}, []int{1, 2})

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "from B", resp.Answer)
	assert.Equal(t, "B", resp.Provider)
	assert.True(t, resp.Fallback)

	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, OutcomeFailure, resp.Attempts[0].Outcome)
	assert.Equal(t, KindServerError, resp.Attempts[0].Kind)
	assert.Equal(t, OutcomeSuccess, resp.Attempts[1].Outcome)

	assert.Equal(t, []recordedResult{
		{"A", false, KindServerError},
		{"B", true, ""},
	}, rec.results)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Equal(t, int64(1), stats.FallbackCount)
	assert.Equal(t, int64(1), stats.ProviderUsage["A"].Failures)
	assert.Equal(t, int64(1), stats.ProviderUsage["B"].Successes)
}

func TestManager_PriorityTieBrokenByRegistration(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{5, 5})

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "A", resp.Provider)
}

func TestManager_PriorityOrderNotRegistrationOrder(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{2, 1})

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "B", resp.Provider)
	assert.False(t, resp.Fallback)
}

func TestManager_ExplicitOverride(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	resp := m.Generate(context.Background(), &Request{Query: "q", Provider: "B"})
	assert.Equal(t, "B", resp.Provider)
	assert.Equal(t, int32(0), a.calls.Load())
	// B is not the highest-priority provider, so this still counts as a
	// fallback.
	assert.True(t, resp.Fallback)
}

func TestManager_OverrideFailsOverToPriorityOrder(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	c := newFake("C", "", serverErr("C"))
	m := newTestManager(t, nil, []*fakeProvider{a, b, c}, []int{1, 2, 3})

	resp := m.Generate(context.Background(), &Request{Query: "q", Provider: "C"})
	assert.Equal(t, "A", resp.Provider)
	assert.False(t, resp.Fallback)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "C", resp.Attempts[0].Provider)
}

func TestManager_UnknownOrDisabledOverrideIgnored(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})
	require.True(t, m.DisableProvider("B"))

	assert.Equal(t, "A", m.Generate(context.Background(), &Request{Query: "q", Provider: "B"}).Provider)
	assert.Equal(t, "A", m.Generate(context.Background(), &Request{Query: "q", Provider: "nope"}).Provider)
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestManager_TotalFailureNeverRaises(t *testing.T) {
	a := newFake("A", "", serverErr("A"))
	b := newFake("B", "", &Error{Kind: KindUnauthorized, Provider: "B"})
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	resp := m.Generate(context.Background(), &Request{Query: "what is bail?"})
	require.NotNil(t, resp)
	assert.True(t, resp.Fallback)
	assert.Equal(t, FallbackProvider, resp.Provider)
	assert.Equal(t, FallbackModel, resp.Model)
	require.NotNil(t, resp.Confidence)
	assert.Zero(t, *resp.Confidence)
	assert.Contains(t, resp.Answer, "what is bail?")
	assert.Contains(t, resp.Answer, "[System Fallback - All Providers Unavailable]")
	assert.Positive(t, resp.TokensUsed)
	assert.Len(t, resp.Attempts, 2)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.FallbackCount)
}

func TestManager_NoEnabledProviders(t *testing.T) {
	a := newFake("A", "from A", nil)
	m := newTestManager(t, nil, []*fakeProvider{a}, []int{1})
	require.True(t, m.DisableProvider("A"))

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.True(t, resp.Fallback)
	assert.Equal(t, FallbackProvider, resp.Provider)
	assert.Equal(t, int32(0), a.calls.Load())
	assert.Equal(t, int32(0), a.probes.Load())
}

func TestManager_WithoutFailover(t *testing.T) {
	a := newFake("A", "", serverErr("A"))
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	resp := m.Generate(context.Background(), &Request{Query: "q"}, WithoutFailover())
	assert.True(t, resp.Fallback)
	assert.Equal(t, FallbackProvider, resp.Provider)
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestManager_SkipsUnhealthyUnlessLast(t *testing.T) {
	a := newFake("A", "from A", nil)
	a.healthy.Store(false)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "B", resp.Provider)
	assert.Equal(t, int32(0), a.calls.Load())
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, OutcomeSkipped, resp.Attempts[0].Outcome)

	// With A as the only candidate it is attempted despite being unhealthy.
	require.True(t, m.DisableProvider("B"))
	resp = m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "A", resp.Provider)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestManager_HealthProbesAreRateLimited(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := newFake("A", "from A", nil)
	m := NewManager(WithLogger(quietLogger()), WithClock(clock))
	require.NoError(t, m.Register(Descriptor{Name: "A", Priority: 1, Enabled: true, HealthCheckInterval: time.Minute}, a))

	for range 5 {
		m.Generate(context.Background(), &Request{Query: "q"})
	}
	assert.Equal(t, int32(1), a.probes.Load())

	now = now.Add(time.Minute)
	m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, int32(2), a.probes.Load())
}

func TestManager_UnhealthyRecoversAfterRecheck(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := newFake("A", "from A", nil)
	a.healthy.Store(false)
	b := newFake("B", "from B", nil)
	m := NewManager(WithLogger(quietLogger()), WithClock(clock))
	require.NoError(t, m.Register(Descriptor{Name: "A", Priority: 1, Enabled: true, HealthCheckInterval: time.Minute}, a))
	require.NoError(t, m.Register(Descriptor{Name: "B", Priority: 2, Enabled: true}, b))

	assert.Equal(t, "B", m.Generate(context.Background(), &Request{Query: "q"}).Provider)

	// Still inside the interval: A stays skipped even though it's back.
	a.healthy.Store(true)
	assert.Equal(t, "B", m.Generate(context.Background(), &Request{Query: "q"}).Provider)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, "A", m.Generate(context.Background(), &Request{Query: "q"}).Provider)
}

func TestManager_CancellationIsNotAProviderFailure(t *testing.T) {
	a := newFake("A", "", nil)
	a.block = true
	b := newFake("B", "from B", nil)
	rec := &fakeRecorder{}
	m := newTestManager(t, []Option{WithRecorder(rec)}, []*fakeProvider{a, b}, []int{1, 2})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp := m.Generate(ctx, &Request{Query: "q"})
	assert.True(t, resp.Fallback)
	assert.Equal(t, FallbackProvider, resp.Provider)
	assert.Equal(t, int32(0), b.calls.Load())
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, OutcomeCancelled, resp.Attempts[0].Outcome)
	assert.Empty(t, rec.results)
}

func TestManager_ConcurrentGenerate(t *testing.T) {
	a := newFake("A", "", serverErr("A"))
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := m.Generate(context.Background(), &Request{Query: "q"})
			assert.Equal(t, "B", resp.Provider)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.Stats().TotalRequests)
	assert.Equal(t, int64(50), m.Stats().ProviderUsage["B"].Successes)
}

func TestManager_DuplicateName(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()))
	require.NoError(t, m.Register(Descriptor{Name: "A"}, newFake("A", "", nil)))
	assert.ErrorIs(t, m.Register(Descriptor{Name: "A"}, newFake("A", "", nil)), ErrDuplicateProvider)
}

func TestManager_SwitchEnableDisable(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	assert.False(t, m.SwitchProvider("nope"))
	assert.False(t, m.EnableProvider("nope"))
	assert.False(t, m.DisableProvider("nope"))
	assert.False(t, m.SetPriority("nope", 1))

	require.True(t, m.SwitchProvider("B"))
	assert.Equal(t, "B", m.ActiveProvider())
	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "B", resp.Provider)
	assert.False(t, resp.Fallback)

	// Switching to the provider that is already first is a no-op.
	require.True(t, m.SwitchProvider("B"))
	infos := m.Providers()
	assert.Equal(t, "B", infos[0].Name)
	assert.Equal(t, 0, infos[0].Priority)

	require.True(t, m.DisableProvider("B"))
	assert.False(t, m.SwitchProvider("B"), "disabled providers can't be made active")
	assert.Equal(t, "A", m.ActiveProvider())

	require.True(t, m.EnableProvider("B"))
	require.True(t, m.SetPriority("A", -10))
	assert.Equal(t, "A", m.ActiveProvider())
}

func TestManager_ValidateAll(t *testing.T) {
	a := newFake("A", "from A", nil)
	b := newFake("B", "from B", nil)
	b.healthy.Store(false)
	m := newTestManager(t, nil, []*fakeProvider{a, b}, []int{1, 2})

	results := m.ValidateAll(context.Background())
	assert.Equal(t, map[string]bool{"A": true, "B": false}, results)

	report := m.Status()
	assert.Equal(t, "A", report.ActiveProvider)
	require.Len(t, report.Providers, 2)
	assert.Equal(t, StatusHealthy, report.Providers[0].Status)
	assert.Equal(t, StatusUnhealthy, report.Providers[1].Status)
	assert.NotNil(t, report.Providers[1].LastChecked)
	assert.True(t, m.AnyHealthy())
}

func TestManager_AnyHealthy(t *testing.T) {
	a := newFake("A", "", nil)
	a.healthy.Store(false)
	m := newTestManager(t, nil, []*fakeProvider{a}, []int{1})
	m.ValidateAll(context.Background())
	assert.False(t, m.AnyHealthy())
}

func TestBuild_FromRegistry(t *testing.T) {
	descs := []Descriptor{
		{Name: "mock", Type: TypeMock, Priority: 2, Enabled: true},
		{Name: "engine", Type: TypeAIEngine, Priority: 1, Enabled: false, BaseURL: "http://127.0.0.1:1"},
	}
	m, err := Build(descs, NewRegistry(), nil, WithLogger(quietLogger()))
	require.NoError(t, err)

	resp := m.Generate(context.Background(), &Request{Query: "q"})
	assert.Equal(t, "mock", resp.Provider)
	assert.False(t, resp.Fallback)

	_, ok := m.Provider("engine")
	assert.True(t, ok)

	_, err = Build([]Descriptor{{Name: "x", Type: "bogus"}}, NewRegistry(), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}
