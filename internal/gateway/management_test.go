package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/legalinfer/internal/pipeline"
	"github.com/howard-nolan/legalinfer/internal/provider"
	"github.com/howard-nolan/legalinfer/internal/ratelimit"
)

func TestSwitchProvider(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})

	require.NoError(t, f.svc.SwitchProvider("backup"))
	assert.Equal(t, "backup", f.svc.Providers().ActiveProvider)

	off := false
	req := query("What is bail?")
	req.EnableCache = &off
	resp, err := f.svc.Infer(context.Background(), "t1", req)
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.False(t, resp.Fallback)

	assert.ErrorIs(t, f.svc.SwitchProvider("nope"), provider.ErrUnknownProvider)

	require.NoError(t, f.svc.SetProviderEnabled("primary", false))
	assert.ErrorIs(t, f.svc.SwitchProvider("primary"), ErrProviderDisabled)
}

func TestSetProviderEnabled(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})
	off := false

	require.NoError(t, f.svc.SetProviderEnabled("primary", false))
	req := query("What is bail?")
	req.EnableCache = &off
	resp, err := f.svc.Infer(context.Background(), "t1", req)
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.False(t, resp.Fallback, "the backup is first once primary is disabled")

	require.NoError(t, f.svc.SetProviderEnabled("primary", true))
	assert.Equal(t, "primary", f.svc.Providers().ActiveProvider)

	assert.ErrorIs(t, f.svc.SetProviderEnabled("nope", true), provider.ErrUnknownProvider)
}

func TestCacheManagement(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})
	ctx := context.Background()

	_, err := f.svc.Infer(ctx, "t1", query("What is bail?"))
	require.NoError(t, err)

	stats, err := f.svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, "in-memory", stats.Backend)

	require.NoError(t, f.svc.ClearCache(ctx))
	stats, err = f.svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Size)
}

func TestRateLimitManagement(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})
	ctx := context.Background()

	_, err := f.svc.Infer(ctx, "t1", query("What is bail?"))
	require.NoError(t, err)

	assert.True(t, f.svc.RateLimitsEnabled())
	all := f.svc.RateLimitStats()
	assert.Equal(t, 1, all.ActiveTenants)
	assert.Equal(t, 10, all.DefaultLimits.MaxRequests)

	ts := f.svc.TenantRateLimit("t1")
	assert.Equal(t, 1, ts.CurrentRequests)
	assert.Equal(t, 10.0, ts.UtilizationPercent)

	require.NoError(t, f.svc.SetTenantRateLimit("t1", 1, time.Minute))
	assert.Equal(t, 1, f.svc.TenantRateLimit("t1").Limit)
	assert.ErrorIs(t, f.svc.SetTenantRateLimit("t1", 0, time.Minute), ErrInvalidRequest)
}

func TestMetricsManagement(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})

	_, err := f.svc.Infer(context.Background(), "t1", query("What is bail?"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.svc.Metrics().Requests.Total)

	f.svc.ResetMetrics()
	assert.Zero(t, f.svc.Metrics().Requests.Total)
}

func TestPipelineConfigManagement(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})

	cfg := f.svc.PipelineConfig()
	assert.True(t, cfg.EnableSanitization)

	cfg.EnableSanitization = false
	f.svc.UpdatePipelineConfig(cfg)
	assert.False(t, f.svc.PipelineConfig().EnableSanitization)

	off := false
	req := query("What is bail?")
	req.EnableCache = &off
	resp, err := f.svc.Infer(context.Background(), "t1", req)
	require.NoError(t, err)
	assert.NotContains(t, resp.Stages, pipeline.StageSanitization)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})
	ctx := context.Background()

	h := f.svc.Health(ctx)
	assert.Equal(t, HealthOK, h.Status)
	assert.Equal(t, 2, h.Providers.Total)
	require.NotNil(t, h.Cache)
	assert.True(t, f.svc.Ready())

	f.primary.SetFailing(true)
	f.backup.SetFailing(true)
	f.manager.ValidateAll(ctx)

	h = f.svc.Health(ctx)
	assert.Equal(t, HealthDegraded, h.Status)
	assert.Equal(t, HealthDegraded, h.Providers.Status)
	assert.Zero(t, h.Providers.Healthy)
	assert.Equal(t, provider.StatusUnhealthy, h.Providers.Providers["primary"].Status)

	f.clock.Advance(90 * time.Second)
	assert.Equal(t, 90.0, f.svc.Health(ctx).UptimeSeconds)
}

func TestReady(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{MaxRequests: 10, Window: time.Minute})

	require.NoError(t, f.svc.SetProviderEnabled("primary", false))
	require.NoError(t, f.svc.SetProviderEnabled("backup", false))
	assert.False(t, f.svc.Ready())
}
