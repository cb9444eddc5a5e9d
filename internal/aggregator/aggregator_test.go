package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ara-campus/ara/internal/freshness"
	"github.com/ara-campus/ara/internal/intent"
	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/internal/source"
	"github.com/ara-campus/ara/pkg/config"
	apperrors "github.com/ara-campus/ara/pkg/errors"
	"github.com/ara-campus/ara/pkg/metrics"
)

// stubAdapter answers with a fixed function and counts calls.
type stubAdapter struct {
	name  string
	ttl   time.Duration
	calls atomic.Int32
	fetch func(ctx context.Context, p source.Params) result.Result
}

func (s *stubAdapter) Name() string       { return s.name }
func (s *stubAdapter) TTL() time.Duration { return s.ttl }

func (s *stubAdapter) KeyParams(p source.Params) source.Params {
	out := source.Params{}
	for k, v := range p {
		if k != "user" {
			out[k] = v
		}
	}
	return out
}

func (s *stubAdapter) Fetch(ctx context.Context, p source.Params) result.Result {
	s.calls.Add(1)
	return s.fetch(ctx, p)
}

func okAdapter(name, payload string) *stubAdapter {
	return &stubAdapter{name: name, ttl: time.Minute, fetch: func(ctx context.Context, p source.Params) result.Result {
		return result.OK(json.RawMessage(payload), time.Now())
	}}
}

func hangingAdapter(name string) *stubAdapter {
	return &stubAdapter{name: name, ttl: time.Minute, fetch: func(ctx context.Context, p source.Params) result.Result {
		<-ctx.Done()
		return result.Unavailable(result.ReasonTimeout)
	}}
}

func failingAdapter(name string, reason result.Reason) *stubAdapter {
	return &stubAdapter{name: name, ttl: time.Minute, fetch: func(ctx context.Context, p source.Params) result.Result {
		return result.Unavailable(reason)
	}}
}

type fixture struct {
	agg     *Aggregator
	metrics *metrics.Metrics
	bus     *stubAdapter
	weather *stubAdapter
	notice  *stubAdapter
	dining  *stubAdapter
	shuttle *stubAdapter
}

func newFixture(t *testing.T, cfg config.AggregatorConfig, bus, weather, notice, dining *stubAdapter) fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	cache := freshness.New(freshness.Options{FetchTimeout: 2 * time.Second, MaxStale: time.Hour, Metrics: m})
	shuttle := okAdapter("shuttle", `{"departures":[{"route":"본관-기숙사","next":"13:00"}]}`)
	agg, err := New(cache, []source.Adapter{bus, weather, notice, dining, shuttle}, cfg, m)
	require.NoError(t, err)
	return fixture{agg: agg, metrics: m, bus: bus, weather: weather, notice: notice, dining: dining, shuttle: shuttle}
}

func defaultFixture(t *testing.T) fixture {
	return newFixture(t,
		config.AggregatorConfig{Deadline: 300 * time.Millisecond, SubDeadline: 100 * time.Millisecond},
		okAdapter("bus", `{"arrivals":[]}`),
		okAdapter("weather", `{"temperature_c":9}`),
		okAdapter("notice", `{"items":[{"title":"수강신청"}]}`),
		okAdapter("dining", `{"meals":[{"name":"중식"}]}`),
	)
}

func TestSingleSourceDelegatesToCache(t *testing.T) {
	f := defaultFixture(t)

	r, err := f.agg.Handle(context.Background(), intent.Weather, source.Params{"location": "영도", "user": "u1"})
	require.NoError(t, err)
	assert.True(t, r.IsOK())
	assert.JSONEq(t, `{"temperature_c":9}`, string(r.Payload))

	r, err = f.agg.Handle(context.Background(), intent.Weather, source.Params{"location": "영도", "user": "u2"})
	require.NoError(t, err)
	assert.True(t, r.IsOK())
	assert.Equal(t, int32(1), f.weather.calls.Load(), "irrelevant params must not fragment the cache key")
}

func TestBriefingMergesAllSources(t *testing.T) {
	f := defaultFixture(t)

	r, err := f.agg.Handle(context.Background(), intent.Briefing, nil)
	require.NoError(t, err)
	require.True(t, r.IsOK(), r.String())
	assert.Empty(t, r.Missing)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(r.Payload, &merged))
	assert.Len(t, merged, 3)
	assert.JSONEq(t, `{"temperature_c":9}`, string(merged["weather"]))
	assert.NotContains(t, merged, "bus")
}

func TestPartialTimeoutIsDegradedWithManifest(t *testing.T) {
	f := newFixture(t,
		config.AggregatorConfig{Deadline: 300 * time.Millisecond, SubDeadline: 50 * time.Millisecond},
		okAdapter("bus", `{}`),
		hangingAdapter("weather"),
		okAdapter("notice", `{"items":[{"title":"휴강 안내"}]}`),
		okAdapter("dining", `{"meals":[]}`),
	)

	start := time.Now()
	r, err := f.agg.Handle(context.Background(), intent.Briefing, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 250*time.Millisecond, "sub-deadline must bound the slow source")
	require.True(t, r.IsDegraded(), r.String())
	assert.Equal(t, result.ReasonTimeout, r.Reason)
	assert.Equal(t, []result.MissingSource{{Source: "weather", Reason: result.ReasonTimeout}}, r.Missing)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(r.Payload, &merged))
	assert.JSONEq(t, `{"items":[{"title":"휴강 안내"}]}`, string(merged["notice"]))
	assert.Contains(t, merged, "dining")
	assert.NotContains(t, merged, "weather")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MissingSourcesTotal.WithLabelValues("weather", "timeout")))
}

func TestHandleNeverBlocksPastDeadline(t *testing.T) {
	const deadline = 80 * time.Millisecond
	f := newFixture(t,
		config.AggregatorConfig{Deadline: deadline, SubDeadline: deadline},
		hangingAdapter("bus"),
		hangingAdapter("weather"),
		hangingAdapter("notice"),
		hangingAdapter("dining"),
	)

	for _, in := range []intent.Intent{intent.Bus, intent.Briefing} {
		start := time.Now()
		r, err := f.agg.Handle(context.Background(), in, nil)
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.True(t, r.IsUnavailable(), in.String())
		assert.Equal(t, result.ReasonTimeout, r.Reason)
		assert.LessOrEqual(t, elapsed, deadline+60*time.Millisecond, in.String())
	}
}

func TestCallerDeadlineShorterThanConfigured(t *testing.T) {
	f := newFixture(t,
		config.AggregatorConfig{Deadline: 2 * time.Second, SubDeadline: 2 * time.Second},
		hangingAdapter("bus"),
		okAdapter("weather", `{}`),
		okAdapter("notice", `{}`),
		okAdapter("dining", `{}`),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	start := time.Now()
	r, err := f.agg.Handle(ctx, intent.Bus, source.Params{"line": "190"})
	require.NoError(t, err)
	assert.Equal(t, result.ReasonTimeout, r.Reason)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestAllSourcesFailReportsFirstReason(t *testing.T) {
	f := newFixture(t,
		config.AggregatorConfig{Deadline: time.Second, SubDeadline: time.Second},
		okAdapter("bus", `{}`),
		failingAdapter("weather", result.ReasonNoCredential),
		failingAdapter("notice", result.ReasonNetworkFailure),
		failingAdapter("dining", result.ReasonNotFound),
	)

	r, err := f.agg.Handle(context.Background(), intent.Briefing, nil)
	require.NoError(t, err)
	assert.True(t, r.IsUnavailable())
	assert.Equal(t, result.ReasonNoCredential, r.Reason)
	assert.Len(t, r.Missing, 3)
}

func TestStaleSubResultDegradesMerge(t *testing.T) {
	weatherUp := atomic.Bool{}
	weatherUp.Store(true)
	weather := &stubAdapter{name: "weather", ttl: time.Millisecond, fetch: func(ctx context.Context, p source.Params) result.Result {
		if weatherUp.Load() {
			return result.OK(json.RawMessage(`{"temperature_c":7}`), time.Now())
		}
		return result.Unavailable(result.ReasonRateLimited)
	}}
	f := newFixture(t,
		config.AggregatorConfig{Deadline: time.Second, SubDeadline: time.Second},
		okAdapter("bus", `{}`), weather, okAdapter("notice", `{}`), okAdapter("dining", `{}`),
	)

	_, err := f.agg.Handle(context.Background(), intent.Briefing, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	weatherUp.Store(false)

	r, err := f.agg.Handle(context.Background(), intent.Briefing, nil)
	require.NoError(t, err)
	require.True(t, r.IsDegraded())
	assert.Equal(t, result.ReasonRateLimited, r.Reason)
	assert.Empty(t, r.Missing)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(r.Payload, &merged))
	assert.JSONEq(t, `{"temperature_c":7}`, string(merged["weather"]))
}

func TestConcurrentHandlesShareFetch(t *testing.T) {
	release := make(chan struct{})
	bus := &stubAdapter{name: "bus", ttl: time.Minute, fetch: func(ctx context.Context, p source.Params) result.Result {
		<-release
		return result.OK(json.RawMessage(`{"arrivals":[]}`), time.Now())
	}}
	f := newFixture(t,
		config.AggregatorConfig{Deadline: time.Second, SubDeadline: time.Second},
		bus, okAdapter("weather", `{}`), okAdapter("notice", `{}`), okAdapter("dining", `{}`),
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.agg.Handle(context.Background(), intent.Bus, source.Params{"line": "190"})
			assert.NoError(t, err)
			assert.True(t, r.IsOK())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), bus.calls.Load())
}

func TestPreconditionErrors(t *testing.T) {
	f := defaultFixture(t)

	_, err := f.agg.Handle(context.Background(), intent.Knowledge, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidIntent)

	_, err = f.agg.Handle(context.Background(), intent.Bus, source.Params{"direction": "sideways"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParams)

	_, err = f.agg.Handle(context.Background(), intent.Dining, source.Params{"date": "tomorrow"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParams)
	assert.Equal(t, 400, apperrors.HTTPStatusCode(err))

	_, err = f.agg.Handle(context.Background(), intent.Shuttle, source.Params{"at": "점심"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParams)
}

func TestShuttlePlanReadsTimetable(t *testing.T) {
	f := defaultFixture(t)
	r, err := f.agg.Handle(context.Background(), intent.Shuttle, source.Params{"route": "본관-기숙사"})
	require.NoError(t, err)
	require.True(t, r.IsOK())
	assert.JSONEq(t, `{"departures":[{"route":"본관-기숙사","next":"13:00"}]}`, string(r.Payload))
	assert.Equal(t, int32(1), f.shuttle.calls.Load())
	assert.Equal(t, []string{"shuttle"}, f.agg.Sources(intent.Shuttle))
}

func TestNewRejectsMissingAdapter(t *testing.T) {
	cache := freshness.New(freshness.Options{})
	_, err := New(cache, []source.Adapter{okAdapter("bus", `{}`)}, config.AggregatorConfig{}, nil)
	assert.Error(t, err)
}

func TestSourcesReturnsCopy(t *testing.T) {
	f := defaultFixture(t)
	s := f.agg.Sources(intent.Briefing)
	s[0] = "mutated"
	assert.Equal(t, []string{"weather", "notice", "dining"}, f.agg.Sources(intent.Briefing))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	p := source.Params{"location": "영도"}

	_, err := f.agg.Handle(ctx, intent.Weather, p)
	require.NoError(t, err)
	n, ok := f.agg.Invalidate("weather", p)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	_, err = f.agg.Handle(ctx, intent.Weather, p)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.weather.calls.Load())

	_, err = f.agg.Handle(ctx, intent.Briefing, nil)
	require.NoError(t, err)
	n, ok = f.agg.Invalidate("notice", nil)
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok = f.agg.Invalidate("ferry", nil)
	assert.False(t, ok)
	assert.Equal(t, []string{"bus", "dining", "notice", "weather"}, f.agg.SourceNames())
}
