// Package aggregator answers data intents by looking up one or more sources
// through the freshness cache under a single overall deadline, and merges
// whatever arrived in time.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ara-campus/ara/internal/freshness"
	"github.com/ara-campus/ara/internal/intent"
	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/internal/source"
	"github.com/ara-campus/ara/pkg/config"
	apperrors "github.com/ara-campus/ara/pkg/errors"
	"github.com/ara-campus/ara/pkg/logger"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/tracing"
)

// DefaultPlans maps each data intent to the sources it reads, in merge
// order.
var DefaultPlans = map[intent.Intent][]string{
	intent.Bus:      {"bus"},
	intent.Weather:  {"weather"},
	intent.Dining:   {"dining"},
	intent.Notice:   {"notice"},
	intent.Briefing: {"weather", "notice", "dining"},
	intent.Shuttle:  {"shuttle"},
}

const maxParamLen = 100

type Aggregator struct {
	cache       *freshness.Cache
	adapters    map[string]source.Adapter
	plans       map[intent.Intent][]string
	deadline    time.Duration
	subDeadline time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New wires adapters to plans. Every source a plan names must have an
// adapter.
func New(cache *freshness.Cache, adapters []source.Adapter, cfg config.AggregatorConfig, m *metrics.Metrics) (*Aggregator, error) {
	byName := make(map[string]source.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	for in, names := range DefaultPlans {
		for _, n := range names {
			if _, ok := byName[n]; !ok {
				return nil, fmt.Errorf("plan for %s needs source %q, which is not configured", in, n)
			}
		}
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	sub := cfg.SubDeadline
	if sub <= 0 || sub > deadline {
		sub = deadline
	}
	return &Aggregator{
		cache:       cache,
		adapters:    byName,
		plans:       DefaultPlans,
		deadline:    deadline,
		subDeadline: sub,
		metrics:     m,
		logger:      slog.Default().With("component", "aggregator"),
	}, nil
}

// Handle answers a data intent. The returned error is non-nil only when the
// request itself is invalid; every upstream problem is reported in the
// Result. Handle returns no later than the earlier of ctx's deadline and the
// configured overall deadline.
func (a *Aggregator) Handle(ctx context.Context, in intent.Intent, params source.Params) (result.Result, error) {
	plan, ok := a.plans[in]
	if !ok {
		return result.Result{}, apperrors.Newf(apperrors.ErrInvalidIntent, http.StatusBadRequest, "intent %s is not answered from live sources", in)
	}
	if err := validateParams(params); err != nil {
		return result.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	if len(plan) == 1 {
		return a.lookup(ctx, plan[0], params), nil
	}
	return a.fanOut(ctx, in, plan, params), nil
}

// Sources returns the source names a data intent reads.
func (a *Aggregator) Sources(in intent.Intent) []string {
	return slices.Clone(a.plans[in])
}

// Invalidate drops the cache entry a lookup of the named source with params
// would read. Without params every entry of the source is dropped. It
// returns the number of entries dropped, or false if the source is unknown.
func (a *Aggregator) Invalidate(name string, params source.Params) (int, bool) {
	adapter, ok := a.adapters[name]
	if !ok {
		return 0, false
	}
	if len(params) == 0 {
		return a.cache.InvalidateSource(name), true
	}
	a.cache.Invalidate(freshness.NewKey(name, adapter.KeyParams(params)))
	return 1, true
}

// SourceNames lists the configured sources.
func (a *Aggregator) SourceNames() []string {
	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (a *Aggregator) lookup(ctx context.Context, name string, params source.Params) result.Result {
	adapter := a.adapters[name]
	kp := adapter.KeyParams(params)
	key := freshness.NewKey(name, kp)
	return a.cache.GetOrFetch(ctx, key, adapter.TTL(), func(fctx context.Context) result.Result {
		return adapter.Fetch(fctx, kp)
	})
}

type subResult struct {
	idx int
	res result.Result
}

func (a *Aggregator) fanOut(ctx context.Context, in intent.Intent, plan []string, params source.Params) result.Result {
	traceCtx, span := tracing.StartSpan(ctx, "aggregate."+in.String(), logger.RequestID(ctx))
	defer func() {
		span.End()
		span.Log()
	}()

	results := make([]result.Result, len(plan))
	arrived := make([]bool, len(plan))
	ch := make(chan subResult, len(plan))
	for i, name := range plan {
		go func(idx int, name string) {
			subCtx, cancel := context.WithTimeout(traceCtx, a.subDeadline)
			defer cancel()
			_, child := tracing.StartChildSpan(subCtx, name)
			res := a.lookup(subCtx, name, params)
			child.SetAttr("status", res.String())
			child.End()
			ch <- subResult{idx: idx, res: res}
		}(i, name)
	}

	deadlineHit := false
	for pending := len(plan); pending > 0 && !deadlineHit; {
		select {
		case sr := <-ch:
			results[sr.idx] = sr.res
			arrived[sr.idx] = true
			pending--
		case <-ctx.Done():
			deadlineHit = true
		}
	}
	for i := range results {
		if !arrived[i] {
			results[i] = result.Unavailable(result.ReasonTimeout)
		}
	}

	merged := a.merge(plan, results)
	span.SetAttr("status", merged.String())
	span.SetAttr("missing", len(merged.Missing))
	logger.FromContext(ctx).Debug("intent aggregated",
		"intent", in.String(),
		"status", merged.Status.String(),
		"missing", len(merged.Missing),
		"deadline_hit", deadlineHit,
	)
	return merged
}

// merge combines per-source results in plan order. The payload is a JSON
// object keyed by source name holding every usable sub-payload; sources
// with nothing usable are listed in Missing. SourceTime is the oldest
// contributing timestamp.
func (a *Aggregator) merge(plan []string, results []result.Result) result.Result {
	payload := make(map[string]json.RawMessage, len(plan))
	var (
		missing    []result.MissingSource
		reason     result.Reason
		oldest     time.Time
		allTimeout = true
	)
	for i, name := range plan {
		r := results[i]
		if !r.Usable() {
			missing = append(missing, result.MissingSource{Source: name, Reason: r.Reason})
			if a.metrics != nil {
				a.metrics.MissingSourcesTotal.WithLabelValues(name, string(r.Reason)).Inc()
			}
			if reason == result.ReasonNone {
				reason = r.Reason
			}
			if r.Reason != result.ReasonTimeout {
				allTimeout = false
			}
			continue
		}
		if r.IsDegraded() && reason == result.ReasonNone {
			reason = r.Reason
		}
		payload[name] = r.Payload
		if !r.SourceTime.IsZero() && (oldest.IsZero() || r.SourceTime.Before(oldest)) {
			oldest = r.SourceTime
		}
	}

	if len(payload) == 0 {
		if allTimeout || reason == result.ReasonNone {
			reason = result.ReasonTimeout
		}
		out := result.Unavailable(reason)
		out.Missing = missing
		return out
	}

	b, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("merging payloads", "error", err)
		return result.Unavailable(result.ReasonMalformedResponse)
	}
	if reason == result.ReasonNone {
		return result.OK(b, oldest)
	}
	out := result.Degraded(b, oldest, reason)
	out.Missing = missing
	return out
}

func validateParams(params source.Params) error {
	for name, v := range params {
		if utf8.RuneCountInString(v) > maxParamLen {
			return apperrors.Newf(apperrors.ErrInvalidParams, http.StatusBadRequest, "parameter %q is too long", name)
		}
	}
	if d := strings.ToLower(params.Get("direction")); d != "" && d != source.DirectionIn && d != source.DirectionOut {
		return apperrors.Newf(apperrors.ErrInvalidParams, http.StatusBadRequest, "direction must be %q or %q", source.DirectionIn, source.DirectionOut)
	}
	if at := params.Get("at"); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return apperrors.Newf(apperrors.ErrInvalidParams, http.StatusBadRequest, "at %q is not HH:MM", at)
		}
	}
	if d := params.Get("date"); d != "" {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return apperrors.Newf(apperrors.ErrInvalidParams, http.StatusBadRequest, "date %q is not YYYY-MM-DD", d)
		}
	}
	return nil
}
