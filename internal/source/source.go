// Package source wraps each external data endpoint behind one contract:
// Fetch never returns a Go error, it returns a result.Result whose reason
// says what went wrong.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/resilience"
)

const maxBodyBytes = 1 << 20

// Params are the domain parameters of a lookup, e.g. {"line": "190"}.
type Params map[string]string

func (p Params) Get(name string) string {
	return strings.TrimSpace(p[name])
}

// Adapter is one external data source.
type Adapter interface {
	Name() string
	// TTL is how long a successful result stays fresh.
	TTL() time.Duration
	// KeyParams returns the subset of p that changes what Fetch returns, with
	// defaults resolved, so equivalent requests share a cache key.
	KeyParams(p Params) Params
	Fetch(ctx context.Context, p Params) result.Result
}

// Deps are the collaborators shared by all adapters.
type Deps struct {
	Client  *http.Client
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// New builds every configured adapter.
func New(cfg config.SourcesConfig, deps Deps) []Adapter {
	return []Adapter{
		NewBus(cfg.Bus, deps),
		NewWeather(cfg.Weather, deps),
		NewDining(cfg.Dining, deps),
		NewNotice(cfg.Notice, deps),
		NewShuttle(cfg.Shuttle, deps),
	}
}

// Emptier is implemented by payloads that can be a successful "nothing to
// show", such as no buses currently approaching.
type Emptier interface {
	IsEmpty() bool
}

// base is the request template every adapter is built on: credential check,
// breaker, per-call deadline, one immediate retry, and outcome
// classification.
type base struct {
	name       string
	baseURL    string
	apiKey     string
	requireKey bool
	timeout    time.Duration
	ttl        time.Duration
	client     *http.Client
	breaker    *resilience.CircuitBreaker
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

func newBase(name string, common config.SourceCommon, requireKey bool, deps Deps) base {
	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	timeout := common.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	m := deps.Metrics
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
	if m != nil {
		cbCfg.OnStateChange = func(n string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(n).Set(float64(to))
		}
	}
	return base{
		name:       name,
		baseURL:    strings.TrimRight(common.BaseURL, "/"),
		apiKey:     common.APIKey,
		requireKey: requireKey,
		timeout:    timeout,
		ttl:        common.TTL,
		client:     client,
		breaker:    resilience.NewCircuitBreaker("source."+name, cbCfg),
		metrics:    m,
		now:        now,
		logger:     slog.Default().With("component", "source", "source", name),
	}
}

func (b *base) Name() string       { return b.name }
func (b *base) TTL() time.Duration { return b.ttl }

// BreakerState exposes the adapter's circuit breaker for health checks.
func (b *base) BreakerState() resilience.State { return b.breaker.GetState() }

// execute runs call under the adapter's policies and converts its outcome
// into a Result. call returns the payload to encode and the time the
// upstream data refers to.
func (b *base) execute(ctx context.Context, call func(ctx context.Context) (any, time.Time, error)) result.Result {
	if b.requireKey && b.apiKey == "" {
		b.record(outcomeNoCredential, 0)
		return result.Unavailable(result.ReasonNoCredential)
	}
	if err := b.breaker.Allow(); err != nil {
		b.logger.Debug("breaker rejected fetch", "error", err)
		b.record(outcomeBreakerOpen, 0)
		return result.Unavailable(result.ReasonNetworkFailure)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	var (
		payload    any
		sourceTime time.Time
	)
	err := resilience.Retry(ctx, "source."+b.name, resilience.RetryConfig{
		MaxAttempts: 2,
		Immediate:   true,
		RetryIf:     func(err error) bool { return classify(ctx, err).retryable() },
	}, func() error {
		var err error
		payload, sourceTime, err = call(ctx)
		return err
	})
	took := time.Since(start)

	if err != nil {
		c := classify(ctx, err)
		b.breaker.Record(c.breakerFailure)
		b.record(string(c.reason), took)
		b.logger.Warn("fetch failed", "reason", string(c.reason), "error", err, "took", took)
		return result.Unavailable(c.reason)
	}
	b.breaker.Record(false)

	outcome := outcomeOK
	if e, ok := payload.(Emptier); ok && e.IsEmpty() {
		outcome = outcomeEmpty
	}
	b.record(outcome, took)
	if sourceTime.IsZero() {
		sourceTime = b.now()
	}
	return result.JSON(payload, sourceTime)
}

const (
	outcomeOK           = "ok"
	outcomeEmpty        = "empty"
	outcomeNoCredential = "no-credential"
	outcomeBreakerOpen  = "breaker-open"
)

func (b *base) record(outcome string, took time.Duration) {
	if b.metrics == nil {
		return
	}
	b.metrics.SourceFetchesTotal.WithLabelValues(b.name, outcome).Inc()
	if took > 0 {
		b.metrics.SourceFetchDuration.WithLabelValues(b.name).Observe(took.Seconds())
	}
}

// getJSON issues a GET to endpoint and decodes a JSON body into out.
// Non-2xx statuses become *statusError and undecodable bodies *decodeError.
func (b *base) getJSON(ctx context.Context, endpoint string, query url.Values, header http.Header, out any) error {
	u := endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &decodeError{err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &decodeError{err: err}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.code)
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "malformed response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// upstreamError is an application-level failure reported inside an
// otherwise successful HTTP response.
type upstreamError struct {
	code   string
	msg    string
	reason result.Reason
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.code, e.msg)
}

type classification struct {
	reason         result.Reason
	breakerFailure bool
}

func (c classification) retryable() bool {
	return c.reason.Retryable()
}

// classify maps a fetch error onto the fixed reason set. Only failures that
// point at an unhealthy upstream count against the breaker.
func classify(ctx context.Context, err error) classification {
	var (
		se *statusError
		de *decodeError
		ue *upstreamError
	)
	switch {
	case errors.As(err, &ue):
		return classification{reason: ue.reason, breakerFailure: ue.reason == result.ReasonNetworkFailure}
	case errors.As(err, &se):
		switch {
		case se.code == http.StatusTooManyRequests:
			return classification{reason: result.ReasonRateLimited}
		case se.code == http.StatusNotFound:
			return classification{reason: result.ReasonNotFound}
		case se.code == http.StatusUnauthorized, se.code == http.StatusForbidden:
			return classification{reason: result.ReasonNoCredential}
		case se.code >= 500:
			return classification{reason: result.ReasonNetworkFailure, breakerFailure: true}
		default:
			return classification{reason: result.ReasonMalformedResponse}
		}
	case errors.As(err, &de):
		return classification{reason: result.ReasonMalformedResponse}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return classification{reason: result.ReasonTimeout, breakerFailure: true}
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return classification{reason: result.ReasonTimeout, breakerFailure: true}
	}
	return classification{reason: result.ReasonNetworkFailure, breakerFailure: true}
}

// flexString decodes a JSON string or number into a string; upstream IDs
// are not consistently typed.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var kst = time.FixedZone("KST", 9*60*60)
