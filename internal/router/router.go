package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ara-campus/ara/internal/corpus"
	"github.com/ara-campus/ara/internal/intent"
	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/internal/source"
	apperrors "github.com/ara-campus/ara/pkg/errors"
	"github.com/ara-campus/ara/pkg/logger"
	"github.com/ara-campus/ara/pkg/metrics"
)

// DataHandler answers data intents from live sources.
type DataHandler interface {
	Handle(ctx context.Context, in intent.Intent, params source.Params) (result.Result, error)
}

// Retriever answers knowledge intents from the local corpus.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]corpus.Hit, error)
}

// Recorder observes every answered request.
type Recorder interface {
	RecordAsk(ctx context.Context, ans Answer, latency time.Duration)
}

// Answer is what Dispatch returns. Context is to be echoed back in the
// next Request of the same conversation.
type Answer struct {
	Intent  intent.Intent     `json:"intent"`
	Rule    string            `json:"rule"`
	Params  source.Params     `json:"params,omitempty"`
	Result  result.Result     `json:"result"`
	Hits    []corpus.Hit      `json:"hits,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

type handlerFunc func(ctx context.Context, cl Classification) (Answer, error)

type Router struct {
	classifier *Classifier
	data       DataHandler
	retriever  Retriever
	dispatch   map[intent.Intent]handlerFunc
	recorder   Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Router)

func WithRecorder(r Recorder) Option {
	return func(rt *Router) { rt.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

func New(classifier *Classifier, data DataHandler, retriever Retriever, opts ...Option) *Router {
	r := &Router{
		classifier: classifier,
		data:       data,
		retriever:  retriever,
		logger:     slog.Default().With("component", "router"),
	}
	r.dispatch = map[intent.Intent]handlerFunc{
		intent.Bus:       r.handleData,
		intent.Weather:   r.handleData,
		intent.Dining:    r.handleData,
		intent.Notice:    r.handleData,
		intent.Briefing:  r.handleData,
		intent.Shuttle:   r.handleData,
		intent.Knowledge: r.handleKnowledge,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify exposes the classifier without dispatching.
func (r *Router) Classify(req Request) Classification {
	return r.classifier.Classify(req)
}

// Dispatch classifies req and answers it. Errors are returned only for
// invalid requests; upstream trouble is reported in Answer.Result.
func (r *Router) Dispatch(ctx context.Context, req Request) (Answer, error) {
	if req.empty() {
		return Answer{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "utterance or trigger is required")
	}
	start := time.Now()
	cl := r.classifier.Classify(req)
	handle, ok := r.dispatch[cl.Intent]
	if !ok {
		return Answer{}, apperrors.Newf(apperrors.ErrInvalidIntent, http.StatusBadRequest, "no handler for intent %s", cl.Intent)
	}
	ans, err := handle(ctx, cl)
	if err != nil {
		return Answer{}, err
	}
	ans.Intent = cl.Intent
	ans.Rule = cl.Rule
	ans.Params = cl.Params
	ans.Context = nextContext(cl)

	took := time.Since(start)
	if r.metrics != nil {
		r.metrics.AsksTotal.WithLabelValues(cl.Intent.String(), ans.Result.Status.String()).Inc()
		r.metrics.AskLatency.WithLabelValues(cl.Intent.String()).Observe(took.Seconds())
	}
	if r.recorder != nil {
		r.recorder.RecordAsk(ctx, ans, took)
	}
	logger.FromContext(ctx).Info("request answered",
		"intent", cl.Intent.String(),
		"rule", cl.Rule,
		"status", ans.Result.String(),
		"took", took,
	)
	return ans, nil
}

func (r *Router) handleData(ctx context.Context, cl Classification) (Answer, error) {
	res, err := r.data.Handle(ctx, cl.Intent, cl.Params)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Result: res}, nil
}

func (r *Router) handleKnowledge(ctx context.Context, cl Classification) (Answer, error) {
	hits, err := r.retriever.Query(ctx, cl.Query, 0)
	if err != nil {
		r.logger.Warn("corpus query failed", "error", err)
		return Answer{Result: result.Unavailable(reasonFor(err))}, nil
	}
	if len(hits) == 0 {
		return Answer{Result: result.Unavailable(result.ReasonNoData)}, nil
	}
	return Answer{Result: result.JSON(hits, time.Now()), Hits: hits}, nil
}

// reasonFor maps a corpus query error onto the result reason set.
func reasonFor(err error) result.Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperrors.ErrTimeout):
		return result.ReasonTimeout
	case errors.Is(err, apperrors.ErrNoCredential):
		return result.ReasonNoCredential
	case errors.Is(err, apperrors.ErrRateLimited):
		return result.ReasonRateLimited
	default:
		return result.ReasonNetworkFailure
	}
}

func nextContext(cl Classification) map[string]string {
	next := map[string]string{CtxLastIntent: cl.Intent.String()}
	if line := cl.Params.Get(CtxLine); line != "" {
		next[CtxLine] = line
	}
	return next
}

func (a Answer) String() string {
	return fmt.Sprintf("%s/%s %s", a.Intent, a.Rule, a.Result)
}
