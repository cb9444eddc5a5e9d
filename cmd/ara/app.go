package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ara-campus/ara/internal/aggregator"
	"github.com/ara-campus/ara/internal/analytics"
	"github.com/ara-campus/ara/internal/corpus"
	"github.com/ara-campus/ara/internal/freshness"
	"github.com/ara-campus/ara/internal/router"
	"github.com/ara-campus/ara/internal/source"
	"github.com/ara-campus/ara/pkg/config"
	"github.com/ara-campus/ara/pkg/health"
	"github.com/ara-campus/ara/pkg/kafka"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/postgres"
	"github.com/ara-campus/ara/pkg/redis"
	"github.com/ara-campus/ara/pkg/resilience"
)

// app is the assembled service graph shared by serve and ask.
type app struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	adapters   []source.Adapter
	cache      *freshness.Cache
	aggregator *aggregator.Aggregator
	index      *corpus.Index
	router     *router.Router

	analytics *analytics.Aggregator
	collector *analytics.Collector
	producer  *kafka.Producer
	redis     *redis.Client
	db        *postgres.Client
}

type buildOptions struct {
	registerer prometheus.Registerer
	// withAnalytics attaches the ask-event collector to the router.
	withAnalytics bool
}

func buildApp(cfg *config.Config, opts buildOptions) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New(opts.registerer)}

	if cfg.Postgres.Enabled || cfg.Corpus.Source == "postgres" {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.db = db
		slog.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	a.adapters = source.New(cfg.Sources, source.Deps{
		Client:  &http.Client{},
		Metrics: a.metrics,
	})
	a.cache = freshness.New(freshness.OptionsFromConfig(cfg.Cache, a.metrics))
	agg, err := aggregator.New(a.cache, a.adapters, cfg.Aggregator, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.aggregator = agg

	embedder, err := corpus.NewEmbedder(cfg.Corpus.Embedder)
	if err != nil {
		a.Close()
		return nil, err
	}
	loader, err := a.newLoader()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.index = corpus.New(embedder, loader, corpus.OptionsFromConfig(cfg.Corpus, a.metrics))

	routerOpts := []router.Option{router.WithMetrics(a.metrics)}
	if opts.withAnalytics {
		a.analytics = analytics.NewAggregator()
		var sink analytics.Sink = a.analytics
		if cfg.Kafka.Enabled {
			a.producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
			sink = analytics.KafkaSink{Publisher: a.producer}
		}
		a.collector = analytics.NewCollector(sink, cfg.Analytics.BatchSize, cfg.Analytics.FlushInterval)
		routerOpts = append(routerOpts, router.WithRecorder(a.collector))
	}

	classifier := router.NewClassifier(weatherLocations(cfg.Sources.Weather), nil)
	a.router = router.New(classifier, a.aggregator, a.index, routerOpts...)
	return a, nil
}

func (a *app) newLoader() (corpus.Loader, error) {
	switch a.cfg.Corpus.Source {
	case "redis":
		client, err := redis.NewClient(a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = client
		return corpus.RedisLoader{Client: client, Key: a.cfg.Corpus.RedisKey}, nil
	case "postgres":
		return corpus.PostgresLoader{Client: a.db}, nil
	default:
		return corpus.DirLoader{Dir: a.cfg.Corpus.Dir}, nil
	}
}

func weatherLocations(cfg config.WeatherConfig) []string {
	names := make([]string, 0, len(cfg.Locations)+1)
	for name := range cfg.Locations {
		names = append(names, name)
	}
	if cfg.DefaultLocation != "" && !slices.Contains(names, cfg.DefaultLocation) {
		names = append(names, cfg.DefaultLocation)
	}
	slices.Sort(names)
	return names
}

type breakerReporter interface {
	Name() string
	BreakerState() resilience.State
}

// healthChecker registers a check per backing store, the corpus, and the
// source breakers. Only store outages are fatal; the rest degrade.
func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker(0)
	if a.redis != nil {
		c.Register("redis", health.PingCheck(a.redis.Ping))
	}
	if a.db != nil {
		c.Register("postgres", health.PingCheck(a.db.Ping))
	}
	c.Register("corpus", func(ctx context.Context) health.ComponentHealth {
		if !a.index.Ready() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "corpus not loaded"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	c.Register("sources", func(ctx context.Context) health.ComponentHealth {
		var open []string
		for _, ad := range a.adapters {
			if br, ok := ad.(breakerReporter); ok && br.BreakerState() == resilience.StateOpen {
				open = append(open, br.Name())
			}
		}
		if len(open) > 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: fmt.Sprintf("circuit open: %v", open)}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	return c
}

func (a *app) Close() error {
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
