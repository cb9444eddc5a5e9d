// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Sources, Cache, Aggregator, Corpus, Redis, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sources    SourcesConfig    `yaml:"sources"`
	Cache      CacheConfig      `yaml:"cache"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings. RequestCeiling is the chat
// platform's hard response-time limit.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestCeiling  time.Duration `yaml:"requestCeiling"`
}

// SourcesConfig groups the external data sources.
type SourcesConfig struct {
	Bus     BusConfig     `yaml:"bus"`
	Weather WeatherConfig `yaml:"weather"`
	Dining  DiningConfig  `yaml:"dining"`
	Notice  NoticeConfig  `yaml:"notice"`
	Shuttle ShuttleConfig `yaml:"shuttle"`
}

// SourceCommon carries the settings every adapter shares.
type SourceCommon struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
	TTL     time.Duration `yaml:"ttl"`
}

// BusConfig configures the ODsay realtime bus adapter.
type BusConfig struct {
	SourceCommon      `yaml:",inline"`
	CityCode          string   `yaml:"cityCode"`
	StationQuery      string   `yaml:"stationQuery"`
	PreferredStations []string `yaml:"preferredStations"`
	InboundStation    string   `yaml:"inboundStation"`
	OutboundStation   string   `yaml:"outboundStation"`
}

// GridPoint is a KMA forecast grid coordinate.
type GridPoint struct {
	NX int `yaml:"nx"`
	NY int `yaml:"ny"`
}

// WeatherConfig configures the KMA observation adapter.
type WeatherConfig struct {
	SourceCommon    `yaml:",inline"`
	DefaultLocation string               `yaml:"defaultLocation"`
	Locations       map[string]GridPoint `yaml:"locations"`
}

// DiningConfig configures the cafeteria menu adapter.
type DiningConfig struct {
	SourceCommon     `yaml:",inline"`
	DefaultCafeteria string `yaml:"defaultCafeteria"`
}

// NoticeConfig configures the notice board adapter.
type NoticeConfig struct {
	SourceCommon `yaml:",inline"`
	DefaultBoard string `yaml:"defaultBoard"`
	Limit        int    `yaml:"limit"`
}

// ShuttleConfig configures the campus shuttle timetable. Routes map a route
// name ("본관-기숙사") to its departure times as HH:MM. When BaseURL is set
// the timetable is read from the shuttle service instead.
type ShuttleConfig struct {
	SourceCommon `yaml:",inline"`
	Routes       map[string][]string `yaml:"routes"`
}

// CacheConfig controls the freshness cache.
type CacheConfig struct {
	FetchTimeout  time.Duration `yaml:"fetchTimeout"`
	MaxStale      time.Duration `yaml:"maxStale"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// AggregatorConfig holds the overall and per-source deadlines.
type AggregatorConfig struct {
	Deadline    time.Duration `yaml:"deadline"`
	SubDeadline time.Duration `yaml:"subDeadline"`
}

// CorpusConfig controls document loading, embedding, and retrieval.
type CorpusConfig struct {
	Source          string         `yaml:"source"`
	Dir             string         `yaml:"dir"`
	RedisKey        string         `yaml:"redisKey"`
	TopK            int            `yaml:"topK"`
	MaxK            int            `yaml:"maxK"`
	MinScore        float64        `yaml:"minScore"`
	ChunkSize       int            `yaml:"chunkSize"`
	ChunkOverlap    int            `yaml:"chunkOverlap"`
	RefreshInterval time.Duration  `yaml:"refreshInterval"`
	QueryTimeout    time.Duration  `yaml:"queryTimeout"`
	Embedder        EmbedderConfig `yaml:"embedder"`
}

// EmbedderConfig selects the embedding function.
type EmbedderConfig struct {
	Kind        string        `yaml:"kind"`
	Dimension   int           `yaml:"dimension"`
	BaseURL     string        `yaml:"baseUrl"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	AnalyticsEvents string `yaml:"analyticsEvents"`
	CorpusReload    string `yaml:"corpusReload"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// RateLimitConfig bounds how often a single chat user may ask.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// AnalyticsConfig controls ask-event batching and, when Postgres is
// enabled, how often aggregated stats are snapshotted.
type AnalyticsConfig struct {
	BatchSize        int           `yaml:"batchSize"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with env overrides applied.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// Validate rejects settings that would break the deadline budget.
func (c *Config) Validate() error {
	if c.Aggregator.Deadline <= 0 {
		return fmt.Errorf("aggregator.deadline must be positive")
	}
	if c.Server.RequestCeiling > 0 && c.Aggregator.Deadline >= c.Server.RequestCeiling {
		return fmt.Errorf("aggregator.deadline (%v) must be below server.requestCeiling (%v)",
			c.Aggregator.Deadline, c.Server.RequestCeiling)
	}
	for route, times := range c.Sources.Shuttle.Routes {
		for _, t := range times {
			if _, err := time.Parse("15:04", t); err != nil {
				return fmt.Errorf("sources.shuttle.routes[%s]: %q is not HH:MM", route, t)
			}
		}
	}
	if c.Corpus.TopK <= 0 || c.Corpus.MaxK < c.Corpus.TopK {
		return fmt.Errorf("corpus.topK must be in [1, corpus.maxK]")
	}
	switch c.Corpus.Source {
	case "dir", "redis", "postgres":
	default:
		return fmt.Errorf("corpus.source %q is not one of dir, redis, postgres", c.Corpus.Source)
	}
	return nil
}

// halfHourly lists departures every 30 minutes from h:m to lastH:lastM
// inclusive.
func halfHourly(h, m, lastH, lastM int) []string {
	var out []string
	for t := h*60 + m; t <= lastH*60+lastM; t += 30 {
		out = append(out, fmt.Sprintf("%02d:%02d", t/60, t%60))
	}
	return out
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestCeiling:  5 * time.Second,
		},
		Sources: SourcesConfig{
			Bus: BusConfig{
				SourceCommon: SourceCommon{
					BaseURL: "https://api.odsay.com/v1/api",
					Timeout: 2 * time.Second,
					TTL:     20 * time.Second,
				},
				CityCode:          "6",
				StationQuery:      "해양대",
				PreferredStations: []string{"해양대구본관", "한국해양대학교", "한국해양대", "해양대종점"},
				InboundStation:    "해양대종점",
				OutboundStation:   "해양대구본관",
			},
			Weather: WeatherConfig{
				SourceCommon: SourceCommon{
					BaseURL: "https://apis.data.go.kr/1360000/VilageFcstInfoService_2.0",
					Timeout: 2 * time.Second,
					TTL:     10 * time.Minute,
				},
				DefaultLocation: "영도",
				Locations: map[string]GridPoint{
					"영도":  {NX: 98, NY: 75},
					"동삼동": {NX: 98, NY: 75},
					"부산":  {NX: 98, NY: 76},
				},
			},
			Dining: DiningConfig{
				SourceCommon: SourceCommon{
					BaseURL: "http://localhost:9101",
					Timeout: 2 * time.Second,
					TTL:     time.Hour,
				},
				DefaultCafeteria: "student",
			},
			Notice: NoticeConfig{
				SourceCommon: SourceCommon{
					BaseURL: "http://localhost:9102",
					Timeout: 2 * time.Second,
					TTL:     5 * time.Minute,
				},
				DefaultBoard: "general",
				Limit:        5,
			},
			Shuttle: ShuttleConfig{
				SourceCommon: SourceCommon{
					Timeout: 2 * time.Second,
					TTL:     time.Minute,
				},
				Routes: map[string][]string{
					"본관-기숙사": halfHourly(8, 0, 20, 0),
					"기숙사-본관": halfHourly(8, 15, 20, 15),
				},
			},
		},
		Cache: CacheConfig{
			FetchTimeout:  2500 * time.Millisecond,
			MaxStale:      time.Hour,
			SweepInterval: time.Minute,
		},
		Aggregator: AggregatorConfig{
			Deadline:    3 * time.Second,
			SubDeadline: 2500 * time.Millisecond,
		},
		Corpus: CorpusConfig{
			Source:       "dir",
			Dir:          "university_data",
			RedisKey:     "corpus:documents",
			TopK:         3,
			MaxK:         5,
			MinScore:     0.05,
			ChunkSize:    800,
			ChunkOverlap: 80,
			QueryTimeout: time.Second,
			Embedder: EmbedderConfig{
				Kind:        "hash",
				Dimension:   512,
				BaseURL:     "https://api.openai.com/v1",
				Model:       "text-embedding-3-small",
				Timeout:     5 * time.Second,
				Concurrency: 4,
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ara",
			User:            "ara",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "ara-group",
			Topics: KafkaTopics{
				AnalyticsEvents: "ara-analytics-events",
				CorpusReload:    "corpus-reload",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   30,
			Window:  time.Minute,
		},
		Analytics: AnalyticsConfig{
			BatchSize:        100,
			FlushInterval:    5 * time.Second,
			SnapshotInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads ARA_* environment variables (and the public data
// portal key under its conventional name) and overrides the corresponding
// config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ARA_ODSAY_API_KEY"); v != "" {
		cfg.Sources.Bus.APIKey = v
	}
	if v := os.Getenv("DATA_GO_KR_SERVICE_KEY"); v != "" {
		cfg.Sources.Weather.APIKey = v
	}
	if v := os.Getenv("ARA_WEATHER_SERVICE_KEY"); v != "" {
		cfg.Sources.Weather.APIKey = v
	}
	if v := os.Getenv("ARA_DINING_URL"); v != "" {
		cfg.Sources.Dining.BaseURL = v
	}
	if v := os.Getenv("ARA_DINING_API_KEY"); v != "" {
		cfg.Sources.Dining.APIKey = v
	}
	if v := os.Getenv("ARA_NOTICE_URL"); v != "" {
		cfg.Sources.Notice.BaseURL = v
	}
	if v := os.Getenv("ARA_NOTICE_API_KEY"); v != "" {
		cfg.Sources.Notice.APIKey = v
	}
	if v := os.Getenv("ARA_SHUTTLE_URL"); v != "" {
		cfg.Sources.Shuttle.BaseURL = v
	}
	if v := os.Getenv("ARA_SHUTTLE_API_KEY"); v != "" {
		cfg.Sources.Shuttle.APIKey = v
	}
	if v := os.Getenv("ARA_AGGREGATOR_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.Deadline = d
		}
	}
	if v := os.Getenv("ARA_CACHE_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.FetchTimeout = d
		}
	}
	if v := os.Getenv("ARA_CORPUS_SOURCE"); v != "" {
		cfg.Corpus.Source = v
	}
	if v := os.Getenv("ARA_CORPUS_DIR"); v != "" {
		cfg.Corpus.Dir = v
	}
	if v := os.Getenv("ARA_CORPUS_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Corpus.TopK = k
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Corpus.Embedder.APIKey = v
	}
	if v := os.Getenv("ARA_EMBEDDER_KIND"); v != "" {
		cfg.Corpus.Embedder.Kind = v
	}
	if v := os.Getenv("ARA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("ARA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("ARA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ARA_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ARA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ARA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ARA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
