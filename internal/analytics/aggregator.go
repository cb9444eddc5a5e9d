package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ara-campus/ara/pkg/kafka"
)

const maxLatencySamples = 10000

type Stats struct {
	TotalAsks       int64            `json:"total_asks"`
	ByIntent        map[string]int64 `json:"by_intent"`
	ByStatus        map[string]int64 `json:"by_status"`
	TopReasons      []Count          `json:"top_reasons"`
	MissingSources  []Count          `json:"missing_sources"`
	KnowledgeMisses int64            `json:"knowledge_misses"`
	AvgLatencyMs    float64          `json:"avg_latency_ms"`
	P50LatencyMs    int64            `json:"p50_latency_ms"`
	P95LatencyMs    int64            `json:"p95_latency_ms"`
	P99LatencyMs    int64            `json:"p99_latency_ms"`
	AsksPerMinute   float64          `json:"asks_per_minute"`
	Since           time.Time        `json:"since"`
}

type Count struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Aggregator folds AskEvents into running stats. It is also a Sink, so a
// deployment without Kafka can feed it straight from the Collector.
type Aggregator struct {
	mu              sync.Mutex
	total           int64
	byIntent        map[string]int64
	byStatus        map[string]int64
	reasons         map[string]int64
	missing         map[string]int64
	knowledgeMisses int64
	latencies       []int64
	next            int
	since           time.Time
	now             func() time.Time
	logger          *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		byIntent:  make(map[string]int64),
		byStatus:  make(map[string]int64),
		reasons:   make(map[string]int64),
		missing:   make(map[string]int64),
		latencies: make([]int64, 0, 1024),
		since:     time.Now(),
		now:       time.Now,
		logger:    slog.Default().With("component", "analytics-aggregator"),
	}
}

func (a *Aggregator) Record(ev AskEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.byIntent[ev.Intent]++
	a.byStatus[ev.Status]++
	if ev.Reason != "" {
		a.reasons[ev.Reason]++
	}
	for _, src := range ev.Missing {
		a.missing[src]++
	}
	if ev.Intent == "knowledge" && ev.Hits == 0 {
		a.knowledgeMisses++
	}
	// latencies is a ring once full
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, ev.LatencyMs)
	} else {
		a.latencies[a.next] = ev.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}
}

func (a *Aggregator) Write(ctx context.Context, events []AskEvent) error {
	for _, ev := range events {
		a.Record(ev)
	}
	return nil
}

// HandleMessage is a kafka.MessageHandler for the analytics topic.
// Undecodable messages are logged and skipped.
func (a *Aggregator) HandleMessage(ctx context.Context, key, value []byte) error {
	ev, err := kafka.DecodeJSON[AskEvent](value)
	if err != nil {
		a.logger.Error("failed to decode ask event", "error", err)
		return nil
	}
	a.Record(ev)
	return nil
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		TotalAsks:       a.total,
		ByIntent:        cloneCounts(a.byIntent),
		ByStatus:        cloneCounts(a.byStatus),
		TopReasons:      topN(a.reasons, 10),
		MissingSources:  topN(a.missing, 10),
		KnowledgeMisses: a.knowledgeMisses,
		Since:           a.since,
	}
	if len(a.latencies) > 0 {
		sorted := append([]int64(nil), a.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		s.AvgLatencyMs = float64(sum) / float64(len(sorted))
		s.P50LatencyMs = percentile(sorted, 50)
		s.P95LatencyMs = percentile(sorted, 95)
		s.P99LatencyMs = percentile(sorted, 99)
	}
	if mins := a.now().Sub(a.since).Minutes(); mins > 0 {
		s.AsksPerMinute = float64(a.total) / mins
	}
	return s
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN returns the n largest counts; equal counts order by name.
func topN(counts map[string]int64, n int) []Count {
	out := make([]Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, Count{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
