package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ara-campus/ara/pkg/config"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/resilience"
)

const embedBatchSize = 16

type Options struct {
	DefaultK     int
	MaxK         int
	MinScore     float64
	ChunkSize    int
	ChunkOverlap int
	// Concurrency bounds parallel embedding batches during a rebuild.
	Concurrency  int
	QueryTimeout time.Duration
	// RebuildTimeout bounds a whole rebuild, independent of the callers
	// waiting on it.
	RebuildTimeout time.Duration
	Metrics        *metrics.Metrics
}

func OptionsFromConfig(cfg config.CorpusConfig, m *metrics.Metrics) Options {
	return Options{
		DefaultK:     cfg.TopK,
		MaxK:         cfg.MaxK,
		MinScore:     cfg.MinScore,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		Concurrency:  cfg.Embedder.Concurrency,
		QueryTimeout: cfg.QueryTimeout,
		Metrics:      m,
	}
}

type snapshot struct {
	docs    []Document
	version uint64
	builtAt time.Time
	source  string
}

type Index struct {
	current  atomic.Pointer[snapshot]
	mu       sync.Mutex
	group    singleflight.Group
	embedder Embedder
	loader   Loader
	opts     Options
	logger   *slog.Logger
}

// New returns an index serving an empty snapshot until the first rebuild.
// loader may be nil if documents are only ever supplied through Replace.
func New(embedder Embedder, loader Loader, opts Options) *Index {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 3
	}
	if opts.MaxK < opts.DefaultK {
		opts.MaxK = max(opts.DefaultK, 5)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RebuildTimeout <= 0 {
		opts.RebuildTimeout = 2 * time.Minute
	}
	ix := &Index{
		embedder: embedder,
		loader:   loader,
		opts:     opts,
		logger:   slog.Default().With("component", "corpus-index"),
	}
	ix.current.Store(&snapshot{})
	return ix
}

// Query returns up to k documents ranked by cosine similarity to text. k is
// clamped to [1, MaxK]; k <= 0 means the default. An empty corpus, or a
// query with no indexable terms, yields an empty slice and no error.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	start := time.Now()
	snap := ix.current.Load()
	if k <= 0 {
		k = ix.opts.DefaultK
	}
	k = min(k, ix.opts.MaxK)
	if len(snap.docs) == 0 || strings.TrimSpace(text) == "" {
		return []Hit{}, nil
	}

	var qv []float32
	err := resilience.WithTimeout(ctx, ix.opts.QueryTimeout, "corpus.embed-query", func(ctx context.Context) error {
		vecs, err := ix.embedder.Embed(ctx, []string{text})
		if err != nil {
			return err
		}
		qv = vecs[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if isZero(qv) {
		return []Hit{}, nil
	}

	scores := make([]scored, 0, len(snap.docs))
	for i, d := range snap.docs {
		s := cosine(qv, d.Vector)
		if ix.opts.MinScore > 0 && s < ix.opts.MinScore {
			continue
		}
		scores = append(scores, scored{idx: i, score: s})
	}
	best := topK(bestPerDocument(snap.docs, scores), k)
	hits := make([]Hit, len(best))
	for i, b := range best {
		doc := snap.docs[b.idx]
		doc.Vector = nil
		hits[i] = Hit{Document: doc, Score: b.score, Rank: i + 1}
	}
	if m := ix.opts.Metrics; m != nil {
		m.CorpusQueryLatency.Observe(time.Since(start).Seconds())
	}
	return hits, nil
}

// Rebuild loads documents from the loader and publishes a new snapshot.
// Concurrent calls share one rebuild. The rebuild itself runs under
// RebuildTimeout and is not cancelled when ctx ends; ctx only bounds how
// long this caller waits.
func (ix *Index) Rebuild(ctx context.Context) (Stats, error) {
	if ix.loader == nil {
		return Stats{}, errors.New("corpus index has no loader")
	}
	ch := ix.group.DoChan("rebuild", func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ix.opts.RebuildTimeout)
		defer cancel()
		docs, err := ix.loader.Load(bctx)
		if err != nil {
			ix.recordRebuild("error")
			return Stats{}, fmt.Errorf("loading documents from %s: %w", ix.loader.Name(), err)
		}
		return ix.replace(bctx, docs, ix.loader.Name())
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Stats{}, res.Err
		}
		return res.Val.(Stats), nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Replace indexes docs and publishes them as the new snapshot.
func (ix *Index) Replace(ctx context.Context, docs []Document, source string) (Stats, error) {
	return ix.replace(ctx, docs, source)
}

func (ix *Index) replace(ctx context.Context, docs []Document, source string) (Stats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	prepared := ix.prepare(docs)
	if err := ix.embedAll(ctx, prepared); err != nil {
		ix.recordRebuild("error")
		ix.logger.Error("corpus rebuild failed, keeping previous snapshot", "error", err)
		return Stats{}, err
	}

	prev := ix.current.Load()
	next := &snapshot{
		docs:    prepared,
		version: prev.version + 1,
		builtAt: time.Now(),
		source:  source,
	}
	ix.current.Store(next)
	ix.recordRebuild("ok")
	if m := ix.opts.Metrics; m != nil {
		m.CorpusDocuments.Set(float64(len(prepared)))
	}
	ix.logger.Info("corpus snapshot published",
		"documents", len(prepared),
		"source_documents", len(docs),
		"version", next.version,
		"took", time.Since(start),
	)
	return ix.statsOf(next), nil
}

// prepare drops empty and duplicate documents, then chunks the rest. Input
// order is kept; it decides tie-breaking at query time.
func (ix *Index) prepare(docs []Document) []Document {
	seen := make(map[string]struct{}, len(docs))
	kept := make([]Document, 0, len(docs))
	for _, d := range docs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" || strings.TrimSpace(d.Text) == "" {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			ix.logger.Warn("duplicate document id skipped", "id", d.ID)
			continue
		}
		seen[d.ID] = struct{}{}
		d.Parent = ""
		d.Vector = nil
		kept = append(kept, d)
	}
	return chunkDocuments(kept, ix.opts.ChunkSize, ix.opts.ChunkOverlap)
}

// embedAll fills in Vector for every document, embedding batches in
// parallel.
func (ix *Index) embedAll(ctx context.Context, docs []Document) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Concurrency)
	for lo := 0; lo < len(docs); lo += embedBatchSize {
		hi := min(lo+embedBatchSize, len(docs))
		g.Go(func() error {
			texts := make([]string, hi-lo)
			for i := lo; i < hi; i++ {
				texts[i-lo] = embeddingText(docs[i])
			}
			vecs, err := ix.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embedding documents %d-%d: %w", lo, hi-1, err)
			}
			for i, v := range vecs {
				docs[lo+i].Vector = v
			}
			return nil
		})
	}
	return g.Wait()
}

func embeddingText(d Document) string {
	if d.Title == "" {
		return d.Text
	}
	return d.Title + "\n" + d.Text
}

// Ready reports whether a non-empty snapshot has been published.
func (ix *Index) Ready() bool {
	return len(ix.current.Load().docs) > 0
}

func (ix *Index) Stats() Stats {
	return ix.statsOf(ix.current.Load())
}

func (ix *Index) statsOf(s *snapshot) Stats {
	return Stats{
		Documents: len(s.docs),
		Version:   s.version,
		BuiltAt:   s.builtAt,
		Source:    s.source,
		Embedder:  fmt.Sprintf("%T", ix.embedder),
	}
}

func (ix *Index) recordRebuild(status string) {
	if m := ix.opts.Metrics; m != nil {
		m.CorpusRebuildsTotal.WithLabelValues(status).Inc()
	}
}
