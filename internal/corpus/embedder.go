package corpus

import (
	"context"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Embedder maps texts to vectors of a fixed dimension. Implementations must
// be deterministic for a fixed configuration and safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

const (
	wordWeight   = 1.0
	bigramWeight = 0.5
)

// HashEmbedder is a feature-hashing embedder over Tokenize output. Each term
// is hashed into one of dim buckets with a hash-derived sign; counts are
// dampened logarithmically and the vector is L2-normalised. It needs no
// model or network and is the default.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 512
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embedOne(text)
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	counts := make(map[uint64]float64)
	for _, tok := range Tokenize(text) {
		w := wordWeight
		if tok.Kind == KindBigram {
			w = bigramWeight
		}
		hash := xxhash.Sum64String(tok.Term)
		counts[hash] += w
	}
	vec := make([]float32, h.dim)
	for hash, c := range counts {
		idx := hash % uint64(h.dim)
		sign := 1.0
		if hash>>63 == 1 {
			sign = -1.0
		}
		vec[idx] += float32(sign * (1 + math.Log(c)))
	}
	normalize(vec)
	return vec
}

// normalize scales v to unit length in place. A zero vector is left as is.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the dimensions differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
