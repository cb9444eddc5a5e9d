// Package corpus holds the local knowledge documents and answers
// similarity queries over them. The index is an immutable snapshot replaced
// wholesale on rebuild, so queries never see a partly loaded corpus.
package corpus

import (
	"context"
	"time"
)

type Document struct {
	ID     string    `json:"id"`
	Title  string    `json:"title,omitempty"`
	Text   string    `json:"text"`
	Source string    `json:"source,omitempty"`
	// Parent is the ID of the document a chunk was cut from; empty when the
	// document was indexed whole.
	Parent string    `json:"parent,omitempty"`
	Vector []float32 `json:"-"`
}

func (d Document) parentID() string {
	if d.Parent != "" {
		return d.Parent
	}
	return d.ID
}

// Hit is one ranked query match.
type Hit struct {
	Document
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Loader supplies the documents a rebuild indexes.
type Loader interface {
	Name() string
	Load(ctx context.Context) ([]Document, error)
}

// Stats describes the published snapshot.
type Stats struct {
	Documents int       `json:"documents"`
	Version   uint64    `json:"version"`
	BuiltAt   time.Time `json:"built_at,omitzero"`
	Source    string    `json:"source,omitempty"`
	Embedder  string    `json:"embedder,omitempty"`
}
