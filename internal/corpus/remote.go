package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ara-campus/ara/pkg/config"
	apperrors "github.com/ara-campus/ara/pkg/errors"
)

// RemoteEmbedder calls an OpenAI-compatible /embeddings endpoint. Without
// an API key every call fails with ErrNoCredential.
type RemoteEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

func NewRemoteEmbedder(cfg config.EmbedderConfig, client *http.Client) *RemoteEmbedder {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteEmbedder{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dimension,
		client:  client,
	}
}

func (r *RemoteEmbedder) Dimension() int { return r.dim }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *RemoteEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if r.apiKey == "" {
		return nil, apperrors.New(apperrors.ErrNoCredential, http.StatusServiceUnavailable, "embedding API key is not configured")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	body, err := json.Marshal(embeddingRequest{Model: r.model, Input: texts, Dimensions: r.dim})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", apperrors.ErrRateLimited, bytes.TrimSpace(msg))
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: embedding endpoint rejected the key", apperrors.ErrNoCredential)
		}
		return nil, fmt.Errorf("%w: embedding endpoint returned %d", apperrors.ErrUnavailable, resp.StatusCode)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(out.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		if r.dim > 0 && len(d.Embedding) != r.dim {
			return nil, fmt.Errorf("embedding has dimension %d, want %d", len(d.Embedding), r.dim)
		}
		normalize(d.Embedding)
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embedding response is missing input %d", i)
		}
	}
	return vectors, nil
}

// NewEmbedder selects the embedder named by cfg.Kind.
func NewEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Kind {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	case "remote", "openai":
		return NewRemoteEmbedder(cfg, nil), nil
	default:
		return nil, fmt.Errorf("unknown embedder kind %q", cfg.Kind)
	}
}
