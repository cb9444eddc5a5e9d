// Package api exposes the assistant over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ara-campus/ara/internal/corpus"
	"github.com/ara-campus/ara/internal/freshness"
	"github.com/ara-campus/ara/internal/router"
	"github.com/ara-campus/ara/internal/source"
	apperrors "github.com/ara-campus/ara/pkg/errors"
	"github.com/ara-campus/ara/pkg/logger"
)

const maxBodyBytes = 16 << 10

type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) (router.Answer, error)
}

// SourceCache invalidates cache entries through the adapters' key rules.
type SourceCache interface {
	Invalidate(name string, params source.Params) (int, bool)
	SourceNames() []string
}

type CacheStore interface {
	Stats() freshness.Stats
	Purge() int
}

type Corpus interface {
	Rebuild(ctx context.Context) (corpus.Stats, error)
	Stats() corpus.Stats
}

type Handler struct {
	dispatcher Dispatcher
	sources    SourceCache
	cache      CacheStore
	corpus     Corpus
	logger     *slog.Logger
}

func NewHandler(d Dispatcher, sources SourceCache, cache CacheStore, c Corpus) *Handler {
	return &Handler{
		dispatcher: d,
		sources:    sources,
		cache:      cache,
		corpus:     c,
		logger:     slog.Default().With("component", "api-handler"),
	}
}

// Ask serves POST /api/v1/ask.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid request body: %v", err))
		return
	}
	ans, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ans)
}

// CacheStats serves GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"cache":   h.cache.Stats(),
		"sources": h.sources.SourceNames(),
	})
}

type invalidateRequest struct {
	Source string            `json:"source"`
	Params map[string]string `json:"params,omitempty"`
	All    bool              `json:"all,omitempty"`
}

// CacheInvalidate serves POST /api/v1/cache/invalidate. The body names a
// source and optionally the params of one lookup, or sets all.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid request body: %v", err))
		return
	}
	if req.All {
		n := h.cache.Purge()
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "entries": n})
		return
	}
	if req.Source == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "source or all is required"))
		return
	}
	n, ok := h.sources.Invalidate(req.Source, req.Params)
	if !ok {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusNotFound, "unknown source %q", req.Source))
		return
	}
	h.logger.Info("cache invalidated", "source", req.Source, "entries", n)
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "entries": n})
}

// CorpusReload serves POST /api/v1/corpus/reload.
func (h *Handler) CorpusReload(w http.ResponseWriter, r *http.Request) {
	stats, err := h.corpus.Rebuild(r.Context())
	if err != nil {
		h.logger.Error("corpus reload failed", "error", err)
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.writeError(w, r, apperrors.Newf(apperrors.ErrCorpusNotReady, status, "reload failed: %v", err))
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// CorpusStats serves GET /api/v1/corpus/stats.
func (h *Handler) CorpusStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.corpus.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "error", err)
	}
	msg := err.Error()
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		msg = appErr.Message
	}
	h.writeJSON(w, status, map[string]string{"error": msg, "request_id": logger.RequestID(r.Context())})
}
