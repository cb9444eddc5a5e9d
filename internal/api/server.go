package api

import (
	"net/http"
	"time"

	"github.com/ara-campus/ara/pkg/health"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/middleware"
)

// Deps holds the optional collaborators of the route table. A nil field
// drops the routes or middleware that need it.
type Deps struct {
	Analytics      http.HandlerFunc
	Health         *health.Checker
	Metrics        *metrics.Metrics
	Limiter        middleware.Limiter
	CORS           middleware.CORSConfig
	RequestCeiling time.Duration
}

// NewRouter builds the HTTP handler.
//
//	POST   /api/v1/ask
//	GET    /api/v1/cache/stats
//	POST   /api/v1/cache/invalidate
//	POST   /api/v1/corpus/reload
//	GET    /api/v1/corpus/stats
//	GET    /api/v1/analytics
//	GET    /health/live
//	GET    /health/ready
//
// Middleware, outermost first: RequestID → CORS → Metrics → RateLimit →
// Timeout → mux.
func NewRouter(h *Handler, deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ask", h.Ask)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("POST /api/v1/corpus/reload", h.CorpusReload)
	mux.HandleFunc("GET /api/v1/corpus/stats", h.CorpusStats)
	if deps.Analytics != nil {
		mux.HandleFunc("GET /api/v1/analytics", deps.Analytics)
	}
	if deps.Health != nil {
		mux.HandleFunc("GET /health/live", deps.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", deps.Health.ReadyHandler())
	}

	var chain http.Handler = mux
	if deps.RequestCeiling > 0 {
		chain = middleware.Timeout(deps.RequestCeiling)(chain)
	}
	if deps.Limiter != nil {
		chain = middleware.RateLimit(deps.Limiter)(chain)
	}
	if deps.Metrics != nil {
		chain = middleware.Metrics(deps.Metrics)(chain)
	}
	if deps.CORS.AllowOrigins != nil {
		chain = middleware.CORS(deps.CORS)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}
