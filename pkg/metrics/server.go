package metrics

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the scrape server for g. Besides /metrics it serves an
// index listing every metric family g currently reports, so an operator
// can see which cache, source and corpus series exist without a
// Prometheus.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		families, err := g.Gather()
		if err != nil {
			slog.Warn("gathering metrics for index failed", "error", err)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><h1>ara metrics</h1><p><a href="/metrics">/metrics</a></p><ul>`)
		for _, f := range families {
			fmt.Fprintf(w, "<li><code>%s</code> %s</li>", html.EscapeString(f.GetName()), html.EscapeString(f.GetHelp()))
		}
		fmt.Fprint(w, `</ul></body></html>`)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func StartServer(port int, g prometheus.Gatherer) (shutdown func(context.Context) error) {
	server := NewServer(port, g)
	go func() {
		slog.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return server.Shutdown
}
