package corpus

import (
	"context"
	"log/slog"
	"time"

	"github.com/ara-campus/ara/pkg/kafka"
)

// ReloadSignal is the message published on the corpus reload topic, for
// example by the scraping job after it refreshes the document store.
type ReloadSignal struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitzero"`
}

// Reloader rebuilds an index periodically and on demand.
type Reloader struct {
	index    *Index
	interval time.Duration
	logger   *slog.Logger
}

func NewReloader(index *Index, interval time.Duration) *Reloader {
	return &Reloader{
		index:    index,
		interval: interval,
		logger:   slog.Default().With("component", "corpus-reloader"),
	}
}

// Run rebuilds every interval until ctx is cancelled. A non-positive
// interval disables periodic refresh and Run just waits for ctx.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rebuild(ctx, "periodic")
		}
	}
}

// HandleMessage is a kafka.MessageHandler for reload signals. A failed
// rebuild is logged but not returned, so a bad document set does not pin
// the consumer to one offset.
func (r *Reloader) HandleMessage(ctx context.Context, key, value []byte) error {
	sig, err := kafka.DecodeJSON[ReloadSignal](value)
	if err != nil {
		return err
	}
	reason := sig.Reason
	if reason == "" {
		reason = "kafka"
	}
	r.rebuild(ctx, reason)
	return nil
}

func (r *Reloader) rebuild(ctx context.Context, reason string) {
	stats, err := r.index.Rebuild(ctx)
	if err != nil {
		r.logger.Error("corpus reload failed", "reason", reason, "error", err)
		return
	}
	r.logger.Info("corpus reloaded", "reason", reason, "documents", stats.Documents, "version", stats.Version)
}
