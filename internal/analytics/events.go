// Package analytics records one event per answered request, ships the
// events through Kafka, and aggregates them into the stats served by
// GET /api/v1/analytics.
package analytics

import (
	"time"

	"github.com/ara-campus/ara/internal/router"
)

// AskEvent describes one answered request. Utterances are not recorded.
type AskEvent struct {
	Intent    string    `json:"intent"`
	Rule      string    `json:"rule"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
	Hits      int       `json:"hits,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAskEvent summarises an answer.
func NewAskEvent(ans router.Answer, latency time.Duration, requestID string, at time.Time) AskEvent {
	ev := AskEvent{
		Intent:    ans.Intent.String(),
		Rule:      ans.Rule,
		Status:    ans.Result.Status.String(),
		Reason:    string(ans.Result.Reason),
		Hits:      len(ans.Hits),
		LatencyMs: latency.Milliseconds(),
		RequestID: requestID,
		Timestamp: at.UTC(),
	}
	for _, m := range ans.Result.Missing {
		ev.Missing = append(ev.Missing, m.Source)
	}
	return ev
}
