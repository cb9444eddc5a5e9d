// Package result defines the value every data lookup produces: a payload
// that is either current, usable but flagged, or absent with a reason.
package result

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ok":
		*s = StatusOK
	case "degraded":
		*s = StatusDegraded
	case "unavailable":
		*s = StatusUnavailable
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Reason explains why a result is not OK. The set is closed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonTimeout           Reason = "timeout"
	ReasonRateLimited       Reason = "rate-limited"
	ReasonNotFound          Reason = "not-found"
	ReasonMalformedResponse Reason = "malformed-response"
	ReasonNetworkFailure    Reason = "network-failure"
	ReasonNoCredential      Reason = "no-credential"
	ReasonNoData            Reason = "no-data"
)

var reasons = map[Reason]struct{}{
	ReasonTimeout:           {},
	ReasonRateLimited:       {},
	ReasonNotFound:          {},
	ReasonMalformedResponse: {},
	ReasonNetworkFailure:    {},
	ReasonNoCredential:      {},
	ReasonNoData:            {},
}

func (r Reason) Valid() bool {
	_, ok := reasons[r]
	return ok
}

// Retryable reports whether a single immediate retry may help.
func (r Reason) Retryable() bool {
	return r == ReasonNetworkFailure || r == ReasonTimeout
}

// MissingSource names a source that contributed nothing to a merged result.
type MissingSource struct {
	Source string `json:"source"`
	Reason Reason `json:"reason"`
}

// Result is a tagged union over Status. Payload is set for OK and Degraded,
// Reason for Degraded and Unavailable.
type Result struct {
	Status     Status          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SourceTime time.Time       `json:"source_time,omitzero"`
	Reason     Reason          `json:"reason,omitempty"`
	Missing    []MissingSource `json:"missing,omitempty"`
}

func OK(payload json.RawMessage, sourceTime time.Time) Result {
	return Result{Status: StatusOK, Payload: payload, SourceTime: sourceTime}
}

func Degraded(payload json.RawMessage, sourceTime time.Time, reason Reason) Result {
	return Result{Status: StatusDegraded, Payload: payload, SourceTime: sourceTime, Reason: reason}
}

func Unavailable(reason Reason) Result {
	return Result{Status: StatusUnavailable, Reason: reason}
}

// JSON marshals v into an OK result. A value that cannot be encoded yields
// Unavailable(malformed-response).
func JSON(v any, sourceTime time.Time) Result {
	b, err := json.Marshal(v)
	if err != nil {
		return Unavailable(ReasonMalformedResponse)
	}
	return OK(b, sourceTime)
}

func (r Result) IsOK() bool          { return r.Status == StatusOK }
func (r Result) IsDegraded() bool    { return r.Status == StatusDegraded }
func (r Result) IsUnavailable() bool { return r.Status == StatusUnavailable }

// Usable reports whether the result carries a payload a caller may show.
func (r Result) Usable() bool {
	return r.Status == StatusOK || r.Status == StatusDegraded
}

// AsStale turns an OK result into Degraded with the given reason, keeping
// the original payload and timestamp.
func (r Result) AsStale(reason Reason) Result {
	out := r.Clone()
	out.Status = StatusDegraded
	out.Reason = reason
	return out
}

// Clone returns a deep copy so the receiver can be handed out without
// sharing the payload buffer.
func (r Result) Clone() Result {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Missing != nil {
		out.Missing = append([]MissingSource(nil), r.Missing...)
	}
	return out
}

// Decode unmarshals the payload into v.
func (r Result) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("result has no payload (status %s, reason %q)", r.Status, r.Reason)
	}
	return json.Unmarshal(r.Payload, v)
}

func (r Result) String() string {
	if r.Reason == ReasonNone {
		return r.Status.String()
	}
	return fmt.Sprintf("%s(%s)", r.Status, r.Reason)
}
