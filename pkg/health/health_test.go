package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(ctx context.Context) ComponentHealth { return ComponentHealth{Status: StatusUp} }

func TestRunWorstStatusWins(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("redis", up)
	c.Register("corpus", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded, Message: "empty"}
	})
	assert.Equal(t, StatusDegraded, c.Run(context.Background()).Status)

	c.Register("postgres", PingCheck(func(ctx context.Context) error { return errors.New("refused") }))
	r := c.Run(context.Background())
	assert.Equal(t, StatusDown, r.Status)
	assert.Equal(t, "refused", r.Components["postgres"].Message)
	assert.Len(t, r.Components, 3)
}

func TestRunBoundsSlowChecks(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	c.Register("slow", PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	start := time.Now()
	r := c.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDown, r.Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("corpus", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var r Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, StatusDegraded, r.Status)

	c.Register("redis", PingCheck(func(ctx context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
