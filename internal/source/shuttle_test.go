package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
)

func campusShuttle() *Shuttle {
	cfg := config.Default().Sources.Shuttle
	return NewShuttle(cfg, testDeps())
}

func TestShuttleNextDepartures(t *testing.T) {
	s := campusShuttle()
	assert.Equal(t, Params{"route": "all", "at": "12:55"}, s.KeyParams(Params{}))

	r := s.Fetch(context.Background(), Params{})
	require.True(t, r.IsOK(), r.String())
	var board ShuttleBoard
	require.NoError(t, r.Decode(&board))
	assert.Equal(t, "12:55", board.At)
	assert.Equal(t, []ShuttleDeparture{
		{Route: "기숙사-본관", Next: "13:15", MinutesUntil: 20, Following: []string{"13:45", "14:15"}, Last: "20:15"},
		{Route: "본관-기숙사", Next: "13:00", MinutesUntil: 5, Following: []string{"13:30", "14:00"}, Last: "20:00"},
	}, board.Departures)
}

func TestShuttleWrapsToFirstBusTomorrow(t *testing.T) {
	s := campusShuttle()
	r := s.Fetch(context.Background(), Params{"route": "본관-기숙사", "at": "20:30"})
	require.True(t, r.IsOK())
	var board ShuttleBoard
	require.NoError(t, r.Decode(&board))
	require.Len(t, board.Departures, 1)
	d := board.Departures[0]
	assert.True(t, d.NextDay)
	assert.Equal(t, "08:00", d.Next)
	assert.Equal(t, 690, d.MinutesUntil)
	assert.Equal(t, []string{"08:30", "09:00"}, d.Following)
}

func TestShuttleDepartureAtExactTimeIsSkipped(t *testing.T) {
	d, ok := nextDeparture("r", []string{"13:00", "13:30"}, "13:00")
	require.True(t, ok)
	assert.Equal(t, "13:30", d.Next)
	assert.Nil(t, d.Following)
	assert.Equal(t, 30, d.MinutesUntil)
}

func TestShuttleRouteMatching(t *testing.T) {
	s := campusShuttle()
	assert.Equal(t, Params{"route": "all", "at": "07:05"}, s.KeyParams(Params{"route": " ", "at": "7:05"}))
	assert.Equal(t, Params{"route": "all", "at": "12:55"}, s.KeyParams(Params{"at": "noon"}))

	r := s.Fetch(context.Background(), Params{"route": "기숙사-"})
	require.True(t, r.IsOK())
	var board ShuttleBoard
	require.NoError(t, r.Decode(&board))
	require.Len(t, board.Departures, 1)
	assert.Equal(t, "기숙사-본관", board.Departures[0].Route)

	r = s.Fetch(context.Background(), Params{"route": "도서관"})
	assert.Equal(t, result.Unavailable(result.ReasonNotFound), r)
}

func TestShuttleRouteWithoutDeparturesIsEmpty(t *testing.T) {
	s := NewShuttle(config.ShuttleConfig{Routes: map[string][]string{"야간": {}}}, testDeps())
	r := s.Fetch(context.Background(), Params{"route": "야간"})
	require.True(t, r.IsOK())
	var board ShuttleBoard
	require.NoError(t, r.Decode(&board))
	assert.True(t, board.Empty)
	assert.Empty(t, board.Departures)
}

func timetableServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/timetable", r.URL.Path)
		assert.Equal(t, "Bearer s-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func remoteShuttle(url string) *Shuttle {
	return NewShuttle(config.ShuttleConfig{
		SourceCommon: config.SourceCommon{BaseURL: url, APIKey: "s-key", Timeout: time.Second, TTL: time.Minute},
	}, testDeps())
}

func TestShuttleReadsRemoteTimetable(t *testing.T) {
	s := remoteShuttle(timetableServer(t, `{"routes":{"순환":["9:00","08:30","08:30"]}}`).URL)

	r := s.Fetch(context.Background(), Params{})
	require.True(t, r.IsOK(), r.String())
	var board ShuttleBoard
	require.NoError(t, r.Decode(&board))
	require.Len(t, board.Departures, 1)
	assert.Equal(t, ShuttleDeparture{Route: "순환", Next: "08:30", NextDay: true, MinutesUntil: 1175, Following: []string{"09:00"}, Last: "09:00"}, board.Departures[0])

	r = s.Fetch(context.Background(), Params{"route": "본관"})
	assert.Equal(t, result.ReasonNotFound, r.Reason)
}

func TestShuttleRemoteTimetableMalformed(t *testing.T) {
	s := remoteShuttle(timetableServer(t, `{"routes":{"순환":["아침"]}}`).URL)
	r := s.Fetch(context.Background(), Params{})
	assert.Equal(t, result.ReasonMalformedResponse, r.Reason)
}
