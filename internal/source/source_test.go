package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/resilience"
)

var fixedNow = time.Date(2026, 3, 2, 12, 55, 0, 0, kst)

func testDeps() Deps {
	return Deps{Now: func() time.Time { return fixedNow }}
}

func busConfig(url string) config.BusConfig {
	return config.BusConfig{
		SourceCommon: config.SourceCommon{
			BaseURL: url,
			APIKey:  "odsay-key",
			Timeout: 200 * time.Millisecond,
			TTL:     20 * time.Second,
		},
		CityCode:          "6",
		StationQuery:      "해양대",
		PreferredStations: []string{"해양대구본관", "한국해양대학교", "한국해양대", "해양대종점"},
		InboundStation:    "해양대종점",
		OutboundStation:   "해양대구본관",
	}
}

// odsayServer serves searchStation and realtimeStation, recording which
// station was queried.
func odsayServer(t *testing.T, realtime string, queried *atomic.Value) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/searchStation", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "odsay-key", r.URL.Query().Get("apiKey"))
		assert.Equal(t, "6", r.URL.Query().Get("CID"))
		fmt.Fprint(w, `{"result":{"station":[
			{"stationName":"해양대입구","stationID":100},
			{"stationName":"해양대종점","stationID":200},
			{"stationName":"해양대구본관","stationID":"300"}]}}`)
	})
	mux.HandleFunc("/realtimeStation", func(w http.ResponseWriter, r *http.Request) {
		if queried != nil {
			queried.Store(r.URL.Query().Get("stationID"))
		}
		fmt.Fprint(w, realtime)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const realtimeTwoBuses = `{"result":{"realtimeArrivalList":[
	{"routeNm":"190","arrival1":{"msg1":"3분 후[2번째 전]"},"lowPlate1":"1"},
	{"routeNm":"66","arrival1":{"msg1":"곧 도착"},"lowPlate1":"0"}]}}`

func TestBusPicksPreferredStationAndFiltersLine(t *testing.T) {
	var queried atomic.Value
	srv := odsayServer(t, realtimeTwoBuses, &queried)
	bus := NewBus(busConfig(srv.URL), testDeps())

	r := bus.Fetch(context.Background(), Params{"line": "190"})
	require.True(t, r.IsOK(), r.String())
	assert.Equal(t, "300", queried.Load())

	var got BusArrivals
	require.NoError(t, r.Decode(&got))
	assert.Equal(t, "해양대구본관", got.Station)
	require.Len(t, got.Arrivals, 1)
	assert.Equal(t, BusArrival{Route: "190", Message: "3분 후[2번째 전]", LowFloor: true}, got.Arrivals[0])
	assert.False(t, got.Empty)
}

func TestBusDirectionSelectsStop(t *testing.T) {
	var queried atomic.Value
	srv := odsayServer(t, realtimeTwoBuses, &queried)
	bus := NewBus(busConfig(srv.URL), testDeps())

	r := bus.Fetch(context.Background(), Params{"direction": "IN"})
	require.True(t, r.IsOK())
	assert.Equal(t, "200", queried.Load())
	assert.Equal(t, Params{"direction": "in"}, bus.KeyParams(Params{"direction": "IN", "user": "u1"}))
}

func TestBusEmptyIsOK(t *testing.T) {
	srv := odsayServer(t, `{"result":{"realtimeArrivalList":[]}}`, nil)
	bus := NewBus(busConfig(srv.URL), testDeps())

	r := bus.Fetch(context.Background(), Params{})
	require.True(t, r.IsOK())
	var got BusArrivals
	require.NoError(t, r.Decode(&got))
	assert.True(t, got.Empty)
	assert.NotEmpty(t, got.Message)
}

func TestBusMissingCredentialMakesNoCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := busConfig(srv.URL)
	cfg.APIKey = ""
	r := NewBus(cfg, testDeps()).Fetch(context.Background(), Params{})

	assert.True(t, r.IsUnavailable())
	assert.Equal(t, result.ReasonNoCredential, r.Reason)
	assert.Zero(t, hits.Load())
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   result.Reason
		calls  int32
	}{
		{"rate limited", http.StatusTooManyRequests, "", result.ReasonRateLimited, 1},
		{"not found", http.StatusNotFound, "", result.ReasonNotFound, 1},
		{"forbidden", http.StatusForbidden, "", result.ReasonNoCredential, 1},
		{"server error retried once", http.StatusBadGateway, "", result.ReasonNetworkFailure, 2},
		{"malformed body", http.StatusOK, "<html>", result.ReasonMalformedResponse, 1},
		{"odsay error", http.StatusOK, `{"error":{"code":"-8","msg":"bad input"}}`, result.ReasonMalformedResponse, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			r := NewBus(busConfig(srv.URL), testDeps()).Fetch(context.Background(), Params{})
			assert.True(t, r.IsUnavailable())
			assert.Equal(t, tt.want, r.Reason)
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestTimeoutIsClassifiedAndBounded(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	cfg := busConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	start := time.Now()
	r := NewBus(cfg, testDeps()).Fetch(context.Background(), Params{})

	assert.Equal(t, result.ReasonTimeout, r.Reason)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	notice := NewNotice(config.NoticeConfig{
		SourceCommon: config.SourceCommon{BaseURL: srv.URL, Timeout: time.Second},
	}, Deps{Metrics: m})

	for i := 0; i < 5; i++ {
		notice.Fetch(context.Background(), Params{})
	}
	assert.Equal(t, resilience.StateOpen, notice.BreakerState())
	before := calls.Load()

	r := notice.Fetch(context.Background(), Params{})
	assert.Equal(t, result.ReasonNetworkFailure, r.Reason)
	assert.Equal(t, before, calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFetchesTotal.WithLabelValues("notice", "breaker-open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("source.notice")))
}

func weatherConfig(url string) config.WeatherConfig {
	return config.WeatherConfig{
		SourceCommon: config.SourceCommon{
			BaseURL: url,
			APIKey:  "kma-key",
			Timeout: time.Second,
			TTL:     10 * time.Minute,
		},
		DefaultLocation: "영도",
		Locations: map[string]config.GridPoint{
			"영도":  {NX: 98, NY: 75},
			"동삼동": {NX: 98, NY: 75},
		},
	}
}

func TestWeatherParsesObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/getUltraSrtNcst", r.URL.Path)
		assert.Equal(t, "kma-key", q.Get("serviceKey"))
		assert.Equal(t, "20260302", q.Get("base_date"))
		assert.Equal(t, "1200", q.Get("base_time"))
		assert.Equal(t, "98", q.Get("nx"))
		fmt.Fprint(w, `{"response":{"header":{"resultCode":"00","resultMsg":"NORMAL_SERVICE"},
			"body":{"items":{"item":[
				{"category":"T1H","obsrValue":"8.4"},
				{"category":"REH","obsrValue":"61"},
				{"category":"PTY","obsrValue":"0"},
				{"category":"WSD","obsrValue":"4.2"}]}}}}`)
	}))
	defer srv.Close()

	r := NewWeather(weatherConfig(srv.URL), testDeps()).Fetch(context.Background(), Params{"location": "동삼동"})
	require.True(t, r.IsOK(), r.String())

	var got WeatherReport
	require.NoError(t, r.Decode(&got))
	require.NotNil(t, got.TemperatureC)
	assert.InDelta(t, 8.4, *got.TemperatureC, 1e-9)
	assert.Equal(t, "none", got.Precipitation)
	assert.Equal(t, "동삼동", got.Location)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, kst).Unix(), r.SourceTime.Unix())
}

func TestWeatherResultCodes(t *testing.T) {
	tests := []struct {
		code     string
		wantOK   bool
		wantWhy  result.Reason
		wantEmpt bool
	}{
		{code: "03", wantOK: true, wantEmpt: true},
		{code: "22", wantWhy: result.ReasonRateLimited},
		{code: "30", wantWhy: result.ReasonNoCredential},
		{code: "99", wantWhy: result.ReasonMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"response":{"header":{"resultCode":%q,"resultMsg":"x"}}}`, tt.code)
			}))
			defer srv.Close()

			r := NewWeather(weatherConfig(srv.URL), testDeps()).Fetch(context.Background(), Params{})
			if tt.wantOK {
				require.True(t, r.IsOK())
				var got WeatherReport
				require.NoError(t, r.Decode(&got))
				assert.Equal(t, tt.wantEmpt, got.Empty)
				return
			}
			assert.True(t, r.IsUnavailable())
			assert.Equal(t, tt.wantWhy, r.Reason)
		})
	}
}

func TestWeatherKeyParamsShareGridCell(t *testing.T) {
	w := NewWeather(weatherConfig("http://unused"), testDeps())
	assert.Equal(t, w.KeyParams(Params{"location": "영도"}), w.KeyParams(Params{"location": "동삼동"}))
	assert.Equal(t, w.KeyParams(Params{}), w.KeyParams(Params{"location": "영도"}))

	r := w.Fetch(context.Background(), Params{"location": "서울"})
	assert.Equal(t, result.ReasonNotFound, r.Reason)
}

func TestBaseDateTimeBeforePublication(t *testing.T) {
	d, h := baseDateTime(time.Date(2026, 3, 2, 0, 10, 0, 0, kst))
	assert.Equal(t, "20260301", d)
	assert.Equal(t, "2300", h)
}

func TestDiningMenu(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-03-02", r.URL.Query().Get("date"))
		assert.Empty(t, r.Header.Get("Authorization"))
		if r.URL.Query().Get("cafeteria") == "dorm" {
			fmt.Fprint(w, `{"meals":[]}`)
			return
		}
		json.NewEncoder(w).Encode(Menu{Meals: []Meal{{Name: "중식", Items: []string{"제육볶음", "된장국"}, Price: 5500}}})
	}))
	defer srv.Close()

	d := NewDining(config.DiningConfig{
		SourceCommon:     config.SourceCommon{BaseURL: srv.URL, TTL: time.Hour},
		DefaultCafeteria: "student",
	}, testDeps())

	assert.Equal(t, Params{"date": "2026-03-02", "cafeteria": "student"}, d.KeyParams(Params{}))

	r := d.Fetch(context.Background(), Params{})
	require.True(t, r.IsOK())
	var menu Menu
	require.NoError(t, r.Decode(&menu))
	assert.Equal(t, "student", menu.Cafeteria)
	require.Len(t, menu.Meals, 1)
	assert.Equal(t, 5500, menu.Meals[0].Price)

	r = d.Fetch(context.Background(), Params{"cafeteria": "dorm"})
	require.True(t, r.IsOK())
	require.NoError(t, r.Decode(&menu))
	assert.True(t, menu.Empty)

	r = d.Fetch(context.Background(), Params{"date": "next tuesday"})
	assert.Equal(t, result.ReasonNotFound, r.Reason)
}

func TestNoticeRespectsLimitAndSendsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer n-key", r.Header.Get("Authorization"))
		assert.Equal(t, "academic", r.URL.Query().Get("board"))
		fmt.Fprint(w, `{"items":[
			{"id":1,"title":"수강신청 안내","url":"https://www.kmou.ac.kr/1"},
			{"id":2,"title":"  "},
			{"id":3,"title":"등록금 납부"},
			{"id":4,"title":"휴학 신청"}]}`)
	}))
	defer srv.Close()

	n := NewNotice(config.NoticeConfig{
		SourceCommon: config.SourceCommon{BaseURL: srv.URL, APIKey: "n-key"},
		DefaultBoard: "general",
		Limit:        2,
	}, testDeps())

	r := n.Fetch(context.Background(), Params{"board": "Academic"})
	require.True(t, r.IsOK())
	var got NoticeList
	require.NoError(t, r.Decode(&got))
	require.Len(t, got.Items, 2)
	assert.Equal(t, "1", got.Items[0].ID)
	assert.Equal(t, "등록금 납부", got.Items[1].Title)
	assert.Equal(t, fixedNow, r.SourceTime)
}

func TestPickStation(t *testing.T) {
	assert.Equal(t, 2, pickStation([]string{"a", "b", "c"}, []string{"c", "b"}))
	assert.Equal(t, 0, pickStation([]string{"a", "b"}, []string{"z"}))
}

func TestNewBuildsAllAdapters(t *testing.T) {
	cfg := config.Default()
	names := []string{}
	for _, a := range New(cfg.Sources, testDeps()) {
		names = append(names, a.Name())
		assert.Positive(t, a.TTL())
	}
	assert.Equal(t, []string{"bus", "weather", "dining", "notice", "shuttle"}, names)
}
