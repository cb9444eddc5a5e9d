package source

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Bus reports realtime arrivals at the campus stop through ODsay: a station
// search picks the stop, then the realtime endpoint lists approaching buses.
type Bus struct {
	base
	cityCode        string
	stationQuery    string
	preferred       []string
	inboundStation  string
	outboundStation string
}

type BusArrival struct {
	Route    string `json:"route"`
	Message  string `json:"message"`
	LowFloor bool   `json:"low_floor"`
}

type BusArrivals struct {
	Station   string       `json:"station"`
	StationID string       `json:"station_id,omitempty"`
	Line      string       `json:"line,omitempty"`
	Direction string       `json:"direction,omitempty"`
	Arrivals  []BusArrival `json:"arrivals"`
	Empty     bool         `json:"empty,omitempty"`
	Message   string       `json:"message,omitempty"`
}

func (b BusArrivals) IsEmpty() bool { return b.Empty }

func NewBus(cfg config.BusConfig, deps Deps) *Bus {
	return &Bus{
		base:            newBase("bus", cfg.SourceCommon, true, deps),
		cityCode:        cfg.CityCode,
		stationQuery:    cfg.StationQuery,
		preferred:       cfg.PreferredStations,
		inboundStation:  cfg.InboundStation,
		outboundStation: cfg.OutboundStation,
	}
}

func (a *Bus) KeyParams(p Params) Params {
	out := Params{}
	if line := p.Get("line"); line != "" {
		out["line"] = line
	}
	switch d := strings.ToLower(p.Get("direction")); d {
	case DirectionIn, DirectionOut:
		out["direction"] = d
	}
	return out
}

type odsayError struct {
	Code flexString `json:"code"`
	Msg  string     `json:"msg"`
}

type odsayStationResponse struct {
	Result struct {
		Station []struct {
			StationName string     `json:"stationName"`
			StationID   flexString `json:"stationID"`
		} `json:"station"`
	} `json:"result"`
	Error *odsayError `json:"error"`
}

type odsayRealtimeResponse struct {
	Result struct {
		RealtimeArrivalList []struct {
			RouteNm  flexString `json:"routeNm"`
			Arrival1 struct {
				Msg1 string `json:"msg1"`
			} `json:"arrival1"`
			LowPlate1 flexString `json:"lowPlate1"`
		} `json:"realtimeArrivalList"`
	} `json:"result"`
	Error *odsayError `json:"error"`
}

func (a *Bus) Fetch(ctx context.Context, p Params) result.Result {
	kp := a.KeyParams(p)
	line, direction := kp["line"], kp["direction"]

	return a.execute(ctx, func(ctx context.Context) (any, time.Time, error) {
		out := BusArrivals{Line: line, Direction: direction, Arrivals: []BusArrival{}}

		var search odsayStationResponse
		q := url.Values{
			"apiKey":      {a.apiKey},
			"stationName": {a.stationQuery},
			"CID":         {a.cityCode},
		}
		if err := a.getJSON(ctx, a.baseURL+"/searchStation", q, nil, &search); err != nil {
			return nil, time.Time{}, err
		}
		if err := odsayErr(search.Error); err != nil {
			return nil, time.Time{}, err
		}
		stations := search.Result.Station
		if len(stations) == 0 {
			out.Empty = true
			out.Message = "정류장을 찾을 수 없습니다."
			return out, time.Time{}, nil
		}

		names := make([]string, len(stations))
		for i, st := range stations {
			names[i] = st.StationName
		}
		idx := pickStation(names, a.stationPriority(direction))
		out.Station = stations[idx].StationName
		out.StationID = string(stations[idx].StationID)

		var realtime odsayRealtimeResponse
		q = url.Values{
			"apiKey":    {a.apiKey},
			"stationID": {out.StationID},
		}
		if err := a.getJSON(ctx, a.baseURL+"/realtimeStation", q, nil, &realtime); err != nil {
			return nil, time.Time{}, err
		}
		if err := odsayErr(realtime.Error); err != nil {
			return nil, time.Time{}, err
		}
		observed := a.now()

		for _, bus := range realtime.Result.RealtimeArrivalList {
			route := string(bus.RouteNm)
			if line != "" && !strings.Contains(route, line) {
				continue
			}
			msg := bus.Arrival1.Msg1
			if msg == "" {
				msg = "정보없음"
			}
			out.Arrivals = append(out.Arrivals, BusArrival{
				Route:    route,
				Message:  msg,
				LowFloor: bus.LowPlate1 == "1",
			})
		}
		if len(out.Arrivals) == 0 {
			out.Empty = true
			if line != "" {
				out.Message = line + "번 도착 정보 없음"
			} else {
				out.Message = "도착 정보 없음 (차고지 대기 중)"
			}
		}
		return out, observed, nil
	})
}

// stationPriority puts the stop that serves direction first.
func (a *Bus) stationPriority(direction string) []string {
	var first string
	switch direction {
	case DirectionIn:
		first = a.inboundStation
	case DirectionOut:
		first = a.outboundStation
	}
	if first == "" {
		return a.preferred
	}
	out := []string{first}
	for _, n := range a.preferred {
		if n != first {
			out = append(out, n)
		}
	}
	return out
}

// pickStation returns the index of the first candidate matching the
// highest-priority name, or 0 when none match.
func pickStation(candidates []string, priority []string) int {
	for _, want := range priority {
		if i := slices.Index(candidates, want); i >= 0 {
			return i
		}
	}
	return 0
}

func odsayErr(e *odsayError) error {
	if e == nil {
		return nil
	}
	reason := result.ReasonMalformedResponse
	switch {
	case e.Code == "500":
		reason = result.ReasonNetworkFailure
	case strings.Contains(strings.ToLower(e.Msg), "apikey"):
		reason = result.ReasonNoCredential
	case e.Code == "429":
		reason = result.ReasonRateLimited
	}
	return &upstreamError{code: string(e.Code), msg: e.Msg, reason: reason}
}
