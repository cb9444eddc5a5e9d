package source

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
)

const clockLayout = "15:04"

// Shuttle answers next-departure questions from the campus shuttle
// timetable. The timetable is the configured one unless a base URL points
// at the shuttle service, in which case it is read from /timetable.
type Shuttle struct {
	base
	routes map[string][]string
}

type ShuttleDeparture struct {
	Route string `json:"route"`
	Next  string `json:"next"`
	// NextDay is set when today's last shuttle has left and Next is
	// tomorrow's first.
	NextDay      bool     `json:"next_day,omitempty"`
	MinutesUntil int      `json:"minutes_until"`
	Following    []string `json:"following,omitempty"`
	Last         string   `json:"last"`
}

type ShuttleBoard struct {
	At         string             `json:"at"`
	Departures []ShuttleDeparture `json:"departures"`
	Empty      bool               `json:"empty,omitempty"`
}

func (b ShuttleBoard) IsEmpty() bool { return b.Empty }

type timetable struct {
	Routes map[string][]string `json:"routes"`
}

func NewShuttle(cfg config.ShuttleConfig, deps Deps) *Shuttle {
	a := &Shuttle{base: newBase("shuttle", cfg.SourceCommon, false, deps)}
	routes, err := normalizeTimetable(cfg.Routes)
	if err != nil {
		a.logger.Warn("ignoring invalid shuttle timetable", "error", err)
		routes = map[string][]string{}
	}
	a.routes = routes
	return a
}

// KeyParams pins the lookup to the current minute in KST, so a cached board
// never outlives the departures it lists. An explicit "at" (HH:MM) asks
// about another time of day.
func (a *Shuttle) KeyParams(p Params) Params {
	route := p.Get("route")
	if route == "" {
		route = "all"
	}
	at := a.now().In(kst).Format(clockLayout)
	if v := p.Get("at"); v != "" {
		if t, err := time.Parse(clockLayout, v); err == nil {
			at = t.Format(clockLayout)
		}
	}
	return Params{"route": route, "at": at}
}

func (a *Shuttle) Fetch(ctx context.Context, p Params) result.Result {
	kp := a.KeyParams(p)
	if a.baseURL == "" && len(matchRoutes(a.routes, kp["route"])) == 0 {
		return result.Unavailable(result.ReasonNotFound)
	}

	return a.execute(ctx, func(ctx context.Context) (any, time.Time, error) {
		routes := a.routes
		if a.baseURL != "" {
			var tt timetable
			if err := a.getJSON(ctx, a.baseURL+"/timetable", nil, bearer(a.apiKey), &tt); err != nil {
				return nil, time.Time{}, err
			}
			var err error
			if routes, err = normalizeTimetable(tt.Routes); err != nil {
				return nil, time.Time{}, &decodeError{err: err}
			}
		}
		names := matchRoutes(routes, kp["route"])
		if len(names) == 0 {
			return nil, time.Time{}, &statusError{code: 404}
		}
		return departureBoard(routes, names, kp["at"]), time.Time{}, nil
	})
}

// matchRoutes returns the route names equal to route or containing it, in
// name order. "all" matches every route.
func matchRoutes(routes map[string][]string, route string) []string {
	if _, ok := routes[route]; ok {
		return []string{route}
	}
	var out []string
	for _, name := range slices.Sorted(maps.Keys(routes)) {
		if route == "all" || strings.Contains(name, route) {
			out = append(out, name)
		}
	}
	return out
}

func departureBoard(routes map[string][]string, names []string, at string) ShuttleBoard {
	board := ShuttleBoard{At: at, Departures: []ShuttleDeparture{}}
	for _, name := range names {
		if d, ok := nextDeparture(name, routes[name], at); ok {
			board.Departures = append(board.Departures, d)
		}
	}
	board.Empty = len(board.Departures) == 0
	return board
}

// nextDeparture finds the first departure strictly after at. After the last
// shuttle it wraps to the first one of the next day. times must be sorted
// zero-padded HH:MM.
func nextDeparture(route string, times []string, at string) (ShuttleDeparture, bool) {
	if len(times) == 0 {
		return ShuttleDeparture{}, false
	}
	i, found := slices.BinarySearch(times, at)
	if found {
		i++
	}
	d := ShuttleDeparture{Route: route, Last: times[len(times)-1]}
	if i == len(times) {
		i = 0
		d.NextDay = true
	}
	d.Next = times[i]
	if rest := times[i+1:]; len(rest) > 0 {
		d.Following = slices.Clone(rest[:min(2, len(rest))])
	}
	wait := minuteOfDay(d.Next) - minuteOfDay(at)
	if d.NextDay {
		wait += 24 * 60
	}
	d.MinutesUntil = wait
	return d, true
}

func minuteOfDay(hhmm string) int {
	t, _ := time.Parse(clockLayout, hhmm)
	return t.Hour()*60 + t.Minute()
}

// normalizeTimetable parses every time, rewrites it zero-padded, and sorts
// and dedupes each route.
func normalizeTimetable(in map[string][]string) (map[string][]string, error) {
	out := make(map[string][]string, len(in))
	for route, times := range in {
		route = strings.TrimSpace(route)
		if route == "" {
			continue
		}
		norm := make([]string, 0, len(times))
		for _, s := range times {
			t, err := time.Parse(clockLayout, strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("route %s: %q is not HH:MM", route, s)
			}
			norm = append(norm, t.Format(clockLayout))
		}
		slices.Sort(norm)
		out[route] = slices.Compact(norm)
	}
	return out, nil
}
