package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
)

// Weather reads the KMA ultra-short-term observation for a named location.
type Weather struct {
	base
	defaultLocation string
	locations       map[string]config.GridPoint
}

type WeatherReport struct {
	Location      string   `json:"location"`
	ObservedAt    string   `json:"observed_at"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	HumidityPct   *float64 `json:"humidity_pct,omitempty"`
	Rain1hMM      *float64 `json:"rain_1h_mm,omitempty"`
	WindSpeedMS   *float64 `json:"wind_speed_ms,omitempty"`
	WindDirDeg    *float64 `json:"wind_dir_deg,omitempty"`
	Precipitation string   `json:"precipitation,omitempty"`
	Empty         bool     `json:"empty,omitempty"`
}

func (w WeatherReport) IsEmpty() bool { return w.Empty }

func NewWeather(cfg config.WeatherConfig, deps Deps) *Weather {
	locations := make(map[string]config.GridPoint, len(cfg.Locations))
	for name, gp := range cfg.Locations {
		locations[normalizeLocation(name)] = gp
	}
	return &Weather{
		base:            newBase("weather", cfg.SourceCommon, true, deps),
		defaultLocation: normalizeLocation(cfg.DefaultLocation),
		locations:       locations,
	}
}

// KeyParams keys by grid cell, so neighbourhood names that share a cell
// share a cache entry. The observation hour is part of the key.
func (a *Weather) KeyParams(p Params) Params {
	name := a.location(p)
	out := Params{"location": name}
	if gp, ok := a.locations[name]; ok {
		out = Params{"grid": fmt.Sprintf("%d,%d", gp.NX, gp.NY)}
	}
	d, t := baseDateTime(a.now())
	out["base"] = d + t
	return out
}

func (a *Weather) location(p Params) string {
	if name := normalizeLocation(p.Get("location")); name != "" {
		return name
	}
	return a.defaultLocation
}

type kmaResponse struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items struct {
				Item []struct {
					BaseDate  string `json:"baseDate"`
					BaseTime  string `json:"baseTime"`
					Category  string `json:"category"`
					ObsrValue string `json:"obsrValue"`
				} `json:"item"`
			} `json:"items"`
		} `json:"body"`
	} `json:"response"`
}

func (a *Weather) Fetch(ctx context.Context, p Params) result.Result {
	name := a.location(p)
	gp, ok := a.locations[name]
	if !ok {
		a.logger.Debug("unknown weather location", "location", name)
		return result.Unavailable(result.ReasonNotFound)
	}

	return a.execute(ctx, func(ctx context.Context) (any, time.Time, error) {
		baseDate, baseTime := baseDateTime(a.now())
		q := url.Values{
			"serviceKey": {a.apiKey},
			"pageNo":     {"1"},
			"numOfRows":  {"10"},
			"dataType":   {"JSON"},
			"base_date":  {baseDate},
			"base_time":  {baseTime},
			"nx":         {strconv.Itoa(gp.NX)},
			"ny":         {strconv.Itoa(gp.NY)},
		}
		var resp kmaResponse
		if err := a.getJSON(ctx, a.baseURL+"/getUltraSrtNcst", q, nil, &resp); err != nil {
			return nil, time.Time{}, err
		}
		observedAt, _ := time.ParseInLocation("200601021504", baseDate+baseTime, kst)
		report := WeatherReport{Location: name, ObservedAt: observedAt.Format(time.RFC3339)}

		h := resp.Response.Header
		switch h.ResultCode {
		case "00":
		case "03":
			report.Empty = true
			return report, observedAt, nil
		default:
			return nil, time.Time{}, &upstreamError{code: h.ResultCode, msg: h.ResultMsg, reason: kmaReason(h.ResultCode)}
		}

		for _, item := range resp.Response.Body.Items.Item {
			v, err := strconv.ParseFloat(strings.TrimSpace(item.ObsrValue), 64)
			if err != nil {
				continue
			}
			switch item.Category {
			case "T1H":
				report.TemperatureC = &v
			case "REH":
				report.HumidityPct = &v
			case "RN1":
				report.Rain1hMM = &v
			case "WSD":
				report.WindSpeedMS = &v
			case "VEC":
				report.WindDirDeg = &v
			case "PTY":
				report.Precipitation = precipitationType(int(v))
			}
		}
		if report.TemperatureC == nil && report.Precipitation == "" {
			report.Empty = true
		}
		return report, observedAt, nil
	})
}

// kmaReason maps data.go.kr result codes onto reasons.
func kmaReason(code string) result.Reason {
	switch code {
	case "22":
		return result.ReasonRateLimited
	case "20", "30", "31", "32":
		return result.ReasonNoCredential
	case "04", "05":
		return result.ReasonNetworkFailure
	default:
		return result.ReasonMalformedResponse
	}
}

// baseDateTime returns the most recent published observation hour in KST.
// Observations for hour H become available at H:40.
func baseDateTime(now time.Time) (string, string) {
	t := now.In(kst)
	if t.Minute() < 40 {
		t = t.Add(-time.Hour)
	}
	return t.Format("20060102"), t.Format("15") + "00"
}

func precipitationType(code int) string {
	switch code {
	case 0:
		return "none"
	case 1:
		return "rain"
	case 2:
		return "rain/snow"
	case 3:
		return "snow"
	case 5:
		return "drizzle"
	case 6:
		return "drizzle/snow-flurry"
	case 7:
		return "snow-flurry"
	default:
		return ""
	}
}

func normalizeLocation(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
