package source

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
)

// Dining lists the day's cafeteria menu from the campus co-op endpoint.
type Dining struct {
	base
	defaultCafeteria string
}

type Meal struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
	Price int      `json:"price,omitempty"`
}

type Menu struct {
	Date      string `json:"date"`
	Cafeteria string `json:"cafeteria"`
	Meals     []Meal `json:"meals"`
	Empty     bool   `json:"empty,omitempty"`
}

func (m Menu) IsEmpty() bool { return m.Empty }

func NewDining(cfg config.DiningConfig, deps Deps) *Dining {
	return &Dining{
		base:             newBase("dining", cfg.SourceCommon, false, deps),
		defaultCafeteria: cfg.DefaultCafeteria,
	}
}

// KeyParams resolves the date against the local calendar so "today" keys
// roll over at midnight KST.
func (a *Dining) KeyParams(p Params) Params {
	date := p.Get("date")
	if date == "" {
		date = a.now().In(kst).Format(time.DateOnly)
	}
	cafeteria := strings.ToLower(p.Get("cafeteria"))
	if cafeteria == "" {
		cafeteria = a.defaultCafeteria
	}
	return Params{"date": date, "cafeteria": cafeteria}
}

func (a *Dining) Fetch(ctx context.Context, p Params) result.Result {
	kp := a.KeyParams(p)
	if _, err := time.Parse(time.DateOnly, kp["date"]); err != nil {
		return result.Unavailable(result.ReasonNotFound)
	}

	return a.execute(ctx, func(ctx context.Context) (any, time.Time, error) {
		var menu Menu
		q := url.Values{"date": {kp["date"]}, "cafeteria": {kp["cafeteria"]}}
		if err := a.getJSON(ctx, a.baseURL+"/menus", q, bearer(a.apiKey), &menu); err != nil {
			return nil, time.Time{}, err
		}
		if menu.Date == "" {
			menu.Date = kp["date"]
		}
		if menu.Cafeteria == "" {
			menu.Cafeteria = kp["cafeteria"]
		}
		if menu.Meals == nil {
			menu.Meals = []Meal{}
		}
		menu.Empty = len(menu.Meals) == 0
		return menu, time.Time{}, nil
	})
}

func bearer(key string) http.Header {
	if key == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + key}}
}
