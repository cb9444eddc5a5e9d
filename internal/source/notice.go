package source

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
)

// Notice lists the latest posts of a campus notice board.
type Notice struct {
	base
	defaultBoard string
	limit        int
}

type NoticeItem struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	URL      string    `json:"url,omitempty"`
	Board    string    `json:"board,omitempty"`
	PostedAt time.Time `json:"posted_at,omitzero"`
}

type NoticeList struct {
	Board string       `json:"board"`
	Items []NoticeItem `json:"items"`
	Empty bool         `json:"empty,omitempty"`
}

func (n NoticeList) IsEmpty() bool { return n.Empty }

func NewNotice(cfg config.NoticeConfig, deps Deps) *Notice {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 5
	}
	return &Notice{
		base:         newBase("notice", cfg.SourceCommon, false, deps),
		defaultBoard: cfg.DefaultBoard,
		limit:        limit,
	}
}

func (a *Notice) KeyParams(p Params) Params {
	board := strings.ToLower(p.Get("board"))
	if board == "" {
		board = a.defaultBoard
	}
	return Params{"board": board}
}

type noticeResponse struct {
	Items []struct {
		ID       flexString `json:"id"`
		Title    string     `json:"title"`
		URL      string     `json:"url"`
		Board    string     `json:"board"`
		PostedAt time.Time  `json:"posted_at"`
	} `json:"items"`
}

func (a *Notice) Fetch(ctx context.Context, p Params) result.Result {
	board := a.KeyParams(p)["board"]

	return a.execute(ctx, func(ctx context.Context) (any, time.Time, error) {
		var resp noticeResponse
		q := url.Values{"board": {board}, "limit": {strconv.Itoa(a.limit)}}
		if err := a.getJSON(ctx, a.baseURL+"/notices", q, bearer(a.apiKey), &resp); err != nil {
			return nil, time.Time{}, err
		}

		out := NoticeList{Board: board, Items: make([]NoticeItem, 0, len(resp.Items))}
		for _, it := range resp.Items {
			if len(out.Items) == a.limit {
				break
			}
			if strings.TrimSpace(it.Title) == "" {
				continue
			}
			out.Items = append(out.Items, NoticeItem{
				ID:       string(it.ID),
				Title:    strings.TrimSpace(it.Title),
				URL:      it.URL,
				Board:    it.Board,
				PostedAt: it.PostedAt,
			})
		}
		out.Empty = len(out.Items) == 0
		return out, time.Time{}, nil
	})
}
