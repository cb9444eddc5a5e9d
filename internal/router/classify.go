// Package router turns a user request into an intent plus parameters and
// dispatches it to the aggregator or the corpus index.
package router

import (
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ara-campus/ara/internal/intent"
	"github.com/ara-campus/ara/internal/source"
)

// Context keys carried between turns.
const (
	CtxLastIntent = "last_intent"
	CtxLine       = "line"
)

// Rule names reported in Classification.Rule.
const (
	RuleTrigger  = "trigger"
	RuleKeyword  = "keyword"
	RuleFollowUp = "follow-up"
	RuleFallback = "fallback"
)

// Request is one inbound turn. Trigger is a button payload or quick-reply
// phrase and takes precedence over Utterance. Context is whatever the
// previous Answer handed back.
type Request struct {
	Utterance string            `json:"utterance"`
	Trigger   string            `json:"trigger,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

func (r Request) empty() bool {
	return strings.TrimSpace(r.Utterance) == "" && strings.TrimSpace(r.Trigger) == ""
}

type Classification struct {
	Intent intent.Intent `json:"intent"`
	Params source.Params `json:"params,omitempty"`
	// Query is the text sent to the corpus for knowledge intents.
	Query string `json:"query,omitempty"`
	Rule  string `json:"rule"`
}

type trigger struct {
	intent intent.Intent
	params source.Params
}

// triggers are the quick-reply phrases the chat front end offers, matched
// after whitespace normalisation.
var triggers = map[string]trigger{
	"190 해양대구본관 출발": {intent.Bus, source.Params{"line": "190", "direction": source.DirectionOut}},
	"190번 버스 도착 정보": {intent.Bus, source.Params{"line": "190"}},
	"오늘 학식 메뉴 알려줘": {intent.Dining, nil},
	"영도 날씨":         {intent.Weather, source.Params{"location": "영도"}},
	"최신 공지사항 알려줘":  {intent.Notice, nil},
	"오늘의 브리핑":       {intent.Briefing, nil},
	"셔틀 시간":         {intent.Shuttle, nil},
	"취업":            {intent.Knowledge, nil},
	"캠퍼스 연락처":       {intent.Knowledge, nil},
	"kmou 홈페이지":     {intent.Knowledge, nil},
}

// keywords per intent. A longer match is more specific and wins; equal
// lengths fall back to priority order. Knowledge keywords let campus topics
// that mention a data word ("셔틀 정류장") stay with the corpus.
var keywords = map[intent.Intent][]string{
	intent.Bus:       {"버스", "bus", "정류장", "정류소", "몇 분 남", "언제 와", "언제 오", "배차", "odsay"},
	intent.Weather:   {"날씨", "weather", "기온", "온도", "비 와", "비와", "우산", "바람", "습도", "춥", "덥"},
	intent.Dining:    {"학식", "식단", "메뉴", "menu", "식당", "점심", "저녁", "아침 밥", "밥 뭐"},
	intent.Notice:    {"공지", "공지사항", "notice", "새 소식", "학교 소식", "안내문"},
	intent.Briefing:  {"브리핑", "briefing", "한눈에", "오늘 요약", "오늘 정보"},
	intent.Shuttle:   {"셔틀", "셔틀버스", "shuttle", "셔틀 시간", "다음 셔틀", "셔틀 첫차", "셔틀 막차"},
	intent.Knowledge: {"셔틀 정류장", "셔틀 노선", "취업", "연락처", "전화번호", "홈페이지", "도서관", "학과", "졸업요건"},
}

// shuttleStops are the stop names route names are built from ("본관-기숙사").
var shuttleStops = []string{"본관", "기숙사"}

// wordInitial keywords only match at the start of a word, so "준비와" is not
// read as rain.
var wordInitial = map[string]bool{"비 와": true, "비와": true}

// priority breaks ties between equally specific keyword matches.
var priority = []intent.Intent{intent.Bus, intent.Weather, intent.Dining, intent.Notice, intent.Briefing, intent.Shuttle, intent.Knowledge}

var directionWords = []struct {
	word string
	dir  string
}{
	{"출발", source.DirectionOut},
	{"하교", source.DirectionOut},
	{"나가", source.DirectionOut},
	{"나갈", source.DirectionOut},
	{"out", source.DirectionOut},
	{"등교", source.DirectionIn},
	{"들어가", source.DirectionIn},
	{"들어올", source.DirectionIn},
	{"학교로", source.DirectionIn},
	{"in", source.DirectionIn},
}

var boards = []struct {
	word  string
	board string
}{
	{"학사", "academic"},
	{"장학", "scholarship"},
	{"취업", "career"},
	{"일반", "general"},
}

var cafeterias = []struct {
	word string
	name string
}{
	{"기숙사", "dorm"},
	{"생활관", "dorm"},
	{"교직원", "staff"},
	{"학생식당", "student"},
}

var (
	lineRe = regexp.MustCompile(`(?:^|[^\d])(\d{2,4}(?:-\d{1,2})?)\s*(?:번|\s|$)`)
	dateRe = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	// asciiWordRe finds latin tokens so short direction words only match
	// whole words.
	asciiWordRe = regexp.MustCompile(`[a-z]+`)
)

var kst = time.FixedZone("KST", 9*60*60)

// Classifier is pure: the same request, locations and clock always give the
// same classification.
type Classifier struct {
	locations []string
	now       func() time.Time
}

// NewClassifier builds a classifier recognising the given weather location
// names. now may be nil.
func NewClassifier(locations []string, now func() time.Time) *Classifier {
	locs := slices.Clone(locations)
	// longest first so "동삼동" beats a shorter overlapping name
	slices.SortStableFunc(locs, func(a, b string) int {
		return utf8.RuneCountInString(b) - utf8.RuneCountInString(a)
	})
	if now == nil {
		now = time.Now
	}
	return &Classifier{locations: locs, now: now}
}

// Classify applies, in order: trigger payloads, the bus follow-up rule,
// keyword specificity, and finally the knowledge fallback.
func (c *Classifier) Classify(req Request) Classification {
	text := normalize(req.Utterance)

	if t := normalize(req.Trigger); t != "" {
		if in, ok := intent.Parse(t); ok {
			return c.finish(in, text, RuleTrigger, nil)
		}
		if tr, ok := triggers[t]; ok {
			return c.finish(tr.intent, t, RuleTrigger, tr.params)
		}
		if text == "" {
			text = t
		}
	}
	if tr, ok := triggers[text]; ok {
		return c.finish(tr.intent, text, RuleTrigger, tr.params)
	}

	ascii := asciiWordRe.FindAllString(text, -1)
	best, bestLen := intent.Unknown, 0
	for _, in := range priority {
		for _, kw := range keywords[in] {
			if n := utf8.RuneCountInString(kw); n > bestLen && containsKeyword(text, ascii, kw) {
				best, bestLen = in, n
			}
		}
	}

	if best == intent.Unknown && req.Context[CtxLastIntent] == intent.Bus.String() {
		if dir := direction(text); dir != "" {
			params := source.Params{"direction": dir}
			if line := req.Context[CtxLine]; line != "" {
				params["line"] = line
			}
			return c.finish(intent.Bus, text, RuleFollowUp, params)
		}
	}

	if best == intent.Unknown {
		return c.finish(intent.Knowledge, text, RuleFallback, nil)
	}
	return c.finish(best, text, RuleKeyword, nil)
}

// finish fills in parameters extracted from text for in, letting fixed
// params win.
func (c *Classifier) finish(in intent.Intent, text, rule string, fixed source.Params) Classification {
	cl := Classification{Intent: in, Rule: rule, Params: source.Params{}}
	switch in {
	case intent.Bus:
		if m := lineRe.FindStringSubmatch(text); m != nil {
			cl.Params["line"] = m[1]
		}
		if dir := direction(text); dir != "" {
			cl.Params["direction"] = dir
		}
	case intent.Weather:
		if loc := c.location(text); loc != "" {
			cl.Params["location"] = loc
		}
	case intent.Dining:
		if d := c.date(text); d != "" {
			cl.Params["date"] = d
		}
		for _, cf := range cafeterias {
			if strings.Contains(text, cf.word) {
				cl.Params["cafeteria"] = cf.name
				break
			}
		}
	case intent.Notice:
		for _, b := range boards {
			if strings.Contains(text, b.word) {
				cl.Params["board"] = b.board
				break
			}
		}
	case intent.Shuttle:
		if route := shuttleRoute(text); route != "" {
			cl.Params["route"] = route
		}
	case intent.Knowledge:
		cl.Query = text
	}
	for k, v := range fixed {
		cl.Params[k] = v
	}
	if len(cl.Params) == 0 {
		cl.Params = nil
	}
	return cl
}

// shuttleRoute reads a route from the stops text names. Two stops give
// "from-to" in the order they appear; one stop followed by "에서" or "로"
// gives a partial route the adapter matches as a substring.
func shuttleRoute(text string) string {
	type hit struct {
		stop string
		at   int
	}
	var hits []hit
	for _, stop := range shuttleStops {
		if i := strings.Index(text, stop); i >= 0 {
			hits = append(hits, hit{stop, i})
		}
	}
	switch len(hits) {
	case 0:
		return ""
	case 1:
		rest := text[hits[0].at+len(hits[0].stop):]
		switch {
		case strings.HasPrefix(rest, "에서"):
			return hits[0].stop + "-"
		case strings.HasPrefix(rest, "로"), strings.HasPrefix(rest, "으로"), strings.HasPrefix(rest, " 가는"):
			return "-" + hits[0].stop
		}
		return ""
	}
	slices.SortFunc(hits, func(a, b hit) int { return a.at - b.at })
	return hits[0].stop + "-" + hits[1].stop
}

func (c *Classifier) location(text string) string {
	for _, loc := range c.locations {
		if strings.Contains(text, strings.ToLower(loc)) {
			return loc
		}
	}
	return ""
}

// date resolves "내일"/"모레" and explicit ISO dates. "오늘" is left to the
// adapter, which resolves it at fetch time.
func (c *Classifier) date(text string) string {
	if m := dateRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	today := c.now().In(kst)
	switch {
	case strings.Contains(text, "모레"):
		return today.AddDate(0, 0, 2).Format(time.DateOnly)
	case strings.Contains(text, "내일"):
		return today.AddDate(0, 0, 1).Format(time.DateOnly)
	}
	return ""
}

func direction(text string) string {
	ascii := asciiWordRe.FindAllString(text, -1)
	for _, d := range directionWords {
		if containsKeyword(text, ascii, d.word) {
			return d.dir
		}
	}
	return ""
}

// containsKeyword reports whether kw occurs in text. Latin keywords must be
// whole words from ascii ("busan" is not "bus"); Hangul keywords match as
// substrings unless they are word-initial.
func containsKeyword(text string, ascii []string, kw string) bool {
	if isASCII(kw) && !strings.Contains(kw, " ") {
		return slices.Contains(ascii, kw)
	}
	if !wordInitial[kw] {
		return strings.Contains(text, kw)
	}
	for i := 0; ; {
		j := strings.Index(text[i:], kw)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || text[at-1] == ' ' {
			return true
		}
		i = at + len(kw)
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
