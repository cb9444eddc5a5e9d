// Package intent defines the closed set of request purposes the service
// understands.
package intent

import "fmt"

type Intent int

const (
	Unknown Intent = iota
	Bus
	Weather
	Dining
	Notice
	Briefing
	Knowledge
	Shuttle
)

var names = [...]string{
	Unknown:   "unknown",
	Bus:       "bus",
	Weather:   "weather",
	Dining:    "dining",
	Notice:    "notice",
	Briefing:  "briefing",
	Knowledge: "knowledge",
	Shuttle:   "shuttle",
}

// All lists every intent except Unknown.
var All = []Intent{Bus, Weather, Dining, Notice, Briefing, Shuttle, Knowledge}

func (i Intent) String() string {
	if i < 0 || int(i) >= len(names) {
		return fmt.Sprintf("intent(%d)", int(i))
	}
	return names[i]
}

// Parse returns the intent named s, or Unknown and false.
func Parse(s string) (Intent, bool) {
	for i, n := range names {
		if n == s && Intent(i) != Unknown {
			return Intent(i), true
		}
	}
	return Unknown, false
}

// IsData reports whether the intent is answered from live sources rather
// than the corpus.
func (i Intent) IsData() bool {
	switch i {
	case Bus, Weather, Dining, Notice, Briefing, Shuttle:
		return true
	}
	return false
}

func (i Intent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Intent) UnmarshalText(b []byte) error {
	if string(b) == "unknown" {
		*i = Unknown
		return nil
	}
	v, ok := Parse(string(b))
	if !ok {
		return fmt.Errorf("unknown intent %q", b)
	}
	*i = v
	return nil
}
