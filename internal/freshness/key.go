package freshness

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies one cacheable lookup: a source plus the canonical form of
// the parameters that influence its fetch. Keys are comparable values.
type Key struct {
	source      string
	fingerprint string
}

// NewKey canonicalises params (names trimmed and lower-cased, values
// trimmed, empty values dropped, sorted by name) and fingerprints them, so
// equivalent requests share one key.
func NewKey(source string, params map[string]string) Key {
	source = strings.ToLower(strings.TrimSpace(source))
	canonical := canonicalize(params)
	hash := sha256.Sum256([]byte(source + "|" + canonical))
	return Key{source: source, fingerprint: fmt.Sprintf("%x", hash[:8])}
}

func (k Key) Source() string { return k.source }

func (k Key) IsZero() bool { return k.source == "" && k.fingerprint == "" }

func (k Key) String() string {
	return k.source + ":" + k.fingerprint
}

func canonicalize(params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for name, value := range params {
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}
