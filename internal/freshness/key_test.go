package freshness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyCanonicalisation(t *testing.T) {
	a := NewKey("bus", map[string]string{"line": " 190 ", "Direction": "out", "unused": ""})
	b := NewKey("BUS", map[string]string{"direction": "out", "line": "190"})
	assert.Equal(t, a, b)
	assert.Equal(t, "bus", a.Source())
	assert.Contains(t, a.String(), "bus:")
}

func TestKeyDistinguishesParamsAndSources(t *testing.T) {
	base := NewKey("bus", map[string]string{"line": "190"})
	assert.NotEqual(t, base, NewKey("bus", map[string]string{"line": "88"}))
	assert.NotEqual(t, base, NewKey("weather", map[string]string{"line": "190"}))
	assert.NotEqual(t,
		NewKey("x", map[string]string{"a": "b&c=d"}),
		NewKey("x", map[string]string{"a": "b", "c": "d"}),
	)
	assert.True(t, Key{}.IsZero())
	assert.False(t, base.IsZero())
}
