package intent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, in := range All {
		got, ok := Parse(in.String())
		require.True(t, ok, in.String())
		assert.Equal(t, in, got)
	}
	_, ok := Parse("unknown")
	assert.False(t, ok)
	_, ok = Parse("taxi")
	assert.False(t, ok)
}

func TestIsData(t *testing.T) {
	assert.True(t, Briefing.IsData())
	assert.True(t, Shuttle.IsData())
	assert.False(t, Knowledge.IsData())
	assert.False(t, Unknown.IsData())
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Intent{"i": Weather})
	require.NoError(t, err)
	assert.JSONEq(t, `{"i":"weather"}`, string(b))

	var back struct{ I Intent }
	require.NoError(t, json.Unmarshal([]byte(`{"I":"dining"}`), &back))
	assert.Equal(t, Dining, back.I)
	assert.Error(t, json.Unmarshal([]byte(`{"I":"nope"}`), &back))
}
