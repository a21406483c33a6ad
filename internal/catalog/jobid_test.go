package catalog

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobID_Deterministic(t *testing.T) {
	var a, b any
	require.NoError(t, json.Unmarshal([]byte(`{"layer":"landsat","years":[2020,2021],"vis":"tvi"}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"vis":"tvi","layer":"landsat","years":[2020,2021]}`), &b))

	idA, err := JobID("cache-point", a)
	require.NoError(t, err)
	idB, err := JobID("cache-point", b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB, "key order must not change the job ID")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{24}$`), idA)
}

func TestJobID_DistinguishesKindAndConfig(t *testing.T) {
	cfg := map[string]any{"layer": "landsat"}

	id1, err := JobID("cache-point", cfg)
	require.NoError(t, err)
	id2, err := JobID("cache-campaign", cfg)
	require.NoError(t, err)
	id3, err := JobID("cache-point", map[string]any{"layer": "sentinel"})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestJobID_NestedStructures(t *testing.T) {
	var a, b any
	require.NoError(t, json.Unmarshal([]byte(`{"point":{"lat":1.5,"lon":2.5},"zooms":[12,13]}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"zooms":[12,13],"point":{"lon":2.5,"lat":1.5}}`), &b))

	idA, err := JobID("warm", a)
	require.NoError(t, err)
	idB, err := JobID("warm", b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}
