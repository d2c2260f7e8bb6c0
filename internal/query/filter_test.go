package query

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestDecodeFilter(t *testing.T) {
	raw := decodeJSON(t, `{
		"department": "IT",
		"doc_type": ["policy", "guide", "policy"],
		"min_priority": 3,
		"max_clearance_level": 5,
		"since_date": "2024-01-01",
		"min_views": 100,
		"tags_any": ["vpn"],
		"tags_all": ["security", "network"],
		"similarity_threshold": 0.4,
		"colour": "blue"
	}`)

	f, warnings, err := DecodeFilter(raw)
	require.NoError(t, err)

	assert.Equal(t, []string{"IT"}, f.Department)
	assert.Equal(t, []string{"guide", "policy"}, f.DocType)
	require.NotNil(t, f.MinPriority)
	assert.Equal(t, 3, *f.MinPriority)
	require.NotNil(t, f.MaxClearanceLevel)
	assert.Equal(t, 5, *f.MaxClearanceLevel)
	require.NotNil(t, f.SinceDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *f.SinceDate)
	require.NotNil(t, f.MinViews)
	assert.Equal(t, int64(100), *f.MinViews)
	assert.Equal(t, []string{"network", "security"}, f.TagsAll)
	require.NotNil(t, f.SimilarityThreshold)
	assert.Equal(t, 0.4, *f.SimilarityThreshold)

	require.Len(t, warnings, 1, "unknown keys warn instead of failing")
	assert.Contains(t, warnings[0], "colour")
}

func TestDecodeFilterTypeMismatch(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"fractional priority", `{"min_priority": 2.5}`},
		{"string priority", `{"min_priority": "high"}`},
		{"numeric department", `{"department": 7}`},
		{"mixed tag list", `{"tags_any": ["a", 1]}`},
		{"bad date", `{"since_date": "last week"}`},
		{"numeric date", `{"until_date": 20240101}`},
		{"string threshold", `{"similarity_threshold": "0.5"}`},
		{"priority out of range", `{"min_priority": 9}`},
		{"negative clearance", `{"max_clearance_level": -1}`},
		{"negative views", `{"min_views": -5}`},
		{"threshold above one", `{"similarity_threshold": 1.5}`},
		{"inverted date range", `{"since_date": "2024-06-01", "until_date": "2024-01-01"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeFilter(decodeJSON(t, tt.json))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidFilter)
			assert.Equal(t, types.KindInvalidInput, types.KindOf(err))
		})
	}
}

func TestDecodeFilterNullsAndEmpty(t *testing.T) {
	f, warnings, err := DecodeFilter(decodeJSON(t, `{"department": null, "tags_all": []}`))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Empty(t, f.Canonical())

	f, _, err = DecodeFilter(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Canonical())
}

func TestFilterCanonicalIgnoresOrder(t *testing.T) {
	a, _, err := DecodeFilter(decodeJSON(t, `{"tags_any": ["b", "a"], "department": "IT", "min_priority": 2}`))
	require.NoError(t, err)
	b, _, err := DecodeFilter(decodeJSON(t, `{"min_priority": 2, "department": ["IT"], "tags_any": ["a", "b", "a"]}`))
	require.NoError(t, err)

	ja, err := json.Marshal(a.Canonical())
	require.NoError(t, err)
	jb, err := json.Marshal(b.Canonical())
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))
	assert.Equal(t, string(ja), string(jb), "encoding/json sorts map keys")
}
