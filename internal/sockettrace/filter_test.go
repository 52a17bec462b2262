package sockettrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHeaderFilters(t *testing.T) {
	f := ParseHeaderFilters("Content-Type:json,Content-Type:text,-Content-Encoding:gzip")
	assert.Len(t, f.Inclusions, 2)
	assert.Len(t, f.Exclusions, 1)
	assert.Equal(t, "Content-Type", f.Inclusions[0].name)
	assert.Equal(t, "json", f.Inclusions[0].substr)
	assert.Equal(t, "Content-Encoding", f.Exclusions[0].name)
}

func TestParseHeaderFiltersSkipsMalformed(t *testing.T) {
	f := ParseHeaderFilters("no-colon-here,,Content-Type:json")
	assert.Len(t, f.Inclusions, 1)
	assert.Empty(t, f.Exclusions)
}

func TestFilterMatchesAnyInclusion(t *testing.T) {
	f := ParseHeaderFilters("Content-Type:json,Content-Type:text")
	assert.True(t, f.Matches(map[string][]string{"Content-Type": {"application/json"}}))
	assert.True(t, f.Matches(map[string][]string{"Content-Type": {"text/html"}}))
	assert.False(t, f.Matches(map[string][]string{"Content-Type": {"image/png"}}))
	assert.False(t, f.Matches(map[string][]string{}))
}

func TestFilterExclusionWins(t *testing.T) {
	f := ParseHeaderFilters("Content-Type:json,-Server:nginx")
	headers := map[string][]string{
		"Content-Type": {"application/json"},
		"Server":       {"nginx/1.25"},
	}
	assert.False(t, f.Matches(headers))
}

func TestFilterEmptyInclusionsMeansNoConstraint(t *testing.T) {
	f := ParseHeaderFilters("-Content-Type:json")
	assert.True(t, f.Matches(map[string][]string{"Content-Type": {"text/html"}}))
	assert.False(t, f.Matches(map[string][]string{"Content-Type": {"application/json"}}))
	assert.True(t, f.Matches(map[string][]string{}))
}

func TestFilterCaseSensitive(t *testing.T) {
	f := ParseHeaderFilters("Content-Type:json")
	assert.False(t, f.Matches(map[string][]string{"content-type": {"application/json"}}))
	assert.False(t, f.Matches(map[string][]string{"Content-Type": {"application/JSON"}}))
}
