package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLabels_SplitsKeyValuePairs(t *testing.T) {
	labels := parseLabels([]string{"region=us-east", "tier=gpu"})
	assert.Equal(t, map[string]string{"region": "us-east", "tier": "gpu"}, labels)
}

func TestParseLabels_SkipsMalformedEntries(t *testing.T) {
	labels := parseLabels([]string{"no-equals-sign", "k=v"})
	assert.Equal(t, map[string]string{"k": "v"}, labels)
}

func TestParseLabels_EmptyInputReturnsEmptyMap(t *testing.T) {
	labels := parseLabels(nil)
	assert.Empty(t, labels)
}
