package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultDecodesDriverOutput(t *testing.T) {
	raw := `{
		"success": false,
		"output": "partial\n",
		"variables": {"total": 42},
		"error": "NameError: x",
		"stack_trace": "Traceback (most recent call last): ..."
	}`
	var res Result
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	assert.False(t, res.Success)
	assert.Equal(t, "partial\n", res.Output)
	assert.Equal(t, float64(42), res.Variables["total"])
	assert.Equal(t, "NameError: x", res.Error)
	assert.Contains(t, res.StackTrace, "Traceback")
}

func TestResultDecodeDefaults(t *testing.T) {
	var res Result
	require.NoError(t, json.Unmarshal([]byte(`{"success": true}`), &res))
	assert.True(t, res.Success)
	assert.Empty(t, res.Variables)
	assert.Empty(t, res.Error)
}
