package toolregistry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/toolregistry"
)

func TestRegisterGetAndNames(t *testing.T) {
	r := toolregistry.New()
	require.NoError(t, r.Register(toolregistry.Spec{Name: "read_chart", Docstring: "Read values off a chart image."}))
	require.NoError(t, r.Register(toolregistry.Spec{Name: "extract_facts", Docstring: "Extract facts from a PDF."}))

	spec, ok := r.Get("read_chart")
	assert.True(t, ok)
	assert.Equal(t, "Read values off a chart image.", spec.Docstring)

	assert.Equal(t, []string{"extract_facts", "read_chart"}, r.Names())
}

func TestDuplicateAndEmptyNamesRejected(t *testing.T) {
	r := toolregistry.New()
	require.NoError(t, r.Register(toolregistry.Spec{Name: "x", Docstring: "d"}))
	assert.Error(t, r.Register(toolregistry.Spec{Name: "x", Docstring: "again"}))
	assert.Error(t, r.Register(toolregistry.Spec{}))
}

func TestCatalogueAndDocstrings(t *testing.T) {
	r := toolregistry.New()
	require.NoError(t, r.Register(toolregistry.Spec{Name: "a_tool", Docstring: "does a"}))
	require.NoError(t, r.Register(toolregistry.Spec{Name: "b_tool", Docstring: "does b"}))

	cat := r.Catalogue()
	assert.Contains(t, cat, "## a_tool\ndoes a")
	assert.Contains(t, cat, "## b_tool\ndoes b")

	specs := r.Docstrings([]string{"b_tool", "missing", "a_tool"})
	require.Len(t, specs, 2)
	assert.Equal(t, "b_tool", specs[0].Name)
	assert.Equal(t, "a_tool", specs[1].Name)
}
