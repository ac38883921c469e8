package dialogdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry_ResolveAndDefinitions(t *testing.T) {
	reg := NewToolRegistry()
	AddTool(reg, echoTool{})

	tool, ok := reg.Resolve("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Definition().Name)

	_, ok = reg.Resolve("nonexistent")
	assert.False(t, ok)

	defs := reg.Definitions([]string{"echo", "nonexistent"})
	require.Len(t, defs, 1, "unknown tool names are silently dropped from the projected definitions")
	assert.Equal(t, "echo", defs[0].Name)
}

func TestToolRegistry_DefinitionsEmptyForNoNames(t *testing.T) {
	reg := NewToolRegistry()
	AddTool(reg, echoTool{})

	assert.Empty(t, reg.Definitions(nil))
}
