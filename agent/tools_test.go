package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterCoreTools(r))

	tool, ok := r.Get("read_file")
	require.True(t, ok)
	assert.Equal(t, CategoryReadOnly, tool.Category())

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryCategories(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterCoreTools(r))

	assert.Equal(t, CategoryReadOnly, r.Category("grep"))
	assert.Equal(t, CategoryMutating, r.Category("write_file"))
	assert.Equal(t, CategoryTerminal, r.Category("finish"))
	assert.Equal(t, CategoryOther, r.Category("unknown_tool"))
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterCoreTools(r))

	assert.NoError(t, r.Validate("read_file", json.RawMessage(`{"file_path":"a.go"}`)))

	// Missing required field.
	err := r.Validate("read_file", json.RawMessage(`{"offset": 3}`))
	require.Error(t, err)
	var verr *ToolValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "read_file", verr.Tool)

	// Wrong type.
	assert.Error(t, r.Validate("read_file", json.RawMessage(`{"file_path": 7}`)))

	// Malformed JSON.
	assert.Error(t, r.Validate("read_file", json.RawMessage(`{not json`)))

	// Unknown tool.
	assert.Error(t, r.Validate("nonexistent", json.RawMessage(`{}`)))
}

func TestRegistryDefinitionsStableOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterCoreTools(r))

	defs := r.Definitions()
	require.NotEmpty(t, defs)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Name, defs[i].Name, "definitions must be name-sorted")
	}
	for _, def := range defs {
		assert.NotEmpty(t, def.Description)
		assert.NotNil(t, def.Parameters)
	}
}

func TestFinishToolReturnsSummary(t *testing.T) {
	tool := &finishTool{}
	out, err := tool.Execute(context.Background(), nil, json.RawMessage(`{"summary":"All tasks done."}`))
	require.NoError(t, err)
	assert.Equal(t, "All tasks done.", out)
}
