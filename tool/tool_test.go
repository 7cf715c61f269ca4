package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionTool_ValidatesArguments(t *testing.T) {
	sum := NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(_ context.Context, inv Invocation) (any, error) {
			return inv.Input["a"].(float64) + inv.Input["b"].(float64), nil
		},
	)

	result, err := sum.Call(context.Background(), Invocation{Input: map[string]any{"a": 1.5, "b": 2.5}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result)

	_, err = sum.Call(context.Background(), Invocation{Input: map[string]any{"a": 1.5}})
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

func TestFunctionTool_WrapsPlainErrors(t *testing.T) {
	failing := NewFunctionTool(
		"always_fails",
		"Always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, _ Invocation) (any, error) {
			return nil, errors.New("boom")
		},
	)

	_, err := failing.Call(context.Background(), Invocation{Input: map[string]any{}})
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Equal(t, "boom", toolErr.Message)
}

func TestFunctionTool_FromStruct(t *testing.T) {
	type echoArgs struct {
		Text string `json:"text" description:"Text to echo"`
	}

	echo := NewFunctionToolFromStruct(
		"echo",
		"Echo the given text",
		echoArgs{},
		func(_ context.Context, inv Invocation) (any, error) {
			return inv.Input["text"], nil
		},
	)

	assert.Equal(t, KindServer, echo.Kind())

	schema := echo.InputSchema()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Equal(t, []string{"text"}, schema["required"])
}

func TestStaticRegistry(t *testing.T) {
	echo := NewFunctionTool("echo", "Echo", map[string]any{"type": "object"}, nil)
	reg := NewStaticRegistry(echo)

	tools, err := reg.ListForTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name())

	got, err := reg.Get(context.Background(), "tenant-1", "echo")
	require.NoError(t, err)
	assert.Equal(t, echo, got)

	missing, err := reg.Get(context.Background(), "tenant-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
