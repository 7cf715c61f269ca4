package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
)

func drain(t *testing.T, respCh <-chan Response, errCh <-chan error) []Response {
	t.Helper()

	var out []Response
	for resp := range respCh {
		out = append(out, resp)
	}
	require.NoError(t, <-errCh)

	return out
}

func TestMockModel_ScriptedResponses(t *testing.T) {
	m := NewMockModel()
	m.Script(ToolCallResponse("call-1", "echo", map[string]any{"text": "hi"}))
	m.Script(TextResponse("done"))

	req := Request{Messages: []core.Message{{
		Role:  core.RoleUser,
		Parts: []core.Part{core.TextPart{Text: "please echo"}},
	}}}

	respCh, errCh := m.Generate(context.Background(), req)
	first := drain(t, respCh, errCh)
	require.Len(t, first, 1)
	calls := first[0].Message.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Name)
	assert.Equal(t, "tool_calls", first[0].FinishReason)

	respCh, errCh = m.Generate(context.Background(), req)
	second := drain(t, respCh, errCh)
	require.Len(t, second, 1)
	assert.Equal(t, "done", second[0].Message.Text())

	assert.Equal(t, 2, m.Calls())
}

func TestMockModel_EchoesWithoutScript(t *testing.T) {
	m := NewMockModel()

	req := Request{Messages: []core.Message{{
		Role:  core.RoleUser,
		Parts: []core.Part{core.TextPart{Text: "hello"}},
	}}}

	respCh, errCh := m.Generate(context.Background(), req)
	responses := drain(t, respCh, errCh)
	require.Len(t, responses, 1)
	assert.Equal(t, "Mock response to: hello", responses[0].Message.Text())
}

func TestMockModel_ErrorsOnEmptyInput(t *testing.T) {
	m := NewMockModel()

	respCh, errCh := m.Generate(context.Background(), Request{})
	for range respCh {
	}
	assert.Error(t, <-errCh)
}
