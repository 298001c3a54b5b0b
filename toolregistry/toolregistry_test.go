package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/swarm/swarmerr"
)

func echoSpec() Spec {
	return Spec{
		Name:        "echo",
		Description: "echoes its input back",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTool(echoSpec(), func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return in.Text, nil
	}))

	out, err := r.Dispatch(context.Background(), ToolCall{Name: "echo", Payload: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestDispatchUnknownToolReturnsToolHandlerError(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), ToolCall{Name: "missing", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindToolHandlerError, swarmerr.KindOf(err))
}

func TestDispatchSchemaViolationReturnsToolHandlerError(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTool(echoSpec(), func(_ context.Context, args json.RawMessage) (any, error) {
		return "should not be called", nil
	}))

	_, err := r.Dispatch(context.Background(), ToolCall{Name: "echo", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindToolHandlerError, swarmerr.KindOf(err))
}

func TestDispatchHandlerErrorIsWrapped(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTool(Spec{Name: "fails"}, func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, assertErr{}
	}))

	_, err := r.Dispatch(context.Background(), ToolCall{Name: "fails", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindToolHandlerError, swarmerr.KindOf(err))
}

func TestUnregisterToolRemovesEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTool(Spec{Name: "temp"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	}))
	assert.Len(t, r.ListTools(), 1)

	r.UnregisterTool("temp")
	assert.Empty(t, r.ListTools())

	_, err := r.Dispatch(context.Background(), ToolCall{Name: "temp", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "handler failed" }
