package toolloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// textOnlyModel always returns a plain text response with no tool calls.
type textOnlyModel struct{ calls int }

func (m *textOnlyModel) ProviderName() string { return "fake" }
func (m *textOnlyModel) ModelID() string      { return "fake-model" }
func (m *textOnlyModel) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	return nil, nil
}
func (m *textOnlyModel) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	m.calls++
	return &canon.GenerateResponse{
		Content:      []canon.Part{canon.TextPart{Text: "done"}},
		FinishReason: canon.FinishStop,
	}, nil
}

// oneToolCallModel always asks to call the same tool, regardless of history.
type oneToolCallModel struct{ calls int }

func (m *oneToolCallModel) ProviderName() string { return "fake" }
func (m *oneToolCallModel) ModelID() string      { return "fake-model" }
func (m *oneToolCallModel) Stream(ctx context.Context, req *canon.GenerateRequest) (canon.Streamer, error) {
	return nil, nil
}
func (m *oneToolCallModel) Generate(ctx context.Context, req *canon.GenerateRequest) (*canon.GenerateResponse, error) {
	m.calls++
	return &canon.GenerateResponse{
		Content: []canon.Part{canon.ToolCallPart{
			ID: "call_1", Name: "echo", Arguments: map[string]any{"n": m.calls},
		}},
		FinishReason: canon.FinishToolCalls,
	}, nil
}

type fixedResultExecutor struct {
	content string
	calls   int
}

func (e *fixedResultExecutor) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	e.calls++
	return ToolResult{ToolCallID: call.ID, Content: e.content}, nil
}

func TestRun_NoToolCallsStopsAfterOneStep(t *testing.T) {
	model := &textOnlyModel{}
	executor := &fixedResultExecutor{content: "unused"}
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	outcome, err := Run(context.Background(), model, req, executor, Config{})
	require.NoError(t, err)
	require.Equal(t, StopReasonNoToolCalls, outcome.StopReason)
	require.Equal(t, 1, outcome.Steps)
	require.Equal(t, 1, model.calls)
	require.Equal(t, 0, executor.calls)
}

func TestRun_AlwaysToolCallingModelStopsAtMaxSteps(t *testing.T) {
	model := &oneToolCallModel{}
	executor := &fixedResultExecutor{content: "ok"}
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	outcome, err := Run(context.Background(), model, req, executor, Config{MaxSteps: 3})
	require.NoError(t, err)
	require.Equal(t, StopReasonMaxSteps, outcome.StopReason)
	require.Equal(t, 3, outcome.Steps)
	require.Equal(t, 3, model.calls)
	require.Equal(t, 3, executor.calls)
}

func TestRun_DeniedApprovalProducesErrorToolResult(t *testing.T) {
	model := &oneToolCallModel{}
	executor := &fixedResultExecutor{content: "should not run"}
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	cfg := Config{
		MaxSteps: 1,
		Approval: func(call ToolCall, state *State) Approval {
			return Deny("no")
		},
	}

	outcome, err := Run(context.Background(), model, req, executor, cfg)
	require.NoError(t, err)
	require.Equal(t, StopReasonMaxSteps, outcome.StopReason)
	require.Equal(t, 0, executor.calls)

	var toolMsg *canon.Message
	for i := range outcome.Messages {
		if outcome.Messages[i].Role == canon.RoleTool {
			toolMsg = &outcome.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	require.Len(t, toolMsg.Parts, 1)
	trp, ok := toolMsg.Parts[0].(canon.ToolResultPart)
	require.True(t, ok)
	require.Equal(t, "no", trp.Content)
	require.True(t, trp.IsError)
	require.Equal(t, "call_1", trp.ToolCallID)
}

func TestRun_StopWhenHaltsImmediately(t *testing.T) {
	model := &textOnlyModel{}
	executor := &fixedResultExecutor{}
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	cfg := Config{
		StopWhen: func(state *State) bool { return true },
	}

	outcome, err := Run(context.Background(), model, req, executor, cfg)
	require.NoError(t, err)
	require.Equal(t, StopReasonStopWhen, outcome.StopReason)
	require.Equal(t, 1, outcome.Steps)
}

func TestRun_ResultApprovalSubstitutesWithoutCallingExecutor(t *testing.T) {
	model := &oneToolCallModel{}
	executor := &fixedResultExecutor{content: "from executor"}
	req := &canon.GenerateRequest{
		Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}},
	}

	cfg := Config{
		MaxSteps: 1,
		Approval: func(call ToolCall, state *State) Approval {
			return WithResult(ToolResult{Content: "from approval hook"})
		},
	}

	outcome, err := Run(context.Background(), model, req, executor, cfg)
	require.NoError(t, err)
	require.Equal(t, 0, executor.calls)

	var toolMsg *canon.Message
	for i := range outcome.Messages {
		if outcome.Messages[i].Role == canon.RoleTool {
			toolMsg = &outcome.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	trp := toolMsg.Parts[0].(canon.ToolResultPart)
	require.Equal(t, "from approval hook", trp.Content)
	require.Equal(t, "call_1", trp.ToolCallID)
}

func TestRun_RejectsNonPositiveMaxSteps(t *testing.T) {
	model := &textOnlyModel{}
	executor := &fixedResultExecutor{}
	req := &canon.GenerateRequest{Messages: []canon.Message{{Role: canon.RoleUser, Parts: []canon.Part{canon.TextPart{Text: "hi"}}}}}

	_, err := Run(context.Background(), model, req, executor, Config{MaxSteps: -1})
	require.Error(t, err)
	require.ErrorIs(t, err, canon.ErrInvalidResponse)
}
