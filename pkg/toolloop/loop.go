// Package toolloop runs a model in a loop, dispatching tool calls to an
// executor between model round-trips (spec.md §4.5). Grounded directly on
// original_source/src/agent/tool_loop.rs's ToolLoopAgent::run — the
// per-step algorithm (collect tool calls, append assistant message, check
// stop_when, run the approval hook, normalize and append results) is
// carried over verbatim; only the shape changes from a Rust builder to a
// Go Config struct, matching this repo's Options/Client/New convention
// rather than Rust's with_max_steps/with_stop_when chaining.
package toolloop

import (
	"context"
	"strings"

	"github.com/omne42/ditto-llm/pkg/canon"
)

const defaultMaxSteps = 8

// ToolCall is the canonical agent-loop view of a requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments any
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolExecutor runs a single tool call and returns its result.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
}

// ApprovalKind discriminates the Approval tagged union (spec.md §4.5).
type ApprovalKind string

const (
	ApprovalKindApprove ApprovalKind = "approve"
	ApprovalKindDeny    ApprovalKind = "deny"
	ApprovalKindResult  ApprovalKind = "result"
)

// Approval is the decision returned by a Config.Approval hook for one tool
// call: run it, deny it with a reason, or substitute a precomputed result.
type Approval struct {
	Kind   ApprovalKind
	Reason string     // ApprovalKindDeny
	Result ToolResult // ApprovalKindResult
}

func Approve() Approval                    { return Approval{Kind: ApprovalKindApprove} }
func Deny(reason string) Approval          { return Approval{Kind: ApprovalKindDeny, Reason: reason} }
func WithResult(result ToolResult) Approval { return Approval{Kind: ApprovalKindResult, Result: result} }

// StopReason names why a run ended.
type StopReason string

const (
	StopReasonStopWhen    StopReason = "stop_when"
	StopReasonNoToolCalls StopReason = "no_tool_calls"
	StopReasonMaxSteps    StopReason = "max_steps"
)

// State is the per-run loop state visible to StopWhen and Approval hooks.
type State struct {
	Step            int
	Request         *canon.GenerateRequest
	LastResponse    *canon.GenerateResponse
	LastToolCalls   []ToolCall
	LastToolResults []ToolResult
}

// Config configures a Run.
type Config struct {
	// MaxSteps caps the number of model round-trips. Zero selects the
	// default of 8; negative values are rejected.
	MaxSteps int

	// StopWhen, if set, is checked after each model response and after
	// each batch of tool results; a true result ends the run immediately.
	StopWhen func(*State) bool

	// Approval, if set, is consulted for every tool call before dispatch.
	// Approve (the default when unset) runs the executor.
	Approval func(call ToolCall, state *State) Approval
}

// Outcome is the result of a completed Run.
type Outcome struct {
	Messages     []canon.Message
	LastResponse *canon.GenerateResponse
	Steps        int
	StopReason   StopReason
}

// Run drives model, executor through the tool loop algorithm (spec.md
// §4.5). It mutates req.Messages in place, appending the Assistant and
// Tool-role messages produced along the way.
func Run(ctx context.Context, model canon.Client, req *canon.GenerateRequest, executor ToolExecutor, cfg Config) (*Outcome, error) {
	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	if maxSteps < 0 {
		return nil, canon.NewInvalidResponseError("tool loop: max_steps must be greater than 0")
	}

	state := &State{Request: req}
	var stopReason StopReason
	stopped := false

	for step := 0; step < maxSteps; step++ {
		state.Step = step + 1

		resp, err := model.Generate(ctx, state.Request)
		if err != nil {
			return nil, err
		}
		state.LastResponse = resp
		state.LastToolCalls = collectToolCalls(resp.Content)
		state.LastToolResults = nil

		if len(resp.Content) > 0 {
			state.Request.Messages = append(state.Request.Messages, canon.Message{
				Role:  canon.RoleAssistant,
				Parts: resp.Content,
			})
		}

		if shouldStop(cfg, state) {
			stopReason = StopReasonStopWhen
			stopped = true
			break
		}

		if len(state.LastToolCalls) == 0 {
			stopReason = StopReasonNoToolCalls
			stopped = true
			break
		}

		for _, call := range state.LastToolCalls {
			decision := approvalDecision(cfg, call, state)

			var result ToolResult
			switch decision.Kind {
			case ApprovalKindApprove:
				result, err = executor.Execute(ctx, call)
				if err != nil {
					return nil, err
				}
			case ApprovalKindDeny:
				reason := decision.Reason
				if strings.TrimSpace(reason) == "" {
					reason = "approval denied"
				}
				result = ToolResult{ToolCallID: call.ID, Content: reason, IsError: true}
			case ApprovalKindResult:
				result = decision.Result
			default:
				result, err = executor.Execute(ctx, call)
				if err != nil {
					return nil, err
				}
			}

			result = normalizeResult(call, result)
			state.Request.Messages = append(state.Request.Messages, canon.Message{
				Role:  canon.RoleTool,
				Parts: []canon.Part{canon.ToolResultPart{ToolCallID: result.ToolCallID, Content: result.Content, IsError: result.IsError}},
			})
			state.LastToolResults = append(state.LastToolResults, result)
		}

		if shouldStop(cfg, state) {
			stopReason = StopReasonStopWhen
			stopped = true
			break
		}
	}

	if !stopped {
		stopReason = StopReasonMaxSteps
	}

	return &Outcome{
		Messages:     state.Request.Messages,
		LastResponse: state.LastResponse,
		Steps:        state.Step,
		StopReason:   stopReason,
	}, nil
}

func shouldStop(cfg Config, state *State) bool {
	if cfg.StopWhen == nil {
		return false
	}
	return cfg.StopWhen(state)
}

func approvalDecision(cfg Config, call ToolCall, state *State) Approval {
	if cfg.Approval == nil {
		return Approve()
	}
	return cfg.Approval(call, state)
}

func collectToolCalls(parts []canon.Part) []ToolCall {
	var calls []ToolCall
	for _, p := range parts {
		if tc, ok := p.(canon.ToolCallPart); ok {
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
	}
	return calls
}

func normalizeResult(call ToolCall, result ToolResult) ToolResult {
	if strings.TrimSpace(result.ToolCallID) == "" || result.ToolCallID != call.ID {
		result.ToolCallID = call.ID
	}
	return result
}
