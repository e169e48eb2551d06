package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quailyquaily/morphgate/llm"
	"github.com/quailyquaily/morphgate/tools"
)

type loopState struct {
	runID string
	model string
	log   *slog.Logger

	messages  []llm.Message
	step      int
	pending   []llm.ToolCall
	gated     map[string]bool
	decisions map[string]bool
}

func (st *loopState) appendObservation(tc llm.ToolCall, observation string) {
	st.messages = append(st.messages, llm.Message{
		Role:       "tool",
		Content:    observation,
		ToolCallID: tc.ID,
	})
}

func (e *Engine) runLoop(ctx context.Context, st *loopState) (*RunResult, error) {
	toolDefs := e.toolDefs()

	for {
		if err := ctx.Err(); err != nil {
			st.log.Warn("run_cancelled", "step", st.step)
			return nil, err
		}

		for len(st.pending) > 0 {
			tc := st.pending[0]
			if st.gated[tc.ID] {
				approved, decided := st.decisions[tc.ID]
				if !decided {
					return e.pauseForApproval(st)
				}
				if !approved {
					st.log.Info("tool_rejected", "tool", tc.Name, "tool_call_id", tc.ID)
					st.appendObservation(tc, "Tool call was rejected by the user.")
					st.advancePending(tc)
					continue
				}
				st.log.Info("tool_approved", "tool", tc.Name, "tool_call_id", tc.ID)
			}
			st.appendObservation(tc, e.executeTool(ctx, st.log, tc))
			st.advancePending(tc)
		}

		if st.step >= e.config.MaxSteps {
			return e.forceConclusion(ctx, st)
		}
		st.step++

		st.log.Info("llm_call_start", "step", st.step, "messages", len(st.messages))
		res, err := e.client.Chat(ctx, llm.Request{
			Model:    st.model,
			Messages: st.messages,
			Tools:    toolDefs,
		})
		if err != nil {
			return nil, fmt.Errorf("llm call at step %d: %w", st.step, err)
		}
		st.log.Info("llm_call_done",
			"step", st.step,
			"duration_ms", res.Duration.Milliseconds(),
			"input_tokens", res.Usage.InputTokens,
			"output_tokens", res.Usage.OutputTokens,
			"tool_calls", len(res.ToolCalls),
		)

		if len(res.ToolCalls) == 0 {
			st.log.Info("run_done", "step", st.step, "output_len", len(res.Text))
			return &RunResult{Output: strings.TrimSpace(res.Text)}, nil
		}

		calls := normalizeToolCalls(res.ToolCalls, st.step)
		st.messages = append(st.messages, llm.Message{
			Role:      "assistant",
			Content:   res.Text,
			ToolCalls: calls,
		})
		st.pending = calls
		for _, tc := range calls {
			t, ok := e.registry.Get(tc.Name)
			if !ok || !tools.NeedsApproval(t) {
				continue
			}
			if st.gated == nil {
				st.gated = make(map[string]bool)
			}
			st.gated[tc.ID] = true
		}
	}
}

func (st *loopState) advancePending(tc llm.ToolCall) {
	st.pending = st.pending[1:]
	delete(st.decisions, tc.ID)
	delete(st.gated, tc.ID)
}

// pauseForApproval snapshots the loop so it can be resumed out of process
// after a human decision.
func (e *Engine) pauseForApproval(st *loopState) (*RunResult, error) {
	gated := make([]string, 0, len(st.gated))
	for _, tc := range st.pending {
		if st.gated[tc.ID] {
			gated = append(gated, tc.ID)
		}
	}
	state := &RunState{v: resumeStateV1{
		Version:   resumeStateVersion,
		RunID:     st.runID,
		Model:     st.model,
		Step:      st.step,
		Messages:  st.messages,
		Pending:   st.pending,
		Gated:     gated,
		Decisions: st.decisions,
	}}
	interruptions := state.Interruptions()
	st.log.Info("run_paused", "step", st.step, "interruptions", len(interruptions))
	return &RunResult{Interruptions: interruptions, state: state}, nil
}

func (e *Engine) executeTool(ctx context.Context, log *slog.Logger, tc llm.ToolCall) string {
	tool, ok := e.registry.Get(tc.Name)
	if !ok {
		log.Warn("tool_not_found", "tool", tc.Name)
		return fmt.Sprintf("Error: tool %q is not available. Available tools: %s", tc.Name, e.registry.ToolNames())
	}

	params := map[string]any{}
	if raw := strings.TrimSpace(tc.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			log.Warn("tool_params_invalid", "tool", tc.Name, "error", err.Error())
			return fmt.Sprintf("Error: invalid parameters for tool %q: %v", tc.Name, err)
		}
	}

	log.Info("tool_call", "tool", tc.Name, "tool_call_id", tc.ID)
	out, err := tool.Execute(ctx, params)
	if err != nil {
		log.Warn("tool_error", "tool", tc.Name, "error", err.Error())
		return fmt.Sprintf("Error executing tool %q: %v", tc.Name, err)
	}
	log.Info("tool_done", "tool", tc.Name, "result_len", len(out))
	return out
}

// forceConclusion asks the model to answer with what it has once the step
// budget is exhausted. Tools are withheld so the call cannot recurse.
func (e *Engine) forceConclusion(ctx context.Context, st *loopState) (*RunResult, error) {
	st.log.Warn("max_steps_reached", "step", st.step)
	messages := append(append([]llm.Message(nil), st.messages...), llm.Message{
		Role:    "user",
		Content: "You have reached the step limit. Summarize what you found and answer the original question now, without calling any more tools.",
	})
	res, err := e.client.Chat(ctx, llm.Request{Model: st.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("conclusion call: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = "I could not complete the request within the allowed number of steps."
	}
	return &RunResult{Output: text}, nil
}

func (e *Engine) toolDefs() []llm.Tool {
	all := e.registry.All()
	defs := make([]llm.Tool, 0, len(all))
	for _, t := range all {
		defs = append(defs, llm.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParameterSchema(),
		})
	}
	return defs
}

// normalizeToolCalls fills in IDs for providers that omit them so decisions
// and observations can reference a stable key.
func normalizeToolCalls(calls []llm.ToolCall, step int) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if strings.TrimSpace(out[i].ID) == "" {
			out[i].ID = fmt.Sprintf("call_%d_%d", step, i)
		}
	}
	return out
}
