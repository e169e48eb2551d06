package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/quailyquaily/morphgate/llm"
	"github.com/quailyquaily/morphgate/tools"
)

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithGuardrail(g *Guardrail) Option {
	return func(e *Engine) { e.guardrail = g }
}

func WithPromptBuilder(fn func(*tools.Registry, UserContext) string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.promptBuilder = fn
		}
	}
}

type Config struct {
	Model        string
	MaxSteps     int
	HistoryLimit int
}

type Engine struct {
	client   llm.Client
	registry *tools.Registry
	config   Config
	log      *slog.Logger

	guardrail     *Guardrail
	promptBuilder func(*tools.Registry, UserContext) string
}

func New(client llm.Client, registry *tools.Registry, cfg Config, opts ...Option) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	e := &Engine{
		client:   client,
		registry: registry,
		config:   cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func newRunID() string { return fmt.Sprintf("%x", rand.Uint64()) }

// Run starts a fresh run for one inbound user turn. It returns either a
// completed result, an interrupted result carrying a resumable state, or an
// error (ErrGuardrailTriggered when the input is rejected before any tool
// runs). The user turn is recorded in the session before the guardrail so
// failure paths can roll it back.
func (e *Engine) Run(ctx context.Context, input Input, uc UserContext, sess Session) (*RunResult, error) {
	if input.Empty() {
		return nil, fmt.Errorf("empty input")
	}
	prompt := input.Prompt()

	history, err := sess.Messages(e.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	if err := sess.Append("user", prompt); err != nil {
		return nil, fmt.Errorf("record user turn: %w", err)
	}

	runID := newRunID()
	log := e.log.With("run_id", runID, "chat_id", uc.ChatID, "model", e.config.Model)
	log.Info("run_start", "input_len", len(prompt), "file_kind", input.FileKind)

	if e.guardrail != nil {
		if err := e.guardrail.Check(ctx, prompt); err != nil {
			log.Warn("guardrail_rejected", "error", err.Error())
			return nil, err
		}
	}

	var systemPrompt string
	if e.promptBuilder != nil {
		systemPrompt = e.promptBuilder(e.registry, uc)
	} else {
		systemPrompt = BuildSystemPrompt(e.registry, uc)
	}

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "system" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, m)
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	res, err := e.runLoop(ctx, &loopState{
		runID:    runID,
		model:    e.config.Model,
		log:      log,
		messages: messages,
	})
	if err != nil {
		return nil, err
	}
	if res.Interrupted() {
		return res, nil
	}
	if err := sess.Append("assistant", res.Output); err != nil {
		return nil, fmt.Errorf("record assistant turn: %w", err)
	}
	return res, nil
}

// Resume continues a previously paused run after Approve/Reject was applied
// to the state. A synthetic decision turn is recorded in the session so the
// log reflects the approval round; callers roll it back together with any
// assistant turn when the resume fails.
func (e *Engine) Resume(ctx context.Context, state *RunState, uc UserContext, sess Session) (*RunResult, error) {
	if state == nil || len(state.v.Pending) == 0 {
		return nil, fmt.Errorf("nothing to resume")
	}

	if err := sess.Append("user", resumeNote(state)); err != nil {
		return nil, fmt.Errorf("record decision turn: %w", err)
	}

	log := e.log.With("run_id", state.v.RunID, "chat_id", uc.ChatID, "model", state.v.Model)
	log.Info("run_resume", "step", state.v.Step, "pending", len(state.v.Pending))

	gated := make(map[string]bool, len(state.v.Gated))
	for _, id := range state.v.Gated {
		gated[id] = true
	}
	decisions := make(map[string]bool, len(state.v.Decisions))
	for id, ok := range state.v.Decisions {
		decisions[id] = ok
	}

	res, err := e.runLoop(ctx, &loopState{
		runID:     state.v.RunID,
		model:     state.v.Model,
		log:       log,
		messages:  append([]llm.Message(nil), state.v.Messages...),
		step:      state.v.Step,
		pending:   append([]llm.ToolCall(nil), state.v.Pending...),
		gated:     gated,
		decisions: decisions,
	})
	if err != nil {
		return nil, err
	}
	if res.Interrupted() {
		return res, nil
	}
	if err := sess.Append("assistant", res.Output); err != nil {
		return nil, fmt.Errorf("record assistant turn: %w", err)
	}
	return res, nil
}

// resumeNote summarizes the applied decision for the conversation log.
func resumeNote(state *RunState) string {
	for _, tc := range state.v.Pending {
		if approved, ok := state.v.Decisions[tc.ID]; ok {
			if approved {
				return fmt.Sprintf("[approval] approved tool call %s", tc.Name)
			}
			return fmt.Sprintf("[approval] rejected tool call %s", tc.Name)
		}
	}
	return "[approval] decision applied"
}
