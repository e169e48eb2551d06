package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quailyquaily/morphgate/llm"
)

// ErrGuardrailTriggered is returned by Run when the input guardrail rejects
// the request before any tool executes.
var ErrGuardrailTriggered = errors.New("input rejected by guardrail")

// Input is one inbound user turn. FileURL/FileKind are set for multimodal
// input (a photo or document resolved to a fetchable URL); Text carries the
// message text or caption.
type Input struct {
	Text     string
	FileURL  string
	FileKind string // "image" | "file"
}

func (in Input) Empty() bool {
	return strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.FileURL) == ""
}

// Prompt renders the input as a single user message. File references are
// inlined as an attachment header so text-completion backends can use them.
func (in Input) Prompt() string {
	text := strings.TrimSpace(in.Text)
	fileURL := strings.TrimSpace(in.FileURL)
	if fileURL == "" {
		return text
	}
	kind := strings.TrimSpace(in.FileKind)
	if kind == "" {
		kind = "file"
	}
	if text == "" {
		return fmt.Sprintf("[attached %s: %s]", kind, fileURL)
	}
	return fmt.Sprintf("[attached %s: %s]\n%s", kind, fileURL, text)
}

// UserContext identifies the requesting user for one run. It is rebuilt from
// transport metadata on every inbound event and never persisted.
type UserContext struct {
	ChatID    int64
	FirstName string
	IsBot     bool
}

// Interruption is one approval-gated tool call the engine refuses to execute
// without a human decision.
type Interruption struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Session is the per-chat conversation log the engine records turns into.
type Session interface {
	Append(role, content string) error
	Messages(limit int) ([]llm.Message, error)
	PopLast(n int) error
}

// RunResult is the outcome of Run or Resume: either a final Output, or a
// paused run with one or more Interruptions and an opaque resumable state.
type RunResult struct {
	Output        string
	Interruptions []Interruption

	state *RunState
}

func (r *RunResult) Interrupted() bool { return r != nil && len(r.Interruptions) > 0 }

// NewInterruptedResult wraps a paused-run snapshot as an interrupted result.
// Engine callers that replay restored states use it to re-enter the approval
// flow without a fresh engine invocation.
func NewInterruptedResult(state *RunState) *RunResult {
	return &RunResult{Interruptions: state.Interruptions(), state: state}
}

// State returns the paused-run snapshot; nil unless Interrupted.
func (r *RunResult) State() *RunState { return r.state }
