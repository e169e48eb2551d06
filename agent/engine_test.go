package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quailyquaily/morphgate/llm"
	"github.com/quailyquaily/morphgate/tools"
)

// scriptedClient replays a fixed sequence of results and records every
// request it receives.
type scriptedClient struct {
	results  []llm.Result
	requests []llm.Request
}

func (c *scriptedClient) Chat(_ context.Context, req llm.Request) (llm.Result, error) {
	c.requests = append(c.requests, req)
	if len(c.results) == 0 {
		return llm.Result{}, errors.New("scripted client exhausted")
	}
	res := c.results[0]
	c.results = c.results[1:]
	res.Duration = time.Millisecond
	return res, nil
}

type memSession struct {
	turns []llm.Message
}

func (s *memSession) Append(role, content string) error {
	s.turns = append(s.turns, llm.Message{Role: role, Content: content})
	return nil
}

func (s *memSession) Messages(limit int) ([]llm.Message, error) {
	if limit > 0 && len(s.turns) > limit {
		return append([]llm.Message(nil), s.turns[len(s.turns)-limit:]...), nil
	}
	return append([]llm.Message(nil), s.turns...), nil
}

func (s *memSession) PopLast(n int) error {
	if n > len(s.turns) {
		n = len(s.turns)
	}
	s.turns = s.turns[:len(s.turns)-n]
	return nil
}

// gatedTool requires approval and counts executions.
type gatedTool struct {
	executions int
	lastParams map[string]any
	result     string
}

func (t *gatedTool) Name() string            { return "fetch_weather" }
func (t *gatedTool) Description() string     { return "Fetch the weather for a location." }
func (t *gatedTool) ParameterSchema() string { return `{"type":"object"}` }
func (t *gatedTool) ApprovalRequired() bool  { return true }

func (t *gatedTool) Execute(_ context.Context, params map[string]any) (string, error) {
	t.executions++
	t.lastParams = params
	if t.result == "" {
		return "Weather in London, GB: 18°C", nil
	}
	return t.result, nil
}

type plainTool struct {
	executions int
}

func (t *plainTool) Name() string            { return "echo" }
func (t *plainTool) Description() string     { return "Echo the input back." }
func (t *plainTool) ParameterSchema() string { return `{"type":"object"}` }

func (t *plainTool) Execute(_ context.Context, params map[string]any) (string, error) {
	t.executions++
	text, _ := params["text"].(string)
	return text, nil
}

func newTestEngine(client llm.Client, reg *tools.Registry) *Engine {
	return New(client, reg, Config{Model: "test-model", MaxSteps: 5})
}

func TestRunDirectAnswer(t *testing.T) {
	client := &scriptedClient{results: []llm.Result{{Text: "Hello there."}}}
	eng := newTestEngine(client, tools.NewRegistry())
	sess := &memSession{}

	res, err := eng.Run(context.Background(), Input{Text: "hi"}, UserContext{ChatID: 1}, sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Interrupted() {
		t.Fatal("expected a completed run")
	}
	if res.Output != "Hello there." {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if len(sess.turns) != 2 || sess.turns[0].Role != "user" || sess.turns[1].Role != "assistant" {
		t.Fatalf("unexpected session turns: %+v", sess.turns)
	}
}

func TestRunExecutesUngatedTool(t *testing.T) {
	reg := tools.NewRegistry()
	echo := &plainTool{}
	reg.Register(echo)

	client := &scriptedClient{results: []llm.Result{
		{ToolCalls: []llm.ToolCall{{Name: "echo", Arguments: `{"text":"ping"}`}}},
		{Text: "pong"},
	}}
	eng := newTestEngine(client, reg)

	res, err := eng.Run(context.Background(), Input{Text: "say ping"}, UserContext{ChatID: 1}, &memSession{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Interrupted() {
		t.Fatal("echo is not approval gated, run should not pause")
	}
	if echo.executions != 1 {
		t.Fatalf("expected 1 execution, got %d", echo.executions)
	}

	// The second request must carry the tool observation.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "ping" {
		t.Fatalf("unexpected observation message: %+v", last)
	}
	if last.ToolCallID == "" {
		t.Fatal("observation missing tool call ID")
	}
}

func TestRunPausesOnGatedTool(t *testing.T) {
	reg := tools.NewRegistry()
	weather := &gatedTool{}
	reg.Register(weather)

	client := &scriptedClient{results: []llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "fetch_weather", Arguments: `{"location":"London"}`}}},
	}}
	eng := newTestEngine(client, reg)
	sess := &memSession{}

	res, err := eng.Run(context.Background(), Input{Text: "weather in London?"}, UserContext{ChatID: 1}, sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Interrupted() {
		t.Fatal("expected an interrupted run")
	}
	if weather.executions != 0 {
		t.Fatal("gated tool must not execute before approval")
	}
	if len(res.Interruptions) != 1 || res.Interruptions[0].Name != "fetch_weather" {
		t.Fatalf("unexpected interruptions: %+v", res.Interruptions)
	}
	// Only the user turn is on record while paused.
	if len(sess.turns) != 1 || sess.turns[0].Role != "user" {
		t.Fatalf("unexpected session turns while paused: %+v", sess.turns)
	}
	if res.State() == nil {
		t.Fatal("interrupted run must carry a resumable state")
	}
}

func TestApproveResumeCompletes(t *testing.T) {
	reg := tools.NewRegistry()
	weather := &gatedTool{}
	reg.Register(weather)

	client := &scriptedClient{results: []llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "fetch_weather", Arguments: `{"location":"London"}`}}},
		{Text: "It is 18°C in London."},
	}}
	eng := newTestEngine(client, reg)
	sess := &memSession{}

	res, err := eng.Run(context.Background(), Input{Text: "weather in London?"}, UserContext{ChatID: 1}, sess)
	if err != nil || !res.Interrupted() {
		t.Fatalf("expected interruption, got res=%+v err=%v", res, err)
	}

	// Round-trip through the serialized form, as the ledger does.
	raw, err := res.State().Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	state, err := RestoreState(raw)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	intr := state.Interruptions()
	if len(intr) != 1 {
		t.Fatalf("restored state lost interruptions: %+v", intr)
	}
	state.Approve(intr[0])

	final, err := eng.Resume(context.Background(), state, UserContext{ChatID: 1}, sess)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.Interrupted() {
		t.Fatal("expected a completed run after approval")
	}
	if final.Output != "It is 18°C in London." {
		t.Fatalf("unexpected output: %q", final.Output)
	}
	if weather.executions != 1 {
		t.Fatalf("expected exactly 1 execution after approval, got %d", weather.executions)
	}

	// Resume appended the decision turn and the assistant turn.
	if len(sess.turns) != 3 {
		t.Fatalf("unexpected session turns: %+v", sess.turns)
	}
	if !strings.Contains(sess.turns[1].Content, "approved") {
		t.Fatalf("decision turn missing: %q", sess.turns[1].Content)
	}
}

func TestRejectResumeSkipsTool(t *testing.T) {
	reg := tools.NewRegistry()
	weather := &gatedTool{}
	reg.Register(weather)

	client := &scriptedClient{results: []llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "fetch_weather", Arguments: `{"location":"London"}`}}},
		{Text: "Understood, I won't look that up."},
	}}
	eng := newTestEngine(client, reg)

	res, err := eng.Run(context.Background(), Input{Text: "weather?"}, UserContext{ChatID: 1}, &memSession{})
	if err != nil || !res.Interrupted() {
		t.Fatalf("expected interruption, got res=%+v err=%v", res, err)
	}

	state := res.State()
	state.Reject(state.Interruptions()[0])

	final, err := eng.Resume(context.Background(), state, UserContext{ChatID: 1}, &memSession{})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.Interrupted() {
		t.Fatal("rejection must not pause again")
	}
	if weather.executions != 0 {
		t.Fatal("rejected tool must never execute")
	}

	// The model saw the rejection as a tool observation.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "Tool call was rejected by the user." {
		t.Fatalf("unexpected rejection observation: %+v", last)
	}
}

func TestNestedApprovalPausesAgain(t *testing.T) {
	reg := tools.NewRegistry()
	weather := &gatedTool{}
	reg.Register(weather)

	client := &scriptedClient{results: []llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "fetch_weather", Arguments: `{"location":"London"}`}}},
		{ToolCalls: []llm.ToolCall{{ID: "call_2", Name: "fetch_weather", Arguments: `{"location":"Paris"}`}}},
		{Text: "London 18°C, Paris 21°C."},
	}}
	eng := newTestEngine(client, reg)
	sess := &memSession{}

	res, err := eng.Run(context.Background(), Input{Text: "weather in London and Paris?"}, UserContext{ChatID: 1}, sess)
	if err != nil || !res.Interrupted() {
		t.Fatalf("expected first interruption, got res=%+v err=%v", res, err)
	}

	state := res.State()
	state.Approve(state.Interruptions()[0])
	res, err = eng.Resume(context.Background(), state, UserContext{ChatID: 1}, sess)
	if err != nil {
		t.Fatalf("first Resume: %v", err)
	}
	if !res.Interrupted() {
		t.Fatal("expected a second interruption")
	}
	if res.Interruptions[0].ID != "call_2" {
		t.Fatalf("unexpected second interruption: %+v", res.Interruptions)
	}

	state = res.State()
	state.Approve(state.Interruptions()[0])
	final, err := eng.Resume(context.Background(), state, UserContext{ChatID: 1}, sess)
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if final.Interrupted() {
		t.Fatal("expected completion after the second approval")
	}
	if weather.executions != 2 {
		t.Fatalf("expected 2 executions, got %d", weather.executions)
	}
}

func TestGuardrailRejection(t *testing.T) {
	// First scripted result answers the guardrail classification.
	client := &scriptedClient{results: []llm.Result{
		{Text: `{"is_weather": false, "reasoning": "asking about stocks"}`},
	}}
	eng := New(client, tools.NewRegistry(), Config{Model: "test-model"},
		WithGuardrail(NewGuardrail(client, "test-model", nil)))
	sess := &memSession{}

	_, err := eng.Run(context.Background(), Input{Text: "what is AAPL at?"}, UserContext{ChatID: 1}, sess)
	if !errors.Is(err, ErrGuardrailTriggered) {
		t.Fatalf("expected ErrGuardrailTriggered, got %v", err)
	}
	// The user turn stays recorded; rollback is the caller's job.
	if len(sess.turns) != 1 {
		t.Fatalf("unexpected session turns: %+v", sess.turns)
	}
}

func TestMaxStepsForcesConclusion(t *testing.T) {
	reg := tools.NewRegistry()
	echo := &plainTool{}
	reg.Register(echo)

	loop := llm.Result{ToolCalls: []llm.ToolCall{{Name: "echo", Arguments: `{"text":"again"}`}}}
	client := &scriptedClient{results: []llm.Result{
		loop, loop, {Text: "Best effort answer."},
	}}
	eng := New(client, reg, Config{Model: "test-model", MaxSteps: 2})

	res, err := eng.Run(context.Background(), Input{Text: "loop forever"}, UserContext{ChatID: 1}, &memSession{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "Best effort answer." {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	// The conclusion call must not offer tools.
	last := client.requests[len(client.requests)-1]
	if len(last.Tools) != 0 {
		t.Fatal("conclusion call offered tools")
	}
	if echo.executions != 2 {
		t.Fatalf("expected 2 executions before the cutoff, got %d", echo.executions)
	}
}

func TestRestoreStateRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not json",
		`{"version": 99, "pending_tool_calls": [{"id":"x","name":"y"}]}`,
		`{"version": 1, "pending_tool_calls": []}`,
	}
	for _, raw := range cases {
		if _, err := RestoreState(raw); err == nil {
			t.Errorf("RestoreState(%q) accepted invalid input", raw)
		}
	}
}

func TestInputPrompt(t *testing.T) {
	cases := []struct {
		in   Input
		want string
	}{
		{Input{Text: "hello"}, "hello"},
		{Input{FileURL: "https://x/img.jpg", FileKind: "image"}, "[attached image: https://x/img.jpg]"},
		{Input{Text: "what is this?", FileURL: "https://x/doc.pdf", FileKind: "file"}, "[attached file: https://x/doc.pdf]\nwhat is this?"},
	}
	for i, tc := range cases {
		if got := tc.in.Prompt(); got != tc.want {
			t.Errorf("case %d: got %q want %q", i, got, tc.want)
		}
	}
	if !(Input{}).Empty() {
		t.Error("zero input should be empty")
	}
	if (Input{Text: "x"}).Empty() {
		t.Error("text input should not be empty")
	}
}
