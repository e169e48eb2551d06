package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quailyquaily/morphgate/llm"
)

const guardrailSystemPrompt = `Check if the user is asking about weather information.
Respond with a JSON object: {"is_weather": <bool>, "reasoning": "<short explanation>"}.`

type guardrailVerdict struct {
	IsWeather bool   `json:"is_weather"`
	Reasoning string `json:"reasoning"`
}

// Guardrail classifies inbound text with a small LLM call and rejects
// anything off topic before the main run spends tool budget on it.
type Guardrail struct {
	client llm.Client
	model  string
	log    *slog.Logger
}

func NewGuardrail(client llm.Client, model string, log *slog.Logger) *Guardrail {
	if log == nil {
		log = slog.Default()
	}
	return &Guardrail{client: client, model: model, log: log}
}

// Check returns ErrGuardrailTriggered when the input is not a weather
// request. Classifier failures are returned as-is so callers can tell a
// rejection from an outage.
func (g *Guardrail) Check(ctx context.Context, input string) error {
	res, err := g.client.Chat(ctx, llm.Request{
		Model: g.model,
		Messages: []llm.Message{
			{Role: "system", Content: guardrailSystemPrompt},
			{Role: "user", Content: input},
		},
		ForceJSON: true,
	})
	if err != nil {
		return fmt.Errorf("guardrail classification: %w", err)
	}

	var verdict guardrailVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), &verdict); err != nil {
		return fmt.Errorf("guardrail verdict parse: %w", err)
	}
	g.log.Debug("guardrail_verdict", "is_weather", verdict.IsWeather, "reasoning", verdict.Reasoning)
	if !verdict.IsWeather {
		return fmt.Errorf("%w: %s", ErrGuardrailTriggered, verdict.Reasoning)
	}
	return nil
}
