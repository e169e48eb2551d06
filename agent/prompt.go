package agent

import (
	"fmt"
	"strings"

	"github.com/quailyquaily/morphgate/tools"
)

// BuildSystemPrompt assembles the default system prompt for a run. Tool
// schemas travel in the request's tool declarations; the prompt only carries
// behavioral instructions and the user's identity.
func BuildSystemPrompt(registry *tools.Registry, uc UserContext) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant that can help with tasks and questions.\n")
	b.WriteString("Answer concisely. Use the available tools when the question needs live data.\n")
	if name := strings.TrimSpace(uc.FirstName); name != "" {
		fmt.Fprintf(&b, "\nThe user's first name is %s.\n", name)
	}
	if registry != nil {
		if listing := registry.FormatToolDescriptions(); listing != "" {
			b.WriteString("\n## Available Tools\n")
			b.WriteString(listing)
		}
	}
	return b.String()
}
