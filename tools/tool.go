package tools

import "context"

type Tool interface {
	Name() string
	Description() string
	ParameterSchema() string
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// ApprovalGated is an optional interface. A tool that implements it and
// returns true is never executed without an explicit human approval; the
// engine pauses the run and surfaces the call as an interruption instead.
type ApprovalGated interface {
	ApprovalRequired() bool
}

// NeedsApproval reports whether the tool is approval-gated.
func NeedsApproval(t Tool) bool {
	if g, ok := t.(ApprovalGated); ok {
		return g.ApprovalRequired()
	}
	return false
}
