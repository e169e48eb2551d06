package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quailyquaily/morphgate/llm"
)

const resumeStateVersion = 1

// resumeStateV1 is the serialized form of a paused run: everything the loop
// needs to continue exactly where it stopped. Callers treat the encoded blob
// as opaque; only this package reads it back.
type resumeStateV1 struct {
	Version  int            `json:"version"`
	RunID    string         `json:"run_id"`
	Model    string         `json:"model"`
	Step     int            `json:"step"`
	Messages []llm.Message  `json:"messages"`
	Pending  []llm.ToolCall `json:"pending_tool_calls"`
	// Gated lists the IDs of pending calls that require human approval.
	Gated []string `json:"gated,omitempty"`
	// Decisions maps a pending tool-call ID to its human decision.
	Decisions map[string]bool `json:"decisions,omitempty"`
}

// RunState is a paused execution snapshot. Approve/Reject record a decision
// for one interruption; the run continues only via Engine.Resume.
type RunState struct {
	v resumeStateV1
}

// Interruptions lists the approval-gated tool calls still awaiting a
// decision, in the order the model requested them.
func (s *RunState) Interruptions() []Interruption {
	if s == nil {
		return nil
	}
	gated := make(map[string]bool, len(s.v.Gated))
	for _, id := range s.v.Gated {
		gated[id] = true
	}
	var out []Interruption
	for _, tc := range s.v.Pending {
		if !gated[tc.ID] {
			continue
		}
		if _, decided := s.v.Decisions[tc.ID]; decided {
			continue
		}
		out = append(out, Interruption{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return out
}

func (s *RunState) Approve(i Interruption) { s.decide(i, true) }

func (s *RunState) Reject(i Interruption) { s.decide(i, false) }

func (s *RunState) decide(i Interruption, approved bool) {
	if s == nil || strings.TrimSpace(i.ID) == "" {
		return
	}
	if s.v.Decisions == nil {
		s.v.Decisions = make(map[string]bool)
	}
	s.v.Decisions[i.ID] = approved
}

// Serialize encodes the snapshot for out-of-process storage.
func (s *RunState) Serialize() (string, error) {
	if s == nil {
		return "", fmt.Errorf("nil run state")
	}
	b, err := json.Marshal(s.v)
	if err != nil {
		return "", fmt.Errorf("marshal resume state: %w", err)
	}
	return string(b), nil
}

// RestoreState decodes a snapshot produced by Serialize.
func RestoreState(raw string) (*RunState, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty resume state")
	}
	var v resumeStateV1
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal resume state: %w", err)
	}
	if v.Version != resumeStateVersion {
		return nil, fmt.Errorf("unsupported resume state version: %d", v.Version)
	}
	if len(v.Pending) == 0 {
		return nil, fmt.Errorf("resume state has no pending tool calls")
	}
	return &RunState{v: v}, nil
}
