package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ToolInvocation records the assistant asking for a tool call. It is a closed set of two variants:
// Pending, while the call has no result yet, and Result, once the result payload arrived.
type ToolInvocation interface {
	// Name returns the tool name.
	Name() string
	// ID returns the call ID, unique within the owning turn.
	ID() string

	clone() ToolInvocation
	wire() wireToolInvocation
}

// Pending is a tool invocation that has no result yet. Args holds the argument text received so far,
// which may be incomplete JSON while it is still streaming.
type Pending struct {
	ToolName string
	CallID   string
	Args     string
}

// Result is a completed tool invocation. Payload is the raw JSON result: a string, a structured value
// or a pre-rendered markup fragment encoded as a JSON string.
type Result struct {
	ToolName string
	CallID   string
	Args     string
	Payload  json.RawMessage
}

// ToolState is the state of a tool invocation in the endpoint message shape.
type ToolState string

const (
	ToolStatePartialCall ToolState = "partial-call"
	ToolStateCall        ToolState = "call"
	ToolStateResult      ToolState = "result"
)

// ErrMissingResult is returned when a result-state invocation comes without its result.
var ErrMissingResult = errors.New("tool invocation in result state has no result")

type wireToolInvocation struct {
	State      ToolState       `json:"state"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Name implements ToolInvocation.
func (p Pending) Name() string { return p.ToolName }

// ID implements ToolInvocation.
func (p Pending) ID() string { return p.CallID }

func (p Pending) clone() ToolInvocation { return p }

func (p Pending) wire() wireToolInvocation {
	return wireToolInvocation{
		State:      ToolStateCall,
		ToolCallID: p.CallID,
		ToolName:   p.ToolName,
		Args:       wireArgs(p.Args),
	}
}

// Complete turns the pending call into a Result carrying payload.
func (p Pending) Complete(payload json.RawMessage) Result {
	return Result{
		ToolName: p.ToolName,
		CallID:   p.CallID,
		Args:     p.Args,
		Payload:  payload,
	}
}

// Name implements ToolInvocation.
func (r Result) Name() string { return r.ToolName }

// ID implements ToolInvocation.
func (r Result) ID() string { return r.CallID }

func (r Result) clone() ToolInvocation {
	r.Payload = slices.Clone(r.Payload)
	return r
}

func (r Result) wire() wireToolInvocation {
	return wireToolInvocation{
		State:      ToolStateResult,
		ToolCallID: r.CallID,
		ToolName:   r.ToolName,
		Args:       wireArgs(r.Args),
		Result:     r.Payload,
	}
}

func (w wireToolInvocation) invocation() (ToolInvocation, error) {
	args := ""
	if len(w.Args) > 0 && string(w.Args) != "null" {
		args = string(w.Args)
	}

	switch w.State {
	case ToolStateCall, ToolStatePartialCall:
		return Pending{
			ToolName: w.ToolName,
			CallID:   w.ToolCallID,
			Args:     args,
		}, nil
	case ToolStateResult:
		if len(w.Result) == 0 {
			return nil, ErrMissingResult
		}
		return Result{
			ToolName: w.ToolName,
			CallID:   w.ToolCallID,
			Args:     args,
			Payload:  w.Result,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tool invocation state: %q", w.State)
	}
}

// wireArgs keeps complete JSON arguments as they are and sends partial argument text as a JSON string.
func wireArgs(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	// Marshalling a string never fails.
	quoted, _ := json.Marshal(args)
	return quoted
}
