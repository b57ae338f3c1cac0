package models

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Turn is one entry of a chat transcript. The ID is unique within a session and stays stable while the
// turn is being streamed, so views can use it as an iteration key.
type Turn struct {
	ID      string
	Role    Role
	Content string

	// ToolInvocations is ordered by the time the assistant requested each call.
	ToolInvocations []ToolInvocation
}

// Snapshot is an immutable copy of a session state handed to the renderer: the ordered transcript
// (oldest first) and the current text of the input box.
type Snapshot struct {
	SessionID string
	Turns     []Turn
	Input     string
}

// Role represents the author of a turn.
type Role string

const (
	// RoleUser marks a turn typed by the user. Its content is always shown as literal text.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the chat endpoint. It may carry tool invocations.
	RoleAssistant Role = "assistant"
)

type wireTurn struct {
	ID              string               `json:"id,omitempty"`
	Role            Role                 `json:"role"`
	Content         string               `json:"content"`
	ToolInvocations []wireToolInvocation `json:"toolInvocations,omitempty"`
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Clone returns a deep copy of the turn, so the copy can be read while the original keeps streaming.
func (t Turn) Clone() Turn {
	c := t
	if t.ToolInvocations != nil {
		c.ToolInvocations = make([]ToolInvocation, len(t.ToolInvocations))
		for i, inv := range t.ToolInvocations {
			c.ToolInvocations[i] = inv.clone()
		}
	}
	return c
}

// Invocation returns the index of the invocation with the given call ID.
func (t Turn) Invocation(callID string) (int, bool) {
	idx := slices.IndexFunc(t.ToolInvocations, func(inv ToolInvocation) bool {
		return inv.ID() == callID
	})
	return idx, idx != -1
}

// PutInvocation replaces the invocation sharing inv's call ID in place, or appends inv when the call is
// new. Call IDs therefore stay unique within a turn and the original call order is kept.
func (t *Turn) PutInvocation(inv ToolInvocation) {
	if idx, ok := t.Invocation(inv.ID()); ok {
		t.ToolInvocations[idx] = inv
		return
	}
	t.ToolInvocations = append(t.ToolInvocations, inv)
}

// CloneTurns deep copies a transcript.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	res := make([]Turn, len(turns))
	for i, t := range turns {
		res[i] = t.Clone()
	}
	return res
}

// MarshalJSON encodes the turn in the message shape chat endpoints accept.
func (t Turn) MarshalJSON() ([]byte, error) {
	w := wireTurn{
		ID:      t.ID,
		Role:    t.Role,
		Content: t.Content,
	}
	for _, inv := range t.ToolInvocations {
		w.ToolInvocations = append(w.ToolInvocations, inv.wire())
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a turn from the endpoint message shape. It fails on unknown roles and on
// result-state invocations that carry no result.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var w wireTurn
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Role.Valid() {
		return fmt.Errorf("unknown role: %q", w.Role)
	}

	invs := make([]ToolInvocation, 0, len(w.ToolInvocations))
	for _, wi := range w.ToolInvocations {
		inv, err := wi.invocation()
		if err != nil {
			return fmt.Errorf("failed to decode tool invocation %s: %w", wi.ToolCallID, err)
		}
		invs = append(invs, inv)
	}

	*t = Turn{
		ID:      w.ID,
		Role:    w.Role,
		Content: w.Content,
	}
	if len(invs) > 0 {
		t.ToolInvocations = invs
	}
	return nil
}
