// Package bulk models the line-delimited bulk protocol carried in broker
// messages: header lines naming an action and its target, each optionally
// followed by a document body line.
package bulk

import (
	"encoding/json"
	"fmt"
)

type Action string

const (
	ActionIndex  Action = "index"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
	ActionUpdate Action = "update"
)

func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionIndex, ActionCreate, ActionDelete, ActionUpdate:
		return a, true
	default:
		return "", false
	}
}

// HasBody reports whether the action is followed by a document line.
func (a Action) HasBody() bool {
	return a != ActionDelete
}

func (a Action) String() string {
	return string(a)
}

// Operation is one write instruction. Body is nil for deletes and holds the
// verbatim JSON document line otherwise.
type Operation struct {
	Action      Action
	Index       string
	Type        string
	ID          string
	Parent      string
	Routing     string
	Version     *int64
	VersionType string
	Body        json.RawMessage
}

// EffectiveRouting is the explicit routing value, falling back to the parent
// id the way parent/child documents are co-located.
func (o Operation) EffectiveRouting() string {
	if o.Routing != "" {
		return o.Routing
	}
	return o.Parent
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s/%s/%s", o.Action, o.Index, o.Type, o.ID)
}

// Batch is the ordered set of operations taken from one message.
type Batch struct {
	MessageID  string
	Operations []Operation
}

func (b Batch) Len() int {
	return len(b.Operations)
}

func (b Batch) Empty() bool {
	return len(b.Operations) == 0
}

// Filter keeps the operations for which keep returns true, preserving order.
func (b Batch) Filter(keep func(Operation) bool) Batch {
	out := Batch{MessageID: b.MessageID, Operations: make([]Operation, 0, len(b.Operations))}
	for _, op := range b.Operations {
		if keep(op) {
			out.Operations = append(out.Operations, op)
		}
	}
	return out
}
