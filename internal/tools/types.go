package tools

import (
	"context"
)

// Tool is the interface every runnable tool implements. Parameters returns a
// JSON Schema (draft 2020-12) describing the accepted arguments; the runtime
// validates against it before Execute is called.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ApprovalGated is implemented by tools whose invocations may need a human
// decision before running. The runtime consults Decide before Execute and
// parks the invocation when the answer is DecisionAsk.
type ApprovalGated interface {
	Decide(args map[string]interface{}) GateDecision
}

// GateDecision is a tool's own verdict on whether an invocation may proceed.
type GateDecision string

const (
	GateAllow GateDecision = "allow"
	GateAsk   GateDecision = "ask"
	GateDeny  GateDecision = "deny"
)

// Definition is the wire-level description of a registered tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
