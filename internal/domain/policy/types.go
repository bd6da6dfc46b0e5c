// Package policy implements the per-tool CEL allow/deny gate: an ordered
// list of named rules evaluated against {tool, auth}, first match wins,
// default allow when unconfigured.
package policy

// Action is the outcome of a matched rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is one named CEL condition plus the action to take when it matches.
type Rule struct {
	Name      string
	Condition string
	Action    Action
}

// Policy is an ordered list of rules for one or more tools.
type Policy struct {
	Name  string
	Rules []Rule
}

// ToolContext is the `tool` variable exposed to CEL conditions.
type ToolContext struct {
	Name   string `cel:"name"`
	Server string `cel:"server"`
}

// AuthContext is the `auth` variable exposed to CEL conditions.
type AuthContext struct {
	Token string `cel:"token"`
}

// EvaluationContext bundles the variables available to a policy condition.
type EvaluationContext struct {
	Tool ToolContext
	Auth AuthContext
}

// Decision is the result of evaluating a tool call against the configured
// policies.
type Decision struct {
	Allowed   bool
	RuleName  string // name of the matching rule, "" if default-allow
}
