package policy

import "context"

// Evaluator checks a tool call against the configured policies and
// returns an allow/deny decision. Implementations live in the service
// layer, where the concrete CEL compiler and decision cache are wired in.
type Evaluator interface {
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (Decision, error)
}
