package service

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	celeval "github.com/mcpmux/mcpmux/internal/adapter/outbound/cel"
	"github.com/mcpmux/mcpmux/internal/domain/policy"
)

// compiledRule pairs a configured rule with its compiled CEL program.
type compiledRule struct {
	policyName string
	rule       policy.Rule
	program    cel.Program
}

// PolicyEngine evaluates tool calls against an ordered list of compiled
// policies: first matching rule wins, default allow when nothing matches
// (including when no policies are configured at all). Evaluated only for
// tools/call and prompts/get; tools/list and resources/* are never
// filtered. Decisions pass through a cache before reaching here — see
// PolicyCache.
type PolicyEngine struct {
	eval  *celeval.Evaluator
	rules []compiledRule
}

// NewPolicyEngine compiles every rule in policies up front, so a hot call
// never pays compilation cost at evaluation time.
func NewPolicyEngine(eval *celeval.Evaluator, policies []policy.Policy) (*PolicyEngine, error) {
	e := &PolicyEngine{eval: eval}
	for _, p := range policies {
		for _, r := range p.Rules {
			prg, err := eval.Compile(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("policy %q rule %q: %w", p.Name, r.Name, err)
			}
			e.rules = append(e.rules, compiledRule{policyName: p.Name, rule: r, program: prg})
		}
	}
	return e, nil
}

// Evaluate implements policy.Evaluator.
func (e *PolicyEngine) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	for _, cr := range e.rules {
		select {
		case <-ctx.Done():
			return policy.Decision{}, ctx.Err()
		default:
		}

		matched, err := e.eval.Evaluate(cr.program, evalCtx)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("policy %q rule %q: %w", cr.policyName, cr.rule.Name, err)
		}
		if matched {
			return policy.Decision{Allowed: cr.rule.Action == policy.ActionAllow, RuleName: cr.rule.Name}, nil
		}
	}
	return policy.Decision{Allowed: true}, nil
}

var _ policy.Evaluator = (*PolicyEngine)(nil)
