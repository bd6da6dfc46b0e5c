// Package cel provides the CEL-based expression evaluator backing the
// proxy's per-tool policy gate.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mcpmux/mcpmux/internal/domain/policy"
)

// maxExpressionLength bounds how long a configured rule condition may be.
const maxExpressionLength = 1024

// maxCostBudget bounds CEL runtime cost to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation's wall-clock time.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions over {tool, auth}.
type Evaluator struct {
	env *cel.Env
}

// NewPolicyEnvironment creates the CEL environment this proxy's rules
// evaluate against: a `tool` map with `name`/`server` and an `auth` map
// with `token`, scaled down from this codebase's full RBAC+CEL
// environment (identities, roles, frameworks) to the single activation
// this proxy's scope needs.
func NewPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("auth", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// NewEvaluator creates a new CEL evaluator with the policy environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled
// program bounded by a cost budget and interrupt check frequency.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a CEL expression is syntactically valid
// and safe to evaluate (length, nesting depth, compiles against the
// policy environment).
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// Evaluate runs a compiled program against evalCtx, bounded by evalTimeout.
// Returns true if the condition matches.
func (e *Evaluator) Evaluate(prg cel.Program, evalCtx policy.EvaluationContext) (bool, error) {
	activation := map[string]any{
		"tool": map[string]any{
			"name":   evalCtx.Tool.Name,
			"server": evalCtx.Tool.Server,
		},
		"auth": map[string]any{
			"token": evalCtx.Auth.Token,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}
