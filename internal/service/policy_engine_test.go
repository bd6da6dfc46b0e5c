package service

import (
	"context"
	"testing"

	celeval "github.com/mcpmux/mcpmux/internal/adapter/outbound/cel"
	"github.com/mcpmux/mcpmux/internal/domain/policy"
)

func newTestEngine(t *testing.T, policies []policy.Policy) *PolicyEngine {
	t.Helper()
	eval, err := celeval.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	engine, err := NewPolicyEngine(eval, policies)
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	return engine
}

func TestPolicyEngineDefaultAllowWhenUnconfigured(t *testing.T) {
	engine := newTestEngine(t, nil)

	d, err := engine.Evaluate(context.Background(), policy.EvaluationContext{
		Tool: policy.ToolContext{Name: "say", Server: "echo"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected default allow with no policies configured")
	}
}

func TestPolicyEngineFirstMatchWins(t *testing.T) {
	engine := newTestEngine(t, []policy.Policy{
		{
			Name: "default",
			Rules: []policy.Rule{
				{Name: "deny-delete", Condition: `tool.name == "delete"`, Action: policy.ActionDeny},
				{Name: "allow-all", Condition: `true`, Action: policy.ActionAllow},
			},
		},
	})

	denied, err := engine.Evaluate(context.Background(), policy.EvaluationContext{
		Tool: policy.ToolContext{Name: "delete"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if denied.Allowed || denied.RuleName != "deny-delete" {
		t.Fatalf("expected deny-delete to match, got %+v", denied)
	}

	allowed, err := engine.Evaluate(context.Background(), policy.EvaluationContext{
		Tool: policy.ToolContext{Name: "say"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allowed.Allowed || allowed.RuleName != "allow-all" {
		t.Fatalf("expected allow-all to match, got %+v", allowed)
	}
}
