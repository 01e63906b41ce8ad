// Package policy evaluates launch admission rules written in rego.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// LaunchInput is the document a launch decision is made against.
type LaunchInput struct {
	Profile          string `json:"profile"`
	Port             int    `json:"port"`
	Headless         bool   `json:"headless"`
	OrchestratorPort int    `json:"orchestrator_port"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool
	Code   string
	Reason string
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.launch_policy.decision"),
		rego.Module("launch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or the default policy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// EvaluateLaunch decides whether a child may be launched with the given input.
func (e *Engine) EvaluateLaunch(ctx context.Context, input LaunchInput) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"profile":           input.Profile,
		"port":              input.Port,
		"headless":          input.Headless,
		"orchestrator_port": input.OrchestratorPort,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy defines a default, so an empty result only happens for a broken module.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true, Reason: "default"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	var d Decision
	d.Allow, _ = obj["allow"].(bool)
	d.Code, _ = obj["code"].(string)
	d.Reason, _ = obj["reason"].(string)
	return d, nil
}

// DefaultPolicy rejects privileged ports and ports of well-known local services.
const DefaultPolicy = `
package launch_policy

default decision = {"allow": true, "code": "", "reason": ""}

blocked_ports := {2049, 3306, 5432, 6379, 9200, 11211, 27017}

decision = {"allow": false, "code": "validation", "reason": msg} {
	input.port < 1024
	msg := sprintf("port %d is below 1024", [input.port])
} else = {"allow": false, "code": "validation", "reason": msg} {
	input.port > 65535
	msg := sprintf("port %d is above 65535", [input.port])
} else = {"allow": false, "code": "port_in_use", "reason": msg} {
	input.port == input.orchestrator_port
	msg := sprintf("port %d is used by the orchestrator", [input.port])
} else = {"allow": false, "code": "policy_denied", "reason": msg} {
	blocked_ports[input.port]
	msg := sprintf("port %d is reserved for another service", [input.port])
}
`
