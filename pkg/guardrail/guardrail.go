package guardrail

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"

	reasonNoneEligible = "guardrail_none_eligible"
	reasonDenied       = "guardrail_denied"
)

// Rule is one guardrail candidate. EligibilityExpr selects the writes the
// rule speaks for; among eligible rules the highest Priority wins (ties
// broken by Name) and its DecisionExpr decides. Both expressions see a
// single `limit` variable, a string map of the write's attributes.
type Rule struct {
	Name            string `yaml:"name"`
	Priority        int    `yaml:"priority"`
	EligibilityExpr string `yaml:"eligibility_expr"`
	DecisionExpr    string `yaml:"decision_expr"`
	ReasonCode      string `yaml:"reason_code"`
}

type Result struct {
	Allowed    bool
	ReasonCode string
	RuleName   string
	Matched    int
}

var newCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("limit", cel.MapType(cel.StringType, cel.StringType)))
}

var newCELProgram = func(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(ast)
}

var eligibilityProgramCache sync.Map
var decisionProgramCache sync.Map

// Evaluate runs the candidate set against one write. No eligible rule means
// the write passes: guardrails veto, they do not grant.
func Evaluate(rules []Rule, limit map[string]string) (Result, error) {
	matched := 0
	var selected *Rule
	for i := range rules {
		rule := rules[i]
		eligible, err := evalEligibilityExpr(rule.EligibilityExpr, limit)
		if err != nil {
			return Result{}, err
		}
		if !eligible {
			continue
		}
		matched++
		if selected == nil || rule.Priority > selected.Priority ||
			(rule.Priority == selected.Priority && rule.Name > selected.Name) {
			copyRule := rule
			selected = &copyRule
		}
	}
	if selected == nil {
		return Result{Allowed: true, ReasonCode: reasonNoneEligible, Matched: matched}, nil
	}

	decision, err := evalDecisionExpr(selected.DecisionExpr, limit)
	if err != nil {
		return Result{}, err
	}
	switch decision {
	case DecisionAllow, DecisionDeny:
	default:
		decision = DecisionDeny
	}
	reasonCode := strings.TrimSpace(selected.ReasonCode)
	if reasonCode == "" {
		reasonCode = reasonDenied
	}
	return Result{
		Allowed:    decision == DecisionAllow,
		ReasonCode: reasonCode,
		RuleName:   selected.Name,
		Matched:    matched,
	}, nil
}

func evalEligibilityExpr(expr string, limit map[string]string) (bool, error) {
	program, err := loadOrCompile(expr, cel.BoolType, &eligibilityProgramCache)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"limit": limit})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("eligibility expression did not yield bool")
	}
	return v, nil
}

func evalDecisionExpr(expr string, limit map[string]string) (string, error) {
	program, err := loadOrCompile(expr, cel.StringType, &decisionProgramCache)
	if err != nil {
		return "", err
	}
	out, _, err := program.Eval(map[string]any{"limit": limit})
	if err != nil {
		return "", err
	}
	v, ok := out.Value().(string)
	if !ok {
		return "", errors.New("decision expression did not yield string")
	}
	return strings.ToLower(strings.TrimSpace(v)), nil
}

func loadOrCompile(expr string, outputType *cel.Type, cache *sync.Map) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := cache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != outputType {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := newCELProgram(env, ast)
	if err != nil {
		return nil, err
	}
	cache.Store(expr, program)
	return program, nil
}

// DefaultRules is the compiled-in guardrail set applied to every limit
// write. All defaults are veto rules: eligibility names the bad shape,
// the decision denies it.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:            "max_value_negative",
			Priority:        100,
			EligibilityExpr: `double(limit["max_value"]) < 0.0`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      "max_value_negative",
		},
		{
			Name:            "storage_team_scope_only",
			Priority:        60,
			EligibilityExpr: `limit["resource_kind"] == "storage_bytes" && limit["owner_scope"] == "USER"`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      "storage_not_per_user",
		},
		{
			Name:            "rpm_global_ceiling",
			Priority:        50,
			EligibilityExpr: `limit["resource_kind"] == "requests_per_minute" && double(limit["max_value"]) > 1000000.0`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      "rpm_above_global_ceiling",
		},
		{
			Name:            "user_spend_ceiling",
			Priority:        50,
			EligibilityExpr: `limit["resource_kind"] == "spend_budget" && limit["owner_scope"] == "USER" && double(limit["max_value"]) > 10000.0`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      "user_spend_above_ceiling",
		},
	}
}
