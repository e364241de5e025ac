// Package rules evaluates declarative rule bundles over sensor readings and
// emits events. Rules are data, not code: each has a match predicate (when)
// and an event template (then). The one expression-shaped condition, expr,
// is a CEL program compiled once at load time.
package rules

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/helios-ops/helios/core/pkg/contracts"
)

// EngineVersion gates rule bundles that declare a min_engine_version.
const EngineVersion = "0.1.0"

// When is a rule's match predicate.
type When struct {
	Domain     string         `yaml:"domain"`
	SourceType string         `yaml:"source_type"`
	Condition  string         `yaml:"condition"`
	Threshold  any            `yaml:"threshold"`
	Field      string         `yaml:"field"`
	Equals     map[string]any `yaml:"details_equals"`
	Expr       string         `yaml:"expr"`
}

// Then is a rule's event template.
type Then struct {
	Category string `yaml:"category"`
	Severity string `yaml:"severity"`
	Summary  string `yaml:"summary"`
}

// Rule is one declarative rule.
type Rule struct {
	ID   string `yaml:"id"`
	When When   `yaml:"when"`
	Then Then   `yaml:"then"`

	program cel.Program
}

type bundle struct {
	MinEngineVersion string `yaml:"min_engine_version"`
	Rules            []Rule `yaml:"rules"`
}

var knownConditions = map[string]bool{
	"":               true,
	"altitude_below": true,
	"night_motion":   true,
	"port_scan":      true,
	"keyword":        true,
	"details_equals": true,
	// original spellings, accepted for scenario compatibility
	"detail_equals": true,
	"detail_flag":   true,
	"expr":          true,
}

// Load parses a rule bundle, checks the engine version gate, validates
// condition names, and compiles any CEL expressions.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.NewError(contracts.CategoryConfig, path, err)
	}
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, contracts.NewError(contracts.CategoryConfig, path, err)
	}

	if b.MinEngineVersion != "" {
		constraint, err := semver.NewConstraint(">= " + b.MinEngineVersion)
		if err != nil {
			return nil, contracts.Errorf(contracts.CategoryConfig, path,
				"bad min_engine_version %q: %v", b.MinEngineVersion, err)
		}
		if !constraint.Check(semver.MustParse(EngineVersion)) {
			return nil, contracts.Errorf(contracts.CategoryConfig, path,
				"bundle requires engine >= %s, this engine is %s", b.MinEngineVersion, EngineVersion)
		}
	}

	var env *cel.Env
	seen := map[string]bool{}
	for i := range b.Rules {
		r := &b.Rules[i]
		if r.ID == "" {
			return nil, contracts.Errorf(contracts.CategoryConfig, path, "rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, contracts.Errorf(contracts.CategoryConfig, path, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if !knownConditions[r.When.Condition] {
			return nil, contracts.Errorf(contracts.CategoryConfig, path,
				"rule %q: unknown condition %q", r.ID, r.When.Condition)
		}

		expr := r.When.Expr
		if r.When.Condition == "expr" && expr == "" {
			return nil, contracts.Errorf(contracts.CategoryConfig, path,
				"rule %q: condition expr requires a when.expr", r.ID)
		}
		if expr != "" {
			if env == nil {
				env, err = newCELEnv()
				if err != nil {
					return nil, contracts.NewError(contracts.CategoryConfig, path, err)
				}
			}
			prg, err := compileExpr(env, expr)
			if err != nil {
				return nil, contracts.Errorf(contracts.CategoryConfig, path,
					"rule %q: %v", r.ID, err)
			}
			r.program = prg
		}
	}

	return &Engine{rules: b.Rules}, nil
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("details", cel.DynType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("source_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return env, nil
}

func compileExpr(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expr: %w", issues.Err())
	}
	// Dyn-typed subexpressions check as dyn; those settle to bool (or not)
	// at evaluation time.
	if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
		return nil, fmt.Errorf("expr must evaluate to bool, got %s", out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program expr: %w", err)
	}
	return prg, nil
}
