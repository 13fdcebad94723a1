// Package condition evaluates step guard conditions (§4.4) against an
// execution context. The expression mini-language reads variables out of a
// JSON projection of the context with gjson, in the idiom the retrieval
// pack's JSON-handling dependency (tidwall/gjson+sjson) was picked for,
// rather than hand-rolling a map-walking interpreter.
package condition

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
)

// Context is the read-only view an evaluator needs: parameters, variables
// and step-output presence, mirroring the Context glossary entry.
type Context struct {
	Parameters  map[string]interface{}
	Variables   map[string]interface{}
	StepOutputs map[string]interface{}
}

// Evaluator evaluates a step's guard condition list. LegacyExpressionSemantics
// resolves the §9 open question: when false (the default, strict mode),
// unknown expression syntax is a ConfigurationError; when true, it evaluates
// to true with a warning, matching the documented legacy quirk.
type Evaluator struct {
	LegacyExpressionSemantics bool
}

// New returns a strict-mode evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// EvalResult is the outcome of evaluating one condition.
type EvalResult struct {
	Value   bool
	Warning string
}

// EvaluateAll evaluates every condition; the step may run only if every
// condition yields true.
func (e *Evaluator) EvaluateAll(conditions []models.Condition, ctx Context) (bool, []string, error) {
	var warnings []string
	for _, c := range conditions {
		res, err := e.evaluateOne(c, ctx)
		if err != nil {
			return false, warnings, err
		}
		if res.Warning != "" {
			warnings = append(warnings, res.Warning)
		}
		if !res.Value {
			return false, warnings, nil
		}
	}
	return true, warnings, nil
}

func (e *Evaluator) evaluateOne(c models.Condition, ctx Context) (EvalResult, error) {
	switch c.Kind {
	case models.ConditionScript, models.ConditionDataBased, models.ConditionExternal:
		// Recognized for forward compatibility; current semantics are a
		// no-op per §4.4.
		return EvalResult{Value: true}, nil
	case models.ConditionExpression, "":
		return e.evaluateExpression(c.Expression, ctx)
	default:
		return EvalResult{}, enginerr.New(enginerr.ConfigurationError, "condition.Evaluate", fmt.Errorf("unrecognized condition kind %q", c.Kind))
	}
}

// evaluateExpression supports variable substitution ($name, $params.name,
// $steps.id) and a single binary comparison (==, !=) against a literal,
// plus bare boolean literals.
func (e *Evaluator) evaluateExpression(expr string, ctx Context) (EvalResult, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return EvalResult{Value: true}, nil
	}
	if expr == "true" {
		return EvalResult{Value: true}, nil
	}
	if expr == "false" {
		return EvalResult{Value: false}, nil
	}

	if op, left, right, ok := splitBinary(expr); ok {
		lv, lok := e.resolve(left, ctx)
		rv, rok := e.resolveLiteralOrVar(right, ctx)
		if !lok || !rok {
			return e.unknown(expr)
		}
		switch op {
		case "==":
			return EvalResult{Value: lv == rv}, nil
		case "!=":
			return EvalResult{Value: lv != rv}, nil
		}
	}

	if strings.HasPrefix(expr, "$") {
		if v, ok := e.resolve(expr, ctx); ok {
			return EvalResult{Value: v != "" && v != "false"}, nil
		}
		return e.unknown(expr)
	}

	return e.unknown(expr)
}

func (e *Evaluator) unknown(expr string) (EvalResult, error) {
	if e.LegacyExpressionSemantics {
		return EvalResult{Value: true, Warning: fmt.Sprintf("unknown condition syntax %q evaluated to true under legacy_expression_semantics", expr)}, nil
	}
	return EvalResult{}, enginerr.New(enginerr.ConfigurationError, "condition.Evaluate", fmt.Errorf("unrecognized expression syntax: %q", expr))
}

func splitBinary(expr string) (op, left, right string, ok bool) {
	for _, candidate := range []string{"==", "!="} {
		if idx := strings.Index(expr, candidate); idx >= 0 {
			return candidate, strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(candidate):]), true
		}
	}
	return "", "", "", false
}

// resolve resolves a $-prefixed variable reference against the context,
// projected to JSON and queried with gjson.
func (e *Evaluator) resolve(ref string, ctx Context) (string, bool) {
	if !strings.HasPrefix(ref, "$") {
		return "", false
	}
	path := ref[1:]

	blob := projectionJSON(ctx)

	switch {
	case strings.HasPrefix(path, "params."):
		return gjson.GetBytes(blob, "params."+path[len("params."):]).String(), true
	case strings.HasPrefix(path, "steps."):
		stepID := path[len("steps."):]
		return gjson.GetBytes(blob, "steps."+stepID).String(), true
	default:
		result := gjson.GetBytes(blob, "vars."+path)
		if !result.Exists() {
			return "", false
		}
		return result.String(), true
	}
}

func (e *Evaluator) resolveLiteralOrVar(token string, ctx Context) (string, bool) {
	if strings.HasPrefix(token, "$") {
		return e.resolve(token, ctx)
	}
	unquoted := strings.Trim(token, `"'`)
	return unquoted, true
}

// projectionJSON merges parameters, variables and step-output presence
// into a single JSON blob that resolve queries with gjson. Built one field
// at a time with sjson instead of marshaling a nested map in one shot,
// since the three sources (params/vars/steps) are merged independently and
// step outputs are projected down to a presence sentinel ("$steps.id" ->
// output-presence, matching §4.4) rather than copied verbatim.
func projectionJSON(ctx Context) []byte {
	blob := []byte("{}")
	for k, v := range ctx.Parameters {
		if b, err := sjson.SetBytes(blob, "params."+k, v); err == nil {
			blob = b
		}
	}
	for k, v := range ctx.Variables {
		if b, err := sjson.SetBytes(blob, "vars."+k, v); err == nil {
			blob = b
		}
	}
	for k := range ctx.StepOutputs {
		if b, err := sjson.SetBytes(blob, "steps."+k, true); err == nil {
			blob = b
		}
	}
	return blob
}
