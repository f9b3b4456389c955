/*
Package opaevaluator evaluates policy checks against product twins using the
embedded Open Policy Agent engine.

The rego query is compiled once, at construction; every evaluation then runs
the prepared query with the twin document as its input. The query is expected
to produce a single value shaped like a decision document:

	{
		"_metadata": {"productCode": "...", "digitalTwinVersion": "..."},
		"checks": [
			{"key": "encryption-in-transit", "total": 3, "affected": []},
			...
		]
	}

Policies that omit the metadata block still evaluate: the evaluator fills the
product code in from the twin itself.
*/
package opaevaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// An Evaluator is a compiled policy bundle. It is safe for concurrent use.
type Evaluator struct {
	query rego.PreparedEvalQuery
}

// New compiles the given rego modules (file name to source) and prepares the
// query for evaluation. Compilation errors surface here, not at evaluation
// time.
func New(ctx context.Context, query string, modules map[string]string) (*Evaluator, error) {
	options := []func(*rego.Rego){rego.Query(query)}
	for name, source := range modules {
		options = append(options, rego.Module(name, source))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy query %q: %w", query, err)
	}
	return &Evaluator{query: prepared}, nil
}

// Evaluate implements producttwin.PolicyEvaluator.
func (e *Evaluator) Evaluate(ctx context.Context, twin producttwin.Document) (producttwin.RawDecisionResult, error) {
	var result producttwin.RawDecisionResult

	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any(twin)))
	if err != nil {
		return result, fmt.Errorf("evaluate policies: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return result, fmt.Errorf("evaluate policies: query produced no value")
	}

	// The engine hands the value back as generic Go trees; round-tripping
	// through JSON funnels it into the same decoder that parses results
	// arriving over the wire, so both paths share one set of shape rules.
	encoded, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return result, fmt.Errorf("encode policy value: %w", err)
	}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return result, fmt.Errorf("decode policy value: %w", err)
	}

	if result.Metadata.EntityKey == "" {
		result.Metadata.EntityKey = twin.EntityCode()
	}
	return result, nil
}
