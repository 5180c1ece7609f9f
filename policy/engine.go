package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Transfer decisions.
const (
	DecisionAllow          = "allow"
	DecisionAmountNegative = "amount_negative"
	DecisionAmountTooLarge = "amount_exceeds_limit"
)

// Engine is the OPA policy engine.
type Engine struct {
	registration rego.PreparedEvalQuery
	transfer     rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	registration, err := prepare(ctx, "data.trustgame.registration_violations", policyContent)
	if err != nil {
		return nil, err
	}
	transfer, err := prepare(ctx, "data.trustgame.transfer_decision", policyContent)
	if err != nil {
		return nil, err
	}
	return &Engine{registration: registration, transfer: transfer}, nil
}

func prepare(ctx context.Context, query, policyContent string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("trustgame.rego", policyContent),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return prepared, nil
}

// RegistrationViolations checks a decoded registration body and returns
// every violated constraint, sorted. An empty result means the body is
// acceptable.
func (e *Engine) RegistrationViolations(ctx context.Context, body interface{}) ([]string, error) {
	results, err := e.registration.Eval(ctx, rego.EvalInput(body))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected registration policy result %T", results[0].Expressions[0].Value)
	}
	out := make([]string, 0, len(set))
	for _, v := range set {
		out = append(out, fmt.Sprint(v))
	}
	sort.Strings(out)
	return out, nil
}

// TransferDecision checks that amount is a valid transfer given limit.
func (e *Engine) TransferDecision(ctx context.Context, amount, limit int) (string, error) {
	input := map[string]interface{}{"amount": amount, "limit": limit}
	results, err := e.transfer.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("unexpected transfer policy result %T", results[0].Expressions[0].Value)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package trustgame

default transfer_decision = "allow"

transfer_decision = "amount_negative" {
	input.amount < 0
}

transfer_decision = "amount_exceeds_limit" {
	input.amount > input.limit
}

# Allowed answer ranges of the pre-game questionnaire.
answer_bounds = {
	"questionnaire": {
		"moneyRequest": [0, 20],
		"lottery1": [0, 2],
		"lottery2": [0, 2],
		"lottery3": [0, 2],
		"trust": [1, 5],
		"altruism": [1, 5]
	},
	"demographic": {
		"age": [0, 4],
		"gender": [0, 3],
		"education": [0, 4],
		"robot": [0, 4]
	}
}

registration_violations[msg] {
	some section, field
	answer_bounds[section][field]
	not has_answer(section, field)
	msg := sprintf("%s.%s must be given", [section, field])
}

registration_violations[msg] {
	some section, field
	bounds := answer_bounds[section][field]
	value := input[section][field]
	not valid_answer(value, bounds)
	msg := sprintf("%s.%s should be an integer in [%d,%d]; found: %v", [section, field, bounds[0], bounds[1], value])
}

has_answer(section, field) {
	_ = input[section][field]
}

valid_answer(value, bounds) {
	is_number(value)
	value == floor(value)
	value >= bounds[0]
	value <= bounds[1]
}
`
