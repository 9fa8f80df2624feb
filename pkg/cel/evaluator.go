package cel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"river/internal/bulk"
)

// Evaluator compiles operation filter expressions. Expressions see the
// variables action, index, doc_type, id and doc (the parsed document body,
// empty for deletes). The mapping type is doc_type because type is a CEL
// builtin.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("index", cel.StringType),
		cel.Variable("doc_type", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return ast, nil
}

// Filter is a compiled expression. It holds no per-call state and may be
// shared between goroutines.
type Filter struct {
	expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expression: expression, program: program}, nil
}

func (f *Filter) String() string {
	return f.expression
}

// Match reports whether op should be applied.
func (f *Filter) Match(ctx context.Context, op bulk.Operation) (bool, error) {
	vars := map[string]interface{}{
		"action":   op.Action.String(),
		"index":    op.Index,
		"doc_type": op.Type,
		"id":       op.ID,
		"doc":      documentVars(op.Body),
	}

	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func documentVars(body json.RawMessage) map[string]interface{} {
	doc := make(map[string]interface{})
	if len(body) > 0 {
		_ = json.Unmarshal(body, &doc)
	}
	return doc
}
