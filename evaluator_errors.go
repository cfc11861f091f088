package reactive

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyExpression indicates an expression with no source text.
	ErrEmptyExpression = errors.New("reactive: expression must not be empty")
	// ErrEvaluationTimeout indicates an evaluation interrupted by
	// EngineTimeout.
	ErrEvaluationTimeout = errors.New("reactive: evaluation timed out")
)

// EvaluationError ties an engine failure to the expression and computed key
// that produced it.
type EvaluationError struct {
	Engine string
	Expr   string
	Key    string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("reactive: %s evaluator", e.Engine)
	if e.Key != "" {
		msg += fmt.Sprintf(": computed %q", e.Key)
	}
	if e.Expr != "" {
		msg += fmt.Sprintf(": expr %q", e.Expr)
	}
	return msg + ": " + e.Err.Error()
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func emptyExpression(engine string) error {
	return &EvaluationError{Engine: engine, Err: ErrEmptyExpression}
}

// wrapEvaluatorError annotates an engine failure that is not tied to one
// expression. EvaluationErrors pass through untouched.
func wrapEvaluatorError(engine string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return err
	}
	return &EvaluationError{Engine: engine, Err: err}
}

// wrapEvaluationError attaches expression metadata, filling only the fields
// an existing EvaluationError left empty.
func wrapEvaluationError(engine, expr, key string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		return &EvaluationError{Engine: engine, Expr: expr, Key: key, Err: err}
	}
	if evalErr.Engine == "" {
		evalErr.Engine = engine
	}
	if evalErr.Expr == "" {
		evalErr.Expr = expr
	}
	if evalErr.Key == "" {
		evalErr.Key = key
	}
	return evalErr
}
