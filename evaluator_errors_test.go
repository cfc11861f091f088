package reactive

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapEvaluationErrorCreatesMetadata(t *testing.T) {
	base := errors.New("boom")
	err := wrapEvaluationError("expr", "ui.theme == missing", "isDark", base)

	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %T", err)
	}
	if evalErr.Engine != "expr" {
		t.Fatalf("expected engine expr, got %q", evalErr.Engine)
	}
	if evalErr.Expr != "ui.theme == missing" {
		t.Fatalf("expected expression metadata, got %q", evalErr.Expr)
	}
	if evalErr.Key != "isDark" {
		t.Fatalf("expected key metadata, got %q", evalErr.Key)
	}
	if !errors.Is(evalErr.Err, base) {
		t.Fatalf("wrapped error should unwrap to base error")
	}
	if !strings.HasPrefix(err.Error(), "reactive: expr evaluator") {
		t.Fatalf("expected package prefix, got %q", err.Error())
	}
}

func TestWrapEvaluationErrorAugmentsExisting(t *testing.T) {
	base := errors.New("compile failure")
	existing := &EvaluationError{
		Engine: "expr",
		Err:    base,
	}

	err := wrapEvaluationError("cel", "rule", "summary", existing)
	if !errors.Is(err, base) {
		t.Fatalf("expected base error to unwrap")
	}
	if existing.Engine != "expr" {
		t.Fatalf("existing engine should not be overwritten, got %q", existing.Engine)
	}
	if existing.Expr != "rule" {
		t.Fatalf("expression should be filled, got %q", existing.Expr)
	}
	if existing.Key != "summary" {
		t.Fatalf("key should be filled, got %q", existing.Key)
	}
}

func TestWrapEvaluatorErrorKeepsEvaluationErrors(t *testing.T) {
	existing := &EvaluationError{Engine: "expr", Err: errors.New("bad")}
	if got := wrapEvaluatorError("cel", existing); got != error(existing) {
		t.Fatalf("expected EvaluationError returned as-is, got %v", got)
	}
	wrapped := wrapEvaluatorError("cel", errors.New("bad"))
	if wrapped.Error() != "reactive: cel evaluator: bad" {
		t.Fatalf("unexpected wrap %q", wrapped.Error())
	}
	if wrapEvaluatorError("cel", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestEvaluationErrorMessage(t *testing.T) {
	err := &EvaluationError{Engine: "cel", Expr: "ui.theme ==", Key: "isDark", Err: errors.New("syntax")}
	want := `reactive: cel evaluator: computed "isDark": expr "ui.theme ==": syntax`
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(emptyExpression("js"), ErrEmptyExpression) {
		t.Fatalf("expected empty expression sentinel")
	}
}
