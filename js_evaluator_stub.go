//go:build !js_eval

package reactive

// NewJSEvaluator returns nil: the goja engine is only compiled in with the
// js_eval build tag.
func NewJSEvaluator(...EngineOption) Evaluator {
	return nil
}
