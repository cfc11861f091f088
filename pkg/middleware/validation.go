package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/activity"
)

// ValidationName is the pipeline name of the validation middleware.
const ValidationName = "validation"

// Rule constrains the value written at Path. Tag is a go-playground/validator
// tag such as "oneof=light dark system"; Check is an arbitrary predicate.
// Either or both may be set.
type Rule struct {
	Path  string                `toml:"path"`
	Tag   string                `toml:"tag"`
	Check func(value any) error `toml:"-"`
}

// ValidationError reports a rejected value. It matches reactive.ErrHalt so
// the pipeline treats it as a veto.
type ValidationError struct {
	Path  string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{reactive.ErrHalt, e.Err}
}

// Validation vetoes writes whose value breaks a rule. A rule applies to a
// write at its own path and to writes of a mapping at any ancestor, in which
// case the nested value is checked when present.
type Validation struct {
	validate *validator.Validate
	logger   reactive.Logger
	emitter  *activity.Emitter

	mu    sync.RWMutex
	rules []Rule
}

// ValidationOption configures Validation.
type ValidationOption func(*Validation)

// WithValidationLogger sets the logger used for rejections.
func WithValidationLogger(logger reactive.Logger) ValidationOption {
	return func(v *Validation) {
		v.logger = logger
	}
}

// WithValidationEmitter emits a state.rejected activity event per veto.
func WithValidationEmitter(emitter *activity.Emitter) ValidationOption {
	return func(v *Validation) {
		v.emitter = emitter
	}
}

// WithValidator supplies a preconfigured validator instance.
func WithValidator(validate *validator.Validate) ValidationOption {
	return func(v *Validation) {
		if validate != nil {
			v.validate = validate
		}
	}
}

// NewValidation constructs the middleware.
func NewValidation(rules []Rule, opts ...ValidationOption) *Validation {
	v := &Validation{validate: validator.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	v.logger = loggerOr(v.logger)
	v.SetRules(rules)
	return v
}

func (v *Validation) Name() string { return ValidationName }

// SetRules replaces the rule set. Used on config reload.
func (v *Validation) SetRules(rules []Rule) {
	cleaned := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		rule.Path = strings.TrimSpace(rule.Path)
		rule.Tag = strings.TrimSpace(rule.Tag)
		if rule.Path == "" || (rule.Tag == "" && rule.Check == nil) {
			continue
		}
		cleaned = append(cleaned, rule)
	}
	v.mu.Lock()
	v.rules = cleaned
	v.mu.Unlock()
}

// Rules returns the active rules.
func (v *Validation) Rules() []Rule {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Rule(nil), v.rules...)
}

// RegisterValidation adds a custom validator tag.
func (v *Validation) RegisterValidation(tag string, fn validator.Func) error {
	return v.validate.RegisterValidation(tag, fn)
}

// BeforeSet checks every applicable rule and halts on the first violation.
func (v *Validation) BeforeSet(ctx context.Context, in reactive.Context) (reactive.Context, error) {
	for _, rule := range v.Rules() {
		value, ok := valueForRule(rule.Path, in.Path, in.Value)
		if !ok {
			continue
		}
		if err := v.check(rule, value); err != nil {
			verr := &ValidationError{Path: rule.Path, Value: value, Err: err}
			v.logger.Warn("state write rejected", "path", in.Path, "rule", rule.Path, "source", in.Source, "error", err)
			if v.emitter.Enabled() {
				_ = v.emitter.Emit(ctx, activity.BuildStateRejectedEvent(activity.StateEventInput{
					Path:     in.Path,
					NewValue: in.Value,
					OldValue: in.OldValue,
					Source:   in.Source,
					Reason:   verr.Error(),
				}))
			}
			return in, verr
		}
	}
	return in, nil
}

func (v *Validation) check(rule Rule, value any) error {
	if rule.Tag != "" {
		if err := v.validate.Var(value, rule.Tag); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
				return fmt.Errorf("value %v failed %q", value, fieldErrs[0].Tag())
			}
			return err
		}
	}
	if rule.Check != nil {
		return rule.Check(value)
	}
	return nil
}

// valueForRule picks the value a rule at rulePath should see for a write of
// value at writePath.
func valueForRule(rulePath, writePath string, value any) (any, bool) {
	if rulePath == writePath {
		return value, true
	}
	if !reactive.IsWithin(rulePath, writePath) {
		return nil, false
	}
	mapping, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	rel := strings.TrimPrefix(rulePath, writePath)
	rel = strings.TrimPrefix(rel, ".")
	return reactive.GetPath(mapping, rel)
}
