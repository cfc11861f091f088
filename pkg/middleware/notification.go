package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/activity"
)

// NotificationName is the pipeline name of the notification middleware.
const NotificationName = "notification"

// Toast levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Toast is a user-facing message raised by a state change.
type Toast struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Path    string `json:"path"`
	Source  string `json:"source,omitempty"`
}

// Notifier displays toasts.
type Notifier interface {
	Notify(ctx context.Context, toast Toast) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, toast Toast) error

func (fn NotifierFunc) Notify(ctx context.Context, toast Toast) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, toast)
}

// NotificationRule raises a toast for changes at or below Path. When filters
// changes; Message renders the body and defaults to "<path> updated".
type NotificationRule struct {
	Path    string
	Level   string
	Title   string
	When    func(in reactive.Context) bool
	Message func(in reactive.Context) string
}

// Notification turns matching changes into toasts. Silent and unchanged
// writes never notify.
type Notification struct {
	notifier Notifier
	logger   reactive.Logger

	mu    sync.RWMutex
	rules []NotificationRule
}

// NewNotification constructs the middleware.
func NewNotification(notifier Notifier, rules []NotificationRule, logger reactive.Logger) *Notification {
	n := &Notification{notifier: notifier, logger: loggerOr(logger)}
	n.SetRules(rules)
	return n
}

func (n *Notification) Name() string { return NotificationName }

// SetRules replaces the rule set.
func (n *Notification) SetRules(rules []NotificationRule) {
	n.mu.Lock()
	n.rules = append([]NotificationRule(nil), rules...)
	n.mu.Unlock()
}

func (n *Notification) AfterSet(ctx context.Context, in reactive.Context) (reactive.Context, error) {
	if n.notifier == nil || !in.Changed || in.Silent {
		return in, nil
	}
	n.mu.RLock()
	rules := append([]NotificationRule(nil), n.rules...)
	n.mu.RUnlock()

	var errs []error
	for _, rule := range rules {
		if !reactive.IsWithin(in.Path, rule.Path) {
			continue
		}
		if rule.When != nil && !rule.When(in) {
			continue
		}
		toast := renderToast(rule, in)
		if err := n.notifier.Notify(ctx, toast); err != nil {
			errs = append(errs, fmt.Errorf("notification: %s: %w", rule.Path, err))
		}
	}
	if len(errs) > 0 {
		return in, errors.Join(errs...)
	}
	return in, nil
}

func renderToast(rule NotificationRule, in reactive.Context) Toast {
	level := strings.TrimSpace(rule.Level)
	if level == "" {
		level = LevelInfo
	}
	title := rule.Title
	if title == "" {
		title = "Settings"
	}
	message := in.Path + " updated"
	if rule.Message != nil {
		message = rule.Message(in)
	}
	return Toast{Level: level, Title: title, Message: message, Path: in.Path, Source: in.Source}
}

// ActivityNotifier forwards toasts to an activity emitter as state.changed
// events, which lets toasts reach audit sinks such as go-users.
type ActivityNotifier struct {
	Emitter *activity.Emitter
}

func (a ActivityNotifier) Notify(ctx context.Context, toast Toast) error {
	if !a.Emitter.Enabled() {
		return nil
	}
	return a.Emitter.Emit(ctx, activity.BuildStateChangedEvent(activity.StateEventInput{
		Path:   toast.Path,
		Source: toast.Source,
		Metadata: map[string]any{
			"toast_level":   toast.Level,
			"toast_title":   toast.Title,
			"toast_message": toast.Message,
		},
	}))
}

// ActivityName is the pipeline name of the activity middleware.
const ActivityName = "activity"

// Activity emits a state.changed event for every applied change under the
// configured roots. No roots means every path.
type Activity struct {
	emitter *activity.Emitter
	roots   []string
}

// NewActivity constructs the middleware.
func NewActivity(emitter *activity.Emitter, roots ...string) *Activity {
	return &Activity{emitter: emitter, roots: append([]string(nil), roots...)}
}

func (a *Activity) Name() string { return ActivityName }

func (a *Activity) AfterSet(ctx context.Context, in reactive.Context) (reactive.Context, error) {
	if !in.Changed || !a.emitter.Enabled() || !a.covers(in.Path) {
		return in, nil
	}
	err := a.emitter.Emit(ctx, activity.BuildStateChangedEvent(activity.StateEventInput{
		Path:     in.Path,
		OldValue: in.OldValue,
		NewValue: in.Value,
		Source:   in.Source,
	}))
	return in, err
}

func (a *Activity) covers(path string) bool {
	if len(a.roots) == 0 {
		return true
	}
	for _, root := range a.roots {
		if reactive.IsWithin(path, root) {
			return true
		}
	}
	return false
}
