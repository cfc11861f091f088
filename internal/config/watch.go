package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/middleware"
)

// DefaultReloadDelay coalesces the bursts of events editors produce on save.
const DefaultReloadDelay = 100 * time.Millisecond

// Watch reloads path on every change until ctx is done, passing each parsed
// config to onChange. A file that fails to parse is logged and skipped, so
// the last good config stays in effect.
func Watch(ctx context.Context, path string, logger reactive.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = reactive.NopLogger()
	}
	target, err := resolvePath(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	debounce := middleware.NewDebouncer(DefaultReloadDelay)
	defer debounce.Cancel(target)
	reload := func() {
		cfg, err := Load(target)
		if err != nil {
			logger.Warn("config reload failed", "path", target, "error", err)
			return
		}
		logger.Info("config reloaded", "path", target)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Trigger(target, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// Reloadable groups the middleware whose settings follow the config file.
// Nil members are skipped.
type Reloadable struct {
	Validation   *middleware.Validation
	Timing       *middleware.Timing
	Notification *middleware.Notification
}

// Apply pushes the runtime-adjustable settings of cfg into the middleware.
func (r Reloadable) Apply(cfg Config) {
	if r.Validation != nil {
		r.Validation.SetRules(cfg.Validation)
	}
	if r.Timing != nil {
		r.Timing.SetThreshold(cfg.SlowThreshold)
	}
	if r.Notification != nil {
		r.Notification.SetRules(NotificationRules(cfg.Notifications))
	}
}

// NotificationRules converts configured notifications into middleware rules.
func NotificationRules(notifications []Notification) []middleware.NotificationRule {
	rules := make([]middleware.NotificationRule, 0, len(notifications))
	for _, n := range notifications {
		template := n.Message
		rule := middleware.NotificationRule{
			Path:  n.Path,
			Level: n.Level,
			Title: n.Title,
		}
		if template != "" {
			rule.Message = func(in reactive.Context) string {
				return strings.ReplaceAll(template, "{value}", fmt.Sprint(in.Value))
			}
		}
		rules = append(rules, rule)
	}
	return rules
}
