package activity

import (
	"context"
	"strings"
)

// DefaultChannel is applied to events emitted without a channel.
const DefaultChannel = "state"

// Config controls emission defaults.
type Config struct {
	Enabled bool
	Channel string
	// ActorID is stamped on events that do not name an actor, typically the
	// process id of the emitting process.
	ActorID string
}

// Emitter forwards events to hooks after applying defaults.
type Emitter struct {
	hooks   Hooks
	enabled bool
	channel string
	actor   string
}

// NewEmitter constructs an emitter. Nil hooks are discarded; an emitter with
// no hooks is disabled regardless of cfg.Enabled.
func NewEmitter(hooks Hooks, cfg Config) *Emitter {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	var kept Hooks
	for _, hook := range hooks {
		if hook != nil {
			kept = append(kept, hook)
		}
	}
	return &Emitter{
		hooks:   kept,
		enabled: cfg.Enabled && len(kept) > 0,
		channel: channel,
		actor:   strings.TrimSpace(cfg.ActorID),
	}
}

// Enabled reports whether Emit will deliver anything.
func (e *Emitter) Enabled() bool {
	return e != nil && e.enabled
}

// Emit delivers event to every hook.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if !e.Enabled() {
		return nil
	}
	if strings.TrimSpace(event.Channel) == "" {
		event.Channel = e.channel
	}
	if strings.TrimSpace(event.ActorID) == "" {
		event.ActorID = e.actor
	}
	return e.hooks.Notify(ctx, event)
}
