package activity

import (
	"strings"
	"time"
)

// Verbs emitted for state lifecycle events.
const (
	VerbStateChanged   = "state.changed"
	VerbStateRejected  = "state.rejected"
	VerbStatePersisted = "state.persisted"
	VerbStateRestored  = "state.restored"
)

// ObjectTypeState is the object type used for every state lifecycle event.
const ObjectTypeState = "state"

// StateEventInput describes the fields shared by state lifecycle events.
type StateEventInput struct {
	ActorID        string
	UserID         string
	TenantID       string
	ObjectID       string
	Channel        string
	DefinitionCode string
	Recipients     []string
	Metadata       map[string]any
	Path           string
	OldValue       any
	NewValue       any
	Source         string
	ProcessID      string
	SnapshotID     string
	Reason         string
	OccurredAt     time.Time
}

// BuildStateChangedEvent describes an applied write.
func BuildStateChangedEvent(input StateEventInput) Event {
	return buildStateEvent(VerbStateChanged, input)
}

// BuildStateRejectedEvent describes a write vetoed by middleware.
func BuildStateRejectedEvent(input StateEventInput) Event {
	return buildStateEvent(VerbStateRejected, input)
}

// BuildStatePersistedEvent describes a snapshot written to durable storage.
func BuildStatePersistedEvent(input StateEventInput) Event {
	return buildStateEvent(VerbStatePersisted, input)
}

// BuildStateRestoredEvent describes a snapshot loaded back into a store.
func BuildStateRestoredEvent(input StateEventInput) Event {
	return buildStateEvent(VerbStateRestored, input)
}

func buildStateEvent(verb string, input StateEventInput) Event {
	metadata := cloneMap(input.Metadata)
	set := func(key string, value any) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}
	if input.Path != "" {
		set("path", input.Path)
	}
	if source := strings.TrimSpace(input.Source); source != "" {
		set("source", source)
	}
	if process := strings.TrimSpace(input.ProcessID); process != "" {
		set("process_id", process)
	}
	if input.SnapshotID != "" {
		set("snapshot_id", input.SnapshotID)
	}
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		set("reason", reason)
	}
	if input.OldValue != nil {
		set("old_value", input.OldValue)
	}
	if input.NewValue != nil {
		set("new_value", input.NewValue)
	}

	recipients := input.Recipients
	if len(recipients) > 0 {
		recipients = append([]string{}, input.Recipients...)
	}

	objectID := strings.TrimSpace(input.ObjectID)
	if objectID == "" {
		objectID = strings.TrimSpace(input.Path)
	}
	if objectID == "" {
		objectID = strings.TrimSpace(input.SnapshotID)
	}
	if objectID == "" {
		objectID = ObjectTypeState
	}

	return Event{
		Verb:           verb,
		ActorID:        strings.TrimSpace(input.ActorID),
		UserID:         strings.TrimSpace(input.UserID),
		TenantID:       strings.TrimSpace(input.TenantID),
		ObjectType:     ObjectTypeState,
		ObjectID:       objectID,
		Channel:        strings.TrimSpace(input.Channel),
		DefinitionCode: strings.TrimSpace(input.DefinitionCode),
		Recipients:     recipients,
		Metadata:       metadata,
		OccurredAt:     input.OccurredAt,
	}
}
