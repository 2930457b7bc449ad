package bridge

import (
	"context"
	"time"
)

// EventType enumerates the bridge lifecycle events.
type EventType string

const (
	EventIdentityLinked         EventType = "bridge.identity.linked"
	EventIdentityUnlinked       EventType = "bridge.identity.unlinked"
	EventLocalUserCreated       EventType = "bridge.local_user.created"
	EventSessionCreated         EventType = "bridge.session.created"
	EventSessionRefreshed       EventType = "bridge.session.refreshed"
	EventSessionEnded           EventType = "bridge.session.ended"
	EventProfileSynced          EventType = "bridge.profile.synced"
	EventProfileSyncFailed      EventType = "bridge.profile.sync_failed"
	EventPolicyChanged          EventType = "bridge.policy.changed"
	EventRolesChanged           EventType = "bridge.user.roles_changed"
	EventWebhookSessionCreated  EventType = "bridge.webhook.session.created"
	EventWebhookSessionEnded    EventType = "bridge.webhook.session.ended"
	EventWebhookUserDeleted     EventType = "bridge.webhook.user.deleted"
	EventWebhookUserUpdated     EventType = "bridge.webhook.user.updated"
)

const eventWebhookPrefix = "bridge.webhook."

// Event describes something the bridge did to a user.
type Event struct {
	Type           EventType
	LocalUserID    string
	ProviderUserID string
	Source         SyncSource
	Metadata       map[string]any
	OccurredAt     time.Time
}

// EventSink consumes bridge events. Sinks run best effort, errors are
// logged and never fail the operation that emitted the event.
type EventSink interface {
	Record(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, event Event) error

// Record implements EventSink.
func (f EventSinkFunc) Record(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopEventSink struct{}

func (noopEventSink) Record(context.Context, Event) error {
	return nil
}

func normalizeEventSink(s EventSink) EventSink {
	if s == nil {
		return noopEventSink{}
	}
	return s
}

// emitter stamps and records events on behalf of a component.
type emitter struct {
	sink   EventSink
	clock  Clock
	logger Logger
}

func (e emitter) emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock().UTC()
	}
	if err := e.sink.Record(ctx, event); err != nil {
		e.logger.Warn("event sink failed", "event", string(event.Type), "error", err)
	}
}
