package audit

import (
	"context"
	"time"
)

// Logger is the interface for audit sinks. Record must not be skipped for any
// mutation or evaluation; callers log failures but never propagate them to
// their own callers.
type Logger interface {
	// Record persists a single audit event
	Record(ctx context.Context, event *Event) error

	// Close closes the sink and flushes any buffered events
	Close() error
}

// NewMutationEvent builds an event describing a hierarchy or grant mutation
func NewMutationEvent(eventType EventType, resourceType string, resourceID int64, resourceName, message string) *Event {
	id := resourceID
	return &Event{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Status:       EventStatusSuccess,
		ResourceType: resourceType,
		ResourceID:   &id,
		ResourceName: resourceName,
		Message:      message,
	}
}

// NewDecisionEvent builds an event describing an access decision
func NewDecisionEvent(subjectID int64, resourceType string, resourceID int64, action string, granted bool, message string) *Event {
	status := EventStatusDenied
	if granted {
		status = EventStatusGranted
	}
	sid := subjectID
	rid := resourceID
	return &Event{
		Timestamp:    time.Now().UTC(),
		EventType:    EventTypeDecision,
		Status:       status,
		SubjectID:    &sid,
		SubjectType:  "user",
		ResourceType: resourceType,
		ResourceID:   &rid,
		Action:       action,
		Message:      message,
	}
}

// NoopLogger discards every event. Used when no audit sink is configured.
type NoopLogger struct{}

func (NoopLogger) Record(ctx context.Context, event *Event) error { return nil }

func (NoopLogger) Close() error { return nil }
