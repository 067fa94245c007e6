package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Hierarchy mutation events
	EventTypeNodeCreate  EventType = "hierarchy.node_create"
	EventTypeNodeRename  EventType = "hierarchy.node_rename"
	EventTypeNodeMove    EventType = "hierarchy.node_move"
	EventTypeNodeCopy    EventType = "hierarchy.node_copy"
	EventTypeNodeDelete  EventType = "hierarchy.node_delete"
	EventTypeNodeRestore EventType = "hierarchy.node_restore"
	EventTypeNodePurge   EventType = "hierarchy.node_purge"
	EventTypeNodeStatus  EventType = "hierarchy.node_status"

	// Grant mutation events
	EventTypeGrantCreate EventType = "grant.create"
	EventTypeGrantUpdate EventType = "grant.update"
	EventTypeGrantDelete EventType = "grant.delete"
	EventTypeGrantPurge  EventType = "grant.purge"

	// Authorization events
	EventTypeDecision EventType = "authz.decision"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusGranted EventStatus = "granted"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit log entry
type Event struct {
	// Core fields
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	SubjectID   *int64 `json:"subject_id,omitempty"`
	SubjectType string `json:"subject_type,omitempty"`

	// Resource information
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   *int64 `json:"resource_id,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`

	// Authorization context
	Action  string `json:"action,omitempty"`
	GrantID *int64 `json:"grant_id,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	// Additional details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Actor filters
	SubjectID *int64

	// Event filters
	EventTypes []EventType
	Status     *EventStatus

	// Resource filters
	ResourceType string
	ResourceID   *int64
	Action       string

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortOrder string // "asc" or "desc" by timestamp
}

// Stats represents statistics about audit logs
type Stats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	AccessDenials  int64                 `json:"access_denials"`
}

// RetentionPolicy defines how long audit logs should be kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep audit logs
	RetentionDays int

	// PurgeSchedule is a cron expression controlling when the purge runs
	PurgeSchedule string
}

// DefaultRetentionPolicy returns a default retention policy (90 days, nightly purge)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays: 90,
		PurgeSchedule: "0 3 * * *",
	}
}
