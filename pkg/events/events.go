// Package events defines event types and structures for flow tree change notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every flow tree event.
const Topic = "flowtree.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	FlowCreatedEvent    EventType = "flow.created"
	FlowUpdatedEvent    EventType = "flow.updated"
	FlowMovedEvent      EventType = "flow.moved"
	FlowDuplicatedEvent EventType = "flow.duplicated"
	FlowDeletedEvent    EventType = "flow.deleted"
	FlowsImportedEvent  EventType = "flows.imported"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id,omitempty"`
	UserID    string         `json:"user_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a fresh id and timestamp.
func NewBaseEvent(eventType EventType, flowID, userID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
		UserID:    userID,
	}
}

type FlowCreated struct {
	BaseEvent

	ParentFlowID *string `json:"parent_flow_id"`
	RootFlowID   string  `json:"root_flow_id"`
	TemplateID   *string `json:"template_id,omitempty"`
}

func (e FlowCreated) GetType() EventType {
	return FlowCreatedEvent
}

type FlowUpdated struct {
	BaseEvent

	Fields []string `json:"fields"`
}

func (e FlowUpdated) GetType() EventType {
	return FlowUpdatedEvent
}

type FlowMoved struct {
	BaseEvent

	OldParentFlowID *string `json:"old_parent_flow_id"`
	NewParentFlowID *string `json:"new_parent_flow_id"`
	OldRootFlowID   string  `json:"old_root_flow_id"`
	NewRootFlowID   string  `json:"new_root_flow_id"`
	RebasedCount    int     `json:"rebased_count"`
}

func (e FlowMoved) GetType() EventType {
	return FlowMovedEvent
}

type FlowDuplicated struct {
	BaseEvent

	SourceFlowID string   `json:"source_flow_id"`
	CreatedIDs   []string `json:"created_ids"`
}

func (e FlowDuplicated) GetType() EventType {
	return FlowDuplicatedEvent
}

type FlowDeleted struct {
	BaseEvent

	DeletedIDs []string `json:"deleted_ids"`
}

func (e FlowDeleted) GetType() EventType {
	return FlowDeletedEvent
}

type FlowsImported struct {
	BaseEvent

	FlowIDs     []string `json:"flow_ids"`
	TemplateIDs []string `json:"template_ids"`
}

func (e FlowsImported) GetType() EventType {
	return FlowsImportedEvent
}

// New returns an empty event value for the given type, ready to be decoded into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case FlowCreatedEvent:
		return &FlowCreated{}, true
	case FlowUpdatedEvent:
		return &FlowUpdated{}, true
	case FlowMovedEvent:
		return &FlowMoved{}, true
	case FlowDuplicatedEvent:
		return &FlowDuplicated{}, true
	case FlowDeletedEvent:
		return &FlowDeleted{}, true
	case FlowsImportedEvent:
		return &FlowsImported{}, true
	default:
		return nil, false
	}
}
