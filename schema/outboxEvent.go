package schema

import (
	"fmt"
	"time"
)

// Status represents the publication state of an outbox event.
type Status string

const (
	StatusNotPublished Status = "not_published"
	StatusInProgress   Status = "in_progress"
	StatusPublished    Status = "published"
	StatusFailed       Status = "failed"
)

// IsValid reports whether the status is part of the outbox lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotPublished, StatusInProgress, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the outbox lifecycle allows moving from s to next.
// Failed rows only go back to not_published through an operator requeue.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNotPublished:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusPublished || next == StatusNotPublished || next == StatusFailed
	case StatusFailed:
		return next == StatusNotPublished
	default:
		return false
	}
}

// OutboxEvent represents an event stored in the outbox table.
type OutboxEvent struct {
	ID            string            `json:"id" bson:"id"`
	AggregateID   string            `json:"aggregate_id" bson:"aggregate_id"`
	EventType     string            `json:"event_type" bson:"event_type"`
	Payload       []byte            `json:"payload" bson:"payload"`
	Headers       map[string]string `json:"headers" bson:"headers"`
	Status        Status            `json:"status" bson:"status"`
	RetryCount    int               `json:"retry_count" bson:"retry_count"`
	LastError     string            `json:"last_error,omitempty" bson:"last_error"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" bson:"updated_at"`
	NextAttemptAt time.Time         `json:"next_attempt_at" bson:"next_attempt_at"`
	PublishedAt   *time.Time        `json:"published_at,omitempty" bson:"published_at,omitempty"`
}

// NewEvent creates a new OutboxEvent with required fields and sensible defaults.
func NewEvent(id, aggregateID, eventType string, payload []byte, headers map[string]string) *OutboxEvent {
	now := time.Now().UTC()
	if headers == nil {
		headers = make(map[string]string)
	}
	return &OutboxEvent{
		ID:            id,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Headers:       headers,
		Status:        StatusNotPublished,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: now,
	}
}

// Validate checks the fields every backend relies on.
func (e *OutboxEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("outbox event is required")
	case e.ID == "":
		return fmt.Errorf("outbox event id is required")
	case e.AggregateID == "":
		return fmt.Errorf("outbox event %s: aggregate id is required", e.ID)
	case e.EventType == "":
		return fmt.Errorf("outbox event %s: event type is required", e.ID)
	case len(e.Payload) == 0:
		return fmt.Errorf("outbox event %s: payload is required", e.ID)
	}
	return nil
}

// Message returns the bus envelope for the event.
func (e *OutboxEvent) Message() Message {
	return Message{
		EventID:    e.ID,
		EventType:  e.EventType,
		OccurredAt: e.CreatedAt,
		Payload:    e.Payload,
	}
}
