package domain

import "time"

type EventType string

const (
	EventCreate    EventType = "create"
	EventStart     EventType = "start"
	EventStartFail EventType = "start-fail"
	EventStop      EventType = "stop"
	EventExpire    EventType = "expire"
	EventRevert    EventType = "revert"
	EventExtend    EventType = "extend"
	EventError     EventType = "error"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventStart, EventStartFail, EventStop, EventExpire, EventRevert, EventExtend, EventError:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusPending EventStatus = "pending"
)

// Event is an append-only audit record of a lifecycle transition.
type Event struct {
	ID          int64       `json:"id"`
	InstanceID  string      `json:"instance_id,omitempty"`
	ChallengeID int64       `json:"challenge_id"`
	UserID      int64       `json:"user_id"`
	Type        EventType   `json:"event_type"`
	Status      EventStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	ContainerID string      `json:"container_id,omitempty"`
	IPAddress   string      `json:"ip_address,omitempty"`
	CreatedAt   time.Time   `json:"timestamp"`
}

// NewEvent snapshots the instance fields an event refers to.
func NewEvent(inst *Instance, typ EventType, status EventStatus, message string) Event {
	return Event{
		InstanceID:  inst.InstanceID,
		ChallengeID: inst.ChallengeID,
		UserID:      inst.UserID,
		Type:        typ,
		Status:      status,
		Message:     message,
		ContainerID: inst.ContainerID,
	}
}

type EventFilter struct {
	UserID      int64
	ChallengeID int64
	Type        EventType
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

const (
	DefaultEventPageSize = 50
	MaxEventPageSize     = 500
)

// Normalize clamps paging parameters into their accepted range.
func (f EventFilter) Normalize() EventFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultEventPageSize
	}
	if f.Limit > MaxEventPageSize {
		f.Limit = MaxEventPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Match reports whether e passes the filter's predicates. Paging is not applied.
func (f EventFilter) Match(e *Event) bool {
	if f.UserID != 0 && e.UserID != f.UserID {
		return false
	}
	if f.ChallengeID != 0 && e.ChallengeID != f.ChallengeID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

type EventPage struct {
	Events []*Event `json:"events"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}
