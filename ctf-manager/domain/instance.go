package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Instance struct {
	InstanceID   string
	ContainerID  string
	SessionToken string
	ChallengeID  int64
	UserID       int64
	TeamID       int64
	ImageRef     string
	InternalPort int
	HostPort     int
	HostAddress  string
	ContainerIP  string
	Metadata     json.RawMessage
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    time.Time
	ExpiresAt    time.Time
	LastRevertAt time.Time
	UpdatedAt    time.Time
}

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusExpired  Status = "expired"
)

// ActiveStatuses are the non-terminal statuses counted against quota and port usage.
var ActiveStatuses = []Status{StatusStarting, StatusRunning, StatusStopping}

var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusError, StatusStopping},
	StatusRunning:  {StatusStopping, StatusExpired, StatusStopped},
	StatusStopping: {StatusStopped},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusError, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusError, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether an instance may move from one status to another.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Requester identifies the caller of a lifecycle operation. TeamID is zero
// when the caller is not acting for a team. IP is only recorded in events.
type Requester struct {
	UserID int64
	TeamID int64
	IP     string
}

func (i *Instance) IsTerminal() bool {
	return i.Status.IsTerminal()
}

func (i *Instance) IsActive() bool {
	return !i.Status.IsTerminal()
}

// OwnerKey is the quota scope of the instance.
func (i *Instance) OwnerKey() string {
	return OwnerKey(i.UserID, i.TeamID)
}

func OwnerKey(userID, teamID int64) string {
	if teamID != 0 {
		return fmt.Sprintf("team:%d", teamID)
	}
	return fmt.Sprintf("user:%d", userID)
}

func (i *Instance) OwnedBy(r Requester) bool {
	if i.UserID == r.UserID {
		return true
	}
	return i.TeamID != 0 && i.TeamID == r.TeamID
}

func (i *Instance) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

func (i *Instance) Remaining(now time.Time) time.Duration {
	if d := i.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RevertBase is the point the revert cooldown is measured from.
func (i *Instance) RevertBase() time.Time {
	if !i.LastRevertAt.IsZero() {
		return i.LastRevertAt
	}
	return i.CreatedAt
}

// UpdateStatus moves the instance to next and stamps UpdatedAt.
func (i *Instance) UpdateStatus(next Status, now time.Time) error {
	if !CanTransition(i.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	return nil
}

// ConnectionInfo is what a player needs to reach an instance.
type ConnectionInfo struct {
	InstanceID   string    `json:"instance_id"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Endpoint     string    `json:"endpoint"`
}
