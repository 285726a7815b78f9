package domain

import (
	"context"
	"time"
)

type InstanceRepository interface {
	// CreateWithinQuota inserts instance only if its owner has fewer than
	// quota active instances and its host port is not held by another active
	// instance. It returns ErrQuotaExceeded or ErrPortInUse otherwise.
	CreateWithinQuota(ctx context.Context, instance *Instance, quota int) error
	FindByID(ctx context.Context, instanceID string) (*Instance, error)
	FindBySessionToken(ctx context.Context, token string) (*Instance, error)
	// Update writes instance if its stored status still equals expected.
	Update(ctx context.Context, instance *Instance, expected Status) error
	// ExtendExpiry stores instance.ExpiresAt if the row is starting or running
	// and its expires-at still equals previous. It returns ErrStaleInstance
	// otherwise.
	ExtendExpiry(ctx context.Context, instance *Instance, previous time.Time) error
	FindActiveByOwner(ctx context.Context, ownerKey string) ([]*Instance, error)
	FindActiveByOwnerAndChallenge(ctx context.Context, ownerKey string, challengeID int64) (*Instance, error)
	// FindByRequester lists instances the user started plus, when teamID is
	// set, the team-scoped instances of that team.
	FindByRequester(ctx context.Context, userID, teamID int64) ([]*Instance, error)
	FindExpired(ctx context.Context, now time.Time) ([]*Instance, error)
	FindByStatusCreatedBefore(ctx context.Context, status Status, before time.Time) ([]*Instance, error)
	ActivePorts(ctx context.Context) ([]int, error)
	Ping(ctx context.Context) error
}

type EventRepository interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, filter EventFilter) (*EventPage, error)
}

type ChallengeRepository interface {
	FindByID(ctx context.Context, challengeID int64) (*Challenge, error)
	Upsert(ctx context.Context, challenge *Challenge) error
}
