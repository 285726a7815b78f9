package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type InstanceStore struct {
	db *bolt.DB
}

func NewInstanceStore(d *DB) *InstanceStore {
	return &InstanceStore{db: d.db}
}

func (s *InstanceStore) CreateWithinQuota(ctx context.Context, instance *domain.Instance, quota int) error {
	ownerKey := instance.OwnerKey()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNameInstance)
		if b.Get([]byte(instance.InstanceID)) != nil {
			return domain.ErrInstanceAlreadyExists
		}
		if tx.Bucket(bucketNameSession).Get([]byte(instance.SessionToken)) != nil {
			return domain.ErrInstanceAlreadyExists
		}

		count := 0
		portTaken := false
		err := forEachInstance(b, func(existing *domain.Instance) error {
			if existing.IsTerminal() {
				return nil
			}
			if existing.OwnerKey() == ownerKey {
				count++
			}
			if existing.HostPort == instance.HostPort {
				portTaken = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		if count >= quota {
			return domain.ErrQuotaExceeded
		}
		if portTaken && instance.HostPort != 0 {
			return domain.ErrPortInUse
		}

		if err := putJSON(b, []byte(instance.InstanceID), instance); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		if err := tx.Bucket(bucketNameSession).Put([]byte(instance.SessionToken), []byte(instance.InstanceID)); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

func (s *InstanceStore) FindByID(ctx context.Context, instanceID string) (*domain.Instance, error) {
	var instance *domain.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		instance, err = getInstance(tx, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *InstanceStore) FindBySessionToken(ctx context.Context, token string) (*domain.Instance, error) {
	var instance *domain.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketNameSession).Get([]byte(token))
		if id == nil {
			return domain.ErrInstanceNotFound
		}
		var err error
		instance, err = getInstance(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *InstanceStore) Update(ctx context.Context, instance *domain.Instance, expected domain.Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, err := getInstance(tx, instance.InstanceID)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return domain.ErrStaleInstance
		}

		if instance.ContainerID != "" && instance.ContainerID != current.ContainerID {
			cb := tx.Bucket(bucketNameContainer)
			if owner := cb.Get([]byte(instance.ContainerID)); owner != nil && string(owner) != instance.InstanceID {
				return domain.ErrInstanceAlreadyExists
			}
			if err := cb.Put([]byte(instance.ContainerID), []byte(instance.InstanceID)); err != nil {
				return fmt.Errorf("failed to save container: %w", err)
			}
		}

		if err := putJSON(tx.Bucket(bucketNameInstance), []byte(instance.InstanceID), instance); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		return nil
	})
}

func (s *InstanceStore) ExtendExpiry(ctx context.Context, instance *domain.Instance, previous time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, err := getInstance(tx, instance.InstanceID)
		if err != nil {
			return err
		}
		switch current.Status {
		case domain.StatusStarting, domain.StatusRunning:
		default:
			return domain.ErrStaleInstance
		}
		if !current.ExpiresAt.Equal(previous) {
			return domain.ErrStaleInstance
		}

		current.ExpiresAt = instance.ExpiresAt
		current.UpdatedAt = instance.UpdatedAt
		if err := putJSON(tx.Bucket(bucketNameInstance), []byte(current.InstanceID), current); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		return nil
	})
}

func (s *InstanceStore) FindActiveByOwner(ctx context.Context, ownerKey string) ([]*domain.Instance, error) {
	instances, err := s.filter(func(i *domain.Instance) bool {
		return i.IsActive() && i.OwnerKey() == ownerKey
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(instances)
	return instances, nil
}

func (s *InstanceStore) FindActiveByOwnerAndChallenge(ctx context.Context, ownerKey string, challengeID int64) (*domain.Instance, error) {
	instances, err := s.FindActiveByOwner(ctx, ownerKey)
	if err != nil {
		return nil, err
	}
	for _, i := range instances {
		if i.ChallengeID == challengeID {
			return i, nil
		}
	}
	return nil, domain.ErrInstanceNotFound
}

func (s *InstanceStore) FindByRequester(ctx context.Context, userID, teamID int64) ([]*domain.Instance, error) {
	instances, err := s.filter(func(i *domain.Instance) bool {
		return i.UserID == userID || (teamID != 0 && i.TeamID == teamID)
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(instances)
	if len(instances) > 100 {
		instances = instances[:100]
	}
	return instances, nil
}

func (s *InstanceStore) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	return s.filter(func(i *domain.Instance) bool {
		return i.Status == domain.StatusRunning && i.IsExpired(now)
	})
}

func (s *InstanceStore) FindByStatusCreatedBefore(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Instance, error) {
	return s.filter(func(i *domain.Instance) bool {
		return i.Status == status && i.CreatedAt.Before(before)
	})
}

func (s *InstanceStore) ActivePorts(ctx context.Context) ([]int, error) {
	instances, err := s.filter(func(i *domain.Instance) bool {
		return i.IsActive() && i.HostPort != 0
	})
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(instances))
	for _, i := range instances {
		ports = append(ports, i.HostPort)
	}
	return ports, nil
}

func (s *InstanceStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNameInstance) == nil {
			return errors.New("instance bucket missing")
		}
		return nil
	})
}

func (s *InstanceStore) filter(keep func(*domain.Instance) bool) ([]*domain.Instance, error) {
	var instances []*domain.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachInstance(tx.Bucket(bucketNameInstance), func(i *domain.Instance) error {
			if keep(i) {
				instances = append(instances, i)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func getInstance(tx *bolt.Tx, instanceID string) (*domain.Instance, error) {
	v := tx.Bucket(bucketNameInstance).Get([]byte(instanceID))
	if v == nil {
		return nil, domain.ErrInstanceNotFound
	}
	var instance domain.Instance
	if err := json.Unmarshal(v, &instance); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s: %w", instanceID, err)
	}
	return &instance, nil
}

func forEachInstance(b *bolt.Bucket, fn func(*domain.Instance) error) error {
	return b.ForEach(func(k, v []byte) error {
		var instance domain.Instance
		if err := json.Unmarshal(v, &instance); err != nil {
			return fmt.Errorf("failed to decode instance %s: %w", k, err)
		}
		return fn(&instance)
	})
}

func sortNewestFirst(instances []*domain.Instance) {
	slices.SortFunc(instances, func(a, b *domain.Instance) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
