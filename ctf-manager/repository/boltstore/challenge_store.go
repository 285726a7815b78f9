package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type ChallengeStore struct {
	db *bolt.DB
}

func NewChallengeStore(d *DB) *ChallengeStore {
	return &ChallengeStore{db: d.db}
}

func (s *ChallengeStore) FindByID(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	var challenge domain.Challenge
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNameChallenge).Get(idKey(challengeID))
		if v == nil {
			return domain.ErrChallengeNotFound
		}
		return json.Unmarshal(v, &challenge)
	})
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (s *ChallengeStore) Upsert(ctx context.Context, challenge *domain.Challenge) error {
	challenge.UpdatedAt = time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNameChallenge), idKey(challenge.ChallengeID), challenge)
	})
	if err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}
	return nil
}
