package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type EventStore struct {
	db *bolt.DB
}

func NewEventStore(d *DB) *EventStore {
	return &EventStore{db: d.db}
}

func (s *EventStore) Append(ctx context.Context, event *domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNameEvent)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.ID = int64(seq)
		return putJSON(b, itob(seq), event)
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List walks events newest first.
func (s *EventStore) List(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	filter = filter.Normalize()
	page := &domain.EventPage{
		Events: make([]*domain.Event, 0),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNameEvent).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var event domain.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if !filter.Match(&event) {
				continue
			}
			if page.Total >= filter.Offset && len(page.Events) < filter.Limit {
				page.Events = append(page.Events, &event)
			}
			page.Total++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}
