package boltstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newInstance(id string, userID int64, port int, created time.Time) *domain.Instance {
	return &domain.Instance{
		InstanceID:   id,
		SessionToken: "token-" + id,
		ChallengeID:  5,
		UserID:       userID,
		ImageRef:     "ctf-web-basic:v2",
		InternalPort: 80,
		HostPort:     port,
		HostAddress:  "localhost",
		Status:       domain.StatusStarting,
		CreatedAt:    created,
		ExpiresAt:    created.Add(time.Hour),
		UpdatedAt:    created,
	}
}

func TestInstanceStoreQuota(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.CreateWithinQuota(ctx, newInstance("a", 42, 30000, now), 1); err != nil {
		t.Fatalf("CreateWithinQuota() error = %v", err)
	}
	err := store.CreateWithinQuota(ctx, newInstance("b", 42, 30001, now), 1)
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("CreateWithinQuota() error = %v, want ErrQuotaExceeded", err)
	}

	// another user can still create
	if err := store.CreateWithinQuota(ctx, newInstance("c", 43, 30001, now), 1); err != nil {
		t.Fatalf("CreateWithinQuota() for other user error = %v", err)
	}
}

func TestInstanceStorePortInUse(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateWithinQuota(ctx, newInstance("a", 1, 30000, now), 1); err != nil {
		t.Fatalf("CreateWithinQuota() error = %v", err)
	}
	err := store.CreateWithinQuota(ctx, newInstance("b", 2, 30000, now), 1)
	if !errors.Is(err, domain.ErrPortInUse) {
		t.Fatalf("CreateWithinQuota() error = %v, want ErrPortInUse", err)
	}
}

func TestInstanceStoreConcurrentQuota(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now()

	const attempts = 10
	const quota = 2

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst := newInstance(fmt.Sprintf("i%d", i), 42, 30000+i, now)
			if err := store.CreateWithinQuota(ctx, inst, quota); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrQuotaExceeded) {
				t.Errorf("CreateWithinQuota() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if created != quota {
		t.Errorf("created %d instances, want %d", created, quota)
	}
	active, err := store.FindActiveByOwner(ctx, "user:42")
	if err != nil {
		t.Fatalf("FindActiveByOwner() error = %v", err)
	}
	if len(active) != quota {
		t.Errorf("active instances = %d, want %d", len(active), quota)
	}
}

func TestInstanceStoreUpdate(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	inst := newInstance("a", 42, 30000, now)
	if err := store.CreateWithinQuota(ctx, inst, 1); err != nil {
		t.Fatalf("CreateWithinQuota() error = %v", err)
	}

	inst.ContainerID = "c-1"
	if err := inst.UpdateStatus(domain.StatusRunning, now); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, inst, domain.StatusStarting); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// a second writer that still believes the row is starting loses
	stale := *inst
	stale.Status = domain.StatusError
	if err := store.Update(ctx, &stale, domain.StatusStarting); !errors.Is(err, domain.ErrStaleInstance) {
		t.Fatalf("Update() error = %v, want ErrStaleInstance", err)
	}

	got, err := store.FindBySessionToken(ctx, "token-a")
	if err != nil {
		t.Fatalf("FindBySessionToken() error = %v", err)
	}
	if got.Status != domain.StatusRunning || got.ContainerID != "c-1" {
		t.Errorf("instance = %+v, want running with container c-1", got)
	}

	ports, err := store.ActivePorts(ctx)
	if err != nil || len(ports) != 1 || ports[0] != 30000 {
		t.Fatalf("ActivePorts() = %v, %v", ports, err)
	}

	if err := inst.UpdateStatus(domain.StatusExpired, now); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, inst, domain.StatusRunning); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	ports, _ = store.ActivePorts(ctx)
	if len(ports) != 0 {
		t.Errorf("ActivePorts() after expiry = %v, want none", ports)
	}

	missing := newInstance("missing", 1, 1, now)
	if err := store.Update(ctx, missing, domain.StatusStarting); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("Update() on missing instance error = %v", err)
	}
}

func TestInstanceStoreQueries(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	old := newInstance("old", 1, 30000, base.Add(-3*time.Hour))
	fresh := newInstance("fresh", 2, 30001, base)
	for _, inst := range []*domain.Instance{old, fresh} {
		if err := store.CreateWithinQuota(ctx, inst, 1); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := store.FindByStatusCreatedBefore(ctx, domain.StatusStarting, base.Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].InstanceID != "old" {
		t.Errorf("FindByStatusCreatedBefore() = %v", stale)
	}

	old.Status = domain.StatusRunning
	if err := store.Update(ctx, old, domain.StatusStarting); err != nil {
		t.Fatal(err)
	}
	expired, err := store.FindExpired(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].InstanceID != "old" {
		t.Errorf("FindExpired() = %v", expired)
	}

	got, err := store.FindActiveByOwnerAndChallenge(ctx, "user:2", 5)
	if err != nil || got.InstanceID != "fresh" {
		t.Errorf("FindActiveByOwnerAndChallenge() = %v, %v", got, err)
	}
	if _, err := store.FindActiveByOwnerAndChallenge(ctx, "user:2", 6); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("FindActiveByOwnerAndChallenge() other challenge error = %v", err)
	}
}

func TestInstanceStoreExtendExpiry(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	inst := newInstance("ext", 1, 30000, base)
	if err := store.CreateWithinQuota(ctx, inst, 1); err != nil {
		t.Fatal(err)
	}
	previous := inst.ExpiresAt

	first := *inst
	first.ExpiresAt = previous.Add(30 * time.Minute)
	if err := store.ExtendExpiry(ctx, &first, previous); err != nil {
		t.Fatalf("ExtendExpiry() error = %v", err)
	}

	// a second writer that read the same expiry must not overwrite the first
	second := *inst
	second.ExpiresAt = previous.Add(15 * time.Minute)
	if err := store.ExtendExpiry(ctx, &second, previous); !errors.Is(err, domain.ErrStaleInstance) {
		t.Fatalf("ExtendExpiry() with stale expiry error = %v, want ErrStaleInstance", err)
	}

	got, err := store.FindByID(ctx, "ext")
	if err != nil {
		t.Fatal(err)
	}
	if !got.ExpiresAt.Equal(previous.Add(30 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want first extension kept", got.ExpiresAt)
	}

	got.Status = domain.StatusStopped
	if err := store.Update(ctx, got, domain.StatusStarting); err != nil {
		t.Fatal(err)
	}
	stopped := *got
	stopped.ExpiresAt = got.ExpiresAt.Add(time.Minute)
	if err := store.ExtendExpiry(ctx, &stopped, got.ExpiresAt); !errors.Is(err, domain.ErrStaleInstance) {
		t.Errorf("ExtendExpiry() on stopped row error = %v, want ErrStaleInstance", err)
	}
	if err := store.ExtendExpiry(ctx, &domain.Instance{InstanceID: "missing"}, base); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("ExtendExpiry() missing row error = %v, want ErrInstanceNotFound", err)
	}
}

func TestInstanceStoreFindByRequester(t *testing.T) {
	store := NewInstanceStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mine := newInstance("mine", 1, 30000, base)
	teammate := newInstance("teammate", 2, 30001, base.Add(time.Minute))
	teammate.TeamID = 7
	solo := newInstance("solo", 2, 30002, base.Add(2*time.Minute))
	other := newInstance("other-team", 3, 30003, base.Add(3*time.Minute))
	other.TeamID = 8
	for _, inst := range []*domain.Instance{mine, teammate, solo, other} {
		if err := store.CreateWithinQuota(ctx, inst, 1); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.FindByRequester(ctx, 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, i := range got {
		ids = append(ids, i.InstanceID)
	}
	if len(ids) != 2 || ids[0] != "teammate" || ids[1] != "mine" {
		t.Errorf("FindByRequester(1, 7) = %v, want [teammate mine]", ids)
	}

	got, err = store.FindByRequester(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].InstanceID != "mine" {
		t.Errorf("FindByRequester(1, 0) returned %d rows, want only mine", len(got))
	}
}

func TestEventStoreList(t *testing.T) {
	store := NewEventStore(openTestDB(t))
	ctx := context.Background()

	for i := range 5 {
		typ := domain.EventStart
		if i%2 == 0 {
			typ = domain.EventStop
		}
		e := &domain.Event{UserID: 42, ChallengeID: int64(i), Type: typ, Status: domain.EventStatusSuccess}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if e.ID != int64(i+1) {
			t.Errorf("event id = %d, want %d", e.ID, i+1)
		}
	}

	page, err := store.List(ctx, domain.EventFilter{Type: domain.EventStop, Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 3 {
		t.Errorf("Total = %d, want 3", page.Total)
	}
	if len(page.Events) != 2 || page.Events[0].ChallengeID != 4 || page.Events[1].ChallengeID != 2 {
		t.Errorf("first page = %+v", page.Events)
	}

	page, err = store.List(ctx, domain.EventFilter{Type: domain.EventStop, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) != 1 || page.Events[0].ChallengeID != 0 {
		t.Errorf("second page = %+v", page.Events)
	}
}

func TestChallengeStore(t *testing.T) {
	store := NewChallengeStore(openTestDB(t))
	ctx := context.Background()

	if _, err := store.FindByID(ctx, 5); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("FindByID() error = %v, want ErrChallengeNotFound", err)
	}

	c := &domain.Challenge{ChallengeID: 5, ImageRef: "ctf-web-basic:v2", DockerEnabled: true, InternalPort: 8080}
	if err := store.Upsert(ctx, c); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := store.FindByID(ctx, 5)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.ImageRef != c.ImageRef || got.Port() != 8080 || !got.ContainerEnabled() {
		t.Errorf("FindByID() = %+v", got)
	}
}
