package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

func testSweepSettings() SweepSettings {
	return SweepSettings{
		Interval:         time.Minute,
		ReconcileOrphans: true,
		ReapUntracked:    true,
		StaleThreshold:   2 * time.Hour,
		StartingGrace:    2 * time.Minute,
	}
}

func TestSweeper_ExpiresInstances(t *testing.T) {
	settings := testSettings()
	settings.Lifetime = time.Minute
	env := newTestEnv(t, settings)
	sweeper := NewSweeper(env.manager, testSweepSettings())
	ctx := context.Background()
	req := domain.Requester{UserID: 42}

	info, err := env.manager.StartInstance(ctx, 5, req)
	if err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}

	env.clock.Advance(30 * time.Second)
	if report := sweeper.RunOnce(ctx); report.Expired != 0 {
		t.Fatalf("Expired = %d before the lifetime ended", report.Expired)
	}

	env.clock.Advance(31 * time.Second)
	report := sweeper.RunOnce(ctx)
	if report.Expired != 1 || report.Failures != 0 {
		t.Fatalf("report = %+v, want one expired", report)
	}

	inst := env.instances.get(info.InstanceID)
	if inst.Status != domain.StatusExpired {
		t.Errorf("Status = %s, want expired", inst.Status)
	}
	if env.runtime.count() != 0 {
		t.Errorf("containers = %d, want 0", env.runtime.count())
	}
	if _, ok := env.sessions.sessions[info.SessionToken]; ok {
		t.Error("session still cached after expiry")
	}
	types := env.events.types(info.InstanceID)
	if types[len(types)-1] != domain.EventExpire {
		t.Errorf("events = %v, want trailing expire", types)
	}

	next, err := env.manager.StartInstance(ctx, 5, domain.Requester{UserID: 43})
	if err != nil {
		t.Fatalf("StartInstance() after expiry error = %v", err)
	}
	if next.Port != info.Port {
		t.Errorf("port = %d, want reclaimed %d", next.Port, info.Port)
	}
	if _, err := env.manager.StartInstance(ctx, 5, req); err != nil {
		t.Errorf("StartInstance() for the expired owner error = %v", err)
	}
}

func TestSweeper_SkipsExpiredWhenRuntimeFails(t *testing.T) {
	settings := testSettings()
	settings.Lifetime = time.Minute
	env := newTestEnv(t, settings)
	sweeper := NewSweeper(env.manager, testSweepSettings())
	ctx := context.Background()

	var ids []string
	for uid := int64(1); uid <= 2; uid++ {
		info, err := env.manager.StartInstance(ctx, 5, domain.Requester{UserID: uid})
		if err != nil {
			t.Fatalf("StartInstance() error = %v", err)
		}
		ids = append(ids, info.InstanceID)
	}

	broken := env.instances.get(ids[0])
	env.runtime.failOn[broken.ContainerID] = fmt.Errorf("%w: daemon down", domain.ErrRuntimeUnavailable)

	env.clock.Advance(2 * time.Minute)
	report := sweeper.RunOnce(ctx)
	if report.Expired != 1 || report.Failures != 1 {
		t.Fatalf("report = %+v, want 1 expired and 1 failure", report)
	}
	if got := env.instances.get(ids[0]).Status; got != domain.StatusRunning {
		t.Errorf("failed instance status = %s, want running until next cycle", got)
	}
	if got := env.instances.get(ids[1]).Status; got != domain.StatusExpired {
		t.Errorf("healthy instance status = %s, want expired", got)
	}

	delete(env.runtime.failOn, broken.ContainerID)
	if report := sweeper.RunOnce(ctx); report.Expired != 1 {
		t.Errorf("retry report = %+v, want 1 expired", report)
	}
}

// scannedExpiredRepository answers FindExpired with rows captured earlier.
type scannedExpiredRepository struct {
	*mockInstanceRepository
	expired []*domain.Instance
}

func (r scannedExpiredRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	return r.expired, nil
}

func TestSweeper_SkipsInstancesExtendedSinceScan(t *testing.T) {
	settings := testSettings()
	settings.Lifetime = time.Minute
	env := newTestEnv(t, settings)
	ctx := context.Background()
	req := domain.Requester{UserID: 42}

	info, err := env.manager.StartInstance(ctx, 5, req)
	if err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}
	env.clock.Advance(2 * time.Minute)

	scanned, err := env.instances.FindExpired(ctx, env.clock.Now())
	if err != nil || len(scanned) != 1 {
		t.Fatalf("FindExpired() = %d rows, %v", len(scanned), err)
	}
	if _, err := env.manager.ExtendInstance(ctx, info.InstanceID, req, 30*time.Minute); err != nil {
		t.Fatalf("ExtendInstance() error = %v", err)
	}

	env.withInstances(scannedExpiredRepository{mockInstanceRepository: env.instances, expired: scanned})
	report := NewSweeper(env.manager, testSweepSettings()).RunOnce(ctx)
	if report.Expired != 0 || report.Failures != 0 {
		t.Fatalf("report = %+v, want nothing expired", report)
	}
	inst := env.instances.get(info.InstanceID)
	if inst.Status != domain.StatusRunning {
		t.Errorf("Status = %s, want running", inst.Status)
	}
	if !env.runtime.has(inst.ContainerID) {
		t.Error("extended instance's container was removed")
	}
}

func TestSweeper_StaleRows(t *testing.T) {
	env := newTestEnv(t, testSettings())
	sweeper := NewSweeper(env.manager, testSweepSettings())
	ctx := context.Background()
	now := env.clock.Now()

	env.runtime.addContainer("c-stale", map[string]string{
		domain.LabelManaged:    "true",
		domain.LabelInstanceID: "stale-starting",
	})
	env.instances.put(&domain.Instance{
		InstanceID:  "stale-starting",
		ContainerID: "c-stale",
		ChallengeID: 5,
		UserID:      1,
		HostPort:    30000,
		Status:      domain.StatusStarting,
		CreatedAt:   now.Add(-5 * time.Minute),
		ExpiresAt:   now.Add(55 * time.Minute),
		UpdatedAt:   now.Add(-5 * time.Minute),
	})
	env.instances.put(&domain.Instance{
		InstanceID:  "crashed-starting",
		ContainerID: "c-never-created",
		ChallengeID: 5,
		UserID:      4,
		HostPort:    30003,
		Status:      domain.StatusStarting,
		CreatedAt:   now.Add(-3 * time.Minute),
		ExpiresAt:   now.Add(57 * time.Minute),
		UpdatedAt:   now.Add(-3 * time.Minute),
	})
	env.instances.put(&domain.Instance{
		InstanceID: "fresh-starting",
		UserID:     2,
		HostPort:   30001,
		Status:     domain.StatusStarting,
		CreatedAt:  now.Add(-30 * time.Second),
		ExpiresAt:  now.Add(time.Hour),
		UpdatedAt:  now.Add(-30 * time.Second),
	})
	env.instances.put(&domain.Instance{
		InstanceID: "stuck-stopping",
		UserID:     3,
		HostPort:   30002,
		Status:     domain.StatusStopping,
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
		UpdatedAt:  now.Add(-10 * time.Minute),
	})

	report := sweeper.RunOnce(ctx)
	if report.StaleStarting != 3 || report.Failures != 0 {
		t.Fatalf("report = %+v, want 3 stale rows settled", report)
	}
	if got := env.instances.get("crashed-starting").Status; got != domain.StatusError {
		t.Errorf("crashed starting = %s, want error", got)
	}

	stale := env.instances.get("stale-starting")
	if stale.Status != domain.StatusError || stale.ErrorMessage == "" {
		t.Errorf("stale starting = %s %q, want error", stale.Status, stale.ErrorMessage)
	}
	if env.runtime.has("c-stale") {
		t.Error("stale container was not removed")
	}
	if got := env.instances.get("fresh-starting").Status; got != domain.StatusStarting {
		t.Errorf("fresh starting = %s, want untouched", got)
	}
	if got := env.instances.get("stuck-stopping").Status; got != domain.StatusStopped {
		t.Errorf("stuck stopping = %s, want stopped", got)
	}
}

func TestSweeper_Orphans(t *testing.T) {
	env := newTestEnv(t, testSettings())
	ctx := context.Background()
	now := env.clock.Now()

	env.runtime.addContainer("c-alive", map[string]string{
		domain.LabelManaged:    "true",
		domain.LabelInstanceID: "old-alive",
	})
	for _, inst := range []*domain.Instance{
		{InstanceID: "old-gone", ContainerID: "c-gone", UserID: 1, HostPort: 30000},
		{InstanceID: "old-alive", ContainerID: "c-alive", UserID: 2, HostPort: 30001},
	} {
		inst.Status = domain.StatusRunning
		inst.CreatedAt = now.Add(-3 * time.Hour)
		inst.ExpiresAt = now.Add(time.Hour)
		env.instances.put(inst)
	}

	disabled := testSweepSettings()
	disabled.ReconcileOrphans = false
	if report := NewSweeper(env.manager, disabled).RunOnce(ctx); report.Orphaned != 0 {
		t.Fatalf("Orphaned = %d with reconciliation disabled", report.Orphaned)
	}

	report := NewSweeper(env.manager, testSweepSettings()).RunOnce(ctx)
	if report.Orphaned != 1 || report.Failures != 0 {
		t.Fatalf("report = %+v, want 1 orphan", report)
	}

	gone := env.instances.get("old-gone")
	if gone.Status != domain.StatusStopped || gone.ErrorMessage != "orphaned: not found in runtime" {
		t.Errorf("orphan = %s %q", gone.Status, gone.ErrorMessage)
	}
	if got := env.instances.get("old-alive").Status; got != domain.StatusRunning {
		t.Errorf("live instance = %s, want running", got)
	}
	if got := env.events.types("old-gone"); len(got) != 1 || got[0] != domain.EventError {
		t.Errorf("orphan events = %v, want [error]", got)
	}
}

func TestSweeper_ReapsUntrackedContainers(t *testing.T) {
	env := newTestEnv(t, testSettings())
	ctx := context.Background()

	info, err := env.manager.StartInstance(ctx, 5, domain.Requester{UserID: 42})
	if err != nil {
		t.Fatalf("StartInstance() error = %v", err)
	}
	tracked := env.instances.get(info.InstanceID).ContainerID

	env.runtime.addContainer("c-missing-row", map[string]string{
		domain.LabelManaged:    "true",
		domain.LabelInstanceID: "no-such-instance",
	})
	env.runtime.addContainer("c-no-id", map[string]string{domain.LabelManaged: "true"})
	env.runtime.addContainer("c-terminal", map[string]string{
		domain.LabelManaged:    "true",
		domain.LabelInstanceID: "done",
	})
	env.runtime.addContainer("c-unmanaged", map[string]string{"app": "other"})
	env.instances.put(&domain.Instance{
		InstanceID: "done",
		UserID:     9,
		Status:     domain.StatusStopped,
		CreatedAt:  env.clock.Now(),
		ExpiresAt:  env.clock.Now().Add(time.Hour),
	})

	report := NewSweeper(env.manager, testSweepSettings()).RunOnce(ctx)
	if report.Reaped != 3 || report.Failures != 0 {
		t.Fatalf("report = %+v, want 3 reaped", report)
	}
	for _, id := range []string{"c-missing-row", "c-no-id", "c-terminal"} {
		if env.runtime.has(id) {
			t.Errorf("container %s was not reaped", id)
		}
	}
	for _, id := range []string{tracked, "c-unmanaged"} {
		if !env.runtime.has(id) {
			t.Errorf("container %s was reaped", id)
		}
	}

	noReap := testSweepSettings()
	noReap.ReapUntracked = false
	env.runtime.addContainer("c-later", map[string]string{domain.LabelManaged: "true"})
	if report := NewSweeper(env.manager, noReap).RunOnce(ctx); report.Reaped != 0 {
		t.Errorf("Reaped = %d with reaping disabled", report.Reaped)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, testSettings())
	sweeper := NewSweeper(env.manager, SweepSettings{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
