package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/config"
	"github.com/kavos113/quickctf/ctf-manager/domain"
)

const orphanNote = "orphaned: not found in runtime"

type SweepSettings struct {
	Interval         time.Duration
	ReconcileOrphans bool
	ReapUntracked    bool
	StaleThreshold   time.Duration
	StartingGrace    time.Duration
}

func SweepSettingsFromConfig(c config.SweepConfig) SweepSettings {
	return SweepSettings{
		Interval:         c.Interval,
		ReconcileOrphans: c.ReconcileOrphans,
		ReapUntracked:    c.ReapUntracked,
		StaleThreshold:   c.StaleThreshold,
		StartingGrace:    c.StartingGrace,
	}
}

// SweepReport counts what one sweep cycle reclaimed.
type SweepReport struct {
	Expired       int `json:"expired"`
	Orphaned      int `json:"orphaned"`
	StaleStarting int `json:"stale_starting"`
	Reaped        int `json:"reaped"`
	Failures      int `json:"failures"`
}

// Sweeper reclaims expired, orphaned and abandoned instances in the
// background. It shares the manager's store and runtime.
type Sweeper struct {
	m        *ManagerService
	settings SweepSettings
}

func NewSweeper(m *ManagerService, settings SweepSettings) *Sweeper {
	return &Sweeper{m: m, settings: settings}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	s.m.logger.Info("sweeper started", "interval", s.settings.Interval)
	for {
		select {
		case <-ctx.Done():
			s.m.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle. Errors on one instance are logged and counted,
// and the cycle moves on.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.m.now()

	report.Expired = s.sweepExpired(ctx, now, &report)
	if s.settings.ReconcileOrphans {
		report.Orphaned = s.sweepOrphans(ctx, now, &report)
	}
	report.StaleStarting = s.sweepStale(ctx, now, &report)
	if s.settings.ReapUntracked {
		report.Reaped = s.reapUntracked(ctx, &report)
	}

	s.m.metrics.Swept(report.Expired, report.Orphaned, report.StaleStarting, report.Reaped, report.Failures)
	s.m.logger.Info("sweep finished",
		"expired", report.Expired,
		"orphaned", report.Orphaned,
		"stale_starting", report.StaleStarting,
		"reaped", report.Reaped,
		"failures", report.Failures,
	)
	return report
}

func (s *Sweeper) sweepExpired(ctx context.Context, now time.Time, report *SweepReport) int {
	sctx, cancel := s.m.storeCtx(ctx)
	expired, err := s.m.instances.FindExpired(sctx, now)
	err = timeoutOr(sctx, err)
	cancel()
	if err != nil {
		s.m.logger.Error("failed to find expired instances", "error", err)
		report.Failures++
		return 0
	}

	count := 0
	for _, inst := range expired {
		done, err := s.expire(ctx, inst.InstanceID)
		if err != nil {
			s.m.logger.Error("failed to expire instance", "instance_id", inst.InstanceID, "error", err)
			report.Failures++
			continue
		}
		if done {
			count++
		}
	}
	return count
}

// expire tears the container down first so a runtime outage leaves the row
// running for the next cycle. The row is read again right before teardown,
// so an instance extended or stopped since the scan is left alone. An
// extension committed after that read and before the status write is lost.
func (s *Sweeper) expire(ctx context.Context, instanceID string) (bool, error) {
	inst, err := s.m.findInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status != domain.StatusRunning || !inst.IsExpired(s.m.now()) {
		return false, nil
	}

	if err := s.m.teardown(ctx, inst.ContainerID); err != nil {
		return false, fmt.Errorf("teardown: %w", err)
	}

	if err := inst.UpdateStatus(domain.StatusExpired, s.m.now()); err != nil {
		return false, err
	}
	if err := s.m.updateInstance(ctx, inst, domain.StatusRunning); err != nil {
		if errors.Is(err, domain.ErrStaleInstance) {
			// stopped in the meantime
			return false, nil
		}
		return false, err
	}

	s.m.dropSession(ctx, inst.SessionToken)
	s.m.events.Record(ctx, domain.NewEvent(inst, domain.EventExpire, domain.EventStatusSuccess, "instance lifetime ended"))
	s.m.metrics.Stopped(string(domain.StatusExpired))
	s.m.logger.Info("instance expired", "instance_id", inst.InstanceID, "host_port", inst.HostPort)
	return true, nil
}

func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time, report *SweepReport) int {
	candidates, err := s.findCreatedBefore(ctx, domain.StatusRunning, now.Add(-s.settings.StaleThreshold))
	if err != nil {
		s.m.logger.Error("failed to find stale running instances", "error", err)
		report.Failures++
		return 0
	}

	count := 0
	for _, inst := range candidates {
		orphaned, err := s.orphaned(ctx, inst)
		if err != nil {
			s.m.logger.Warn("failed to inspect container", "instance_id", inst.InstanceID, "error", err)
			report.Failures++
			continue
		}
		if !orphaned {
			continue
		}

		inst.ErrorMessage = orphanNote
		if err := inst.UpdateStatus(domain.StatusStopped, s.m.now()); err != nil {
			report.Failures++
			continue
		}
		if err := s.m.updateInstance(ctx, inst, domain.StatusRunning); err != nil {
			if !errors.Is(err, domain.ErrStaleInstance) {
				s.m.logger.Error("failed to mark orphan stopped", "instance_id", inst.InstanceID, "error", err)
				report.Failures++
			}
			continue
		}

		s.m.dropSession(ctx, inst.SessionToken)
		s.m.events.Record(ctx, domain.NewEvent(inst, domain.EventError, domain.EventStatusFailure, orphanNote))
		s.m.metrics.Stopped(string(domain.StatusStopped))
		s.m.logger.Warn("orphaned instance stopped", "instance_id", inst.InstanceID, "container_id", inst.ContainerID)
		count++
	}
	return count
}

func (s *Sweeper) orphaned(ctx context.Context, inst *domain.Instance) (bool, error) {
	if inst.ContainerID == "" {
		return true, nil
	}
	_, err := s.m.inspect(ctx, inst.ContainerID)
	if errors.Is(err, domain.ErrContainerNotFound) {
		return true, nil
	}
	return false, err
}

// sweepStale fails starting rows left behind by a crashed create path and
// finishes stopping rows whose teardown never completed.
func (s *Sweeper) sweepStale(ctx context.Context, now time.Time, report *SweepReport) int {
	count := 0

	starting, err := s.findCreatedBefore(ctx, domain.StatusStarting, now.Add(-s.settings.StartingGrace))
	if err != nil {
		s.m.logger.Error("failed to find stale starting instances", "error", err)
		report.Failures++
	}
	for _, inst := range starting {
		if err := s.m.teardown(ctx, inst.ContainerID); err != nil {
			s.m.logger.Warn("failed to remove stale container", "instance_id", inst.InstanceID, "error", err)
		}
		inst.ErrorMessage = "start did not complete"
		if err := s.settle(ctx, inst, domain.StatusError); err != nil {
			s.m.logger.Error("failed to fail stale instance", "instance_id", inst.InstanceID, "error", err)
			report.Failures++
			continue
		}
		s.m.events.Record(ctx, domain.NewEvent(inst, domain.EventStartFail, domain.EventStatusFailure, inst.ErrorMessage))
		count++
	}

	stopping, err := s.findCreatedBefore(ctx, domain.StatusStopping, now.Add(-s.settings.StartingGrace))
	if err != nil {
		s.m.logger.Error("failed to find stale stopping instances", "error", err)
		report.Failures++
	}
	for _, inst := range stopping {
		if now.Sub(inst.UpdatedAt) < s.settings.StartingGrace {
			continue
		}
		if err := s.m.teardown(ctx, inst.ContainerID); err != nil {
			s.m.logger.Warn("failed to remove stale container", "instance_id", inst.InstanceID, "error", err)
			report.Failures++
			continue
		}
		if err := s.settle(ctx, inst, domain.StatusStopped); err != nil {
			s.m.logger.Error("failed to finish stale stop", "instance_id", inst.InstanceID, "error", err)
			report.Failures++
			continue
		}
		s.m.dropSession(ctx, inst.SessionToken)
		s.m.events.Record(ctx, domain.NewEvent(inst, domain.EventStop, domain.EventStatusSuccess, "stop completed by sweeper"))
		count++
	}

	return count
}

func (s *Sweeper) settle(ctx context.Context, inst *domain.Instance, next domain.Status) error {
	prev := inst.Status
	if err := inst.UpdateStatus(next, s.m.now()); err != nil {
		return err
	}
	if err := s.m.updateInstance(ctx, inst, prev); err != nil {
		return err
	}
	s.m.metrics.Stopped(string(next))
	return nil
}

func (s *Sweeper) findCreatedBefore(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Instance, error) {
	sctx, cancel := s.m.storeCtx(ctx)
	defer cancel()
	instances, err := s.m.instances.FindByStatusCreatedBefore(sctx, status, before)
	if err != nil {
		return nil, timeoutOr(sctx, err)
	}
	return instances, nil
}

// reapUntracked removes labelled containers whose instance is gone or terminal.
func (s *Sweeper) reapUntracked(ctx context.Context, report *SweepReport) int {
	lctx, cancel := context.WithTimeout(ctx, s.m.settings.OperationTimeout)
	containers, err := s.m.runtime.List(lctx, map[string]string{domain.LabelManaged: "true"})
	cancel()
	if err != nil {
		s.m.logger.Error("failed to list managed containers", "error", err)
		report.Failures++
		return 0
	}

	count := 0
	for _, c := range containers {
		instanceID := c.Labels[domain.LabelInstanceID]
		if instanceID != "" {
			inst, err := s.m.findInstance(ctx, instanceID)
			switch {
			case err == nil && inst.IsActive():
				continue
			case err != nil && !errors.Is(err, domain.ErrInstanceNotFound):
				s.m.logger.Error("failed to look up instance", "instance_id", instanceID, "error", err)
				report.Failures++
				continue
			}
		}

		if err := s.m.teardown(ctx, c.ID); err != nil {
			s.m.logger.Error("failed to reap container", "container_id", c.ID, "error", err)
			report.Failures++
			continue
		}
		s.m.logger.Warn("reaped untracked container", "container_id", c.ID, "instance_id", instanceID)
		count++
	}
	return count
}
