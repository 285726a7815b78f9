package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kavos113/quickctf/ctf-manager/config"
	"github.com/kavos113/quickctf/ctf-manager/domain"
	"github.com/kavos113/quickctf/ctf-manager/metrics"
)

const (
	maxPortAttempts   = 5
	maxUpdateAttempts = 3
)

// SessionStore caches session tokens for fast lookup by the player's client.
type SessionStore interface {
	SaveSession(ctx context.Context, instance *domain.Instance, ttl time.Duration) error
	LookupSession(ctx context.Context, token string) (string, error)
	DeleteSession(ctx context.Context, token string) error
	SaveFlag(ctx context.Context, token, flag string, ttl time.Duration) error
}

type Settings struct {
	MaxContainersPerRequester int
	Lifetime                  time.Duration
	MaxLifetime               time.Duration
	RevertCooldown            time.Duration
	HostAddress               string
	DefaultMemoryLimitMB      int64
	DefaultCPULimit           float64
	CreateTimeout             time.Duration
	OperationTimeout          time.Duration
	RetryBackoff              time.Duration
	StopTimeout               time.Duration
	DynamicFlags              bool
	FlagPrefix                string
}

func SettingsFromConfig(c config.OrchestrationConfig, hostAddress string) Settings {
	return Settings{
		MaxContainersPerRequester: c.MaxContainersPerRequester,
		Lifetime:                  c.Lifetime,
		MaxLifetime:               c.MaxLifetime,
		RevertCooldown:            c.RevertCooldown,
		HostAddress:               hostAddress,
		DefaultMemoryLimitMB:      c.DefaultMemoryLimitMB,
		DefaultCPULimit:           c.DefaultCPULimit,
		CreateTimeout:             c.CreateTimeout,
		OperationTimeout:          c.OperationTimeout,
		RetryBackoff:              c.RetryBackoff,
		StopTimeout:               c.StopTimeout,
		DynamicFlags:              c.DynamicFlags,
		FlagPrefix:                c.FlagPrefix,
	}
}

type Dependencies struct {
	Instances  domain.InstanceRepository
	Challenges domain.ChallengeRepository
	Runtime    domain.Runtime
	Validator  *ImageValidator
	Ports      *PortAllocator
	Events     *EventRecorder
	Sessions   SessionStore
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// ManagerService drives the instance lifecycle: quota, ports, container
// creation and teardown, and the persisted status of every instance.
type ManagerService struct {
	instances  domain.InstanceRepository
	challenges domain.ChallengeRepository
	runtime    domain.Runtime
	validator  *ImageValidator
	ports      *PortAllocator
	events     *EventRecorder
	sessions   SessionStore
	metrics    *metrics.Metrics
	logger     *slog.Logger
	settings   Settings
	now        func() time.Time
}

func NewManagerService(deps Dependencies, settings Settings) *ManagerService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagerService{
		instances:  deps.Instances,
		challenges: deps.Challenges,
		runtime:    deps.Runtime,
		validator:  deps.Validator,
		ports:      deps.Ports,
		events:     deps.Events,
		sessions:   deps.Sessions,
		metrics:    deps.Metrics,
		logger:     logger,
		settings:   settings,
		now:        time.Now,
	}
}

// StartInstance provisions a container for the requester and returns its
// connection info.
func (m *ManagerService) StartInstance(ctx context.Context, challengeID int64, req domain.Requester) (*domain.ConnectionInfo, error) {
	challenge, err := m.loadChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	_, info, err := m.launch(ctx, challenge, challenge.Scope(req), time.Time{})
	return info, err
}

func (m *ManagerService) loadChallenge(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	sctx, cancel := m.storeCtx(ctx)
	challenge, err := m.challenges.FindByID(sctx, challengeID)
	err = timeoutOr(sctx, err)
	cancel()
	if err != nil {
		return nil, err
	}
	if !challenge.ContainerEnabled() {
		return nil, domain.ErrChallengeNotContainerEnabled
	}
	if err := m.validator.Validate(challenge.ImageRef); err != nil {
		return nil, err
	}
	return challenge, nil
}

// launch runs the create path for an already validated challenge. It does not
// observe caller cancellation: once a row exists the container must be either
// running and tracked or torn down.
func (m *ManagerService) launch(ctx context.Context, challenge *domain.Challenge, owner domain.Requester, revertedAt time.Time) (*domain.Instance, *domain.ConnectionInfo, error) {
	ctx = context.WithoutCancel(ctx)

	sctx, cancel := m.storeCtx(ctx)
	active, err := m.instances.FindActiveByOwner(sctx, domain.OwnerKey(owner.UserID, owner.TeamID))
	err = timeoutOr(sctx, err)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count instances: %w", err)
	}
	if len(active) >= m.settings.MaxContainersPerRequester {
		m.metrics.StartFailed(string(domain.KindQuotaExceeded))
		return nil, nil, domain.ErrQuotaExceeded
	}

	now := m.now()
	inst := &domain.Instance{
		InstanceID:   uuid.NewString(),
		SessionToken: uuid.NewString(),
		ChallengeID:  challenge.ChallengeID,
		UserID:       owner.UserID,
		TeamID:       owner.TeamID,
		ImageRef:     challenge.ImageRef,
		InternalPort: challenge.Port(),
		HostAddress:  m.settings.HostAddress,
		Status:       domain.StatusStarting,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.settings.Lifetime),
		LastRevertAt: revertedAt,
		UpdatedAt:    now,
	}

	if err := m.reserve(ctx, inst); err != nil {
		m.metrics.StartFailed(string(domain.KindOf(err)))
		return nil, nil, err
	}

	spec, flag, err := m.containerSpec(challenge, inst)
	if err != nil {
		m.failStart(ctx, inst, owner, err)
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrContainerStartFailed, err)
	}

	if err := m.createContainer(ctx, inst, spec); err != nil {
		m.failStart(ctx, inst, owner, err)
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrContainerStartFailed, err)
	}

	if flag != "" {
		m.writeFlag(ctx, inst, challenge.FlagPath, flag)
	}

	if state, err := m.inspect(ctx, inst.ContainerID); err != nil {
		m.logger.Warn("failed to inspect started container", "instance_id", inst.InstanceID, "error", err)
	} else {
		inst.ContainerIP = state.IP
		inst.Metadata = state.Raw
	}

	now = m.now()
	inst.StartedAt = now
	if err := inst.UpdateStatus(domain.StatusRunning, now); err != nil {
		return nil, nil, err
	}
	if err := m.updateInstance(ctx, inst, domain.StatusStarting); err != nil {
		// the row is no longer ours to promote; drop the container
		m.logger.Error("failed to mark instance running", "instance_id", inst.InstanceID, "error", err)
		if terr := m.teardown(ctx, inst.ContainerID); terr != nil {
			m.logger.Error("failed to remove container", "container_id", inst.ContainerID, "error", terr)
		}
		inst.Status = domain.StatusStarting
		m.failStart(ctx, inst, owner, err)
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrContainerStartFailed, err)
	}

	m.events.Record(ctx, withIP(domain.NewEvent(inst, domain.EventCreate, domain.EventStatusSuccess,
		fmt.Sprintf("created container for image %s", inst.ImageRef)), owner.IP))
	m.events.Record(ctx, withIP(domain.NewEvent(inst, domain.EventStart, domain.EventStatusSuccess,
		fmt.Sprintf("listening on %s:%d", inst.HostAddress, inst.HostPort)), owner.IP))

	m.cacheSession(ctx, inst, flag)

	reason := "start"
	if !revertedAt.IsZero() {
		reason = "revert"
	}
	m.metrics.Started(reason)
	m.logger.Info("instance started",
		"instance_id", inst.InstanceID,
		"challenge_id", inst.ChallengeID,
		"user_id", inst.UserID,
		"container_id", inst.ContainerID,
		"host_port", inst.HostPort,
	)

	return inst, &domain.ConnectionInfo{
		InstanceID:   inst.InstanceID,
		Host:         inst.HostAddress,
		Port:         inst.HostPort,
		SessionToken: inst.SessionToken,
		ExpiresAt:    inst.ExpiresAt,
		Endpoint:     challenge.Endpoint(inst.HostAddress, inst.HostPort),
	}, nil
}

// reserve allocates a port and persists the starting row. A port taken by
// another process between allocation and insert is skipped and the next
// free port is tried.
func (m *ManagerService) reserve(ctx context.Context, inst *domain.Instance) error {
	var exclude []int
	for range maxPortAttempts {
		actx, cancel := m.storeCtx(ctx)
		port, err := m.ports.Allocate(actx, exclude...)
		err = timeoutOr(actx, err)
		cancel()
		if err != nil {
			return err
		}

		inst.HostPort = port
		cctx, cancel := m.storeCtx(ctx)
		err = timeoutOr(cctx, m.instances.CreateWithinQuota(cctx, inst, m.settings.MaxContainersPerRequester))
		cancel()
		m.ports.Release(port)
		if errors.Is(err, domain.ErrPortInUse) {
			exclude = append(exclude, port)
			continue
		}
		return err
	}
	return domain.ErrNoPortAvailable
}

func (m *ManagerService) containerSpec(challenge *domain.Challenge, inst *domain.Instance) (domain.ContainerSpec, string, error) {
	memoryMB := challenge.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = m.settings.DefaultMemoryLimitMB
	}
	cpus := challenge.CPULimit
	if cpus <= 0 {
		cpus = m.settings.DefaultCPULimit
	}

	spec := domain.ContainerSpec{
		Name:         containerName(inst),
		Image:        inst.ImageRef,
		InternalPort: inst.InternalPort,
		HostPort:     inst.HostPort,
		Limits: domain.ResourceLimits{
			MemoryBytes: memoryMB * 1024 * 1024,
			NanoCPUs:    int64(cpus * 1e9),
		},
		Labels: map[string]string{
			domain.LabelManaged:     "true",
			domain.LabelInstanceID:  inst.InstanceID,
			domain.LabelChallengeID: fmt.Sprintf("%d", inst.ChallengeID),
			domain.LabelUserID:      fmt.Sprintf("%d", inst.UserID),
			domain.LabelSessionID:   inst.SessionToken,
		},
		Env: []string{
			fmt.Sprintf("CTF_USER_ID=%d", inst.UserID),
			fmt.Sprintf("CTF_CHALLENGE_ID=%d", inst.ChallengeID),
			"CTF_SESSION_ID=" + inst.SessionToken,
		},
	}

	var flag string
	if m.settings.DynamicFlags && challenge.FlagPath != "" {
		var err error
		flag, err = GenerateFlag(m.settings.FlagPrefix, inst.ChallengeID, inst.UserID, inst.TeamID)
		if err != nil {
			return spec, "", err
		}
		spec.Env = append(spec.Env, "CTF_FLAG="+flag, "CTF_FLAG_PATH="+challenge.FlagPath)
	}

	return spec, flag, nil
}

func containerName(inst *domain.Instance) string {
	session := inst.SessionToken
	if len(session) > 12 {
		session = session[:12]
	}
	return fmt.Sprintf("ctf-challenge-user%d-chal%d-%s", inst.UserID, inst.ChallengeID, session)
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrRuntimeUnavailable) || errors.Is(err, domain.ErrTimeout)
}

// createContainer creates and starts the container, retrying once when the
// engine was unreachable or slow. Rejections are returned as is.
func (m *ManagerService) createContainer(ctx context.Context, inst *domain.Instance, spec domain.ContainerSpec) error {
	err := m.tryCreate(ctx, inst, spec)
	if err == nil || !retryable(err) {
		return err
	}

	m.metrics.Retried()
	m.logger.Warn("container create failed, retrying",
		"instance_id", inst.InstanceID,
		"backoff", m.settings.RetryBackoff,
		"error", err,
	)
	if m.settings.RetryBackoff > 0 {
		time.Sleep(m.settings.RetryBackoff)
	}

	spec.Name += "-r1"
	return m.tryCreate(ctx, inst, spec)
}

func (m *ManagerService) tryCreate(ctx context.Context, inst *domain.Instance, spec domain.ContainerSpec) error {
	cctx, cancel := context.WithTimeout(ctx, m.settings.CreateTimeout)
	defer cancel()

	containerID, err := m.runtime.Create(cctx, spec)
	if err != nil {
		return timeoutOr(cctx, err)
	}

	inst.ContainerID = containerID
	inst.UpdatedAt = m.now()
	if err := m.updateInstance(ctx, inst, domain.StatusStarting); err != nil {
		if terr := m.teardown(ctx, containerID); terr != nil {
			m.logger.Error("failed to remove untracked container", "container_id", containerID, "error", terr)
		}
		return fmt.Errorf("failed to record container id: %w", err)
	}

	if err := m.runtime.Start(cctx, containerID); err != nil {
		if terr := m.teardown(ctx, containerID); terr != nil {
			m.logger.Error("failed to remove container after start failure", "container_id", containerID, "error", terr)
		}
		return timeoutOr(cctx, err)
	}

	return nil
}

// timeoutOr reports a context deadline as ErrTimeout for runtimes that
// return the bare context error.
func timeoutOr(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}

func (m *ManagerService) inspect(ctx context.Context, containerID string) (*domain.ContainerState, error) {
	ictx, cancel := context.WithTimeout(ctx, m.settings.OperationTimeout)
	defer cancel()
	state, err := m.runtime.Inspect(ictx, containerID)
	if err != nil {
		return nil, timeoutOr(ictx, err)
	}
	return state, nil
}

// storeCtx bounds a single store call by OperationTimeout.
func (m *ManagerService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.settings.OperationTimeout)
}

func (m *ManagerService) findInstance(ctx context.Context, instanceID string) (*domain.Instance, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	inst, err := m.instances.FindByID(sctx, instanceID)
	if err != nil {
		return nil, timeoutOr(sctx, err)
	}
	return inst, nil
}

func (m *ManagerService) updateInstance(ctx context.Context, inst *domain.Instance, expected domain.Status) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return timeoutOr(sctx, m.instances.Update(sctx, inst, expected))
}

// writeFlag places the dynamic flag at the challenge's flag path. Failure is
// logged and does not fail the start.
func (m *ManagerService) writeFlag(ctx context.Context, inst *domain.Instance, path, flag string) {
	wctx, cancel := context.WithTimeout(ctx, m.settings.OperationTimeout)
	defer cancel()
	if err := m.runtime.CopyFile(wctx, inst.ContainerID, path, []byte(flag)); err != nil {
		m.logger.Warn("failed to write flag file",
			"instance_id", inst.InstanceID,
			"path", path,
			"error", timeoutOr(wctx, err),
		)
	}
}

// failStart marks a starting instance as errored and records the failure.
func (m *ManagerService) failStart(ctx context.Context, inst *domain.Instance, owner domain.Requester, cause error) {
	message := domain.TruncateMessage(cause.Error())
	prev := inst.Status
	inst.ErrorMessage = message
	if err := inst.UpdateStatus(domain.StatusError, m.now()); err != nil {
		m.logger.Error("cannot mark instance failed", "instance_id", inst.InstanceID, "status", prev, "error", err)
	} else if err := m.updateInstance(ctx, inst, prev); err != nil {
		m.logger.Error("failed to mark instance failed", "instance_id", inst.InstanceID, "error", err)
	}

	m.events.Record(ctx, withIP(domain.NewEvent(inst, domain.EventStartFail, domain.EventStatusFailure, message), owner.IP))
	m.metrics.StartFailed(string(domain.KindOf(cause)))
	m.logger.Error("instance start failed",
		"instance_id", inst.InstanceID,
		"challenge_id", inst.ChallengeID,
		"user_id", inst.UserID,
		"error", cause,
	)
}

// StopInstance tears down an instance owned by the requester. Stopping an
// instance that is already terminal succeeds without touching the runtime.
func (m *ManagerService) StopInstance(ctx context.Context, instanceID string, req domain.Requester) error {
	inst, err := m.findInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.OwnedBy(req) {
		return domain.ErrNotOwner
	}
	_, err = m.stop(ctx, inst, req.IP)
	return err
}

// ForceStopInstance stops any instance regardless of owner.
func (m *ManagerService) ForceStopInstance(ctx context.Context, instanceID string) error {
	inst, err := m.findInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	_, err = m.stop(ctx, inst, "")
	return err
}

// stop moves inst through stopping to stopped. It reports false when another
// caller already stopped or is stopping the instance.
func (m *ManagerService) stop(ctx context.Context, inst *domain.Instance, ip string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	claimed := false
	for range maxUpdateAttempts {
		if inst.IsTerminal() || inst.Status == domain.StatusStopping {
			return false, nil
		}

		prev := inst.Status
		if err := inst.UpdateStatus(domain.StatusStopping, m.now()); err != nil {
			return false, err
		}
		err := m.updateInstance(ctx, inst, prev)
		if errors.Is(err, domain.ErrStaleInstance) {
			if inst, err = m.findInstance(ctx, inst.InstanceID); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to mark instance stopping: %w", err)
		}
		claimed = true
		break
	}
	if !claimed {
		return false, domain.ErrStaleInstance
	}

	if err := m.teardown(ctx, inst.ContainerID); err != nil {
		m.logger.Error("failed to remove container", "instance_id", inst.InstanceID, "container_id", inst.ContainerID, "error", err)
		m.events.Record(ctx, withIP(domain.NewEvent(inst, domain.EventError, domain.EventStatusFailure,
			"runtime teardown failed: "+domain.TruncateMessage(err.Error())), ip))
	}

	if err := inst.UpdateStatus(domain.StatusStopped, m.now()); err != nil {
		return true, err
	}
	if err := m.updateInstance(ctx, inst, domain.StatusStopping); err != nil {
		return true, fmt.Errorf("failed to mark instance stopped: %w", err)
	}

	m.dropSession(ctx, inst.SessionToken)
	m.events.Record(ctx, withIP(domain.NewEvent(inst, domain.EventStop, domain.EventStatusSuccess, "instance stopped"), ip))
	m.metrics.Stopped(string(domain.StatusStopped))
	m.logger.Info("instance stopped", "instance_id", inst.InstanceID, "container_id", inst.ContainerID)

	return true, nil
}

// teardown stops and force-removes a container. A container that no longer
// exists counts as removed.
func (m *ManagerService) teardown(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.settings.OperationTimeout+m.settings.StopTimeout)
	stopErr := m.runtime.Stop(sctx, containerID, m.settings.StopTimeout)
	cancel()
	if errors.Is(stopErr, domain.ErrContainerNotFound) {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, m.settings.OperationTimeout)
	defer cancel()
	removeErr := m.runtime.Remove(rctx, containerID)
	if removeErr == nil || errors.Is(removeErr, domain.ErrContainerNotFound) {
		return nil
	}

	return errors.Join(stopErr, timeoutOr(rctx, removeErr))
}

// RevertInstance replaces an active instance with a fresh one for the same
// challenge and owner, subject to the revert cooldown. Only the caller that
// stops the old instance launches the replacement.
func (m *ManagerService) RevertInstance(ctx context.Context, instanceID string, req domain.Requester) (*domain.ConnectionInfo, error) {
	inst, err := m.findInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.OwnedBy(req) {
		return nil, domain.ErrNotOwner
	}
	if inst.IsTerminal() || inst.Status == domain.StatusStopping {
		return nil, domain.ErrInstanceNotActive
	}

	now := m.now()
	if remaining := m.settings.RevertCooldown - now.Sub(inst.RevertBase()); remaining > 0 {
		return nil, &domain.CooldownError{Remaining: remaining}
	}

	challenge, err := m.loadChallenge(ctx, inst.ChallengeID)
	if err != nil {
		return nil, err
	}

	stopped, err := m.stop(ctx, inst, req.IP)
	if err != nil {
		return nil, fmt.Errorf("failed to stop instance for revert: %w", err)
	}
	if !stopped {
		return nil, domain.ErrInstanceNotActive
	}

	owner := domain.Requester{UserID: inst.UserID, TeamID: inst.TeamID, IP: req.IP}
	next, info, err := m.launch(ctx, challenge, owner, now)
	if err != nil {
		return nil, err
	}

	m.events.Record(ctx, withIP(domain.NewEvent(next, domain.EventRevert, domain.EventStatusSuccess,
		"reverted from instance "+inst.InstanceID), req.IP))

	return info, nil
}

// ExtendInstance moves expires-at forward, never past MaxLifetime from creation.
func (m *ManagerService) ExtendInstance(ctx context.Context, instanceID string, req domain.Requester, extra time.Duration) (*domain.Instance, error) {
	if extra <= 0 {
		return nil, fmt.Errorf("%w: extension must be positive", domain.ErrInvalidArgument)
	}

	for range maxUpdateAttempts {
		inst, err := m.findInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !inst.OwnedBy(req) {
			return nil, domain.ErrNotOwner
		}
		if inst.Status != domain.StatusStarting && inst.Status != domain.StatusRunning {
			return nil, domain.ErrInstanceNotActive
		}

		previous := inst.ExpiresAt
		expiresAt := previous.Add(extra)
		if limit := inst.CreatedAt.Add(m.settings.MaxLifetime); expiresAt.After(limit) {
			return nil, fmt.Errorf("%w: limit is %s", domain.ErrExtendLimitExceeded, limit.UTC().Format(time.RFC3339))
		}

		now := m.now()
		inst.ExpiresAt = expiresAt
		inst.UpdatedAt = now
		sctx, cancel := m.storeCtx(ctx)
		err = timeoutOr(sctx, m.instances.ExtendExpiry(sctx, inst, previous))
		cancel()
		if errors.Is(err, domain.ErrStaleInstance) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if m.sessions != nil {
			if err := m.sessions.SaveSession(ctx, inst, inst.Remaining(now)); err != nil {
				m.logger.Warn("failed to refresh session", "instance_id", inst.InstanceID, "error", err)
			}
		}
		m.events.Record(ctx, withIP(domain.NewEvent(inst, domain.EventExtend, domain.EventStatusSuccess,
			fmt.Sprintf("extended by %s until %s", extra, expiresAt.UTC().Format(time.RFC3339))), req.IP))

		return inst, nil
	}

	return nil, domain.ErrStaleInstance
}

// GetInstanceForRequester returns the requester's active instance for a
// challenge, or ErrInstanceNotFound.
func (m *ManagerService) GetInstanceForRequester(ctx context.Context, challengeID int64, req domain.Requester) (*domain.Instance, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	scoped := domain.Requester{UserID: req.UserID}
	challenge, err := m.challenges.FindByID(sctx, challengeID)
	switch {
	case err == nil:
		scoped = challenge.Scope(req)
	case !errors.Is(err, domain.ErrChallengeNotFound):
		return nil, err
	}

	inst, err := m.instances.FindActiveByOwnerAndChallenge(sctx, domain.OwnerKey(scoped.UserID, scoped.TeamID), challengeID)
	if err != nil {
		return nil, timeoutOr(sctx, err)
	}
	return inst, nil
}

func (m *ManagerService) GetInstanceStatus(ctx context.Context, instanceID string) (*domain.Instance, error) {
	return m.findInstance(ctx, instanceID)
}

// GetInstanceBySession resolves a session token to its active instance.
// Tokens of terminal instances are no longer valid.
func (m *ManagerService) GetInstanceBySession(ctx context.Context, token string) (*domain.Instance, error) {
	var inst *domain.Instance
	if m.sessions != nil {
		if id, err := m.sessions.LookupSession(ctx, token); err == nil {
			if inst, err = m.findInstance(ctx, id); err != nil {
				m.logger.Warn("cached session points at unreadable instance", "instance_id", id, "error", err)
			}
		}
	}
	if inst == nil {
		sctx, cancel := m.storeCtx(ctx)
		defer cancel()
		var err error
		if inst, err = m.instances.FindBySessionToken(sctx, token); err != nil {
			return nil, timeoutOr(sctx, err)
		}
	}
	if inst.IsTerminal() {
		return nil, domain.ErrInstanceNotFound
	}
	return inst, nil
}

// ListInstancesForRequester returns the requester's own instances and the
// team-scoped instances of their team, newest first.
func (m *ManagerService) ListInstancesForRequester(ctx context.Context, req domain.Requester) ([]*domain.Instance, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	instances, err := m.instances.FindByRequester(sctx, req.UserID, req.TeamID)
	if err != nil {
		return nil, timeoutOr(sctx, err)
	}
	return instances, nil
}

func (m *ManagerService) GetInstanceStats(ctx context.Context, instanceID string, req domain.Requester) (*domain.ContainerStats, error) {
	inst, err := m.findInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.OwnedBy(req) {
		return nil, domain.ErrNotOwner
	}
	if inst.Status != domain.StatusRunning || inst.ContainerID == "" {
		return nil, domain.ErrInstanceNotActive
	}

	sctx, cancel := context.WithTimeout(ctx, m.settings.OperationTimeout)
	defer cancel()
	stats, err := m.runtime.Stats(sctx, inst.ContainerID)
	if err != nil {
		return nil, timeoutOr(sctx, err)
	}
	return stats, nil
}

func (m *ManagerService) ListEvents(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	page, err := m.events.List(sctx, filter)
	if err != nil {
		return nil, timeoutOr(sctx, err)
	}
	return page, nil
}

func (m *ManagerService) UpsertChallenge(ctx context.Context, challenge *domain.Challenge) error {
	if challenge.ChallengeID <= 0 {
		return fmt.Errorf("%w: challenge id must be positive", domain.ErrInvalidArgument)
	}
	if challenge.ImageRef != "" {
		if err := m.validator.Validate(challenge.ImageRef); err != nil {
			return err
		}
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return timeoutOr(sctx, m.challenges.Upsert(sctx, challenge))
}

// Health checks the store and the container runtime.
func (m *ManagerService) Health(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, m.settings.OperationTimeout)
	defer cancel()
	if err := m.instances.Ping(hctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := m.runtime.Ping(hctx); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	return nil
}

func (m *ManagerService) cacheSession(ctx context.Context, inst *domain.Instance, flag string) {
	if m.sessions == nil {
		return
	}
	ttl := inst.Remaining(m.now())
	if err := m.sessions.SaveSession(ctx, inst, ttl); err != nil {
		m.logger.Warn("failed to cache session", "instance_id", inst.InstanceID, "error", err)
	}
	if flag != "" {
		if err := m.sessions.SaveFlag(ctx, inst.SessionToken, flag, ttl); err != nil {
			m.logger.Warn("failed to cache dynamic flag", "instance_id", inst.InstanceID, "error", err)
		}
	}
}

func (m *ManagerService) dropSession(ctx context.Context, token string) {
	if m.sessions == nil {
		return
	}
	if err := m.sessions.DeleteSession(ctx, token); err != nil {
		m.logger.Warn("failed to drop session", "error", err)
	}
}

func withIP(e domain.Event, ip string) domain.Event {
	e.IPAddress = ip
	return e
}
