package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

// mockInstanceRepository stores copies so callers cannot mutate rows
// behind the compare-and-set.
type mockInstanceRepository struct {
	instances map[string]*domain.Instance
	mu        sync.RWMutex
}

func newMockInstanceRepository() *mockInstanceRepository {
	return &mockInstanceRepository{
		instances: make(map[string]*domain.Instance),
	}
}

func clone(inst *domain.Instance) *domain.Instance {
	c := *inst
	return &c
}

func (m *mockInstanceRepository) CreateWithinQuota(ctx context.Context, instance *domain.Instance, quota int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[instance.InstanceID]; exists {
		return domain.ErrInstanceAlreadyExists
	}

	count := 0
	portTaken := false
	for _, inst := range m.instances {
		if !inst.IsActive() {
			continue
		}
		if inst.OwnerKey() == instance.OwnerKey() {
			count++
		}
		if inst.HostPort == instance.HostPort {
			portTaken = true
		}
	}
	if count >= quota {
		return domain.ErrQuotaExceeded
	}
	if portTaken {
		return domain.ErrPortInUse
	}

	m.instances[instance.InstanceID] = clone(instance)
	return nil
}

func (m *mockInstanceRepository) FindByID(ctx context.Context, instanceID string) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, exists := m.instances[instanceID]
	if !exists {
		return nil, domain.ErrInstanceNotFound
	}

	return clone(instance), nil
}

func (m *mockInstanceRepository) FindBySessionToken(ctx context.Context, token string) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.SessionToken == token {
			return clone(inst), nil
		}
	}
	return nil, domain.ErrInstanceNotFound
}

func (m *mockInstanceRepository) Update(ctx context.Context, instance *domain.Instance, expected domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.instances[instance.InstanceID]
	if !exists {
		return domain.ErrInstanceNotFound
	}
	if current.Status != expected {
		return domain.ErrStaleInstance
	}

	m.instances[instance.InstanceID] = clone(instance)
	return nil
}

func (m *mockInstanceRepository) filter(keep func(*domain.Instance) bool) []*domain.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Instance
	for _, inst := range m.instances {
		if keep(inst) {
			out = append(out, clone(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *mockInstanceRepository) FindActiveByOwner(ctx context.Context, ownerKey string) ([]*domain.Instance, error) {
	return m.filter(func(i *domain.Instance) bool {
		return i.IsActive() && i.OwnerKey() == ownerKey
	}), nil
}

func (m *mockInstanceRepository) FindActiveByOwnerAndChallenge(ctx context.Context, ownerKey string, challengeID int64) (*domain.Instance, error) {
	found := m.filter(func(i *domain.Instance) bool {
		return i.IsActive() && i.OwnerKey() == ownerKey && i.ChallengeID == challengeID
	})
	if len(found) == 0 {
		return nil, domain.ErrInstanceNotFound
	}
	return found[len(found)-1], nil
}

func (m *mockInstanceRepository) ExtendExpiry(ctx context.Context, instance *domain.Instance, previous time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.instances[instance.InstanceID]
	if !exists {
		return domain.ErrInstanceNotFound
	}
	if (current.Status != domain.StatusStarting && current.Status != domain.StatusRunning) || !current.ExpiresAt.Equal(previous) {
		return domain.ErrStaleInstance
	}
	current.ExpiresAt = instance.ExpiresAt
	current.UpdatedAt = instance.UpdatedAt
	return nil
}

func (m *mockInstanceRepository) FindByRequester(ctx context.Context, userID, teamID int64) ([]*domain.Instance, error) {
	return m.filter(func(i *domain.Instance) bool {
		return i.UserID == userID || (teamID != 0 && i.TeamID == teamID)
	}), nil
}

func (m *mockInstanceRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	return m.filter(func(i *domain.Instance) bool {
		return i.Status == domain.StatusRunning && i.IsExpired(now)
	}), nil
}

func (m *mockInstanceRepository) FindByStatusCreatedBefore(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Instance, error) {
	return m.filter(func(i *domain.Instance) bool {
		return i.Status == status && i.CreatedAt.Before(before)
	}), nil
}

func (m *mockInstanceRepository) ActivePorts(ctx context.Context) ([]int, error) {
	var ports []int
	for _, inst := range m.filter(func(i *domain.Instance) bool { return i.IsActive() }) {
		ports = append(ports, inst.HostPort)
	}
	return ports, nil
}

func (m *mockInstanceRepository) Ping(ctx context.Context) error {
	return nil
}

// put stores a row directly, bypassing quota checks.
func (m *mockInstanceRepository) put(inst *domain.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.InstanceID] = clone(inst)
}

func (m *mockInstanceRepository) get(id string) *domain.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return clone(inst)
	}
	return nil
}

type mockEventRepository struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (m *mockEventRepository) Append(ctx context.Context, event *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	event.ID = int64(len(m.events) + 1)
	e := *event
	m.events = append(m.events, &e)
	return nil
}

func (m *mockEventRepository) List(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filter = filter.Normalize()
	page := &domain.EventPage{Limit: filter.Limit, Offset: filter.Offset}
	for i := len(m.events) - 1; i >= 0; i-- {
		if !filter.Match(m.events[i]) {
			continue
		}
		if page.Total >= filter.Offset && len(page.Events) < filter.Limit {
			page.Events = append(page.Events, m.events[i])
		}
		page.Total++
	}
	return page, nil
}

func (m *mockEventRepository) types(instanceID string) []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EventType
	for _, e := range m.events {
		if e.InstanceID == instanceID {
			out = append(out, e.Type)
		}
	}
	return out
}

type mockChallengeRepository struct {
	mu         sync.Mutex
	challenges map[int64]*domain.Challenge
}

func newMockChallengeRepository(challenges ...*domain.Challenge) *mockChallengeRepository {
	m := &mockChallengeRepository{challenges: make(map[int64]*domain.Challenge)}
	for _, c := range challenges {
		m.challenges[c.ChallengeID] = c
	}
	return m
}

func (m *mockChallengeRepository) FindByID(ctx context.Context, challengeID int64) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	if !ok {
		return nil, domain.ErrChallengeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockChallengeRepository) Upsert(ctx context.Context, challenge *domain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *challenge
	m.challenges[challenge.ChallengeID] = &cp
	return nil
}

// fakeRuntime keeps containers in memory. createErrs are returned by
// successive Create calls before it starts succeeding.
type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	createErrs []error
	startErr   error
	stopErr    error
	removeErr  error
	copyErr    error
	failOn     map[string]error
	creates    int
	stops      int
	removes    int
	names      []string
}

type fakeContainer struct {
	spec    domain.ContainerSpec
	running bool
	files   map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		failOn:     make(map[string]error),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	f.names = append(f.names, spec.Name)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return "", err
	}

	f.seq++
	id := fmt.Sprintf("container-%d", f.seq)
	f.containers[id] = &fakeContainer{spec: spec}
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return domain.ErrContainerNotFound
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (*domain.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, domain.ErrContainerNotFound
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return &domain.ContainerState{Running: c.running, Status: status, IP: "172.17.0.2"}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if err := f.failOn[containerID]; err != nil {
		return err
	}
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return domain.ErrContainerNotFound
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	if err := f.failOn[containerID]; err != nil {
		return err
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return domain.ErrContainerNotFound
	}
	delete(f.containers, containerID)
	return nil
}

func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (*domain.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return nil, domain.ErrContainerNotFound
	}
	return &domain.ContainerStats{CPUPercent: 1.5, MemoryUsage: 1 << 20, MemoryLimit: 512 << 20}, nil
}

func (f *fakeRuntime) List(ctx context.Context, labels map[string]string) ([]domain.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.ContainerSummary
	for id, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.spec.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, domain.ContainerSummary{ID: id, Labels: c.spec.Labels})
		}
	}
	return out, nil
}

func (f *fakeRuntime) CopyFile(ctx context.Context, containerID, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return f.copyErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return domain.ErrContainerNotFound
	}
	if !c.running {
		return fmt.Errorf("%w: container %s is not running", domain.ErrRuntimeRejected, containerID)
	}
	if c.files == nil {
		c.files = make(map[string]string)
	}
	c.files[path] = string(content)
	return nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error {
	return nil
}

func (f *fakeRuntime) file(containerID, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return "", false
	}
	content, ok := c.files[path]
	return content, ok
}

// addContainer registers a container that was not created through the manager.
func (f *fakeRuntime) addContainer(id string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{spec: domain.ContainerSpec{Labels: labels}, running: true}
}

func (f *fakeRuntime) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]string
	flags    map[string]string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]string), flags: make(map[string]string)}
}

func (f *fakeSessionStore) SaveSession(ctx context.Context, instance *domain.Instance, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[instance.SessionToken] = instance.InstanceID
	return nil
}

func (f *fakeSessionStore) LookupSession(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.sessions[token]
	if !ok {
		return "", domain.ErrInstanceNotFound
	}
	return id, nil
}

func (f *fakeSessionStore) DeleteSession(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	delete(f.flags, token)
	return nil
}

func (f *fakeSessionStore) SaveFlag(ctx context.Context, token, flag string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[token] = flag
	return nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
