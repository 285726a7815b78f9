package domain

import (
	"context"
	"encoding/json"
	"time"
)

type ResourceLimits struct {
	MemoryBytes int64
	NanoCPUs    int64
}

type ContainerSpec struct {
	Name         string
	Image        string
	InternalPort int
	HostPort     int
	Limits       ResourceLimits
	Labels       map[string]string
	Env          []string
}

type ContainerState struct {
	Running bool
	Status  string
	IP      string
	Raw     json.RawMessage
}

type ContainerStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
}

type ContainerSummary struct {
	ID     string
	State  string
	Labels map[string]string
}

// Runtime is the container engine control surface. Implementations return
// errors wrapping ErrRuntimeUnavailable, ErrRuntimeRejected, ErrTimeout or
// ErrContainerNotFound.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*ContainerState, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Stats(ctx context.Context, containerID string) (*ContainerStats, error)
	List(ctx context.Context, labels map[string]string) ([]ContainerSummary, error)
	// CopyFile writes content to an absolute path inside a running container.
	CopyFile(ctx context.Context, containerID, path string, content []byte) error
	Ping(ctx context.Context) error
}

const (
	LabelManaged     = "ctf.managed"
	LabelInstanceID  = "ctf.instance_id"
	LabelChallengeID = "ctf.challenge_id"
	LabelUserID      = "ctf.user_id"
	LabelSessionID   = "ctf.session_id"
)
