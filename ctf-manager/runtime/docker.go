package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/kavos113/quickctf/ctf-manager/config"
	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type DockerRuntime struct {
	dockerClient *client.Client
	network      string
	logger       *slog.Logger
}

func NewDockerRuntime(cfg config.DockerConfig, logger *slog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.TLSVerify {
		opts = append(opts, client.WithTLSClientConfig(cfg.CACert, cfg.ClientCert, cfg.ClientKey))
	}

	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		dockerClient: cli,
		network:      cfg.Network,
		logger:       logger,
	}, nil
}

func (r *DockerRuntime) Close() error {
	return r.dockerClient.Close()
}

func (r *DockerRuntime) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", spec.InternalPort))
	if err != nil {
		return "", fmt.Errorf("%w: invalid internal port %d", domain.ErrRuntimeRejected, spec.InternalPort)
	}

	hostConfig := &container.HostConfig{
		PortBindings: network.PortMap{
			containerPort: []network.PortBinding{
				{
					HostIP:   netip.MustParseAddr("0.0.0.0"),
					HostPort: strconv.Itoa(spec.HostPort),
				},
			},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: spec.Limits.NanoCPUs,
		},
		AutoRemove: false,
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		ExposedPorts: network.PortSet{
			containerPort: struct{}{},
		},
		Labels: spec.Labels,
		Env:    spec.Env,
	}

	networkConfig := &network.NetworkingConfig{}
	if r.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.network)
		networkConfig.EndpointsConfig = map[string]*network.EndpointSettings{
			r.network: {},
		}
	}

	createOptions := client.ContainerCreateOptions{
		Config:           containerConfig,
		HostConfig:       hostConfig,
		NetworkingConfig: networkConfig,
		Name:             spec.Name,
	}

	resp, err := r.dockerClient.ContainerCreate(ctx, createOptions)
	if err != nil && cerrdefs.IsNotFound(err) {
		r.logger.Info("image not present, pulling", "image", spec.Image)
		if err := r.pullImage(ctx, spec.Image); err != nil {
			return "", classifyPull(err)
		}
		resp, err = r.dockerClient.ContainerCreate(ctx, createOptions)
	}
	if err != nil {
		return "", classify(err)
	}

	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning", "container_id", resp.ID, "warning", w)
	}

	return resp.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if _, err := r.dockerClient.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

// inspectDocument is the subset of the inspect payload read from the raw JSON.
type inspectDocument struct {
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
		Networks  map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*domain.ContainerState, error) {
	containerJSON, err := r.dockerClient.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		return nil, classify(err)
	}

	state := &domain.ContainerState{Raw: containerJSON.Raw}
	if containerJSON.Container.State != nil {
		state.Running = containerJSON.Container.State.Running
		state.Status = string(containerJSON.Container.State.Status)
	}

	if len(containerJSON.Raw) > 0 {
		var doc inspectDocument
		if err := json.Unmarshal(containerJSON.Raw, &doc); err == nil {
			state.IP = containerIP(doc, r.network)
		}
	}

	return state, nil
}

func containerIP(doc inspectDocument, preferred string) string {
	if n, ok := doc.NetworkSettings.Networks[preferred]; ok && n.IPAddress != "" {
		return n.IPAddress
	}
	for _, n := range doc.NetworkSettings.Networks {
		if n.IPAddress != "" {
			return n.IPAddress
		}
	}
	return doc.NetworkSettings.IPAddress
}

func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	stopOptions := client.ContainerStopOptions{
		Timeout: &seconds,
	}
	if _, err := r.dockerClient.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return classify(err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	removeOptions := client.ContainerRemoveOptions{
		Force: true,
	}
	if _, err := r.dockerClient.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		return classify(err)
	}
	return nil
}

// statsSample is the subset of a stats sample needed for usage figures.
type statsSample struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (*domain.ContainerStats, error) {
	res, err := r.dockerClient.ContainerStats(ctx, containerID, client.ContainerStatsOptions{
		Stream:                false,
		IncludePreviousSample: true,
	})
	if err != nil {
		return nil, classify(err)
	}
	defer res.Body.Close()

	var sample statsSample
	if err := json.NewDecoder(res.Body).Decode(&sample); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	return &domain.ContainerStats{
		CPUPercent:  cpuPercent(sample),
		MemoryUsage: sample.MemoryStats.Usage,
		MemoryLimit: sample.MemoryStats.Limit,
	}, nil
}

func cpuPercent(s statsSample) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}

func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]domain.ContainerSummary, error) {
	filters := make(client.Filters)
	for k, v := range labels {
		filters.Add("label", k+"="+v)
	}

	res, err := r.dockerClient.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: filters,
	})
	if err != nil {
		return nil, classify(err)
	}

	summaries := make([]domain.ContainerSummary, 0, len(res.Items))
	for _, item := range res.Items {
		summaries = append(summaries, domain.ContainerSummary{
			ID:     item.ID,
			State:  string(item.State),
			Labels: item.Labels,
		})
	}
	return summaries, nil
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.dockerClient.Ping(ctx, client.PingOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

// CopyFile writes content to an absolute path inside the container. Missing
// parent directories are created by the archive extraction.
func (r *DockerRuntime) CopyFile(ctx context.Context, containerID, filePath string, content []byte) error {
	archive, err := fileArchive(filePath, content, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRuntimeRejected, err)
	}

	_, err = r.dockerClient.CopyToContainer(ctx, containerID, client.CopyToContainerOptions{
		DestinationPath: "/",
		Content:         archive,
	})
	return classify(err)
}

// fileArchive builds a tar stream rooted at "/" holding the parent
// directories of filePath and the file itself.
func fileArchive(filePath string, content []byte, modTime time.Time) (*bytes.Buffer, error) {
	clean := path.Clean("/" + filePath)
	if clean == "/" {
		return nil, fmt.Errorf("invalid file path %q", filePath)
	}
	name := strings.TrimPrefix(clean, "/")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var dirs []string
	for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dirs[i] + "/",
			Mode:     0o755,
			ModTime:  modTime,
		}); err != nil {
			return nil, err
		}
	}

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  modTime,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (r *DockerRuntime) pullImage(ctx context.Context, imageName string) error {
	reader, err := r.dockerClient.ImagePull(ctx, imageName, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Status string `json:"status,omitempty"`
			Error  string `json:"error,omitempty"`
		}

		if err := decoder.Decode(&message); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to decode pull output: %w", err)
		}

		if message.Error != "" {
			return fmt.Errorf("%w: pull error: %s", domain.ErrRuntimeRejected, message.Error)
		}

		r.logger.Debug("pull", "image", imageName, "status", message.Status)
	}

	return nil
}

// classifyPull reports a missing image or repository as a rejection. Only an
// unreachable engine stays retryable.
func classifyPull(err error) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) && !errors.Is(err, domain.ErrRuntimeRejected) {
		return fmt.Errorf("%w: %s", domain.ErrRuntimeRejected, domain.TruncateMessage(err.Error()))
	}
	return classify(err)
}

// classify maps engine errors onto the runtime error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrRuntimeRejected),
		errors.Is(err, domain.ErrRuntimeUnavailable),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrContainerNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err):
		return fmt.Errorf("%w: %w", domain.ErrRuntimeUnavailable, err)
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", domain.ErrContainerNotFound, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrRuntimeUnavailable, err)
	}

	return fmt.Errorf("%w: %s", domain.ErrRuntimeRejected, domain.TruncateMessage(err.Error()))
}
