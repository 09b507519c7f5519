package runtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/ikido/herdctl/internal/common/config"
	"github.com/ikido/herdctl/internal/common/logger"
	"go.uber.org/zap"
)

// dockerMount is a host-path bind mount into the sibling container. All
// paths here must already be host paths — the core itself never resolves
// its own container-internal paths into a mount source (§4.5).
type dockerMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// containerSpec is the fully-resolved container configuration for one job.
// Default security hardening is applied from it later, in createContainer.
type containerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []dockerMount
	NetworkMode string
	Memory      int64
	Labels      map[string]string
	HostConfig  map[string]any // static, fleet-level override only
	// ExtraHosts is populated only when the job injects tool servers, adding
	// the host-gateway mapping the in-container agent needs to reach the
	// tool bridge HTTP server (§4.5).
	ExtraHosts []string
}

// dockerClient wraps the Docker SDK client with the container lifecycle
// operations the container runtime needs, plus the stdout/stderr
// demultiplexing the stream-json protocol requires when Tty is disabled.
type dockerClient struct {
	cli *client.Client
	log *logger.Logger
}

func newDockerClient(cfg config.DockerConfig, log *logger.Logger) (*dockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &dockerClient{cli: cli, log: log}, nil
}

func (d *dockerClient) Close() error {
	return d.cli.Close()
}

func (d *dockerClient) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerClient) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// securityHardenedHostConfig builds the default security posture mandated
// for every agent container unless a fleet-level host-config override is
// present: no Linux capabilities, no-new-privileges, a named network (never
// "none" — the agent must reach the AI provider and injected tool servers),
// and the agent's configured memory limit.
func securityHardenedHostConfig(spec containerSpec) *container.HostConfig {
	network := spec.NetworkMode
	if network == "" || network == "none" {
		network = "bridge"
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	hc := &container.HostConfig{
		NetworkMode: container.NetworkMode(network),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory: spec.Memory,
		},
		Mounts:     mounts,
		ExtraHosts: spec.ExtraHosts,
	}
	return hc
}

// applyHostConfigOverride overlays override (the fleet-level, static-only
// "known accepted risk" config from §4.5/§6.3) onto the security-hardened
// host config. Override fields win, since a fleet operator who configures
// docker.host_config has explicitly opted out of part of the default
// hardening. Round-trips through JSON since override is an arbitrary
// map[string]any shaped like the Docker API's HostConfig, not a typed value.
func applyHostConfigOverride(hc *container.HostConfig, override map[string]any) (*container.HostConfig, error) {
	if len(override) == 0 {
		return hc, nil
	}

	base, err := json.Marshal(hc)
	if err != nil {
		return nil, fmt.Errorf("marshaling hardened host config: %w", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, fmt.Errorf("unmarshaling hardened host config: %w", err)
	}
	for k, v := range override {
		merged[k] = v
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshaling merged host config: %w", err)
	}
	var result container.HostConfig
	if err := json.Unmarshal(mergedJSON, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling merged host config: %w", err)
	}
	return &result, nil
}

// createContainer applies security hardening, layers on any fleet-level
// host-config override, and creates the container.
func (d *dockerClient) createContainer(ctx context.Context, spec containerSpec) (string, error) {
	d.log.Info("creating agent container", zap.String("name", spec.Name), zap.String("image", spec.Image))

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
		OpenStdin:  true,
		StdinOnce:  false,
		AttachStdin: true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:        false, // no TTY: stream-json framing requires raw demultiplexed streams
	}

	hostCfg, err := applyHostConfigOverride(securityHardenedHostConfig(spec), spec.HostConfig)
	if err != nil {
		return "", fmt.Errorf("applying host config override for %s: %w", spec.Name, err)
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *dockerClient) startContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerClient) stopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (d *dockerClient) killContainer(ctx context.Context, id string) error {
	return d.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (d *dockerClient) removeContainer(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (d *dockerClient) containerIP(ctx context.Context, id string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("no network settings for container %s", id)
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress, nil
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("no IP address for container %s", id)
}

// attach opens stdin/stdout streams to the container, demultiplexing
// Docker's framed stdout/stderr format since Tty is disabled.
func (d *dockerClient) attach(ctx context.Context, id string) (io.WriteCloser, io.ReadCloser, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("attaching to container %s: %w", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		demultiplex(resp.Reader, pw)
	}()

	return writeCloserFunc{w: resp.Conn, closeFn: resp.Close}, pr, nil
}

type writeCloserFunc struct {
	w       io.Writer
	closeFn func()
}

func (w writeCloserFunc) Write(p []byte) (int, error) { return w.w.Write(p) }
func (w writeCloserFunc) Close() error                { w.closeFn(); return nil }

// demultiplex reads Docker's 8-byte-header multiplexed stream (stream type
// byte, 3 reserved bytes, big-endian uint32 frame size) and forwards stdout
// and stderr frames to writer, since both carry agent output worth seeing.
func demultiplex(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			writer.Write(data)
		}
	}
}

// parseMemory parses a memory limit string like "512m" or "2g" into bytes,
// returning 0 for an empty or unparseable value (no limit applied).
func parseMemory(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}
