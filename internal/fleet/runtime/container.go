package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/config"
	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/safepath"
	"github.com/ikido/herdctl/internal/fleet/upstream"
	"go.uber.org/zap"
)

// newDockerClientFunc creates the docker client. Overridable in tests to
// simulate daemon unavailability without a real socket.
type newDockerClientFunc func(config.DockerConfig, *logger.Logger) (*dockerClient, error)

// ContainerRuntime spawns a sibling container per job on the host Docker
// socket (never Docker-in-Docker) and bridges its stdin/stdout to the
// stream-json upstream protocol. The Docker client is created lazily on
// first use and retried on every subsequent call if that first attempt
// failed, so a transiently unavailable daemon doesn't permanently disable
// the runtime.
type ContainerRuntime struct {
	cfg           config.DockerConfig
	log           *logger.Logger
	newClientFunc newDockerClientFunc

	mu          sync.Mutex
	initialized bool
	client      *dockerClient
}

// NewContainerRuntime returns a container runtime using cfg's process-wide
// Docker defaults (host, default network/image/memory).
func NewContainerRuntime(cfg config.DockerConfig, log *logger.Logger) *ContainerRuntime {
	return &ContainerRuntime{
		cfg:           cfg,
		log:           log.WithFields(zap.String("runtime", "container")),
		newClientFunc: newDockerClient,
	}
}

func (r *ContainerRuntime) ensureClient() (*dockerClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return r.client, nil
	}
	cli, err := r.newClientFunc(r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.client = cli
	r.initialized = true
	return cli, nil
}

// Close releases the Docker client if one was ever created.
func (r *ContainerRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		r.initialized = false
		return err
	}
	return nil
}

// buildContainerSpec resolves one job's container configuration from the
// agent's resolved Docker override layered over the process-wide defaults.
// Container identifiers are derived from identifier-validated agent/job
// names (§4.5) via safepath.
func (r *ContainerRuntime) buildContainerSpec(agentName, jobID string, agent model.ResolvedAgent, args []string) (containerSpec, error) {
	if !safepath.IsValidIdentifier(agentName) {
		return containerSpec{}, fmt.Errorf("runtime: invalid agent name %q for container identifier", agentName)
	}
	if !safepath.IsValidIdentifier(jobID) {
		return containerSpec{}, fmt.Errorf("runtime: invalid job id %q for container identifier", jobID)
	}

	image := r.cfg.DefaultImage
	memory := parseMemory(r.cfg.DefaultMemory)
	network := r.cfg.DefaultNetwork
	var env []string
	var hostConfigOverride map[string]any

	if agent.Docker != nil {
		if agent.Docker.Image != "" {
			image = agent.Docker.Image
		}
		if agent.Docker.Memory != "" {
			memory = parseMemory(agent.Docker.Memory)
		}
		if agent.Docker.Network != "" {
			network = agent.Docker.Network
		}
		for k, v := range agent.Docker.Environment {
			env = append(env, k+"="+v)
		}
		hostConfigOverride = agent.Docker.HostConfigOverride
	}

	var mounts []dockerMount
	if agent.WorkingDirectory != "" {
		mounts = append(mounts, dockerMount{Source: agent.WorkingDirectory, Target: "/workspace", ReadOnly: false})
	}

	return containerSpec{
		Name:        "fleetcore-" + agentName + "-" + jobID,
		Image:       image,
		Cmd:         args,
		Env:         env,
		WorkingDir:  "/workspace",
		Mounts:      mounts,
		NetworkMode: network,
		Memory:      memory,
		Labels: map[string]string{
			"fleetcore.agent": agentName,
			"fleetcore.job":   jobID,
		},
		HostConfig: hostConfigOverride,
	}, nil
}

// toolBridgeEnvVar is the environment variable naming the URL an in-container
// agent process uses to reach its job's injected tool servers (§4.5).
const toolBridgeEnvVar = "FLEETCORE_TOOL_BRIDGE_URL"

// Execute launches a sibling container running the provider CLI in
// stream-json mode and attaches to its stdio.
func (r *ContainerRuntime) Execute(ctx context.Context, req ExecuteRequest) (Sequence, error) {
	cli, err := r.ensureClient()
	if err != nil {
		return nil, &Error{Phase: PhaseInit, Err: fmt.Errorf("docker unavailable: %w", err)}
	}

	jobID, _ := req.Cancel.Context().Value(jobIDContextKey{}).(string)
	if jobID == "" {
		jobID = "job"
	}
	// Injected tool servers reach the container via the host-gateway env var
	// set below, once the bridge's port is known — never via --mcp-server,
	// which is the in-process runtime's mechanism instead.
	args := buildArgs(req, nil)
	spec, err := r.buildContainerSpec(req.Agent.Name, jobID, req.Agent, args)
	if err != nil {
		return nil, &Error{Phase: PhaseInit, Err: err}
	}

	var bridge *ToolBridge
	if len(req.InjectedToolServers) > 0 {
		bridge = NewToolBridge(req.InjectedToolServers, r.log)
		port, err := bridge.Start()
		if err != nil {
			return nil, &Error{Phase: PhaseInit, Err: err}
		}
		spec.Env = append(spec.Env, toolBridgeEnvVar+"="+HostURL(port))
		spec.ExtraHosts = append(spec.ExtraHosts, "host.docker.internal:host-gateway")
	}

	containerID, err := cli.createContainer(ctx, spec)
	if err != nil {
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: err}
	}

	stdin, stdout, err := cli.attach(ctx, containerID)
	if err != nil {
		_ = cli.removeContainer(ctx, containerID)
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: err}
	}

	if err := cli.startContainer(ctx, containerID); err != nil {
		_ = cli.removeContainer(ctx, containerID)
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: err}
	}

	prompt := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	prompt.Message.Role = "user"
	prompt.Message.Content = req.Prompt
	data, err := json.Marshal(prompt)
	if err != nil {
		_ = cli.removeContainer(ctx, containerID)
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: err}
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		_ = cli.removeContainer(ctx, containerID)
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: fmt.Errorf("writing initial prompt: %w", err)}
	}

	seq := &containerSequence{
		log:         r.log,
		cli:         cli,
		bridge:      bridge,
		containerID: containerID,
		stdin:       stdin,
		stdout:      stdout,
		lines:       make(chan []byte, 16),
		errs:        make(chan error, 1),
	}
	go seq.readLoop()
	return seq, nil
}

type jobIDContextKey struct{}

// WithJobID attaches a job ID to a context so the container runtime can
// derive a stable, identifier-valid container name from it.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDContextKey{}, jobID)
}

type containerSequence struct {
	log         *logger.Logger
	cli         *dockerClient
	containerID string
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	bridge      *ToolBridge

	lines chan []byte
	errs  chan error

	closeOnce sync.Once
	gotFirst  bool
}

func (s *containerSequence) readLoop() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		s.lines <- cp
	}
	if err := scanner.Err(); err != nil {
		s.errs <- err
	}
}

func (s *containerSequence) Next(ctx context.Context) (*upstream.Message, bool, error) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			select {
			case err := <-s.errs:
				phase := PhaseStream
				if !s.gotFirst {
					phase = PhaseInit
				}
				return nil, false, &Error{Phase: phase, Err: err}
			default:
				return nil, false, nil
			}
		}
		var msg upstream.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			phase := PhaseStream
			if !s.gotFirst {
				phase = PhaseInit
			}
			return nil, false, &Error{Phase: phase, Err: fmt.Errorf("malformed upstream message: %w", err)}
		}
		s.gotFirst = true
		return &msg, true, nil
	case <-ctx.Done():
		return nil, false, &Error{Phase: PhaseStream, Err: ctx.Err()}
	}
}

// Close kills and removes the sibling container, per the runtime contract's
// requirement that cancellation release all resources within bounded time.
func (s *containerSequence) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		_ = s.stdout.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if killErr := s.cli.killContainer(ctx, s.containerID); killErr != nil {
			s.log.Warn("failed to kill agent container", zap.String("container_id", s.containerID), zap.Error(killErr))
		}
		if rmErr := s.cli.removeContainer(ctx, s.containerID); rmErr != nil {
			s.log.Warn("failed to remove agent container", zap.String("container_id", s.containerID), zap.Error(rmErr))
			err = rmErr
		}
		if s.bridge != nil {
			if bridgeErr := s.bridge.Close(); bridgeErr != nil {
				s.log.Warn("failed to close tool bridge", zap.String("container_id", s.containerID), zap.Error(bridgeErr))
			}
		}
	})
	return err
}
