package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/upstream"
	"go.uber.org/zap"
)

// CLILauncher starts the upstream AI provider's CLI in stream-json mode and
// returns its stdin/stdout pipes plus a wait function. Overridable in tests.
type CLILauncher func(ctx context.Context, agent model.ResolvedAgent, args []string) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)

// InProcessRuntime calls the upstream AI provider's streaming API directly by
// driving its CLI over stdin/stdout in stream-json mode, the same framing
// that the bundled CLI client speaks: newline-delimited JSON out, newline-
// delimited JSON in.
type InProcessRuntime struct {
	log     *logger.Logger
	launch  CLILauncher
}

// NewInProcessRuntime returns a runtime that launches the real CLI binary.
func NewInProcessRuntime(log *logger.Logger) *InProcessRuntime {
	return &InProcessRuntime{
		log:    log.WithFields(zap.String("runtime", "in-process")),
		launch: defaultLauncher,
	}
}

// NewInProcessRuntimeWithLauncher allows tests to substitute a fake CLI.
func NewInProcessRuntimeWithLauncher(log *logger.Logger, launch CLILauncher) *InProcessRuntime {
	return &InProcessRuntime{
		log:    log.WithFields(zap.String("runtime", "in-process")),
		launch: launch,
	}
}

// buildArgs translates the resolved agent into the provider's CLI option
// vector: permission mode, allowed/denied tools, system prompt, setting
// sources, model, resume/fork. toolServerURLs maps an injected tool server's
// name to the base URL a --mcp-server flag should point it at; a server with
// no entry (e.g. the container runtime, which wires injected servers via the
// host-gateway env var instead) is omitted from the emitted flags entirely,
// so the two runtimes never both reach for the same mechanism.
func buildArgs(req ExecuteRequest, toolServerURLs map[string]string) []string {
	agent := req.Agent
	args := []string{"--output-format", "stream-json", "--input-format", "stream-json"}

	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}
	if agent.PermissionMode != "" {
		args = append(args, "--permission-mode", string(agent.PermissionMode))
	}
	allowedBash, deniedBash := agent.BashToolPatterns()
	allowed := append(append([]string{}, agent.AllowedTools...), allowedBash...)
	denied := append(append([]string{}, agent.DeniedTools...), deniedBash...)
	for _, t := range allowed {
		args = append(args, "--allowed-tools", t)
	}
	for _, t := range denied {
		args = append(args, "--denied-tools", t)
	}
	if agent.SystemPrompt != "" {
		args = append(args, "--system-prompt", agent.SystemPrompt)
	}
	for _, s := range agent.EffectiveSettingSources() {
		args = append(args, "--setting-sources", s)
	}
	if agent.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(agent.MaxTurns))
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
		if req.Fork {
			args = append(args, "--fork-session")
		}
	}
	for name, mcp := range agent.MCPServers {
		if mcp.URL != "" {
			args = append(args, "--mcp-server", name+"="+mcp.URL)
		}
	}
	for _, ts := range req.InjectedToolServers {
		if url, ok := toolServerURLs[ts.Name]; ok {
			args = append(args, "--mcp-server", ts.Name+"="+url)
		}
	}
	return args
}

func defaultLauncher(ctx context.Context, agent model.ResolvedAgent, args []string) (io.WriteCloser, io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "claude", args...)
	if agent.WorkingDirectory != "" {
		cmd.Dir = agent.WorkingDirectory
	}
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return stdin, stdout, cmd.Wait, nil
}

// Execute spawns the provider CLI and begins feeding req.Prompt to it. When
// the request injects tool servers, a ToolBridge is started on loopback
// first (§4.5 requires injected servers be "wired as in-process handlers"
// for this runtime) and its real per-server URLs are passed to the CLI via
// --mcp-server, mirroring how the container runtime wires the same servers
// over its own network instead.
func (r *InProcessRuntime) Execute(ctx context.Context, req ExecuteRequest) (Sequence, error) {
	var bridge *ToolBridge
	var toolServerURLs map[string]string
	if len(req.InjectedToolServers) > 0 {
		bridge = NewToolBridge(req.InjectedToolServers, r.log)
		port, err := bridge.Start()
		if err != nil {
			return nil, &Error{Phase: PhaseInit, Err: fmt.Errorf("starting tool bridge: %w", err)}
		}
		toolServerURLs = make(map[string]string, len(req.InjectedToolServers))
		for _, ts := range req.InjectedToolServers {
			toolServerURLs[ts.Name] = LocalHostURL(port) + "/" + ts.Name
		}
	}

	args := buildArgs(req, toolServerURLs)
	stdin, stdout, wait, err := r.launch(ctx, req.Agent, args)
	if err != nil {
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: fmt.Errorf("launching in-process runtime: %w", err)}
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
		stdin.Close()
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: err}
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		stdin.Close()
		if bridge != nil {
			_ = bridge.Close()
		}
		return nil, &Error{Phase: PhaseInit, Err: fmt.Errorf("writing initial prompt: %w", err)}
	}

	seq := &inProcessSequence{
		log:    r.log,
		stdin:  stdin,
		stdout: stdout,
		wait:   wait,
		bridge: bridge,
		lines:  make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
	go seq.readLoop()
	return seq, nil
}

type inProcessSequence struct {
	log    *logger.Logger
	stdin  io.WriteCloser
	stdout io.ReadCloser
	wait   func() error
	bridge *ToolBridge

	lines chan []byte
	errs  chan error

	closeOnce sync.Once
	gotFirst  bool
}

func (s *inProcessSequence) readLoop() {
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

func (s *inProcessSequence) Next(ctx context.Context) (*upstream.Message, bool, error) {
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

// Close kills the subprocess, releases its pipes, and tears down the tool
// bridge if one was started. Safe to call more than once.
func (s *inProcessSequence) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		_ = s.stdout.Close()
		if s.wait != nil {
			err = s.wait()
		}
		if s.bridge != nil {
			_ = s.bridge.Close()
		}
	})
	return err
}
