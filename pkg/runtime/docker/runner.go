// Package docker runs commands inside the supervised container through the
// Docker exec API. The exec inspect status is the platform's unreliable
// "is it still running" signal; callers that need real completion evidence
// poll the accumulated output for sentinel strings instead (pkg/supervisor).
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Handle is a live reference to one command executing inside the
// container. The underlying process is owned by the container; the handle
// only observes it.
type Handle interface {
	// Running reports the platform's status field for the process. It is
	// not trustworthy for "has it finished" on long-running commands.
	Running(ctx context.Context) (bool, error)
	// ExitCode returns the recorded exit code. Only meaningful once
	// Running has reported false.
	ExitCode(ctx context.Context) (int, error)
	// Stdout returns a snapshot of the output accumulated so far.
	Stdout() string
	// Stderr returns a snapshot of the error output accumulated so far.
	Stderr() string
	// Wait blocks until the command's output stream closes or the context
	// is done.
	Wait(ctx context.Context) error
}

// RunResult is the outcome of a short, blocking command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Execer abstracts command execution inside the container so the
// supervisor and sync engine can be tested against fakes.
type Execer interface {
	Exec(ctx context.Context, argv []string, env []string) (Handle, error)
	Run(ctx context.Context, argv []string) (RunResult, error)
}

// execAPI is the slice of the Docker client the Runner needs.
type execAPI interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Runner executes commands inside one container via the Docker API.
type Runner struct {
	cli         execAPI
	containerID string
}

// NewRunner creates a Runner for the given container using environment
// defaults for the Docker endpoint.
func NewRunner(containerID string) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{cli: cli, containerID: containerID}, nil
}

// NewRunnerWithClient creates a Runner with an explicit API client.
func NewRunnerWithClient(cli execAPI, containerID string) *Runner {
	return &Runner{cli: cli, containerID: containerID}
}

// ContainerID returns the identity of the supervised container.
func (r *Runner) ContainerID() string {
	return r.containerID
}

// Exec starts argv inside the container and returns a handle that
// accumulates its output. The command keeps running after Exec returns.
func (r *Runner) Exec(ctx context.Context, argv []string, env []string) (Handle, error) {
	created, err := r.cli.ContainerExecCreate(ctx, r.containerID, container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", r.containerID, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec %s: %w", created.ID, err)
	}

	p := &proc{
		cli:    r.cli,
		execID: created.ID,
		done:   make(chan struct{}),
	}
	go func() {
		_, copyErr := demux(&lockedWriter{mu: &p.mu, buf: &p.stdout}, &lockedWriter{mu: &p.mu, buf: &p.stderr}, attach.Reader)
		attach.Close()
		p.mu.Lock()
		p.copyErr = copyErr
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Run executes a short command and blocks until its output stream closes,
// then reads the exit code. Long-running or multi-step commands should use
// Exec with sentinel polling instead.
func (r *Runner) Run(ctx context.Context, argv []string) (RunResult, error) {
	h, err := r.Exec(ctx, argv, nil)
	if err != nil {
		return RunResult{}, err
	}
	if err := h.Wait(ctx); err != nil {
		return RunResult{}, err
	}
	code, err := h.ExitCode(ctx)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Stdout: h.Stdout(), Stderr: h.Stderr(), ExitCode: code}, nil
}

// demux splits a multiplexed attach stream into stdout and stderr. Seam
// for tests that feed plain pipes instead of docker-framed streams.
var demux = func(dstout, dsterr io.Writer, src io.Reader) (int64, error) {
	return stdcopy.StdCopy(dstout, dsterr, src)
}

type proc struct {
	cli    execAPI
	execID string

	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	copyErr error

	done chan struct{}
}

func (p *proc) Running(ctx context.Context) (bool, error) {
	inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect exec %s: %w", p.execID, err)
	}
	return inspect.Running, nil
}

func (p *proc) ExitCode(ctx context.Context) (int, error) {
	inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect exec %s: %w", p.execID, err)
	}
	return inspect.ExitCode, nil
}

func (p *proc) Stdout() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String()
}

func (p *proc) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

func (p *proc) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.copyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}
