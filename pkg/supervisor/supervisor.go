// Package supervisor manages the single long-lived gateway process inside
// the container: idempotent start, process-table health checks, and the
// two completion-detection strategies (bounded status polling for short
// commands, sentinel polling for multi-step pipelines whose status field
// cannot be trusted).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keelson-run/keelson/pkg/log"
	"github.com/keelson-run/keelson/pkg/runtime/docker"
)

// ErrTimeout marks a bounded wait that elapsed without an observable
// result. Distinct from an explicit failure sentinel.
var ErrTimeout = errors.New("timed out")

const (
	defaultReadyTimeout = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Gateway is a handle to the supervised process. Handle is nil when the
// process was adopted from a process-table scan rather than started here.
type Gateway struct {
	PID     int
	Command string
	Handle  docker.Handle
}

// StartCommand describes how to start the gateway and how to recognize it.
type StartCommand struct {
	// Argv is the gateway command line.
	Argv []string
	// Pattern is the command-line signature used to find an already
	// running gateway in the process table.
	Pattern string
	// ReadySentinels are literal strings the gateway prints once it is
	// accepting connections.
	ReadySentinels []string
	// ReadyTimeout bounds the wait for a readiness sign. Zero means the
	// default.
	ReadyTimeout time.Duration
	// PollInterval is the readiness/status polling cadence. Zero means
	// the default.
	PollInterval time.Duration
}

// Supervisor runs and watches processes inside one container.
type Supervisor struct {
	exec docker.Execer
}

// New creates a Supervisor on top of a container command runner.
func New(exec docker.Execer) *Supervisor {
	return &Supervisor{exec: exec}
}

// FindRunning scans the container's process table for a running process
// whose command line contains pattern. Returns nil without error when no
// match exists.
func (s *Supervisor) FindRunning(ctx context.Context, pattern string) (*Gateway, error) {
	if pattern == "" {
		return nil, fmt.Errorf("process pattern is required")
	}
	res, err := s.exec.Run(ctx, []string{"ps", "-eo", "pid,stat,args"})
	if err != nil {
		return nil, fmt.Errorf("failed to list container processes: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ps exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return matchProcess(res.Stdout, pattern), nil
}

func matchProcess(psOutput, pattern string) *Gateway {
	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header or garbage line
		}
		stat := fields[1]
		args := strings.Join(fields[2:], " ")
		if strings.HasPrefix(stat, "Z") {
			continue
		}
		if strings.Contains(args, "ps -eo") {
			continue
		}
		if strings.Contains(args, pattern) {
			return &Gateway{PID: pid, Command: args}
		}
	}
	return nil
}

// EnsureRunning returns the gateway if one matching cmd.Pattern is already
// running; otherwise it starts cmd.Argv and waits for a readiness sign: a
// ready sentinel in the output, or the process settling in the process
// table. Start failures are reported, not retried; retry policy belongs to
// the caller.
func (s *Supervisor) EnsureRunning(ctx context.Context, cmd StartCommand, env []string) (*Gateway, error) {
	existing, err := s.FindRunning(ctx, cmd.Pattern)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debug("gateway already running", "pid", existing.PID)
		return existing, nil
	}

	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("start command is required")
	}
	log.Info("starting gateway", "argv", strings.Join(cmd.Argv, " "))
	h, err := s.exec.Exec(ctx, cmd.Argv, env)
	if err != nil {
		return nil, fmt.Errorf("failed to start gateway: %w", err)
	}

	timeout := cmd.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	poll := cmd.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	for {
		out := h.Stdout()
		for _, sentinel := range cmd.ReadySentinels {
			if strings.Contains(out, sentinel) {
				return s.adopt(ctx, cmd.Pattern, h), nil
			}
		}

		running, err := h.Running(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check gateway status: %w", err)
		}
		if !running {
			code, codeErr := h.ExitCode(ctx)
			if codeErr != nil {
				return nil, fmt.Errorf("gateway exited during start: %w", codeErr)
			}
			return nil, fmt.Errorf("gateway exited during start with code %d: %s", code, Truncate(h.Stderr(), 1024))
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("gateway produced no readiness sign within %s: %w", timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// adopt resolves the PID of a freshly started gateway. Best effort: the
// handle alone is a usable reference even when the scan misses.
func (s *Supervisor) adopt(ctx context.Context, pattern string, h docker.Handle) *Gateway {
	g := &Gateway{Handle: h}
	if found, err := s.FindRunning(ctx, pattern); err == nil && found != nil {
		g.PID = found.PID
		g.Command = found.Command
	}
	return g
}

// WaitForCompletion polls the platform status field until it leaves
// "running" or the timeout is exhausted. Adequate only for short
// single-command checks; multi-step pipelines must use WaitForSentinel.
func (s *Supervisor) WaitForCompletion(ctx context.Context, h docker.Handle, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		running, err := h.Running(ctx)
		if err != nil {
			return fmt.Errorf("failed to poll process status: %w", err)
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("process still reported running after %s: %w", timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// SentinelResult is the outcome of a sentinel wait.
type SentinelResult struct {
	// Found is the sentinel that matched, empty when none did.
	Found string
	// TimedOut reports that the bounded wait elapsed with no sentinel.
	TimedOut bool
	// Stdout and Stderr are the output snapshots at decision time.
	Stdout string
	Stderr string
}

// WaitForSentinel polls the accumulated output for any of the given
// literal marker strings. This is the canonical completion detection for
// multi-step shell operations: the supervised command contractually prints
// exactly one sentinel on completion, success or failure distinguished by
// which one matched.
func (s *Supervisor) WaitForSentinel(ctx context.Context, h docker.Handle, sentinels []string, timeout, poll time.Duration) (SentinelResult, error) {
	if len(sentinels) == 0 {
		return SentinelResult{}, fmt.Errorf("at least one sentinel is required")
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		out := h.Stdout()
		for _, sentinel := range sentinels {
			if strings.Contains(out, sentinel) {
				return SentinelResult{Found: sentinel, Stdout: out, Stderr: h.Stderr()}, nil
			}
		}
		if time.Now().After(deadline) {
			return SentinelResult{TimedOut: true, Stdout: out, Stderr: h.Stderr()}, nil
		}
		select {
		case <-ctx.Done():
			return SentinelResult{}, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Truncate bounds s to max bytes for presentation in error details.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
