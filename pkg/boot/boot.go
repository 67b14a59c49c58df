// Package boot implements the container-side startup routine: it records
// the boot timestamp, quarantines known-corrupt configuration, restores
// state from the durable snapshot when the snapshot is newer, applies
// environment overrides, and finally launches the gateway process. It
// runs inside the container against the plain filesystem; the externally
// running sync engine observes its progress through the marker files in
// pkg/lifecycle.
package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/log"
)

// Phase is the observable progress of one boot attempt.
type Phase int

const (
	PhaseBooting Phase = iota
	PhaseQuarantining
	PhaseRestoring
	PhaseInitialized
	PhaseConfigApplied
	PhaseGatewayStarting
	PhaseGatewayRunning
)

var phaseNames = map[Phase]string{
	PhaseBooting:         "booting",
	PhaseQuarantining:    "quarantining",
	PhaseRestoring:       "restoring",
	PhaseInitialized:     "initialized",
	PhaseConfigApplied:   "config-applied",
	PhaseGatewayStarting: "gateway-starting",
	PhaseGatewayRunning:  "gateway-running",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Default gateway launch parameters. The bind mode and token are passed
// through to the gateway's own flag surface.
const (
	DefaultBindMode = "loopback"

	// crashWindow is how long a freshly started gateway is watched for an
	// immediate exit before the start is considered to have taken.
	crashWindow = 2 * time.Second
)

// DefaultGatewayCommand is the gateway argv launched when none is
// configured.
func DefaultGatewayCommand() []string {
	return []string{"keelson-gateway", "serve"}
}

// GatewayConfig describes how the supervised gateway process is launched.
type GatewayConfig struct {
	// Command is the base argv; bind mode and auth flags are appended.
	Command []string
	// BindMode is passed as --bind; defaults to DefaultBindMode.
	BindMode string
	// AuthToken, when set, is passed as --token. When empty the gateway
	// is started in interactive pairing mode instead.
	AuthToken string
	// Pattern is the command-line signature used for the
	// already-running check. Defaults to Command[0].
	Pattern string
}

func (g GatewayConfig) argv() []string {
	cmd := g.Command
	if len(cmd) == 0 {
		cmd = DefaultGatewayCommand()
	}
	bind := g.BindMode
	if bind == "" {
		bind = DefaultBindMode
	}
	argv := append(append([]string{}, cmd...), "--bind", bind)
	if g.AuthToken != "" {
		return append(argv, "--token", g.AuthToken)
	}
	return append(argv, "--pairing")
}

func (g GatewayConfig) pattern() string {
	if g.Pattern != "" {
		return g.Pattern
	}
	if len(g.Command) > 0 {
		return g.Command[0]
	}
	return DefaultGatewayCommand()[0]
}

// Protocol is one boot attempt. The zero value is not usable; call New.
type Protocol struct {
	Paths   lifecycle.Paths
	Remote  lifecycle.RemotePaths
	Gateway GatewayConfig

	// SkipStart stops the protocol after ConfigApplied without launching
	// the gateway. Used by dry runs and tests.
	SkipStart bool

	getenv       func(string) string
	now          func() time.Time
	launch       func(argv []string) (exited bool, code int, err error)
	gatewayAlive func(ctx context.Context, pattern string) (bool, error)
}

// New returns a Protocol against the standard container layout.
func New() *Protocol {
	return &Protocol{
		Paths:        lifecycle.DefaultPaths(),
		Remote:       lifecycle.DefaultRemotePaths(),
		getenv:       os.Getenv,
		now:          time.Now,
		launch:       launchGateway,
		gatewayAlive: gatewayAlive,
	}
}

// Run executes the boot protocol and returns the phase reached. On error
// the returned phase is the one in which the failure occurred.
func (p *Protocol) Run(ctx context.Context) (Phase, error) {
	phase := PhaseBooting

	running, err := p.gatewayAlive(ctx, p.Gateway.pattern())
	if err != nil {
		log.Warnf("gateway liveness probe failed, assuming not running: %v", err)
	}
	if running {
		log.Info("gateway already running, nothing to do")
		return PhaseGatewayRunning, nil
	}

	// The boot stamp goes down before anything else so even a boot that
	// fails later leaves an age signal behind.
	if err := p.writeBootStamp(); err != nil {
		return phase, err
	}

	quarantined, err := p.quarantine()
	if err != nil {
		return PhaseQuarantining, err
	}
	if quarantined {
		phase = PhaseQuarantining
	}

	restored, err := p.restore()
	if err != nil {
		return PhaseRestoring, err
	}
	if restored {
		phase = PhaseRestoring
		// The snapshot itself might carry the same corruption.
		if _, err := p.quarantine(); err != nil {
			return PhaseRestoring, err
		}
	}

	if err := p.initializeConfig(); err != nil {
		return phase, err
	}
	phase = PhaseInitialized

	if err := p.writeRestoreComplete(); err != nil {
		return phase, err
	}

	if err := p.applyOverrides(); err != nil {
		return phase, err
	}
	phase = PhaseConfigApplied

	if p.SkipStart {
		return phase, nil
	}

	phase = PhaseGatewayStarting
	argv := p.Gateway.argv()
	log.Info("starting gateway", "command", argv[0])
	exited, code, err := p.launch(argv)
	if err != nil {
		return phase, fmt.Errorf("start gateway: %w", err)
	}
	if exited && code != 0 {
		return phase, fmt.Errorf("gateway exited immediately with code %d", code)
	}
	return PhaseGatewayRunning, nil
}

func (p *Protocol) writeBootStamp() error {
	if err := os.MkdirAll(p.Paths.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	stamp := strconv.FormatInt(p.now().Unix(), 10)
	if err := os.WriteFile(p.Paths.BootStamp(), []byte(stamp+"\n"), 0o644); err != nil {
		return fmt.Errorf("write boot stamp: %w", err)
	}
	return nil
}

func (p *Protocol) writeRestoreComplete() error {
	if err := os.WriteFile(p.Paths.RestoreComplete(), []byte{}, 0o644); err != nil {
		return fmt.Errorf("write restore-complete marker: %w", err)
	}
	return nil
}

// launchGateway starts the gateway and watches it for an immediate exit.
// The gateway is meant to outlive this process, so it is not tied to a
// context; a successful start simply reports that the process survived
// the crash window.
func launchGateway(argv []string) (bool, int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return false, 0, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		return true, cmd.ProcessState.ExitCode(), nil
	case <-time.After(crashWindow):
		go func() { <-done }()
		return false, 0, nil
	}
}

func gatewayAlive(ctx context.Context, pattern string) (bool, error) {
	err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}
