package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keelson-run/keelson/pkg/backup"
	"github.com/keelson-run/keelson/pkg/boot"
	"github.com/keelson-run/keelson/pkg/config"
	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/runtime/docker"
	"github.com/keelson-run/keelson/pkg/store"
	"github.com/keelson-run/keelson/pkg/supervisor"
)

// defaultReadySentinel is printed by the gateway once it is accepting
// connections.
const defaultReadySentinel = "gateway listening"

// app wires the component graph for the commands that talk to a running
// container.
type app struct {
	cfg    config.Config
	runner docker.Execer
	sup    *supervisor.Supervisor
	engine *backup.Engine
	repo   *backup.RepoBackup
}

func newApp(cfg config.Config) (*app, error) {
	if cfg.Container.ID == "" {
		return nil, fmt.Errorf("container id is required (container.id in the config, or %s)", config.EnvContainerID)
	}
	runner, err := docker.NewRunner(cfg.Container.ID)
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	sup := supervisor.New(runner)
	mounter := store.NewManager(runner, cfg.StoreCredentials())

	a := &app{
		cfg:    cfg,
		runner: runner,
		sup:    sup,
		engine: backup.NewEngine(runner, mounter, sup),
	}
	if cfg.Repo.RemoteURL != "" {
		a.repo = backup.NewRepoBackup(backup.RepoConfig{
			RemoteURL: cfg.Repo.RemoteURL,
			Token:     cfg.Repo.Token,
			Branch:    cfg.Repo.Branch,
		})
	}
	return a, nil
}

func (a *app) pattern() string {
	if a.cfg.Gateway.Pattern != "" {
		return a.cfg.Gateway.Pattern
	}
	if len(a.cfg.Gateway.Command) > 0 {
		return a.cfg.Gateway.Command[0]
	}
	return boot.DefaultGatewayCommand()[0]
}

func (a *app) startCommand() supervisor.StartCommand {
	argv := a.cfg.Gateway.Command
	if len(argv) == 0 {
		argv = boot.DefaultGatewayCommand()
	}
	sentinels := a.cfg.Gateway.ReadySentinels
	if len(sentinels) == 0 {
		sentinels = []string{defaultReadySentinel}
	}
	return supervisor.StartCommand{
		Argv:           argv,
		Pattern:        a.pattern(),
		ReadySentinels: sentinels,
	}
}

// Ensure implements relay.GatewayEnsurer.
func (a *app) Ensure(ctx context.Context) error {
	_, err := a.sup.EnsureRunning(ctx, a.startCommand(), nil)
	return err
}

// statusReport is the health snapshot served by GET /status and the
// status command.
type statusReport struct {
	Container       string `json:"container"`
	GatewayRunning  bool   `json:"gateway_running"`
	GatewayPID      int    `json:"gateway_pid,omitempty"`
	BootAgeSeconds  int64  `json:"boot_age_seconds,omitempty"`
	RestoreComplete bool   `json:"restore_complete"`
	LocalLastSync   string `json:"local_last_sync,omitempty"`
	RemoteLastSync  string `json:"remote_last_sync,omitempty"`
}

func (a *app) collectStatus(ctx context.Context) (statusReport, error) {
	rep := statusReport{Container: a.cfg.Container.ID}

	gw, err := a.sup.FindRunning(ctx, a.pattern())
	if err != nil {
		return rep, fmt.Errorf("scan process table: %w", err)
	}
	if gw != nil {
		rep.GatewayRunning = true
		rep.GatewayPID = gw.PID
	}

	paths := lifecycle.DefaultPaths()
	remote := lifecycle.DefaultRemotePaths()
	if raw := a.catFile(ctx, paths.BootStamp()); raw != "" {
		if booted, err := lifecycle.ParseBootStamp(raw); err == nil {
			rep.BootAgeSeconds = int64(time.Since(booted).Seconds())
		}
	}
	rep.RestoreComplete = a.fileExists(ctx, paths.RestoreComplete())
	rep.LocalLastSync = a.catFile(ctx, paths.LastSync())
	rep.RemoteLastSync = a.catFile(ctx, remote.LastSync())
	if rep.RemoteLastSync == "" {
		rep.RemoteLastSync = a.catFile(ctx, remote.LegacyLastSync())
	}
	return rep, nil
}

func (a *app) catFile(ctx context.Context, path string) string {
	res, err := a.runner.Run(ctx, []string{"sh", "-c", "cat " + path + " 2>/dev/null"})
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (a *app) fileExists(ctx context.Context, path string) bool {
	res, err := a.runner.Run(ctx, []string{"test", "-f", path})
	return err == nil && res.ExitCode == 0
}
