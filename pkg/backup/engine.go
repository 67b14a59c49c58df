// Package backup syncs the container's mutable state into the durable
// store. A three-check safety gate guards every attempt so that a fresh or
// half-restored container can never destroy a good snapshot, and the
// upload itself is additive: pre-existing remote files are overwritten or
// left alone, never deleted.
package backup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/log"
	"github.com/keelson-run/keelson/pkg/runtime/docker"
	"github.com/keelson-run/keelson/pkg/supervisor"
)

const (
	// archiveTimeout bounds the sentinel wait for the archive-and-upload
	// pipeline. Generous: archiving can take far longer than status
	// polling tolerates.
	archiveTimeout = 10 * time.Minute
	archivePoll    = 2 * time.Second

	detailLimit = 2048
)

// SyncOptions control one sync attempt. Force bypasses safety gate checks
// B and C; check A and the non-destructive-upload policy are absolute.
type SyncOptions struct {
	Force bool
}

// SyncResult is the transient outcome of one sync attempt.
type SyncResult struct {
	Success  bool
	LastSync string
	Err      error
	Detail   string
}

// ErrorMessage renders the failure classification, empty on success.
func (r SyncResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Mounter is the durable-store mount dependency (*store.Manager).
type Mounter interface {
	Configured() error
	Mount(ctx context.Context) (bool, error)
}

// SentinelWaiter is the completion-detection dependency
// (*supervisor.Supervisor).
type SentinelWaiter interface {
	WaitForSentinel(ctx context.Context, h docker.Handle, sentinels []string, timeout, poll time.Duration) (supervisor.SentinelResult, error)
}

// Engine runs the gated sync against one container.
type Engine struct {
	exec    docker.Execer
	mounter Mounter
	waiter  SentinelWaiter
	paths   lifecycle.Paths
	remote  lifecycle.RemotePaths

	// mu serializes sync attempts per container; overlapping triggers
	// (manual over scheduled) get a busy result instead of interleaving.
	mu sync.Mutex

	now            func() time.Time
	archiveTimeout time.Duration
	archivePoll    time.Duration
}

// NewEngine creates a sync engine for the standard container layout.
func NewEngine(exec docker.Execer, mounter Mounter, waiter SentinelWaiter) *Engine {
	return &Engine{
		exec:           exec,
		mounter:        mounter,
		waiter:         waiter,
		paths:          lifecycle.DefaultPaths(),
		remote:         lifecycle.DefaultRemotePaths(),
		now:            time.Now,
		archiveTimeout: archiveTimeout,
		archivePoll:    archivePoll,
	}
}

// Sync runs the full algorithm: configuration check, mount, safety gate,
// pre-clear, archive and upload with sentinel detection, verify. Each step
// short-circuits on failure.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) SyncResult {
	if !e.mu.TryLock() {
		return e.failure(ErrBusy, "a sync for this container is already running")
	}
	defer e.mu.Unlock()

	// Step 1: all three store credentials must be present before any
	// container interaction.
	if err := e.mounter.Configured(); err != nil {
		return e.failure(err, "")
	}

	// Step 2: mount. Fatal to this attempt on failure.
	mounted, err := e.mounter.Mount(ctx)
	if err != nil {
		return e.failure(err, "")
	}
	if !mounted {
		return e.failure(ErrMount, "durable store mount was rejected")
	}

	// Step 3: check A, never skippable. Syncing during a partial restore
	// would persist corrupted state.
	if result := e.checkRestoreComplete(ctx); result != nil {
		return *result
	}

	if !opts.Force {
		// Step 4: check B, minimum age.
		if result := e.checkBootAge(ctx); result != nil {
			return *result
		}
		// Step 5: check C, meaningful state.
		if result := e.checkMeaningfulState(ctx); result != nil {
			return *result
		}
	} else {
		log.Warn("force sync requested, skipping age and state checks")
	}

	// Step 6: pre-clear the remote timestamp so a partial archive failure
	// can never be mistaken for a successful prior sync.
	if result := e.preclearRemoteStamp(ctx); result != nil {
		return *result
	}

	// Step 7: archive and upload, sentinel-detected.
	if result := e.archiveAndUpload(ctx); result != nil {
		return *result
	}

	// Step 8: verify by re-reading the remote timestamp.
	return e.verify(ctx)
}

func (e *Engine) checkRestoreComplete(ctx context.Context) *SyncResult {
	probe := fmt.Sprintf("test -f %s && echo %s", e.paths.RestoreComplete(), lifecycle.RestoreCompleteToken)
	res, err := e.exec.Run(ctx, []string{"sh", "-c", probe})
	if err != nil {
		return e.failurep(fmt.Errorf("restore-complete probe failed: %w", err), "")
	}
	if !strings.Contains(res.Stdout, lifecycle.RestoreCompleteToken) {
		return e.failurep(ErrRestoreNotComplete,
			"restore-complete marker is absent; the container is still booting or ran an incompatible startup routine")
	}
	return nil
}

func (e *Engine) checkBootAge(ctx context.Context) *SyncResult {
	res, err := e.exec.Run(ctx, []string{"cat", e.paths.BootStamp()})
	if err != nil {
		return e.failurep(fmt.Errorf("boot timestamp read failed: %w", err), "")
	}
	if res.ExitCode != 0 {
		return e.failurep(ErrContainerTooYoung,
			"boot timestamp marker is missing; the container may run an old startup routine")
	}
	bootTime, err := lifecycle.ParseBootStamp(res.Stdout)
	if err != nil {
		return e.failurep(ErrContainerTooYoung, err.Error())
	}
	age := e.now().Sub(bootTime)
	if age < lifecycle.MinBootAge {
		return e.failurep(ErrContainerTooYoung,
			fmt.Sprintf("container age %ds is below the minimum %ds; use force to override",
				int(age.Seconds()), int(lifecycle.MinBootAge.Seconds())))
	}
	return nil
}

func (e *Engine) checkMeaningfulState(ctx context.Context) *SyncResult {
	probe := fmt.Sprintf(
		`usage=$(grep -c %s %s 2>/dev/null); files=$(ls -1 %s 2>/dev/null | wc -l); printf '%%s%s%%s' "${usage:-0}" "${files:-0}"`,
		shellQuote(lifecycle.UsageMarkerKey), e.paths.ConfigFile(), e.paths.ConfigDir(), lifecycle.ProbeDelimiter)
	res, err := e.exec.Run(ctx, []string{"sh", "-c", probe})
	if err != nil {
		return e.failurep(fmt.Errorf("usage probe failed: %w", err), "")
	}
	usage, files, err := lifecycle.ParseUsageProbe(res.Stdout)
	if err != nil {
		return e.failurep(fmt.Errorf("usage probe returned garbage: %w", err), supervisor.Truncate(res.Stdout, detailLimit))
	}
	if usage == 0 && files <= lifecycle.MinConfigFiles {
		return e.failurep(ErrNoMeaningfulState,
			fmt.Sprintf("%d files in the config directory and no usage marker; the container looks like an untouched template", files))
	}
	return nil
}

func (e *Engine) preclearRemoteStamp(ctx context.Context) *SyncResult {
	res, err := e.exec.Run(ctx, []string{"rm", "-f", e.remote.LastSync(), e.remote.LegacyLastSync()})
	if err != nil {
		return e.failurep(fmt.Errorf("failed to pre-clear remote timestamp: %w", err), "")
	}
	if res.ExitCode != 0 {
		return e.failurep(fmt.Errorf("%w: pre-clear of remote timestamp exited with code %d", ErrSyncFailed, res.ExitCode),
			supervisor.Truncate(res.Stderr, detailLimit))
	}
	return nil
}

func (e *Engine) archiveAndUpload(ctx context.Context) *SyncResult {
	h, err := e.exec.Exec(ctx, []string{"sh", "-c", e.archiveScript()}, nil)
	if err != nil {
		return e.failurep(fmt.Errorf("failed to start archive pipeline: %w", err), "")
	}
	res, err := e.waiter.WaitForSentinel(ctx, h, []string{lifecycle.SyncOKSentinel, lifecycle.SyncFailSentinel}, e.archiveTimeout, e.archivePoll)
	if err != nil {
		return e.failurep(fmt.Errorf("sentinel wait failed: %w", err), "")
	}
	if res.TimedOut {
		return e.failurep(fmt.Errorf("%w: no completion sentinel within %s", supervisor.ErrTimeout, e.archiveTimeout),
			supervisor.Truncate(res.Stdout+"\n"+res.Stderr, detailLimit))
	}
	if res.Found == lifecycle.SyncFailSentinel {
		return e.failurep(ErrSyncFailed, supervisor.Truncate(res.Stdout+"\n"+res.Stderr, detailLimit))
	}
	return nil
}

func (e *Engine) verify(ctx context.Context) SyncResult {
	res, err := e.exec.Run(ctx, []string{"cat", e.remote.LastSync()})
	if err != nil {
		return e.failure(fmt.Errorf("failed to re-read remote timestamp: %w", err), "")
	}
	if res.ExitCode != 0 {
		return e.failure(ErrSyncFailed, "remote timestamp is absent after upload: "+supervisor.Truncate(res.Stderr, detailLimit))
	}
	stamp, err := lifecycle.ParseSyncStamp(res.Stdout)
	if err != nil {
		return e.failure(ErrSyncFailed, err.Error())
	}
	log.Info("backup sync complete", "last_sync", stamp)
	return SyncResult{Success: true, LastSync: stamp}
}

// archiveScript builds the tar-and-copy pipeline. The pipeline is
// additive: it overwrites the named archives and the timestamp but never
// removes other remote files, so a broken container cannot erase a
// working backup. It prints exactly one completion sentinel.
func (e *Engine) archiveScript() string {
	var excludes strings.Builder
	for _, pattern := range lifecycle.ArchiveExcludes() {
		fmt.Fprintf(&excludes, " --exclude='%s'", pattern)
	}

	backupDir := e.remote.BackupDir()
	var b strings.Builder
	fmt.Fprintf(&b, "(\nset -e\n")
	fmt.Fprintf(&b, "ts=$(date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ)\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", backupDir)
	fmt.Fprintf(&b, "tar -czf /tmp/%s%s --exclude='./credentials' -C %s .\n",
		lifecycle.ConfigArchive, excludes.String(), e.paths.ConfigDir())
	fmt.Fprintf(&b, "cp /tmp/%[1]s %[2]s/%[1]s\n", lifecycle.ConfigArchive, backupDir)
	fmt.Fprintf(&b, "if [ -d %s ]; then\n", e.paths.SkillsDir())
	fmt.Fprintf(&b, "  tar -czf /tmp/%s%s -C %s .\n", lifecycle.SkillsArchive, excludes.String(), e.paths.SkillsDir())
	fmt.Fprintf(&b, "  cp /tmp/%[1]s %[2]s/%[1]s\n", lifecycle.SkillsArchive, backupDir)
	fmt.Fprintf(&b, "fi\n")
	fmt.Fprintf(&b, "if [ -d %s ]; then\n", e.paths.CredentialsDir())
	fmt.Fprintf(&b, "  tar -czf /tmp/%s%s -C %s .\n", lifecycle.CredentialsArchive, excludes.String(), e.paths.CredentialsDir())
	fmt.Fprintf(&b, "  cp /tmp/%[1]s %[2]s/%[1]s\n", lifecycle.CredentialsArchive, backupDir)
	fmt.Fprintf(&b, "fi\n")
	fmt.Fprintf(&b, "printf '%%s' \"$ts\" > %s\n", e.remote.LastSync())
	fmt.Fprintf(&b, ") && echo %s || echo %s\n", lifecycle.SyncOKSentinel, lifecycle.SyncFailSentinel)
	return b.String()
}

func (e *Engine) failure(err error, detail string) SyncResult {
	log.Warn("sync refused", "reason", err, "detail", detail)
	return SyncResult{Err: err, Detail: detail}
}

// failurep is the pointer form used by gate helpers so a nil return means
// "check passed".
func (e *Engine) failurep(err error, detail string) *SyncResult {
	r := e.failure(err, detail)
	return &r
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
