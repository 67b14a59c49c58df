// Package lifecycle defines the on-disk contract shared between the
// container-side boot protocol and the externally-running sync engine:
// marker file locations, the durable-store layout, and the probe formats
// both sides agree on. The marker files are an inter-process communication
// channel, not just internal state.
package lifecycle

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultDataRoot is the container path holding all mutable state.
	DefaultDataRoot = "/data"

	// DefaultMountDir is where the durable store bucket is mounted.
	DefaultMountDir = "/mnt/state"

	// RemoteBackupDir is the snapshot directory under the mount, relative
	// to the mount root. Older deployments wrote archives directly into
	// the mount root; restore still recognizes that flat layout.
	RemoteBackupDir = "backup"
)

// Marker file names, relative to the data root.
const (
	BootStampName       = ".boot-ts"
	RestoreCompleteName = ".restore-complete"
	LastSyncName        = ".last-sync"
)

// Archive names in the durable snapshot.
const (
	ConfigArchive      = "config.tar.gz"
	SkillsArchive      = "skills.tar.gz"
	CredentialsArchive = "credentials.tar.gz"
)

const (
	// UsageMarkerKey is the JSON key searched for in the primary config as
	// a cheap proxy for "this container has actually been used". The
	// gateway writes it on first real activity; the built-in config
	// template never contains it.
	UsageMarkerKey = `"lastActivity"`

	// ProbeDelimiter separates the two numbers of the usage-signal probe.
	ProbeDelimiter = "|"

	// MinBootAge is the minimum container age before a non-forced sync is
	// allowed (safety gate check B).
	MinBootAge = 600 * time.Second

	// MinConfigFiles is the file-count threshold for safety gate check C:
	// a config directory with this many entries or fewer, combined with a
	// zero usage-marker count, marks the container as an untouched template.
	MinConfigFiles = 3
)

// RestoreCompleteToken is printed by the marker existence probe on success.
const RestoreCompleteToken = "RESTORE_COMPLETE"

// Completion sentinels for the archive-and-upload pipeline.
const (
	SyncOKSentinel   = "BACKUP_SYNC_OK"
	SyncFailSentinel = "BACKUP_SYNC_FAIL"
)

// Paths resolves the fixed state layout against a data root. The zero
// value is not usable; call DefaultPaths or set DataRoot explicitly
// (tests point it at a temp dir).
type Paths struct {
	DataRoot string
}

// DefaultPaths returns the layout used inside a real container.
func DefaultPaths() Paths {
	return Paths{DataRoot: DefaultDataRoot}
}

// ConfigDir is the primary configuration directory.
func (p Paths) ConfigDir() string { return filepath.Join(p.DataRoot, ".gateway") }

// ConfigFile is the primary configuration file.
func (p Paths) ConfigFile() string { return filepath.Join(p.ConfigDir(), "gateway.json") }

// CredentialsDir holds auxiliary credential stores.
func (p Paths) CredentialsDir() string { return filepath.Join(p.ConfigDir(), "credentials") }

// SkillsDir holds workspace skill additions.
func (p Paths) SkillsDir() string { return filepath.Join(p.DataRoot, "skills") }

// WorkspaceDir is the workspace repository root.
func (p Paths) WorkspaceDir() string { return filepath.Join(p.DataRoot, "workspace") }

// BootStamp is the boot-timestamp marker (bare integer epoch seconds).
func (p Paths) BootStamp() string { return filepath.Join(p.DataRoot, BootStampName) }

// RestoreComplete is the restore-complete presence marker.
func (p Paths) RestoreComplete() string { return filepath.Join(p.DataRoot, RestoreCompleteName) }

// LastSync is the local last-sync timestamp marker (ISO-8601).
func (p Paths) LastSync() string { return filepath.Join(p.DataRoot, LastSyncName) }

// RemotePaths resolves the durable-store-side layout against a mount dir.
type RemotePaths struct {
	MountDir string
}

// DefaultRemotePaths returns the layout under the standard mount point.
func DefaultRemotePaths() RemotePaths {
	return RemotePaths{MountDir: DefaultMountDir}
}

// BackupDir is the snapshot directory.
func (r RemotePaths) BackupDir() string { return filepath.Join(r.MountDir, RemoteBackupDir) }

// LastSync is the remote last-sync timestamp marker.
func (r RemotePaths) LastSync() string { return filepath.Join(r.BackupDir(), LastSyncName) }

// LegacyLastSync is the flat-layout location of the remote timestamp.
func (r RemotePaths) LegacyLastSync() string { return filepath.Join(r.MountDir, LastSyncName) }

// ParseBootStamp parses the boot-timestamp marker contents.
func ParseBootStamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("boot stamp is empty")
	}
	secs, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid boot stamp %q: %w", trimmed, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// FormatSyncStamp renders a sync timestamp in the agreed ISO-8601 shape.
func FormatSyncStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseSyncStamp validates a last-sync marker value. Both sides compare
// these as plain sortable strings; parsing is only used to reject garbage.
func ParseSyncStamp(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("sync stamp is empty")
	}
	if _, err := time.Parse(time.RFC3339, trimmed); err != nil {
		return "", fmt.Errorf("sync stamp %q is not date-shaped: %w", trimmed, err)
	}
	return trimmed, nil
}

// NewerThan reports whether remote is strictly newer than local. Absence
// (empty string) on either side is treated as older, so a missing local
// stamp always loses to a present remote one.
func NewerThan(remote, local string) bool {
	if remote == "" {
		return false
	}
	if local == "" {
		return true
	}
	return remote > local
}

// ParseUsageProbe parses the combined usage-signal probe output: the
// usage-marker count and the config directory entry count separated by
// ProbeDelimiter.
func ParseUsageProbe(raw string) (usageCount, fileCount int, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ProbeDelimiter, 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed usage probe output %q", strings.TrimSpace(raw))
	}
	usageCount, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid usage count in probe output %q: %w", raw, err)
	}
	fileCount, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid file count in probe output %q: %w", raw, err)
	}
	return usageCount, fileCount, nil
}

// ArchiveExcludes lists glob patterns never included in backup archives:
// lock, log and temp files. The lifecycle markers live outside the
// archived directories and are excluded by construction.
func ArchiveExcludes() []string {
	return []string{"*.lock", "*.log", "*.tmp", "*.swp"}
}
