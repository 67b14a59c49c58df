package boot

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/log"
)

// restore pulls state from the durable snapshot when the snapshot's
// last-sync timestamp is strictly newer than the local one (absence on
// either side counts as older). Each resource group is restored
// independently; a group whose archive is missing from the snapshot is
// skipped. Snapshot contents are copied over local contents without
// clearing the destination first.
func (p *Protocol) restore() (bool, error) {
	remoteStamp := p.remoteSyncStamp()
	localStamp := readTrimmed(p.Paths.LastSync())

	groups := []struct {
		archive string
		dest    string
	}{
		{lifecycle.ConfigArchive, p.Paths.ConfigDir()},
		{lifecycle.SkillsArchive, p.Paths.SkillsDir()},
		{lifecycle.CredentialsArchive, p.Paths.CredentialsDir()},
	}

	restored := false
	for _, g := range groups {
		if !lifecycle.NewerThan(remoteStamp, localStamp) {
			continue
		}
		src := p.locateArchive(g.archive)
		if src == "" {
			continue
		}
		log.Info("restoring from snapshot", "archive", g.archive, "dest", g.dest)
		if err := extractArchive(src, g.dest); err != nil {
			return restored, fmt.Errorf("restore %s: %w", g.archive, err)
		}
		restored = true
	}

	if restored {
		if err := os.WriteFile(p.Paths.LastSync(), []byte(remoteStamp+"\n"), 0o644); err != nil {
			return true, fmt.Errorf("write local last-sync: %w", err)
		}
	}
	return restored, nil
}

// remoteSyncStamp reads the snapshot timestamp, falling back to the
// legacy flat-layout location, and rejects values that are not
// date-shaped.
func (p *Protocol) remoteSyncStamp() string {
	for _, path := range []string{p.Remote.LastSync(), p.Remote.LegacyLastSync()} {
		raw := readTrimmed(path)
		if raw == "" {
			continue
		}
		stamp, err := lifecycle.ParseSyncStamp(raw)
		if err != nil {
			log.Warn("ignoring malformed snapshot timestamp", "path", path, "err", err)
			continue
		}
		return stamp
	}
	return ""
}

// locateArchive finds the named archive in the snapshot directory or,
// for older deployments, in the mount root.
func (p *Protocol) locateArchive(name string) string {
	for _, path := range []string{
		filepath.Join(p.Remote.BackupDir(), name),
		filepath.Join(p.Remote.MountDir, name),
	} {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func readTrimmed(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// extractArchive unpacks a gzipped tar into dest, rejecting entries that
// would escape it.
func extractArchive(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return err
		}
		if target == dest {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and the like have no business in a config
			// snapshot.
			log.Warn("skipping unsupported archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(dest, clean), nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
