// Package store mounts the durable object bucket inside the container.
// Every restore and sync operation requires the bucket at its fixed mount
// path first; mounting is idempotent and may be retried by the caller.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/log"
	"github.com/keelson-run/keelson/pkg/runtime/docker"
	"github.com/keelson-run/keelson/pkg/supervisor"
)

// ErrNotConfigured marks missing required credentials. A configuration
// error, never retried automatically.
var ErrNotConfigured = errors.New("not configured")

const mountTimeout = 60 * time.Second

// Credentials are the three required durable-store fields. Bucket is the
// account/endpoint identifier: a bare bucket name, or "bucket@endpoint"
// for a non-default object-store endpoint.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Validate reports which required field is absent.
func (c Credentials) Validate() error {
	switch {
	case c.AccessKeyID == "":
		return fmt.Errorf("%w: store access key id is missing", ErrNotConfigured)
	case c.SecretAccessKey == "":
		return fmt.Errorf("%w: store secret access key is missing", ErrNotConfigured)
	case c.Bucket == "":
		return fmt.Errorf("%w: store bucket is missing", ErrNotConfigured)
	}
	return nil
}

// bucketEndpoint splits the identifier into bucket name and endpoint URL.
func (c Credentials) bucketEndpoint() (bucket, endpoint string) {
	parts := strings.SplitN(c.Bucket, "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return c.Bucket, ""
}

// Manager mounts the bucket at the fixed mount path inside the container.
type Manager struct {
	exec     docker.Execer
	creds    Credentials
	mountDir string
}

// NewManager creates a Manager using the standard mount point.
func NewManager(exec docker.Execer, creds Credentials) *Manager {
	return &Manager{exec: exec, creds: creds, mountDir: lifecycle.DefaultMountDir}
}

// Configured reports whether all required credentials are present.
func (m *Manager) Configured() error {
	return m.creds.Validate()
}

// Mount ensures the bucket is mounted. Idempotent: an already mounted
// path returns true without re-issuing the mount. Missing credentials are
// a configuration error; a rejected or failed mount is surfaced as false
// with no error, and the caller owns retry policy.
func (m *Manager) Mount(ctx context.Context) (bool, error) {
	if err := m.creds.Validate(); err != nil {
		return false, err
	}

	mounted, err := m.isMounted(ctx)
	if err != nil {
		return false, err
	}
	if mounted {
		return true, nil
	}

	bucket, endpoint := m.creds.bucketEndpoint()
	script := fmt.Sprintf(
		`mkdir -p %[1]s && printf '%%s:%%s' "$STORE_ACCESS_KEY_ID" "$STORE_SECRET_ACCESS_KEY" > /etc/passwd-s3fs && chmod 600 /etc/passwd-s3fs && s3fs %[2]s %[1]s -o passwd_file=/etc/passwd-s3fs -o use_path_request_style%[3]s`,
		m.mountDir, bucket, endpointOption(endpoint))

	h, err := m.exec.Exec(ctx, []string{"sh", "-c", script}, []string{
		"STORE_ACCESS_KEY_ID=" + m.creds.AccessKeyID,
		"STORE_SECRET_ACCESS_KEY=" + m.creds.SecretAccessKey,
	})
	if err != nil {
		return false, fmt.Errorf("failed to issue mount command: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, mountTimeout)
	defer cancel()
	if err := h.Wait(waitCtx); err != nil {
		log.Warn("mount command did not settle", "error", err)
		return false, nil
	}

	mounted, err = m.isMounted(ctx)
	if err != nil {
		return false, err
	}
	if !mounted {
		log.Warn("mount was rejected", "bucket", bucket, "stderr", supervisor.Truncate(h.Stderr(), 512))
	}
	return mounted, nil
}

func (m *Manager) isMounted(ctx context.Context) (bool, error) {
	res, err := m.exec.Run(ctx, []string{"mountpoint", "-q", m.mountDir})
	if err != nil {
		return false, fmt.Errorf("failed to check mount point: %w", err)
	}
	return res.ExitCode == 0, nil
}

func endpointOption(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	return " -o url=" + endpoint
}
