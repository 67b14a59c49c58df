// Package config loads the deployment configuration for the external
// lifecycle manager: which container to supervise, how to reach the
// gateway, the durable-store credentials, and the sync schedule.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keelson-run/keelson/pkg/store"
)

// DefaultPath is where the config is looked up when no flag overrides it.
const DefaultPath = "keelson.yaml"

type Config struct {
	Version   string          `yaml:"version"`
	Container ContainerConfig `yaml:"container"`
	Gateway   GatewayConfig   `yaml:"gateway,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Repo      RepoConfig      `yaml:"repo_backup,omitempty"`
	Sync      SyncConfig      `yaml:"sync,omitempty"`
	Serve     ServeConfig     `yaml:"serve,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// ContainerConfig identifies the one supervised container.
type ContainerConfig struct {
	ID string `yaml:"id"`
}

// GatewayConfig describes the in-container gateway process.
type GatewayConfig struct {
	// Command is the argv used to start the gateway when it is not
	// running.
	Command []string `yaml:"command,omitempty"`
	// Pattern is the process-list signature used to find a running
	// gateway. Defaults to Command[0].
	Pattern string `yaml:"pattern,omitempty"`
	// URL is the gateway's websocket endpoint as reachable from the
	// lifecycle manager.
	URL string `yaml:"url,omitempty"`
	// InternalToken is the token the gateway's own handshake expects.
	InternalToken string `yaml:"internal_token,omitempty"`
	// ExternalToken is the shared secret relay clients present.
	ExternalToken string `yaml:"external_token,omitempty"`
	// ReadySentinels are output markers meaning the gateway is up.
	ReadySentinels []string `yaml:"ready_sentinels,omitempty"`
}

// StoreConfig carries the durable object store credentials and layout.
type StoreConfig struct {
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
}

// RepoConfig configures the workspace-repository backup path. It is
// independent of the store credentials.
type RepoConfig struct {
	RemoteURL string `yaml:"remote_url,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Branch    string `yaml:"branch,omitempty"`
}

// SyncConfig controls the scheduled backup sync.
type SyncConfig struct {
	// Interval between scheduled non-forced syncs under serve. Zero
	// disables the schedule.
	Interval Duration `yaml:"interval,omitempty"`
}

// Duration unmarshals from strings like "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServeConfig configures the HTTP surface.
type ServeConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// LogConfig mirrors pkg/log's settings.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns a config with the standard layout filled in.
func Default() Config {
	return Config{
		Version: "v1",
		Gateway: GatewayConfig{
			URL: "ws://127.0.0.1:18789/ws",
		},
		Repo: RepoConfig{
			Branch: "main",
		},
		Serve: ServeConfig{
			Listen: "127.0.0.1:8787",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the config file at path, overlays environment variables,
// and validates the result. A missing file is not an error: the
// defaults plus environment are used, so a fully env-driven deployment
// needs no file at all.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if strings.TrimSpace(cfg.Version) == "" {
			return Config{}, fmt.Errorf("invalid config %s: version is required", path)
		}
		if cfg.Version != "v1" {
			return Config{}, fmt.Errorf("unsupported config version %q in %s", cfg.Version, path)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment variables recognized by applyEnv. Secrets are usually
// supplied this way rather than through the file.
const (
	EnvContainerID    = "KEELSON_CONTAINER_ID"
	EnvStoreAccessKey = "KEELSON_STORE_ACCESS_KEY_ID"
	EnvStoreSecretKey = "KEELSON_STORE_SECRET_ACCESS_KEY"
	EnvStoreBucket    = "KEELSON_STORE_BUCKET"
	EnvRepoRemote     = "KEELSON_REPO_REMOTE_URL"
	EnvRepoToken      = "KEELSON_REPO_TOKEN"
	EnvGatewayToken   = "KEELSON_GATEWAY_INTERNAL_TOKEN"
	EnvExternalToken  = "KEELSON_RELAY_EXTERNAL_TOKEN"
	EnvLogLevel       = "KEELSON_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	overlay := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	overlay(&c.Container.ID, EnvContainerID)
	overlay(&c.Store.AccessKeyID, EnvStoreAccessKey)
	overlay(&c.Store.SecretAccessKey, EnvStoreSecretKey)
	overlay(&c.Store.Bucket, EnvStoreBucket)
	overlay(&c.Repo.RemoteURL, EnvRepoRemote)
	overlay(&c.Repo.Token, EnvRepoToken)
	overlay(&c.Gateway.InternalToken, EnvGatewayToken)
	overlay(&c.Gateway.ExternalToken, EnvExternalToken)
	overlay(&c.Log.Level, EnvLogLevel)
}

func (c *Config) validate() error {
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Serve.Listen == "" {
		return fmt.Errorf("serve.listen is required")
	}
	return nil
}

// StoreCredentials converts the store section to the mount manager's
// credential shape.
func (c Config) StoreCredentials() store.Credentials {
	return store.Credentials{
		AccessKeyID:     c.Store.AccessKeyID,
		SecretAccessKey: c.Store.SecretAccessKey,
		Bucket:          c.Store.Bucket,
	}
}
